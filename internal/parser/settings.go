// Package parser reads the two watched input shapes: the small JSON
// credential descriptor (re-read in full on every change) and the append-only
// JSONL session logs (read incrementally through per-file cursors).
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingCredential is returned when the descriptor has no auth token in
// any of the accepted locations.
var ErrMissingCredential = errors.New("parser: missing auth token in settings")

// Credential is the resolved active credential. The raw secret is reduced to
// a hash and a short display prefix before it leaves this package.
type Credential struct {
	KeyHash   string
	KeyPrefix string
	BaseURL   string
}

const keyPrefixLen = 8

// rawSettings mirrors the descriptor file. The token and base URL may appear
// at the top level or nested under "env", in either casing.
type rawSettings struct {
	AuthToken      string `json:"ANTHROPIC_AUTH_TOKEN"`
	AuthTokenLower string `json:"anthropic_auth_token"`
	BaseURL        string `json:"ANTHROPIC_BASE_URL"`
	BaseURLLower   string `json:"anthropic_base_url"`
	Env            struct {
		AuthToken      string `json:"ANTHROPIC_AUTH_TOKEN"`
		AuthTokenLower string `json:"anthropic_auth_token"`
		BaseURL        string `json:"ANTHROPIC_BASE_URL"`
		BaseURLLower   string `json:"anthropic_base_url"`
	} `json:"env"`
}

// ParseSettings extracts the active credential from the descriptor content.
func ParseSettings(data []byte) (Credential, error) {
	var raw rawSettings
	if err := json.Unmarshal(data, &raw); err != nil {
		return Credential{}, fmt.Errorf("parser: decode settings: %w", err)
	}

	token := firstNonEmpty(raw.AuthToken, raw.AuthTokenLower, raw.Env.AuthToken, raw.Env.AuthTokenLower)
	if token == "" {
		return Credential{}, ErrMissingCredential
	}

	sum := sha256.Sum256([]byte(token))
	prefix := token
	if len(prefix) > keyPrefixLen {
		prefix = prefix[:keyPrefixLen]
	}

	return Credential{
		KeyHash:   hex.EncodeToString(sum[:]),
		KeyPrefix: prefix,
		BaseURL:   firstNonEmpty(raw.BaseURL, raw.BaseURLLower, raw.Env.BaseURL, raw.Env.BaseURLLower),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
