package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

func nullable(v string) interface{} {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// nullString scans a nullable TEXT column into a plain string, empty on NULL.
type nullString struct {
	dest *string
}

func (n *nullString) Scan(src interface{}) error {
	var ns sql.NullString
	if err := ns.Scan(src); err != nil {
		return err
	}
	*n.dest = ns.String
	return nil
}

// timeText scans an RFC 3339 TEXT column into a time.Time.
type timeText struct {
	dest *time.Time
}

func (t *timeText) Scan(src interface{}) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*t.dest = time.Time{}
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	case time.Time:
		*t.dest = v.UTC()
		return nil
	default:
		return fmt.Errorf("cannot scan %T into time.Time", src)
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fmt.Errorf("parse time column %q: %w", raw, err)
	}
	*t.dest = parsed.UTC()
	return nil
}
