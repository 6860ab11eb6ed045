package registry

import (
	"context"
	"testing"

	"github.com/janekbaraniewski/tokenwatch/internal/model"
	"github.com/janekbaraniewski/tokenwatch/internal/parser"
)

type fakeResolver struct {
	resolveCalls int
	providers    map[string]model.Provider
	activeHash   string
	nextID       int64
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{providers: map[string]model.Provider{}}
}

func (f *fakeResolver) ResolveProvider(_ context.Context, keyHash, keyPrefix, baseURL string) (model.Provider, bool, error) {
	f.resolveCalls++
	p, ok := f.providers[keyHash]
	if !ok {
		f.nextID++
		p = model.Provider{ID: f.nextID, KeyHash: keyHash, KeyPrefix: keyPrefix, BaseURL: baseURL}
		f.providers[keyHash] = p
	}
	switched := f.activeHash != keyHash
	f.activeHash = keyHash
	p.Active = true
	return p, switched, nil
}

func (f *fakeResolver) ActiveProvider(context.Context) (model.Provider, bool, error) {
	if f.activeHash == "" {
		return model.Provider{}, false, nil
	}
	p := f.providers[f.activeHash]
	p.Active = true
	return p, true, nil
}

func TestResolve_FirstCredentialSwitches(t *testing.T) {
	reg := New(newFakeResolver())

	p, switched, err := reg.Resolve(context.Background(), parser.Credential{KeyHash: "h1", KeyPrefix: "sk-ant-a"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !switched {
		t.Fatal("first credential must report a switch")
	}
	if p.ID == 0 {
		t.Fatalf("provider not assigned an id: %+v", p)
	}
}

func TestResolve_UnchangedCredentialSkipsStore(t *testing.T) {
	fake := newFakeResolver()
	reg := New(fake)
	ctx := context.Background()

	cred := parser.Credential{KeyHash: "h1", KeyPrefix: "sk-ant-a"}
	if _, _, err := reg.Resolve(ctx, cred); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	_, switched, err := reg.Resolve(ctx, cred)
	if err != nil {
		t.Fatalf("Resolve repeat: %v", err)
	}
	if switched {
		t.Fatal("unchanged credential must not switch")
	}
	if fake.resolveCalls != 1 {
		t.Fatalf("store hit %d times, want 1 (memory fast path)", fake.resolveCalls)
	}
}

func TestResolve_NewCredentialSwitchesOnce(t *testing.T) {
	reg := New(newFakeResolver())
	ctx := context.Background()

	if _, _, err := reg.Resolve(ctx, parser.Credential{KeyHash: "h1", KeyPrefix: "sk-ant-a"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	p, switched, err := reg.Resolve(ctx, parser.Credential{KeyHash: "h2", KeyPrefix: "sk-ant-b"})
	if err != nil {
		t.Fatalf("Resolve new: %v", err)
	}
	if !switched {
		t.Fatal("new credential must switch")
	}

	// Same credential again: no further switch.
	if _, again, _ := reg.Resolve(ctx, parser.Credential{KeyHash: "h2", KeyPrefix: "sk-ant-b"}); again {
		t.Fatal("switch reported twice for one credential change")
	}

	active, ok := reg.Active()
	if !ok || active.ID != p.ID {
		t.Fatalf("active = %+v ok=%v, want %+v", active, ok, p)
	}
}

func TestLoad_PrimesActiveFromStore(t *testing.T) {
	fake := newFakeResolver()
	ctx := context.Background()
	if _, _, err := fake.ResolveProvider(ctx, "h1", "sk-ant-a", ""); err != nil {
		t.Fatalf("seed: %v", err)
	}

	reg := New(fake)
	if err := reg.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	// The restored credential must take the fast path, not re-resolve.
	_, switched, err := reg.Resolve(ctx, parser.Credential{KeyHash: "h1", KeyPrefix: "sk-ant-a"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if switched {
		t.Fatal("restored active credential reported as a switch")
	}
	if fake.resolveCalls != 1 {
		t.Fatalf("store hit %d times after restore, want 1 (the seed)", fake.resolveCalls)
	}
}
