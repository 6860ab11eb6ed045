package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func startWatcher(t *testing.T, root, settingsPath string) *Watcher {
	t.Helper()
	w, err := New(root, settingsPath, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func waitForEvent(t *testing.T, w *Watcher, timeout time.Duration) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-w.Events():
		return ev, ok
	case <-time.After(timeout):
		return Event{}, false
	}
}

func TestStart_FailsOnMissingWatchRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "does-not-exist")
	w, err := New(root, "", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { w.fsw.Close() })
	if err := w.Start(); err == nil {
		t.Fatal("Start() = nil for a missing watch root, want error")
	}
}

func TestStart_FailsWhenWatchRootIsAFile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "root")
	if err := os.WriteFile(root, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	w, err := New(root, "", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { w.fsw.Close() })
	if err := w.Start(); err == nil {
		t.Fatal("Start() = nil for a non-directory watch root, want error")
	}
}

func TestStart_EmitsExistingSessionLogs(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "session.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	w := startWatcher(t, root, "")
	ev, ok := waitForEvent(t, w, 3*time.Second)
	if !ok {
		t.Fatal("no catch-up event for pre-existing session log")
	}
	if ev.Path != path || ev.Kind != KindSession {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestWatch_CoalescesRapidWrites(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root, "")

	path := filepath.Join(root, "session.jsonl")
	for i := 0; i < 5; i++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if _, err := f.WriteString("{}\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
		f.Close()
		time.Sleep(10 * time.Millisecond)
	}

	if _, ok := waitForEvent(t, w, 3*time.Second); !ok {
		t.Fatal("no event after burst of writes")
	}
	// The burst fits well inside one debounce window; a second event
	// means coalescing failed.
	if ev, ok := waitForEvent(t, w, 300*time.Millisecond); ok {
		t.Fatalf("burst produced extra event: %+v", ev)
	}
}

func TestWatch_SettingsFileClassified(t *testing.T) {
	root := t.TempDir()
	settingsDir := t.TempDir()
	settingsPath := filepath.Join(settingsDir, "settings.json")

	w := startWatcher(t, root, settingsPath)
	if err := os.WriteFile(settingsPath, []byte(`{"ANTHROPIC_AUTH_TOKEN":"sk-abc"}`), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	ev, ok := waitForEvent(t, w, 3*time.Second)
	if !ok {
		t.Fatal("no event for settings write")
	}
	if ev.Kind != KindSettings || ev.Path != settingsPath {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestWatch_NewSubdirectoryIsPickedUp(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root, "")

	sub := filepath.Join(root, "projects")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// Give the watcher a beat to register the new directory.
	time.Sleep(200 * time.Millisecond)

	path := filepath.Join(sub, "session.jsonl")
	if err := os.WriteFile(path, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ev, ok := waitForEvent(t, w, 3*time.Second)
	if !ok {
		t.Fatal("no event for file in new subdirectory")
	}
	if ev.Path != path {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestWatch_IgnoresUnrelatedFiles(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, root, "")

	if err := os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if ev, ok := waitForEvent(t, w, 500*time.Millisecond); ok {
		t.Fatalf("unexpected event for non-log file: %+v", ev)
	}
}
