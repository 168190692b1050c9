package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDirWatcher_SkipsEmptyDirEntries(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDirWatcher([]string{"", dir}, func(path string) {})
	if err != nil {
		t.Fatalf("NewDirWatcher() error = %v", err)
	}
	defer w.watcher.Close()
}

func TestDirWatcher_Run_NotifiesOnWrite(t *testing.T) {
	dir := t.TempDir()
	changed := make(chan string, 1)
	w, err := NewDirWatcher([]string{dir}, func(path string) {
		select {
		case changed <- path:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewDirWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	target := filepath.Join(dir, "persona.json")
	if err := os.WriteFile(target, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case path := <-changed:
		if path != target {
			t.Errorf("onChange path = %q, want %q", path, target)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for onChange notification")
	}
}

func TestDirWatcher_Run_StopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	w, err := NewDirWatcher([]string{dir}, func(path string) {})
	if err != nil {
		t.Fatalf("NewDirWatcher() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}
