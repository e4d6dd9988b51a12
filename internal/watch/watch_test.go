package watch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/orizon-lang/witgen/internal/cli"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		in   fsnotify.Op
		want Op
	}{
		{fsnotify.Create, OpCreate},
		{fsnotify.Write, OpWrite},
		{fsnotify.Remove | fsnotify.Rename, OpRemove | OpRename},
		{fsnotify.Chmod, OpChmod},
	}

	for _, tt := range tests {
		if got := translate(tt.in); got != tt.want {
			t.Errorf("Expected %v for %v, got %v", tt.want, tt.in, got)
		}
	}
}

func TestRunReruns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "swift.yaml")
	other := filepath.Join(dir, "unrelated.txt")

	if err := os.WriteFile(path, []byte("module: A\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	fw, err := New(path, "")
	if err != nil {
		t.Skip("fsnotify not supported: ", err)
	}
	defer fw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	calls := make(chan int, 16)
	n := 0

	done := make(chan error, 1)
	go func() {
		done <- fw.Run(ctx, 20*time.Millisecond, cli.NewLoggerTo(io.Discard, true, true), func(context.Context) error {
			n++
			calls <- n
			if n == 1 {
				return errors.New("first run fails")
			}

			return nil
		})
	}()

	select {
	case got := <-calls:
		if got != 1 {
			t.Fatalf("Expected the initial run, got call %d", got)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for the initial run")
	}

	if err := os.WriteFile(other, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := os.WriteFile(path, []byte("module: B\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case got := <-calls:
		if got != 2 {
			t.Errorf("Expected the second run, got call %d", got)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for a rerun")
	}

	cancel()

	if err := <-done; err != nil {
		t.Errorf("Expected nil on cancellation, got %v", err)
	}
}

func TestCloseStopsLoop(t *testing.T) {
	fw, err := New(filepath.Join(t.TempDir(), "m.yaml"))
	if err != nil {
		t.Skip("fsnotify not supported: ", err)
	}

	if err := fw.Close(); err != nil {
		t.Errorf("Expected clean close, got %v", err)
	}

	select {
	case <-fw.done:
	default:
		t.Error("Expected the event loop to have exited")
	}
}
