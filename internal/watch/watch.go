// Package watch reruns generation when its input files change.
package watch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/orizon-lang/witgen/internal/cli"
)

// Op is a set of file operations.
type Op uint8

const (
	OpCreate Op = 1 << iota
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

// Event is a change to one watched file.
type Event struct {
	Path string
	Op   Op
	Time time.Time
}

func translate(op fsnotify.Op) Op {
	var out Op
	if op&fsnotify.Create != 0 {
		out |= OpCreate
	}
	if op&fsnotify.Write != 0 {
		out |= OpWrite
	}
	if op&fsnotify.Remove != 0 {
		out |= OpRemove
	}
	if op&fsnotify.Rename != 0 {
		out |= OpRename
	}
	if op&fsnotify.Chmod != 0 {
		out |= OpChmod
	}

	return out
}

// Watcher reports changes to a fixed set of files. It watches their
// directories so files replaced by rename keep being seen.
type Watcher struct {
	w     *fsnotify.Watcher
	files map[string]bool
	evC   chan Event
	erC   chan error
	done  chan struct{}
}

// New watches files. Empty names are ignored.
func New(files ...string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	fw := &Watcher{
		w:     w,
		files: map[string]bool{},
		evC:   make(chan Event, 128),
		erC:   make(chan error, 1),
		done:  make(chan struct{}),
	}

	dirs := map[string]bool{}

	for _, f := range files {
		if f == "" {
			continue
		}

		abs, err := filepath.Abs(f)
		if err != nil {
			w.Close()
			return nil, err
		}

		fw.files[abs] = true

		if dir := filepath.Dir(abs); !dirs[dir] {
			if err := w.Add(dir); err != nil {
				w.Close()
				return nil, fmt.Errorf("watching %s: %w", dir, err)
			}

			dirs[dir] = true
		}
	}

	go fw.loop()

	return fw, nil
}

func (fw *Watcher) loop() {
	defer close(fw.done)

	for {
		select {
		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}

			if !fw.files[filepath.Clean(ev.Name)] {
				continue
			}

			op := translate(ev.Op)
			if op == OpChmod {
				continue
			}

			select {
			case fw.evC <- Event{Path: ev.Name, Op: op, Time: time.Now()}:
			default:
				// A pending event already triggers a rerun.
			}
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}

			select {
			case fw.erC <- err:
			default:
			}
		}
	}
}

func (fw *Watcher) Events() <-chan Event { return fw.evC }
func (fw *Watcher) Errors() <-chan error { return fw.erC }

// Close stops the watcher and waits for its loop to exit.
func (fw *Watcher) Close() error {
	err := fw.w.Close()
	<-fw.done

	return err
}

// Run calls fn once, then again each time the watched files settle after
// a change, until ctx ends. Changes arriving within debounce of each other
// cause one call. Errors from fn are logged and do not stop the loop.
func (fw *Watcher) Run(ctx context.Context, debounce time.Duration, log *cli.Logger, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		log.Error("%v", err)
	}

	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case ev := <-fw.evC:
			log.Debug("change to %s", ev.Path)
			timer.Reset(debounce)
		case err := <-fw.erC:
			log.Warn("watch: %v", err)
		case <-timer.C:
			log.Info("inputs changed, regenerating")

			if err := fn(ctx); err != nil {
				log.Error("%v", err)
			}
		}
	}
}
