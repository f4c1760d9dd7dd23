package watch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ErrWatchFailure reports that an observer could not be attached.
var ErrWatchFailure = errors.New("watch failure")

// ChangeSource delivers at-least-once, possibly duplicated, change signals
// for a path.
type ChangeSource interface {
	Observe(path string) (Observer, error)
}

type Observer interface {
	Signals() <-chan struct{}
	Close() error
}

// StatFunc returns the modification time of path. A missing file reports the
// zero time and no error.
type StatFunc func(path string) (time.Time, error)

func ModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// FSNotifySource watches the directory holding the path so that atomic
// replace-by-rename writes are seen.
type FSNotifySource struct{}

func (FSNotifySource) Observe(path string) (Observer, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrWatchFailure, dir, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatchFailure, err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("%w: watch %s: %v", ErrWatchFailure, dir, err)
	}
	o := &fsObserver{
		watcher: w,
		target:  filepath.Clean(path),
		signals: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go o.loop()
	return o, nil
}

type fsObserver struct {
	watcher   *fsnotify.Watcher
	target    string
	signals   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (o *fsObserver) Signals() <-chan struct{} { return o.signals }

func (o *fsObserver) loop() {
	defer close(o.done)
	defer close(o.signals)
	for {
		select {
		case ev, ok := <-o.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != o.target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			select {
			case o.signals <- struct{}{}:
			default:
			}
		case err, ok := <-o.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("path", o.target).Msg("file watcher error")
		}
	}
}

func (o *fsObserver) Close() error {
	var err error
	o.closeOnce.Do(func() {
		err = o.watcher.Close()
		<-o.done
	})
	return err
}
