package encoder

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// size is rechecked on this interval too, some filesystems drop write events
const sizePollInterval = 5 * time.Second

// thresholdWatcher reports the first limit a segment hits. It fires at most once.
type thresholdWatcher struct {
	log         *slog.Logger
	path        string
	maxFileSize int64
	fire        func(Threshold)

	once    sync.Once
	timer   *time.Timer
	fs      *fsnotify.Watcher
	stopped chan struct{}
	stopMu  sync.Mutex
	wg      sync.WaitGroup
}

func startThresholdWatcher(log *slog.Logger, path string, maxDuration time.Duration, maxFileSize int64, fire func(Threshold)) (*thresholdWatcher, error) {
	w := &thresholdWatcher{
		log:         log,
		path:        filepath.Clean(path),
		maxFileSize: maxFileSize,
		fire:        fire,
		stopped:     make(chan struct{}),
	}

	if maxFileSize > 0 {
		fs, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("fail to create fs watcher: %w", err)
		}
		if err := fs.Add(filepath.Dir(w.path)); err != nil {
			fs.Close()
			return nil, fmt.Errorf("fail to watch output dir: %w", err)
		}
		w.fs = fs
		w.wg.Add(1)
		go w.watchSize()
	}

	if maxDuration > 0 {
		w.timer = time.AfterFunc(maxDuration, func() {
			w.trigger(MaxDurationReached)
		})
	}

	return w, nil
}

func (w *thresholdWatcher) watchSize() {
	defer w.wg.Done()

	ticker := time.NewTicker(sizePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopped:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path || !ev.Has(fsnotify.Write) {
				continue
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("fs watcher error", "err", err)
			continue
		case <-ticker.C:
		}

		if w.sizeReached() {
			w.trigger(MaxFileSizeReached)
			return
		}
	}
}

func (w *thresholdWatcher) sizeReached() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		return false
	}
	return info.Size() >= w.maxFileSize
}

func (w *thresholdWatcher) trigger(t Threshold) {
	select {
	case <-w.stopped:
		return
	default:
	}
	w.once.Do(func() {
		w.log.Info("segment threshold reached", "threshold", t, "output", w.path)
		// own goroutine, the receiver may be the one stopping this watcher
		go w.fire(t)
	})
}

// stop disarms the watcher. Idempotent.
func (w *thresholdWatcher) stop() {
	w.stopMu.Lock()
	select {
	case <-w.stopped:
		w.stopMu.Unlock()
		return
	default:
		close(w.stopped)
	}
	w.stopMu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.wg.Wait()
	if w.fs != nil {
		w.fs.Close()
	}
}
