package monitor

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"netsim/internal/store/rsm"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const settleDelay = 50 * time.Millisecond

func NewStoreWatcher(path string, runs rsm.RsmHandler, log *logrus.Entry) *StoreWatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &StoreWatcher{path: path, runs: runs, log: log}
}

// StoreWatcher calls back with the full run list whenever the run store
// file changes.
type StoreWatcher struct {
	path string
	runs rsm.RsmHandler
	log  *logrus.Entry
}

// Watch calls onChange once at start and again after every burst of writes
// to the store, until ctx ends. The directory is watched because the store
// is replaced by rename on save.
func (s *StoreWatcher) Watch(ctx context.Context, onChange func([]rsm.Run)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(s.path)
	base := filepath.Base(s.path)
	if err := w.Add(dir); err != nil {
		return err
	}

	refresh := func() {
		runs, err := s.runs.List()
		if err != nil {
			s.log.WithError(err).Warn("read run store")
			return
		}
		onChange(runs)
	}
	refresh()

	var pending atomic.Bool
	fired := make(chan struct{}, 1)
	trigger := func() {
		if pending.CompareAndSwap(false, true) {
			time.AfterFunc(settleDelay, func() {
				pending.Store(false)
				select {
				case fired <- struct{}{}:
				default:
				}
			})
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				trigger()
			}
		case <-fired:
			refresh()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.WithError(err).Warn("watch run store")
		}
	}
}
