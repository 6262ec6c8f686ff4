// Package config triggers configuration reloads from SIGHUP and from
// changes to the configuration file.
package config

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// DefaultDebounce coalesces the bursts of events editors produce for a
// single save.
const DefaultDebounce = 100 * time.Millisecond

// ReloadFunc is called when a reload is triggered. A returned error is
// logged and the reloader keeps running.
type ReloadFunc func(configPath string) error

// Option configures a Reloader.
type Option func(*Reloader)

// WithDebounce sets the quiet period after the last file event before a
// reload runs.
func WithDebounce(d time.Duration) Option {
	return func(r *Reloader) {
		if d > 0 {
			r.debounce = d
		}
	}
}

// WithoutSignal disables the SIGHUP trigger.
func WithoutSignal() Option {
	return func(r *Reloader) { r.useSignal = false }
}

// Reloader calls a ReloadFunc whenever the configuration file changes or
// the process receives SIGHUP. Reloads never run concurrently.
type Reloader struct {
	path      string
	reload    ReloadFunc
	debounce  time.Duration
	useSignal bool

	watcher *fsnotify.Watcher
	signals chan os.Signal
	done    chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewReloader creates a reloader for configPath. Nothing is watched until
// Start is called.
func NewReloader(configPath string, reload ReloadFunc, opts ...Option) *Reloader {
	r := &Reloader{
		path:      configPath,
		reload:    reload,
		debounce:  DefaultDebounce,
		useSignal: true,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start begins watching. The directory holding the file is watched rather
// than the file itself: editors save through a temp file and a rename,
// which replaces the inode a file watch would be bound to.
//
// Watching stops when ctx is cancelled or Close is called.
func (r *Reloader) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		_ = watcher.Close()
		return err
	}
	r.watcher = watcher

	if r.useSignal {
		r.signals = make(chan os.Signal, 1)
		signal.Notify(r.signals, syscall.SIGHUP)
		log.Info("SIGHUP handler configured for config reload")
	}

	r.wg.Add(1)
	go r.run(ctx)

	log.Infof("Watching config file: %s", r.path)
	return nil
}

func (r *Reloader) run(ctx context.Context) {
	defer r.wg.Done()

	name := filepath.Base(r.path)
	var pending <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.signals:
			log.Info("SIGHUP received, reloading configuration...")
			r.runReload()
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				timer.Reset(r.debounce)
			}
			pending = timer.C
		case <-pending:
			pending = nil
			log.Info("Config file changed, reloading...")
			r.runReload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("File watcher error: %v", err)
		}
	}
}

func (r *Reloader) runReload() {
	if err := r.reload(r.path); err != nil {
		log.Errorf("Configuration reload failed: %v", err)
	}
}

// Close stops watching and waits for an in-flight reload to return.
func (r *Reloader) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		if r.signals != nil {
			signal.Stop(r.signals)
		}
		r.wg.Wait()
		if r.watcher != nil {
			err = r.watcher.Close()
		}
	})
	return err
}
