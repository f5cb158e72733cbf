package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// debounce absorbs the burst of events most editors/atomic-rename writers
// produce for a single logical save.
const debounce = 200 * time.Millisecond

// Watcher reloads configPath whenever it changes on disk and hands the
// freshly loaded Config to onChange. Grounded on the teacher's fsnotify
// config-reload package (NewConfigWatcher), reworked as a single-file
// watcher since this control plane has one config file, not a directory of
// auth/SSO/OIDC files.
type Watcher struct {
	path     string
	fsw      *fsnotify.Watcher
	onChange func(*Config)
	stop     chan struct{}
}

// NewWatcher starts watching the directory containing configPath (fsnotify
// watches directories, not files, so atomic rename-based saves are seen)
// and invokes onChange with the reloaded Config after each write.
func NewWatcher(configPath string, onChange func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(configPath)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     configPath,
		fsw:      fsw,
		onChange: onChange,
		stop:     make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	var timer *time.Timer
	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, w.reload)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		log.Error().Err(err).Str("config_file", w.path).Msg("config reload failed, keeping previous configuration")
		return
	}
	log.Info().Str("config_file", w.path).Msg("configuration reloaded")
	w.onChange(cfg)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.stop)
	return w.fsw.Close()
}
