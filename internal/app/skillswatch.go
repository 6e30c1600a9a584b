package app

import (
	"context"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// skillWatcher watches the per-user skills sandbox directory so a skill
// bundle dropped in by an external installer is picked up without
// restarting the process: the registry itself still requires an explicit
// skill-registry.install call, but a missing or unexpectedly removed
// exec file is logged as soon as it happens rather than only surfacing at
// the next invocation attempt.
type skillWatcher struct {
	fs  *fsnotify.Watcher
	log zerolog.Logger
}

// newSkillWatcher opens an fsnotify watch on dir. Callers should treat a
// non-nil error as "watching unavailable", not fatal: the sandbox validation
// in AuxiliaryStore.InstallSkill (invariant 6) is enforced independently of
// this best-effort watch.
func newSkillWatcher(dir string, log zerolog.Logger) (*skillWatcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(dir); err != nil {
		_ = fs.Close()
		return nil, err
	}
	return &skillWatcher{fs: fs, log: log.With().Str("component", "skills_watcher").Logger()}, nil
}

// run drains fsnotify events until ctx is cancelled or the watcher is closed.
func (w *skillWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.log.Info().Str("path", ev.Name).Str("op", ev.Op.String()).Msg("skills sandbox change detected")
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("skills sandbox watch error")
		}
	}
}

func (w *skillWatcher) close() {
	_ = w.fs.Close()
}
