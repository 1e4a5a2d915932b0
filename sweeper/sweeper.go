// Package sweeper periodically removes old downloads from disk.
package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Guard protects paths that are still being written or served.
type Guard interface {
	InUse(path string) bool
}

// Hook runs at the end of every sweep, e.g. to drop stale records.
type Hook func(now time.Time)

type Sweeper struct {
	dir      string
	maxAge   time.Duration
	interval time.Duration
	guards   []Guard
	hooks    []Hook
}

func New(dir string, maxAge, interval time.Duration, guards ...Guard) *Sweeper {
	return &Sweeper{dir: dir, maxAge: maxAge, interval: interval, guards: guards}
}

// OnSweep registers fn to run after each sweep.
func (s *Sweeper) OnSweep(fn Hook) {
	s.hooks = append(s.hooks, fn)
}

// Start sweeps every interval until ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		log.Info().Str("dir", s.dir).Dur("max_age", s.maxAge).Dur("interval", s.interval).Msg("cleanup sweeper started")

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("cleanup sweeper shutting down")
				return
			case now := <-ticker.C:
				s.Sweep(now)
			}
		}
	}()
}

// Sweep deletes top-level entries of the download directory whose
// modification time is older than maxAge, skipping anything a guard still
// claims. Errors are logged and never returned. It reports how many entries
// were removed.
func (s *Sweeper) Sweep(now time.Time) int {
	removed := 0
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", s.dir).Msg("cleanup sweep could not read directory")
	}
	for _, e := range entries {
		path := filepath.Join(s.dir, e.Name())
		info, err := e.Info()
		if err != nil {
			// Gone since ReadDir.
			continue
		}
		if now.Sub(info.ModTime()) <= s.maxAge || s.guarded(path) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("cleanup could not remove entry")
			continue
		}
		removed++
		log.Info().Str("path", path).Msg("removed old download")
	}

	for _, fn := range s.hooks {
		s.runHook(fn, now)
	}
	return removed
}

func (s *Sweeper) guarded(path string) bool {
	for _, g := range s.guards {
		if g.InUse(path) {
			return true
		}
	}
	return false
}

func (s *Sweeper) runHook(fn Hook, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("cleanup hook panicked")
		}
	}()
	fn(now)
}
