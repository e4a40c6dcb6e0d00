package api

import (
	"time"

	"github.com/basekick-labs/arcplay/internal/playback"
	"github.com/rs/zerolog"
)

const cursorHeader = "X-Arcplay-Cursor"

type cursor struct {
	it       *playback.Iterator
	lastUsed time.Time
}

// cursorTable keeps iterators alive between requests. Callers hold the
// server mutex.
type cursorTable struct {
	max    int
	idle   time.Duration
	now    func() time.Time
	logger zerolog.Logger
	open   map[string]*cursor
}

func newCursorTable(limit int, idle time.Duration, logger zerolog.Logger) *cursorTable {
	if limit <= 0 {
		limit = 1
	}
	return &cursorTable{max: limit, idle: idle, now: time.Now, logger: logger, open: make(map[string]*cursor)}
}

func (t *cursorTable) Len() int { return len(t.open) }

// Add keeps it under its id, closing idle cursors and, if still full, the
// least recently used one.
func (t *cursorTable) Add(it *playback.Iterator) {
	t.reap()
	for len(t.open) >= t.max {
		var oldest string
		var at time.Time
		for id, c := range t.open {
			if oldest == "" || c.lastUsed.Before(at) {
				oldest, at = id, c.lastUsed
			}
		}
		t.logger.Debug().Str("cursor", oldest).Msg("Evicting cursor")
		t.Remove(oldest)
	}
	t.open[it.ID()] = &cursor{it: it, lastUsed: t.now()}
}

// Get returns the iterator for id and marks it used.
func (t *cursorTable) Get(id string) (*playback.Iterator, bool) {
	t.reap()
	c, ok := t.open[id]
	if !ok {
		return nil, false
	}
	c.lastUsed = t.now()
	return c.it, true
}

// Remove closes and forgets id. It reports whether id was open.
func (t *cursorTable) Remove(id string) bool {
	c, ok := t.open[id]
	if !ok {
		return false
	}
	c.it.Close()
	delete(t.open, id)
	return true
}

func (t *cursorTable) CloseAll() {
	for id := range t.open {
		t.Remove(id)
	}
}

func (t *cursorTable) reap() {
	if t.idle <= 0 {
		return
	}
	cutoff := t.now().Add(-t.idle)
	for id, c := range t.open {
		if c.lastUsed.Before(cutoff) {
			t.logger.Debug().Str("cursor", id).Msg("Closing idle cursor")
			t.Remove(id)
		}
	}
}
