package logger

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one captured log line.
type Entry struct {
	Time      time.Time `json:"time"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

// Buffer keeps the most recent entries in a ring.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	count   int
}

var (
	globalBuffer *Buffer
	bufferOnce   sync.Once
)

// GetBuffer returns the process-wide buffer.
func GetBuffer() *Buffer {
	bufferOnce.Do(func() {
		globalBuffer = NewBuffer(2000)
	})
	return globalBuffer
}

func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 1
	}
	return &Buffer{entries: make([]Entry, size)}
}

func (b *Buffer) Add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[b.next] = e
	b.next = (b.next + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// Len is the number of entries held.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Recent returns up to limit entries at or above minLevel, newest first.
// A limit of zero or less returns everything that matches.
func (b *Buffer) Recent(limit int, minLevel string) []Entry {
	floor := zerolog.TraceLevel
	if minLevel != "" {
		floor = parseLevel(minLevel)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Entry
	for i := 0; i < b.count; i++ {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := b.entries[(b.next-1-i+len(b.entries))%len(b.entries)]
		if lvl, err := zerolog.ParseLevel(e.Level); err == nil && lvl < floor {
			continue
		}
		out = append(out, e)
	}
	return out
}

// BufferWriter copies every JSON log line into a Buffer before passing it
// on.
type BufferWriter struct {
	buf *Buffer
	out io.Writer
}

func NewBufferWriter(out io.Writer, buf *Buffer) *BufferWriter {
	return &BufferWriter{buf: buf, out: out}
}

func (w *BufferWriter) Write(p []byte) (int, error) {
	if e, ok := parseLine(p); ok {
		w.buf.Add(e)
	}
	if w.out == nil {
		return len(p), nil
	}
	return w.out.Write(p)
}

// parseLine decodes the fields zerolog writes by default.
func parseLine(p []byte) (Entry, bool) {
	var raw map[string]any
	if err := json.Unmarshal(p, &raw); err != nil {
		return Entry{}, false
	}
	str := func(key string) string {
		s, _ := raw[key].(string)
		return s
	}
	e := Entry{
		Level:     str(zerolog.LevelFieldName),
		Component: str("component"),
		Message:   str(zerolog.MessageFieldName),
		Error:     str(zerolog.ErrorFieldName),
		Time:      time.Now(),
	}
	if t, err := time.Parse(zerolog.TimeFieldFormat, str(zerolog.TimestampFieldName)); err == nil {
		e.Time = t
	}
	if e.Level == "" && e.Message == "" {
		return Entry{}, false
	}
	e.Level = strings.ToLower(e.Level)
	return e, true
}
