// Package runlog keeps the bounded in-memory log of one bot run.
package runlog

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DefaultCapacity bounds a run log; the oldest entries are dropped first.
const DefaultCapacity = 1000

type Entry struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Run     string    `json:"run"`
	Message string    `json:"message"`
	Attrs   string    `json:"attrs,omitempty"`
}

func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s %s", e.Time.Format("15:04:05.000"), e.Run, e.Level, e.Message)
	if e.Attrs != "" {
		b.WriteByte(' ')
		b.WriteString(e.Attrs)
	}
	return b.String()
}

// Buffer is a fixed-capacity ring of entries. Safe for concurrent use.
type Buffer struct {
	mu      sync.Mutex
	run     string
	entries []Entry
	start   int
	size    int
	seq     uint64
	dropped uint64
}

func NewBuffer(capacity int, run string) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if run == "" {
		run = NewRunTag()
	}
	return &Buffer{run: run, entries: make([]Entry, capacity)}
}

// NewRunTag returns a short random tag identifying one process run.
func NewRunTag() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "run"
	}
	return hex.EncodeToString(b[:])[:5]
}

func (b *Buffer) Run() string { return b.run }

func (b *Buffer) Add(t time.Time, level, msg, attrs string) Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	e := Entry{Seq: b.seq, Time: t, Level: level, Run: b.run, Message: msg, Attrs: attrs}
	capacity := len(b.entries)
	if b.size < capacity {
		b.entries[(b.start+b.size)%capacity] = e
		b.size++
		return e
	}
	b.entries[b.start] = e
	b.start = (b.start + 1) % capacity
	b.dropped++
	return e
}

// Entries returns up to limit of the newest entries, oldest first. A limit of
// zero or less returns everything.
func (b *Buffer) Entries(limit int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Entry, 0, n)
	capacity := len(b.entries)
	for i := b.size - n; i < b.size; i++ {
		out = append(out, b.entries[(b.start+i)%capacity])
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Text renders every entry, one per line.
func (b *Buffer) Text() string {
	entries := b.Entries(0)
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.String()
	}
	return strings.Join(lines, "\n")
}

// Handler tees records into a Buffer and forwards them to next.
type Handler struct {
	next   slog.Handler
	buf    *Buffer
	attrs  string
	prefix string
}

func NewHandler(next slog.Handler, buf *Buffer) *Handler {
	return &Handler{next: next, buf: buf}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.prefix, a)
		return true
	})
	h.buf.Add(r.Time, r.Level.String(), r.Message, strings.TrimSpace(b.String()))
	return h.next.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		appendAttr(&b, h.prefix, a)
	}
	return &Handler{next: h.next.WithAttrs(attrs), buf: h.buf, attrs: b.String(), prefix: h.prefix}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{next: h.next.WithGroup(name), buf: h.buf, attrs: h.attrs, prefix: h.prefix + name + "."}
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(b, p, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteByte('=')
	v := a.Value.String()
	if strings.ContainsAny(v, " \t\n\"=") {
		v = fmt.Sprintf("%q", v)
	}
	b.WriteString(v)
}

// ParseLevel maps debug|info|warn|error to a slog level; anything else is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger: text or json output on w, every record
// also kept in buf and tagged with the run.
func NewLogger(w io.Writer, level, format string, buf *Buffer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	if buf == nil {
		return slog.New(handler).With("run", NewRunTag())
	}
	return slog.New(NewHandler(handler.WithAttrs([]slog.Attr{slog.String("run", buf.Run())}), buf))
}
