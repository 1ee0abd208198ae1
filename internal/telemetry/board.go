package telemetry

import (
	"sync"
	"time"
)

// Board keeps the latest rendering per channel for presentation.
//
// It is safe for concurrent use.
type Board struct {
	mu     sync.RWMutex
	latest map[Channel]Rendered
	counts map[Kind]uint64
	lastAt time.Time
}

type BoardSnapshot struct {
	Position        string            `json:"position,omitempty"`
	ErrorStatistics string            `json:"error_statistics,omitempty"`
	Text            string            `json:"text,omitempty"`
	TextRaw         bool              `json:"text_raw,omitempty"`
	Counts          map[string]uint64 `json:"counts"`
	LastUpdateUTC   string            `json:"last_update_utc,omitempty"`
}

func NewBoard() *Board {
	return &Board{
		latest: make(map[Channel]Rendered),
		counts: make(map[Kind]uint64),
	}
}

// Handle routes msg and stores the rendering. It returns what was stored.
func (b *Board) Handle(nowUTC time.Time, msg Message) Rendered {
	r := Route(msg)
	if b == nil {
		return r
	}
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	b.mu.Lock()
	b.latest[r.Channel] = r
	b.counts[r.Kind]++
	b.lastAt = nowUTC
	b.mu.Unlock()
	return r
}

// Reset clears every channel, as when the receiver goes away.
func (b *Board) Reset() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.latest = make(map[Channel]Rendered)
	b.lastAt = time.Time{}
	b.mu.Unlock()
}

func (b *Board) Snapshot() BoardSnapshot {
	if b == nil {
		return BoardSnapshot{}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := BoardSnapshot{
		Position:        b.latest[ChannelPosition].Text,
		ErrorStatistics: b.latest[ChannelErrorStatistics].Text,
		Text:            b.latest[ChannelText].Text,
		TextRaw:         b.latest[ChannelText].Raw,
		Counts:          make(map[string]uint64, len(b.counts)),
	}
	for k, v := range b.counts {
		out.Counts[string(k)] = v
	}
	if !b.lastAt.IsZero() {
		out.LastUpdateUTC = b.lastAt.UTC().Format(time.RFC3339Nano)
	}
	return out
}
