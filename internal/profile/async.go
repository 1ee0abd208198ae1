package profile

import (
	"errors"
	"io"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

var ErrBackendClosed = errors.New("profile backend closed")

// Async wraps a Backend so Set returns immediately and the write happens on
// a background goroutine. Reads see pending writes.
type Async struct {
	next Backend
	log  zerolog.Logger

	mu      sync.Mutex
	pending map[string]string
	closed  bool

	kick     chan struct{}
	flushReq chan chan error
	stop     chan struct{}
	done     chan struct{}
}

func NewAsync(next Backend, log *zerolog.Logger) *Async {
	l := zerolog.Nop()
	if log != nil {
		l = *log
	}
	a := &Async{
		next:     next,
		log:      l,
		pending:  make(map[string]string),
		kick:     make(chan struct{}, 1),
		flushReq: make(chan chan error),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Get(key string) (string, bool, error) {
	a.mu.Lock()
	v, ok := a.pending[key]
	a.mu.Unlock()
	if ok {
		return v, true, nil
	}
	return a.next.Get(key)
}

func (a *Async) Set(key, value string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrBackendClosed
	}
	a.pending[key] = value
	a.mu.Unlock()
	select {
	case a.kick <- struct{}{}:
	default:
	}
	return nil
}

// Flush blocks until every pending write has reached the wrapped backend.
func (a *Async) Flush() error {
	reply := make(chan error, 1)
	select {
	case a.flushReq <- reply:
		return <-reply
	case <-a.done:
		return ErrBackendClosed
	}
}

// Close writes what is pending, stops the worker and closes the wrapped
// backend if it is closable.
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.stop)
	<-a.done
	if c, ok := a.next.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (a *Async) run() {
	defer close(a.done)
	for {
		select {
		case <-a.kick:
			_ = a.writePending()
		case reply := <-a.flushReq:
			reply <- a.writePending()
		case <-a.stop:
			_ = a.writePending()
			return
		}
	}
}

func (a *Async) writePending() error {
	a.mu.Lock()
	batch := make(map[string]string, len(a.pending))
	for k, v := range a.pending {
		batch[k] = v
	}
	a.mu.Unlock()

	keys := make([]string, 0, len(batch))
	for k := range batch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var firstErr error
	for _, k := range keys {
		err := a.next.Set(k, batch[k])
		if err != nil {
			a.log.Error().Err(err).Str("key", k).Msg("background write failed")
			if firstErr == nil {
				firstErr = err
			}
		}
		// Entries stay visible to Get until written, unless a newer value
		// arrived meanwhile.
		a.mu.Lock()
		if v, ok := a.pending[k]; ok && v == batch[k] {
			delete(a.pending, k)
		}
		a.mu.Unlock()
	}
	return firstErr
}
