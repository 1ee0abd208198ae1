package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"rtk-rover/internal/events"
)

const (
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
)

// catchUp lists the kinds replayed to a new client so it can draw the
// current state without waiting for the next change.
var catchUp = []events.Kind{
	events.KindScan,
	events.KindConnection,
	events.KindConfiguration,
	events.KindBattery,
	events.KindVersion,
	events.KindNtrip,
}

// handleWS streams every bus event as one JSON text frame.
func (a *api) handleWS(w http.ResponseWriter, r *http.Request) {
	if a.d.Bus == nil {
		http.Error(w, "event stream unavailable", http.StatusNotFound)
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	id, ch := a.d.Bus.Subscribe(64)
	a.log.Debug().Int("client", id).Msg("websocket client connected")

	// Reader: only control frames and close are expected.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		a.d.Bus.Unsubscribe(id)
		_ = conn.Close()
		a.log.Debug().Int("client", id).Msg("websocket client disconnected")
	}()

	write := func(ev events.Event) bool {
		b, err := json.Marshal(ev)
		if err != nil {
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(websocket.TextMessage, b) == nil
	}

	for _, k := range catchUp {
		if ev, ok := a.d.Bus.Last(k); ok {
			if !write(ev) {
				return
			}
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok || !write(ev) {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
