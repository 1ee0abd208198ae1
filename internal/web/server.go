// Package web serves the status and control API and streams bus events to
// browsers over a websocket.
package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"rtk-rover/internal/discovery"
	"rtk-rover/internal/events"
	"rtk-rover/internal/ntrip"
	"rtk-rover/internal/peripheral"
	"rtk-rover/internal/profile"
	"rtk-rover/internal/telemetry"
	"rtk-rover/internal/transport"
)

// Caller runs fn on the controllers' event loop and waits for it.
type Caller interface {
	Call(ctx context.Context, fn func()) error
}

// Deps is everything the API drives or reads. Any controller may be nil;
// its routes then answer 404.
type Deps struct {
	Loop       Caller
	Discovery  *discovery.Controller
	Peripheral *peripheral.Controller
	Ntrip      *ntrip.Controller
	Profiles   *profile.Store
	Board      *telemetry.Board
	Bus        *events.Bus
	Status     *Status
	Logs       *LogBuffer
	Log        *zerolog.Logger
}

// How long a mountpoint fetch may take before the request gives up waiting.
const fetchWait = 15 * time.Second

// conflicts are sequencing errors; they map to 409.
var conflicts = []error{
	discovery.ErrAlreadyScanning,
	peripheral.ErrAlreadyConnecting,
	peripheral.ErrAlreadyConnected,
	peripheral.ErrNotConnected,
	peripheral.ErrNotConfigurable,
	ntrip.ErrFetchInProgress,
	ntrip.ErrNoMountPoint,
	ntrip.ErrUnknownMountPoint,
	ntrip.ErrAlreadyConnecting,
	ntrip.ErrAlreadyStreaming,
	ntrip.ErrNotConnected,
	ntrip.ErrNoSession,
}

func statusFor(err error) int {
	for _, c := range conflicts {
		if errors.Is(err, c) {
			return http.StatusConflict
		}
	}
	return http.StatusBadRequest
}

type api struct {
	d   Deps
	log zerolog.Logger

	upgrader websocket.Upgrader
}

func Handler(d Deps) http.Handler {
	if d.Status == nil {
		d.Status = NewStatus()
	}
	l := zerolog.Nop()
	if d.Log != nil {
		l = *d.Log
	}
	a := &api{
		d:   d,
		log: l,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", get(a.status))

	mux.HandleFunc("/api/scan/start", post(a.needDiscovery(a.scanStart)))
	mux.HandleFunc("/api/scan/stop", post(a.needDiscovery(a.scanStop)))

	mux.HandleFunc("/api/peripheral/connect", post(a.needPeripheral(a.peripheralConnect)))
	mux.HandleFunc("/api/peripheral/disconnect", post(a.needPeripheral(a.peripheralAction((*peripheral.Controller).Disconnect))))
	mux.HandleFunc("/api/peripheral/battery", post(a.needPeripheral(a.peripheralAction((*peripheral.Controller).RequestBattery))))
	mux.HandleFunc("/api/peripheral/version", post(a.needPeripheral(a.peripheralAction((*peripheral.Controller).RequestVersion))))
	mux.HandleFunc("/api/peripheral/retry", post(a.needPeripheral(a.peripheralAction((*peripheral.Controller).RetryConfiguration))))

	mux.HandleFunc("/api/ntrip/mountpoints", post(a.needNtrip(a.ntripMountpoints)))
	mux.HandleFunc("/api/ntrip/select", post(a.needNtrip(a.ntripSelect)))
	mux.HandleFunc("/api/ntrip/connect", post(a.needNtrip(a.ntripConnect)))
	mux.HandleFunc("/api/ntrip/reconnect", post(a.needNtrip(a.ntripAction((*ntrip.Controller).Reconnect))))
	mux.HandleFunc("/api/ntrip/disconnect", post(a.needNtrip(a.ntripAction((*ntrip.Controller).Disconnect))))

	mux.HandleFunc("/api/profiles", get(a.needProfiles(a.profilesList)))
	mux.HandleFunc("/api/profiles/select", post(a.needProfiles(a.profilesSelect)))
	mux.HandleFunc("/api/profiles/remove", post(a.needProfiles(a.profilesRemove)))

	if d.Logs != nil {
		mux.Handle("/api/logs", d.Logs.Handler())
	}
	mux.HandleFunc("/api/about", get(a.about))
	mux.HandleFunc("/ws", a.handleWS)
	return mux
}

func get(h http.HandlerFunc) http.HandlerFunc {
	return method(http.MethodGet, h)
}

func post(h http.HandlerFunc) http.HandlerFunc {
	return method(http.MethodPost, h)
}

func method(m string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			w.Header().Set("Allow", m)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (a *api) needDiscovery(h http.HandlerFunc) http.HandlerFunc {
	return a.need(a.d.Discovery != nil, "receiver scanning unavailable", h)
}

func (a *api) needPeripheral(h http.HandlerFunc) http.HandlerFunc {
	return a.need(a.d.Peripheral != nil, "receiver session unavailable", h)
}

func (a *api) needNtrip(h http.HandlerFunc) http.HandlerFunc {
	return a.need(a.d.Ntrip != nil, "ntrip unavailable", h)
}

func (a *api) needProfiles(h http.HandlerFunc) http.HandlerFunc {
	return a.need(a.d.Profiles != nil, "profiles unavailable", h)
}

func (a *api) need(ok bool, msg string, h http.HandlerFunc) http.HandlerFunc {
	if ok && a.d.Loop != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, msg, http.StatusNotFound)
	}
}

// run executes fn on the event loop and writes its error, if any.
// It reports whether the caller should go on writing a success response.
func (a *api) run(w http.ResponseWriter, r *http.Request, fn func() error) bool {
	var err error
	if cerr := a.d.Loop.Call(r.Context(), func() { err = fn() }); cerr != nil {
		http.Error(w, cerr.Error(), http.StatusServiceUnavailable)
		return false
	}
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return false
	}
	return true
}

// decodeBody reads a single JSON object. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	if dec.More() {
		return errors.New("invalid json: trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func (a *api) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.d.Status.Snapshot(time.Now().UTC(), a.d))
}

func (a *api) scanStart(w http.ResponseWriter, r *http.Request) {
	if a.run(w, r, a.d.Discovery.StartScan) {
		writeJSON(w, http.StatusOK, a.d.Discovery.Snapshot())
	}
}

func (a *api) scanStop(w http.ResponseWriter, r *http.Request) {
	ok := a.run(w, r, func() error {
		a.d.Discovery.StopScan()
		return nil
	})
	if ok {
		writeJSON(w, http.StatusOK, a.d.Discovery.Snapshot())
	}
}

func (a *api) peripheralConnect(w http.ResponseWriter, r *http.Request) {
	var in struct {
		ID string `json:"id"`
	}
	if err := decodeBody(r, &in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := strings.TrimSpace(in.ID)
	ok := a.run(w, r, func() error {
		if err := a.d.Peripheral.Connect(id); err != nil {
			return err
		}
		// Picking a device from the list ends the scan.
		if a.d.Discovery != nil {
			a.d.Discovery.StopScan()
		}
		return nil
	})
	if ok {
		writeJSON(w, http.StatusAccepted, a.d.Peripheral.Snapshot())
	}
}

func (a *api) peripheralAction(fn func(*peripheral.Controller) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.run(w, r, func() error { return fn(a.d.Peripheral) }) {
			writeJSON(w, http.StatusAccepted, a.d.Peripheral.Snapshot())
		}
	}
}

type casterIn struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c casterIn) info() transport.ConnectionInfo {
	return transport.ConnectionInfo{
		Host:     strings.TrimSpace(c.Host),
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
	}
}

func (a *api) ntripMountpoints(w http.ResponseWriter, r *http.Request) {
	var in casterIn
	if err := decodeBody(r, &in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	result := make(chan ntrip.FetchResult, 1)
	ok := a.run(w, r, func() error {
		return a.d.Ntrip.FetchMountpoints(in.info(), func(res ntrip.FetchResult) { result <- res })
	})
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), fetchWait)
	defer cancel()
	select {
	case res := <-result:
		code := http.StatusOK
		if res.Outcome == ntrip.OutcomeFailed {
			code = http.StatusBadGateway
		}
		writeJSON(w, code, res)
	case <-ctx.Done():
		http.Error(w, "mountpoint fetch still running", http.StatusGatewayTimeout)
	}
}

func (a *api) ntripSelect(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if a.run(w, r, func() error { return a.d.Ntrip.SelectMountPoint(in.Name) }) {
		writeJSON(w, http.StatusOK, a.d.Ntrip.Snapshot())
	}
}

// ntripConnect uses the posted caster, or the last fetched one when the
// body is empty.
func (a *api) ntripConnect(w http.ResponseWriter, r *http.Request) {
	var in casterIn
	if err := decodeBody(r, &in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ok := a.run(w, r, func() error {
		info := a.d.Ntrip.Info()
		if in.Host != "" {
			info = in.info()
		}
		if info.Host == "" {
			return ntrip.ErrNoHost
		}
		return a.d.Ntrip.Connect(info)
	})
	if ok {
		writeJSON(w, http.StatusAccepted, a.d.Ntrip.Snapshot())
	}
}

func (a *api) ntripAction(fn func(*ntrip.Controller) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.run(w, r, func() error { return fn(a.d.Ntrip) }) {
			writeJSON(w, http.StatusAccepted, a.d.Ntrip.Snapshot())
		}
	}
}

// profileOut leaves the password out.
type profileOut struct {
	Token      string `json:"token"`
	Selected   bool   `json:"selected"`
	Host       string `json:"hostname"`
	Port       int    `json:"port"`
	Username   string `json:"username"`
	MountPoint string `json:"mountPoint"`
}

type profilesResponse struct {
	Profiles []profileOut `json:"profiles"`
}

func (a *api) profilesResponse() profilesResponse {
	sel, haveSel := a.d.Profiles.Selected()
	list := a.d.Profiles.Profiles()
	out := profilesResponse{Profiles: make([]profileOut, 0, len(list))}
	for _, p := range list {
		out.Profiles = append(out.Profiles, profileOut{
			Token:      p.String(),
			Selected:   haveSel && sel.Same(p),
			Host:       p.Host,
			Port:       p.Port,
			Username:   p.Username,
			MountPoint: p.MountPoint,
		})
	}
	return out
}

func (a *api) profilesList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.profilesResponse())
}

type tokenIn struct {
	Token string `json:"token"`
}

// profilesSelect loads a stored profile into the caster form, so it can be
// connected straight away, and then makes it the selection. A busy caster
// leaves the selection alone.
func (a *api) profilesSelect(w http.ResponseWriter, r *http.Request) {
	var in tokenIn
	if err := decodeBody(r, &in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, ok := a.d.Profiles.Find(in.Token)
	if !ok {
		http.Error(w, "no single profile matches token", http.StatusNotFound)
		return
	}
	if a.d.Ntrip != nil {
		if !a.run(w, r, func() error { return a.d.Ntrip.UseProfile(p) }) {
			return
		}
	}
	// The profile may have been removed since Find.
	if !a.d.Profiles.Select(in.Token) {
		http.Error(w, "no single profile matches token", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a.profilesResponse())
}

func (a *api) profilesRemove(w http.ResponseWriter, r *http.Request) {
	var in tokenIn
	if err := decodeBody(r, &in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, ok := a.d.Profiles.Find(in.Token)
	if !ok {
		http.Error(w, "no single profile matches token", http.StatusNotFound)
		return
	}
	if _, err := a.d.Profiles.Remove(p); err != nil {
		a.log.Warn().Err(err).Str("profile", p.String()).Msg("remove not persisted")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.d.Bus.Publish(events.KindProfiles, a.d.Profiles.Len())
	writeJSON(w, http.StatusOK, a.profilesResponse())
}

// Serve runs the HTTP server until ctx is done.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
