// Package ntrip drives one correction-stream session with an NTRIP caster:
// mountpoint discovery, selection, connect, reconnect and disconnect.
//
// The authoritative session state comes from transport events; requests
// never change it optimistically. Controller methods and transport
// callbacks run on the event loop; only Snapshot may be called from other
// goroutines.
package ntrip

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rtk-rover/internal/eventloop"
	"rtk-rover/internal/events"
	"rtk-rover/internal/profile"
	"rtk-rover/internal/transport"
)

var (
	ErrFetchInProgress   = errors.New("mountpoint fetch already in progress")
	ErrNoMountPoint      = errors.New("no mountpoint selected")
	ErrUnknownMountPoint = errors.New("mountpoint not in the fetched list")
	ErrAlreadyConnecting = errors.New("ntrip connection already in progress")
	ErrAlreadyStreaming  = errors.New("ntrip session already streaming")
	ErrNotConnected      = errors.New("ntrip not connected")
	ErrNoSession         = errors.New("no ntrip session to reconnect")
	ErrNoHost            = errors.New("caster host is required")
)

type State int

const (
	Disconnected State = iota
	FetchingMountpoints
	Connecting
	Streaming
)

func (s State) String() string {
	switch s {
	case FetchingMountpoints:
		return "fetching_mountpoints"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

type Outcome string

const (
	OutcomeFound  Outcome = "found"
	OutcomeEmpty  Outcome = "empty"
	OutcomeFailed Outcome = "failed"
)

// FetchResult tells an empty source table apart from a transport failure.
type FetchResult struct {
	Outcome     Outcome                `json:"outcome"`
	MountPoints []transport.MountPoint `json:"mountpoints,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// ProfileRecorder persists a profile after a session is accepted.
type ProfileRecorder interface {
	AddIfNotExists(p profile.Profile) (bool, error)
}

type Config struct {
	Log      *zerolog.Logger
	Bus      *events.Bus
	Profiles ProfileRecorder
}

type Snapshot struct {
	State    string `json:"state"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`

	MountPoints []string     `json:"mountpoints"`
	Selected    string       `json:"selected,omitempty"`
	LastFetch   *FetchResult `json:"last_fetch,omitempty"`

	Session       string `json:"session,omitempty"`
	CasterState   string `json:"caster_state,omitempty"`
	CasterMessage string `json:"caster_message,omitempty"`
	CasterStatus  string `json:"caster_status,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

type Controller struct {
	exec  eventloop.Executor
	ntrip transport.Ntrip
	cfg   Config
	log   zerolog.Logger

	state    State
	info     transport.ConnectionInfo
	mounts   []transport.MountPoint
	selected string

	fetchSeq  uint64
	lastFetch *FetchResult

	session       uuid.UUID
	casterState   transport.NtripState
	casterMessage string
	lastError     string

	// starting is set until the transport accepts or rejects the session.
	starting  bool
	cancelled bool

	snap atomic.Value // Snapshot
}

func New(exec eventloop.Executor, nt transport.Ntrip, cfg Config) *Controller {
	l := zerolog.Nop()
	if cfg.Log != nil {
		l = *cfg.Log
	}
	c := &Controller{exec: exec, ntrip: nt, cfg: cfg, log: l}
	c.publish()
	return c
}

func (c *Controller) State() State                   { return c.state }
func (c *Controller) Info() transport.ConnectionInfo { return c.info }
func (c *Controller) Selected() string               { return c.selected }

func (c *Controller) busy() error {
	switch c.state {
	case FetchingMountpoints:
		return ErrFetchInProgress
	case Connecting:
		return ErrAlreadyConnecting
	case Streaming:
		return ErrAlreadyStreaming
	}
	return nil
}

// FetchMountpoints requests the caster's source table. Only one fetch may be
// outstanding; done, when non-nil, receives the outcome on the event loop.
func (c *Controller) FetchMountpoints(info transport.ConnectionInfo, done func(FetchResult)) error {
	if err := c.busy(); err != nil {
		return err
	}
	if info.Host == "" {
		return ErrNoHost
	}
	if info.Port <= 0 {
		info.Port = profile.DefaultPort
	}
	c.fetchSeq++
	seq := c.fetchSeq
	c.state = FetchingMountpoints
	c.info = info
	c.lastError = ""
	c.log.Info().Str("caster", info.Addr()).Msg("fetching mountpoints")
	c.changed()

	c.ntrip.GetMountpoints(info,
		func(list []transport.MountPoint) {
			c.exec.Post(func() {
				c.onFetched(seq, FetchResult{Outcome: outcomeFor(list), MountPoints: list}, done)
			})
		},
		func(message string) {
			c.exec.Post(func() {
				c.onFetched(seq, FetchResult{Outcome: OutcomeFailed, Error: message}, done)
			})
		},
	)
	return nil
}

func outcomeFor(list []transport.MountPoint) Outcome {
	if len(list) == 0 {
		return OutcomeEmpty
	}
	return OutcomeFound
}

func (c *Controller) onFetched(seq uint64, res FetchResult, done func(FetchResult)) {
	if seq != c.fetchSeq || c.state != FetchingMountpoints {
		return
	}
	c.state = Disconnected
	if res.Outcome == OutcomeFailed {
		c.lastError = res.Error
		c.log.Warn().Str("error", res.Error).Msg("mountpoint fetch failed")
	} else {
		c.mounts = append([]transport.MountPoint(nil), res.MountPoints...)
		if !c.hasMount(c.selected) {
			c.selected = ""
		}
		c.log.Info().Int("count", len(res.MountPoints)).Msg("mountpoints fetched")
	}
	r := res
	c.lastFetch = &r
	c.changed()
	if done != nil {
		done(res)
	}
}

func (c *Controller) hasMount(name string) bool {
	for _, m := range c.mounts {
		if m.Name == name {
			return true
		}
	}
	return false
}

// SelectMountPoint picks a mountpoint from the last fetched list by exact
// name. It does not connect.
func (c *Controller) SelectMountPoint(name string) error {
	if !c.hasMount(name) {
		return ErrUnknownMountPoint
	}
	c.selected = name
	c.log.Info().Str("mount", name).Msg("mountpoint selected")
	c.changed()
	return nil
}

// UseProfile makes a stored profile the current connection info and
// mountpoint selection.
func (c *Controller) UseProfile(p profile.Profile) error {
	if err := c.busy(); err != nil {
		return err
	}
	if p.MountPoint == "" {
		return ErrNoMountPoint
	}
	info := p.ConnectionInfo()
	if info.Port <= 0 {
		info.Port = profile.DefaultPort
	}
	c.info = info
	c.mounts = []transport.MountPoint{{Name: p.MountPoint}}
	c.selected = p.MountPoint
	c.log.Info().Str("profile", p.String()).Msg("profile applied")
	c.changed()
	return nil
}

// Connect starts a session with the selected mountpoint. The profile is
// persisted only once the transport accepts the session.
func (c *Controller) Connect(info transport.ConnectionInfo) error {
	if err := c.busy(); err != nil {
		return err
	}
	if c.selected == "" {
		return ErrNoMountPoint
	}
	if info.Host == "" {
		return ErrNoHost
	}
	if info.Port <= 0 {
		info.Port = profile.DefaultPort
	}

	c.session = uuid.New()
	sid := c.session
	mount := c.selected
	c.info = info
	c.state = Connecting
	c.starting = true
	c.cancelled = false
	c.lastError = ""
	c.casterState = ""
	c.casterMessage = ""
	c.log.Info().Str("caster", info.Addr()).Str("mount", mount).Str("session", sid.String()).Msg("starting ntrip session")
	c.changed()

	c.ntrip.StartSession(info, mount,
		func() {
			c.exec.Post(func() { c.onStarted(sid, info, mount) })
		},
		func(message string) {
			c.exec.Post(func() { c.onStartFailed(sid, message) })
		},
	)
	return nil
}

func (c *Controller) onStarted(sid uuid.UUID, info transport.ConnectionInfo, mount string) {
	if sid != c.session || c.state != Connecting {
		return
	}
	c.starting = false
	if c.cancelled {
		// Not persisted. The Disconnected report settles state.
		c.log.Info().Str("mount", mount).Msg("ntrip session accepted after disconnect request, closing")
		c.observe(sid)
		c.ntrip.Disconnect()
		return
	}
	if c.cfg.Profiles != nil {
		p := profile.FromSession(info, mount)
		if added, err := c.cfg.Profiles.AddIfNotExists(p); err != nil {
			c.log.Error().Err(err).Str("profile", p.String()).Msg("profile save failed")
		} else if added {
			c.cfg.Bus.Publish(events.KindProfiles, p.String())
		}
	}
	c.state = Streaming
	c.log.Info().Str("mount", mount).Msg("ntrip session started")
	c.changed()
	c.observe(sid)
}

func (c *Controller) observe(sid uuid.UUID) {
	c.ntrip.ObserveState(func(st transport.NtripState, message string) {
		c.exec.Post(func() { c.onState(sid, st, message) })
	})
}

func (c *Controller) onStartFailed(sid uuid.UUID, message string) {
	if sid != c.session || c.state != Connecting {
		return
	}
	c.session = uuid.Nil
	c.state = Disconnected
	c.starting = false
	c.cancelled = false
	c.lastError = message
	c.log.Warn().Str("error", message).Msg("ntrip session failed")
	c.changed()
}

func (c *Controller) onState(sid uuid.UUID, st transport.NtripState, message string) {
	if sid != c.session {
		return
	}
	c.casterState = st
	c.casterMessage = message
	switch st {
	case transport.NtripDisconnected:
		c.state = Disconnected
	case transport.NtripConnecting, transport.NtripReconnecting:
		c.state = Connecting
	case transport.NtripConnected, transport.NtripStreaming:
		c.state = Streaming
	case transport.NtripError:
		c.lastError = message
	}
	c.log.Debug().Str("state", string(st)).Str("message", message).Msg("caster state")
	c.changed()
}

// Reconnect asks the transport to re-open the last session.
func (c *Controller) Reconnect() error {
	if c.session == uuid.Nil {
		return ErrNoSession
	}
	if c.state == FetchingMountpoints {
		return ErrFetchInProgress
	}
	c.log.Info().Msg("ntrip reconnect requested")
	c.ntrip.Reconnect()
	return nil
}

// Disconnect asks the transport to close the session. Before the caster has
// accepted it, the request is held and applied once the session starts.
func (c *Controller) Disconnect() error {
	if c.state != Connecting && c.state != Streaming {
		return ErrNotConnected
	}
	if c.starting {
		if !c.cancelled {
			c.cancelled = true
			c.log.Info().Msg("ntrip disconnect requested while starting")
		}
		return nil
	}
	c.log.Info().Msg("ntrip disconnect requested")
	c.ntrip.Disconnect()
	return nil
}

func (c *Controller) changed() {
	c.publish()
	c.cfg.Bus.Publish(events.KindNtrip, c.Snapshot())
}

// CasterStatus renders the last caster report the way it is displayed.
func CasterStatus(st transport.NtripState, message string) string {
	if st == "" {
		return ""
	}
	return fmt.Sprintf("%s (%s)", st, message)
}

func (c *Controller) publish() {
	names := make([]string, 0, len(c.mounts))
	for _, m := range c.mounts {
		names = append(names, m.Name)
	}
	s := Snapshot{
		State:         c.state.String(),
		Host:          c.info.Host,
		Port:          c.info.Port,
		Username:      c.info.Username,
		MountPoints:   names,
		Selected:      c.selected,
		CasterState:   string(c.casterState),
		CasterMessage: c.casterMessage,
		CasterStatus:  CasterStatus(c.casterState, c.casterMessage),
		LastError:     c.lastError,
	}
	if c.lastFetch != nil {
		r := *c.lastFetch
		s.LastFetch = &r
	}
	if c.session != uuid.Nil {
		s.Session = c.session.String()
	}
	c.snap.Store(s)
}

func (c *Controller) Snapshot() Snapshot {
	v := c.snap.Load()
	if v == nil {
		return Snapshot{State: Disconnected.String()}
	}
	return v.(Snapshot)
}
