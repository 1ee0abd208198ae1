package sim

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rtk-rover/internal/transport"
)

type CasterConfig struct {
	MountPoints []string
	// Username and Password, when set, must match the session credentials.
	Username string
	Password string
	Delay    time.Duration
	Log      *zerolog.Logger
}

// Caster simulates an NTRIP caster. It implements transport.Ntrip.
type Caster struct {
	cfg CasterConfig
	log zerolog.Logger

	mu      sync.Mutex
	onState func(transport.NtripState, string)
	mount   string
	active  bool

	wg sync.WaitGroup
}

func NewCaster(cfg CasterConfig) *Caster {
	l := zerolog.Nop()
	if cfg.Log != nil {
		l = *cfg.Log
	}
	return &Caster{cfg: cfg, log: l}
}

func (c *Caster) authorized(info transport.ConnectionInfo) bool {
	if c.cfg.Username == "" && c.cfg.Password == "" {
		return true
	}
	return info.Username == c.cfg.Username && info.Password == c.cfg.Password
}

func (c *Caster) later(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		time.Sleep(c.cfg.Delay)
		fn()
	}()
}

func (c *Caster) GetMountpoints(info transport.ConnectionInfo, onSuccess func([]transport.MountPoint), onError func(string)) {
	c.later(func() {
		if !c.authorized(info) {
			onError("401 Unauthorized")
			return
		}
		list := make([]transport.MountPoint, 0, len(c.cfg.MountPoints))
		for _, m := range c.cfg.MountPoints {
			list = append(list, transport.MountPoint{Name: m})
		}
		onSuccess(list)
	})
}

func (c *Caster) StartSession(info transport.ConnectionInfo, mount string, onStarted func(), onError func(string)) {
	c.later(func() {
		if !c.authorized(info) {
			onError("401 Unauthorized")
			return
		}
		found := false
		for _, m := range c.cfg.MountPoints {
			if m == mount {
				found = true
				break
			}
		}
		if !found {
			onError(fmt.Sprintf("404 mountpoint %s not found", mount))
			return
		}
		c.mu.Lock()
		c.mount = mount
		c.active = true
		c.mu.Unlock()
		c.log.Debug().Str("mount", mount).Msg("sim caster session started")
		onStarted()
		c.later(func() {
			c.mu.Lock()
			active := c.active
			c.mu.Unlock()
			if active {
				c.emit(transport.NtripStreaming, "RTCM3 "+mount)
			}
		})
	})
}

func (c *Caster) emit(st transport.NtripState, message string) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(st, message)
	}
}

func (c *Caster) Reconnect() {
	c.mu.Lock()
	mount := c.mount
	c.mu.Unlock()
	if mount == "" {
		return
	}
	c.emit(transport.NtripReconnecting, "")
	c.later(func() {
		c.mu.Lock()
		c.active = true
		c.mu.Unlock()
		c.emit(transport.NtripStreaming, "RTCM3 "+mount)
	})
}

func (c *Caster) Disconnect() {
	c.mu.Lock()
	was := c.active
	c.active = false
	c.mu.Unlock()
	if !was {
		return
	}
	c.later(func() { c.emit(transport.NtripDisconnected, "closed by client") })
}

func (c *Caster) ObserveState(fn func(transport.NtripState, string)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Caster) Close() {
	c.wg.Wait()
}
