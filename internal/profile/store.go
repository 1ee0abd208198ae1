package profile

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Backend is a string key-value record store.
type Backend interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
}

// Store is the ordered profile collection plus the current selection.
//
// Every mutation is mirrored to the backend. A failed write is returned to
// the caller but the in-memory state is kept.
type Store struct {
	mu       sync.Mutex
	backend  Backend
	key      string
	log      zerolog.Logger
	profiles []Profile
	selected int
}

func NewStore(backend Backend, key string, log *zerolog.Logger) *Store {
	if backend == nil {
		backend = NewMemory()
	}
	if strings.TrimSpace(key) == "" {
		key = DefaultKey
	}
	l := zerolog.Nop()
	if log != nil {
		l = *log
	}
	return &Store{backend: backend, key: key, log: l, selected: -1}
}

func (s *Store) selectionKey() string {
	return s.key + ".selected"
}

// Load replaces the in-memory collection with the persisted one. A missing
// record, an empty value or an unreadable payload all load as no profiles.
func (s *Store) Load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.profiles = nil
	s.selected = -1

	raw, ok, err := s.backend.Get(s.key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", s.key).Msg("profile read failed")
		return
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return
	}
	var list []Profile
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		s.log.Warn().Err(err).Str("key", s.key).Msg("ignoring unreadable profiles")
		return
	}
	s.profiles = list

	if tok, ok, err := s.backend.Get(s.selectionKey()); err == nil && ok {
		if i, found := s.findLocked(tok); found {
			s.selected = i
		}
	}
	s.log.Debug().Int("count", len(list)).Msg("profiles loaded")
}

func (s *Store) Profiles() []Profile {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Profile, len(s.profiles))
	copy(out, s.profiles)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.profiles)
}

// AddIfNotExists appends p unless a profile with the same identity exists.
// Only an actual insert writes to the backend.
func (s *Store) AddIfNotExists(p Profile) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.profiles {
		if existing.Same(p) {
			return false, nil
		}
	}
	s.profiles = append(s.profiles, p)
	s.log.Info().Str("profile", p.String()).Msg("profile added")
	return true, s.saveLocked()
}

// Select makes the profile whose String() equals token the selection.
// A token that matches nothing, or more than one profile, leaves the
// selection unchanged.
func (s *Store) Select(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.findLocked(token)
	if !ok {
		return false
	}
	s.selected = i
	if err := s.backend.Set(s.selectionKey(), token); err != nil {
		s.log.Warn().Err(err).Msg("selection write failed")
	}
	return true
}

func (s *Store) Selected() (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected < 0 || s.selected >= len(s.profiles) {
		return Profile{}, false
	}
	return s.profiles[s.selected], true
}

// Find resolves a display token the same way Select does.
func (s *Store) Find(token string) (Profile, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.findLocked(token)
	if !ok {
		return Profile{}, false
	}
	return s.profiles[i], true
}

func (s *Store) findLocked(token string) (int, bool) {
	idx := -1
	for i, p := range s.profiles {
		if p.String() != token {
			continue
		}
		if idx != -1 {
			return -1, false
		}
		idx = i
	}
	return idx, idx != -1
}

// Remove deletes the profile with p's identity. It is a no-op when absent.
func (s *Store) Remove(p Profile) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, existing := range s.profiles {
		if existing.Same(p) {
			idx = i
			break
		}
	}
	if idx == -1 {
		return false, nil
	}
	s.profiles = append(s.profiles[:idx], s.profiles[idx+1:]...)
	switch {
	case s.selected == idx:
		s.selected = -1
		if err := s.backend.Set(s.selectionKey(), ""); err != nil {
			s.log.Warn().Err(err).Msg("selection write failed")
		}
	case s.selected > idx:
		s.selected--
	}
	s.log.Info().Str("profile", p.String()).Msg("profile removed")
	return true, s.saveLocked()
}

func (s *Store) saveLocked() error {
	list := s.profiles
	if list == nil {
		list = []Profile{}
	}
	b, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode profiles: %w", err)
	}
	if err := s.backend.Set(s.key, string(b)); err != nil {
		s.log.Error().Err(err).Str("key", s.key).Msg("profile write failed")
		return fmt.Errorf("persist profiles: %w", err)
	}
	return nil
}
