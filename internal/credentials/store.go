// Package credentials holds the two opaque values the client persists
// between runs: the auth token and the session identifier per role.
package credentials

import (
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

type State struct {
	AuthToken string            `json:"authToken,omitempty"`
	Sessions  map[string]string `json:"sessions,omitempty"`
}

type Repository interface {
	Load() (State, error)
	Save(st State) error
}

// Store caches the persisted state in memory and writes through to repo.
type Store struct {
	repo Repository

	mu    sync.RWMutex
	state State
}

func NewStore(repo Repository) (*Store, error) {
	s := &Store{repo: repo}
	if repo != nil {
		st, err := repo.Load()
		if err != nil {
			return nil, err
		}
		s.state = st
	}
	if s.state.Sessions == nil {
		s.state.Sessions = make(map[string]string)
	}
	return s, nil
}

func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.AuthToken
}

func (s *Store) SetToken(token string) error {
	return s.mutate(func(st *State) { st.AuthToken = token })
}

// SessionID returns the persisted session id for role, or "".
func (s *Store) SessionID(role string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Sessions[role]
}

func (s *Store) SetSessionID(role, id string) error {
	return s.mutate(func(st *State) { st.Sessions[role] = id })
}

func (s *Store) ClearSession(role string) error {
	return s.mutate(func(st *State) { delete(st.Sessions, role) })
}

// Clear drops everything, as on logout.
func (s *Store) Clear() error {
	return s.mutate(func(st *State) {
		st.AuthToken = ""
		st.Sessions = make(map[string]string)
	})
}

// EnsureDemoToken stores a development token when none exists and returns
// the token in effect.
func (s *Store) EnsureDemoToken() (string, error) {
	if tok := s.Token(); tok != "" {
		return tok, nil
	}
	payload, err := json.Marshal(struct {
		UserID string `json:"userId"`
		Demo   bool   `json:"demo"`
	}{UserID: "demo-user-" + uuid.NewString(), Demo: true})
	if err != nil {
		return "", err
	}
	tok := base64.StdEncoding.EncodeToString(payload)
	if err := s.SetToken(tok); err != nil {
		return "", err
	}
	return tok, nil
}

func (s *Store) mutate(fn func(st *State)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
	if s.repo == nil {
		return nil
	}
	return s.repo.Save(s.copyLocked())
}

func (s *Store) copyLocked() State {
	out := State{AuthToken: s.state.AuthToken, Sessions: make(map[string]string, len(s.state.Sessions))}
	for k, v := range s.state.Sessions {
		out.Sessions[k] = v
	}
	return out
}
