package tgui

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"sync"
	"time"
)

// TokenStore keeps callback payloads that do not fit in callback_data and
// hands out short tokens for them. Tokens start with "~" and expire after
// the TTL; the oldest entries go first once Max is reached.
type TokenStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	max   int
	now   func() time.Time
	m     map[string]tokenEntry
	order []string
}

type tokenEntry struct {
	v   string
	exp time.Time
}

// NewTokenStore returns a store with the given TTL and capacity.
// Zero values select 7 days and 5000 entries.
func NewTokenStore(ttl time.Duration, max int) *TokenStore {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if max <= 0 {
		max = 5000
	}
	return &TokenStore{ttl: ttl, max: max, now: time.Now, m: map[string]tokenEntry{}}
}

// IsToken reports whether s looks like a TokenStore token.
func IsToken(s string) bool { return strings.HasPrefix(s, "~") }

func (s *TokenStore) PutString(v string) string {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	// Reuse an existing live token for the same value so repeated renders
	// of one alert keep stable buttons.
	for _, tok := range s.order {
		if e, ok := s.m[tok]; ok && e.v == v && now.Before(e.exp) {
			return tok
		}
	}

	var tok string
	for {
		var buf [6]byte
		_, _ = rand.Read(buf[:])
		tok = "~" + base64.RawURLEncoding.EncodeToString(buf[:])
		if _, dup := s.m[tok]; !dup {
			break
		}
	}
	s.m[tok] = tokenEntry{v: v, exp: now.Add(s.ttl)}
	s.order = append(s.order, tok)
	s.evictLocked(now)
	return tok
}

func (s *TokenStore) GetString(tok string) (string, bool) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.m[tok]
	if !ok || !now.Before(e.exp) {
		return "", false
	}
	return e.v, true
}

func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *TokenStore) evictLocked(now time.Time) {
	i := 0
	for i < len(s.order) {
		tok := s.order[i]
		e, ok := s.m[tok]
		if ok && now.Before(e.exp) && len(s.m) <= s.max {
			break
		}
		delete(s.m, tok)
		i++
	}
	if i > 0 {
		s.order = append(s.order[:0], s.order[i:]...)
	}
}
