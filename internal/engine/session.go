package engine

import (
	"sync"
)

// MaxSessionRotations bounds how many times a request may move to a fresh
// session after an error.
const MaxSessionRotations = 3

// userAgents is the fingerprint profile pool, pinned to one current Chrome
// major version so headers and JS-visible values agree.
var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
}

// Session is one identity a fetch runs under.
type Session struct {
	ID        int
	UserAgent string
}

// SessionPool hands out sessions round-robin and replaces ones reported
// bad. Blocked status codes never trigger rotation; the site is refusing
// the request, not the identity.
type SessionPool struct {
	mu       sync.Mutex
	next     int
	sessions []*Session
	blocked  map[int]bool
}

// NewSessionPool creates a pool of size sessions. blockedStatusCodes are
// HTTP statuses that must not rotate the session.
func NewSessionPool(size int, blockedStatusCodes []int) *SessionPool {
	if size <= 0 {
		size = 4
	}
	blocked := make(map[int]bool, len(blockedStatusCodes))
	for _, c := range blockedStatusCodes {
		blocked[c] = true
	}
	p := &SessionPool{blocked: blocked}
	for i := 0; i < size; i++ {
		p.sessions = append(p.sessions, &Session{
			ID:        i,
			UserAgent: userAgents[i%len(userAgents)],
		})
	}
	return p
}

// Get returns the next session round-robin.
func (p *SessionPool) Get() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.sessions[p.next%len(p.sessions)]
	p.next++
	return s
}

// ShouldRotate reports whether an error with the given HTTP status may
// move the request to another session. Status 0 means no response at all.
func (p *SessionPool) ShouldRotate(statusCode int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return statusCode == 0 || !p.blocked[statusCode]
}

// Retire replaces s with a fresh identity so the next user starts clean.
func (p *SessionPool) Retire(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.sessions {
		if cur == s {
			p.sessions[i] = &Session{
				ID:        s.ID,
				UserAgent: userAgents[(s.ID+p.next)%len(userAgents)],
			}
			return
		}
	}
}
