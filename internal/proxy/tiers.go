package proxy

import (
	"strings"
	"sync"
)

// TierTracker tracks per-hostname error scores across an ordered list of
// proxy tiers and picks the tier to use for the next request. Lower tiers
// are cheaper and preferred; errors push a hostname toward other tiers.
type TierTracker struct {
	mu    sync.Mutex
	tiers []string
	hosts map[string]*hostState
}

type hostState struct {
	scores  []int
	current int
	pinned  bool
}

const errorPenalty = 10

// NewTierTracker creates a tracker over the given ordered tier URLs.
func NewTierTracker(tiers []string) *TierTracker {
	return &TierTracker{
		tiers: tiers,
		hosts: make(map[string]*hostState),
	}
}

// ParseTiers splits a comma-separated tier list, trimming blanks.
func ParseTiers(raw string) []string {
	var tiers []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			tiers = append(tiers, p)
		}
	}
	return tiers
}

// Pick selects the proxy URL for host. Every non-current bucket decays by
// one, then the current tier and its immediate neighbours are compared and
// the lowest score wins; on a tie the lower tier is preferred. Returns ""
// when no tiers are configured.
func (t *TierTracker) Pick(host string) string {
	if len(t.tiers) == 0 {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(host)
	if st.pinned {
		return t.tiers[st.current]
	}

	for i := range st.scores {
		if i != st.current && st.scores[i] > 0 {
			st.scores[i]--
		}
	}

	best := st.current
	for _, cand := range []int{st.current - 1, st.current, st.current + 1} {
		if cand < 0 || cand >= len(t.tiers) {
			continue
		}
		if st.scores[cand] < st.scores[best] ||
			(st.scores[cand] == st.scores[best] && cand < best) {
			best = cand
		}
	}
	st.current = best
	return t.tiers[best]
}

// ReportError penalizes the tier that failed for host.
func (t *TierTracker) ReportError(host, proxyURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(host)
	for i, tier := range t.tiers {
		if tier == proxyURL {
			st.scores[i] += errorPenalty
			return
		}
	}
}

// Pin fixes host to a specific tier index until Unpin. Out-of-range
// indices are ignored.
func (t *TierTracker) Pin(host string, tier int) {
	if tier < 0 || tier >= len(t.tiers) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.state(host)
	st.current = tier
	st.pinned = true
}

// Unpin releases a previous Pin for host.
func (t *TierTracker) Unpin(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.hosts[host]; ok {
		st.pinned = false
	}
}

// CurrentTier reports the tier index host is on.
func (t *TierTracker) CurrentTier(host string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state(host).current
}

func (t *TierTracker) state(host string) *hostState {
	st, ok := t.hosts[host]
	if !ok {
		st = &hostState{scores: make([]int, len(t.tiers))}
		t.hosts[host] = st
	}
	return st
}
