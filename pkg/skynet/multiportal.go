package skynet

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes the two transfer directions.
type Kind int

const (
	Download Kind = iota
	Upload
	numKinds
)

func (k Kind) String() string {
	switch k {
	case Download:
		return "download"
	case Upload:
		return "upload"
	default:
		return "unknown"
	}
}

// DefaultPortals are the public portals used when none are configured.
var DefaultPortals = []string{
	"https://siasky.net",
	"https://web3portal.com",
	"https://skyportal.xyz",
}

// Transfer is a handle for one in-flight portal transfer, issued by
// BeginTransfer and closed by exactly one EndTransfer.
type Transfer struct {
	ID      uuid.UUID
	Kind    Kind
	Portal  *Portal
	started time.Time
}

// bandwidthEWMA smoothing factor for observed transfer rates.
const bandwidthAlpha = 0.3

// failureDemotion is how many consecutive failures sideline a portal until
// every portal has failed, at which point all are reconsidered.
const failureDemotion = 3

// portalState tracks health and observed bandwidth for one portal.
type portalState struct {
	portal    *Portal
	failures  int
	transfers [numKinds]int
	rate      [numKinds]float64 // bytes/s, EWMA; 0 = unmeasured
}

// Multiportal selects among several interchangeable portals, preferring
// the historically fastest healthy one, and keeps per-portal bandwidth
// estimates fed by EndTransfer.
type Multiportal struct {
	mu      sync.Mutex
	portals []*portalState
	next    int // round-robin cursor for unmeasured portals
}

// NewMultiportal creates a multiportal over the given portal URLs; with no
// URLs the public DefaultPortals are used. All portals share one HTTP
// client (which may be nil).
func NewMultiportal(urls []string, httpClient *http.Client) *Multiportal {
	if len(urls) == 0 {
		urls = DefaultPortals
	}
	m := &Multiportal{}
	for _, u := range urls {
		m.portals = append(m.portals, &portalState{portal: NewPortal(u, httpClient)})
	}
	return m
}

// BeginTransfer picks a portal for one transfer of the given kind and
// returns its handle. Must be paired with exactly one EndTransfer.
func (m *Multiportal) BeginTransfer(kind Kind) Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()

	chosen := m.pickLocked(kind)
	chosen.transfers[kind]++
	return Transfer{
		ID:      uuid.New(),
		Kind:    kind,
		Portal:  chosen.portal,
		started: time.Now(),
	}
}

// pickLocked chooses the fastest healthy portal for kind. Portals without
// a bandwidth estimate are cycled round-robin so every endpoint gets
// measured. When all portals are sidelined, health is reset.
func (m *Multiportal) pickLocked(kind Kind) *portalState {
	healthy := make([]*portalState, 0, len(m.portals))
	for _, p := range m.portals {
		if p.failures < failureDemotion {
			healthy = append(healthy, p)
		}
	}
	if len(healthy) == 0 {
		for _, p := range m.portals {
			p.failures = 0
		}
		healthy = m.portals
	}

	var best *portalState
	for _, p := range healthy {
		if p.rate[kind] == 0 {
			continue
		}
		if best == nil || p.rate[kind] > best.rate[kind] {
			best = p
		}
	}

	// Give unmeasured portals a turn so the estimates converge.
	for range healthy {
		p := healthy[m.next%len(healthy)]
		m.next++
		if p.rate[kind] == 0 {
			return p
		}
	}
	return best
}

// EndTransfer closes a transfer handle with the observed transferred size.
// A size of zero counts as a failure against the portal; otherwise the
// portal's bandwidth estimate is updated and its failure count cleared.
func (m *Multiportal) EndTransfer(t Transfer, size uint64) {
	elapsed := time.Since(t.started)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.portals {
		if p.portal != t.Portal {
			continue
		}
		if size == 0 {
			p.failures++
			return
		}
		p.failures = 0
		if elapsed > 0 {
			observed := float64(size) / elapsed.Seconds()
			if p.rate[t.Kind] == 0 {
				p.rate[t.Kind] = observed
			} else {
				p.rate[t.Kind] = bandwidthAlpha*observed + (1-bandwidthAlpha)*p.rate[t.Kind]
			}
		}
		return
	}
}

// Rate returns the current bandwidth estimate (bytes/s) for a portal URL
// and kind, 0 when unmeasured.
func (m *Multiportal) Rate(portalURL string, kind Kind) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.portals {
		if p.portal.URL() == portalURL {
			return p.rate[kind]
		}
	}
	return 0
}
