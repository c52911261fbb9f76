// Package peermanager maintains the process-wide hostname -> Peer registry:
// a single collaborator passed explicitly into the handshake and dispatcher
// constructors rather than a package-level ambient singleton.
package peermanager

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/moovy2/snitun/pkg/peer"
)

// Manager is a hostname/identity indexed registry of live Peers. The zero
// value is not usable; construct with New.
type Manager struct {
	mu         sync.RWMutex
	byHostname map[string]*peer.Peer
	byIdentity map[string]*peer.Peer
	logger     *zap.Logger
}

// New builds an empty Manager.
func New(logger *zap.Logger) *Manager {
	return &Manager{
		byHostname: make(map[string]*peer.Peer),
		byIdentity: make(map[string]*peer.Peer),
		logger:     logger,
	}
}

// NormalizeHostname lowercases h and rejects anything outside printable
// ASCII, per the handshake's hostname-normalization boundary.
func NormalizeHostname(h string) (string, bool) {
	lower := strings.ToLower(h)
	for i := 0; i < len(lower); i++ {
		if lower[i] > 0x7E || lower[i] < 0x20 {
			return "", false
		}
	}
	return lower, true
}

// Register inserts p under every hostname it owns, atomically evicting and
// closing whatever peer previously owned each hostname. A peer evicted out
// of its last hostname is closed; a peer that still retains other hostnames
// after losing one is left running.
func (m *Manager) Register(p *peer.Peer) error {
	hostnames := p.Hostnames()

	m.mu.Lock()
	var evicted []*peer.Peer
	for _, h := range hostnames {
		if prior, ok := m.byHostname[h]; ok && prior != p {
			if empty := prior.RemoveHostname(h); empty {
				delete(m.byIdentity, prior.Identity)
				evicted = append(evicted, prior)
			}
		}
		m.byHostname[h] = p
	}
	m.byIdentity[p.Identity] = p
	m.mu.Unlock()

	for _, e := range evicted {
		if m.logger != nil {
			m.logger.Info("peer evicted by duplicate hostname registration", zap.String("identity", e.Identity))
		}
		e.Close()
	}
	return nil
}

// Remove drops p from the registry entirely and closes it.
func (m *Manager) Remove(p *peer.Peer) {
	m.mu.Lock()
	for _, h := range p.Hostnames() {
		if cur, ok := m.byHostname[h]; ok && cur == p {
			delete(m.byHostname, h)
		}
	}
	delete(m.byIdentity, p.Identity)
	m.mu.Unlock()
	p.Close()
}

// GetByHostname looks up the live peer owning h, if any.
func (m *Manager) GetByHostname(h string) (*peer.Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byHostname[h]
	return p, ok
}

// GetByIdentity looks up a peer by its token-derived identity.
func (m *Manager) GetByIdentity(id string) (*peer.Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byIdentity[id]
	return p, ok
}

// Connections returns the number of distinct live peers.
func (m *Manager) Connections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byIdentity)
}
