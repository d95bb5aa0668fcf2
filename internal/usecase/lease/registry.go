package lease

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kailas-cloud/leasegate/internal/domain"
)

// Registry maps agent credentials, keyed by SHA-256, to their lease managers.
type Registry struct {
	authority Authority
	cfg       Config
	logger    *zap.Logger

	mu       sync.RWMutex
	managers map[string]*Manager
	sf       singleflight.Group
}

// NewRegistry creates an empty registry.
func NewRegistry(authority Authority, cfg Config, logger *zap.Logger) *Registry {
	return &Registry{
		authority: authority,
		cfg:       cfg,
		logger:    logger,
		managers:  make(map[string]*Manager),
	}
}

func credentialKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}

// Acquire returns the manager for credential, handshaking on first use.
// Concurrent first uses of one credential share a single handshake.
func (r *Registry) Acquire(ctx context.Context, credential string) (*Manager, error) {
	key := credentialKey(credential)
	if m, ok := r.lookup(key); ok && m.State() != domain.LeaseUninitialized {
		return m, nil
	}

	v, err, _ := r.sf.Do(key, func() (any, error) {
		m, ok := r.lookup(key)
		if !ok {
			var err error
			m, err = NewManager(credential, r.authority, r.cfg, r.logger)
			if err != nil {
				return nil, err
			}
		}
		if err := m.Handshake(ctx); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.managers[key] = m
		r.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Manager), nil
}

// Lookup returns an existing manager without handshaking.
func (r *Registry) Lookup(credential string) (*Manager, bool) {
	return r.lookup(credentialKey(credential))
}

func (r *Registry) lookup(key string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.managers[key]
	return m, ok
}

// Len returns the number of registered managers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.managers)
}

// Close zeroes every held provider key.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, m := range r.managers {
		m.Close()
		delete(r.managers, key)
	}
}
