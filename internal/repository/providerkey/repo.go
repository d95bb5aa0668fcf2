package providerkey

import (
	"context"
	"errors"
	"fmt"

	"github.com/kailas-cloud/leasegate/internal/db"
	"github.com/kailas-cloud/leasegate/internal/domain"
)

const keyPrefix = "leasegate:provider_key:"

// store is the consumer interface for sealed provider keys (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Repo stores provider keys sealed under the authority master key.
// It never sees plaintext.
type Repo struct {
	store store
}

// New creates a provider key repository.
func New(s store) *Repo {
	return &Repo{store: s}
}

// Put stores the sealed blob for provider, replacing any previous one.
func (r *Repo) Put(ctx context.Context, provider string, sealed []byte) error {
	if err := r.store.Set(ctx, keyPrefix+provider, sealed); err != nil {
		return fmt.Errorf("set provider key %s: %w", provider, err)
	}
	return nil
}

// Get returns the sealed blob for provider or domain.ErrProviderKeyNotFound.
func (r *Repo) Get(ctx context.Context, provider string) ([]byte, error) {
	data, err := r.store.Get(ctx, keyPrefix+provider)
	if err != nil {
		if errors.Is(err, db.ErrKeyNotFound) {
			return nil, domain.ErrProviderKeyNotFound
		}
		return nil, fmt.Errorf("get provider key %s: %w", provider, err)
	}
	if len(data) == 0 {
		return nil, domain.ErrProviderKeyNotFound
	}
	return data, nil
}
