// Package translate lends a lease's decrypted provider key for exactly one call.
package translate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kailas-cloud/leasegate/internal/domain"
)

const redactedKey = "[REDACTED]"

// Lease lends a provider key.
type Lease interface {
	WithCredential(fn func(apiKey string) error) error
}

// LookupFunc finds the lease for a credential without handshaking.
type LookupFunc func(credential string) (Lease, bool)

// Service is the token translator. Once a translation invariant breaks it halts for good.
type Service struct {
	lookup LookupFunc
	logger *zap.Logger

	halted    atomic.Bool
	fatalOnce sync.Once
	onFatal   func(error)
}

// New creates a translator. onFatal runs once on the first translation failure.
func New(lookup LookupFunc, onFatal func(error), logger *zap.Logger) *Service {
	if onFatal == nil {
		onFatal = func(error) {}
	}
	return &Service{lookup: lookup, onFatal: onFatal, logger: logger}
}

// Do runs fn with the provider key of credential's active lease. The key never
// appears in the returned error.
func (s *Service) Do(ctx context.Context, credential string, fn func(ctx context.Context, providerKey string) error) error {
	if s.halted.Load() {
		return fmt.Errorf("translator halted: %w", domain.ErrTranslationFailed)
	}

	lease, ok := s.lookup(credential)
	if !ok {
		return s.fail(errors.New("no lease for credential"))
	}

	var used string
	err := lease.WithCredential(func(apiKey string) error {
		used = apiKey
		return fn(ctx, apiKey)
	})
	if err == nil {
		return nil
	}

	err = redact(err, used)
	if errors.Is(err, domain.ErrTranslationFailed) {
		return s.fail(err)
	}
	return err
}

// Halted reports whether a translation failure has stopped the translator.
func (s *Service) Halted() bool { return s.halted.Load() }

func (s *Service) fail(cause error) error {
	err := cause
	if !errors.Is(err, domain.ErrTranslationFailed) {
		err = fmt.Errorf("%w: %w", domain.ErrTranslationFailed, cause)
	}
	s.halted.Store(true)
	s.fatalOnce.Do(func() {
		s.logger.Error("translation failed, halting", zap.Error(err))
		s.onFatal(err)
	})
	return err
}

// redactedError hides a key from an error message. The original chain stays
// reachable for errors.Is only, never through Unwrap.
type redactedError struct {
	msg string
	err error
	dep *domain.DependencyError
}

func (e *redactedError) Error() string { return e.msg }

func (e *redactedError) Is(target error) bool { return errors.Is(e.err, target) }

func (e *redactedError) As(target any) bool {
	if t, ok := target.(**domain.DependencyError); ok && e.dep != nil {
		*t = e.dep
		return true
	}
	return false
}

func redact(err error, key string) error {
	if key == "" || !strings.Contains(err.Error(), key) {
		return err
	}
	scrub := func(s string) string { return strings.ReplaceAll(s, key, redactedKey) }

	re := &redactedError{msg: scrub(err.Error()), err: err}
	var de *domain.DependencyError
	if errors.As(err, &de) {
		re.dep = &domain.DependencyError{
			Dependency: de.Dependency,
			Policy:     de.Policy,
			Err:        errors.New(scrub(de.Err.Error())),
		}
	}
	return re
}
