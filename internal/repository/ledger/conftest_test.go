package ledger

import (
	"context"
	"testing"
	"time"
)

// mockStore implements the consumer interface for tests.
type mockStore struct {
	hsetFn    func(ctx context.Context, key string, fields map[string]string) error
	hgetAllFn func(ctx context.Context, key string) (map[string]string, error)
	hincrByFn func(ctx context.Context, key, field string, delta int64) (int64, error)
	getFn     func(ctx context.Context, key string) ([]byte, error)
	setFn     func(ctx context.Context, key string, value []byte) error
	scanFn    func(ctx context.Context, pattern string) ([]string, error)
	evalFn    func(ctx context.Context, script string, keys, args []string) (int64, error)
}

func (m *mockStore) HSet(ctx context.Context, key string, fields map[string]string) error {
	if m.hsetFn != nil {
		return m.hsetFn(ctx, key, fields)
	}
	return nil
}

func (m *mockStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if m.hgetAllFn != nil {
		return m.hgetAllFn(ctx, key)
	}
	return map[string]string{}, nil
}

func (m *mockStore) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	if m.hincrByFn != nil {
		return m.hincrByFn(ctx, key, field, delta)
	}
	return delta, nil
}

func (m *mockStore) Get(ctx context.Context, key string) ([]byte, error) {
	if m.getFn != nil {
		return m.getFn(ctx, key)
	}
	return nil, nil
}

func (m *mockStore) Set(ctx context.Context, key string, value []byte) error {
	if m.setFn != nil {
		return m.setFn(ctx, key, value)
	}
	return nil
}

func (m *mockStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	if m.scanFn != nil {
		return m.scanFn(ctx, pattern)
	}
	return nil, nil
}

func (m *mockStore) EvalInt(ctx context.Context, script string, keys, args []string) (int64, error) {
	if m.evalFn != nil {
		return m.evalFn(ctx, script, keys, args)
	}
	return 1, nil
}

func newTestRepo(t *testing.T) (*Repo, *mockStore) {
	t.Helper()
	ms := &mockStore{}
	return New(ms, 720*time.Hour), ms
}
