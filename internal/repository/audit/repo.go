package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kailas-cloud/leasegate/internal/domain"
)

const keyPrefix = "leasegate:audit:"

// store is the consumer interface for the audit log (ISP).
type store interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// record is the stored form of an audit event.
type record struct {
	RequestID string `json:"request_id"`
	AgentID   string `json:"agent_id"`
	Stage     string `json:"stage"`
	Decision  string `json:"decision"`
	Reason    string `json:"reason,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Repo is the authority-side audit sink, deduplicated by event id.
type Repo struct {
	store store
	ttl   time.Duration
}

// New creates an audit repository whose records expire after ttl.
func New(s store, ttl time.Duration) *Repo {
	return &Repo{store: s, ttl: ttl}
}

// Append stores e once. A replayed event id returns duplicate=true.
func (r *Repo) Append(ctx context.Context, e domain.AuditEvent) (bool, error) {
	data, err := json.Marshal(record{
		RequestID: e.RequestID,
		AgentID:   e.AgentID,
		Stage:     string(e.Stage),
		Decision:  string(e.Decision),
		Reason:    e.Reason,
		Provider:  e.Provider,
		Model:     e.Model,
		Timestamp: e.Timestamp.UnixMilli(),
	})
	if err != nil {
		return false, fmt.Errorf("marshal audit event: %w", err)
	}
	created, err := r.store.SetNX(ctx, keyPrefix+e.EventID(), data, r.ttl)
	if err != nil {
		return false, fmt.Errorf("append audit event %s: %w", e.EventID(), err)
	}
	return !created, nil
}

// Count returns how many audit events for requestID are stored.
func (r *Repo) Count(ctx context.Context, requestID string) (int, error) {
	keys, err := r.store.Scan(ctx, keyPrefix+requestID+":*")
	if err != nil {
		return 0, fmt.Errorf("scan audit events: %w", err)
	}
	return len(keys), nil
}
