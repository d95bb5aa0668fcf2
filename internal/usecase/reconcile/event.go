package reconcile

import (
	"encoding/json"
	"fmt"

	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/domain/protocol"
	"github.com/kailas-cloud/leasegate/internal/repository/buffer"
)

// Event is a serialized usage report or audit record. Key is the sink's dedup key.
type Event struct {
	Kind    buffer.Kind
	Key     string
	Payload []byte
}

// UsageEvent encodes a usage report keyed by request id.
func UsageEvent(r domain.UsageReport) (Event, error) {
	b, err := json.Marshal(protocol.UsageFromDomain(r))
	if err != nil {
		return Event{}, fmt.Errorf("encode usage %s: %w", r.RequestID, err)
	}
	return Event{Kind: buffer.KindUsage, Key: r.RequestID, Payload: b}, nil
}

// AuditEvent encodes an audit record keyed by event id.
func AuditEvent(e domain.AuditEvent) (Event, error) {
	b, err := json.Marshal(protocol.AuditFromDomain(e))
	if err != nil {
		return Event{}, fmt.Errorf("encode audit %s: %w", e.EventID(), err)
	}
	return Event{Kind: buffer.KindAudit, Key: e.EventID(), Payload: b}, nil
}
