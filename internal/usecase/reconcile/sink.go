package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kailas-cloud/leasegate/internal/domain/protocol"
	"github.com/kailas-cloud/leasegate/internal/repository/buffer"
)

// Reporter delivers events to the authority.
type Reporter interface {
	ReportUsage(ctx context.Context, r protocol.UsageReport) (bool, error)
	SendAudit(ctx context.Context, e protocol.AuditEvent) (bool, error)
}

// AuthoritySink routes events to the authority by kind.
type AuthoritySink struct {
	reporter Reporter
}

// NewAuthoritySink creates a sink over reporter.
func NewAuthoritySink(reporter Reporter) *AuthoritySink {
	return &AuthoritySink{reporter: reporter}
}

// Deliver implements Sink. Duplicates count as delivered.
func (s *AuthoritySink) Deliver(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case buffer.KindUsage:
		var r protocol.UsageReport
		if err := json.Unmarshal(ev.Payload, &r); err != nil {
			return fmt.Errorf("decode usage %s: %w", ev.Key, err)
		}
		_, err := s.reporter.ReportUsage(ctx, r)
		return err
	case buffer.KindAudit:
		var a protocol.AuditEvent
		if err := json.Unmarshal(ev.Payload, &a); err != nil {
			return fmt.Errorf("decode audit %s: %w", ev.Key, err)
		}
		_, err := s.reporter.SendAudit(ctx, a)
		return err
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}
