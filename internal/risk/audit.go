package risk

import (
	"context"
	"log/slog"
	"time"

	"propcore/internal/bus"
	"propcore/internal/kv"
	"propcore/pkg/types"
)

const auditWriteTimeout = 3 * time.Second

// AuditSink copies trade and order events from the bus into the durable
// audit trail, and order events additionally into the KV order-audit list.
// The bus is at-most-once, so a dropped event under pressure is tolerated;
// the relational rows written by the engines remain the source of record.
type AuditSink struct {
	store  Store
	kv     *kv.Client // may be nil
	bus    *bus.Bus
	logger *slog.Logger
}

// NewAuditSink wires the sink. store and kvc may each be nil; the
// corresponding writes are then skipped.
func NewAuditSink(store Store, kvc *kv.Client, b *bus.Bus, logger *slog.Logger) *AuditSink {
	return &AuditSink{
		store:  store,
		kv:     kvc,
		bus:    b,
		logger: logger.With("component", "audit"),
	}
}

// Run consumes trade and order events until ctx is cancelled.
func (s *AuditSink) Run(ctx context.Context) {
	events := s.bus.Subscribe("audit", 256, bus.ChanTradeEvents, bus.ChanOrderEvents)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.record(ctx, ev)
		}
	}
}

func (s *AuditSink) record(ctx context.Context, ev bus.Event) {
	switch p := ev.Payload.(type) {
	case types.TradeEvent:
		s.append(auditEventName(p.Type), p.AccountID, p)
	case types.OrderEvent:
		s.append(auditEventName(p.Type), p.AccountID, p)
		if s.kv != nil {
			kctx, cancel := context.WithTimeout(ctx, auditWriteTimeout)
			if err := s.kv.AppendOrderAudit(kctx, p); err != nil {
				s.logger.Warn("kv order audit append failed", "order_id", p.OrderID, "error", err)
			}
			cancel()
		}
	}
}

func (s *AuditSink) append(event, accountID string, payload any) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendAudit(context.Background(), event, accountID, payload); err != nil {
		s.logger.Error("audit append", "event", event, "account_id", accountID, "error", err)
	}
}

// auditEventName maps bus event types to the audit-row vocabulary.
func auditEventName(busType string) string {
	switch busType {
	case "trade_fill":
		return "TRADE_OPENED"
	case "trade_close":
		return "TRADE_CLOSED"
	case "order_pending":
		return "ORDER_PENDING"
	case "order_filled":
		return "ORDER_FILLED"
	case "order_reject":
		return "ORDER_REJECTED"
	}
	return busType
}