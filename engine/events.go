/*
events.go - Domain event publishing

PURPOSE:
  The engine announces lifecycle milestones to an external notification bus.
  Delivery and fan-out are the bus's responsibility; the engine only emits.
  Events are published AFTER the unit of work commits, so subscribers never
  observe a state that was rolled back.
*/
package engine

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/warp/prepayment-engine/prepay"
)

// Event names emitted by the engine.
const (
	EventCreated   = "prepayment.created"
	EventApproved  = "prepayment.approved"
	EventAmortized = "prepayment.amortized"
	EventExpiring  = "prepayment.expiring"
)

// Event is a domain notification for external subscribers.
type Event struct {
	Name         string
	TenantID     prepay.TenantID
	PrepaymentID prepay.PrepaymentID
	Payload      map[string]any
}

// Publisher delivers events to the notification bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// LogPublisher writes events to the log stream. Used when no real bus is
// configured.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p *LogPublisher) Publish(ctx context.Context, ev Event) {
	p.Log.Info().
		Str("event", ev.Name).
		Str("tenant_id", string(ev.TenantID)).
		Str("prepayment_id", string(ev.PrepaymentID)).
		Fields(ev.Payload).
		Msg("domain event")
}
