package core

import (
	"context"

	"go.uber.org/zap"
)

// EventType names a notification sent to a provider or client.
type EventType string

const (
	EventLevelUp          EventType = "level_up"
	EventLevelDown        EventType = "level_down"
	EventSuspended        EventType = "provider_suspended"
	EventCaseOffered      EventType = "case_offered"
	EventOfferAccepted    EventType = "offer_accepted"
	EventNoEligibleLawyer EventType = "no_eligible_lawyer"
	EventTierChanged      EventType = "tier_changed"
)

// Notifier is the notification dispatch collaborator. Delivery transport is
// not this subsystem's concern.
type Notifier interface {
	Notify(ctx context.Context, recipient string, event EventType, payload map[string]any) error
}

type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, string, EventType, map[string]any) error { return nil }

// Notify sends fire-and-forget: a failure is logged, never returned.
func Notify(ctx context.Context, n Notifier, log *zap.Logger, recipient string, event EventType, payload map[string]any) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, recipient, event, payload); err != nil {
		log.Warn("notification failed",
			zap.String("recipient", recipient),
			zap.String("event", string(event)),
			zap.Error(err))
	}
}
