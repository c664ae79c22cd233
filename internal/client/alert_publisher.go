// Package client holds outbound integrations: the NATS publisher feeding the
// notification pipeline.
package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-approvals/internal/repository"
)

// AlertPublisher publishes approval lifecycle events and escalation alerts
// to NATS for consumption by the notifications service.
//
// Subject convention: notifications.approvals.<event_type>
// Event types: approval_submitted, approval_step_advanced, approval_completed,
//              approval_rejected, escalation
//
// All publish operations are non-fatal — errors are logged but never
// propagated, so notification failures never interrupt approval operations.
type AlertPublisher struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// ApprovalEvent is the JSON schema for lifecycle events.
type ApprovalEvent struct {
	EventType   string         `json:"event_type"`
	FlowType    string         `json:"flow_type"`
	TargetTable string         `json:"target_table"`
	TargetID    string         `json:"target_id"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// EscalationEvent is the JSON schema for escalation alerts. Remind fields
// carry the setting's policy for the notification pipeline to apply.
type EscalationEvent struct {
	EventType        string   `json:"event_type"`
	SettingID        string   `json:"setting_id"`
	TargetRef        string   `json:"target_ref"`
	ElapsedHours     float64  `json:"elapsed_hours"`
	Recipients       []string `json:"recipients"`
	Channels         []string `json:"channels"`
	RemindAfterHours int      `json:"remind_after_hours"`
	RemindMaxCount   int      `json:"remind_max_count"`
	Severity         string   `json:"severity"`
}

// NewAlertPublisher creates a publisher over an established NATS connection.
// A nil connection yields a log-only publisher.
func NewAlertPublisher(nc *nats.Conn, log zerolog.Logger) *AlertPublisher {
	return &AlertPublisher{nc: nc, log: log}
}

// PublishApprovalEvent publishes one lifecycle event.
func (p *AlertPublisher) PublishApprovalEvent(ctx context.Context, eventType, flowType, targetTable, targetID, actorID string, payload map[string]any) {
	event := &ApprovalEvent{
		EventType:   eventType,
		FlowType:    flowType,
		TargetTable: targetTable,
		TargetID:    targetID,
		ActorID:     actorID,
		Payload:     payload,
	}
	p.publish(eventType, targetID, event)
}

// TriggerAlert publishes one escalation alert.
func (p *AlertPublisher) TriggerAlert(ctx context.Context, setting *repository.AlertSetting, targetRef string, elapsedHours float64) {
	event := &EscalationEvent{
		EventType:        "escalation",
		SettingID:        setting.ID,
		TargetRef:        targetRef,
		ElapsedHours:     elapsedHours,
		Recipients:       setting.Recipients,
		Channels:         setting.Channels,
		RemindAfterHours: setting.RemindAfterHours,
		RemindMaxCount:   setting.RemindMaxCount,
		Severity:         "warning",
	}
	p.publish("escalation", targetRef, event)
}

func (p *AlertPublisher) publish(eventType, ref string, event any) {
	if p.nc == nil {
		p.log.Debug().Str("event_type", eventType).Str("ref", ref).Msg("notification: NATS disabled, event dropped")
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("event_type", eventType).Msg("notification: failed to marshal event")
		return
	}

	subject := fmt.Sprintf("notifications.approvals.%s", eventType)
	if err := p.nc.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("ref", ref).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("ref", ref).
		Msg("notification: event published")
}
