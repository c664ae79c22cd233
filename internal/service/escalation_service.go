package service

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pesio-ai/be-approvals/internal/logger"
	"github.com/pesio-ai/be-approvals/internal/metrics"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

// SettingsStore lists the enabled escalation settings.
type SettingsStore interface {
	ListEnabledSettings(ctx context.Context, settingType string) ([]*repository.AlertSetting, error)
}

// PendingStepStore lists pending steps of open instances for the scanner.
type PendingStepStore interface {
	ListPendingWithInstance(ctx context.Context, scopeProjectID *string) ([]*repository.PendingStepRow, error)
}

// AlertStore maintains open alerts by recompute-and-diff.
type AlertStore interface {
	EnsureOpen(ctx context.Context, settingID, targetRef string) (bool, error)
	CloseStale(ctx context.Context, settingID string, keepRefs []string) (int64, error)
}

// AlertDispatcher delivers escalation notifications. Must be non-fatal.
type AlertDispatcher interface {
	TriggerAlert(ctx context.Context, setting *repository.AlertSetting, targetRef string, elapsedHours float64)
}

// OverdueStep is one (instance, step order) group past its threshold.
type OverdueStep struct {
	InstanceID   string
	StepOrder    int
	ElapsedHours float64
}

// TargetRef formats the opaque identifier of an overdue unit.
func (o OverdueStep) TargetRef() string {
	return fmt.Sprintf("approval_instance:%s:step:%d", o.InstanceID, o.StepOrder)
}

// EscalationService is the periodic scanner that raises alerts for approval
// steps stuck at their instance's current step and closes alerts that are no
// longer overdue. It assumes a single active scanner at a time: alert
// open/close decisions are read-then-write without a lock, so exclusivity
// must come from the scheduler (cron exclusivity or leader election).
type EscalationService struct {
	settings   SettingsStore
	steps      PendingStepStore
	alerts     AlertStore
	dispatcher AlertDispatcher
	log        *logger.Logger
	now        func() time.Time
}

// NewEscalationService creates a new EscalationService.
func NewEscalationService(
	settings SettingsStore,
	steps PendingStepStore,
	alerts AlertStore,
	dispatcher AlertDispatcher,
	log *logger.Logger,
) *EscalationService {
	return &EscalationService{
		settings:   settings,
		steps:      steps,
		alerts:     alerts,
		dispatcher: dispatcher,
		log:        log,
		now:        time.Now,
	}
}

// RunApprovalEscalations performs one full scan. Settings are processed
// independently: a malformed threshold or a failure on one setting never
// aborts the rest of the pass.
func (s *EscalationService) RunApprovalEscalations(ctx context.Context) error {
	started := s.now()
	defer func() {
		metrics.EscalationScanDuration.Observe(time.Since(started).Seconds())
	}()

	settings, err := s.settings.ListEnabledSettings(ctx, repository.AlertSettingTypeApprovalEscalation)
	if err != nil {
		return err
	}

	for _, setting := range settings {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.scanSetting(ctx, setting)
	}
	return nil
}

// scanSetting runs the recompute-and-diff pass for one setting.
func (s *EscalationService) scanSetting(ctx context.Context, setting *repository.AlertSetting) {
	threshold, err := strconv.ParseFloat(strings.TrimSpace(setting.Threshold), 64)
	if err != nil {
		// Not treated as zero: a malformed threshold would otherwise flag
		// every pending step as overdue.
		s.log.Warn().
			Str("setting_id", setting.ID).
			Str("threshold", setting.Threshold).
			Msg("escalation setting has non-numeric threshold; skipping")
		return
	}

	rows, err := s.steps.ListPendingWithInstance(ctx, setting.ScopeProjectID)
	if err != nil {
		s.log.Error().Err(err).
			Str("setting_id", setting.ID).
			Msg("escalation scan failed to list pending steps")
		return
	}

	overdue := CollectOverdue(rows, threshold, s.now())
	keepRefs := make([]string, 0, len(overdue))

	for _, o := range overdue {
		ref := o.TargetRef()
		keepRefs = append(keepRefs, ref)

		created, err := s.alerts.EnsureOpen(ctx, setting.ID, ref)
		if err != nil {
			s.log.Error().Err(err).
				Str("setting_id", setting.ID).
				Str("target_ref", ref).
				Msg("failed to open escalation alert")
			continue
		}
		if created {
			metrics.EscalationAlertsOpened.Inc()
			s.log.Info().
				Str("setting_id", setting.ID).
				Str("target_ref", ref).
				Float64("elapsed_hours", o.ElapsedHours).
				Msg("escalation alert opened")
		}
		// Dispatched every pass while overdue; the notification pipeline
		// applies the setting's remind_after_hours / remind_max_count.
		s.dispatcher.TriggerAlert(ctx, setting, ref, o.ElapsedHours)
	}

	// Hysteresis: any open alert not recomputed as overdue this pass has
	// self-healed (step resolved, instance advanced, or back under
	// threshold) and is closed.
	closed, err := s.alerts.CloseStale(ctx, setting.ID, keepRefs)
	if err != nil {
		s.log.Error().Err(err).
			Str("setting_id", setting.ID).
			Msg("failed to close stale escalation alerts")
		return
	}
	if closed > 0 {
		metrics.EscalationAlertsClosed.Add(float64(closed))
		s.log.Info().
			Str("setting_id", setting.ID).
			Int64("closed", closed).
			Msg("stale escalation alerts closed")
	}
}

// CollectOverdue reduces the pending-step rows to the overdue set:
//  1. only steps at their instance's current step count;
//  2. parallel steps sharing (instance, order) are grouped, and the group's
//     age is measured from the earliest created row;
//  3. a group is overdue when its elapsed hours (rounded to two decimals)
//     exceed the threshold.
func CollectOverdue(rows []*repository.PendingStepRow, thresholdHours float64, now time.Time) []OverdueStep {
	type groupKey struct {
		instanceID string
		stepOrder  int
	}

	earliest := make(map[groupKey]time.Time)
	var order []groupKey
	for _, row := range rows {
		if row.StepOrder != row.CurrentStep {
			continue
		}
		key := groupKey{row.InstanceID, row.StepOrder}
		if existing, seen := earliest[key]; !seen {
			earliest[key] = row.CreatedAt
			order = append(order, key)
		} else if row.CreatedAt.Before(existing) {
			earliest[key] = row.CreatedAt
		}
	}

	var overdue []OverdueStep
	for _, key := range order {
		elapsed := RoundHours(now.Sub(earliest[key]))
		if elapsed > thresholdHours {
			overdue = append(overdue, OverdueStep{
				InstanceID:   key.instanceID,
				StepOrder:    key.stepOrder,
				ElapsedHours: elapsed,
			})
		}
	}
	return overdue
}

// RoundHours converts a duration to hours rounded to two decimals.
func RoundHours(d time.Duration) float64 {
	return math.Round(d.Hours()*100) / 100
}
