package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approvals/internal/errors"
	"github.com/pesio-ai/be-approvals/internal/logger"
	"github.com/pesio-ai/be-approvals/internal/repository"
	"github.com/pesio-ai/be-approvals/internal/service"
)

// HTTPHandler handles HTTP requests.
type HTTPHandler struct {
	policyService   *service.PolicyService
	approvalService *service.ApprovalService
	planner         *service.StepPlanner
	policyRepo      *repository.ActionPolicyRepository
	alertRepo       *repository.AlertRepository
	log             *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	policyService *service.PolicyService,
	approvalService *service.ApprovalService,
	planner *service.StepPlanner,
	policyRepo *repository.ActionPolicyRepository,
	alertRepo *repository.AlertRepository,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		policyService:   policyService,
		approvalService: approvalService,
		planner:         planner,
		policyRepo:      policyRepo,
		alertRepo:       alertRepo,
		log:             log,
	}
}

// ── Policy evaluation ────────────────────────────────────────────────────────

// EvaluatePolicy handles POST /api/v1/policy/evaluate. Always returns the
// fallback shape; strict callers treat policy_applied=false as a deny.
func (h *HTTPHandler) EvaluatePolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FlowType    string         `json:"flow_type"`
		ActionKey   string         `json:"action_key"`
		State       map[string]any `json:"state"`
		TargetTable string         `json:"target_table"`
		TargetID    string         `json:"target_id"`
		ReasonText  string         `json:"reason_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.FlowType == "" || req.ActionKey == "" {
		respondError(w, errors.InvalidInput("flow_type", "flow_type and action_key are required"))
		return
	}

	actor, err := actorFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	result, err := h.policyService.EvaluateWithFallback(r.Context(), &service.EvaluateRequest{
		FlowType:    req.FlowType,
		ActionKey:   req.ActionKey,
		Actor:       actor,
		State:       req.State,
		TargetTable: req.TargetTable,
		TargetID:    req.TargetID,
		ReasonText:  req.ReasonText,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ── Approval workflow ────────────────────────────────────────────────────────

// PreviewSteps handles POST /api/v1/approvals/preview — a dry run of the
// step planner, no state is written.
func (h *HTTPHandler) PreviewSteps(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FlowType string         `json:"flow_type"`
		State    map[string]any `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.FlowType == "" {
		respondError(w, errors.InvalidInput("flow_type", "flow_type is required"))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"steps": h.planner.MatchApprovalSteps(req.FlowType, req.State),
	})
}

// SubmitApproval handles POST /api/v1/approvals/submit: policy check, then
// the atomic instance creation + document status flip.
func (h *HTTPHandler) SubmitApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FlowType   string         `json:"flow_type"`
		TargetID   string         `json:"target_id"`
		ProjectID  *string        `json:"project_id"`
		State      map[string]any `json:"state"`
		ReasonText string         `json:"reason_text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	actor, err := actorFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	flow, err := h.approvalService.FlowFor(req.FlowType)
	if err != nil {
		respondError(w, err)
		return
	}

	// The document status always comes from storage; client-supplied state
	// cannot bypass a state constraint on it.
	docRepo := h.approvalService.DocumentRepo()
	status, err := docRepo.GetStatus(r.Context(), h.approvalService.DB(), flow.Table, flow.StatusColumn, req.TargetID)
	if err != nil {
		respondError(w, err)
		return
	}
	state := map[string]any{}
	for k, v := range req.State {
		state[k] = v
	}
	state["status"] = status

	decision, err := h.policyService.EvaluateWithFallback(r.Context(), &service.EvaluateRequest{
		FlowType:    req.FlowType,
		ActionKey:   "submit",
		Actor:       actor,
		State:       state,
		TargetTable: flow.Table,
		TargetID:    req.TargetID,
		ReasonText:  req.ReasonText,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	if decision.PolicyApplied && !decision.Allowed {
		status := http.StatusForbidden
		if decision.Reason == service.ReasonReasonRequired {
			status = http.StatusBadRequest
		}
		respondJSON(w, status, decision)
		return
	}

	result, err := h.approvalService.SubmitApprovalWithUpdate(r.Context(), &service.SubmitParams{
		FlowType:    req.FlowType,
		TargetTable: flow.Table,
		TargetID:    req.TargetID,
		ProjectID:   req.ProjectID,
		State:       state,
		CreatedBy:   actor.UserID,
		Update: func(ctx context.Context, tx pgx.Tx) (any, error) {
			return docRepo.TransitionStatus(ctx, tx, flow.Table, flow.StatusColumn, req.TargetID, flow.DraftStatus, flow.PendingStatus)
		},
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, result)
}

// ApproveStep handles POST /api/v1/approvals/approve.
func (h *HTTPHandler) ApproveStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceID string  `json:"instance_id"`
		StepOrder  int     `json:"step_order"`
		Notes      *string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	actor, err := actorFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	complete, err := h.approvalService.ApproveStep(r.Context(), req.InstanceID, req.StepOrder, actor, req.Notes)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"complete": complete})
}

// RejectInstance handles POST /api/v1/approvals/reject.
func (h *HTTPHandler) RejectInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceID string `json:"instance_id"`
		StepOrder  int    `json:"step_order"`
		Reason     string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	actor, err := actorFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	if err := h.approvalService.RejectInstance(r.Context(), req.InstanceID, req.StepOrder, actor, req.Reason); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// RecallInstance handles POST /api/v1/approvals/recall.
func (h *HTTPHandler) RecallInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceID string `json:"instance_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	actor, err := actorFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	if err := h.approvalService.RecallInstance(r.Context(), req.InstanceID, actor); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "recalled"})
}

// PendingApprovals handles GET /api/v1/approvals/pending.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFromRequest(r)
	if err != nil {
		respondError(w, err)
		return
	}

	steps, err := h.approvalService.GetPendingForApprover(r.Context(), actor)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

// InstanceSteps handles GET /api/v1/approvals/steps?instance_id=.
func (h *HTTPHandler) InstanceSteps(w http.ResponseWriter, r *http.Request) {
	instanceID := r.URL.Query().Get("instance_id")
	if instanceID == "" {
		respondError(w, errors.InvalidInput("instance_id", "instance_id is required"))
		return
	}

	steps, err := h.approvalService.GetInstanceSteps(r.Context(), instanceID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"steps": steps})
}

// AuditTrail handles GET /api/v1/approvals/history?target_table=&target_id=.
func (h *HTTPHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	targetTable := r.URL.Query().Get("target_table")
	targetID := r.URL.Query().Get("target_id")
	if targetTable == "" || targetID == "" {
		respondError(w, errors.InvalidInput("target", "target_table and target_id are required"))
		return
	}

	entries, err := h.approvalService.GetAuditTrail(r.Context(), targetTable, targetID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// ── Policy administration ────────────────────────────────────────────────────

// CreatePolicy handles POST /api/v1/policies.
func (h *HTTPHandler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var policy repository.ActionPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if policy.FlowType == "" || policy.ActionKey == "" {
		respondError(w, errors.InvalidInput("policy", "flow_type and action_key are required"))
		return
	}

	if err := h.policyRepo.Create(r.Context(), &policy); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, &policy)
}

// ListPolicies handles GET /api/v1/policies?flow_type=.
func (h *HTTPHandler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.policyRepo.List(r.Context(), r.URL.Query().Get("flow_type"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

// UpdatePolicy handles PUT /api/v1/policies/update.
func (h *HTTPHandler) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	var policy repository.ActionPolicy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if policy.ID == "" {
		respondError(w, errors.InvalidInput("id", "policy id is required"))
		return
	}

	if err := h.policyRepo.Update(r.Context(), &policy); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, &policy)
}

// DeletePolicy handles DELETE /api/v1/policies/delete?id=.
func (h *HTTPHandler) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		respondError(w, errors.InvalidInput("id", "policy id is required"))
		return
	}

	if err := h.policyRepo.Delete(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Escalation diagnostics ───────────────────────────────────────────────────

// EscalationSettings handles GET /api/v1/alerts/settings.
func (h *HTTPHandler) EscalationSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := h.alertRepo.ListEnabledSettings(r.Context(), repository.AlertSettingTypeApprovalEscalation)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"settings": settings})
}

// ── Helpers ──────────────────────────────────────────────────────────────────

// actorFromRequest builds the actor context from the identity headers set by
// the gateway. User and group ids feed uuid-typed SQL parameters, so they are
// validated here and rejected as client errors rather than surfacing as
// storage encode failures. TODO: read these claims from the verified JWT once
// PLT-1 (Identity/Authentication) is rolled out.
func actorFromRequest(r *http.Request) (service.Actor, error) {
	userID := r.Header.Get("X-User-ID")
	if userID != "" {
		if _, err := uuid.Parse(userID); err != nil {
			return service.Actor{}, errors.InvalidInput("X-User-ID", "must be a UUID")
		}
	}

	groupIDs, err := splitIDHeader(r.Header.Get("X-User-Groups"), "X-User-Groups")
	if err != nil {
		return service.Actor{}, err
	}
	accountGroupIDs, err := splitIDHeader(r.Header.Get("X-Account-Groups"), "X-Account-Groups")
	if err != nil {
		return service.Actor{}, err
	}

	return service.Actor{
		UserID:          userID,
		Roles:           splitHeader(r.Header.Get("X-User-Roles")),
		GroupIDs:        groupIDs,
		AccountGroupIDs: accountGroupIDs,
	}, nil
}

// splitIDHeader splits a comma-separated id header, requiring every entry to
// be a UUID.
func splitIDHeader(value, header string) ([]string, error) {
	ids := splitHeader(value)
	for _, id := range ids {
		if _, err := uuid.Parse(id); err != nil {
			return nil, errors.InvalidInput(header, "entries must be UUIDs")
		}
	}
	return ids, nil
}

func splitHeader(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, errors.HTTPStatus(err), map[string]any{
		"error": map[string]any{
			"code":    errors.CodeOf(err),
			"message": err.Error(),
		},
	})
}
