package web

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/stagehand/stagehand/pkg/eventbus"
	"github.com/stagehand/stagehand/pkg/events"
	"github.com/stagehand/stagehand/pkg/models"
	"github.com/stagehand/stagehand/pkg/persistence"
	"github.com/stagehand/stagehand/pkg/registry"
	"github.com/stagehand/stagehand/pkg/usage"
)

// APIHandlers implements the control surface. Submissions, approval
// decisions and cancel requests are persisted or published here and
// picked up by the engine daemon over the event bus; queries read
// whatever state the engine last persisted.
type APIHandlers struct {
	persistence persistence.Persistence
	bus         eventbus.EventPublisher
	registry    *registry.Registry
	validator   *validator.Validate
	logger      *slog.Logger
}

func NewAPIHandlers(
	persist persistence.Persistence,
	bus eventbus.EventPublisher,
	reg *registry.Registry,
	validate *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		persistence: persist,
		bus:         bus,
		registry:    reg,
		validator:   validate,
		logger:      logger.With("module", "web"),
	}
}

// decodeStrict unmarshals a request body rejecting unknown fields, so a
// misspelled spec key fails loudly instead of silently defaulting.
func decodeStrict(body []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()

	return decoder.Decode(target)
}

func (h *APIHandlers) SubmitWorkflow(c fiber.Ctx) error {
	var req SubmitWorkflowRequest
	if err := decodeStrict(c.Body(), &req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := req.Spec.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	instance := models.NewWorkflowInstance(req.Spec, req.Workspace)
	now := time.Now().UTC()
	instance.CreatedAt = now
	instance.UpdatedAt = now

	if err := h.persistence.Instances().Save(c.Context(), instance); err != nil {
		return handlePersistenceError(c, err)
	}

	event := &events.WorkflowSubmitted{
		BaseEvent: events.NewBaseEvent(events.WorkflowSubmittedEvent, instance.ID),
		SpecID:    req.Spec.ID,
		SpecName:  req.Spec.Name,
		Workspace: req.Workspace,
		Spec:      req.Spec,
	}

	if err := h.bus.Publish(c.Context(), instance.ID, event); err != nil {
		h.logger.ErrorContext(c.Context(), "failed to publish submission",
			"workflow_id", instance.ID, "error", err)

		return internalError(c, err)
	}

	h.logger.InfoContext(c.Context(), "workflow submitted",
		"workflow_id", instance.ID,
		"spec_name", req.Spec.Name,
		"stage_count", len(instance.Stages()))

	return c.Status(fiber.StatusCreated).JSON(instance)
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	opts, err := h.parseListOptions(c)
	if err != nil {
		return badRequest(c, "invalid query parameters: "+err.Error())
	}

	result, err := h.persistence.Instances().List(c.Context(), *opts)
	if err != nil {
		return handlePersistenceError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflows":     result.Instances,
		"total_count":   result.TotalCount,
		"has_next_page": result.HasNextPage,
		"pagination": fiber.Map{
			"limit":  opts.Limit,
			"offset": opts.Offset,
		},
	})
}

func (h *APIHandlers) parseListOptions(c fiber.Ctx) (*persistence.ListOptions, error) {
	opts := &persistence.ListOptions{}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		opts.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		opts.Offset = offset
	}

	if statusStr := c.Query("status"); statusStr != "" {
		status := models.InstanceStatus(statusStr)
		opts.Status = &status
	}

	opts.SpecID = c.Query("spec_id")
	opts.SortBy = c.Query("sort_by")
	opts.SortOrder = c.Query("sort_order")

	return opts, nil
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "workflow instance ID is required")
	}

	instance, err := h.persistence.Instances().ByID(c.Context(), id)
	if err != nil {
		return handlePersistenceError(c, err)
	}

	return c.JSON(instance)
}

func (h *APIHandlers) GetWorkflowHistory(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "workflow instance ID is required")
	}

	instance, err := h.persistence.Instances().ByID(c.Context(), id)
	if err != nil {
		return handlePersistenceError(c, err)
	}

	return c.JSON(fiber.Map{
		"workflow_id": instance.ID,
		"status":      instance.Status,
		"history":     instance.History,
	})
}

func (h *APIHandlers) RecordApproval(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "workflow instance ID is required")
	}

	var req ApprovalRequest
	if err := decodeStrict(c.Body(), &req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	instance, err := h.persistence.Instances().ByID(c.Context(), id)
	if err != nil {
		return handlePersistenceError(c, err)
	}

	decision := models.ApprovalDecision(req.Decision)

	// Any decision after the first is a no-op, matching the at-least-once
	// delivery the gate tolerates. The response carries the decision that
	// actually stands, so a losing caller can see they were late.
	if instance.Approval.Decided() {
		if instance.Approval.Decision != decision {
			h.logger.WarnContext(c.Context(), "conflicting approval decision ignored",
				"workflow_id", id,
				"recorded", instance.Approval.Decision,
				"ignored", decision)
		}

		return c.JSON(fiber.Map{"workflow_id": id, "decision": instance.Approval.Decision, "recorded": false})
	}

	if instance.Status != models.InstanceStatusAwaitingApproval {
		return conflict(c, "instance is not awaiting approval (status "+string(instance.Status)+")")
	}

	event := &events.ApprovalDecided{
		BaseEvent: events.NewBaseEvent(events.ApprovalDecidedEvent, id),
		StageName: instance.Approval.StageName,
		Decision:  decision,
		DecidedBy: req.DecidedBy,
		Comment:   req.Comment,
	}

	if err := h.bus.Publish(c.Context(), id, event); err != nil {
		return internalError(c, err)
	}

	h.logger.InfoContext(c.Context(), "approval decision published",
		"workflow_id", id,
		"decision", decision,
		"decided_by", req.DecidedBy)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"workflow_id": id,
		"decision":    decision,
		"recorded":    true,
	})
}

func (h *APIHandlers) CancelWorkflow(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "workflow instance ID is required")
	}

	var req CancelRequest
	if len(c.Body()) > 0 {
		if err := decodeStrict(c.Body(), &req); err != nil {
			return badRequest(c, "invalid request body: "+err.Error())
		}
	}

	instance, err := h.persistence.Instances().ByID(c.Context(), id)
	if err != nil {
		return handlePersistenceError(c, err)
	}

	if instance.Status.IsTerminal() {
		return conflict(c, "instance is already "+string(instance.Status))
	}

	event := &events.CancelRequested{
		BaseEvent:   events.NewBaseEvent(events.CancelRequestedEvent, id),
		CancelledBy: req.CancelledBy,
		Reason:      req.Reason,
	}

	if err := h.bus.Publish(c.Context(), id, event); err != nil {
		return internalError(c, err)
	}

	h.logger.InfoContext(c.Context(), "cancel requested",
		"workflow_id", id,
		"cancelled_by", req.CancelledBy)

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"workflow_id": id,
		"cancelling":  true,
	})
}

// PreviewSpec validates a spec and projects its cost without creating
// anything. Estimates use the raw prompt templates; variables are not
// expanded, so projections are indicative, not billing-grade.
func (h *APIHandlers) PreviewSpec(c fiber.Ctx) error {
	var req PreviewRequest
	if err := decodeStrict(c.Body(), &req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if err := req.Spec.Validate(); err != nil {
		return badRequest(c, err.Error())
	}

	skipped := make(map[string]struct{}, len(req.Spec.SkipStages))
	for _, name := range req.Spec.SkipStages {
		skipped[name] = struct{}{}
	}

	response := PreviewResponse{Valid: true}

	for i := range req.Spec.Stages {
		stage := &req.Spec.Stages[i]
		_, skip := skipped[stage.Name]

		entry := StageEstimate{StageName: stage.Name, Skipped: skip}

		if !skip {
			entry.Estimate = usage.EstimateStage(stage, stage.PromptTemplate)
			response.TotalTokens += entry.Estimate.Tokens
			response.TotalCost += entry.Estimate.CostUSD
			response.StageCount++
		}

		response.Stages = append(response.Stages, entry)
	}

	return c.JSON(response)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	registryCheck, regOK := h.registry.HealthCheck()

	repoOK := true
	repositoryCheck := "ok"

	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		repoOK = false
		repositoryCheck = err.Error()
	}

	status := "unhealthy"
	httpStatus := http.StatusInternalServerError

	if regOK && repoOK {
		status = "healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"registry":   registryCheck,
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}
