package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"halcyon/internal/admission"
	"halcyon/internal/app"
	"halcyon/internal/approval"
	"halcyon/internal/domain"
	halerrors "halcyon/internal/errors"
	"halcyon/internal/ports"
)

type handlers struct {
	root *app.Root
}

// health is the unauthenticated liveness probe: the process is up.
func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ready folds the inference backend's health with the breaker's own view
// (spec §6 "readiness incl. inference health").
func (h *handlers) ready(c *gin.Context) {
	health, err := h.root.Gateway.Health(c.Request.Context(), h.root.Config.Inference.DefaultModel)
	if err != nil || !health.Healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": health.Reason})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// readyAll reports a per-collaborator health map: the inference backend has
// an explicit health check; the other ports are reported by presence since
// their interfaces carry no health probe (spec §6 "per-collaborator health map").
func (h *handlers) readyAll(c *gin.Context) {
	ctx := c.Request.Context()
	inferenceHealth, err := h.root.Gateway.Health(ctx, h.root.Config.Inference.DefaultModel)
	if err != nil {
		inferenceHealth = ports.Health{Healthy: false, Reason: err.Error()}
	}
	c.JSON(http.StatusOK, gin.H{
		"inference": gin.H{"healthy": inferenceHealth.Healthy, "reason": inferenceHealth.Reason},
		"messenger": gin.H{"configured": h.root.Ports.Messenger != nil},
		"mail":      gin.H{"configured": h.root.Ports.Mail != nil},
		"calendar":  gin.H{"configured": h.root.Ports.Calendar != nil},
		"weather":   gin.H{"configured": h.root.Ports.Weather != nil},
		"search":    gin.H{"configured": h.root.Ports.Search != nil},
		"speech":    gin.H{"configured": h.root.Ports.Speech != nil},
		"transit":   gin.H{"configured": h.root.Ports.Transit != nil},
	})
}

// metrics is an alias of /metrics/prometheus kept for operators that expect
// the bare path (spec §6 lists both).
func (h *handlers) metrics(c *gin.Context) {
	h.root.Metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

func (h *handlers) metricsPrometheus(c *gin.Context) {
	h.root.Metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// chatRequest is the body of POST /v1/chat and /v1/chat/stream.
type chatRequest struct {
	Message        string  `json:"message" binding:"required"`
	ConversationID *string `json:"conversation_id"`
}

func (h *handlers) chat(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		writeError(c, halerrors.New(halerrors.Unauthorized, "missing principal", nil))
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, halerrors.New(halerrors.Validation, "invalid request body", err))
		return
	}
	convID, err := parseConversationID(req.ConversationID)
	if err != nil {
		writeError(c, err)
		return
	}

	result, err := h.root.HandleUtterance(c.Request.Context(), principal, convID, req.Message)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{
		"text":     result.Text,
		"degraded": result.Degraded,
		"usage":    result.Usage,
	}
	if result.ConversationID != nil {
		resp["conversation_id"] = result.ConversationID.String()
	}
	status := http.StatusOK
	if result.ApprovalID != nil {
		resp["approval_id"] = result.ApprovalID.String()
		status = http.StatusAccepted
	}
	c.JSON(status, resp)
}

// chatStream runs the streaming path of spec §6: content-type
// text/event-stream, one "message" event per delta, a terminal "done" event
// carrying usage. Side-effecting intents are not streamable and are enqueued
// exactly like the synchronous path, reported as a single message.
func (h *handlers) chatStream(c *gin.Context) {
	ctx := c.Request.Context()
	principal, ok := principalFromContext(c)
	if !ok {
		writeError(c, halerrors.New(halerrors.Unauthorized, "missing principal", nil))
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, halerrors.New(halerrors.Validation, "invalid request body", err))
		return
	}
	convID, err := parseConversationID(req.ConversationID)
	if err != nil {
		writeError(c, err)
		return
	}

	intent, err := h.root.Parser.Parse(req.Message)
	if err != nil {
		writeError(c, err)
		return
	}
	if intent.IsSideEffecting() {
		id, err := h.root.Approvals.Enqueue(ctx, principal, intent)
		if err != nil {
			writeError(c, err)
			return
		}
		writeSSEMessage(c, gin.H{"text": "confirmation required before this action runs", "approval_id": id.String()})
		writeSSEDone(c, ports.Usage{})
		return
	}

	query := intent.Query
	if query == "" {
		query = req.Message
	}
	conv, prompt, err := h.root.PreparePrompt(ctx, principal, convID, query, req.Message)
	if err != nil {
		writeError(c, err)
		return
	}

	deltas, err := h.root.Gateway.GenerateStream(ctx, prompt, ports.CompletionOptions{
		Model:       h.root.Config.Inference.DefaultModel,
		Temperature: h.root.Config.Inference.Temperature,
		MaxTokens:   h.root.Config.Inference.MaxTokens,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	var full string
	var usage ports.Usage
	degraded := false
	flusher, _ := c.Writer.(http.Flusher)
	for delta := range deltas {
		if delta.Text != "" {
			full += delta.Text
			writeSSEMessage(c, gin.H{"delta": delta.Text})
			if flusher != nil {
				flusher.Flush()
			}
		}
		if delta.Done {
			if delta.Usage != nil {
				usage = *delta.Usage
			}
			break
		}
	}
	writeSSEDone(c, usage)
	if flusher != nil {
		flusher.Flush()
	}

	if err := h.root.AppendTurn(ctx, principal, conv, req.Message, full, degraded); err != nil {
		h.root.Logger.Warn("append streamed turn failed: %v", err)
	}
}

func writeSSEMessage(c *gin.Context, payload gin.H) {
	b, _ := json.Marshal(payload)
	io.WriteString(c.Writer, "event: message\ndata: "+string(b)+"\n\n")
}

func writeSSEDone(c *gin.Context, usage ports.Usage) {
	b, _ := json.Marshal(gin.H{"usage": usage})
	io.WriteString(c.Writer, "event: done\ndata: "+string(b)+"\n\n")
}

// commandsRequest is the body of /v1/commands and /v1/commands/parse.
type commandsRequest struct {
	Text string `json:"text" binding:"required"`
}

func (h *handlers) commandsParse(c *gin.Context) {
	var req commandsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, halerrors.New(halerrors.Validation, "invalid request body", err))
		return
	}
	intent, err := h.root.Parser.Parse(req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, intent)
}

func (h *handlers) commands(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		writeError(c, halerrors.New(halerrors.Unauthorized, "missing principal", nil))
		return
	}
	var req commandsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, halerrors.New(halerrors.Validation, "invalid request body", err))
		return
	}
	result, err := h.root.HandleUtterance(c.Request.Context(), principal, nil, req.Text)
	if err != nil {
		writeError(c, err)
		return
	}
	if result.ApprovalID != nil {
		c.JSON(http.StatusAccepted, gin.H{"approval_id": result.ApprovalID.String(), "intent": result.Intent})
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": result.Text, "intent": result.Intent})
}

func (h *handlers) listApprovals(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		writeError(c, halerrors.New(halerrors.Unauthorized, "missing principal", nil))
		return
	}
	var state *approval.State
	if raw := c.Query("state"); raw != "" {
		s := approval.State(raw)
		state = &s
	}
	requests, err := h.root.Approvals.List(c.Request.Context(), principal, state)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": requests})
}

func (h *handlers) getApproval(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		writeError(c, halerrors.New(halerrors.Unauthorized, "missing principal", nil))
		return
	}
	id, err := domain.ParseID(c.Param("id"))
	if err != nil {
		writeError(c, halerrors.New(halerrors.Validation, "invalid approval id", err))
		return
	}
	requests, err := h.root.Approvals.List(c.Request.Context(), principal, nil)
	if err != nil {
		writeError(c, err)
		return
	}
	for _, r := range requests {
		if r.ID == id {
			c.JSON(http.StatusOK, r)
			return
		}
	}
	writeError(c, halerrors.New(halerrors.NotFound, "approval not found", nil))
}

type decideRequest struct {
	Decision string `json:"decision" binding:"required"` // approve | deny | cancel
}

func (h *handlers) decideApproval(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		writeError(c, halerrors.New(halerrors.Unauthorized, "missing principal", nil))
		return
	}
	id, err := domain.ParseID(c.Param("id"))
	if err != nil {
		writeError(c, halerrors.New(halerrors.Validation, "invalid approval id", err))
		return
	}
	var req decideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, halerrors.New(halerrors.Validation, "invalid request body", err))
		return
	}
	result, err := h.root.Approvals.Decide(c.Request.Context(), id, principal, approval.Decision(req.Decision))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// systemStatus reports build/version info and live counters (spec §6
// "versions + counters").
func (h *handlers) systemStatus(c *gin.Context) {
	principal, ok := principalFromContext(c)
	if !ok {
		writeError(c, halerrors.New(halerrors.Unauthorized, "missing principal", nil))
		return
	}
	pending, err := h.root.Approvals.List(c.Request.Context(), principal, statePtr(approval.StatePending))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"environment":      h.root.Config.Environment,
		"pending_approvals": len(pending),
		"memory_enabled":   h.root.Config.Memory.Enabled,
		"degraded_mode":    h.root.Config.DegradedMode.Enabled,
	})
}

func statePtr(s approval.State) *approval.State { return &s }

// webhookBody is the inbound messenger payload: principal plus raw text,
// matching ports.InboundEvent's shape.
type webhookBody struct {
	Principal string `json:"principal"`
	Text      string `json:"text"`
}

// webhook verifies an HMAC-SHA256 signature over the raw body before
// parsing (spec §6: "signature mismatch returns 401 and the body is
// discarded before parsing").
func (h *handlers) webhook(c *gin.Context) {
	messenger := c.Param("messenger")
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, halerrors.New(halerrors.Validation, "unreadable body", err))
		return
	}
	sig := c.GetHeader("X-Signature")
	secret := []byte(h.root.Config.Security.WebhookSecret)
	if !admission.VerifyWebhookSignature(body, sig, secret) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature mismatch"})
		return
	}

	var payload webhookBody
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(c, halerrors.New(halerrors.Validation, "invalid webhook payload", err))
		return
	}
	principal, err := domain.ParseID(payload.Principal)
	if err != nil {
		writeError(c, halerrors.New(halerrors.Validation, "invalid principal", err))
		return
	}

	h.root.Logger.Info("inbound %s webhook for principal %s", messenger, principal)
	if _, err := h.root.HandleUtterance(c.Request.Context(), principal, nil, payload.Text); err != nil {
		h.root.Logger.Warn("webhook utterance handling failed: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

func parseConversationID(raw *string) (*domain.ID, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	id, err := domain.ParseID(*raw)
	if err != nil {
		return nil, halerrors.New(halerrors.Validation, "invalid conversation_id", err)
	}
	return &id, nil
}
