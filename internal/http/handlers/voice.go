package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/wolfman30/callpilot/internal/booking"
	"github.com/wolfman30/callpilot/internal/callsession"
	"github.com/wolfman30/callpilot/internal/events"
	observemetrics "github.com/wolfman30/callpilot/internal/observability/metrics"
	"github.com/wolfman30/callpilot/internal/orchestrator"
	"github.com/wolfman30/callpilot/internal/voice"
	"github.com/wolfman30/callpilot/pkg/logging"
)

// VoiceHandler ingests conversation events from the voice vendor, both from
// the HTTP webhook and from the optional event stream.
type VoiceHandler struct {
	svc       CallEventService
	processed events.ProcessedTracker
	secret    string
	metrics   *observemetrics.CallMetrics
	logger    *logging.Logger
	now       func() time.Time
}

type VoiceConfig struct {
	Service   CallEventService
	Processed events.ProcessedTracker
	// WebhookSecret enables signature validation when set.
	WebhookSecret string
	Metrics       *observemetrics.CallMetrics
	Logger        *logging.Logger
}

func NewVoiceHandler(cfg VoiceConfig) *VoiceHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &VoiceHandler{
		svc:       cfg.Service,
		processed: cfg.Processed,
		secret:    cfg.WebhookSecret,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		now:       time.Now,
	}
}

type calendarResponse struct {
	Available bool   `json:"available"`
	Datetime  string `json:"datetime,omitempty"`
}

type toolResponse struct {
	Result     string             `json:"result"`
	Tool       string             `json:"tool,omitempty"`
	CallStatus booking.CallStatus `json:"call_status,omitempty"`
}

// Webhook handles POST /api/voice/webhook. Tool calls are answered inline.
func (h *VoiceHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	start := h.now()
	defer func() {
		if h.metrics != nil {
			h.metrics.ObserveWebhookLatency("voice", h.now().Sub(start).Seconds())
		}
	}()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "invalid body")
		return
	}
	if h.secret != "" {
		if err := voice.VerifySignature(h.secret, r.Header.Get(voice.SignatureHeader), body, h.now()); err != nil {
			h.logger.Warn("invalid voice webhook signature")
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
			return
		}
	}
	hook, err := voice.DecodeWebhook(body)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	if hook.Calendar != nil {
		writeJSON(w, http.StatusOK, calendarResponse{Available: true, Datetime: hook.Calendar.Datetime})
		return
	}

	call, err := h.apply(r.Context(), hook)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	resp := toolResponse{Result: "ok", Tool: hook.Tool}
	if call != nil {
		resp.CallStatus = call.Status
	}
	writeJSON(w, http.StatusOK, resp)
}

// Apply routes a decoded vendor event to its call. It is the stream listener's handler.
func (h *VoiceHandler) Apply(ctx context.Context, hook voice.Webhook) error {
	if hook.Calendar != nil {
		return nil
	}
	_, err := h.apply(ctx, hook)
	if errors.Is(err, booking.ErrCallNotFound) {
		h.logger.Warn("voice event for unknown call", "conversation_id", hook.ConversationID, "event_type", hook.Type)
		return nil
	}
	return err
}

func (h *VoiceHandler) apply(ctx context.Context, hook voice.Webhook) (*booking.Call, error) {
	if hook.Event == nil {
		return nil, nil
	}
	if _, ok := hook.Event.(callsession.Unrecognized); ok && hook.CallID == "" && hook.ConversationID == "" {
		h.logger.Info("ignoring unrecognized voice event", "event_type", hook.Type)
		return nil, nil
	}
	if h.processed != nil && hook.EventID != "" {
		done, err := h.processed.AlreadyProcessed(ctx, "voice", hook.EventID)
		if err != nil {
			return nil, err
		}
		if done {
			return nil, nil
		}
	}
	call, err := h.svc.HandleEvent(ctx, orchestrator.Locator{CallID: hook.CallID, ConversationRef: hook.ConversationID}, hook.Event)
	if err != nil {
		return nil, err
	}
	if h.processed != nil && hook.EventID != "" {
		if _, err := h.processed.MarkProcessed(ctx, "voice", hook.EventID); err != nil {
			h.logger.Warn("mark processed failed", "event_id", hook.EventID, "error", err)
		}
	}
	return call, nil
}
