package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/wolfman30/callpilot/internal/booking"
	"github.com/wolfman30/callpilot/internal/callsession"
	"github.com/wolfman30/callpilot/internal/events"
	observemetrics "github.com/wolfman30/callpilot/internal/observability/metrics"
	"github.com/wolfman30/callpilot/internal/orchestrator"
	"github.com/wolfman30/callpilot/internal/telephony"
	"github.com/wolfman30/callpilot/pkg/logging"
)

// CallEventService applies external events to calls.
type CallEventService interface {
	HandleEvent(ctx context.Context, loc orchestrator.Locator, ev callsession.Event) (*booking.Call, error)
	Script(ctx context.Context, callID string) (callsession.Script, error)
}

// TwilioHandler serves the answer (TwiML) and status callback webhooks.
type TwilioHandler struct {
	svc           CallEventService
	processed     events.ProcessedTracker
	authToken     string
	publicBaseURL string
	streamURL     string
	metrics       *observemetrics.CallMetrics
	logger        *logging.Logger
}

type TwilioConfig struct {
	Service   CallEventService
	Processed events.ProcessedTracker
	// AuthToken enables X-Twilio-Signature validation when set.
	AuthToken     string
	PublicBaseURL string
	// StreamURL is the voice agent media stream the answered call is bridged to.
	StreamURL string
	Metrics   *observemetrics.CallMetrics
	Logger    *logging.Logger
}

func NewTwilioHandler(cfg TwilioConfig) *TwilioHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &TwilioHandler{
		svc:           cfg.Service,
		processed:     cfg.Processed,
		authToken:     cfg.AuthToken,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		streamURL:     cfg.StreamURL,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
	}
}

// Connect answers the outbound call with a media stream to the voice agent.
func (h *TwilioHandler) Connect(w http.ResponseWriter, r *http.Request) {
	if !h.verify(w, r) {
		return
	}
	callID := r.URL.Query().Get("call_id")
	if callID == "" {
		badRequest(w, "call_id is required")
		return
	}
	script, err := h.svc.Script(r.Context(), callID)
	if err != nil {
		h.logger.Warn("connect refused", "call_id", callID, "error", err)
		writeTwiML(w, `<?xml version="1.0" encoding="UTF-8"?><Response><Hangup/></Response>`)
		return
	}
	twiml, err := telephony.ConnectTwiML(h.streamURL, callID, telephony.FirstMessage(script.ServiceType, script.ProviderName))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeTwiML(w, twiml)
}

// Status applies a call progress callback to the call.
func (h *TwilioHandler) Status(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() {
		if h.metrics != nil {
			h.metrics.ObserveWebhookLatency("twilio", time.Since(start).Seconds())
		}
	}()
	if !h.verify(w, r) {
		return
	}
	cb := telephony.ParseStatusCallback(r.URL.Query(), r.PostForm)
	if cb.CallSID == "" {
		badRequest(w, "CallSid is required")
		return
	}
	ctx := r.Context()
	if h.processed != nil && cb.EventID != "" {
		done, err := h.processed.AlreadyProcessed(ctx, "twilio", cb.EventID)
		if err != nil {
			h.logger.Error("processed lookup failed", "error", err)
			writeError(w, h.logger, err)
			return
		}
		if done {
			w.WriteHeader(http.StatusNoContent)
			return
		}
	}

	call, err := h.svc.HandleEvent(ctx, orchestrator.Locator{CallID: cb.CallID, TelephonyRef: cb.CallSID}, cb.Event)
	if err != nil {
		if errors.Is(err, booking.ErrCallNotFound) {
			h.logger.Warn("status callback for unknown call", "call_sid", cb.CallSID, "call_id", cb.CallID)
		}
		writeError(w, h.logger, err)
		return
	}
	if h.processed != nil && cb.EventID != "" {
		if _, err := h.processed.MarkProcessed(ctx, "twilio", cb.EventID); err != nil {
			h.logger.Warn("mark processed failed", "event_id", cb.EventID, "error", err)
		}
	}
	h.logger.Debug("status callback applied", "call_id", call.ID, "event_type", cb.Status, "status", call.Status)
	w.WriteHeader(http.StatusNoContent)
}

// verify parses the form and checks the request signature. It writes the
// error response and returns false when the request must be rejected.
func (h *TwilioHandler) verify(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		badRequest(w, "invalid form body")
		return false
	}
	if h.authToken == "" {
		return true
	}
	url := h.publicBaseURL + r.URL.RequestURI()
	if !telephony.VerifySignature(h.authToken, url, r.PostForm, r.Header.Get("X-Twilio-Signature")) {
		h.logger.Warn("invalid twilio signature", "path", r.URL.Path)
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
		return false
	}
	return true
}

func writeTwiML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}
