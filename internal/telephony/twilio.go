// Package telephony places and ends outbound phone legs through Twilio and
// translates its status callbacks into call session events.
package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/callpilot/pkg/logging"
)

var telephonyTracer = otel.Tracer("callpilot.internal.telephony")

const defaultBaseURL = "https://api.twilio.com"

// Config holds the Twilio account and the public URLs Twilio calls back on.
type Config struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	// BaseURL overrides the Twilio API host, mainly for tests.
	BaseURL string
	// PublicBaseURL is where this service is reachable by Twilio.
	PublicBaseURL string
}

// Client talks to the Twilio Calls resource.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *logging.Logger
}

func NewClient(cfg Config, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// ConnectURL is the TwiML endpoint Twilio fetches when the callee answers.
func (c *Client) ConnectURL(callID string) string {
	return c.cfg.PublicBaseURL + "/api/twilio/connect?call_id=" + url.QueryEscape(callID)
}

// StatusURL receives call progress callbacks. The call id travels in the
// query so callbacks can be matched before the call sid is stored.
func (c *Client) StatusURL(callID string) string {
	return c.cfg.PublicBaseURL + "/api/twilio/status?call_id=" + url.QueryEscape(callID)
}

type callResource struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// PlaceCall dials to and returns the Twilio call sid.
func (c *Client) PlaceCall(ctx context.Context, to, callID string) (string, error) {
	if c.cfg.AccountSID == "" || c.cfg.AuthToken == "" {
		return "", errors.New("telephony: twilio credentials missing")
	}
	if c.cfg.FromNumber == "" {
		return "", errors.New("telephony: from number required")
	}
	ctx, span := telephonyTracer.Start(ctx, "telephony.twilio.place_call", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.String("callpilot.call_id", callID))

	form := url.Values{}
	form.Set("To", to)
	form.Set("From", c.cfg.FromNumber)
	form.Set("Url", c.ConnectURL(callID))
	form.Set("Method", http.MethodPost)
	form.Set("StatusCallback", c.StatusURL(callID))
	form.Set("StatusCallbackMethod", http.MethodPost)
	for _, ev := range []string{"initiated", "ringing", "answered", "completed"} {
		form.Add("StatusCallbackEvent", ev)
	}
	form.Set("MachineDetection", "Enable")

	var res callResource
	if err := c.post(ctx, "/Calls.json", form, &res); err != nil {
		span.RecordError(err)
		return "", err
	}
	if res.SID == "" {
		return "", errors.New("telephony: twilio returned no call sid")
	}
	c.logger.Info("twilio call placed", "call_id", callID, "call_sid", res.SID, "to", logging.MaskPhone(to), "status", res.Status)
	return res.SID, nil
}

// EndCall hangs up a live call.
func (c *Client) EndCall(ctx context.Context, callSID string) error {
	if callSID == "" {
		return errors.New("telephony: call sid required")
	}
	ctx, span := telephonyTracer.Start(ctx, "telephony.twilio.end_call", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	form := url.Values{}
	form.Set("Status", "completed")
	if err := c.post(ctx, "/Calls/"+url.PathEscape(callSID)+".json", form, nil); err != nil {
		span.RecordError(err)
		return err
	}
	c.logger.Info("twilio call ended", "call_sid", callSID)
	return nil
}

// post sends a form to the account resource. Only rate limiting is retried:
// any other failure may have created the call already.
func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s%s", c.cfg.BaseURL, c.cfg.AccountSID, path)
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return err
		}
		req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("telephony: twilio request: %w", err)
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if out == nil || len(body) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("telephony: decode twilio response: %w", err)
			}
			return nil
		}
		lastErr = fmt.Errorf("telephony: twilio request failed: %s", formatTwilioError(resp.StatusCode, body))
		if resp.StatusCode != http.StatusTooManyRequests {
			return lastErr
		}
		if attempt < 3 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*250) * time.Millisecond):
			}
		}
	}
	return lastErr
}

type twilioAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func formatTwilioError(status int, body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return fmt.Sprintf("status %d", status)
	}
	var parsed twilioAPIError
	if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil && parsed.Message != "" {
		if parsed.Code != 0 {
			return fmt.Sprintf("status %d code %d: %s", status, parsed.Code, parsed.Message)
		}
		return fmt.Sprintf("status %d: %s", status, parsed.Message)
	}
	return fmt.Sprintf("status %d: %s", status, trimmed)
}
