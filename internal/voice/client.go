// Package voice integrates the conversational voice agent that talks to the
// provider once the phone leg connects.
package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfman30/callpilot/internal/callsession"
	"github.com/wolfman30/callpilot/pkg/logging"
)

const defaultBaseURL = "https://api.elevenlabs.io"

// Config identifies the voice agent account.
type Config struct {
	APIKey  string
	AgentID string
	BaseURL string
}

// Client starts conversations on the voice vendor.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *logging.Logger
}

var _ callsession.ConversationStarter = (*Client)(nil)

func NewClient(cfg Config, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// StreamURL is the websocket endpoint the phone leg's media stream connects to.
func (c *Client) StreamURL() string {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	default:
		u.Scheme = "wss"
	}
	u.Path = "/v1/convai/conversation"
	u.RawQuery = url.Values{"agent_id": {c.cfg.AgentID}}.Encode()
	return u.String()
}

type startRequest struct {
	AgentID          string            `json:"agent_id"`
	CallRef          string            `json:"call_ref,omitempty"`
	DynamicVariables map[string]string `json:"dynamic_variables"`
}

type startResponse struct {
	ConversationID string `json:"conversation_id"`
}

// StartConversation registers the answered call with the agent and returns
// the vendor conversation id.
func (c *Client) StartConversation(ctx context.Context, telephonyRef string, script callsession.Script) (string, error) {
	if c.cfg.APIKey == "" || c.cfg.AgentID == "" {
		return "", errors.New("voice: api key and agent id required")
	}
	body, err := json.Marshal(startRequest{
		AgentID:          c.cfg.AgentID,
		CallRef:          telephonyRef,
		DynamicVariables: DynamicVariables(script),
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/convai/conversations", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("voice: start conversation: %w", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("voice: start conversation: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var out startResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("voice: decode start response: %w", err)
	}
	if out.ConversationID == "" {
		return "", errors.New("voice: vendor returned no conversation id")
	}
	c.logger.Info("voice conversation started", "call_id", script.CallID, "conversation_id", out.ConversationID)
	return out.ConversationID, nil
}

// DynamicVariables renders the script as the agent's template variables.
func DynamicVariables(s callsession.Script) map[string]string {
	times := make([]string, len(s.PreferredTimes))
	for i, t := range s.PreferredTimes {
		times[i] = string(t)
	}
	vars := map[string]string{
		"call_id":         s.CallID,
		"request_id":      s.RequestID,
		"service_type":    s.ServiceType,
		"provider_name":   s.ProviderName,
		"preferred_dates": strings.Join(s.PreferredDates, ", "),
		"preferred_times": strings.Join(times, ", "),
	}
	if s.Location != "" {
		vars["location"] = s.Location
	}
	if s.Notes != "" {
		vars["notes"] = s.Notes
	}
	return vars
}
