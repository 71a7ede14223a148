package handlers

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/callpilot/internal/callsession"
	"github.com/wolfman30/callpilot/internal/events"
	observemetrics "github.com/wolfman30/callpilot/internal/observability/metrics"
	"github.com/wolfman30/callpilot/internal/telephony"
)

const testPublicBase = "https://callpilot.example.com"

func twilioRequest(t *testing.T, token, target string, form url.Values) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("X-Twilio-Signature", telephony.ComputeSignature(token, testPublicBase+target, form))
	}
	return req
}

func newTestTwilioHandler(t *testing.T, svc *fakeEventService, token string) (*TwilioHandler, *prometheus.Registry) {
	t.Helper()
	processed, err := events.NewMemoryProcessedStore(64)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	m := observemetrics.NewCallMetrics(reg)
	return NewTwilioHandler(TwilioConfig{
		Service:       svc,
		Processed:     processed,
		AuthToken:     token,
		PublicBaseURL: testPublicBase + "/",
		StreamURL:     "wss://voice.example.com/stream",
		Metrics:       m,
	}), reg
}

func TestTwilioStatusAppliesEvent(t *testing.T) {
	svc := newFakeEventService("call-1")
	h, reg := newTestTwilioHandler(t, svc, "tok")
	form := url.Values{"CallSid": {"CA123"}, "CallStatus": {"ringing"}, "SequenceNumber": {"1"}}

	rec := httptest.NewRecorder()
	h.Status(rec, twilioRequest(t, "tok", "/api/twilio/status?call_id=call-1", form))

	require.Equal(t, http.StatusNoContent, rec.Code)
	got := svc.events()
	require.Len(t, got, 1)
	assert.Equal(t, "call-1", got[0].loc.CallID)
	assert.Equal(t, "CA123", got[0].loc.TelephonyRef)
	assert.IsType(t, callsession.Ringing{}, got[0].ev)
	count, err := testutil.GatherAndCount(reg, "callpilot_webhook_latency_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTwilioStatusDeduplicates(t *testing.T) {
	svc := newFakeEventService("call-1")
	h, _ := newTestTwilioHandler(t, svc, "")
	form := url.Values{"CallSid": {"CA123"}, "CallStatus": {"in-progress"}, "SequenceNumber": {"2"}}

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.Status(rec, twilioRequest(t, "", "/api/twilio/status?call_id=call-1", form))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
	assert.Len(t, svc.events(), 1)
}

func TestTwilioStatusRejectsBadSignature(t *testing.T) {
	svc := newFakeEventService("call-1")
	h, _ := newTestTwilioHandler(t, svc, "tok")
	form := url.Values{"CallSid": {"CA123"}, "CallStatus": {"completed"}}
	req := twilioRequest(t, "other-token", "/api/twilio/status?call_id=call-1", form)

	rec := httptest.NewRecorder()
	h.Status(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, svc.events())
}

func TestTwilioStatusUnknownCall(t *testing.T) {
	h, _ := newTestTwilioHandler(t, newFakeEventService(), "")
	form := url.Values{"CallSid": {"CA999"}, "CallStatus": {"busy"}}

	rec := httptest.NewRecorder()
	h.Status(rec, twilioRequest(t, "", "/api/twilio/status?call_id=ghost", form))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.Status(rec, twilioRequest(t, "", "/api/twilio/status", url.Values{"CallStatus": {"busy"}}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTwilioConnectRendersStream(t *testing.T) {
	svc := newFakeEventService("call-1")
	svc.script = callsession.Script{ServiceType: "dentist", ProviderName: "Glow Dental"}
	h, _ := newTestTwilioHandler(t, svc, "tok")
	form := url.Values{"CallSid": {"CA123"}, "CallStatus": {"in-progress"}}

	rec := httptest.NewRecorder()
	h.Connect(rec, twilioRequest(t, "tok", "/api/twilio/connect?call_id=call-1", form))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/xml", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, `<Stream url="wss://voice.example.com/stream">`)
	assert.Contains(t, body, `value="call-1"`)
	assert.Contains(t, body, "Glow Dental")
}

func TestTwilioConnectUnknownCallHangsUp(t *testing.T) {
	h, _ := newTestTwilioHandler(t, newFakeEventService(), "")
	rec := httptest.NewRecorder()
	h.Connect(rec, twilioRequest(t, "", "/api/twilio/connect?call_id=ghost", url.Values{"CallSid": {"CA1"}}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<Hangup/>")
}

func TestTwilioConnectEndedCallHangsUp(t *testing.T) {
	svc := newFakeEventService("call-1")
	svc.ended = "call-1"
	h, _ := newTestTwilioHandler(t, svc, "")
	rec := httptest.NewRecorder()
	h.Connect(rec, twilioRequest(t, "", "/api/twilio/connect?call_id=call-1", url.Values{"CallSid": {"CA1"}}))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<Hangup/>")
	assert.NotContains(t, body, "<Stream")
}
