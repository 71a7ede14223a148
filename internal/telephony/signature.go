package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// VerifySignature checks an X-Twilio-Signature header against the full
// webhook URL and the posted form parameters.
func VerifySignature(authToken, webhookURL string, params url.Values, signature string) bool {
	if signature == "" || authToken == "" {
		return false
	}
	expected := ComputeSignature(authToken, webhookURL, params)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// ComputeSignature returns the signature Twilio sends for a request.
func ComputeSignature(authToken, webhookURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(webhookURL)
	for _, key := range keys {
		for _, value := range params[key] {
			payload.WriteString(key)
			payload.WriteString(value)
		}
	}

	h := hmac.New(sha1.New, []byte(authToken))
	h.Write([]byte(payload.String()))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
