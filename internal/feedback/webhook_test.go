package feedback_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javimaligno/agentctl/internal/feedback"
)

const webhookSecret = "test-secret"

func sign(body []byte) string {
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postWebhook(t *testing.T, w *feedback.Webhook, eventType, deliveryID string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", signature)
	req.Header.Set("X-GitHub-Event", eventType)
	if deliveryID != "" {
		req.Header.Set("X-GitHub-Delivery", deliveryID)
	}
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	return rec
}

func TestWebhookRejectsInvalidSignature(t *testing.T) {
	w := feedback.NewWebhook(feedback.WebhookConfig{Secret: webhookSecret}, nil)
	body := []byte(`{"action":"opened"}`)

	rec := postWebhook(t, w, "pull_request", "d1", body, "sha256=deadbeef")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhookAcceptsValidSignatureAndMergedPR(t *testing.T) {
	w := feedback.NewWebhook(feedback.WebhookConfig{Secret: webhookSecret}, nil)
	payload := map[string]interface{}{
		"repository": map[string]string{"full_name": "acme/app"},
		"pull_request": map[string]interface{}{
			"html_url": "https://example.test/acme/app/pull/7",
			"merged":   true,
			"state":    "closed",
		},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	rec := postWebhook(t, w, "pull_request", "d2", body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)

	select {
	case e := <-w.Events():
		assert.Equal(t, feedback.EventMerged, e.Kind)
		assert.Equal(t, "https://example.test/acme/app/pull/7", e.ProposalURL)
	default:
		t.Fatal("expected a merged event")
	}
}

func TestWebhookIgnoresDuplicateDelivery(t *testing.T) {
	w := feedback.NewWebhook(feedback.WebhookConfig{Secret: webhookSecret}, nil)
	payload := map[string]interface{}{
		"repository":   map[string]string{"full_name": "acme/app"},
		"pull_request": map[string]interface{}{"html_url": "https://example.test/acme/app/pull/8", "merged": true},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	sig := sign(body)

	rec1 := postWebhook(t, w, "pull_request", "dup-1", body, sig)
	assert.Equal(t, http.StatusOK, rec1.Code)
	<-w.Events()

	rec2 := postWebhook(t, w, "pull_request", "dup-1", body, sig)
	assert.Equal(t, http.StatusOK, rec2.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec2.Body.Bytes(), &resp))
	assert.Equal(t, "ignored", resp["status"])
	assert.Equal(t, "duplicate_delivery", resp["reason"])
}

func TestWebhookIgnoresUnconfiguredRepository(t *testing.T) {
	w := feedback.NewWebhook(feedback.WebhookConfig{
		Secret:       webhookSecret,
		Repositories: map[string]bool{"acme/other": true},
	}, nil)
	payload := map[string]interface{}{
		"repository":   map[string]string{"full_name": "acme/app"},
		"pull_request": map[string]interface{}{"html_url": "https://example.test/acme/app/pull/9", "merged": true},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	rec := postWebhook(t, w, "pull_request", "d3", body, sign(body))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ignored", resp["status"])
	assert.Equal(t, "repository_not_configured", resp["reason"])
}

func TestWebhookHealthEndpoint(t *testing.T) {
	w := feedback.NewWebhook(feedback.WebhookConfig{Secret: webhookSecret}, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.NotEmpty(t, resp["timestamp"])
}

func TestWebhookRejectsUnknownMethodAndPath(t *testing.T) {
	w := feedback.NewWebhook(feedback.WebhookConfig{Secret: webhookSecret}, nil)

	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec2 := httptest.NewRecorder()
	w.ServeHTTP(rec2, httptest.NewRequest(http.MethodPost, "/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec2.Code)
}
