package webhook_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/internal/db"
	"github.com/cloud-shuttle/muster/internal/reconcile"
	"github.com/cloud-shuttle/muster/internal/webhook"
	"github.com/cloud-shuttle/muster/pkg/types"
)

func setupServer(t *testing.T, secret string) (*db.Store, *types.Project, http.Handler) {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.InitSchema())

	project, err := store.CreateProject(&types.Project{
		Name:          "p",
		RepoFullName:  "acme/widgets",
		WebhookSecret: secret,
	})
	require.NoError(t, err)

	logger := zap.NewNop()
	server := webhook.NewServer(store, reconcile.New(store, logger), 1<<20, logger)
	return store, project, server.Handler()
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func postEvent(handler http.Handler, eventType string, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-GitHub-Event", eventType)
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_ValidSignatureAccepted(t *testing.T) {
	_, _, handler := setupServer(t, "s3cret")

	body := []byte(`{"ref": "refs/heads/main", "after": "abc123"}`)
	rec := postEvent(handler, "push", body, sign("s3cret", body))

	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestWebhook_BadSignatureRejectedWithoutMutation(t *testing.T) {
	store, project, handler := setupServer(t, "s3cret")

	body := []byte(`{
		"action": "opened",
		"issue": {"number": 5, "title": "Bug", "state": "open"}
	}`)
	rec := postEvent(handler, "issues", body, sign("wrong-secret", body))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	item, err := store.FindWorkItemByIssueNumber(project.ID, 5)
	require.NoError(t, err)
	assert.Nil(t, item, "a rejected event must not create work items")
}

func TestWebhook_SameBodyCorrectSignatureAccepted(t *testing.T) {
	store, project, handler := setupServer(t, "s3cret")

	body := []byte(`{
		"action": "opened",
		"issue": {"number": 5, "title": "Bug", "state": "open"}
	}`)
	rec := postEvent(handler, "issues", body, sign("s3cret", body))

	assert.Equal(t, http.StatusAccepted, rec.Code)

	item, err := store.FindWorkItemByIssueNumber(project.ID, 5)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "Bug", item.Title)
}

func TestWebhook_MissingSignatureRejected(t *testing.T) {
	_, _, handler := setupServer(t, "s3cret")

	body := []byte(`{"ref": "refs/heads/main"}`)
	rec := postEvent(handler, "push", body, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhook_SecondProjectSecretVerifies(t *testing.T) {
	store, _, handler := setupServer(t, "first-secret")

	second, err := store.CreateProject(&types.Project{
		Name:          "q",
		RepoFullName:  "acme/gadgets",
		WebhookSecret: "second-secret",
	})
	require.NoError(t, err)

	body := []byte(`{
		"action": "opened",
		"issue": {"number": 9, "title": "Gadget bug", "state": "open"}
	}`)
	rec := postEvent(handler, "issues", body, sign("second-secret", body))

	assert.Equal(t, http.StatusAccepted, rec.Code)

	item, err := store.FindWorkItemByIssueNumber(second.ID, 9)
	require.NoError(t, err)
	require.NotNil(t, item, "the event lands on the project whose secret verified")
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	_, _, handler := setupServer(t, "s3cret")

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWebhook_Health(t *testing.T) {
	_, _, handler := setupServer(t, "s3cret")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}
