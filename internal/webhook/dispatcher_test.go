package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/repository"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type capturedRequest struct {
	headers http.Header
	body    []byte
}

// captureServer records every request and answers with the given status
func captureServer(status int) (*httptest.Server, func() []capturedRequest) {
	var mu sync.Mutex
	var requests []capturedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, capturedRequest{headers: r.Header.Clone(), body: body})
		mu.Unlock()
		w.WriteHeader(status)
	}))

	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), requests...)
	}
}

func seedWebhook(t *testing.T, repo repository.Repository, url, secret string, events ...string) *models.Webhook {
	t.Helper()
	wh := &models.Webhook{
		Name:   "test-endpoint",
		URL:    url,
		Secret: secret,
		Events: models.StringList(events),
		Active: true,
	}
	require.NoError(t, repo.CreateWebhook(context.Background(), wh))
	return wh
}

func waitForRequests(t *testing.T, captured func() []capturedRequest, n int) []capturedRequest {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(captured()) >= n
	}, 2*time.Second, 10*time.Millisecond)
	return captured()
}

func TestDispatchSignsAndDeliversPayload(t *testing.T) {
	srv, captured := captureServer(http.StatusOK)
	defer srv.Close()

	repo := repository.NewMemoryRepository()
	wh := seedWebhook(t, repo, srv.URL, "s3cret", EventUpdateSuccess)

	d := NewDispatcher(repo, nil, testLogger())
	d.Dispatch(EventUpdateSuccess, map[string]interface{}{
		"macAddress": "AABBCCDDEEFF",
		"toVersion":  "v1.1.0",
	})

	requests := waitForRequests(t, captured, 1)
	req := requests[0]

	assert.Equal(t, "application/json", req.headers.Get("Content-Type"))
	assert.Equal(t, EventUpdateSuccess, req.headers.Get("X-Webhook-Event"))
	assert.NotEmpty(t, req.headers.Get("X-Webhook-Timestamp"))

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(req.body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, req.headers.Get("X-Webhook-Signature"))

	var body struct {
		Event string                 `json:"event"`
		Data  map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(req.body, &body))
	assert.Equal(t, EventUpdateSuccess, body.Event)
	assert.Equal(t, "AABBCCDDEEFF", body.Data["macAddress"])

	require.Eventually(t, func() bool {
		updated, err := repo.FindWebhookByID(context.Background(), wh.ID)
		return err == nil && updated.LastStatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatchSkipsUnsubscribedAndInactiveWebhooks(t *testing.T) {
	srv, captured := captureServer(http.StatusOK)
	defer srv.Close()

	repo := repository.NewMemoryRepository()
	seedWebhook(t, repo, srv.URL, "", EventUpdateFailed)

	inactive := seedWebhook(t, repo, srv.URL, "", "*")
	inactive.Active = false
	require.NoError(t, repo.UpdateWebhook(context.Background(), inactive))

	d := NewDispatcher(repo, nil, testLogger())
	d.Dispatch(EventUpdateSuccess, nil)

	// Give delivery a moment; neither endpoint should be hit
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, captured())
}

func TestDispatchWildcardSubscription(t *testing.T) {
	srv, captured := captureServer(http.StatusOK)
	defer srv.Close()

	repo := repository.NewMemoryRepository()
	seedWebhook(t, repo, srv.URL, "", "*")

	d := NewDispatcher(repo, nil, testLogger())
	d.Dispatch(EventDeviceAtRisk, map[string]interface{}{"macAddress": "AABBCCDDEEFF"})

	requests := waitForRequests(t, captured, 1)
	assert.Equal(t, EventDeviceAtRisk, requests[0].headers.Get("X-Webhook-Event"))
}

func TestDispatchTracksFailureCount(t *testing.T) {
	srv, _ := captureServer(http.StatusInternalServerError)
	defer srv.Close()

	repo := repository.NewMemoryRepository()
	wh := seedWebhook(t, repo, srv.URL, "", "*")

	d := NewDispatcher(repo, nil, testLogger())

	d.Dispatch(EventUpdateFailed, nil)
	require.Eventually(t, func() bool {
		updated, err := repo.FindWebhookByID(context.Background(), wh.ID)
		return err == nil && updated.FailureCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	d.Dispatch(EventUpdateFailed, nil)
	require.Eventually(t, func() bool {
		updated, err := repo.FindWebhookByID(context.Background(), wh.ID)
		return err == nil && updated.FailureCount == 2 &&
			updated.LastStatusCode == http.StatusInternalServerError
	}, 2*time.Second, 10*time.Millisecond)
}

// slowServer answers 200 after holding each request for delay
func slowServer(delay time.Duration) (*httptest.Server, func() int) {
	var mu sync.Mutex
	var hits int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(delay)
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))

	return srv, func() int {
		mu.Lock()
		defer mu.Unlock()
		return hits
	}
}

func TestDispatchGivesEachDeliveryItsOwnBudget(t *testing.T) {
	first, firstHits := slowServer(150 * time.Millisecond)
	defer first.Close()
	second, secondHits := slowServer(150 * time.Millisecond)
	defer second.Close()

	repo := repository.NewMemoryRepository()
	whFirst := seedWebhook(t, repo, first.URL, "", "*")
	whSecond := seedWebhook(t, repo, second.URL, "", "*")

	// Budget covers one slow delivery but not two back to back; a
	// shared deadline would time the second endpoint out.
	d := NewDispatcher(repo, nil, testLogger()).(*dispatcher)
	d.timeout = 250 * time.Millisecond

	d.Dispatch(EventUpdateSuccess, nil)

	require.Eventually(t, func() bool {
		return firstHits() == 1 && secondHits() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		a, errA := repo.FindWebhookByID(context.Background(), whFirst.ID)
		b, errB := repo.FindWebhookByID(context.Background(), whSecond.ID)
		return errA == nil && errB == nil &&
			a.FailureCount == 0 && b.FailureCount == 0 &&
			a.LastStatusCode == http.StatusOK && b.LastStatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTestDeliveryMarksRequestAndResetsFailures(t *testing.T) {
	srv, captured := captureServer(http.StatusNoContent)
	defer srv.Close()

	repo := repository.NewMemoryRepository()
	wh := seedWebhook(t, repo, srv.URL, "s3cret", "*")
	wh.FailureCount = 3
	require.NoError(t, repo.UpdateWebhook(context.Background(), wh))

	d := NewDispatcher(repo, nil, testLogger())

	status, err := d.Test(context.Background(), wh.ID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)

	requests := captured()
	require.Len(t, requests, 1)
	assert.Equal(t, "true", requests[0].headers.Get("X-Webhook-Test"))

	updated, err := repo.FindWebhookByID(context.Background(), wh.ID)
	require.NoError(t, err)
	assert.Zero(t, updated.FailureCount)
	require.NotNil(t, updated.LastTriggeredAt)
}

func TestSign(t *testing.T) {
	sig := Sign("key", []byte(`{"event":"update.success"}`))
	assert.Regexp(t, "^sha256=[0-9a-f]{64}$", sig)

	// Deterministic for the same inputs, different per secret
	assert.Equal(t, sig, Sign("key", []byte(`{"event":"update.success"}`)))
	assert.NotEqual(t, sig, Sign("other", []byte(`{"event":"update.success"}`)))
}
