package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/apsgrid/otaserver/internal/messaging"
	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/repository"

	"github.com/sirupsen/logrus"
)

// Lifecycle events webhooks can subscribe to, or "*" for all
const (
	EventUpdateSuccess = "update.success"
	EventUpdateFailed  = "update.failed"
	EventDeviceAtRisk  = "device.at_risk"
	EventDeviceOffline = "device.offline"
	EventRolloutStage  = "rollout.stage_advanced"
	EventRolloutPaused = "rollout.paused"
)

const dispatchTimeout = 10 * time.Second

// payload is the JSON body posted to webhook endpoints
type payload struct {
	Event     string      `json:"event"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// Dispatcher fans lifecycle events out to subscribed webhook endpoints.
// Delivery is one-shot: no retries, no dead-letter. Failures surface
// through each webhook's failure count.
type Dispatcher interface {
	Dispatch(event string, data interface{})
	Test(ctx context.Context, id uint) (int, error)
}

type dispatcher struct {
	repo      repository.Repository
	publisher messaging.EventPublisher
	client    *http.Client
	timeout   time.Duration // budget per delivery, not per dispatch
	logger    *logrus.Logger
}

// NewDispatcher creates a webhook dispatcher. Every dispatched event is
// also mirrored to the message queue publisher.
func NewDispatcher(repo repository.Repository, publisher messaging.EventPublisher, logger *logrus.Logger) Dispatcher {
	return &dispatcher{
		repo:      repo,
		publisher: publisher,
		client:    &http.Client{Timeout: dispatchTimeout},
		timeout:   dispatchTimeout,
		logger:    logger,
	}
}

// Dispatch posts the event to every active, subscribed webhook. It
// runs asynchronously; callers never block on delivery.
func (d *dispatcher) Dispatch(event string, data interface{}) {
	go d.dispatch(event, data)
}

func (d *dispatcher) dispatch(event string, data interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	if d.publisher != nil {
		if err := d.publisher.PublishEvent(ctx, event, data); err != nil {
			d.logger.WithError(err).WithField("event", event).
				Warn("Failed to mirror event to message queue")
		}
	}

	webhooks, err := d.repo.ListActiveWebhooks(ctx)
	if err != nil {
		d.logger.WithError(err).Error("Failed to list webhooks for dispatch")
		return
	}

	// Deliveries are sequential; each endpoint gets its own full budget
	// so a slow subscriber cannot starve the ones after it.
	for _, wh := range webhooks {
		if !wh.SubscribesTo(event) {
			continue
		}
		d.deliverOne(wh, event, data)
	}
}

func (d *dispatcher) deliverOne(wh *models.Webhook, event string, data interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	statusCode, err := d.deliver(ctx, wh, event, data, nil)

	recordCtx, cancelRecord := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelRecord()
	d.record(recordCtx, wh, statusCode, err)
}

// deliver posts one event to one webhook and returns the status code
func (d *dispatcher) deliver(ctx context.Context, wh *models.Webhook, event string, data interface{}, extraHeaders map[string]string) (int, error) {
	body, err := json.Marshal(payload{
		Event:     event,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", event)
	req.Header.Set("X-Webhook-Timestamp", time.Now().UTC().Format(time.RFC3339))
	if wh.Secret != "" {
		req.Header.Set("X-Webhook-Signature", Sign(wh.Secret, body))
	}
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// record updates delivery bookkeeping on the webhook row
func (d *dispatcher) record(ctx context.Context, wh *models.Webhook, statusCode int, deliverErr error) {
	now := time.Now()
	wh.LastTriggeredAt = &now
	wh.LastStatusCode = statusCode
	if deliverErr != nil {
		wh.FailureCount++
		d.logger.WithError(deliverErr).WithFields(logrus.Fields{
			"webhook": wh.Name,
			"url":     wh.URL,
		}).Warn("Webhook delivery failed")
	} else {
		wh.FailureCount = 0
	}

	if err := d.repo.UpdateWebhook(ctx, wh); err != nil {
		d.logger.WithError(err).WithField("webhook", wh.Name).
			Error("Failed to record webhook delivery state")
	}
}

// Test sends a synthetic update.success event to one webhook and
// returns the response status code.
func (d *dispatcher) Test(ctx context.Context, id uint) (int, error) {
	wh, err := d.repo.FindWebhookByID(ctx, id)
	if err != nil {
		return 0, err
	}

	statusCode, err := d.deliver(ctx, wh, EventUpdateSuccess,
		map[string]interface{}{"test": true},
		map[string]string{"X-Webhook-Test": "true"})
	d.record(ctx, wh, statusCode, err)
	return statusCode, err
}

// Sign computes the signature header value over a raw payload body
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
