package usecase_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
	"github.com/m-mizutani/lifemon/pkg/usecase"
)

func newTestNotification(t *testing.T, event model.EventType) *model.Notification {
	t.Helper()
	data, err := json.Marshal(&model.BuildRecord{
		ID:     "42",
		Status: model.BuildStatusFailed,
		URL:    "https://ci.example.org/job/tests/42/",
	})
	gt.NoError(t, err)
	return &model.Notification{
		ID:         "n1",
		Name:       "42@inst-1 FAILED",
		Event:      event,
		WorkflowID: "wf-1",
		InstanceID: "inst-1",
		Data:       data,
		Created:    time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func TestSlackDeliverer(t *testing.T) {
	t.Run("Send default message", func(t *testing.T) {
		var received model.SlackPayload
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gt.Equal(t, r.Method, http.MethodPost)
			gt.Equal(t, r.Header.Get("Content-Type"), "application/json")
			gt.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		}))
		defer server.Close()

		d, err := usecase.NewSlackDeliverer(model.SlackConfig{WebhookURL: server.URL, UserName: "lifemon"})
		gt.NoError(t, err)
		gt.NoError(t, d.Deliver(context.Background(), newTestNotification(t, model.EventBuildFailed), nil))

		gt.Equal(t, received.Text, "")
		gt.Equal(t, received.UserName, "lifemon")
		gt.Equal(t, len(received.Attachments), 1)
		gt.Equal(t, received.Attachments[0].Color, "danger")
		gt.Equal(t, received.Attachments[0].Text, "BUILD_FAILED: wf-1 build 42 on inst-1")
		gt.Equal(t, received.Attachments[0].TitleLink, "https://ci.example.org/job/tests/42/")
		gt.Equal(t, received.Attachments[0].Fields, []model.SlackField{
			{Title: "Event", Value: "BUILD_FAILED", Short: true},
			{Title: "Instance", Value: "inst-1", Short: true},
		})
	})

	t.Run("Recovered notification is green with custom template", func(t *testing.T) {
		var received model.SlackPayload
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gt.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		d, err := usecase.NewSlackDeliverer(model.SlackConfig{
			WebhookURL: server.URL,
			Message:    "{{.Workflow}} is {{.Status}}",
		})
		gt.NoError(t, err)
		gt.NoError(t, d.Deliver(context.Background(), newTestNotification(t, model.EventBuildRecovered), nil))
		gt.Equal(t, received.Attachments[0].Color, "good")
		gt.Equal(t, received.Attachments[0].Text, "wf-1 is failed")
	})

	t.Run("Retry on server error", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		d, err := usecase.NewSlackDeliverer(model.SlackConfig{WebhookURL: server.URL}, usecase.WithSlackBackOff(fastBackOff))
		gt.NoError(t, err)
		gt.NoError(t, d.Deliver(context.Background(), newTestNotification(t, model.EventBuildFailed), nil))
		gt.Equal(t, atomic.LoadInt32(&calls), int32(3))
	})

	t.Run("Give up after max tries", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		d, err := usecase.NewSlackDeliverer(model.SlackConfig{WebhookURL: server.URL}, usecase.WithSlackBackOff(fastBackOff))
		gt.NoError(t, err)
		gt.Error(t, d.Deliver(context.Background(), newTestNotification(t, model.EventBuildFailed), nil))
		gt.Equal(t, atomic.LoadInt32(&calls), int32(3))
	})

	t.Run("Client error is not retried", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		d, err := usecase.NewSlackDeliverer(model.SlackConfig{WebhookURL: server.URL}, usecase.WithSlackBackOff(fastBackOff))
		gt.NoError(t, err)
		gt.Error(t, d.Deliver(context.Background(), newTestNotification(t, model.EventBuildFailed), nil))
		gt.Equal(t, atomic.LoadInt32(&calls), int32(1))
	})

	t.Run("Webhook URL from environment", func(t *testing.T) {
		var called atomic.Bool
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called.Store(true)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()
		t.Setenv("TEST_LIFEMON_WEBHOOK", server.URL)

		d, err := usecase.NewSlackDeliverer(model.SlackConfig{WebhookURL: "${TEST_LIFEMON_WEBHOOK}"})
		gt.NoError(t, err)
		gt.NoError(t, d.Deliver(context.Background(), newTestNotification(t, model.EventBuildFailed), nil))
		gt.True(t, called.Load())
	})

	t.Run("Invalid template", func(t *testing.T) {
		_, err := usecase.NewSlackDeliverer(model.SlackConfig{WebhookURL: "https://x", Message: "{{.Broken"})
		gt.Error(t, err)
	})
}

func TestMaskWebhookURL(t *testing.T) {
	testCases := []struct {
		name string
		url  string
		want string
	}{
		{"slack", "https://hooks.slack.com/services/T0000000/B0000000/XXXXXXXX", "https://hooks.slack.com/services/T0***/B0***/XX***"},
		{"long other", "https://example.org/webhook/secret", "https://example.org/***"},
		{"short", "http://x", "***"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gt.Equal(t, usecase.MaskWebhookURL(tc.url), tc.want)
		})
	}
}
