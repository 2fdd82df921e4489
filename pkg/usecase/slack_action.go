package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/cenkalti/backoff/v5"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

const defaultSlackMessage = "{{.Event}}: {{.Workflow}} build {{.BuildID}} on {{.Instance}}"

type slackDeliverer struct {
	config     model.SlackConfig
	tmpl       *template.Template
	httpClient *http.Client
	clock      clock.Clock
	newBackOff func() backoff.BackOff
	maxTries   uint
}

type SlackOption func(*slackDeliverer)

func WithSlackHTTPClient(client *http.Client) SlackOption {
	return func(s *slackDeliverer) { s.httpClient = client }
}

func WithSlackBackOff(fn func() backoff.BackOff) SlackOption {
	return func(s *slackDeliverer) { s.newBackOff = fn }
}

func WithSlackClock(clk clock.Clock) SlackOption {
	return func(s *slackDeliverer) { s.clock = clk }
}

// NewSlackDeliverer posts notifications to a Slack incoming webhook.
func NewSlackDeliverer(config model.SlackConfig, opts ...SlackOption) (interfaces.Deliverer, error) {
	message := config.Message
	if message == "" {
		message = defaultSlackMessage
	}
	tmpl, err := template.New("message").Parse(message)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to parse slack message template")
	}

	s := &slackDeliverer{
		config: config,
		tmpl:   tmpl,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		clock: clock.NewClock(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			return b
		},
		maxTries: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// messageData is exposed to the message template.
type messageData struct {
	Event     string
	Workflow  string
	Instance  string
	BuildID   string
	BuildURL  string
	Status    string
	Timestamp time.Time
}

func newMessageData(n *model.Notification) (*messageData, error) {
	build, err := n.Build()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to decode notification build", goerr.V("notification", n.ID))
	}
	return &messageData{
		Event:     n.Event.String(),
		Workflow:  n.WorkflowID,
		Instance:  n.InstanceID,
		BuildID:   build.ID,
		BuildURL:  build.URL,
		Status:    string(build.Status),
		Timestamp: n.Created,
	}, nil
}

// Deliver posts one message per notification; users are ignored.
func (s *slackDeliverer) Deliver(ctx context.Context, n *model.Notification, _ []*model.User) error {
	logger := ctxlog.From(ctx)

	webhookURL := os.ExpandEnv(s.config.WebhookURL)
	if webhookURL == "" {
		return goerr.New("webhook URL is empty after expansion")
	}

	data, err := newMessageData(n)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, data); err != nil {
		return goerr.Wrap(err, "failed to execute message template")
	}
	message := buf.String()

	payload := model.SlackPayload{
		UserName:  s.config.UserName,
		IconEmoji: s.config.IconEmoji,
	}

	color := s.config.Color
	if color == "" {
		color = "danger"
		if n.Event == model.EventBuildRecovered {
			color = "good"
		}
	}
	payload.Attachments = []model.SlackAttachment{
		{
			Color:     color,
			Title:     data.BuildID,
			TitleLink: data.BuildURL,
			Text:      message,
			Footer:    fmt.Sprintf("lifemon - %s", n.WorkflowID),
			Timestamp: s.clock.Now().Unix(),
			Fields: []model.SlackField{
				{Title: "Event", Value: data.Event, Short: true},
				{Title: "Instance", Value: data.Instance, Short: true},
			},
		},
	}

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.send(ctx, webhookURL, payload)
	},
		backoff.WithBackOff(s.newBackOff()),
		backoff.WithMaxTries(s.maxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warn("failed to send Slack notification, retrying",
				slog.Duration("backoff", d),
				slog.Any("error", err),
			)
		}),
	)
	if err != nil {
		return goerr.Wrap(err, "failed to send slack notification", goerr.V("notification", n.ID))
	}

	logger.Debug("Slack notification sent", slog.String("notification", n.Name))
	return nil
}

func (s *slackDeliverer) send(ctx context.Context, webhookURL string, payload model.SlackPayload) error {
	logger := ctxlog.From(ctx)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(goerr.Wrap(err, "failed to marshal slack payload"))
	}

	logger.Debug("Sending to Slack",
		slog.String("webhook_url", maskWebhookURL(webhookURL)),
		slog.String("payload", string(jsonData)),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(jsonData))
	if err != nil {
		return backoff.Permanent(goerr.Wrap(err, "failed to create request"))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return goerr.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = goerr.New("slack webhook returned error",
		goerr.V("status", resp.StatusCode),
		goerr.V("body", string(body)),
	)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		if sec, convErr := strconv.Atoi(resp.Header.Get("Retry-After")); convErr == nil {
			return backoff.RetryAfter(sec)
		}
		return err
	case resp.StatusCode >= 500:
		return err
	default:
		return backoff.Permanent(err)
	}
}

// maskWebhookURL hides the secret path of a webhook for logging.
func maskWebhookURL(url string) string {
	if strings.Contains(url, "hooks.slack.com") {
		parts := strings.Split(url, "/")
		if len(parts) > 3 {
			for i := len(parts) - 3; i < len(parts); i++ {
				if len(parts[i]) > 4 {
					parts[i] = parts[i][:2] + "***"
				}
			}
			return strings.Join(parts, "/")
		}
	}
	if len(url) > 20 {
		return url[:20] + "***"
	}
	return "***"
}
