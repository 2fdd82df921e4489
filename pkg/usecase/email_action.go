package usecase

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"text/template"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

// SendMailFunc has the signature of smtp.SendMail.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

var emailTemplate = template.Must(template.New("email").Parse(`From: {{.From}}
To: {{.To}}
Subject: [lifemon] {{.Data.Event}} {{.Data.Workflow}}
Date: {{.Date}}
MIME-Version: 1.0
Content-Type: text/plain; charset=UTF-8

Workflow: {{.Data.Workflow}}
Test instance: {{.Data.Instance}}
Build: {{.Data.BuildID}} ({{.Data.Status}})
{{if .Data.BuildURL}}Details: {{.Data.BuildURL}}
{{end}}`))

type emailDeliverer struct {
	config   model.SMTPConfig
	sendMail SendMailFunc
}

type EmailOption func(*emailDeliverer)

func WithSendMail(fn SendMailFunc) EmailOption {
	return func(e *emailDeliverer) { e.sendMail = fn }
}

// NewEmailDeliverer sends one message per recipient through an SMTP relay.
func NewEmailDeliverer(config model.SMTPConfig, opts ...EmailOption) interfaces.Deliverer {
	if config.Port == 0 {
		config.Port = 25
	}
	e := &emailDeliverer{config: config, sendMail: smtp.SendMail}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *emailDeliverer) Deliver(ctx context.Context, n *model.Notification, users []*model.User) error {
	logger := ctxlog.From(ctx)

	data, err := newMessageData(n)
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(e.config.Host, strconv.Itoa(e.config.Port))
	var auth smtp.Auth
	if e.config.Username != "" {
		auth = smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	}

	for _, u := range users {
		if !u.Reachable() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return goerr.Wrap(err, "email delivery interrupted")
		}

		var buf bytes.Buffer
		if err := emailTemplate.Execute(&buf, map[string]any{
			"From": e.config.From,
			"To":   u.Email,
			"Date": n.Created.Format(time.RFC1123Z),
			"Data": data,
		}); err != nil {
			return goerr.Wrap(err, "failed to render email")
		}

		if err := e.sendMail(addr, auth, e.config.From, []string{u.Email}, crlf(buf.Bytes())); err != nil {
			return goerr.Wrap(err, "failed to send email",
				goerr.V("notification", n.ID),
				goerr.V("user", u.ID),
			)
		}
		logger.Debug("email sent",
			slog.String("notification", n.Name),
			slog.String("user", u.ID),
		)
	}
	return nil
}

func crlf(msg []byte) []byte {
	return bytes.ReplaceAll(msg, []byte("\n"), []byte("\r\n"))
}

// String hides credentials when the deliverer is logged.
func (e *emailDeliverer) String() string {
	return fmt.Sprintf("smtp://%s:%d", e.config.Host, e.config.Port)
}
