package usecase_test

import (
	"context"
	"errors"
	"net/smtp"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
	"github.com/m-mizutani/lifemon/pkg/usecase"
)

func TestCommandDeliverer(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not available on Windows")
	}

	t.Run("Execute simple command", func(t *testing.T) {
		d := usecase.NewCommandDeliverer(model.CommandConfig{Command: "echo", Args: []string{"test"}})
		gt.NoError(t, d.Deliver(context.Background(), newTestNotification(t, model.EventBuildFailed), nil))
	})

	t.Run("Command receives notification environment", func(t *testing.T) {
		dir := t.TempDir()
		out := filepath.Join(dir, "out.txt")
		script := filepath.Join(dir, "hook.sh")
		content := "#!/bin/sh\necho \"$LIFEMON_EVENT $LIFEMON_BUILD_ID $LIFEMON_WORKFLOW $LIFEMON_BUILD_URL $CUSTOM\" > \"$1\"\n"
		gt.NoError(t, os.WriteFile(script, []byte(content), 0700))

		d := usecase.NewCommandDeliverer(model.CommandConfig{
			Command: script,
			Args:    []string{out},
			Env:     []string{"CUSTOM=extra"},
		})
		gt.NoError(t, d.Deliver(context.Background(), newTestNotification(t, model.EventBuildFailed), nil))

		data, err := os.ReadFile(out)
		gt.NoError(t, err)
		gt.Equal(t, strings.TrimSpace(string(data)), "BUILD_FAILED 42 wf-1 https://ci.example.org/job/tests/42/ extra")
	})

	t.Run("Command with timeout", func(t *testing.T) {
		d := usecase.NewCommandDeliverer(model.CommandConfig{
			Command: "sleep",
			Args:    []string{"5"},
			Timeout: 100 * time.Millisecond,
		})
		err := d.Deliver(context.Background(), newTestNotification(t, model.EventBuildFailed), nil)
		gt.Error(t, err)
		gt.True(t, strings.Contains(err.Error(), "timed out"))
	})

	t.Run("Command failure", func(t *testing.T) {
		d := usecase.NewCommandDeliverer(model.CommandConfig{Command: "false"})
		gt.Error(t, d.Deliver(context.Background(), newTestNotification(t, model.EventBuildFailed), nil))
	})

	t.Run("Invalid command", func(t *testing.T) {
		d := usecase.NewCommandDeliverer(model.CommandConfig{Command: "/nonexistent/lifemon-hook"})
		gt.Error(t, d.Deliver(context.Background(), newTestNotification(t, model.EventBuildFailed), nil))
	})

	t.Run("Environment variable expansion in args", func(t *testing.T) {
		dir := t.TempDir()
		out := filepath.Join(dir, "expanded.txt")
		t.Setenv("LIFEMON_TEST_OUT", out)

		d := usecase.NewCommandDeliverer(model.CommandConfig{
			Command: "sh",
			Args:    []string{"-c", "echo ok > ${LIFEMON_TEST_OUT}"},
		})
		gt.NoError(t, d.Deliver(context.Background(), newTestNotification(t, model.EventBuildFailed), nil))

		data, err := os.ReadFile(out)
		gt.NoError(t, err)
		gt.Equal(t, strings.TrimSpace(string(data)), "ok")
	})
}

type sentMail struct {
	addr string
	from string
	to   []string
	msg  string
}

func TestEmailDeliverer(t *testing.T) {
	users := []*model.User{
		{ID: "u1", Email: "alice@example.org", NotificationsEnabled: true},
		{ID: "u2", Email: "bob@example.org"},
		{ID: "u3", NotificationsEnabled: true},
	}

	t.Run("Send to reachable users only", func(t *testing.T) {
		var sent []sentMail
		d := usecase.NewEmailDeliverer(model.SMTPConfig{Host: "smtp.example.org", From: "lifemon@example.org"},
			usecase.WithSendMail(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
				gt.Nil(t, a)
				sent = append(sent, sentMail{addr: addr, from: from, to: to, msg: string(msg)})
				return nil
			}))

		gt.NoError(t, d.Deliver(context.Background(), newTestNotification(t, model.EventBuildFailed), users))
		gt.Equal(t, len(sent), 1)
		gt.Equal(t, sent[0].addr, "smtp.example.org:25")
		gt.Equal(t, sent[0].from, "lifemon@example.org")
		gt.Equal(t, sent[0].to, []string{"alice@example.org"})
		gt.True(t, strings.Contains(sent[0].msg, "Subject: [lifemon] BUILD_FAILED wf-1\r\n"))
		gt.True(t, strings.Contains(sent[0].msg, "Details: https://ci.example.org/job/tests/42/"))
	})

	t.Run("Authenticates when username is set", func(t *testing.T) {
		var auth smtp.Auth
		d := usecase.NewEmailDeliverer(model.SMTPConfig{Host: "smtp.example.org", Port: 587, Username: "u", Password: "p", From: "x@example.org"},
			usecase.WithSendMail(func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
				gt.Equal(t, addr, "smtp.example.org:587")
				auth = a
				return nil
			}))
		gt.NoError(t, d.Deliver(context.Background(), newTestNotification(t, model.EventBuildFailed), users[:1]))
		gt.NotNil(t, auth)
	})

	t.Run("Send failure is returned", func(t *testing.T) {
		d := usecase.NewEmailDeliverer(model.SMTPConfig{Host: "smtp.example.org", From: "x@example.org"},
			usecase.WithSendMail(func(string, smtp.Auth, string, []string, []byte) error {
				return errors.New("connection refused")
			}))
		gt.Error(t, d.Deliver(context.Background(), newTestNotification(t, model.EventBuildFailed), users))
	})
}

type recordingDeliverer struct {
	names []string
	err   error
}

func (r *recordingDeliverer) Deliver(_ context.Context, n *model.Notification, _ []*model.User) error {
	r.names = append(r.names, n.Name)
	return r.err
}

func TestMultiDeliverer(t *testing.T) {
	ok := &recordingDeliverer{}
	broken := &recordingDeliverer{err: errors.New("broken")}
	last := &recordingDeliverer{}

	d := usecase.NewMultiDeliverer(ok, broken, last)
	err := d.Deliver(context.Background(), newTestNotification(t, model.EventBuildFailed), nil)
	gt.Error(t, err)
	gt.True(t, strings.Contains(err.Error(), "broken"))
	gt.Equal(t, ok.names, []string{"42@inst-1 FAILED"})
	gt.Equal(t, last.names, []string{"42@inst-1 FAILED"})

	gt.NoError(t, usecase.NewMultiDeliverer().Deliver(context.Background(), newTestNotification(t, model.EventBuildFailed), nil))
}

func TestNewDeliverers(t *testing.T) {
	mailer, announcer, err := usecase.NewDeliverers(model.DeliveryConfig{})
	gt.NoError(t, err)
	gt.Nil(t, mailer)
	gt.NotNil(t, announcer)

	mailer, _, err = usecase.NewDeliverers(model.DeliveryConfig{
		SMTP:    &model.SMTPConfig{Host: "h", From: "f"},
		Command: &model.CommandConfig{Command: "true"},
	})
	gt.NoError(t, err)
	gt.NotNil(t, mailer)

	_, _, err = usecase.NewDeliverers(model.DeliveryConfig{Slack: &model.SlackConfig{WebhookURL: "x", Message: "{{"}})
	gt.Error(t, err)
}
