package usecase

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain/interfaces"
	"github.com/m-mizutani/lifemon/pkg/domain/model"
)

type commandDeliverer struct {
	config model.CommandConfig
}

// NewCommandDeliverer hands every notification to a local command.
func NewCommandDeliverer(config model.CommandConfig) interfaces.Deliverer {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &commandDeliverer{config: config}
}

func (c *commandDeliverer) Deliver(ctx context.Context, n *model.Notification, _ []*model.User) error {
	logger := ctxlog.From(ctx)

	data, err := newMessageData(n)
	if err != nil {
		return err
	}

	env := commandEnv(data)
	env = append(env, c.config.Env...)

	if err := c.execute(ctx, env); err != nil {
		logger.Error("Command execution failed",
			slog.String("command", c.config.Command),
			slog.Any("args", c.config.Args),
			slog.Duration("timeout", c.config.Timeout),
			slog.Any("error", err),
		)
		return goerr.Wrap(err, "command execution failed", goerr.V("notification", n.ID))
	}

	logger.Debug("Command executed successfully",
		slog.String("command", c.config.Command),
		slog.String("notification", n.Name),
	)
	return nil
}

func commandEnv(data *messageData) []string {
	env := os.Environ()
	vars := map[string]string{
		"LIFEMON_EVENT":     data.Event,
		"LIFEMON_BUILD_ID":  data.BuildID,
		"LIFEMON_BUILD_URL": data.BuildURL,
		"LIFEMON_WORKFLOW":  data.Workflow,
		"LIFEMON_INSTANCE":  data.Instance,
	}
	for key, value := range vars {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env
}

func (c *commandDeliverer) execute(ctx context.Context, env []string) error {
	logger := ctxlog.From(ctx)

	cmdCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	command := expandPath(c.config.Command)
	args := make([]string, len(c.config.Args))
	for i, arg := range c.config.Args {
		args[i] = os.ExpandEnv(arg)
	}

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" && strings.HasSuffix(strings.ToLower(command), ".ps1") {
		psArgs := append([]string{"-ExecutionPolicy", "Bypass", "-File", command}, args...)
		cmd = exec.CommandContext(cmdCtx, "powershell", psArgs...) // #nosec G204 - command is from config file
	} else {
		cmd = exec.CommandContext(cmdCtx, command, args...) // #nosec G204 - command is from config file
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("Executing command",
		slog.String("command", command),
		slog.Any("args", args),
		slog.Duration("timeout", c.config.Timeout),
	)

	err := cmd.Run()

	if stdout.Len() > 0 {
		logger.Debug("Command stdout",
			slog.String("command", command),
			slog.String("stdout", stdout.String()),
		)
	}
	if stderr.Len() > 0 {
		logger.Debug("Command stderr",
			slog.String("command", command),
			slog.String("stderr", stderr.String()),
		)
	}

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return goerr.New("command timed out", goerr.V("timeout", c.config.Timeout))
		}
		return goerr.Wrap(err, "command failed", goerr.V("stderr", stderr.String()))
	}
	return nil
}

// expandPath expands a leading ~ and environment variables.
func expandPath(path string) string {
	path = os.ExpandEnv(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
