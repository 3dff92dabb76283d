package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/mender/internal/dispatch"
	"github.com/mattjoyce/mender/internal/issue"
	"github.com/mattjoyce/mender/internal/protocol"
	"github.com/mattjoyce/mender/internal/remediation"
	"github.com/mattjoyce/mender/internal/sandbox"
)

const (
	defaultCommandTimeout = 60 * time.Second
	healthTimeout         = 10 * time.Second
	maxResponseBytes      = 16 << 20
)

// Client talks protocol v1 to one plugin executable. It implements
// remediation.Scanner when the plugin supports scan and
// remediation.FixGenerator when it supports propose.
type Client struct {
	plugin  *Plugin
	timeout time.Duration
	logger  *slog.Logger
}

var (
	_ remediation.Scanner      = (*Client)(nil)
	_ remediation.FixGenerator = (*Client)(nil)
)

// NewClient returns a client for p. timeout bounds each call; zero uses the
// manifest timeout, then a default.
func NewClient(p *Plugin, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = p.Timeout
	}
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		plugin:  p,
		timeout: timeout,
		logger:  logger.With("plugin", p.Name),
	}
}

// Plugin returns the plugin this client invokes.
func (c *Client) Plugin() *Plugin { return c.plugin }

// Scan asks the plugin for the issues in workspace.
func (c *Client) Scan(ctx context.Context, workspace string, filter *issue.Filter) ([]issue.Issue, error) {
	if !c.plugin.SupportsCommand(protocol.CommandScan) {
		return nil, c.fail(protocol.CommandScan, false, fmt.Errorf("plugin does not support scan"))
	}
	resp, err := c.call(ctx, &protocol.Request{
		Command:   protocol.CommandScan,
		Workspace: workspace,
		Filter:    filter,
	}, c.timeout)
	if err != nil {
		return nil, err
	}
	out := make([]issue.Issue, 0, len(resp.Issues))
	for i, is := range resp.Issues {
		if is.File == "" {
			return nil, c.fail(protocol.CommandScan, false, fmt.Errorf("issue %d has no file", i))
		}
		if is.ID == "" {
			is.ID = fmt.Sprintf("%s:%d:%s", is.File, is.Location.Line, is.Category)
		}
		if is.Language == "" {
			is.Language = issue.LanguageFromPath(is.File)
		}
		out = append(out, is)
	}
	// Plugins are not trusted to honour the filter.
	return filter.Apply(out), nil
}

// Propose asks the plugin for a candidate fix.
func (c *Client) Propose(ctx context.Context, req remediation.ProposalRequest) (issue.Candidate, error) {
	if !c.plugin.SupportsCommand(protocol.CommandPropose) {
		return issue.Candidate{}, c.fail(protocol.CommandPropose, false, fmt.Errorf("plugin does not support propose"))
	}
	is := req.Issue
	resp, err := c.call(ctx, &protocol.Request{
		Command:   protocol.CommandPropose,
		SessionID: req.SessionID,
		Workspace: req.Workspace,
		Issue:     &is,
		Attempt:   req.Attempt,
		Previous:  feedback(req.Previous),
	}, c.timeout)
	if err != nil {
		return issue.Candidate{}, err
	}
	if resp.Candidate == nil {
		return issue.Candidate{}, c.fail(protocol.CommandPropose, true, fmt.Errorf("response has no candidate"))
	}

	cand := *resp.Candidate
	cand.IssueID = is.ID
	if cand.File == "" {
		cand.File = is.File
	}
	if cand.Language == "" {
		cand.Language = is.Lang()
	}
	if cand.ModelID == "" {
		cand.ModelID = c.plugin.Name
	}
	if cand.Confidence < 0 || cand.Confidence > 1 {
		return issue.Candidate{}, c.fail(protocol.CommandPropose, true, fmt.Errorf("confidence %v outside [0,1]", cand.Confidence))
	}
	return cand, nil
}

// Health runs the plugin's health command if it has one.
func (c *Client) Health(ctx context.Context) error {
	if !c.plugin.SupportsCommand(protocol.CommandHealth) {
		return nil
	}
	_, err := c.call(ctx, &protocol.Request{Command: protocol.CommandHealth}, healthTimeout)
	return err
}

func (c *Client) call(ctx context.Context, req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	req.Protocol = protocol.Version
	req.RequestID = uuid.NewString()
	req.Config = c.plugin.Config
	req.DeadlineAt = time.Now().Add(timeout).UTC()

	var stdin bytes.Buffer
	if err := protocol.EncodeRequest(&stdin, req); err != nil {
		return nil, c.fail(req.Command, false, err)
	}

	logger := c.logger.With("command", req.Command, "request_id", req.RequestID)
	logger.Debug("invoking plugin", "entrypoint", c.plugin.Entrypoint, "timeout", timeout)

	out, err := dispatch.Run(ctx, dispatch.Command{
		Path:      c.plugin.Entrypoint,
		Dir:       c.plugin.Path,
		Env:       append(os.Environ(), "MENDER_PROTOCOL=1"),
		Stdin:     &stdin,
		Timeout:   timeout,
		MaxStdout: maxResponseBytes,
	}, logger)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, dispatch.ErrTimeout):
			logger.Warn("plugin timed out", "timeout", timeout)
			return nil, c.fail(req.Command, true, err)
		default:
			return nil, c.fail(req.Command, false, err)
		}
	}
	if out.Stderr != "" {
		logger.Debug("plugin stderr", "stderr", out.Stderr)
	}
	if out.StdoutTruncated {
		return nil, c.fail(req.Command, false, fmt.Errorf("response exceeded %d bytes", maxResponseBytes))
	}

	resp, raw, err := protocol.DecodeResponseLenient(bytes.NewReader(out.Stdout))
	if err != nil {
		logger.Error("failed to decode plugin response", "error", err, "exit_code", out.ExitCode, "stdout", truncate(string(raw), 512))
		return nil, c.fail(req.Command, true, fmt.Errorf("decode response: %w", err))
	}
	for _, entry := range resp.Logs {
		logger.Log(ctx, pluginLevel(entry.Level), entry.Message, "source", "plugin")
	}
	if resp.Status == "error" {
		logger.Warn("plugin returned error", "error", resp.Error)
		return nil, c.fail(req.Command, resp.ShouldRetry(), errors.New(resp.Error))
	}
	if out.ExitCode != 0 {
		logger.Warn("plugin exited with non-zero status after a valid response", "exit_code", out.ExitCode)
	}
	return resp, nil
}

func (c *Client) fail(op string, retryable bool, err error) error {
	return &remediation.CollaboratorError{
		Collaborator: c.plugin.Name,
		Op:           op,
		Retryable:    retryable,
		Err:          err,
	}
}

// feedback turns a rejecting verdict into what the plugin sees on a retry.
func feedback(v *sandbox.Verdict) *protocol.Feedback {
	if v == nil {
		return nil
	}
	fb := &protocol.Feedback{Candidate: v.Candidate, Reason: string(v.Reason)}
	for _, f := range v.Failures() {
		fb.Failures = append(fb.Failures, protocol.CheckFailure{Kind: string(f.Kind), Message: f.Message})
	}
	return fb
}

func pluginLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
