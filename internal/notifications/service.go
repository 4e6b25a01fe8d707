package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"modelcall/internal/config"
)

const userAgent = "modelcall/0.1"

// RunReport summarizes a finished run for an alert.
type RunReport struct {
	Input     string
	Output    string
	Succeeded int
	Failed    int
	Abandoned int
	Duration  time.Duration
}

// Service defines the notification surface used by the batch runner.
type Service interface {
	NotifyRunCompleted(ctx context.Context, report RunReport) error
	NotifyRunInterrupted(ctx context.Context, report RunReport) error
	NotifyRunFailed(ctx context.Context, report RunReport, err error) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		minItems: cfg.Notifications.MinItems,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	minItems int
}

func (n *ntfyService) NotifyRunCompleted(ctx context.Context, report RunReport) error {
	if report.Succeeded+report.Failed < n.minItems {
		return nil
	}
	title := "modelcall - Run Complete"
	if report.Failed > 0 {
		title = "modelcall - Run Complete (with errors)"
	}
	data := payload{
		title:   title,
		message: fmt.Sprintf("%s: %d succeeded, %d failed in %s", inputName(report), report.Succeeded, report.Failed, formatDuration(report.Duration)),
		tags:    []string{"modelcall", "run", "completed"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRunInterrupted(ctx context.Context, report RunReport) error {
	data := payload{
		title: "modelcall - Run Interrupted",
		message: fmt.Sprintf("%s: stopped after %d succeeded, %d failed (%d abandoned); rerun to resume",
			inputName(report), report.Succeeded, report.Failed, report.Abandoned),
		tags: []string{"modelcall", "run", "interrupted"},
	}
	return n.send(ctx, data)
}

func (n *ntfyService) NotifyRunFailed(ctx context.Context, report RunReport, err error) error {
	var builder strings.Builder
	builder.WriteString(inputName(report))
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown error")
	}
	data := payload{
		title:    "modelcall - Run Failed",
		message:  builder.String(),
		tags:     []string{"modelcall", "error", "alert"},
		priority: "high",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	data := payload{
		title:    "modelcall - Test",
		message:  "Notification system test",
		tags:     []string{"modelcall", "test"},
		priority: "low",
	}
	return n.send(ctx, data)
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func inputName(report RunReport) string {
	name := filepath.Base(strings.TrimSpace(report.Input))
	if name == "." || name == "" {
		return "batch"
	}
	return name
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	return d.String()
}

type noopService struct{}

func (noopService) NotifyRunCompleted(context.Context, RunReport) error     { return nil }
func (noopService) NotifyRunInterrupted(context.Context, RunReport) error   { return nil }
func (noopService) NotifyRunFailed(context.Context, RunReport, error) error { return nil }
func (noopService) TestNotification(context.Context) error                  { return nil }
