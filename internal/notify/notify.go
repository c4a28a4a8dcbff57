// Package notify reports finished jobs to an external channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"docflow/internal/httpclient"
	"docflow/internal/logging"
	"docflow/internal/orchestrator"
)

// Notifier delivers job outcome notifications.
type Notifier interface {
	NotifyJobFinished(ctx context.Context, job *orchestrator.Job) error
}

// NopNotifier swallows notifications. Used when no channel is configured.
type NopNotifier struct{}

func (NopNotifier) NotifyJobFinished(context.Context, *orchestrator.Job) error { return nil }

// ForChannel builds the notifier named by configuration. Unknown or empty
// channels degrade to a nop.
func ForChannel(channel, webhookURL string, logger logging.Logger) Notifier {
	switch channel {
	case "work_wechat":
		if webhookURL == "" {
			logging.OrNop(logger).Warn("work_wechat channel selected without a webhook URL, notifications disabled")
			return NopNotifier{}
		}
		return NewWorkWechatNotifier(webhookURL, logger)
	default:
		return NopNotifier{}
	}
}

// WorkWechatNotifier posts job outcomes to a WeCom group robot webhook.
type WorkWechatNotifier struct {
	webhookURL string
	client     *http.Client
	logger     logging.Logger
}

// NewWorkWechatNotifier binds the webhook.
func NewWorkWechatNotifier(webhookURL string, logger logging.Logger) *WorkWechatNotifier {
	return &WorkWechatNotifier{
		webhookURL: webhookURL,
		client:     httpclient.New(30*time.Second, logger),
		logger:     logging.OrNop(logger),
	}
}

type wechatReply struct {
	ErrCode int    `json:"errcode"`
	ErrMsg  string `json:"errmsg"`
}

// NotifyJobFinished sends a markdown summary of the job's outcome.
func (n *WorkWechatNotifier) NotifyJobFinished(ctx context.Context, job *orchestrator.Job) error {
	task := job.TaskDescription
	if len(task) > 200 {
		task = task[:200] + "..."
	}
	content := fmt.Sprintf("**Job %s finished: %s**\n> %s", job.JobID, job.Status, task)
	if job.Error != nil {
		content += fmt.Sprintf("\n> error: %s", job.Error.Message)
	}

	body, err := json.Marshal(map[string]any{
		"msgtype":  "markdown",
		"markdown": map[string]string{"content": content},
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	var parsed wechatReply
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("webhook reply: %w", err)
	}
	if parsed.ErrCode != 0 {
		return fmt.Errorf("webhook send error: code=%d msg=%s", parsed.ErrCode, parsed.ErrMsg)
	}
	n.logger.Debug("notified job %s (%s)", job.JobID, job.Status)
	return nil
}
