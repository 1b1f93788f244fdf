// Package notify decides who hears about terminal file entries and delivers
// the message through a pluggable Sender.
//
// Template rendering happens in the external notification service; this
// package only names the template and supplies its parameters. When no
// endpoint is configured a noop sender is returned so the pipeline runs
// without notification infrastructure.
package notify

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"sheetline/internal/config"
)

// Template names understood by the notification service.
const (
	TemplateFileCompleted = "file-completed"
	TemplateFileRejected  = "file-rejected"
	TemplateBatchSummary  = "batch-summary"
)

// Sender delivers one notification to one recipient.
type Sender interface {
	Send(ctx context.Context, recipient, template string, params map[string]string) error
}

// NewSender builds a sender from the Config: HTTP-backed when an endpoint is
// configured, noop otherwise.
func NewSender(cfg *config.Config) Sender {
	if cfg.NotifyEndpoint == "" {
		return noopSender{}
	}
	client := resty.New().
		SetBaseURL(cfg.NotifyEndpoint).
		SetTimeout(cfg.OperationTimeout)
	if cfg.NotifyToken != "" {
		client.SetAuthToken(cfg.NotifyToken)
	}
	return &httpSender{client: client, from: cfg.NotifyFrom}
}

type httpSender struct {
	client *resty.Client
	from   string
}

type sendRequest struct {
	From      string            `json:"from"`
	Recipient string            `json:"recipient"`
	Template  string            `json:"template"`
	Params    map[string]string `json:"params"`
}

func (s *httpSender) Send(ctx context.Context, recipient, template string, params map[string]string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(sendRequest{From: s.from, Recipient: recipient, Template: template, Params: params}).
		Post("/send")
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("send notification: %s responded %s", resp.Request.URL, resp.Status())
	}
	return nil
}

type noopSender struct{}

func (noopSender) Send(ctx context.Context, recipient, template string, params map[string]string) error {
	logrus.WithFields(logrus.Fields{
		"recipient": recipient,
		"template":  template,
	}).Debug("notification suppressed: no endpoint configured")
	return nil
}
