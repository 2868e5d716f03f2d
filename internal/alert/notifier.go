// Package alert posts operational alerts to a configured webhook.
// Unconfigured deployments get a no-op notifier so callers never branch.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/serpco/storefront/internal/config"
	"go.uber.org/zap"
)

const postTimeout = 10 * time.Second

type Notifier interface {
	Notify(ctx context.Context, subject string, fields map[string]any) error
}

type noop struct{}

func (noop) Notify(ctx context.Context, subject string, fields map[string]any) error {
	return nil
}

type webhookNotifier struct {
	url  string
	http *http.Client
	log  *zap.Logger
}

func NewNotifier(cfg config.Config, log *zap.Logger) Notifier {
	if cfg.Alert.WebhookURL == "" {
		return noop{}
	}
	return &webhookNotifier{
		url:  cfg.Alert.WebhookURL,
		http: &http.Client{Timeout: postTimeout},
		log:  log.Named("alert"),
	}
}

func (n *webhookNotifier) Notify(ctx context.Context, subject string, fields map[string]any) error {
	var b strings.Builder
	b.WriteString(subject)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %v", k, fields[k])
	}

	payload, err := json.Marshal(map[string]string{"text": b.String()})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		n.log.Error("alert post failed", zap.Error(err))
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("alert post failed: %s", resp.Status)
		n.log.Error("alert post rejected", zap.Int("status", resp.StatusCode))
		return err
	}
	return nil
}
