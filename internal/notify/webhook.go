package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"livestory/internal/config"
)

const (
	defaultWebhookTimeout = 5 * time.Second
	webhookMaxRetries     = 2

	// SignatureHeader carries "sha256=" and the hex HMAC-SHA256 of the
	// request body keyed by the hook's secret.
	SignatureHeader = "X-Livestory-Signature"
)

// Sign returns the SignatureHeader value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type webhookStatusError struct {
	status int
	body   string
}

func (e *webhookStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

// WebhookPublisher POSTs summaries to configured URLs from a background
// worker. Publish never blocks on delivery; summaries for a project that are
// not yet delivered are replaced by newer ones.
type WebhookPublisher struct {
	hooks  []config.WebhookConfig
	client *http.Client
	logger *slog.Logger

	mu        sync.Mutex
	pending   map[string]Summary
	delivered map[string]int64
	wake      chan struct{}
}

var _ Publisher = (*WebhookPublisher)(nil)

func NewWebhookPublisher(hooks []config.WebhookConfig, logger *slog.Logger) *WebhookPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	var enabled []config.WebhookConfig
	for _, hook := range hooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		enabled = append(enabled, hook)
	}
	return &WebhookPublisher{
		hooks:   enabled,
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		logger:  logger,
		pending:   map[string]Summary{},
		delivered: map[string]int64{},
		wake:      make(chan struct{}, 1),
	}
}

func (w *WebhookPublisher) Enabled() bool {
	return len(w.hooks) > 0
}

func (w *WebhookPublisher) Publish(_ context.Context, s Summary) error {
	if !w.Enabled() {
		return nil
	}
	w.mu.Lock()
	if prev, ok := w.pending[s.ProjectID]; ok && s.Older(prev) {
		w.mu.Unlock()
		return nil
	}
	if seq, ok := w.delivered[s.ProjectID]; ok && s.Seq < seq {
		w.mu.Unlock()
		return nil
	}
	w.pending[s.ProjectID] = s
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run delivers queued summaries until ctx is done.
func (w *WebhookPublisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
			w.flush(ctx)
		}
	}
}

func (w *WebhookPublisher) flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = map[string]Summary{}
	w.mu.Unlock()
	for _, s := range batch {
		w.mu.Lock()
		if seq, ok := w.delivered[s.ProjectID]; !ok || s.Seq > seq {
			w.delivered[s.ProjectID] = s.Seq
		}
		w.mu.Unlock()
		for _, hook := range w.hooks {
			if err := w.deliver(ctx, hook, s); err != nil {
				w.logger.Warn("webhook delivery failed", "url", hook.URL, "project_id", s.ProjectID, "error", err)
			}
		}
	}
}

// deliver retries transport errors and 5xx responses; 4xx is final.
func (w *WebhookPublisher) deliver(ctx context.Context, hook config.WebhookConfig, s Summary) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(func() error {
		err := w.post(ctx, hook, s)
		var statusErr *webhookStatusError
		if errors.As(err, &statusErr) && statusErr.status < 500 {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, webhookMaxRetries), ctx))
}

func (w *WebhookPublisher) post(ctx context.Context, hook config.WebhookConfig, s Summary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := w.client
	if timeout != w.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Livestory-Event", "pending.summary")
	req.Header.Set("X-Livestory-Project", s.ProjectID)
	req.Header.Set("X-Livestory-Digest", s.Digest)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set(SignatureHeader, Sign(hook.Secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &webhookStatusError{status: res.StatusCode, body: strings.TrimSpace(string(body))}
	}
	return nil
}
