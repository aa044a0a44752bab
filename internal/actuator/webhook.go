package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// LightsWebhook POSTs a small JSON body to a lighting-scene webhook. A URL
// template with a {scene} placeholder takes precedence over the fixed URL.
type LightsWebhook struct {
	log *slog.Logger

	url         string
	urlTemplate string
	timeout     time.Duration
	client      *http.Client
}

type LightsWebhookOptions struct {
	Logger      *slog.Logger
	URL         string
	URLTemplate string
	Timeout     time.Duration
}

func NewLightsWebhook(opts LightsWebhookOptions) *LightsWebhook {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &LightsWebhook{
		log:         logger,
		url:         strings.TrimSpace(opts.URL),
		urlTemplate: strings.TrimSpace(opts.URLTemplate),
		timeout:     timeout,
		client:      &http.Client{Timeout: timeout},
	}
}

func (w *LightsWebhook) buildURL(scene string) (string, error) {
	if w.urlTemplate != "" {
		return strings.ReplaceAll(w.urlTemplate, "{scene}", url.QueryEscape(scene)), nil
	}
	if w.url != "" {
		return w.url, nil
	}
	return "", errors.New("set_lights is not configured (lights webhook url missing)")
}

func (w *LightsWebhook) Invoke(ctx context.Context, req Request) Outcome {
	started := nowUTC()
	if w == nil {
		return failure(started, CodeAdapterError, "lights webhook not configured")
	}

	scene := strings.TrimSpace(paramString(req.Parameters, "scene"))
	if scene == "" {
		scene = "default"
	}
	target, err := w.buildURL(scene)
	if err != nil {
		return failure(started, CodeAdapterError, err.Error())
	}

	body, _ := json.Marshal(map[string]any{
		"scene":         scene,
		"request_id":    req.RequestID,
		"action_id":     req.ActionID,
		"timestamp_utc": started,
	})

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return failure(started, CodeAdapterError, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return failure(started, CodeAdapterTimeout, fmt.Sprintf("lights webhook timed out after %s", w.timeout))
		}
		return failure(started, CodeAdapterError, fmt.Sprintf("lights webhook request failed: %v", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return failure(started, CodeAdapterError,
			fmt.Sprintf("lights webhook HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 500)))
	}

	return success(started, map[string]any{
		"scene":         scene,
		"webhook_url":   target,
		"http_status":   resp.StatusCode,
		"response_body": truncate(string(respBody), 500),
	})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
