package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"possync/internal/app/client/config"
	"possync/internal/domain/sync"

	"golang.org/x/exp/slog"
)

const userAgent = "possync-client/1.0"

// RemoteError ответ сервера с ошибкой {success:false, error, code}
type RemoteError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Code    string `json:"code"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server returned %d %s: %s", e.Status, e.Code, e.Message)
}

// Retryable запрос имеет смысл повторить позже без изменений
func (e *RemoteError) Retryable() bool {
	switch e.Code {
	case sync.CodeSyncInProgress, sync.CodeStorageUnavailable, sync.CodeCancelled:
		return true
	}
	return e.Status >= http.StatusInternalServerError
}

// IsRemoteCode проверяет код ошибки сервера
func IsRemoteCode(err error, code string) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == code
}

type httpClient struct {
	client  *http.Client
	log     *slog.Logger
	baseURL string

	deviceID string
	token    string
	name     string
	userID   string
}

func NewHTTPClient(cfg *config.Config, log *slog.Logger) *httpClient {
	return newHTTPClient(cfg, &http.Client{
		Timeout: cfg.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConnsPerHost: 4,
		},
	}, log)
}

func newHTTPClient(cfg *config.Config, hc *http.Client, log *slog.Logger) *httpClient {
	return &httpClient{
		client:   hc,
		log:      log.With("component", "http_client"),
		baseURL:  strings.TrimRight(cfg.ServerURL, "/"),
		deviceID: cfg.DeviceID,
		token:    cfg.DeviceToken,
		name:     cfg.DeviceName,
		userID:   cfg.UserID,
	}
}

// HealthCheck проверяет доступность сервера
func (h *httpClient) HealthCheck(ctx context.Context) error {
	resp, err := h.doRequest(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return err
	}
	return h.parseResponse(resp, nil)
}

func (h *httpClient) Push(ctx context.Context, ops []sync.OperationInput) (*sync.PushResult, error) {
	resp, err := h.doRequest(ctx, http.MethodPost, "/sync/push", nil, map[string]any{"operations": ops})
	if err != nil {
		return nil, err
	}
	var out sync.PushResult
	if err := h.parseResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *httpClient) Pull(ctx context.Context, since time.Time, collections []sync.Collection, maxItems int) (*sync.PullResponse, error) {
	if collections == nil {
		collections = []sync.Collection{}
	}
	body := map[string]any{
		"deviceId":          h.deviceID,
		"lastSyncTimestamp": 0,
		"collections":       collections,
		"maxItems":          maxItems,
	}
	if !since.IsZero() {
		body["lastSyncTimestamp"] = since.UTC().Format(time.RFC3339Nano)
	}

	resp, err := h.doRequest(ctx, http.MethodPost, "/sync/pull", nil, body)
	if err != nil {
		return nil, err
	}
	var out sync.PullResponse
	if err := h.parseResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *httpClient) Resolve(ctx context.Context, resolutions []sync.ConflictResolution) (*sync.ResolveResult, error) {
	resp, err := h.doRequest(ctx, http.MethodPost, "/sync/resolve-conflicts", nil, map[string]any{"resolutions": resolutions})
	if err != nil {
		return nil, err
	}
	var out sync.ResolveResult
	if err := h.parseResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *httpClient) Status(ctx context.Context) (*sync.DeviceStatus, error) {
	resp, err := h.doRequest(ctx, http.MethodGet, "/sync/status", nil, nil)
	if err != nil {
		return nil, err
	}
	var out sync.DeviceStatus
	if err := h.parseResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *httpClient) Stats(ctx context.Context, collection sync.Collection, days int) (*sync.DetailedStats, error) {
	q := url.Values{}
	if collection != "" {
		q.Set("collection", string(collection))
	}
	if days > 0 {
		q.Set("days", strconv.Itoa(days))
	}

	resp, err := h.doRequest(ctx, http.MethodGet, "/sync/stats", q, nil)
	if err != nil {
		return nil, err
	}
	var out sync.DetailedStats
	if err := h.parseResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (h *httpClient) Cleanup(ctx context.Context, days int) (int, error) {
	q := url.Values{}
	q.Set("days", strconv.Itoa(days))

	resp, err := h.doRequest(ctx, http.MethodDelete, "/sync/cleanup", q, nil)
	if err != nil {
		return 0, err
	}
	var out struct {
		Removed int `json:"removed"`
	}
	if err := h.parseResponse(resp, &out); err != nil {
		return 0, err
	}
	return out.Removed, nil
}

func (h *httpClient) Conflicts(ctx context.Context, pendingOnly bool) ([]sync.Conflict, error) {
	q := url.Values{}
	q.Set("pending", strconv.FormatBool(pendingOnly))

	resp, err := h.doRequest(ctx, http.MethodGet, "/sync/conflicts", q, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Conflicts []sync.Conflict `json:"conflicts"`
	}
	if err := h.parseResponse(resp, &out); err != nil {
		return nil, err
	}
	return out.Conflicts, nil
}

// EventsURL адрес WebSocket-уведомлений для этого устройства
func (h *httpClient) EventsURL(collections []sync.Collection) string {
	base := h.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	q := url.Values{}
	q.Set("deviceId", h.deviceID)
	if len(collections) > 0 {
		names := make([]string, len(collections))
		for i, c := range collections {
			names[i] = string(c)
		}
		q.Set("collections", strings.Join(names, ","))
	}
	return base + "/sync/events?" + q.Encode()
}

// Headers заголовки идентификации устройства
func (h *httpClient) Headers() http.Header {
	hdr := http.Header{}
	hdr.Set("User-Agent", userAgent)
	hdr.Set("x-device-id", h.deviceID)
	if h.token != "" {
		hdr.Set("x-device-token", h.token)
	}
	if h.name != "" {
		hdr.Set("x-device-name", h.name)
	}
	if h.userID != "" {
		hdr.Set("x-user-id", h.userID)
	}
	return hdr
}

func (h *httpClient) doRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	target := h.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header = h.Headers()
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("server unreachable: %w", err)
	}
	h.log.Debug("request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start))
	return resp, nil
}

func (h *httpClient) parseResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		re := &RemoteError{Status: resp.StatusCode}
		if err := json.Unmarshal(raw, re); err != nil || re.Code == "" {
			re.Code = sync.CodeInternal
			re.Message = strings.TrimSpace(string(raw))
		}
		return re
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
