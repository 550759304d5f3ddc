// Package remote adapts the sync engine's pull/push surface to the hosted
// HTTP API. It owns credential handling, response decoding, and the mapping
// from HTTP status codes to the engine's error taxonomy; the engine never
// sees a raw HTTP response.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
	"github.com/volunteerkit/volsync/internal/engine"
	"github.com/volunteerkit/volsync/internal/entity"
)

// DefaultTimeout bounds every remote call.
const DefaultTimeout = 30 * time.Second

// CredentialProvider supplies the bearer token attached to every request.
// Refresh is invoked once after an auth rejection; if it cannot produce a
// new token the call fails with an auth error and sync halts until the
// operator re-authenticates.
type CredentialProvider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// StaticToken is a CredentialProvider for a fixed token (config file or
// environment). It cannot refresh.
type StaticToken string

func (t StaticToken) Token(ctx context.Context) (string, error) { return string(t), nil }

func (t StaticToken) Refresh(ctx context.Context) (string, error) {
	return "", engine.Errorf(engine.KindAuth, "static token rejected by remote; re-authentication required")
}

// Config parameterizes the adapter.
type Config struct {
	// BaseURL is the API root, e.g. https://sync.example.org.
	BaseURL string
	// Timeout bounds each HTTP call. Zero uses DefaultTimeout.
	Timeout time.Duration
	// UserAgent overrides the default User-Agent header.
	UserAgent string
}

// Adapter implements engine.Remote over HTTP.
type Adapter struct {
	baseURL   string
	userAgent string
	creds     CredentialProvider
	client    *http.Client
}

// New creates an HTTP adapter.
func New(cfg Config, creds CredentialProvider) (*Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid remote base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "volsync"
	}
	return &Adapter{
		baseURL:   cfg.BaseURL,
		userAgent: cfg.UserAgent,
		creds:     creds,
		client:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Pull fetches rows changed since the version token.
//
// GET /api/v1/{type}/changes?since={token}
func (a *Adapter) Pull(ctx context.Context, et entity.Type, sinceToken string) ([]engine.RemoteRow, string, error) {
	path := fmt.Sprintf("/api/v1/%s/changes", string(et))
	if sinceToken != "" {
		path += "?since=" + url.QueryEscape(sinceToken)
	}

	body, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", err
	}

	token := gjson.GetBytes(body, "version_token").String()
	if token == "" {
		return nil, "", engine.Errorf(engine.KindValidation, "pull response missing version_token")
	}

	var rows []engine.RemoteRow
	var parseErr error
	gjson.GetBytes(body, "rows").ForEach(func(_, item gjson.Result) bool {
		row := engine.RemoteRow{
			ID:      item.Get("id").String(),
			Deleted: item.Get("deleted").Bool(),
		}
		if row.ID == "" {
			parseErr = engine.Errorf(engine.KindValidation, "pull response row missing id")
			return false
		}
		ts, err := time.Parse(time.RFC3339Nano, item.Get("updated_at").String())
		if err != nil {
			parseErr = engine.Errorf(engine.KindValidation, "bad updated_at for row %s: %v", row.ID, err)
			return false
		}
		row.UpdatedAt = ts
		if payload := item.Get("payload"); payload.Exists() {
			row.Payload = json.RawMessage(payload.Raw)
		}
		rows = append(rows, row)
		return true
	})
	if parseErr != nil {
		return nil, "", parseErr
	}
	return rows, token, nil
}

// Push transmits a batch of change records.
//
// POST /api/v1/{type}/changes
func (a *Adapter) Push(ctx context.Context, et entity.Type, records []*engine.ChangeRecord) (*engine.PushResult, error) {
	type wireChange struct {
		ID       string          `json:"id"`
		EntityID string          `json:"entity_id"`
		Op       string          `json:"op"`
		Payload  json.RawMessage `json:"payload,omitempty"`
	}

	changes := make([]wireChange, 0, len(records))
	for _, cr := range records {
		changes = append(changes, wireChange{
			ID:       cr.ID,
			EntityID: cr.EntityID,
			Op:       string(cr.Op),
			Payload:  cr.Payload,
		})
	}

	reqBody, err := json.Marshal(map[string]any{"changes": changes})
	if err != nil {
		return nil, engine.Errorf(engine.KindValidation, "failed to encode push batch: %v", err)
	}

	body, err := a.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/%s/changes", string(et)), reqBody)
	if err != nil {
		return nil, err
	}

	result := &engine.PushResult{
		Rejected:     map[string]string{},
		VersionToken: gjson.GetBytes(body, "version_token").String(),
	}
	gjson.GetBytes(body, "accepted").ForEach(func(_, id gjson.Result) bool {
		result.Accepted = append(result.Accepted, id.String())
		return true
	})
	gjson.GetBytes(body, "rejected").ForEach(func(id, reason gjson.Result) bool {
		result.Rejected[id.String()] = reason.String()
		return true
	})
	return result, nil
}

// do executes one authenticated request. An auth rejection triggers a single
// credential refresh and retry; every other failure maps straight into the
// engine's error taxonomy.
func (a *Adapter) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	token, err := a.creds.Token(ctx)
	if err != nil {
		return nil, engine.NewError(engine.KindAuth, fmt.Errorf("failed to obtain credential: %w", err))
	}

	resp, err := a.roundTrip(ctx, method, path, body, token)
	if err != nil {
		return nil, err
	}

	if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
		token, err = a.creds.Refresh(ctx)
		if err != nil {
			return nil, engine.NewError(engine.KindAuth, fmt.Errorf("credential refresh failed: %w", err))
		}
		resp, err = a.roundTrip(ctx, method, path, body, token)
		if err != nil {
			return nil, err
		}
		if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
			return nil, engine.Errorf(engine.KindAuth, "remote rejected refreshed credential (status %d)", resp.status)
		}
	}

	switch {
	case resp.status >= 200 && resp.status < 300:
		return resp.body, nil
	case resp.status == http.StatusTooManyRequests:
		return nil, engine.NewRateLimitError(fmt.Errorf("remote rate limited %s %s", method, path), resp.retryAfter)
	case resp.status >= 500:
		return nil, engine.Errorf(engine.KindNetwork, "remote server error on %s %s: status %d", method, path, resp.status)
	case resp.status == http.StatusConflict:
		return nil, engine.Errorf(engine.KindConflict, "remote version conflict on %s %s", method, path)
	default:
		return nil, engine.Errorf(engine.KindValidation, "remote rejected %s %s: status %d: %s",
			method, path, resp.status, gjson.GetBytes(resp.body, "error").String())
	}
}

// response is one decoded HTTP exchange.
type response struct {
	status     int
	body       []byte
	retryAfter time.Duration
}

func (a *Adapter) roundTrip(ctx context.Context, method, path string, body []byte, token string) (*response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, engine.NewError(engine.KindNetwork, fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", a.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, engine.NewError(engine.KindNetwork, fmt.Errorf("%s %s failed: %w", method, path, err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 32<<20))
	if err != nil {
		return nil, engine.NewError(engine.KindNetwork, fmt.Errorf("failed to read response: %w", err))
	}

	resp := &response{status: httpResp.StatusCode, body: respBody}
	// Header takes precedence; some deployments only set the body field.
	if ra := httpResp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			resp.retryAfter = time.Duration(secs) * time.Second
		}
	}
	if resp.retryAfter == 0 {
		if secs := gjson.GetBytes(respBody, "retry_after_seconds").Int(); secs > 0 {
			resp.retryAfter = time.Duration(secs) * time.Second
		}
	}
	return resp, nil
}
