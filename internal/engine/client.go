package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cmu-sei/gameboard-engine/pkg/config"
	pkgerrors "github.com/cmu-sei/gameboard-engine/pkg/errors"
	"github.com/cmu-sei/gameboard-engine/pkg/models"
	"go.uber.org/zap"
)

const defaultMaxRetries = 3

// HTTPClient is the production Client implementation, JSON over HTTP.
// Transient failures are retried with capped exponential backoff; only the
// terminal outcome surfaces to callers.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	maxRetries int
	backoff    func(attempt int) time.Duration
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg config.EngineConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &HTTPClient{
		baseURL:    cfg.URL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * 2 * time.Second
		},
	}
}

// apiFault is the engine's error payload shape.
type apiFault struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// sleepBackoff waits out a retry backoff without blocking past cancellation.
func sleepBackoff(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if isErr, pattern := pkgerrors.IsTransientErrorMsg(err); isErr && attempt < c.maxRetries {
				zap.S().Warnf("Transient error %s on engine %s %s attempt %d/%d, retrying: %v", pattern, method, path, attempt, c.maxRetries, err)
				if err := sleepBackoff(ctx, c.backoff(attempt)); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("engine %s %s: %w", method, path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("engine %s %s: read response: %w", method, path, readErr)
		}

		if resp.StatusCode == http.StatusNotFound {
			return pkgerrors.ErrResourceUnknown
		}

		if resp.StatusCode >= 400 {
			statusErr := fmt.Errorf("engine %s %s: %s", method, path, resp.Status)
			lastErr = statusErr
			if isErr, pattern := pkgerrors.IsTransientError(statusErr, string(respBody)); isErr && attempt < c.maxRetries {
				zap.S().Warnf("Transient error %s on engine %s %s attempt %d/%d, retrying", pattern, method, path, attempt, c.maxRetries)
				if err := sleepBackoff(ctx, c.backoff(attempt)); err != nil {
					return err
				}
				continue
			}
			var fault apiFault
			if json.Unmarshal(respBody, &fault) == nil && fault.Message != "" {
				return fmt.Errorf("engine %s %s: %s: %s", method, path, resp.Status, fault.Message)
			}
			return statusErr
		}

		if out != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, out); err != nil {
				return fmt.Errorf("engine %s %s: decode response: %w", method, path, err)
			}
			if state, ok := out.(*GamespaceState); ok {
				state.Raw = string(respBody)
			}
		}
		return nil
	}

	return fmt.Errorf("engine %s %s failed after %d attempts: %w", method, path, c.maxRetries, lastErr)
}

func (c *HTTPClient) CreateChallenge(ctx context.Context, spec *models.ChallengeSpec, teamID, playerID string) (*ChallengeState, error) {
	req := map[string]string{
		"workspaceId": spec.ExternalID,
		"teamId":      teamID,
		"playerId":    playerID,
		"name":        spec.Name,
	}
	var state ChallengeState
	if err := c.do(ctx, http.MethodPost, "/api/challenges", req, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *HTTPClient) StartGamespace(ctx context.Context, challengeID, engineType string) (*GamespaceState, error) {
	req := map[string]string{"engineType": engineType}
	var state GamespaceState
	if err := c.do(ctx, http.MethodPost, "/api/gamespaces/"+challengeID+"/start", req, &state); err != nil {
		return nil, err
	}
	// An accepted-but-inactive start is the tolerated per-item failure the
	// deployment batches record and carry on past.
	if !state.IsActive {
		return nil, &pkgerrors.GamespaceStartError{ChallengeID: challengeID, Reason: "engine reported inactive gamespace after start"}
	}
	return &state, nil
}

func (c *HTTPClient) LoadGamespace(ctx context.Context, challengeID string) (*GamespaceState, error) {
	var state GamespaceState
	if err := c.do(ctx, http.MethodGet, "/api/gamespaces/"+challengeID, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (c *HTTPClient) CompleteGamespace(ctx context.Context, challengeID string) error {
	return c.do(ctx, http.MethodPost, "/api/gamespaces/"+challengeID+"/complete", nil, nil)
}

func (c *HTTPClient) AuditChallenge(ctx context.Context, challengeID string) ([]SubmissionRecord, error) {
	var records []SubmissionRecord
	if err := c.do(ctx, http.MethodGet, "/api/challenges/"+challengeID+"/audit", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}
