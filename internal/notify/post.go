package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/arbeval/internal/retry"
)

const sendTimeout = 10 * time.Second

// statusError is a non-2xx reply from a notification endpoint.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string   { return fmt.Sprintf("unexpected status %d: %s", e.code, e.body) }
func (e *statusError) HTTPStatus() int { return e.code }

// poster sends JSON payloads, retrying transport failures and 5xx replies.
type poster struct {
	client *http.Client
	policy retry.Policy
}

func newPoster() poster {
	return poster{
		client: &http.Client{Timeout: sendTimeout},
		policy: retry.HTTP(500*time.Millisecond, retry.RetryableHTTP),
	}
}

func (p poster) postJSON(ctx context.Context, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return p.policy.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return fmt.Errorf("send request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return &statusError{code: resp.StatusCode, body: string(respBody)}
		}
		return nil
	})
}
