package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Failure classes for a generation attempt. ErrContentPolicy and
// ErrQuotaExceeded are final: retrying the same prompt cannot succeed, so the
// creation fails and the charge is refunded. ErrTransient is retryable.
var (
	ErrContentPolicy = errors.New("prompt rejected by content policy")
	ErrQuotaExceeded = errors.New("generation quota exceeded")
	ErrTransient     = errors.New("transient generation failure")
)

type Request struct {
	CreationID uuid.UUID       `json:"creation_id"`
	MediaKind  string          `json:"media_kind"`
	Prompt     string          `json:"prompt"`
	Params     json.RawMessage `json:"params,omitempty"`
}

type Result struct {
	Data        []byte
	ContentType string
}

// Provider produces media bytes for a prompt. Implementations classify every
// failure as one of the three sentinel errors above.
type Provider interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// HTTPProvider calls the external model service.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPProvider(baseURL, token string) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

var _ Provider = (*HTTPProvider)(nil)

func (p *HTTPProvider) Invoke(ctx context.Context, genReq Request) (*Result, error) {
	body, err := json.Marshal(genReq)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, resp.Body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty response body", ErrTransient)
	}
	return &Result{Data: data, ContentType: resp.Header.Get("Content-Type")}, nil
}

// classifyStatus maps the model service's response onto a failure class.
// 422 is the service's prompt-rejection code; anything else client-side is
// treated the same since retrying identical input is pointless.
func classifyStatus(status int, body io.Reader) error {
	msg := readErrorMessage(body)
	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrQuotaExceeded, msg)
	case status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrContentPolicy, msg)
	case status >= 400 && status < 500:
		return fmt.Errorf("%w: status %d: %s", ErrContentPolicy, status, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrTransient, status, msg)
	}
}

func readErrorMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 4096))
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	return string(raw)
}
