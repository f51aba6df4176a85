package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// HTTPCompleter calls the consultation API:
//
//	POST {base}/api/consultations/{id}/end
//
// 404 and 409 mean the consultation is gone or already ended and count as
// success.
type HTTPCompleter struct {
	base   string
	token  string
	client *http.Client
}

func NewHTTPCompleter(baseURL, token string, client *http.Client) (*HTTPCompleter, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid consultation API base URL %q: %w", baseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid consultation API base URL %q: must be an absolute http(s) URL", baseURL)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPCompleter{
		base:   strings.TrimRight(u.String(), "/"),
		token:  token,
		client: client,
	}, nil
}

func (c *HTTPCompleter) MarkConsultationComplete(ctx context.Context, consultationID string) error {
	endpoint := c.base + "/api/consultations/" + url.PathEscape(consultationID) + "/end"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHookFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHookFailed, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusConflict:
		return nil
	default:
		return fmt.Errorf("%w: %s returned %s", ErrHookFailed, endpoint, resp.Status)
	}
}
