package dns

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/meridianhealth/platform/pkg/json"
)

// HTTPProvider talks to the DNS vendor's management API. A circuit breaker
// sits in front so a misbehaving vendor fails fast instead of tying up
// workflow activity slots.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// NewHTTPProvider creates a vendor-backed DNS provider.
func NewHTTPProvider(baseURL, token string, log *zap.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "dns-provider",
			Timeout: 30 * time.Second,
		}),
		log: log.With(zap.String("module", "dns_provider")),
	}
}

type recordRequest struct {
	Host   string `json:"host"`
	Type   string `json:"type"`
	Target string `json:"target"`
}

// CreateCNAME creates the CNAME record. A 409 from the vendor means the
// record already exists with the same target and counts as success.
func (p *HTTPProvider) CreateCNAME(ctx context.Context, host, target string) error {
	body, err := json.Marshal(recordRequest{Host: host, Type: "CNAME", Target: target})
	if err != nil {
		return err
	}
	return p.do(ctx, http.MethodPost, "/v1/records", bytes.NewReader(body), func(status int) error {
		switch {
		case status == http.StatusConflict:
			return nil
		case status == http.StatusUnprocessableEntity || status == http.StatusBadRequest:
			return fmt.Errorf("%w: create %s", ErrRejected, host)
		case status >= 500:
			return fmt.Errorf("dns provider unavailable: status %d", status)
		case status >= 400:
			return fmt.Errorf("dns create failed: status %d", status)
		}
		return nil
	})
}

// Verify asks the vendor whether the record resolves.
func (p *HTTPProvider) Verify(ctx context.Context, host, target string) error {
	path := fmt.Sprintf("/v1/records/%s/verify?target=%s", url.PathEscape(host), url.QueryEscape(target))
	return p.do(ctx, http.MethodGet, path, nil, func(status int) error {
		switch {
		case status == http.StatusOK:
			return nil
		case status == http.StatusNotFound || status == http.StatusAccepted:
			return ErrNotResolved
		case status >= 500:
			return fmt.Errorf("dns provider unavailable: status %d", status)
		default:
			return fmt.Errorf("%w: verify %s", ErrRejected, host)
		}
	})
}

// Delete removes the record. Absence is success.
func (p *HTTPProvider) Delete(ctx context.Context, host string) error {
	path := "/v1/records/" + url.PathEscape(host)
	return p.do(ctx, http.MethodDelete, path, nil, func(status int) error {
		switch {
		case status == http.StatusOK || status == http.StatusNoContent || status == http.StatusNotFound:
			return nil
		case status >= 500:
			return fmt.Errorf("dns provider unavailable: status %d", status)
		default:
			return fmt.Errorf("dns delete failed: status %d", status)
		}
	})
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, body io.Reader, classify func(status int) error) error {
	_, err := p.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+p.token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, classify(resp.StatusCode)
	})
	return err
}
