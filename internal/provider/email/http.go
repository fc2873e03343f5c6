package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/meridianhealth/platform/pkg/json"
)

// HTTPProvider sends mail through a Resend-style transactional API.
type HTTPProvider struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

// NewHTTPProvider creates a vendor-backed email provider.
func NewHTTPProvider(baseURL, token string, log *zap.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "email-provider",
			Timeout: 30 * time.Second,
		}),
		log: log.With(zap.String("module", "email_provider")),
	}
}

type sendRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

type sendResponse struct {
	ID string `json:"id"`
}

// Send posts the message. The idempotency key travels as a header so the
// vendor deduplicates crash-window re-sends.
func (p *HTTPProvider) Send(ctx context.Context, msg Message) (SendResult, error) {
	body, err := json.Marshal(sendRequest{From: msg.From, To: msg.To, Subject: msg.Subject, HTML: msg.HTML})
	if err != nil {
		return SendResult{}, err
	}

	out, err := p.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/emails", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+p.token)
		req.Header.Set("Content-Type", "application/json")
		if msg.IdempotencyKey != "" {
			req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return nil, fmt.Errorf("email provider unavailable: status %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
		}

		var decoded sendResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, fmt.Errorf("decode email provider response: %w", err)
		}
		return decoded.ID, nil
	})
	if err != nil {
		return SendResult{}, err
	}
	id, _ := out.(string)
	return SendResult{ProviderMessageID: id}, nil
}
