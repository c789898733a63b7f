package caclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/mtls/internal/config"
	"github.com/wolfeidau/mtls/internal/envelope"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// Lifetime is the requested certificate validity in hours.
	Lifetime = "18"

	// RequestTypeCreateCertificate asks the CA to issue a new certificate.
	RequestTypeCreateCertificate = "CREATE_CERTIFICATE"

	// maxResponseSize bounds the response body read from the CA.
	maxResponseSize = 1 << 20
)

var (
	// ErrTransport is returned when the request cannot be sent or the
	// response cannot be read.
	ErrTransport = errors.New("transport error")

	// ErrResponseParse is returned when the response body is not JSON.
	ErrResponseParse = errors.New("invalid response from CA")

	// ErrResponseTooLarge is returned when the response body exceeds maxResponseSize.
	ErrResponseTooLarge = errors.New("response from CA too large")

	// ErrPayloadEncoding is returned when the sealed CSR is not valid UTF-8
	// text and would be corrupted by JSON encoding.
	ErrPayloadEncoding = errors.New("sealed request is not text")
)

// Config holds client configuration
type Config struct {
	Timeout   time.Duration
	Host      string
	UserAgent string
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		UserAgent: "mtls",
	}
}

// Payload is the JSON body posted to the CA.
type Payload struct {
	CSR      string  `json:"csr"`
	Lifetime string  `json:"lifetime"`
	Host     *string `json:"host"`
	Type     string  `json:"type"`
}

// NewPayload builds a certificate creation request for a sealed CSR. An empty
// host is sent as null.
func NewPayload(sealed *envelope.SealedBlob, host string) Payload {
	p := Payload{
		CSR:      sealed.String(),
		Lifetime: Lifetime,
		Type:     RequestTypeCreateCertificate,
	}
	if host != "" {
		p.Host = &host
	}
	return p
}

// Response is the CA's reply, passed through unmodified.
type Response struct {
	StatusCode int
	RequestID  string
	Body       json.RawMessage
}

// Client submits sealed CSRs to a CA endpoint.
type Client struct {
	httpClient *http.Client
	host       string
	userAgent  string
}

// New creates a client with an instrumented HTTP transport.
func New(cfg Config) *Client {
	return NewWithHTTPClient(cfg, &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})
}

// NewWithHTTPClient creates a client using httpClient.
func NewWithHTTPClient(cfg Config, httpClient *http.Client) *Client {
	return &Client{
		httpClient: httpClient,
		host:       cfg.Host,
		userAgent:  cfg.UserAgent,
	}
}

// Submit posts the sealed CSR to identity.URL once. There is no retry.
func (c *Client) Submit(ctx context.Context, sealed *envelope.SealedBlob, identity config.Identity) (*Response, error) {
	if err := identity.Require(config.FieldURL); err != nil {
		return nil, err
	}

	if !utf8.Valid(sealed.Data) {
		return nil, ErrPayloadEncoding
	}

	body, err := json.Marshal(NewPayload(sealed, c.host))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, identity.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	started := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrTransport, err)
	}
	if len(data) > maxResponseSize {
		return nil, fmt.Errorf("%w: more than %d bytes, status %d", ErrResponseTooLarge, maxResponseSize, resp.StatusCode)
	}

	log.Info().
		Str("url", identity.URL).
		Str("requestID", requestID).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(started)).
		Msg("certificate request submitted")

	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: status %d", ErrResponseParse, resp.StatusCode)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		RequestID:  requestID,
		Body:       json.RawMessage(data),
	}, nil
}
