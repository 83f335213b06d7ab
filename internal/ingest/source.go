package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/meteodash/internal/htmlutil"
	"github.com/lox/meteodash/internal/httputil"
	"github.com/lox/meteodash/internal/metrics"
	"github.com/lox/meteodash/internal/models"
)

const (
	DefaultEndpoint = "https://servidorestacionmeteorologica.onrender.com/lecturas"
	DefaultRetryMax = 5 * time.Second
)

// Source delivers the current batch of raw readings.
type Source interface {
	Fetch(ctx context.Context) (*Batch, error)
}

// Batch is one decoded response from a Source.
type Batch struct {
	Readings    []models.RawReading
	Body        []byte
	HTTPStatus  int
	ParseErrors int
	ParseError  string // first element error, if any
}

// Size is the response body length in bytes.
func (b *Batch) Size() int {
	return len(b.Body)
}

// TransportError is a failed request or a non-2xx response.
type TransportError struct {
	StatusCode int // zero when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transport: status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// FormatError is a response body that is not a JSON array.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return "format: " + e.Reason
}

// Client fetches readings over HTTP.
type Client struct {
	endpoint  string
	client    *http.Client
	userAgent string
	retryMax  time.Duration
}

func NewClient(endpoint string, timeout, retryMax time.Duration) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if retryMax <= 0 {
		retryMax = DefaultRetryMax
	}
	return &Client{
		endpoint:  endpoint,
		client:    httputil.NewClient(timeout),
		userAgent: httputil.DefaultUserAgent,
		retryMax:  retryMax,
	}
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

// Fetch requests the endpoint, retrying 429 and 503 responses with
// exponential backoff, and decodes the body.
func (c *Client) Fetch(ctx context.Context) (*Batch, error) {
	var (
		body   []byte
		status int
	)

	start := time.Now()
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
		if err != nil {
			return backoff.Permanent(&TransportError{Err: err})
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return backoff.Permanent(&TransportError{Err: err})
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
			io.Copy(io.Discard, resp.Body)
			return &TransportError{StatusCode: status, Err: errors.New(http.StatusText(status))}
		}
		if status < 200 || status > 299 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			msg := htmlutil.Summary(b, 512)
			if msg == "" {
				msg = http.StatusText(status)
			}
			return backoff.Permanent(&TransportError{StatusCode: status, Err: errors.New(msg)})
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(&TransportError{StatusCode: status, Err: fmt.Errorf("read body: %w", err)})
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = c.retryMax
	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	metrics.FetchLatency.WithLabelValues(fmt.Sprint(status)).Observe(time.Since(start).Seconds())
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			return nil, te
		}
		return nil, &TransportError{StatusCode: status, Err: err}
	}

	batch, err := DecodeBatch(body)
	if err != nil {
		return nil, err
	}
	batch.HTTPStatus = status
	metrics.ReadingsFetched.Add(float64(len(batch.Readings)))
	return batch, nil
}
