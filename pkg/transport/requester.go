// Package transport executes REST requests against the coordination backend
// asynchronously, classifying failures and retrying the transient ones under a
// retry.Policy.
package transport

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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/observability/tracing"
	"github.com/nimburion/coordination/pkg/retry"
)

const (
	// TokenHeader carries the caller-supplied ACL token.
	TokenHeader = "X-Consul-Token"
	// IndexHeader carries the change index of blocking-query responses.
	IndexHeader = "X-Consul-Index"
	// NoIndex is reported when a response carries no usable change index.
	NoIndex int64 = -1
)

// Request describes one logical backend call. Body, when set, is sent as JSON.
type Request struct {
	Method string
	URL    string
	Body   []byte
}

// Response is a successful (2xx) reply. Body is always valid JSON; an empty
// reply body is reported as JSON null.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       json.RawMessage
	Index      int64
}

// Decode unmarshals the body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%w: %w", ErrCodec, err)
	}
	return nil
}

// IsNull reports whether the body is JSON null.
func (r *Response) IsNull() bool {
	return bytes.Equal(bytes.TrimSpace(r.Body), []byte("null"))
}

// Config configures a Requester. Every Requester owns its settings.
type Config struct {
	HTTPClient        *http.Client
	Token             string
	RetryPolicy       retry.Policy
	Logger            logger.Logger
	MetricsRegisterer prometheus.Registerer
}

// Requester executes requests. It is safe for concurrent use.
type Requester struct {
	client  *http.Client
	token   string
	policy  retry.Policy
	log     logger.Logger
	metrics *requestMetrics
}

// NewRequester creates a requester. A nil RetryPolicy never retries and a nil
// HTTPClient uses a client without overall timeout, as blocking queries may
// legitimately run for minutes.
func NewRequester(cfg Config) *Requester {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	policy := cfg.RetryPolicy
	if policy == nil {
		policy = retry.None()
	}
	log := logger.OrNop(cfg.Logger)
	return &Requester{
		client:  client,
		token:   cfg.Token,
		policy:  policy,
		log:     log,
		metrics: newRequestMetrics(cfg.MetricsRegisterer, log),
	}
}

// ExecuteOption adjusts a single Execute call.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	policy retry.Policy
}

// WithoutRetry executes the request exactly once.
func WithoutRetry() ExecuteOption {
	return WithRetryPolicy(retry.None())
}

// WithRetryPolicy overrides the requester's policy for one call.
func WithRetryPolicy(policy retry.Policy) ExecuteOption {
	return func(o *executeOptions) {
		if policy != nil {
			o.policy = policy
		}
	}
}

// Execute starts req in the background and returns its Future. Cancelling ctx
// or the Future abandons the request with ErrCancelled.
func (r *Requester) Execute(ctx context.Context, req Request, opts ...ExecuteOption) *Future {
	options := executeOptions{policy: r.policy}
	for _, opt := range opts {
		opt(&options)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	future := newFuture(cancel)
	go func() {
		resp, err := r.run(reqCtx, req, options.policy)
		future.complete(resp, err)
	}()
	return future
}

// Do executes req and waits for it, the synchronous form of Execute.
func (r *Requester) Do(ctx context.Context, req Request, opts ...ExecuteOption) (*Response, error) {
	return r.Execute(ctx, req, opts...).Get(ctx)
}

func (r *Requester) run(ctx context.Context, req Request, policy retry.Policy) (*Response, error) {
	ctx, span := tracing.StartRequestSpan(ctx, req.Method, redactedPath(req.URL))
	defer span.End()

	start := time.Now()
	for attempt := 0; ; attempt++ {
		resp, err := r.attempt(ctx, req)
		if err == nil {
			r.metrics.observe(req.Method, nil, time.Since(start))
			tracing.RecordError(span, nil)
			return resp, nil
		}
		if ctx.Err() != nil {
			err = cancelledError(context.Cause(ctx))
		}
		if IsRetryable(err) && policy.AllowRetry(ctx, attempt, time.Since(start)) {
			r.metrics.retries.WithLabelValues(req.Method).Inc()
			r.log.Debug("retrying request", "method", req.Method, "url", redactedPath(req.URL), "attempt", attempt+1, "error", err)
			continue
		}
		if ctx.Err() != nil {
			err = cancelledError(context.Cause(ctx))
		}
		r.metrics.observe(req.Method, err, time.Since(start))
		tracing.RecordError(span, err)
		return nil, err
	}
}

// attempt builds a fresh *http.Request so that every retry sends the full body.
func (r *Requester) attempt(ctx context.Context, req Request) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", ErrPermanent, err)
	}
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		httpReq.Header.Set(TokenHeader, r.token)
	}

	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer httpResp.Body.Close()

	payload, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classify(ctx, err)
	}
	index := ParseIndex(httpResp.Header)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, &StatusError{
			Code:  httpResp.StatusCode,
			Body:  string(bytes.TrimSpace(payload)),
			Index: index,
		}
	}

	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("null")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: response to %s %s is not JSON", ErrCodec, req.Method, redactedPath(req.URL))
	}
	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       payload,
		Index:      index,
	}, nil
}

// ParseIndex reads the change index header, NoIndex when absent or not numeric.
func ParseIndex(h http.Header) int64 {
	raw := h.Get(IndexHeader)
	if raw == "" {
		return NoIndex
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return NoIndex
	}
	return v
}

// redactedPath drops the query string, which may carry session ids and indexes.
func redactedPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}
