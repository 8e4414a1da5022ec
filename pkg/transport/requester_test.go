package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nimburion/coordination/pkg/retry"
)

func newTestRequester(policy retry.Policy, reg prometheus.Registerer) *Requester {
	return NewRequester(Config{
		Token:             "secret",
		RetryPolicy:       policy,
		MetricsRegisterer: reg,
	})
}

func TestExecuteSuccessReadsIndexAndToken(t *testing.T) {
	var gotToken, gotContentType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get(TokenHeader)
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set(IndexHeader, "42")
		_, _ = w.Write([]byte(`{"ID":"abc"}`))
	}))
	defer srv.Close()

	r := newTestRequester(retry.None(), nil)
	resp, err := r.Do(context.Background(), Request{Method: http.MethodPut, URL: srv.URL + "/v1/session/create", Body: []byte(`{"Name":"x"}`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Index != 42 {
		t.Errorf("expected index 42, got %d", resp.Index)
	}
	var decoded struct{ ID string }
	if err := resp.Decode(&decoded); err != nil || decoded.ID != "abc" {
		t.Errorf("unexpected decode %+v %v", decoded, err)
	}
	if gotToken != "secret" {
		t.Errorf("expected token header, got %q", gotToken)
	}
	if gotContentType != "application/json" || string(gotBody) != `{"Name":"x"}` {
		t.Errorf("unexpected request %q %q", gotContentType, gotBody)
	}
}

func TestEmptyBodyIsNullAndMissingIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(IndexHeader, "not-a-number")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resp, err := newTestRequester(nil, nil).Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.IsNull() {
		t.Errorf("expected null body, got %s", resp.Body)
	}
	if resp.Index != NoIndex {
		t.Errorf("expected NoIndex, got %d", resp.Index)
	}
}

func TestInvalidJSONIsCodecErrorAndNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("<html>"))
	}))
	defer srv.Close()

	_, err := newTestRequester(retry.NewStandard(0, 5), nil).Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	if !errors.Is(err, ErrCodec) {
		t.Fatalf("expected ErrCodec, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", calls.Load())
	}
}

func TestServerErrorIsRetriedWithAttemptAndElapsed(t *testing.T) {
	var calls atomic.Int32
	var bodies []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(b))
		mu.Unlock()
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`true`))
	}))
	defer srv.Close()

	var attempts []int
	var elapsed []time.Duration
	policy := retry.PolicyFunc(func(_ context.Context, attempt int, e time.Duration) bool {
		attempts = append(attempts, attempt)
		elapsed = append(elapsed, e)
		return true
	})

	reg := prometheus.NewRegistry()
	resp, err := newTestRequester(policy, reg).Do(context.Background(), Request{Method: http.MethodPut, URL: srv.URL, Body: []byte(`"payload"`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(resp.Body) != "true" {
		t.Fatalf("unexpected body %s", resp.Body)
	}
	if len(attempts) != 2 || attempts[0] != 0 || attempts[1] != 1 {
		t.Fatalf("unexpected attempts %v", attempts)
	}
	if elapsed[1] < elapsed[0] {
		t.Fatalf("elapsed must be measured from the first attempt, got %v", elapsed)
	}
	for _, b := range bodies {
		if b != `"payload"` {
			t.Fatalf("every attempt must send the full body, got %q", bodies)
		}
	}

	if got := counterSum(t, reg, "coordination_transport_retries_total"); got != 2 {
		t.Errorf("expected 2 retries recorded, got %v", got)
	}
}

func counterSum(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		var total float64
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
		return total
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set(IndexHeader, "7")
		http.Error(w, "no such key", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestRequester(retry.NewStandard(0, 5), nil).Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	if !errors.Is(err, ErrPermanent) || errors.Is(err, ErrTransient) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusNotFound || statusErr.Index != 7 {
		t.Fatalf("expected 404 StatusError with index, got %#v", err)
	}
	if !IsStatus(err, http.StatusNotFound) {
		t.Fatal("IsStatus must match 404")
	}
	if calls.Load() != 1 {
		t.Fatalf("expected no retry, got %d calls", calls.Load())
	}
}

func TestConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	var consulted atomic.Int32
	policy := retry.PolicyFunc(func(context.Context, int, time.Duration) bool {
		return consulted.Add(1) < 3
	})
	_, err := newTestRequester(policy, nil).Do(context.Background(), Request{Method: http.MethodGet, URL: url})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if consulted.Load() != 3 {
		t.Fatalf("expected the policy to be consulted 3 times, got %d", consulted.Load())
	}
}

func TestWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestRequester(retry.NewForever(0), nil).Do(context.Background(), Request{Method: http.MethodGet, URL: srv.URL}, WithoutRetry())
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected exactly one attempt, got %d", calls.Load())
	}
}

func blockingServer(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	var once sync.Once
	return srv, func() {
		once.Do(func() { close(release) })
		srv.Close()
	}
}

func TestCancelIsDistinctFromFailure(t *testing.T) {
	srv, stop := blockingServer(t)
	defer stop()

	future := newTestRequester(retry.NewForever(0), nil).Execute(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	future.Cancel()

	select {
	case <-future.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("future did not complete after cancel")
	}
	_, err := future.Result()
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, ErrPermanent) {
		t.Fatalf("cancellation must not be classified as a failure: %v", err)
	}
}

func TestAwaitTimesOutWithoutError(t *testing.T) {
	srv, stop := blockingServer(t)
	defer stop()

	future := newTestRequester(nil, nil).Execute(context.Background(), Request{Method: http.MethodGet, URL: srv.URL})
	outcome := future.Await(context.Background(), 50*time.Millisecond)
	if outcome.Status != StatusTimedOut || outcome.Err != nil || outcome.Response != nil {
		t.Fatalf("expected timed out outcome, got %+v", outcome)
	}
}

func TestAwaitSuccessAndFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()
	r := newTestRequester(nil, nil)

	ok := r.Execute(context.Background(), Request{Method: http.MethodGet, URL: srv.URL + "/ok"}).Await(context.Background(), 5*time.Second)
	if ok.Status != StatusSuccess || ok.Response == nil {
		t.Fatalf("expected success, got %+v", ok)
	}
	failed := r.Execute(context.Background(), Request{Method: http.MethodGet, URL: srv.URL + "/fail"}).Await(context.Background(), 5*time.Second)
	if failed.Status != StatusFailed || !IsStatus(failed.Err, http.StatusForbidden) {
		t.Fatalf("expected failure, got %+v", failed)
	}
}

func TestGetHonoursCallerContext(t *testing.T) {
	srv, stop := blockingServer(t)
	defer stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestRequester(nil, nil).Do(ctx, Request{Method: http.MethodGet, URL: srv.URL})
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected cancelled deadline error, got %v", err)
	}
}

func TestParseIndex(t *testing.T) {
	tests := map[string]int64{"": NoIndex, "12": 12, "-3": NoIndex, "abc": NoIndex, "0": 0}
	for raw, want := range tests {
		h := http.Header{}
		if raw != "" {
			h.Set(IndexHeader, raw)
		}
		if got := ParseIndex(h); got != want {
			t.Errorf("ParseIndex(%q) = %d, want %d", raw, got, want)
		}
	}
}

func TestStatusErrorClassification(t *testing.T) {
	if !errors.Is(&StatusError{Code: 502}, ErrTransient) {
		t.Error("5xx must be transient")
	}
	if !errors.Is(&StatusError{Code: 409}, ErrPermanent) {
		t.Error("4xx must be permanent")
	}
}
