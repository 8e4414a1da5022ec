package consul

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimburion/coordination/internal/consultest"
	"github.com/nimburion/coordination/pkg/nodepath"
)

func TestLockAcquireAndRelease(t *testing.T) {
	srv := consultest.New()
	defer srv.Close()
	c := newStartedClient(t, srv)
	ctx := context.Background()

	l := c.NewLock(nodepath.MustParse("/locks/job"))
	ok, err := l.Acquire(ctx, 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected acquisition, got %v %v", ok, err)
	}

	entry, found := srv.Get("locks/job")
	if !found || entry.Session != c.SessionID() {
		t.Fatalf("expected key held by %q, got %+v", c.SessionID(), entry)
	}
	var payload holderPayload
	if err := json.Unmarshal(entry.Value, &payload); err != nil || payload.Session != c.SessionID() || payload.Holder == "" {
		t.Fatalf("unexpected holder payload %s %v", entry.Value, err)
	}

	again, err := l.Acquire(ctx, time.Second)
	if err != nil || !again {
		t.Fatalf("re-acquiring with the owning session must succeed, got %v %v", again, err)
	}

	if err := l.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if entry, _ := srv.Get("locks/job"); entry.Session != "" {
		t.Fatalf("expected key released, got %+v", entry)
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("releasing a lock that is not held must succeed, got %v", err)
	}
}

func TestLockContentionTimesOutWithoutError(t *testing.T) {
	srv := consultest.New()
	defer srv.Close()
	first := newStartedClient(t, srv)
	second := newStartedClient(t, srv)
	ctx := context.Background()
	path := nodepath.MustParse("/locks/contended")

	if ok, err := first.NewLock(path).Acquire(ctx, time.Second); !ok || err != nil {
		t.Fatalf("first acquisition failed: %v %v", ok, err)
	}

	start := time.Now()
	ok, err := second.NewLock(path).Acquire(ctx, 200*time.Millisecond)
	if ok || err != nil {
		t.Fatalf("expected (false, nil) on timeout, got %v %v", ok, err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("acquire overran its budget: %s", elapsed)
	}
}

func TestLockWaiterAcquiresAfterRelease(t *testing.T) {
	srv := consultest.New()
	defer srv.Close()
	first := newStartedClient(t, srv)
	second := newStartedClient(t, srv)
	ctx := context.Background()
	path := nodepath.MustParse("/locks/handoff")

	holder := first.NewLock(path)
	if ok, err := holder.Acquire(ctx, time.Second); !ok || err != nil {
		t.Fatalf("first acquisition failed: %v %v", ok, err)
	}

	result := make(chan bool, 1)
	go func() {
		ok, err := second.NewLock(path).Acquire(ctx, 5*time.Second)
		result <- ok && err == nil
	}()

	time.Sleep(100 * time.Millisecond)
	if err := holder.Release(ctx); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	select {
	case ok := <-result:
		if !ok {
			t.Fatal("waiter did not acquire after release")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never returned")
	}
	if entry, _ := srv.Get("locks/handoff"); entry.Session != second.SessionID() {
		t.Fatalf("expected the waiter's session to hold the key, got %+v", entry)
	}
}

func TestConcurrentLocksNeverBothSucceed(t *testing.T) {
	srv := consultest.New()
	defer srv.Close()
	clients := []*Client{newStartedClient(t, srv), newStartedClient(t, srv), newStartedClient(t, srv)}
	path := nodepath.MustParse("/locks/race")

	var winners atomic.Int32
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			ok, err := c.NewLock(path).Acquire(context.Background(), 300*time.Millisecond)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if ok {
				winners.Add(1)
			}
		}(c)
	}
	wg.Wait()

	if winners.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners.Load())
	}
}

func TestLockAcquireHonoursContext(t *testing.T) {
	srv := consultest.New()
	defer srv.Close()
	first := newStartedClient(t, srv)
	second := newStartedClient(t, srv)
	path := nodepath.MustParse("/locks/cancel")

	if ok, _ := first.NewLock(path).Acquire(context.Background(), time.Second); !ok {
		t.Fatal("first acquisition failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)
	ok, err := second.NewLock(path).Acquire(ctx, 5*time.Second)
	if ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected (false, context.Canceled), got %v %v", ok, err)
	}
}

func TestLockWithoutSessionTimesOut(t *testing.T) {
	srv := consultest.New()
	defer srv.Close()
	c, err := New(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	l := c.NewLock(nodepath.MustParse("/locks/nosession"))

	ok, err := l.Acquire(context.Background(), 100*time.Millisecond)
	if ok || err != nil {
		t.Fatalf("expected (false, nil) without a session, got %v %v", ok, err)
	}
	if err := l.Release(context.Background()); err != nil {
		t.Fatalf("release without a session must be a no-op, got %v", err)
	}
}

func TestLockWaiterAcquiresAfterLockDelay(t *testing.T) {
	srv := consultest.New()
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.LockDelay = "300ms"
	first, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = first.Close() })
	if !first.BlockUntilSession(context.Background(), 5*time.Second) {
		t.Fatal("session was not established")
	}
	second := newStartedClient(t, srv)
	ctx := context.Background()
	path := nodepath.MustParse("/locks/delayed")

	if ok, err := first.NewLock(path).Acquire(ctx, time.Second); !ok || err != nil {
		t.Fatalf("first acquisition failed: %v %v", ok, err)
	}

	type result struct {
		ok      bool
		err     error
		elapsed time.Duration
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		ok, err := second.NewLock(path).Acquire(ctx, 5*time.Second)
		done <- result{ok: ok, err: err, elapsed: time.Since(start)}
	}()

	// The key becomes free with no further index change, and acquires are
	// refused until the 300ms lock delay has passed.
	time.Sleep(100 * time.Millisecond)
	srv.ExpireSession(first.SessionID())

	select {
	case r := <-done:
		if !r.ok || r.err != nil {
			t.Fatalf("expected the waiter to acquire after the lock delay, got %v %v", r.ok, r.err)
		}
		if r.elapsed > 2*time.Second {
			t.Fatalf("waiter acquired only after %s, the lock was free after ~400ms", r.elapsed)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("waiter never returned")
	}
	if entry, _ := srv.Get("locks/delayed"); entry.Session != second.SessionID() {
		t.Fatalf("expected the waiter's session to hold the key, got %+v", entry)
	}
}

func TestLockDelayRetryCap(t *testing.T) {
	tests := []struct {
		lockDelay string
		want      time.Duration
	}{
		{lockDelay: "0s", want: lockDelayRetryMax},
		{lockDelay: "", want: lockDelayRetryMax},
		{lockDelay: "15s", want: 15 * time.Second},
		{lockDelay: "1ms", want: lockDelayRetryBase},
	}
	for _, tt := range tests {
		t.Run(tt.lockDelay, func(t *testing.T) {
			l := &lock{client: &Client{cfg: Config{LockDelay: tt.lockDelay}}}
			if got := l.lockDelayRetryCap(); got != tt.want {
				t.Fatalf("lockDelayRetryCap() = %s, want %s", got, tt.want)
			}
		})
	}
}
