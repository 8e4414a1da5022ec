package rediscoord

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimburion/coordination/pkg/coordination"
	"github.com/nimburion/coordination/pkg/nodepath"
	"github.com/nimburion/coordination/pkg/testutil"
)

func TestRedisClient_Integration(t *testing.T) {
	url := redisURL(t)
	ctx := context.Background()

	t.Run("SessionLifecycle", func(t *testing.T) {
		c := newStartedClient(t, url)
		if got := c.SessionState(); got != coordination.SessionConnected {
			t.Fatalf("SessionState() = %s", got)
		}
		id := c.session.ID()
		if err := c.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if n, err := redisExists(t, url, c.keys.session(id)); err != nil || n != 0 {
			t.Errorf("session key still present: n=%d err=%v", n, err)
		}
	})

	t.Run("VersionedWrites", func(t *testing.T) {
		c := newStartedClient(t, url)
		path := nodepath.MustParse("/config/a")

		if err := c.SetVersion(ctx, path, 0, []byte("v1")); err != nil {
			t.Fatalf("create with version 0: %v", err)
		}
		if err := c.SetVersion(ctx, path, 0, []byte("again")); !errorIs(err, coordination.ErrVersionMismatch) {
			t.Fatalf("second create error = %v, want ErrVersionMismatch", err)
		}
		node, err := c.Read(ctx, path)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if string(node.Value) != "v1" {
			t.Errorf("value = %q", node.Value)
		}
		if err := c.SetVersion(ctx, path, node.Metadata.Version+1, []byte("stale")); !errorIs(err, coordination.ErrVersionMismatch) {
			t.Errorf("stale SetVersion error = %v", err)
		}
		if err := c.SetVersion(ctx, path, node.Metadata.Version, []byte("v2")); err != nil {
			t.Errorf("SetVersion() error = %v", err)
		}
		updated, _ := c.Read(ctx, path)
		if updated.Metadata.Version <= node.Metadata.Version {
			t.Errorf("version did not move: %d -> %d", node.Metadata.Version, updated.Metadata.Version)
		}
		if err := c.DeleteVersion(ctx, path, node.Metadata.Version); !errorIs(err, coordination.ErrVersionMismatch) {
			t.Errorf("stale DeleteVersion error = %v", err)
		}
		if err := c.DeleteVersion(ctx, path, updated.Metadata.Version); err != nil {
			t.Errorf("DeleteVersion() error = %v", err)
		}
		if _, err := c.Read(ctx, path); !errorIs(err, coordination.ErrNotFound) {
			t.Errorf("Read after delete error = %v", err)
		}
		if err := c.Delete(ctx, path); err != nil {
			t.Errorf("Delete of missing node error = %v", err)
		}
	})

	t.Run("Children", func(t *testing.T) {
		c := newStartedClient(t, url)
		for _, p := range []string{"/svc/api", "/svc/web/1", "/svcx"} {
			if err := c.Set(ctx, nodepath.MustParse(p), []byte("x")); err != nil {
				t.Fatalf("Set(%s) error = %v", p, err)
			}
		}
		children, err := c.Children(ctx, nodepath.MustParse("/svc"))
		if err != nil {
			t.Fatalf("Children() error = %v", err)
		}
		if len(children) != 2 {
			t.Errorf("children = %v", children)
		}
	})

	t.Run("LockContention", func(t *testing.T) {
		a := newStartedClient(t, url)
		b := newStartedClient(t, url)
		path := nodepath.MustParse("/locks/job")

		lockA := a.NewLock(path)
		ok, err := lockA.Acquire(ctx, time.Second)
		if err != nil || !ok {
			t.Fatalf("A Acquire() = %v, %v", ok, err)
		}
		ok, err = b.NewLock(path).Acquire(ctx, 100*time.Millisecond)
		if err != nil || ok {
			t.Fatalf("B Acquire() while held = %v, %v; want false, nil", ok, err)
		}

		done := make(chan bool, 1)
		go func() {
			ok, _ := b.NewLock(path).Acquire(ctx, 3*time.Second)
			done <- ok
		}()
		time.Sleep(50 * time.Millisecond)
		if err := lockA.Release(ctx); err != nil {
			t.Fatalf("Release() error = %v", err)
		}
		select {
		case ok := <-done:
			if !ok {
				t.Error("B did not acquire after release")
			}
		case <-time.After(5 * time.Second):
			t.Fatal("B Acquire did not return")
		}
	})

	t.Run("SingleWinner", func(t *testing.T) {
		path := nodepath.MustParse("/locks/leader")
		clients := []*Client{newStartedClient(t, url), newStartedClient(t, url), newStartedClient(t, url)}
		var winners atomic.Int32
		var wg sync.WaitGroup
		for _, c := range clients {
			wg.Add(1)
			go func(c *Client) {
				defer wg.Done()
				if ok, _ := c.NewLock(path).Acquire(ctx, 200*time.Millisecond); ok {
					winners.Add(1)
				}
			}(c)
		}
		wg.Wait()
		if got := winners.Load(); got != 1 {
			t.Errorf("winners = %d, want 1", got)
		}
	})

	t.Run("LockExpiresWithSession", func(t *testing.T) {
		a := newStartedClient(t, url)
		b := newStartedClient(t, url)
		path := nodepath.MustParse("/locks/expiring")
		if ok, err := a.NewLock(path).Acquire(ctx, time.Second); !ok || err != nil {
			t.Fatalf("A Acquire() = %v, %v", ok, err)
		}
		_ = a.Close()
		ok, err := b.NewLock(path).Acquire(ctx, time.Second)
		if err != nil || !ok {
			t.Errorf("B Acquire() after A closed = %v, %v", ok, err)
		}
	})

	t.Run("Cache", func(t *testing.T) {
		c := newStartedClient(t, url)
		root := nodepath.MustParse("/watched")
		_ = c.Set(ctx, root.MustChild("a"), []byte("1"))
		_ = c.Set(ctx, nodepath.MustParse("/watchedx"), []byte("outside"))

		var mu sync.Mutex
		var events []coordination.EventType
		var initialized atomic.Int32
		cache := c.NewCache(root)
		cache.Listenable().AddListener(coordination.CacheListenerFuncs{
			OnEvent: func(eventType coordination.EventType, _ coordination.Node[[]byte]) {
				mu.Lock()
				events = append(events, eventType)
				mu.Unlock()
			},
			OnInitialized: func() { initialized.Add(1) },
		})
		if err := cache.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer cache.Close()

		testutil.WaitFor(t, 5*time.Second, cache.Initialized)
		if got := cache.Current(); len(got) != 1 {
			t.Fatalf("Current() = %v", got)
		}

		_ = c.Set(ctx, root.MustChild("a"), []byte("2"))
		testutil.WaitFor(t, 5*time.Second, func() bool { return string(cache.Current()[root.MustChild("a")].Value) == "2" })
		_ = c.Set(ctx, root.MustChild("b"), []byte("3"))
		testutil.WaitFor(t, 5*time.Second, func() bool { return len(cache.Current()) == 2 })
		_ = c.Delete(ctx, root.MustChild("b"))
		testutil.WaitFor(t, 5*time.Second, func() bool { return len(cache.Current()) == 1 })
		testutil.WaitFor(t, 5*time.Second, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(events) >= 4
		})

		if got := initialized.Load(); got != 1 {
			t.Errorf("Initialized called %d times", got)
		}
		mu.Lock()
		defer mu.Unlock()
		want := []coordination.EventType{coordination.NodeAdded, coordination.NodeUpdated, coordination.NodeAdded, coordination.NodeRemoved}
		if len(events) != len(want) {
			t.Fatalf("events = %v, want %v", events, want)
		}
		for i := range want {
			if events[i] != want[i] {
				t.Errorf("events[%d] = %s, want %s", i, events[i], want[i])
			}
		}
	})
}

func redisExists(t *testing.T, url, key string) (int64, error) {
	t.Helper()
	c, err := New(Config{URL: url})
	if err != nil {
		return 0, err
	}
	defer c.Close()
	return c.Redis().Exists(context.Background(), key).Result()
}
