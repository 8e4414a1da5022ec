package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nimburion/coordination/internal/consultest"
	"github.com/nimburion/coordination/pkg/config"
	"github.com/nimburion/coordination/pkg/consul"
	"github.com/nimburion/coordination/pkg/coordination"
	"github.com/nimburion/coordination/pkg/coordination/factory"
	"github.com/nimburion/coordination/pkg/health"
	"github.com/nimburion/coordination/pkg/nodepath"
)

func execute(t *testing.T, opts Options, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	opts.Out = &out
	cmd := NewRootCommand(opts)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// coordctl runs a command against srv.
func coordctl(t *testing.T, srv *consultest.Server, args ...string) (string, error) {
	t.Helper()
	base := []string{"--consul-address", srv.URL, "--log-level", "error"}
	return execute(t, Options{}, append(base, args...)...)
}

func newServer(t *testing.T) *consultest.Server {
	t.Helper()
	srv := consultest.New()
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand(Options{})
	if cmd.Name() != "coordctl" {
		t.Fatalf("expected default name coordctl, got %q", cmd.Name())
	}
	for _, name := range []string{"get", "put", "delete", "ls", "lock", "watch", "session", "health", "config", "version"} {
		found, _, err := cmd.Find([]string{name})
		if err != nil || found == nil || found.Name() != name {
			t.Fatalf("expected %s command, got %v (err %v)", name, found, err)
		}
	}
	for _, flag := range []string{"config-file", "secret-file", "backend", "consul-address", "redis-url", "session-ttl"} {
		if cmd.PersistentFlags().Lookup(flag) == nil {
			t.Fatalf("expected persistent flag --%s", flag)
		}
	}
}

func TestCommands_PutGetDelete(t *testing.T) {
	srv := newServer(t)

	if _, err := coordctl(t, srv, "put", "/app/name", "hello"); err != nil {
		t.Fatalf("put error = %v", err)
	}
	out, err := coordctl(t, srv, "get", "/app/name")
	if err != nil {
		t.Fatalf("get error = %v", err)
	}
	entry, ok := srv.Get("app/name")
	if !ok {
		t.Fatal("expected app/name to be stored")
	}
	want := "hello\nversion: " + itoa(entry.ModifyIndex) + "\n"
	if out != want {
		t.Fatalf("get output = %q, want %q", out, want)
	}

	if _, err := coordctl(t, srv, "put", "--cas", "0", "/app/name", "again"); !errors.Is(err, coordination.ErrVersionMismatch) {
		t.Fatalf("put --cas 0 on existing node error = %v, want version mismatch", err)
	}
	if _, err := coordctl(t, srv, "put", "--cas", itoa(entry.ModifyIndex), "/app/name", "again"); err != nil {
		t.Fatalf("put with current version error = %v", err)
	}

	if _, err := coordctl(t, srv, "delete", "/app/name"); err != nil {
		t.Fatalf("delete error = %v", err)
	}
	if _, err := coordctl(t, srv, "get", "/app/name"); !errors.Is(err, coordination.ErrNotFound) {
		t.Fatalf("get after delete error = %v, want not found", err)
	}
}

func TestCommands_List(t *testing.T) {
	srv := newServer(t)
	srv.Put("app/b", []byte("2"))
	srv.Put("app/a", []byte("1"))
	srv.Put("app/a/nested", []byte("3"))
	srv.Put("other", []byte("x"))

	out, err := coordctl(t, srv, "ls", "/app")
	if err != nil {
		t.Fatalf("ls error = %v", err)
	}
	if out != "/app/a\n/app/b\n" {
		t.Fatalf("ls output = %q", out)
	}
}

func TestCommands_InvalidPath(t *testing.T) {
	srv := newServer(t)
	if _, err := coordctl(t, srv, "get", "/a//b"); !errors.Is(err, nodepath.ErrInvalidPath) {
		t.Fatalf("get with invalid path error = %v", err)
	}
}

func TestCommands_Lock(t *testing.T) {
	srv := newServer(t)

	out, err := coordctl(t, srv, "lock", "--hold", "10ms", "--timeout", "2s", "/locks/job")
	if err != nil {
		t.Fatalf("lock error = %v", err)
	}
	if out != "acquired /locks/job\nreleased /locks/job\n" {
		t.Fatalf("lock output = %q", out)
	}
	if entry, ok := srv.Get("locks/job"); ok && entry.Session != "" {
		t.Fatalf("expected lock to be released, held by %q", entry.Session)
	}
}

func TestCommands_LockContended(t *testing.T) {
	srv := newServer(t)
	holder, err := consul.New(consul.Config{Address: srv.URL, TTL: "10s"})
	if err != nil {
		t.Fatalf("consul.New() error = %v", err)
	}
	t.Cleanup(func() { _ = holder.Close() })
	ctx := context.Background()
	if err := holder.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	acquired, err := holder.NewLock(nodepath.MustParse("/locks/job")).Acquire(ctx, 5*time.Second)
	if err != nil || !acquired {
		t.Fatalf("holder Acquire() = %v, %v", acquired, err)
	}

	_, err = coordctl(t, srv, "lock", "--timeout", "200ms", "/locks/job")
	if !errors.Is(err, ErrLockNotAcquired) {
		t.Fatalf("contended lock error = %v, want ErrLockNotAcquired", err)
	}
}

func TestCommands_Watch(t *testing.T) {
	srv := newServer(t)
	srv.Put("watched/a", []byte("one"))
	srv.Put("elsewhere", []byte("two"))

	out, err := coordctl(t, srv, "watch", "--duration", "500ms", "/watched")
	if err != nil {
		t.Fatalf("watch error = %v", err)
	}
	if !strings.Contains(out, "NODE_ADDED /watched/a one") {
		t.Fatalf("expected added event in output %q", out)
	}
	if !strings.Contains(out, "INITIALIZED") {
		t.Fatalf("expected initialized marker in output %q", out)
	}
	if strings.Contains(out, "elsewhere") {
		t.Fatalf("unexpected event outside the watched path in %q", out)
	}
}

func TestCommands_Session(t *testing.T) {
	srv := newServer(t)
	out, err := coordctl(t, srv, "session", "--wait", "5s")
	if err != nil {
		t.Fatalf("session error = %v", err)
	}
	if out != "CONNECTED\n" {
		t.Fatalf("session output = %q", out)
	}
}

func TestCommands_Health(t *testing.T) {
	srv := newServer(t)

	tests := []struct {
		name       string
		args       []string
		wantChecks []string
	}{
		{
			name:       "session and backend",
			args:       []string{"health"},
			wantChecks: []string{"consul", "session"},
		},
		{
			name:       "with cache",
			args:       []string{"health", "--cache", "/app"},
			wantChecks: []string{"cache", "consul", "session"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := coordctl(t, srv, tt.args...)
			if err != nil {
				t.Fatalf("health error = %v (output %s)", err, out)
			}
			var result health.AggregatedResult
			if err := json.Unmarshal([]byte(out), &result); err != nil {
				t.Fatalf("decode health output: %v", err)
			}
			if !result.IsHealthy() {
				t.Fatalf("expected healthy, got %+v", result)
			}
			if len(result.Checks) != len(tt.wantChecks) {
				t.Fatalf("expected %d checks, got %+v", len(tt.wantChecks), result.Checks)
			}
			for i, name := range tt.wantChecks {
				if result.Checks[i].Name != name {
					t.Fatalf("check %d = %q, want %q", i, result.Checks[i].Name, name)
				}
			}
		})
	}
}

func TestCommands_HealthUnhealthyBackend(t *testing.T) {
	srv := newServer(t)
	srv.FailNext("/v1/status/leader", 1, 500)

	_, err := coordctl(t, srv, "health", "--wait", "2s")
	if !errors.Is(err, ErrUnhealthy) {
		t.Fatalf("health error = %v, want ErrUnhealthy", err)
	}
}

func TestConfigShow_RedactsSecrets(t *testing.T) {
	out, err := execute(t, Options{}, "config", "show",
		"--consul-address", "http://consul.internal:8500",
		"--consul-token", "s3cr3t",
		"--redis-url", "redis://user:pw@cache:6379/1",
	)
	if err != nil {
		t.Fatalf("config show error = %v", err)
	}
	if strings.Contains(out, "s3cr3t") || strings.Contains(out, ":pw@") {
		t.Fatalf("secrets leaked in output:\n%s", out)
	}
	for _, want := range []string{"backend: consul", "address: http://consul.internal:8500", "***"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.yaml")
	if err := os.WriteFile(valid, []byte("backend: redis\nredis:\n  url: redis://localhost:6379/0\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("backend: zookeeper\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, Options{}, "config", "validate", "-c", valid)
	if err != nil {
		t.Fatalf("validate valid config error = %v", err)
	}
	if out != "configuration is valid\n" {
		t.Fatalf("unexpected output %q", out)
	}

	if _, err := execute(t, Options{}, "config", "validate", "-c", invalid); err == nil {
		t.Fatal("expected invalid backend to fail validation")
	}
}

func TestSecretFileFlag(t *testing.T) {
	if _, err := execute(t, Options{}, "config", "show", "--secret-file", filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing secret file to fail")
	}
	if _, err := execute(t, Options{}, "config", "show", "--secret-file", t.TempDir()); err == nil {
		t.Fatal("expected directory secret file to fail")
	}
}

func TestWithHandle_FactoryError(t *testing.T) {
	boom := errors.New("boom")
	opts := Options{
		NewHandle: func(*config.Config, factory.Options) (coordination.Handle, error) {
			return nil, boom
		},
	}
	_, err := execute(t, opts, "--log-level", "error", "get", "/a")
	if !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, Options{Name: "coordctl"}, "version")
	if err != nil {
		t.Fatalf("version error = %v", err)
	}
	for _, want := range []string{"name: coordctl", "version:", "go_version:"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
