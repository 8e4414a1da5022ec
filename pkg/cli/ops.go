package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nimburion/coordination/pkg/coordination"
	"github.com/nimburion/coordination/pkg/health"
	"github.com/nimburion/coordination/pkg/retry"
	"github.com/nimburion/coordination/pkg/version"
)

// ErrLockNotAcquired is returned by the lock command when the timeout elapses.
var ErrLockNotAcquired = errors.New("lock not acquired")

// ErrUnhealthy is returned by the health command when any check fails.
var ErrUnhealthy = errors.New("unhealthy")

// waitOrDone sleeps for d, or until ctx is done when d is zero.
func waitOrDone(ctx context.Context, d time.Duration) {
	if d <= 0 {
		<-ctx.Done()
		return
	}
	retry.Sleep(ctx, d)
}

func newLockCommand(env *environment) *cobra.Command {
	var (
		timeout time.Duration
		hold    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "lock <path>",
		Short: "Acquire a lock, hold it, then release it",
		Long:  "Acquire a lock and hold it for --hold, or until interrupted when --hold is zero.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := parsePath(args[0])
			if err != nil {
				return err
			}
			return env.withHandle(cmd, func(ctx context.Context, rt *runtime) error {
				lock := rt.handle.NewLock(path)
				acquired, err := lock.Acquire(ctx, timeout)
				if err != nil {
					return fmt.Errorf("acquire %s: %w", path, err)
				}
				if !acquired {
					return fmt.Errorf("%w: %s within %s", ErrLockNotAcquired, path, timeout)
				}
				fmt.Fprintf(rt.out, "acquired %s\n", path)

				waitOrDone(ctx, hold)

				releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.Session.MaxCloseSession)
				defer cancel()
				if err := lock.Release(releaseCtx); err != nil {
					return fmt.Errorf("release %s: %w", path, err)
				}
				fmt.Fprintf(rt.out, "released %s\n", path)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "how long to wait for the lock")
	cmd.Flags().DurationVar(&hold, "hold", 0, "how long to hold the lock (0 = until interrupted)")
	return cmd
}

func newWatchCommand(env *environment) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "watch [path]",
		Short: "Mirror a subtree and print every change",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/"
			if len(args) == 1 {
				path = args[0]
			}
			root, err := parsePath(path)
			if err != nil {
				return err
			}
			return env.withHandle(cmd, func(ctx context.Context, rt *runtime) error {
				cache := rt.handle.NewCache(root)

				var mu sync.Mutex
				remove := cache.Listenable().AddListener(coordination.CacheListenerFuncs{
					OnEvent: func(eventType coordination.EventType, node coordination.Node[[]byte]) {
						mu.Lock()
						defer mu.Unlock()
						if eventType == coordination.NodeRemoved {
							fmt.Fprintf(rt.out, "%s %s\n", eventType, node.Path)
							return
						}
						fmt.Fprintf(rt.out, "%s %s %s (version %d)\n", eventType, node.Path, node.Value, node.Metadata.Version)
					},
					OnInitialized: func() {
						mu.Lock()
						defer mu.Unlock()
						fmt.Fprintln(rt.out, "INITIALIZED")
					},
				})
				defer remove()

				if err := cache.Start(); err != nil {
					return fmt.Errorf("start cache for %s: %w", root, err)
				}
				defer func() {
					if err := cache.Close(); err != nil {
						rt.log.Warn("close cache failed", "path", root.String(), "error", err)
					}
				}()

				waitOrDone(ctx, duration)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop watching after this long (0 = until interrupted)")
	return cmd
}

func newSessionCommand(env *environment) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Establish a session and print its state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return env.withHandle(cmd, func(ctx context.Context, rt *runtime) error {
				connected := rt.handle.BlockUntilSession(ctx, wait)
				fmt.Fprintln(rt.out, rt.handle.SessionState())
				if !connected {
					return fmt.Errorf("no session within %s", wait)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for a session")
	return cmd
}

func newHealthCommand(env *environment) *cobra.Command {
	var (
		wait      time.Duration
		cachePath string
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check the backend, the session and optionally a cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return env.withHandle(cmd, func(ctx context.Context, rt *runtime) error {
				registry := health.NewRegistry(rt.cfg.Session.RequestTimeout)
				registry.Register(health.NewSessionChecker("session", rt.handle))
				if checkable, ok := rt.handle.(health.Checkable); ok {
					registry.Register(health.NewAdapterChecker(rt.cfg.Backend, checkable))
				}

				if cachePath != "" {
					root, err := parsePath(cachePath)
					if err != nil {
						return err
					}
					cache := rt.handle.NewCache(root)
					initialized := make(chan struct{})
					var once sync.Once
					remove := cache.Listenable().AddListener(coordination.CacheListenerFuncs{
						OnInitialized: func() { once.Do(func() { close(initialized) }) },
					})
					defer remove()
					if err := cache.Start(); err != nil {
						return fmt.Errorf("start cache for %s: %w", root, err)
					}
					defer func() { _ = cache.Close() }()
					select {
					case <-initialized:
					case <-time.After(wait):
					case <-ctx.Done():
					}
					registry.Register(health.NewCacheChecker("cache", cache))
				}

				rt.handle.BlockUntilSession(ctx, wait)
				result := registry.Check(ctx)
				data, err := json.MarshalIndent(result, "", "  ")
				if err != nil {
					return fmt.Errorf("encode health result: %w", err)
				}
				fmt.Fprintln(rt.out, string(data))
				if result.Status == health.StatusUnhealthy {
					return ErrUnhealthy
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for the session and cache before checking")
	cmd.Flags().StringVar(&cachePath, "cache", "", "also check that a cache of this path initializes")
	return cmd
}

func newConfigCommand(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := env.load(cmd)
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg.Redacted())
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, _, err := env.load(cmd); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})
	return cmd
}

func newVersionCommand(name string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := yaml.Marshal(version.Current(name))
			if err != nil {
				return fmt.Errorf("marshal version: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
