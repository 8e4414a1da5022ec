package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/nimburion/coordination/pkg/nodepath"
)

// anyVersion disables the version check of put and delete.
const anyVersion int64 = -1

func parsePath(arg string) (nodepath.Path, error) {
	p, err := nodepath.Parse(arg)
	if err != nil {
		return nodepath.Path{}, fmt.Errorf("invalid path %q: %w", arg, err)
	}
	return p, nil
}

func newGetCommand(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "Print the value and version stored at a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := parsePath(args[0])
			if err != nil {
				return err
			}
			return env.withHandle(cmd, func(ctx context.Context, rt *runtime) error {
				node, err := rt.handle.Read(ctx, path)
				if err != nil {
					return fmt.Errorf("read %s: %w", path, err)
				}
				fmt.Fprintf(rt.out, "%s\nversion: %d\n", node.Value, node.Metadata.Version)
				return nil
			})
		},
	}
}

func newPutCommand(env *environment) *cobra.Command {
	var cas int64
	cmd := &cobra.Command{
		Use:   "put <path> <value>",
		Short: "Store a value at a path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := parsePath(args[0])
			if err != nil {
				return err
			}
			data := []byte(args[1])
			return env.withHandle(cmd, func(ctx context.Context, rt *runtime) error {
				var err error
				if cas == anyVersion {
					err = rt.handle.Set(ctx, path, data)
				} else {
					err = rt.handle.SetVersion(ctx, path, cas, data)
				}
				if err != nil {
					return fmt.Errorf("write %s: %w", path, err)
				}
				rt.log.Debug("value written", "path", path.String(), "bytes", len(data))
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&cas, "cas", anyVersion, "write only if the current version matches (0 = must not exist, -1 = unconditional)")
	return cmd
}

func newDeleteCommand(env *environment) *cobra.Command {
	var cas int64
	cmd := &cobra.Command{
		Use:     "delete <path>",
		Aliases: []string{"rm"},
		Short:   "Delete the value at a path",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := parsePath(args[0])
			if err != nil {
				return err
			}
			return env.withHandle(cmd, func(ctx context.Context, rt *runtime) error {
				var err error
				if cas == anyVersion {
					err = rt.handle.Delete(ctx, path)
				} else {
					err = rt.handle.DeleteVersion(ctx, path, cas)
				}
				if err != nil {
					return fmt.Errorf("delete %s: %w", path, err)
				}
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&cas, "cas", anyVersion, "delete only if the current version matches (-1 = unconditional)")
	return cmd
}

func newListCommand(env *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List the direct children of a path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := nodepath.Root
			if len(args) == 1 {
				var err error
				if path, err = parsePath(args[0]); err != nil {
					return err
				}
			}
			return env.withHandle(cmd, func(ctx context.Context, rt *runtime) error {
				children, err := rt.handle.Children(ctx, path)
				if err != nil {
					return fmt.Errorf("list %s: %w", path, err)
				}
				names := make([]string, 0, len(children))
				for _, child := range children {
					names = append(names, child.String())
				}
				sort.Strings(names)
				for _, name := range names {
					fmt.Fprintln(rt.out, name)
				}
				return nil
			})
		},
	}
}
