package rediscoord

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/coordination/pkg/coordination"
	"github.com/nimburion/coordination/pkg/nodepath"
)

const (
	fieldValue   = "value"
	fieldVersion = "version"

	// anyVersion disables the version check of the set and delete scripts.
	anyVersion = -1
)

// Read returns the node at path, or an error wrapping coordination.ErrNotFound.
func (c *Client) Read(ctx context.Context, path nodepath.Path) (coordination.Node[[]byte], error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	fields, err := c.rdb.HGetAll(ctx, c.keys.kv(path.Key())).Result()
	if err != nil {
		return coordination.Node[[]byte]{}, backendError("read "+path.FullPath(), err)
	}
	return nodeFromHash(path, fields)
}

func nodeFromHash(path nodepath.Path, fields map[string]string) (coordination.Node[[]byte], error) {
	if len(fields) == 0 {
		return coordination.Node[[]byte]{}, coordination.Errorf(coordination.ErrNotFound, "%s", path)
	}
	version, err := strconv.ParseInt(fields[fieldVersion], 10, 64)
	if err != nil {
		return coordination.Node[[]byte]{}, backendError("parse version of "+path.FullPath(), err)
	}
	return coordination.Node[[]byte]{
		Path:     path,
		Metadata: coordination.MetadataAt(version),
		Value:    []byte(fields[fieldValue]),
	}, nil
}

// Set writes data unconditionally.
func (c *Client) Set(ctx context.Context, path nodepath.Path, data []byte) error {
	return c.set(ctx, path, anyVersion, data)
}

// SetVersion writes data only if the node's version equals version. Version 0
// creates the node only if it does not exist.
func (c *Client) SetVersion(ctx context.Context, path nodepath.Path, version int64, data []byte) error {
	return c.set(ctx, path, version, data)
}

func (c *Client) set(ctx context.Context, path nodepath.Path, version int64, data []byte) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	written, err := setScript.Run(ctx, c.rdb, []string{c.keys.kv(path.Key()), c.keys.index()}, data, version).Int64()
	if err != nil {
		return backendError("set "+path.FullPath(), err)
	}
	if written == 0 {
		return coordination.Errorf(coordination.ErrVersionMismatch, "%s at version %d", path, version)
	}
	return nil
}

// Delete removes the node at path. Deleting a missing node is not an error.
func (c *Client) Delete(ctx context.Context, path nodepath.Path) error {
	return c.delete(ctx, path, anyVersion)
}

// DeleteVersion removes the node only if its version equals version.
func (c *Client) DeleteVersion(ctx context.Context, path nodepath.Path, version int64) error {
	return c.delete(ctx, path, version)
}

func (c *Client) delete(ctx context.Context, path nodepath.Path, version int64) error {
	ctx, cancel := c.opContext(ctx)
	defer cancel()
	deleted, err := deleteScript.Run(ctx, c.rdb, []string{c.keys.kv(path.Key()), c.keys.index()}, version).Int64()
	if err != nil {
		return backendError("delete "+path.FullPath(), err)
	}
	if deleted == 0 {
		return coordination.Errorf(coordination.ErrVersionMismatch, "%s at version %d", path, version)
	}
	return nil
}

// Children returns the direct children of path. Intermediate segments of
// deeper keys count as children.
func (c *Client) Children(ctx context.Context, path nodepath.Path) ([]nodepath.Path, error) {
	ctx, cancel := c.opContext(ctx)
	defer cancel()

	base := path.Key()
	if base != "" {
		base += "/"
	}
	stored, err := c.scan(ctx, c.keys.kvPrefix()+escapeGlob(base)+"*")
	if err != nil {
		return nil, backendError("children of "+path.FullPath(), err)
	}
	return directChildren(path, base, c.keys.kvPrefix(), stored)
}

// directChildren reduces stored Redis keys under base to the distinct direct
// children of parent.
func directChildren(parent nodepath.Path, base, kvPrefix string, stored []string) ([]nodepath.Path, error) {
	seen := make(map[string]struct{})
	var children []nodepath.Path
	for _, key := range stored {
		rest, ok := strings.CutPrefix(strings.TrimPrefix(key, kvPrefix), base)
		if !ok || rest == "" {
			continue
		}
		name, _, _ := strings.Cut(rest, "/")
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		child, err := parent.Child(name)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// scan collects every key matching pattern. Against a cluster only the node
// serving the connection is scanned.
func (c *Client) scan(ctx context.Context, pattern string) ([]string, error) {
	var found []string
	iter := c.rdb.Scan(ctx, 0, pattern, c.cfg.Cache.ScanCount).Iterator()
	for iter.Next(ctx) {
		found = append(found, iter.Val())
	}
	if err := iter.Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return found, nil
}
