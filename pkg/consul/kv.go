package consul

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nimburion/coordination/pkg/coordination"
	"github.com/nimburion/coordination/pkg/nodepath"
	"github.com/nimburion/coordination/pkg/transport"
)

// kvEntry is the wire form of a KV entry. Value stays encoded so that one bad
// entry does not fail the whole response.
type kvEntry struct {
	Key         string  `json:"Key"`
	Value       *string `json:"Value"`
	CreateIndex int64   `json:"CreateIndex"`
	ModifyIndex int64   `json:"ModifyIndex"`
	LockIndex   int64   `json:"LockIndex"`
	Flags       uint64  `json:"Flags"`
	Session     string  `json:"Session,omitempty"`
}

func (e kvEntry) decodeValue() ([]byte, error) {
	if e.Value == nil {
		return nil, nil
	}
	value, err := base64.StdEncoding.DecodeString(*e.Value)
	if err != nil {
		return nil, fmt.Errorf("decode value of %q: %w", e.Key, err)
	}
	return value, nil
}

func decodeEntries(resp *transport.Response) ([]kvEntry, error) {
	if resp.IsNull() {
		return nil, nil
	}
	var entries []kvEntry
	if err := resp.Decode(&entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// await runs req and waits at most the request timeout. Running out of time
// is reported as an error wrapping context.DeadlineExceeded.
func (c *Client) await(ctx context.Context, req transport.Request, opts ...transport.ExecuteOption) (*transport.Response, error) {
	outcome := c.requester.Execute(ctx, req, opts...).Await(ctx, c.cfg.RequestTimeout)
	switch outcome.Status {
	case transport.StatusSuccess:
		return outcome.Response, nil
	case transport.StatusTimedOut:
		return nil, fmt.Errorf("%s %s timed out after %s: %w", req.Method, redact(req.URL), c.cfg.RequestTimeout, context.DeadlineExceeded)
	default:
		return nil, outcome.Err
	}
}

func redact(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i]
	}
	return raw
}

func decodeBool(resp *transport.Response) (bool, error) {
	var ok bool
	if err := resp.Decode(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// Read returns the node stored at path, coordination.ErrNotFound if absent.
func (c *Client) Read(ctx context.Context, path nodepath.Path) (coordination.Node[[]byte], error) {
	resp, err := c.await(ctx, transport.Request{Method: http.MethodGet, URL: c.kvURI(path, nil)})
	if err != nil {
		if transport.IsStatus(err, http.StatusNotFound) {
			return coordination.Node[[]byte]{}, coordination.Errorf(coordination.ErrNotFound, "%s", path)
		}
		return coordination.Node[[]byte]{}, err
	}
	entries, err := decodeEntries(resp)
	if err != nil {
		return coordination.Node[[]byte]{}, err
	}
	if len(entries) == 0 {
		return coordination.Node[[]byte]{}, coordination.Errorf(coordination.ErrNotFound, "%s", path)
	}
	value, err := entries[0].decodeValue()
	if err != nil {
		return coordination.Node[[]byte]{}, fmt.Errorf("%w: %w", transport.ErrCodec, err)
	}
	return coordination.Node[[]byte]{
		Path:     path,
		Metadata: coordination.MetadataAt(entries[0].ModifyIndex),
		Value:    value,
	}, nil
}

// Set writes data at path unconditionally.
func (c *Client) Set(ctx context.Context, path nodepath.Path, data []byte) error {
	return c.put(ctx, path, nil, data, "set")
}

// SetVersion writes data only if the node's version equals version. Version 0
// means the node must not exist yet.
func (c *Client) SetVersion(ctx context.Context, path nodepath.Path, version int64, data []byte) error {
	return c.put(ctx, path, url.Values{"cas": {strconv.FormatInt(version, 10)}}, data, "set")
}

func (c *Client) put(ctx context.Context, path nodepath.Path, query url.Values, data []byte, op string) error {
	if data == nil {
		data = []byte{}
	}
	resp, err := c.await(ctx, transport.Request{Method: http.MethodPut, URL: c.kvURI(path, query), Body: data})
	if err != nil {
		return err
	}
	return c.confirm(resp, path, query, op)
}

// Delete removes the node at path. Deleting a missing node is not an error.
func (c *Client) Delete(ctx context.Context, path nodepath.Path) error {
	return c.delete(ctx, path, nil)
}

// DeleteVersion removes the node only if its version equals version.
func (c *Client) DeleteVersion(ctx context.Context, path nodepath.Path, version int64) error {
	return c.delete(ctx, path, url.Values{"cas": {strconv.FormatInt(version, 10)}})
}

func (c *Client) delete(ctx context.Context, path nodepath.Path, query url.Values) error {
	resp, err := c.await(ctx, transport.Request{Method: http.MethodDelete, URL: c.kvURI(path, query)})
	if err != nil {
		return err
	}
	return c.confirm(resp, path, query, "delete")
}

func (c *Client) confirm(resp *transport.Response, path nodepath.Path, query url.Values, op string) error {
	ok, err := decodeBool(resp)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if query.Has("cas") {
		return coordination.Errorf(coordination.ErrVersionMismatch, "%s %s at version %s", op, path, query.Get("cas"))
	}
	return fmt.Errorf("%s %s rejected by server", op, path)
}

// Children returns the direct children of path.
func (c *Client) Children(ctx context.Context, path nodepath.Path) ([]nodepath.Path, error) {
	prefix := kvKey(path)
	if prefix != "" {
		prefix += "/"
	}
	uri := buildURI(c.cfg.Address, pathKV, prefix, url.Values{"keys": {""}, "separator": {"/"}})
	resp, err := c.await(ctx, transport.Request{Method: http.MethodGet, URL: uri})
	if err != nil {
		if transport.IsStatus(err, http.StatusNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var keys []string
	if !resp.IsNull() {
		if err := resp.Decode(&keys); err != nil {
			return nil, err
		}
	}

	rawPrefix := path.Key()
	if rawPrefix != "" {
		rawPrefix += "/"
	}
	seen := make(map[nodepath.Path]bool, len(keys))
	children := make([]nodepath.Path, 0, len(keys))
	for _, key := range keys {
		name := strings.TrimSuffix(strings.TrimPrefix(key, rawPrefix), "/")
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		child, err := path.Child(name)
		if err != nil {
			c.log.Warn("skipping child with invalid key", "key", key, "error", err)
			continue
		}
		if !seen[child] {
			seen[child] = true
			children = append(children, child)
		}
	}
	return children, nil
}

func (c *Client) kvURI(path nodepath.Path, query url.Values) string {
	return buildURI(c.cfg.Address, pathKV, kvKey(path), query)
}

var errReadTimedOut = errors.New("read timed out")

// blockingQuery returns the query of a read that waits for index to move.
func blockingQuery(base url.Values, index int64, wait time.Duration) url.Values {
	q := url.Values{}
	for k, v := range base {
		q[k] = v
	}
	if index != transport.NoIndex {
		q.Set("index", strconv.FormatInt(index, 10))
		q.Set("wait", FormatSeconds(wait))
	}
	return q
}
