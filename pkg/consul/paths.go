package consul

import (
	"maps"
	"net/url"
	"slices"
	"strings"

	"github.com/nimburion/coordination/pkg/nodepath"
)

const (
	pathSessionCreate  = "/v1/session/create"
	pathSessionRenew   = "/v1/session/renew/"
	pathSessionDestroy = "/v1/session/destroy/"
	pathKV             = "/v1/kv/"
	pathStatusLeader   = "/v1/status/leader"
)

// buildURI joins the agent address, an API path, an optional escaped suffix
// and the query.
func buildURI(address, apiPath, suffix string, query url.Values) string {
	var b strings.Builder
	b.WriteString(address)
	b.WriteString(apiPath)
	b.WriteString(suffix)
	if len(query) > 0 {
		b.WriteByte('?')
		b.WriteString(encodeQuery(query))
	}
	return b.String()
}

// encodeQuery keeps flag parameters such as "recurse" without a trailing "=".
func encodeQuery(query url.Values) string {
	parts := make([]string, 0, len(query))
	for _, key := range slices.Sorted(maps.Keys(query)) {
		for _, v := range query[key] {
			if v == "" {
				parts = append(parts, url.QueryEscape(key))
				continue
			}
			parts = append(parts, url.QueryEscape(key)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

// kvKey escapes every segment of path for use after /v1/kv/.
func kvKey(path nodepath.Path) string {
	segments := path.Segments()
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// pathFromKey converts a stored key back into a node path.
func pathFromKey(key string) (nodepath.Path, error) {
	return nodepath.Parse(key)
}
