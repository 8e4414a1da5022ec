package consul

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/nimburion/coordination/pkg/coordination/session"
	"github.com/nimburion/coordination/pkg/observability/logger"
	"github.com/nimburion/coordination/pkg/transport"
)

type createSessionRequest struct {
	Name      string   `json:"Name"`
	TTL       string   `json:"TTL"`
	LockDelay string   `json:"LockDelay,omitempty"`
	Checks    []string `json:"Checks,omitempty"`
}

type sessionInfo struct {
	ID  string `json:"ID"`
	TTL string `json:"TTL"`
}

// leaser implements session.Leaser over the session endpoints.
type leaser struct {
	requester *transport.Requester
	address   string
	request   createSessionRequest
	log       logger.Logger
}

var _ session.Leaser = (*leaser)(nil)

func newLeaser(requester *transport.Requester, cfg Config) *leaser {
	return &leaser{
		requester: requester,
		address:   cfg.Address,
		request: createSessionRequest{
			Name:      cfg.SessionName,
			TTL:       cfg.TTL,
			LockDelay: cfg.LockDelay,
			Checks:    cfg.Checks,
		},
		log: cfg.Logger,
	}
}

func (l *leaser) Create(ctx context.Context) (session.Lease, error) {
	body, err := json.Marshal(l.request)
	if err != nil {
		return session.Lease{}, fmt.Errorf("encode session request: %w", err)
	}
	resp, err := l.requester.Do(ctx, transport.Request{
		Method: http.MethodPut,
		URL:    buildURI(l.address, pathSessionCreate, "", nil),
		Body:   body,
	})
	if err != nil {
		return session.Lease{}, err
	}
	var created sessionInfo
	if err := resp.Decode(&created); err != nil {
		return session.Lease{}, err
	}
	if created.ID == "" {
		return session.Lease{}, errors.New("session create response has no ID")
	}
	return session.Lease{ID: created.ID}, nil
}

func (l *leaser) Renew(ctx context.Context, id string) (session.Lease, error) {
	resp, err := l.requester.Do(ctx, transport.Request{
		Method: http.MethodPut,
		URL:    buildURI(l.address, pathSessionRenew, url.PathEscape(id), nil),
	})
	if err != nil {
		return session.Lease{}, err
	}
	info, err := decodeSessionInfo(resp.Body)
	if err != nil {
		return session.Lease{}, err
	}

	lease := session.Lease{ID: id}
	if info.TTL != "" {
		ttl, err := ParseDuration(info.TTL)
		if err != nil {
			l.log.Error("could not parse ttl string from server", "ttl", info.TTL, "error", err)
		} else {
			lease.TTL = ttl
		}
	}
	return lease, nil
}

// decodeSessionInfo accepts the array form Consul returns as well as a single object.
func decodeSessionInfo(body json.RawMessage) (sessionInfo, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var infos []sessionInfo
		if err := json.Unmarshal(body, &infos); err != nil {
			return sessionInfo{}, fmt.Errorf("%w: %w", transport.ErrCodec, err)
		}
		if len(infos) == 0 {
			return sessionInfo{}, errors.New("session renew response is empty")
		}
		return infos[0], nil
	}
	if trimmed == "null" {
		return sessionInfo{}, errors.New("session renew response is empty")
	}
	var info sessionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return sessionInfo{}, fmt.Errorf("%w: %w", transport.ErrCodec, err)
	}
	return info, nil
}

func (l *leaser) Destroy(ctx context.Context, id string) error {
	_, err := l.requester.Do(ctx, transport.Request{
		Method: http.MethodPut,
		URL:    buildURI(l.address, pathSessionDestroy, url.PathEscape(id), nil),
	}, transport.WithoutRetry())
	return err
}
