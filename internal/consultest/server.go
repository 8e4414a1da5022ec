// Package consultest runs an in-process fake of the Consul session and KV HTTP
// API for tests: sessions with TTLs, CAS writes, acquire/release, blocking
// queries, lock-delay after session invalidation and fault injection.
package consultest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry mirrors the Consul KV entry JSON.
type Entry struct {
	Key         string
	Value       []byte
	CreateIndex int64
	ModifyIndex int64
	LockIndex   int64
	Flags       uint64
	Session     string
}

type session struct {
	ID        string
	Name      string
	TTL       time.Duration
	LockDelay string
	Checks    []string
	expires   time.Time
}

type fault struct {
	prefix string
	status int
	count  int
}

// Server is the fake. Create it with New and stop it with Close.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	index    int64
	kv       map[string]*Entry
	sessions map[string]*session
	changed  chan struct{}
	token    string
	renewTTL string
	corrupt  map[string]bool
	faults   []*fault
	requests map[string]int
	now      func() time.Time

	// lockDelays holds, per key, when acquires are accepted again after the
	// holding session was invalidated.
	lockDelays map[string]time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires the X-Consul-Token header to equal token.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// New starts a fake server.
func New(opts ...Option) *Server {
	s := &Server{
		index:    1,
		kv:       make(map[string]*Entry),
		sessions: make(map[string]*session),
		changed:  make(chan struct{}),
		corrupt:  make(map[string]bool),
		requests: make(map[string]int),
		now:      time.Now,

		lockDelays: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	return s
}

// FailNext makes the next count requests whose path starts with prefix fail
// with status. An empty prefix matches every request.
func (s *Server) FailNext(prefix string, count, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = append(s.faults, &fault{prefix: prefix, status: status, count: count})
}

// SetRenewTTL makes renew responses report ttl, for example "60s".
func (s *Server) SetRenewTTL(ttl string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewTTL = ttl
}

// Corrupt makes reads of key return a value that is not valid base64.
func (s *Server) Corrupt(key string, corrupt bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt[key] = corrupt
	s.bumpLocked()
}

// ExpireSession invalidates a session as if its TTL ran out.
func (s *Server) ExpireSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyLocked(id)
}

// Sessions returns the live session ids.
func (s *Server) Sessions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Get returns a copy of the entry stored at key.
func (s *Server) Get(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.kv[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Put stores value at key directly.
func (s *Server) Put(key string, value []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(key, value, "")
}

// Requests returns how many requests hit path, for example "/v1/session/create".
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[path]
}

// Index returns the current store index.
func (s *Server) Index() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// ResetIndex lowers the store index, as a server that lost its raft log would.
func (s *Server) ResetIndex(index int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = index
	s.notifyLocked()
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests[r.URL.Path]++
	if status, ok := s.takeFaultLocked(r.URL.Path); ok {
		s.mu.Unlock()
		http.Error(w, "injected failure", status)
		return
	}
	if s.token != "" && r.Header.Get("X-Consul-Token") != s.token {
		s.mu.Unlock()
		http.Error(w, "ACL not found", http.StatusForbidden)
		return
	}
	s.expireLocked()
	s.mu.Unlock()

	switch {
	case r.URL.Path == "/v1/status/leader" && r.Method == http.MethodGet:
		writeJSON(w, s.Index(), "127.0.0.1:8300")
	case r.URL.Path == "/v1/session/create" && r.Method == http.MethodPut:
		s.createSession(w, r)
	case strings.HasPrefix(r.URL.Path, "/v1/session/renew/") && r.Method == http.MethodPut:
		s.renewSession(w, strings.TrimPrefix(r.URL.Path, "/v1/session/renew/"))
	case strings.HasPrefix(r.URL.Path, "/v1/session/destroy/") && r.Method == http.MethodPut:
		s.destroySession(w, strings.TrimPrefix(r.URL.Path, "/v1/session/destroy/"))
	case strings.HasPrefix(r.URL.Path, "/v1/kv/"):
		key := strings.TrimPrefix(r.URL.Path, "/v1/kv/")
		switch r.Method {
		case http.MethodGet:
			s.readKV(w, r, key)
		case http.MethodPut:
			s.writeKV(w, r, key)
		case http.MethodDelete:
			s.deleteKV(w, r, key)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) takeFaultLocked(path string) (int, bool) {
	for i, f := range s.faults {
		if !strings.HasPrefix(path, f.prefix) {
			continue
		}
		f.count--
		if f.count <= 0 {
			s.faults = append(s.faults[:i], s.faults[i+1:]...)
		}
		return f.status, true
	}
	return 0, false
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string
		TTL       string
		LockDelay string
		Checks    []string
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		http.Error(w, "bad session body: "+err.Error(), http.StatusBadRequest)
		return
	}
	ttl := 30 * time.Second
	if body.TTL != "" {
		parsed, err := time.ParseDuration(body.TTL)
		if err != nil {
			http.Error(w, "bad ttl", http.StatusBadRequest)
			return
		}
		ttl = parsed
	}

	s.mu.Lock()
	sess := &session{
		ID:        uuid.NewString(),
		Name:      body.Name,
		TTL:       ttl,
		LockDelay: body.LockDelay,
		Checks:    body.Checks,
		expires:   s.now().Add(2 * ttl),
	}
	s.sessions[sess.ID] = sess
	s.index++
	s.mu.Unlock()

	writeJSON(w, s.Index(), map[string]string{"ID": sess.ID})
}

func (s *Server) renewSession(w http.ResponseWriter, id string) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		http.Error(w, fmt.Sprintf("Session id '%s' not found", id), http.StatusNotFound)
		return
	}
	if s.renewTTL != "" {
		if parsed, err := time.ParseDuration(s.renewTTL); err == nil {
			sess.TTL = parsed
		}
	}
	sess.expires = s.now().Add(2 * sess.TTL)
	ttl := s.renewTTL
	if ttl == "" {
		ttl = sess.TTL.String()
	}
	out := []map[string]any{{
		"ID":        sess.ID,
		"Name":      sess.Name,
		"TTL":       ttl,
		"LockDelay": sess.LockDelay,
	}}
	index := s.index
	s.mu.Unlock()

	writeJSON(w, index, out)
}

func (s *Server) destroySession(w http.ResponseWriter, id string) {
	s.mu.Lock()
	s.destroyLocked(id)
	index := s.index
	s.mu.Unlock()
	writeJSON(w, index, true)
}

func (s *Server) destroyLocked(id string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	delete(s.sessions, id)
	delay, _ := time.ParseDuration(sess.LockDelay)
	for key, e := range s.kv {
		if e.Session == id {
			e.Session = ""
			s.index++
			e.ModifyIndex = s.index
			if delay > 0 {
				s.lockDelays[key] = s.now().Add(delay)
			}
		}
	}
	s.bumpLocked()
}

func (s *Server) expireLocked() {
	now := s.now()
	for id, sess := range s.sessions {
		if now.After(sess.expires) {
			s.destroyLocked(id)
		}
	}
}

func (s *Server) readKV(w http.ResponseWriter, r *http.Request, key string) {
	q := r.URL.Query()
	if raw := q.Get("index"); raw != "" {
		minIndex, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "bad index", http.StatusBadRequest)
			return
		}
		wait := 5 * time.Minute
		if rawWait := q.Get("wait"); rawWait != "" {
			if parsed, err := time.ParseDuration(rawWait); err == nil {
				wait = parsed
			}
		}
		s.waitForIndex(r, minIndex, wait)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.index
	w.Header().Set("X-Consul-Index", strconv.FormatInt(index, 10))

	switch {
	case q.Has("keys"):
		keys := s.keysLocked(key, q.Get("separator"))
		if len(keys) == 0 {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, index, keys)
	case q.Has("recurse"):
		entries := s.prefixLocked(key)
		if len(entries) == 0 {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, index, s.encodeLocked(entries))
	default:
		e, ok := s.kv[key]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, index, s.encodeLocked([]*Entry{e}))
	}
}

func (s *Server) waitForIndex(r *http.Request, minIndex int64, wait time.Duration) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if s.index != minIndex {
			s.mu.Unlock()
			return
		}
		changed := s.changed
		s.mu.Unlock()
		select {
		case <-changed:
		case <-timer.C:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) keysLocked(prefix, separator string) []string {
	seen := map[string]bool{}
	var keys []string
	for k := range s.kv {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		out := k
		if separator != "" {
			rest := k[len(prefix):]
			if idx := strings.Index(rest, separator); idx >= 0 {
				out = prefix + rest[:idx+len(separator)]
			}
		}
		if !seen[out] {
			seen[out] = true
			keys = append(keys, out)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) prefixLocked(prefix string) []*Entry {
	var entries []*Entry
	for k, e := range s.kv {
		if strings.HasPrefix(k, prefix) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

type wireEntry struct {
	Key         string
	Value       *string
	CreateIndex int64
	ModifyIndex int64
	LockIndex   int64
	Flags       uint64
	Session     string `json:",omitempty"`
}

func (s *Server) encodeLocked(entries []*Entry) []wireEntry {
	out := make([]wireEntry, 0, len(entries))
	for _, e := range entries {
		we := wireEntry{
			Key:         e.Key,
			CreateIndex: e.CreateIndex,
			ModifyIndex: e.ModifyIndex,
			LockIndex:   e.LockIndex,
			Flags:       e.Flags,
			Session:     e.Session,
		}
		switch {
		case s.corrupt[e.Key]:
			bad := "%%% not base64 %%%"
			we.Value = &bad
		case e.Value != nil:
			encoded := base64.StdEncoding.EncodeToString(e.Value)
			we.Value = &encoded
		}
		out = append(out, we)
	}
	return out
}

func (s *Server) writeKV(w http.ResponseWriter, r *http.Request, key string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, exists := s.kv[key]

	switch {
	case q.Has("acquire"):
		id := q.Get("acquire")
		if _, ok := s.sessions[id]; !ok {
			http.Error(w, fmt.Sprintf("invalid session %q", id), http.StatusInternalServerError)
			return
		}
		if exists && existing.Session != "" && existing.Session != id {
			writeJSON(w, s.index, false)
			return
		}
		if until, ok := s.lockDelays[key]; ok {
			if s.now().Before(until) {
				writeJSON(w, s.index, false)
				return
			}
			delete(s.lockDelays, key)
		}
		s.putLocked(key, body, id)
		writeJSON(w, s.index, true)
	case q.Has("release"):
		id := q.Get("release")
		if !exists || existing.Session != id {
			writeJSON(w, s.index, false)
			return
		}
		s.index++
		existing.Session = ""
		if len(body) > 0 {
			existing.Value = body
		}
		existing.ModifyIndex = s.index
		s.notifyLocked()
		writeJSON(w, s.index, true)
	case q.Has("cas"):
		cas, err := strconv.ParseInt(q.Get("cas"), 10, 64)
		if err != nil {
			http.Error(w, "bad cas", http.StatusBadRequest)
			return
		}
		if (cas == 0 && exists) || (cas != 0 && (!exists || existing.ModifyIndex != cas)) {
			writeJSON(w, s.index, false)
			return
		}
		s.putLocked(key, body, "")
		writeJSON(w, s.index, true)
	default:
		s.putLocked(key, body, "")
		writeJSON(w, s.index, true)
	}
}

// putLocked writes value. A non-empty session acquires the entry; an empty one
// keeps the current holder.
func (s *Server) putLocked(key string, value []byte, sessionID string) int64 {
	s.index++
	e, ok := s.kv[key]
	if !ok {
		e = &Entry{Key: key, CreateIndex: s.index}
		s.kv[key] = e
	}
	if len(value) == 0 {
		value = nil
	}
	e.Value = value
	e.ModifyIndex = s.index
	if sessionID != "" && e.Session != sessionID {
		e.Session = sessionID
		e.LockIndex++
	}
	s.notifyLocked()
	return s.index
}

func (s *Server) deleteKV(w http.ResponseWriter, r *http.Request, key string) {
	q := r.URL.Query()
	s.mu.Lock()
	defer s.mu.Unlock()

	if q.Has("recurse") {
		for k := range s.kv {
			if strings.HasPrefix(k, key) {
				delete(s.kv, k)
			}
		}
		s.bumpLocked()
		writeJSON(w, s.index, true)
		return
	}
	existing, exists := s.kv[key]
	if q.Has("cas") {
		cas, err := strconv.ParseInt(q.Get("cas"), 10, 64)
		if err != nil {
			http.Error(w, "bad cas", http.StatusBadRequest)
			return
		}
		if !exists || existing.ModifyIndex != cas {
			writeJSON(w, s.index, false)
			return
		}
	}
	delete(s.kv, key)
	s.bumpLocked()
	writeJSON(w, s.index, true)
}

func (s *Server) bumpLocked() {
	s.index++
	s.notifyLocked()
}

func (s *Server) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func writeJSON(w http.ResponseWriter, index int64, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Consul-Index", strconv.FormatInt(index, 10))
	_ = json.NewEncoder(w).Encode(v)
}
