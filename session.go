package querysync

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// SessionState describes the validity of a present session.
type SessionState int

const (
	SessionPresent SessionState = iota
	SessionExpired
)

func (s SessionState) String() string {
	switch s {
	case SessionPresent:
		return "present"
	case SessionExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Session is an authenticated credential owned by an external authentication
// subsystem. The cache layer only reads it.
type Session struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
}

// State reports whether the session is still usable at now. A zero ExpiresAt
// never expires.
func (s *Session) State(now time.Time) SessionState {
	if s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt) {
		return SessionPresent
	}
	return SessionExpired
}

// SessionResolver obtains the current session. A nil session with a nil
// error means "no session"; errors are reserved for lookup failures.
// Implementations may block, and are called before every request.
type SessionResolver interface {
	ResolveSession(ctx context.Context) (*Session, error)
}

// SessionResolverFunc adapts a function to SessionResolver.
type SessionResolverFunc func(ctx context.Context) (*Session, error)

// ResolveSession implements SessionResolver.
func (f SessionResolverFunc) ResolveSession(ctx context.Context) (*Session, error) {
	return f(ctx)
}

// userClaims mirrors the access token issued by the task-management backend.
type userClaims struct {
	ID          string `json:"id"`
	FullName    string `json:"fullName"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	jwt.RegisteredClaims
}

// NewTokenSession builds a Session from a JWT access token. The signature is
// not verified; only the subject and expiry are read so the client can avoid
// sending a credential it already knows is expired.
func NewTokenSession(token string) (*Session, error) {
	var claims userClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}

	s := &Session{Token: token, Subject: claims.Subject}
	if s.Subject == "" {
		s.Subject = claims.ID
	}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

// SessionStore holds the current session in memory. Login and logout swap it;
// registered OnChange hooks run after every change of identity, which is where
// a QueryCache should be Reset to avoid serving one user's data to another.
type SessionStore struct {
	mu      sync.RWMutex
	session *Session
	version uint64
	hooks   []func(prev, next *Session)
}

// NewSessionStore returns a store holding s (which may be nil).
func NewSessionStore(s *Session) *SessionStore {
	return &SessionStore{session: copySession(s)}
}

// ResolveSession implements SessionResolver.
func (st *SessionStore) ResolveSession(ctx context.Context) (*Session, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return copySession(st.session), nil
}

// SessionVersion counts calls to Set, including token refreshes.
func (st *SessionStore) SessionVersion() uint64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.version
}

// Set replaces the current session.
func (st *SessionStore) Set(s *Session) {
	st.mu.Lock()
	prev := st.session
	st.session = copySession(s)
	st.version++
	next := copySession(st.session)
	hooks := append([]func(prev, next *Session){}, st.hooks...)
	st.mu.Unlock()

	if sameIdentity(prev, next) {
		return
	}
	for _, hook := range hooks {
		hook(copySession(prev), next)
	}
}

// Clear removes the session (logout).
func (st *SessionStore) Clear() {
	st.Set(nil)
}

// OnChange registers a hook called when the session's identity changes,
// including login and logout. A token refresh for the same subject is not a
// change. Sessions without a subject are identified by their token.
func (st *SessionStore) OnChange(fn func(prev, next *Session)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.hooks = append(st.hooks, fn)
}

func sameIdentity(a, b *Session) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Subject == "" && b.Subject == "" {
		return a.Token == b.Token
	}
	return a.Subject == b.Subject
}

func subjectOf(s *Session) string {
	if s == nil {
		return ""
	}
	return s.Subject
}

func copySession(s *Session) *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// SessionVersioner is implemented by session sources that can report when
// their session was replaced. SessionStore implements it.
type SessionVersioner interface {
	SessionVersion() uint64
}

// SharedResolver coalesces concurrent lookups on a slow resolver into one
// call. It never caches: a call arriving after a lookup completes starts a new one.
// A call never joins a lookup that started before the session was replaced in
// any watched source; the wrapped resolver is watched when it is a
// SessionVersioner. The lookup itself is not tied to any one caller's
// cancellation.
type SharedResolver struct {
	next    SessionResolver
	sources []SessionVersioner
	epoch   atomic.Uint64
	group   singleflight.Group
}

// NewSharedResolver wraps next. Extra sources are watched for session
// replacement, for when next reads a SessionStore indirectly.
func NewSharedResolver(next SessionResolver, sources ...SessionVersioner) *SharedResolver {
	r := &SharedResolver{next: next}
	if v, ok := next.(SessionVersioner); ok {
		r.sources = append(r.sources, v)
	}
	r.sources = append(r.sources, sources...)
	return r
}

// Forget makes every later call start a new lookup.
func (r *SharedResolver) Forget() {
	r.epoch.Add(1)
}

func (r *SharedResolver) flightKey() string {
	key := "session:" + strconv.FormatUint(r.epoch.Load(), 10)
	for _, src := range r.sources {
		key += ":" + strconv.FormatUint(src.SessionVersion(), 10)
	}
	return key
}

// ResolveSession implements SessionResolver.
func (r *SharedResolver) ResolveSession(ctx context.Context) (*Session, error) {
	lookupCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(r.flightKey(), func() (interface{}, error) {
		return r.next.ResolveSession(lookupCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		s, _ := res.Val.(*Session)
		// each caller gets its own copy
		return copySession(s), nil
	}
}

// EnvSessionResolver reads a bearer token from an environment variable on
// every call. An unset or blank variable means no session.
type EnvSessionResolver struct {
	Variable string
}

// ResolveSession implements SessionResolver.
func (r EnvSessionResolver) ResolveSession(ctx context.Context) (*Session, error) {
	token := strings.TrimSpace(os.Getenv(r.Variable))
	if token == "" {
		return nil, nil
	}
	if strings.Count(token, ".") == 2 {
		if s, err := NewTokenSession(token); err == nil {
			return s, nil
		}
	}
	return &Session{Token: token}, nil
}
