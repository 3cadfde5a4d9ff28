package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/okadri/stocksync/internal/remote"
	"github.com/okadri/stocksync/internal/schema"
)

// ErrInvalidSession indicates the token failed local signature or
// expiry checks.
var ErrInvalidSession = errors.New("session invalid")

// ErrSessionRevoked indicates the registry is reachable and no longer
// holds the token's session. Revocation is authoritative over the
// token's own expiry.
var ErrSessionRevoked = errors.New("session revoked")

// tokenFile is the local credential under the data directory - the CLI
// equivalent of the HTTP-only session cookie.
const tokenFile = "session.token"

// Session is a registry record bound to a device.
type Session struct {
	ID         string
	UserID     string
	DeviceID   string
	CreatedAt  time.Time
	LastActive time.Time
}

// Registry validates, tracks, and revokes sessions against the remote
// backend, reusing the remote adapter (and its collection-name
// fallback) rather than a dedicated transport.
type Registry struct {
	remote  remote.Adapter
	secret  []byte
	dataDir string
	ttl     time.Duration
	logger  *log.Logger
}

// NewRegistry creates a session registry. If logger is nil, a default
// logger writing to stderr is used.
func NewRegistry(rm remote.Adapter, secret []byte, dataDir string, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(os.Stderr, "[session] ", log.LstdFlags)
	}
	return &Registry{
		remote:  rm,
		secret:  secret,
		dataDir: dataDir,
		ttl:     DefaultTTL,
		logger:  logger,
	}
}

func (r *Registry) tokenPath() string {
	return filepath.Join(r.dataDir, tokenFile)
}

// Login creates a session record in the remote registry, mints a signed
// token, and persists it locally.
//
// If the registry cannot be written (offline, unconfigured), the token
// is minted without a sessionId: a token bound to a session the remote
// never saw would read as revoked the moment connectivity returns.
func (r *Registry) Login(ctx context.Context, userID, deviceID string) (*Session, string, error) {
	if userID == "" {
		return nil, "", fmt.Errorf("userID is required")
	}

	now := time.Now().UTC()
	s := &Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		DeviceID:   deviceID,
		CreatedAt:  now,
		LastActive: now,
	}

	sessionID := s.ID
	doc, err := sessionEntity(s).MarshalDoc()
	if err != nil {
		return nil, "", err
	}

	if err := r.remote.Push(ctx, schema.UserSessions, remote.OpUpsert, s.ID, doc); err != nil {
		if !errors.Is(err, remote.ErrUnconfigured) {
			r.logger.Printf("Could not register session remotely, issuing local-only token: %v", err)
		}
		sessionID = ""
	}

	token, err := Mint(r.secret, userID, sessionID, r.ttl)
	if err != nil {
		return nil, "", err
	}

	if err := r.storeToken(token); err != nil {
		return nil, "", err
	}

	r.logger.Printf("Session created for user %s (device %s)", userID, deviceID)
	return s, token, nil
}

// Validate checks a token.
//
// Signature and expiry are verified locally first; a failure there is
// final and needs no network. If the token carries a sessionId, the
// remote registry decides whether the session still exists: absent means
// revoked, unreachable means fail open.
func (r *Registry) Validate(ctx context.Context, token string) (*Claims, error) {
	claims, err := Verify(r.secret, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}

	if claims.SessionID == "" {
		return claims, nil
	}

	entities, err := r.remote.Pull(ctx, schema.UserSessions)
	if err != nil {
		// Fail open: transient registry loss must not log users out.
		if !errors.Is(err, remote.ErrUnconfigured) {
			r.logger.Printf("Session registry unreachable, failing open: %v", err)
		}
		return claims, nil
	}

	for _, e := range entities {
		if e.ID == claims.SessionID {
			go r.heartbeat(claims.SessionID, e)
			return claims, nil
		}
	}

	return nil, fmt.Errorf("%w: session %s not in registry", ErrSessionRevoked, claims.SessionID)
}

// heartbeat bumps last_active on the registry record, fire-and-forget.
func (r *Registry) heartbeat(sessionID string, e *schema.Entity) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	e.Fields["lastActive"] = time.Now().UTC().Format(time.RFC3339)
	doc, err := e.MarshalDoc()
	if err != nil {
		return
	}
	if err := r.remote.Push(ctx, schema.UserSessions, remote.OpUpsert, sessionID, doc); err != nil &&
		!errors.Is(err, remote.ErrUnconfigured) {
		r.logger.Printf("Session heartbeat failed: %v", err)
	}
}

// Logout deletes the remote session record when reachable and clears
// the local token unconditionally - local clearing is the only step
// guaranteed to be within the user's control.
func (r *Registry) Logout(ctx context.Context) error {
	token, err := r.Token()
	if err == nil && token != "" {
		if claims := peekClaims(token); claims != nil && claims.SessionID != "" {
			err := r.remote.Push(ctx, schema.UserSessions, remote.OpDelete, claims.SessionID, nil)
			if err != nil && !errors.Is(err, remote.ErrUnconfigured) {
				r.logger.Printf("Could not delete remote session (clearing local token anyway): %v", err)
			}
		}
	}

	if err := os.Remove(r.tokenPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear local token: %w", err)
	}
	return nil
}

// ListSessions returns the registry's sessions for a user, most
// recently active first.
func (r *Registry) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	entities, err := r.remote.Pull(ctx, schema.UserSessions)
	if err != nil {
		return nil, err
	}

	var sessions []*Session
	for _, e := range entities {
		s := sessionFromEntity(e)
		if s.UserID != userID {
			continue
		}
		sessions = append(sessions, s)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastActive.After(sessions[j].LastActive)
	})
	return sessions, nil
}

// RevokeSession deletes one session from the registry. The affected
// device is logged out the next time it validates.
func (r *Registry) RevokeSession(ctx context.Context, id string) error {
	return r.remote.Push(ctx, schema.UserSessions, remote.OpDelete, id, nil)
}

// RevokeAll deletes every session the registry holds for a user.
func (r *Registry) RevokeAll(ctx context.Context, userID string) error {
	sessions, err := r.ListSessions(ctx, userID)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		if err := r.RevokeSession(ctx, s.ID); err != nil {
			return err
		}
	}
	return nil
}

// Token reads the locally persisted token. Empty string when logged out.
func (r *Registry) Token() (string, error) {
	data, err := os.ReadFile(r.tokenPath())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (r *Registry) storeToken(token string) error {
	if err := os.MkdirAll(r.dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(r.tokenPath(), []byte(token), 0600); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}
	return nil
}

func sessionEntity(s *Session) *schema.Entity {
	return &schema.Entity{
		ID:        s.ID,
		UpdatedAt: s.LastActive,
		Fields: map[string]any{
			"userId":     s.UserID,
			"deviceId":   s.DeviceID,
			"createdAt":  s.CreatedAt.Format(time.RFC3339),
			"lastActive": s.LastActive.Format(time.RFC3339),
		},
	}
}

func sessionFromEntity(e *schema.Entity) *Session {
	s := &Session{ID: e.ID}
	if v, ok := e.Fields["userId"].(string); ok {
		s.UserID = v
	}
	if v, ok := e.Fields["deviceId"].(string); ok {
		s.DeviceID = v
	}
	if v, ok := e.Fields["createdAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			s.CreatedAt = t
		}
	}
	if v, ok := e.Fields["lastActive"].(string); ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			s.LastActive = t
		}
	}
	return s
}
