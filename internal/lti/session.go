package lti

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/smallbiznis/valora-lti/internal/domain"
	"github.com/smallbiznis/valora-lti/internal/repository"
)

const (
	anonymousUserID   = "anonymous"
	sessionTokenBytes = 48
)

// SessionManager creates and resolves launch sessions.
type SessionManager struct {
	repo repository.SessionRepository
	node *snowflake.Node
	ttl  time.Duration
	opts options
}

// NewSessionManager constructs a SessionManager. A non-positive ttl defaults to 8 hours.
func NewSessionManager(repo repository.SessionRepository, node *snowflake.Node, ttl time.Duration, opts ...Option) *SessionManager {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &SessionManager{repo: repo, node: node, ttl: ttl, opts: buildOptions(opts)}
}

// Create persists a session for validated claims and returns it with its bearer token.
func (m *SessionManager) Create(ctx context.Context, platform domain.Platform, claims Claims) (*domain.Session, error) {
	token, err := randomString(sessionTokenBytes)
	if err != nil {
		return nil, err
	}

	userID, ok := claims.Subject()
	if !ok {
		userID = anonymousUserID
	}

	now := m.opts.clock().UTC()
	session := domain.Session{
		ID:             m.node.Generate().Int64(),
		PlatformID:     platform.ID,
		LTIUserID:      userID,
		ContextID:      claims.ContextID(),
		ResourceLinkID: claims.ResourceLinkID(),
		Claims:         map[string]any(claims),
		TokenHash:      hashToken(token),
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
	}

	saved, err := m.repo.Create(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	saved.Token = token
	return &saved, nil
}

// GetByToken returns the live session for token. Expired sessions are reported
// as domain.ErrSessionNotFound and left in storage.
func (m *SessionManager) GetByToken(ctx context.Context, token string) (*domain.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, domain.ErrSessionNotFound
	}
	session, err := m.repo.GetByTokenHash(ctx, hashToken(token))
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if session.Expired(m.opts.clock()) {
		return nil, domain.ErrSessionNotFound
	}
	return &session, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
