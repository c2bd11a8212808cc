package lti

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-lti/internal/domain"
)

// PlatformLookup resolves registered platforms.
type PlatformLookup interface {
	FindByIssuerAndClient(ctx context.Context, issuer, clientID string) (domain.Platform, error)
	Get(ctx context.Context, id int64) (domain.Platform, error)
}

// LoginRequest carries the third-party initiated login parameters.
type LoginRequest struct {
	Issuer         string
	ClientID       string
	LoginHint      string
	TargetLinkURI  string
	LTIMessageHint string
	DeploymentID   string
}

// LoginRedirect is where the browser goes next.
type LoginRedirect struct {
	URL      string
	State    string
	Nonce    string
	Platform domain.Platform
}

// CompleteLoginInput is the form post received on the launch endpoint.
// Issuer and ClientID are optional; when present they must match the state binding.
type CompleteLoginInput struct {
	IDToken  string
	State    string
	Issuer   string
	ClientID string
}

// DeepLinkingResponse is the signed JWT and where to post it.
type DeepLinkingResponse struct {
	JWT       string
	ReturnURL string
}

// LaunchService orchestrates the LTI 1.3 login and launch handshake.
type LaunchService struct {
	platforms   PlatformLookup
	states      *StateStore
	nonces      *NonceStore
	keys        *JWKSCache
	validator   *TokenValidator
	sessions    *SessionManager
	signer      *ResponseSigner
	redirectURI string
	opts        options
	tracer      trace.Tracer
}

// NewLaunchService wires the launch components.
func NewLaunchService(
	platforms PlatformLookup,
	states *StateStore,
	nonces *NonceStore,
	keys *JWKSCache,
	validator *TokenValidator,
	sessions *SessionManager,
	signer *ResponseSigner,
	redirectURI string,
	opts ...Option,
) *LaunchService {
	o := buildOptions(opts)
	tracer := o.tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/smallbiznis/valora-lti/internal/lti")
	}
	return &LaunchService{
		platforms:   platforms,
		states:      states,
		nonces:      nonces,
		keys:        keys,
		validator:   validator,
		sessions:    sessions,
		signer:      signer,
		redirectURI: redirectURI,
		opts:        o,
		tracer:      tracer,
	}
}

// InitiateLogin resolves the platform and returns the authorization redirect.
func (s *LaunchService) InitiateLogin(ctx context.Context, in LoginRequest) (*LoginRedirect, error) {
	ctx, span := s.startSpan(ctx, "LaunchService.InitiateLogin")
	defer span.End()

	issuer := strings.TrimSpace(in.Issuer)
	clientID := strings.TrimSpace(in.ClientID)
	loginHint := strings.TrimSpace(in.LoginHint)
	if issuer == "" || clientID == "" || loginHint == "" {
		return nil, fmt.Errorf("%w: iss, client_id and login_hint are required", domain.ErrInvalidRequest)
	}

	platform, err := s.platforms.FindByIssuerAndClient(ctx, issuer, clientID)
	if err != nil {
		span.RecordError(err)
		return nil, s.rejected(ReasonUntrustedPlatform, err, "issuer", issuer, "client_id", clientID)
	}

	state, err := s.states.Issue(ctx, LoginState{
		Issuer:        platform.Issuer,
		ClientID:      platform.ClientID,
		DeploymentID:  strings.TrimSpace(in.DeploymentID),
		TargetLinkURI: strings.TrimSpace(in.TargetLinkURI),
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("issue state: %w", err)
	}
	nonce, err := secureRandomString(32)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	authURL, err := url.Parse(platform.AuthLoginURL)
	if err != nil {
		return nil, fmt.Errorf("parse auth login url: %w", err)
	}
	query := authURL.Query()
	query.Set("scope", "openid")
	query.Set("response_type", "id_token")
	query.Set("response_mode", "form_post")
	query.Set("prompt", "none")
	query.Set("client_id", platform.ClientID)
	query.Set("redirect_uri", s.redirectURI)
	query.Set("login_hint", loginHint)
	if hint := strings.TrimSpace(in.LTIMessageHint); hint != "" {
		query.Set("lti_message_hint", hint)
	}
	query.Set("state", state)
	query.Set("nonce", nonce)
	authURL.RawQuery = query.Encode()

	s.opts.log().Debug("lti login initiated", zap.Int64("platform_id", platform.ID))

	return &LoginRedirect{URL: authURL.String(), State: state, Nonce: nonce, Platform: platform}, nil
}

// CompleteLogin consumes the state token, validates the ID token and opens a session.
// Every launch failure matches domain.ErrLaunchRejected.
func (s *LaunchService) CompleteLogin(ctx context.Context, in CompleteLoginInput) (*domain.Session, error) {
	ctx, span := s.startSpan(ctx, "LaunchService.CompleteLogin")
	defer span.End()

	if strings.TrimSpace(in.IDToken) == "" {
		return nil, s.rejected(ReasonBadSignature, errors.New("id_token missing"))
	}

	binding, err := s.states.Take(ctx, in.State)
	if err != nil {
		span.RecordError(err)
		return nil, s.rejected(ReasonStoreUnavailable, err)
	}
	if binding == nil {
		return nil, s.rejected(ReasonInvalidState, errors.New("state unknown or already used"))
	}
	if in.Issuer != "" && in.Issuer != binding.Issuer {
		return nil, s.rejected(ReasonInvalidState, fmt.Errorf("issuer %q does not match login", in.Issuer))
	}
	if in.ClientID != "" && in.ClientID != binding.ClientID {
		return nil, s.rejected(ReasonInvalidState, fmt.Errorf("client id %q does not match login", in.ClientID))
	}

	platform, err := s.platforms.FindByIssuerAndClient(ctx, binding.Issuer, binding.ClientID)
	if err != nil {
		span.RecordError(err)
		return nil, s.rejected(ReasonUntrustedPlatform, err, "issuer", binding.Issuer, "client_id", binding.ClientID)
	}

	claims, err := s.validator.Validate(ctx, in.IDToken, platform)
	if err != nil {
		span.RecordError(err)
		reason, _ := ReasonOf(err)
		return nil, s.rejected(reason, err, "platform_id", platform.ID)
	}

	if binding.DeploymentID != "" {
		if deployment, ok := claims.DeploymentID(); ok && deployment != binding.DeploymentID {
			return nil, s.rejected(ReasonDeploymentMismatch, fmt.Errorf("deployment %q does not match login", deployment), "platform_id", platform.ID)
		}
	}

	session, err := s.sessions.Create(ctx, platform, claims)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.opts.metrics.LaunchCompleted()
	s.audit("launch.completed",
		"platform_id", platform.ID,
		"session_id", session.ID,
		"lti_user_id", session.LTIUserID,
		"message_type", claims.MessageType(),
	)
	return session, nil
}

// ResolveSession returns the live session for a bearer token.
func (s *LaunchService) ResolveSession(ctx context.Context, bearer string) (*domain.Session, error) {
	ctx, span := s.startSpan(ctx, "LaunchService.ResolveSession")
	defer span.End()

	if strings.TrimSpace(bearer) == "" {
		return nil, domain.ErrNotAuthenticated
	}
	session, err := s.sessions.GetByToken(ctx, bearer)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return nil, domain.ErrNotAuthenticated
		}
		span.RecordError(err)
		return nil, err
	}
	return session, nil
}

// PublishJWKS returns the tool public key set.
func (s *LaunchService) PublishJWKS() jose.JSONWebKeySet {
	return s.signer.PublicJWKS()
}

// BuildDeepLinkingResponse signs the selected content items for a deep linking launch.
func (s *LaunchService) BuildDeepLinkingResponse(ctx context.Context, session *domain.Session, items []ContentItem) (*DeepLinkingResponse, error) {
	ctx, span := s.startSpan(ctx, "LaunchService.BuildDeepLinkingResponse")
	defer span.End()

	if session == nil {
		return nil, domain.ErrNotAuthenticated
	}
	claims := Claims(session.Claims)
	if claims.MessageType() != MessageTypeDeepLinkingRequest {
		return nil, domain.ErrNotDeepLinking
	}
	returnURL, ok := claims.DeepLinkReturnURL()
	if !ok {
		return nil, fmt.Errorf("%w: deep_link_return_url missing", domain.ErrInvalidRequest)
	}

	platform, err := s.platforms.Get(ctx, session.PlatformID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("load platform: %w", err)
	}

	token, err := s.signer.BuildDeepLinkingResponse(ctx, platform, claims, items)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	s.opts.metrics.DeepLinkingSigned()
	s.audit("deep_linking.signed", "platform_id", platform.ID, "session_id", session.ID, "items", len(items))
	return &DeepLinkingResponse{JWT: token, ReturnURL: returnURL}, nil
}

// RefreshPlatformKeys drops the cached key set of a platform.
func (s *LaunchService) RefreshPlatformKeys(ctx context.Context, platformID int64) error {
	platform, err := s.platforms.Get(ctx, platformID)
	if err != nil {
		return err
	}
	if err := s.keys.Invalidate(ctx, platform); err != nil {
		return err
	}
	s.audit("jwks.invalidated", "platform_id", platform.ID)
	return nil
}

// MaintenanceSweep purges expired nonces and returns how many were removed.
func (s *LaunchService) MaintenanceSweep(ctx context.Context) (int64, error) {
	ctx, span := s.startSpan(ctx, "LaunchService.MaintenanceSweep")
	defer span.End()

	deleted, err := s.nonces.Cleanup(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("maintenance sweep: %w", err)
	}
	s.audit("maintenance.sweep", "nonces_purged", deleted)
	return deleted, nil
}

func (s *LaunchService) rejected(reason RejectReason, err error, attrs ...any) error {
	s.opts.metrics.LaunchRejected(string(reason))
	fields := []zap.Field{zap.String("reason", string(reason)), zap.Error(err)}
	for i := 0; i+1 < len(attrs); i += 2 {
		if key, ok := attrs[i].(string); ok {
			fields = append(fields, zap.Any(key, attrs[i+1]))
		}
	}
	s.opts.log().Warn("launch.rejected", fields...)

	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej
	}
	return reject(reason, err)
}

func (s *LaunchService) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s == nil || s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return s.tracer.Start(ctx, name)
}

func (s *LaunchService) audit(event string, attrs ...any) {
	logger := s.opts.log()
	fields := make([]zap.Field, 0, len(attrs)/2+2)
	fields = append(fields, zap.String("event", event), zap.Time("timestamp", time.Now().UTC()))
	for i := 0; i+1 < len(attrs); i += 2 {
		key, ok := attrs[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, attrs[i+1]))
	}
	logger.Info("audit", fields...)
}
