package platform

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	"github.com/smallbiznis/valora-lti/internal/domain"
	"github.com/smallbiznis/valora-lti/internal/repository"
)

// Registry resolves the platforms trusted to launch into the tool.
type Registry struct {
	repo   repository.PlatformRepository
	node   *snowflake.Node
	logger *zap.Logger
}

// NewRegistry creates a platform registry.
func NewRegistry(repo repository.PlatformRepository, node *snowflake.Node, logger *zap.Logger) *Registry {
	return &Registry{repo: repo, node: node, logger: logger}
}

// FindByIssuerAndClient returns the active platform registered for the exact
// issuer and client id. Unknown and inactive platforms both yield
// domain.ErrPlatformNotFound.
func (r *Registry) FindByIssuerAndClient(ctx context.Context, issuer, clientID string) (domain.Platform, error) {
	if issuer == "" || clientID == "" {
		return domain.Platform{}, domain.ErrPlatformNotFound
	}

	p, err := r.repo.FindActiveByIssuerAndClient(ctx, issuer, clientID)
	if err != nil {
		if errors.Is(err, domain.ErrPlatformNotFound) {
			return domain.Platform{}, domain.ErrPlatformNotFound
		}
		r.log().Error("failed to resolve platform", zap.String("issuer", issuer), zap.String("client_id", clientID), zap.Error(err))
		return domain.Platform{}, fmt.Errorf("resolve platform: %w", err)
	}
	if !p.Active || p.Issuer != issuer || p.ClientID != clientID {
		return domain.Platform{}, domain.ErrPlatformNotFound
	}
	return p, nil
}

// Get loads a platform by id regardless of its active flag.
func (r *Registry) Get(ctx context.Context, id int64) (domain.Platform, error) {
	p, err := r.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrPlatformNotFound) {
			return domain.Platform{}, domain.ErrPlatformNotFound
		}
		return domain.Platform{}, fmt.Errorf("get platform: %w", err)
	}
	return p, nil
}

// List returns every registered platform.
func (r *Registry) List(ctx context.Context) ([]domain.Platform, error) {
	platforms, err := r.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	return platforms, nil
}

// Register creates the platform or updates the one with the same issuer and client id.
func (r *Registry) Register(ctx context.Context, p domain.Platform) (domain.Platform, error) {
	p.Issuer = strings.TrimSpace(p.Issuer)
	p.ClientID = strings.TrimSpace(p.ClientID)
	p.DeploymentID = strings.TrimSpace(p.DeploymentID)
	if err := validate(p); err != nil {
		return domain.Platform{}, err
	}
	if p.ID == 0 {
		p.ID = r.node.Generate().Int64()
	}

	saved, err := r.repo.Upsert(ctx, p)
	if err != nil {
		return domain.Platform{}, fmt.Errorf("register platform: %w", err)
	}
	r.log().Info("platform registered",
		zap.Int64("platform_id", saved.ID),
		zap.String("issuer", saved.Issuer),
		zap.String("client_id", saved.ClientID),
		zap.Bool("active", saved.Active),
	)
	return saved, nil
}

func validate(p domain.Platform) error {
	if p.Issuer == "" || p.ClientID == "" {
		return fmt.Errorf("%w: issuer and client_id are required", domain.ErrInvalidRequest)
	}
	for name, raw := range map[string]string{
		"auth_login_url": p.AuthLoginURL,
		"key_set_url":    p.KeySetURL,
	} {
		if err := absoluteURL(raw); err != nil {
			return fmt.Errorf("%w: %s %v", domain.ErrInvalidRequest, name, err)
		}
	}
	if p.AuthTokenURL != "" {
		if err := absoluteURL(p.AuthTokenURL); err != nil {
			return fmt.Errorf("%w: auth_token_url %v", domain.ErrInvalidRequest, err)
		}
	}
	return nil
}

func absoluteURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an absolute http(s) URL")
	}
	return nil
}

func (r *Registry) log() *zap.Logger {
	if r != nil && r.logger != nil {
		return r.logger
	}
	return zap.L()
}
