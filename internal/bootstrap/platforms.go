package bootstrap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/smallbiznis/valora-lti/internal/config"
	"github.com/smallbiznis/valora-lti/internal/domain"
)

// PlatformRegistrar upserts a platform keyed by issuer and client id.
type PlatformRegistrar interface {
	Register(ctx context.Context, p domain.Platform) (domain.Platform, error)
}

type platformsFile struct {
	Platforms []platformEntry `yaml:"platforms"`
}

type platformEntry struct {
	Issuer       string `yaml:"issuer"`
	ClientID     string `yaml:"client_id"`
	DeploymentID string `yaml:"deployment_id"`
	AuthLoginURL string `yaml:"auth_login_url"`
	AuthTokenURL string `yaml:"auth_token_url"`
	KeySetURL    string `yaml:"key_set_url"`
	Active       *bool  `yaml:"active"`
}

// EnsurePlatforms registers the platforms listed in LTI_PLATFORMS_FILE on start-up.
func EnsurePlatforms(lc fx.Lifecycle, cfg config.Config, registry PlatformRegistrar, logger *zap.Logger) {
	if strings.TrimSpace(cfg.PlatformsFile) == "" {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_, err := SeedPlatforms(ctx, registry, cfg.PlatformsFile, logger)
			return err
		},
	})
}

// SeedPlatforms loads path and registers every entry. Re-running it updates the
// existing rows in place.
func SeedPlatforms(ctx context.Context, registry PlatformRegistrar, path string, logger *zap.Logger) (int, error) {
	platforms, err := LoadPlatformsFile(path)
	if err != nil {
		return 0, err
	}
	for i, p := range platforms {
		saved, err := registry.Register(ctx, p)
		if err != nil {
			return i, fmt.Errorf("bootstrap platform %d (%s): %w", i, p.Issuer, err)
		}
		if logger != nil {
			logger.Info("bootstrap platform registered",
				zap.Int64("platform_id", saved.ID),
				zap.String("issuer", saved.Issuer),
				zap.String("client_id", saved.ClientID),
			)
		}
	}
	return len(platforms), nil
}

// LoadPlatformsFile parses a YAML document of the form:
//
//	platforms:
//	  - issuer: https://lms.example.edu
//	    client_id: tool-123
//	    deployment_id: "1"
//	    auth_login_url: https://lms.example.edu/auth
//	    key_set_url: https://lms.example.edu/jwks
func LoadPlatformsFile(path string) ([]domain.Platform, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read platforms file: %w", err)
	}

	var doc platformsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse platforms file: %w", err)
	}

	platforms := make([]domain.Platform, 0, len(doc.Platforms))
	for _, e := range doc.Platforms {
		platforms = append(platforms, domain.Platform{
			Issuer:       e.Issuer,
			ClientID:     e.ClientID,
			DeploymentID: e.DeploymentID,
			AuthLoginURL: e.AuthLoginURL,
			AuthTokenURL: e.AuthTokenURL,
			KeySetURL:    e.KeySetURL,
			Active:       e.Active == nil || *e.Active,
		})
	}
	return platforms, nil
}
