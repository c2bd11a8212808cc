package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallbiznis/valora-lti/internal/domain"
)

// Compile-time interface assertions.
var (
	_ PlatformRepository = (*PostgresPlatformRepo)(nil)
	_ NonceRepository    = (*PostgresNonceRepo)(nil)
	_ SessionRepository  = (*PostgresSessionRepo)(nil)
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const platformColumns = `id, issuer, client_id, deployment_id, auth_login_url, auth_token_url, key_set_url, active, created_at, updated_at`

// PostgresPlatformRepo implements PlatformRepository.
type PostgresPlatformRepo struct {
	db *pgxpool.Pool
}

func NewPostgresPlatformRepo(pool *pgxpool.Pool) *PostgresPlatformRepo {
	return &PostgresPlatformRepo{db: pool}
}

const findActivePlatformSQL = `SELECT ` + platformColumns + `
FROM lti_platforms
WHERE issuer = $1 AND client_id = $2 AND active
LIMIT 1`

func (r *PostgresPlatformRepo) FindActiveByIssuerAndClient(ctx context.Context, issuer, clientID string) (domain.Platform, error) {
	platform, err := scanPlatform(r.db.QueryRow(ctx, findActivePlatformSQL, issuer, clientID))
	if err != nil {
		return domain.Platform{}, fmt.Errorf("find platform: %w", err)
	}
	return platform, nil
}

const getPlatformSQL = `SELECT ` + platformColumns + ` FROM lti_platforms WHERE id = $1`

func (r *PostgresPlatformRepo) GetByID(ctx context.Context, id int64) (domain.Platform, error) {
	platform, err := scanPlatform(r.db.QueryRow(ctx, getPlatformSQL, id))
	if err != nil {
		return domain.Platform{}, fmt.Errorf("get platform: %w", err)
	}
	return platform, nil
}

func (r *PostgresPlatformRepo) List(ctx context.Context) ([]domain.Platform, error) {
	query, args, err := psql.Select(platformColumns).From("lti_platforms").OrderBy("id").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list platforms: %w", err)
	}
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	defer rows.Close()

	var platforms []domain.Platform
	for rows.Next() {
		platform, err := scanPlatform(rows)
		if err != nil {
			return nil, fmt.Errorf("scan platform: %w", err)
		}
		platforms = append(platforms, platform)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list platforms: %w", err)
	}
	return platforms, nil
}

const upsertPlatformSQL = `INSERT INTO lti_platforms (id, issuer, client_id, deployment_id, auth_login_url, auth_token_url, key_set_url, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (issuer, client_id) DO UPDATE SET
    deployment_id = EXCLUDED.deployment_id,
    auth_login_url = EXCLUDED.auth_login_url,
    auth_token_url = EXCLUDED.auth_token_url,
    key_set_url = EXCLUDED.key_set_url,
    active = EXCLUDED.active,
    updated_at = NOW()
RETURNING ` + platformColumns

func (r *PostgresPlatformRepo) Upsert(ctx context.Context, p domain.Platform) (domain.Platform, error) {
	row := r.db.QueryRow(ctx, upsertPlatformSQL,
		p.ID,
		p.Issuer,
		p.ClientID,
		p.DeploymentID,
		p.AuthLoginURL,
		p.AuthTokenURL,
		p.KeySetURL,
		p.Active,
	)
	saved, err := scanPlatform(row)
	if err != nil {
		return domain.Platform{}, fmt.Errorf("upsert platform: %w", err)
	}
	return saved, nil
}

func scanPlatform(row pgx.Row) (domain.Platform, error) {
	var p domain.Platform
	if err := row.Scan(
		&p.ID,
		&p.Issuer,
		&p.ClientID,
		&p.DeploymentID,
		&p.AuthLoginURL,
		&p.AuthTokenURL,
		&p.KeySetURL,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Platform{}, domain.ErrPlatformNotFound
		}
		return domain.Platform{}, err
	}
	return p, nil
}

// PostgresNonceRepo implements NonceRepository.
type PostgresNonceRepo struct {
	db *pgxpool.Pool
}

func NewPostgresNonceRepo(pool *pgxpool.Pool) *PostgresNonceRepo {
	return &PostgresNonceRepo{db: pool}
}

// A live row never matches the conflict predicate, so RETURNING yields nothing and
// the claim is refused. An expired row is taken over in the same statement.
const claimNonceSQL = `INSERT INTO lti_nonces (value, expires_at, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (value) DO UPDATE SET
    expires_at = EXCLUDED.expires_at,
    created_at = EXCLUDED.created_at
WHERE lti_nonces.expires_at < EXCLUDED.created_at
RETURNING value`

func (r *PostgresNonceRepo) Claim(ctx context.Context, value string, now, expiresAt time.Time) (bool, error) {
	var claimed string
	err := r.db.QueryRow(ctx, claimNonceSQL, value, expiresAt, now).Scan(&claimed)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim nonce: %w", err)
	}
	return true, nil
}

func (r *PostgresNonceRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	query, args, err := psql.Delete("lti_nonces").Where(sq.Lt{"expires_at": now}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete nonces: %w", err)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete expired nonces: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PostgresSessionRepo implements SessionRepository.
type PostgresSessionRepo struct {
	db *pgxpool.Pool
}

func NewPostgresSessionRepo(pool *pgxpool.Pool) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: pool}
}

const insertSessionSQL = `INSERT INTO lti_sessions (id, platform_id, lti_user_id, context_id, resource_link_id, claims, token_hash, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

func (r *PostgresSessionRepo) Create(ctx context.Context, s domain.Session) (domain.Session, error) {
	claims, err := json.Marshal(s.Claims)
	if err != nil {
		return domain.Session{}, fmt.Errorf("encode session claims: %w", err)
	}
	if _, err := r.db.Exec(ctx, insertSessionSQL,
		s.ID,
		s.PlatformID,
		s.LTIUserID,
		s.ContextID,
		s.ResourceLinkID,
		claims,
		s.TokenHash,
		s.CreatedAt,
		s.ExpiresAt,
	); err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	return s, nil
}

const getSessionSQL = `SELECT id, platform_id, lti_user_id, context_id, resource_link_id, claims, token_hash, created_at, expires_at
FROM lti_sessions
WHERE token_hash = $1`

func (r *PostgresSessionRepo) GetByTokenHash(ctx context.Context, tokenHash string) (domain.Session, error) {
	var (
		s      domain.Session
		claims []byte
	)
	if err := r.db.QueryRow(ctx, getSessionSQL, tokenHash).Scan(
		&s.ID,
		&s.PlatformID,
		&s.LTIUserID,
		&s.ContextID,
		&s.ResourceLinkID,
		&claims,
		&s.TokenHash,
		&s.CreatedAt,
		&s.ExpiresAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Session{}, domain.ErrSessionNotFound
		}
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	if len(claims) > 0 {
		if err := json.Unmarshal(claims, &s.Claims); err != nil {
			return domain.Session{}, fmt.Errorf("decode session claims: %w", err)
		}
	}
	return s, nil
}
