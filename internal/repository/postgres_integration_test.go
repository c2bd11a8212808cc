//go:build integration

package repository_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallbiznis/valora-lti/internal/domain"
	"github.com/smallbiznis/valora-lti/internal/repository"
)

func setupDB(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Fatal("DATABASE_URL must be set for integration tests")
	}
	require.NoError(t, repository.Migrate(dbURL, nil))

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		t.Fatalf("failed to connect db: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestPlatformUpsertAndLookup(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	repo := repository.NewPostgresPlatformRepo(pool)
	node, _ := snowflake.NewNode(1)

	issuer := "https://lms-" + node.Generate().String() + ".example.edu"
	saved, err := repo.Upsert(ctx, domain.Platform{
		ID:           node.Generate().Int64(),
		Issuer:       issuer,
		ClientID:     "tool-123",
		AuthLoginURL: issuer + "/auth",
		KeySetURL:    issuer + "/jwks",
		Active:       true,
	})
	require.NoError(t, err)

	found, err := repo.FindActiveByIssuerAndClient(ctx, issuer, "tool-123")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, found.ID)

	// Same identity keeps the original id; Active defaults to false here.
	updated, err := repo.Upsert(ctx, domain.Platform{ID: node.Generate().Int64(), Issuer: issuer, ClientID: "tool-123", AuthLoginURL: saved.AuthLoginURL, KeySetURL: saved.KeySetURL})
	require.NoError(t, err)
	assert.Equal(t, saved.ID, updated.ID)

	_, err = repo.FindActiveByIssuerAndClient(ctx, issuer, "tool-123")
	require.ErrorIs(t, err, domain.ErrPlatformNotFound)
}

func TestNonceClaimRace(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	repo := repository.NewPostgresNonceRepo(pool)
	node, _ := snowflake.NewNode(2)

	value := "race-" + node.Generate().String()
	now := time.Now().UTC()

	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := repo.Claim(ctx, value, now, now.Add(10*time.Minute))
			assert.NoError(t, err)
			if ok {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), accepted.Load())
}

func TestNonceExpiredValueCanBeReclaimedAndSwept(t *testing.T) {
	pool := setupDB(t)
	ctx := context.Background()
	repo := repository.NewPostgresNonceRepo(pool)
	node, _ := snowflake.NewNode(3)

	past := time.Now().UTC().Add(-time.Hour)
	expired := "expired-" + node.Generate().String()
	live := "live-" + node.Generate().String()

	ok, err := repo.Claim(ctx, expired, past, past.Add(10*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	now := time.Now().UTC()
	ok, err = repo.Claim(ctx, live, now, now.Add(10*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)

	deleted, err := repo.DeleteExpired(ctx, now)
	require.NoError(t, err)
	require.GreaterOrEqual(t, deleted, int64(1))

	// The live nonce survived the sweep.
	ok, err = repo.Claim(ctx, live, now, now.Add(10*time.Minute))
	require.NoError(t, err)
	require.False(t, ok)
}
