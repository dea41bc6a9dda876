//go:build integration

package pg

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"evodash.io/internal/auth"
	"evodash.io/internal/migrate"
)

func setupPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		t.Skip("docker not available")
	}
	_ = provider.Close()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("evodash_test"),
		postgres.WithUsername("evodash"),
		postgres.WithPassword("evodash"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	store, err := Open(dsn, 10)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	_, err = migrate.NewManager(store.DB()).Up(ctx)
	require.NoError(t, err)
	return store
}

func TestIntegrationFirstUserIsAdminOnce(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	tokens, err := auth.NewTokenService([]byte("integration-secret-integration-secret"))
	require.NoError(t, err)
	svc, err := auth.NewService(store, tokens, auth.WithBcryptCost(4))
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		admins int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.Register(ctx, auth.RegisterInput{
				Email:    "user" + string(rune('a'+i)) + "@example.com",
				Username: "user_" + string(rune('a'+i)),
				Password: "correct horse",
			})
			if !assert.NoError(t, err) {
				return
			}
			if res.AdminGranted {
				mu.Lock()
				admins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, admins)
}

func TestIntegrationLockoutCounterIsAtomic(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	u := &auth.User{Email: "lock@example.com", Username: "lock", PasswordHash: "x", Active: true, CreatedAt: now}
	_, err := store.Users(ctx).Create(ctx, u, auth.FirstUserGrant{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Users(ctx).RecordFailure(ctx, u.ID, 5, now.Add(15*time.Minute))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Users(ctx).Find(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, got.FailedLoginAttempts)
	require.NotNil(t, got.LockedUntil)
}

func TestIntegrationDeleteCascades(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	u := &auth.User{Email: "gone@example.com", Username: "gone", PasswordHash: "x", Active: true, CreatedAt: now}
	_, err := store.Users(ctx).Create(ctx, u, auth.AdminGrant())
	require.NoError(t, err)
	require.NoError(t, store.Sessions(ctx).Create(ctx, &auth.Session{
		ID: "s1", TokenHash: "h1", UserID: u.ID, IssuedAt: now, ExpiresAt: now.Add(time.Hour), IPAddress: "127.0.0.1",
	}))
	require.NoError(t, store.Audit(ctx).Append(ctx, &auth.AuditEntry{
		OccurredAt: now, UserID: u.ID, Action: auth.ActionLogin, IPAddress: "127.0.0.1",
	}))

	require.NoError(t, store.Users(ctx).Delete(ctx, u.ID))

	_, err = store.Sessions(ctx).FindByHash(ctx, "h1")
	assert.ErrorIs(t, err, auth.ErrNotFound)
	entries, err := store.Audit(ctx).List(ctx, auth.AuditFilter{Action: auth.ActionLogin})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, u.ID, entries[0].UserID)
}
