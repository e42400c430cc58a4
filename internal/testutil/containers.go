package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// One container per kind is started lazily and shared by every test in the
// package binary. The testcontainers reaper removes them when the binary exits.
var (
	redisOnce sync.Once
	redisURL  string
	redisErr  error

	postgresOnce sync.Once
	postgresURL  string
	postgresErr  error
)

// RedisURL returns the URL of a shared Redis container. The test is skipped
// in -short mode or when no container runtime is available.
func RedisURL(tb testing.TB) string {
	tb.Helper()
	if testing.Short() {
		tb.Skip("skipping integration test")
	}

	redisOnce.Do(func() {
		ctx := context.Background()
		container, err := tcredis.Run(ctx, "redis:7-alpine")
		if err != nil {
			redisErr = err
			return
		}
		endpoint, err := container.Endpoint(ctx, "")
		if err != nil {
			redisErr = err
			return
		}
		redisURL = "redis://" + endpoint
	})

	if redisErr != nil {
		tb.Skipf("redis container unavailable: %v", redisErr)
	}
	return redisURL
}

// PostgresURL returns the connection string of a shared PostgreSQL container.
// The test is skipped in -short mode or when no container runtime is available.
func PostgresURL(tb testing.TB) string {
	tb.Helper()
	if testing.Short() {
		tb.Skip("skipping integration test")
	}

	postgresOnce.Do(func() {
		ctx := context.Background()
		container, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("sentimental"),
			tcpostgres.WithUsername("sentimental"),
			tcpostgres.WithPassword("sentimental"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60*time.Second)),
		)
		if err != nil {
			postgresErr = err
			return
		}
		postgresURL, postgresErr = container.ConnectionString(ctx, "sslmode=disable")
	})

	if postgresErr != nil {
		tb.Skipf("postgres container unavailable: %v", postgresErr)
	}
	return postgresURL
}
