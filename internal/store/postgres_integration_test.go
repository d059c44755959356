//go:build integration

package store

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/colinpriest/bank-reputation-damage-events/internal/model"
)

var postgresDSN string

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("events"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		log.Fatalf("error starting postgres container: %v", err)
	}
	postgresDSN, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		log.Fatalf("error getting connection string: %v", err)
	}

	code := m.Run()

	if err := container.Terminate(ctx); err != nil {
		log.Fatalf("error tearing down postgres container: %v", err)
	}
	os.Exit(code)
}

func TestPostgresRepository(t *testing.T) {
	ctx := context.Background()
	repo, err := Open(ctx, DriverPostgres, postgresDSN)
	require.NoError(t, err, "failed to open postgres repository")
	defer repo.Close()

	ev := testEvent("pg-2024-02-10", model.NewDate(2024, 2, 10), []string{model.CategoryFine}, []string{model.RegulatorOCC}, 3_000_000)

	t.Run("idempotent upsert", func(t *testing.T) {
		wrote, err := repo.Upsert(ctx, ev)
		require.NoError(t, err)
		assert.True(t, wrote)
		wrote, err = repo.Upsert(ctx, ev)
		require.NoError(t, err)
		assert.False(t, wrote)
	})

	t.Run("filters", func(t *testing.T) {
		got, err := repo.GetEvents(ctx, Filter{
			Start:      model.NewDate(2024, 2, 1),
			End:        model.NewDate(2024, 2, 29),
			Regulators: []string{model.RegulatorOCC},
		}, 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, ev.EventID, got[0].EventID)
	})

	t.Run("statistics", func(t *testing.T) {
		st, err := repo.GetStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.TotalEvents)
		assert.EqualValues(t, 3_000_000, st.TotalPenaltiesUSD)
	})
}
