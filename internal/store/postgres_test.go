package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i474232898/farm-advisory/internal/ingest"
)

// openTestPostgres connects to TEST_DATABASE_URL or skips the test.
func openTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pg, err := OpenPostgres(ctx, dsn, 4)
	require.NoError(t, err)
	require.NoError(t, pg.Migrate(ctx))
	t.Cleanup(pg.Close)
	return pg
}

func TestPostgres_InsertDedupAndRead(t *testing.T) {
	pg := openTestPostgres(t)
	ctx := context.Background()
	village := "test-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Second)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	err := pg.WithinTx(ctx, func(ctx context.Context, tx ingest.Tx) error {
		seen, err := tx.HasWeatherSince(ctx, village, now.Add(-time.Hour))
		require.NoError(t, err)
		assert.False(t, seen)

		if _, err := tx.Insert(ctx, weatherAt(village, now, 27.5)); err != nil {
			return err
		}
		_, err = tx.Insert(ctx, marketOn(village, "Onion", day, 1800))
		return err
	})
	require.NoError(t, err)

	latest, err := pg.LatestWeather(ctx, village)
	require.NoError(t, err)
	assert.Equal(t, 27.5, latest.Weather.Temperature)
	assert.True(t, latest.ObservedAt.Equal(now))

	market, err := pg.LatestMarket(ctx, village)
	require.NoError(t, err)
	assert.Equal(t, "Onion", market.Market.Commodity)
	assert.True(t, market.Market.ArrivalDate.Equal(day))

	err = pg.WithinTx(ctx, func(ctx context.Context, tx ingest.Tx) error {
		dup, err := tx.HasMarket(ctx, village, "Onion", day)
		require.NoError(t, err)
		assert.True(t, dup)
		_, err = tx.Insert(ctx, marketOn(village, "Onion", day, 1900))
		return err
	})
	require.ErrorIs(t, err, ingest.ErrDuplicateKey)

	rows, err := pg.RecentMarket(ctx, village, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestPostgres_RollbackOnError(t *testing.T) {
	pg := openTestPostgres(t)
	ctx := context.Background()
	village := "test-" + uuid.NewString()
	now := time.Now().UTC()

	err := pg.WithinTx(ctx, func(ctx context.Context, tx ingest.Tx) error {
		if _, err := tx.Insert(ctx, weatherAt(village, now, 20)); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	_, err = pg.LatestWeather(ctx, village)
	require.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestPostgres_Summary(t *testing.T) {
	pg := openTestPostgres(t)
	ctx := context.Background()
	village := "test-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Second)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	before, err := pg.Summary(ctx)
	require.NoError(t, err)

	err = pg.WithinTx(ctx, func(ctx context.Context, tx ingest.Tx) error {
		for _, r := range []ingest.Reading{
			weatherAt(village, now.Add(-2*time.Hour), 20),
			weatherAt(village, now, 26),
			marketOn(village, "Onion", day, 1800),
		} {
			if _, err := tx.Insert(ctx, r); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	after, err := pg.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.WeatherReadings+2, after.WeatherReadings)
	assert.Equal(t, before.MarketReadings+1, after.MarketReadings)
	assert.Contains(t, after.AverageTemperature, ingest.VillageAverage{VillageID: village, TemperatureC: 23})
	require.NotNil(t, after.HighestModalPrice)
	assert.GreaterOrEqual(t, *after.HighestModalPrice, 1800.0)
}
