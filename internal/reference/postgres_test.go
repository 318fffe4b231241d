package reference

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set PARKWATCH_TEST_DATABASE_URL to run against a real Postgres.
func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("PARKWATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("PARKWATCH_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	id := "test-" + uuid.NewString()

	_, err := s.Load(ctx, id)
	assert.ErrorIs(t, err, ErrNotCalibrated)

	rec := sampleRecord(id)
	require.NoError(t, s.Save(ctx, rec))
	got, err := s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	rec.ParkingBoxes = rec.ParkingBoxes[:1]
	require.NoError(t, s.Save(ctx, rec))
	got, err = s.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = s.pool.Exec(ctx, `DELETE FROM parking_references WHERE camera_id = $1`, id)
	require.NoError(t, err)
}
