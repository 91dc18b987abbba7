package repository

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPgUUIDRoundTrip(t *testing.T) {
	id := uuid.New()
	pg := ToPgUUID(id)
	require.True(t, pg.Valid)
	assert.Equal(t, id, FromPgUUID(pg))
}

func TestFromPgUUIDNull(t *testing.T) {
	assert.Equal(t, uuid.Nil, FromPgUUID(pgtype.UUID{}))
}

func TestTimestamptz(t *testing.T) {
	assert.False(t, Timestamptz(time.Time{}).Valid)
	assert.Nil(t, TimePtr(Timestamptz(time.Time{})))

	now := time.Now()
	ts := Timestamptz(now)
	require.True(t, ts.Valid)
	require.NotNil(t, TimePtr(ts))
	assert.True(t, now.Equal(*TimePtr(ts)))
}
