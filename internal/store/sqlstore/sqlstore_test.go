package sqlstore

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"

	"github.com/M1PPosu/lazer-server-sub001/internal/store"
)

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr(nil))

	assert.ErrorIs(t, mapErr(sql.ErrNoRows), store.ErrNotFound)

	uniqueViolation := &pq.Error{Code: "23505"}
	assert.ErrorIs(t, mapErr(uniqueViolation), store.ErrConflict)

	other := errors.New("connection reset")
	assert.Equal(t, other, mapErr(other))

	// Non-unique constraint codes pass through untouched.
	fk := &pq.Error{Code: "23503"}
	assert.Equal(t, error(fk), mapErr(fk))
}

func TestNullTimeRoundTrip(t *testing.T) {
	assert.False(t, nullTime(time.Time{}).Valid)

	now := time.Now()
	nt := nullTime(now)
	assert.True(t, nt.Valid)
	assert.Equal(t, now, fromNullTime(nt))

	assert.True(t, fromNullTime(sql.NullTime{}).IsZero())
}

func TestMigrationsAreAppendOnly(t *testing.T) {
	// Version numbers derive from slice position; an empty statement would
	// silently burn a version.
	for i, stmt := range migrations {
		assert.NotEmpty(t, stmt, "migration %d is empty", i+1)
	}
}
