package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/SirClappington/leaseq/internal/domain"
)

func TestWrapErr(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{name: "bad conn", err: driver.ErrBadConn, transient: true},
		{name: "connection exception", err: &pgconn.PgError{Code: "08006"}, transient: true},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, transient: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, transient: true},
		{name: "net error", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, transient: true},
		{name: "wrapped net error", err: fmt.Errorf("query: %w", &net.DNSError{Err: "no such host", IsTimeout: true}), transient: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, transient: false},
		{name: "check violation", err: &pgconn.PgError{Code: "23514"}, transient: false},
		{name: "canceled", err: context.Canceled, transient: false},
		{name: "plain", err: errors.New("boom"), transient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrapErr("claim jobs", tt.err)
			assert.ErrorIs(t, err, tt.err)
			assert.Contains(t, err.Error(), "claim jobs")
			assert.Equal(t, tt.transient, errors.Is(err, domain.ErrStoreUnavailable))
		})
	}

	assert.NoError(t, wrapErr("noop", nil))
}

func TestInvalid(t *testing.T) {
	err := invalid("batch size must be greater than zero, got %d", -1)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Contains(t, err.Error(), "got -1")
}
