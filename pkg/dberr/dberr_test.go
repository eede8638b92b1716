package dberr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		category  Category
		transient bool
	}{
		{"connection", CategoryConnection, true},
		{"network", CategoryNetwork, true},
		{"timeout", CategoryTimeout, true},
		{"resource_exhausted", CategoryResourceExhausted, true},
		{"permission", CategoryPermission, false},
		{"syntax", CategorySyntax, false},
		{"invalid_identifier", CategoryInvalidIdentifier, false},
		{"invalid_table", CategoryInvalidTable, false},
		{"data_type_mismatch", CategoryDataTypeMismatch, false},
		{"constraint_violation", CategoryConstraintViolation, false},
		{"quota_exceeded", CategoryQuotaExceeded, false},
		{"unknown", CategoryUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, tt.category.IsTransient())
		})
	}
}

func TestNewDerivesRetryFromCategory(t *testing.T) {
	transient := New(CategoryTimeout, "", "deadline exceeded", nil)
	assert.True(t, transient.Retry.ShouldRetry)
	assert.True(t, transient.Retry.IsTransient)

	permanent := New(CategorySyntax, "ORA-00936", "missing expression", nil)
	assert.False(t, permanent.Retry.ShouldRetry)
	assert.False(t, permanent.Retry.IsTransient)
	assert.Contains(t, permanent.Error(), "ORA-00936")
}

func TestNormalizationIsDeterministic(t *testing.T) {
	a := FromOracle("ORA-00904: \"REVENUE\": invalid identifier", nil)
	b := FromOracle("ORA-00904: \"REVENUE\": invalid identifier", nil)
	assert.Equal(t, a.Category, b.Category)
	assert.Equal(t, a.ErrorCode, b.ErrorCode)
	assert.Equal(t, a.Message, b.Message)
	assert.Equal(t, a.Retry, b.Retry)
}

func TestWithColumnsAttachesHint(t *testing.T) {
	ne := FromOracle("ORA-00904: \"REVENEU\": invalid identifier", nil)
	require.Equal(t, CategoryInvalidIdentifier, ne.Category)

	ne = ne.WithColumns("SALES", []string{"REGION", "REVENUE", "PERIOD"})
	assert.Equal(t, "SALES", ne.Metadata["table"])
	assert.Equal(t, []string{"REGION", "REVENUE", "PERIOD"}, ne.Metadata["available_columns"])

	// empty column list leaves metadata untouched
	other := FromOracle("ORA-00904: bad", nil).WithColumns("SALES", nil)
	assert.Nil(t, other.Metadata)
}

func TestFromOracle(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		category Category
		code     string
	}{
		{"invalid identifier", `ORA-00904: "FOO": invalid identifier`, CategoryInvalidIdentifier, "ORA-00904"},
		{"missing table", "ORA-00942: table or view does not exist", CategoryInvalidTable, "ORA-00942"},
		{"syntax", "ORA-00933: SQL command not properly ended", CategorySyntax, "ORA-00933"},
		{"no listener", "ORA-12541: TNS:no listener", CategoryConnection, "ORA-12541"},
		{"connect timeout", "ORA-12170: TNS:Connect timeout occurred", CategoryTimeout, "ORA-12170"},
		{"bad credentials", "ORA-01017: invalid username/password; logon denied", CategoryPermission, "ORA-01017"},
		{"sessions exhausted", "ORA-00018: maximum number of sessions exceeded", CategoryResourceExhausted, "ORA-00018"},
		{"invalid number", "ORA-01722: invalid number", CategoryDataTypeMismatch, "ORA-01722"},
		{"unique violated", "ORA-00001: unique constraint (X.PK) violated", CategoryConstraintViolation, "ORA-00001"},
		{"unmapped code", "ORA-99999: something exotic", CategoryUnknown, "ORA-99999"},
		{"no code at all", "proxy exploded", CategoryUnknown, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ne := FromOracle(tt.message, nil)
			assert.Equal(t, tt.category, ne.Category)
			assert.Equal(t, tt.code, ne.ErrorCode)
		})
	}
}

func TestFromOracleCodelessWithCause(t *testing.T) {
	cause := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	ne := FromOracle("", cause)
	assert.Equal(t, CategoryConnection, ne.Category)
}

func TestFromPostgres(t *testing.T) {
	tests := []struct {
		name     string
		sqlstate string
		category Category
	}{
		{"statement timeout", "57014", CategoryTimeout},
		{"syntax", "42601", CategorySyntax},
		{"undefined column", "42703", CategoryInvalidIdentifier},
		{"undefined table", "42P01", CategoryInvalidTable},
		{"privilege", "42501", CategoryPermission},
		{"bad literal", "22P02", CategoryDataTypeMismatch},
		{"connection class", "08006", CategoryConnection},
		{"auth class", "28P01", CategoryPermission},
		{"constraint class", "23505", CategoryConstraintViolation},
		{"resources class", "53200", CategoryResourceExhausted},
		{"too many connections", "53300", CategoryResourceExhausted},
		{"shutdown", "57P01", CategoryConnection},
		{"other 42 class", "42883", CategorySyntax},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := &pgconn.PgError{Code: tt.sqlstate, Message: tt.name}
			ne := FromPostgres(fmt.Errorf("exec: %w", err))
			assert.Equal(t, tt.category, ne.Category)
			assert.Equal(t, tt.sqlstate, ne.ErrorCode)
		})
	}
}

func TestFromPostgresTransportFallback(t *testing.T) {
	ne := FromPostgres(context.DeadlineExceeded)
	assert.Equal(t, CategoryTimeout, ne.Category)

	assert.Nil(t, FromPostgres(nil))
}

func TestFromPostgresPassesThroughNormalized(t *testing.T) {
	orig := New(CategoryQuotaExceeded, "", "daily quota reached", nil)
	ne := FromPostgres(fmt.Errorf("wrapped: %w", orig))
	assert.Same(t, orig, ne)
}

func TestFromDoris(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		category Category
	}{
		{"syntax", 1064, CategorySyntax},
		{"unknown column", 1054, CategoryInvalidIdentifier},
		{"missing table", 1146, CategoryInvalidTable},
		{"access denied", 1045, CategoryPermission},
		{"too many connections", 1040, CategoryResourceExhausted},
		{"lock wait timeout", 1205, CategoryTimeout},
		{"interrupted", 3024, CategoryTimeout},
		{"bad value", 1366, CategoryDataTypeMismatch},
		{"duplicate", 1062, CategoryConstraintViolation},
		{"gone away", 2006, CategoryConnection},
		{"unmapped", 4242, CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ne := FromDoris(tt.code, tt.name, nil)
			assert.Equal(t, tt.category, ne.Category)
		})
	}
}

func TestFromDorisWithoutCode(t *testing.T) {
	ne := FromDoris(0, "tool failed", nil)
	assert.Equal(t, CategoryUnknown, ne.Category)

	ne = FromDoris(0, "", context.DeadlineExceeded)
	assert.Equal(t, CategoryTimeout, ne.Category)
}

func TestFromTransport(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		category Category
	}{
		{"deadline", context.DeadlineExceeded, CategoryTimeout},
		{"canceled", context.Canceled, CategoryTimeout},
		{"eof", io.EOF, CategoryConnection},
		{"unexpected eof", io.ErrUnexpectedEOF, CategoryConnection},
		{"dial refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, CategoryConnection},
		{"read reset", &net.OpError{Op: "read", Net: "tcp", Err: errors.New("reset")}, CategoryNetwork},
		{"net timeout", timeoutErr{}, CategoryTimeout},
		{"plain", errors.New("boom"), CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ne := FromTransport(tt.err)
			assert.Equal(t, tt.category, ne.Category)
			assert.ErrorIs(t, ne, tt.err)
		})
	}
}

// timeoutErr is a net.Error whose Timeout() is true but is not an OpError.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestWrappedDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	ne := FromTransport(fmt.Errorf("query: %w", ctx.Err()))
	assert.Equal(t, CategoryTimeout, ne.Category)
}
