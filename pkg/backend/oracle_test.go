package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryweaver/queryweaver/pkg/dberr"
	"github.com/queryweaver/queryweaver/pkg/pool"
	"github.com/queryweaver/queryweaver/pkg/resilience"
)

// fakeBridge scripts the bridge's execute_sql text payloads.
type fakeBridge struct {
	id      string
	payload string
	err     error
}

func (f *fakeBridge) ID() string { return f.id }
func (f *fakeBridge) ExecuteSQL(_ context.Context, _ string) (string, error) {
	return f.payload, f.err
}
func (f *fakeBridge) Ping(_ context.Context) error { return nil }
func (f *fakeBridge) Close() error                 { return nil }

func newTestPool(t *testing.T, bridge *fakeBridge) *pool.Pool {
	t.Helper()
	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
	})
	p := pool.New("oracle-test", func(_ context.Context, id string) (pool.Client, error) {
		b := *bridge
		b.id = id
		return &b, nil
	}, breakers, pool.Config{Size: 1, AcquireTimeout: time.Second})
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { _ = p.Shutdown(time.Second) })
	return p
}

func TestOracleAdapterParsesBridgeResult(t *testing.T) {
	payload := `{"columns":["REGION","TOTAL"],"rows":[["EMEA",1200.5],["APAC",900]],"row_count":2,"execution_time_ms":42}`
	p := newTestPool(t, &fakeBridge{payload: payload})
	adapter := NewOracleAdapter(p, time.Second)

	got, err := adapter.Execute(context.Background(), "SELECT region, total FROM sales", "")
	require.NoError(t, err)
	assert.Equal(t, []string{"REGION", "TOTAL"}, got.Columns)
	assert.Equal(t, 2, got.RowCount)
	assert.EqualValues(t, 42, got.ExecutionTimeMs)
}

func TestOracleAdapterNormalizesOraError(t *testing.T) {
	p := newTestPool(t, &fakeBridge{err: fmt.Errorf("client c0: ORA-00942: table or view does not exist")})
	adapter := NewOracleAdapter(p, time.Second)

	_, err := adapter.Execute(context.Background(), "SELECT * FROM missing", "")
	var ne *dberr.NormalizedError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, dberr.CategoryInvalidTable, ne.Category)
	assert.Equal(t, "ORA-00942", ne.ErrorCode)
}

func TestOracleAdapterMalformedBridgePayload(t *testing.T) {
	p := newTestPool(t, &fakeBridge{payload: "not json"})
	adapter := NewOracleAdapter(p, time.Second)

	_, err := adapter.Execute(context.Background(), "SELECT 1 FROM DUAL", "")
	var ne *dberr.NormalizedError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, dberr.CategoryUnknown, ne.Category)
}

func TestOracleAdapterPoolExhausted(t *testing.T) {
	payload := `{"columns":["N"],"rows":[],"row_count":0}`
	p := newTestPool(t, &fakeBridge{payload: payload})
	adapter := NewOracleAdapter(p, time.Second)

	// Hold the only process, then acquire with zero patience.
	lease, err := p.Acquire(context.Background(), time.Second)
	require.NoError(t, err)
	defer lease.Release(nil)

	fast := NewOracleAdapter(p, time.Nanosecond)
	_, err = fast.Execute(context.Background(), "SELECT 1 FROM DUAL", "")
	assert.True(t, errors.Is(err, pool.ErrPoolExhausted), "got %v", err)
	_ = adapter
}
