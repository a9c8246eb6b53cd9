package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAndRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	require.NoError(t, err)

	m.RecordLockAcquired("memory", LockForced)
	m.RecordLockAcquired("memory", LockForced)
	m.RecordAuthorization("pro", DecisionDeniedError)
	m.RecordIncrement("saved", "lite")

	require.Equal(t, 2.0, testutil.ToFloat64(m.lockAcquisitions.WithLabelValues("memory", LockForced)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.authDecisions.WithLabelValues("pro", DecisionDeniedError)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.usageIncrements.WithLabelValues("saved", "lite")))

	_, errDup := New(reg)
	require.Error(t, errDup, "registering twice must fail")
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordLockAcquired("redis", LockAcquired)
	m.RecordLockAutoRelease("redis")
	m.RecordLockBackendFailure()
	m.RecordAuthorization("lite", DecisionAllowed)
	m.RecordIncrement("processed", "pro")
	m.RecordAuditFix()
	m.RecordAuditAnomaly("missing_ledger")
	m.RecordSessionTransition("expired")
}
