package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().String()
}

func TestMetricsServesHealthzAndMetrics(t *testing.T) {
	addr := freePort(t)
	m := New(logrus.New())
	m.ObserveRequest("PING", 10*time.Millisecond)
	m.LogsIngestedTotal.WithLabelValues("journal").Inc()

	require.NoError(t, m.Start(addr))
	defer m.Stop(context.Background())

	time.Sleep(50 * time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
	require.NoError(t, err)
	defer resp2.Body.Close()
	body, err := io.ReadAll(resp2.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "chimera_logs_ingested_total")
}

func TestObserveAndStoreErrorHelpersIncrementTheirCounters(t *testing.T) {
	m := New(logrus.New())
	m.ObserveIngested("journal", 3)
	m.ObserveInserted("journal", 2)
	m.IncStoreError()

	require.Equal(t, float64(3), testutil.ToFloat64(m.LogsIngestedTotal.WithLabelValues("journal")))
	require.Equal(t, float64(2), testutil.ToFloat64(m.LogsInsertedTotal.WithLabelValues("journal")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.StoreErrorsTotal))
}
