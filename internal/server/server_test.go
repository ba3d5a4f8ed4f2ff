package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	apperrors "github.com/bonzupii/chimera-logmind/pkg/errors"

	"github.com/bonzupii/chimera-logmind/internal/protocol"
)

// fakeMetrics records every ObserveRequest/IncStoreError call a Server
// makes, so tests can assert those hooks actually fire.
type fakeMetrics struct {
	mu        sync.Mutex
	requests  []string
	storeErrs int
}

func (f *fakeMetrics) ObserveRequest(verb string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, verb)
}

func (f *fakeMetrics) IncStoreError() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeErrs++
}

func (f *fakeMetrics) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeMetrics) storeErrorCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storeErrs
}

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)

	s := New(Options{
		SocketPath:    filepath.Join(t.TempDir(), "api.sock"),
		Logger:        logger,
		ReadTimeout:   2 * time.Second,
		ShutdownGrace: 1 * time.Second,
	})
	require.NoError(t, s.Listen())
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", s.listener.Addr().String())
	require.NoError(t, err)
	return conn
}

func TestServerRoutesPingToHandler(t *testing.T) {
	s := newTestServer(t)
	s.Register("PING", func(_ context.Context, _ protocol.Request, w io.Writer) error {
		return protocol.WritePong(w)
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(runDone)
	}()

	conn := dial(t, s)
	_, err := conn.Write([]byte("PING\n"))
	require.NoError(t, err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "PONG\n", reply)
	conn.Close()

	cancel()
	<-runDone
}

func TestServerRespondsUnknownCommand(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(runDone)
	}()

	conn := dial(t, s)
	_, err := conn.Write([]byte("NOPE\n"))
	require.NoError(t, err)

	reply, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ERR unknown-command\n", reply)
	conn.Close()

	cancel()
	<-runDone
}

func TestServerOneRequestPerConnection(t *testing.T) {
	s := newTestServer(t)
	calls := 0
	s.Register("PING", func(_ context.Context, _ protocol.Request, w io.Writer) error {
		calls++
		return protocol.WritePong(w)
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(runDone)
	}()

	conn := dial(t, s)
	_, err := conn.Write([]byte("PING\nPING\n"))
	require.NoError(t, err)
	reader := bufio.NewReader(conn)
	reply, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "PONG\n", reply)

	// The connection is closed by the server after exactly one request;
	// a further read should observe EOF rather than a second PONG.
	_, err = reader.ReadString('\n')
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
	conn.Close()

	cancel()
	<-runDone
}

func TestServerObservesRequestMetricsAndStoreErrors(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	fm := &fakeMetrics{}

	s := New(Options{
		SocketPath:    filepath.Join(t.TempDir(), "api.sock"),
		Logger:        logger,
		ReadTimeout:   2 * time.Second,
		ShutdownGrace: 1 * time.Second,
		Metrics:       fm,
	})
	require.NoError(t, s.Listen())

	s.Register("PING", func(_ context.Context, _ protocol.Request, w io.Writer) error {
		return protocol.WritePong(w)
	})
	s.Register("BOOM", func(_ context.Context, _ protocol.Request, _ io.Writer) error {
		return apperrors.StorageError("simulated failure", assert.AnError)
	})

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(runDone)
	}()

	conn := dial(t, s)
	_, err := conn.Write([]byte("PING\n"))
	require.NoError(t, err)
	_, err = bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	conn.Close()

	conn2 := dial(t, s)
	_, err = conn2.Write([]byte("BOOM\n"))
	require.NoError(t, err)
	reply, err := bufio.NewReader(conn2).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ERR storage: simulated failure\n", reply)
	conn2.Close()

	cancel()
	<-runDone

	assert.Equal(t, 2, fm.requestCount())
	assert.Equal(t, 1, fm.storeErrorCount())
}

func TestResolveSocketPathFallsBackWhenParentUnwritable(t *testing.T) {
	// A regular file as the parent can never hold the socket, so the
	// configured path gives way to the per-user temp path.
	parent := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(parent, nil, 0o600))

	path, err := resolveSocketPath(filepath.Join(parent, "api.sock"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(os.TempDir(), "chimera-"+strconv.Itoa(os.Getuid()), "api.sock"), path)
}
