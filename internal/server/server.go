// Package server implements the UDS dispatcher: socket setup with
// strict permissions, one goroutine per accepted connection, a single
// bounded request line read per connection, verb routing, and signal-
// driven graceful shutdown with a grace period (§4.E).
//
// Grounded on the teacher's internal/app Start/Stop/Run lifecycle shape
// (signal.Notify, WaitGroup-coordinated shutdown), adapted from an
// HTTP server loop to a UDS accept loop.
package server

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	apperrors "github.com/bonzupii/chimera-logmind/pkg/errors"
	"github.com/bonzupii/chimera-logmind/internal/protocol"
)

// Handler serves one parsed request, writing its response to w. Returning
// a non-*apperrors.Error is answered with "ERR internal" and logged at
// error; it does not count as a Storage-kind failure.
type Handler func(ctx context.Context, req protocol.Request, w io.Writer) error

// Metrics receives per-request observability hooks (SPEC_FULL.md
// "metrics and health HTTP surface"). A nil Metrics is a valid no-op,
// matching a daemon run without CHIMERA_METRICS_ADDR configured.
type Metrics interface {
	ObserveRequest(verb string, d time.Duration)
	IncStoreError()
}

// Options configures a Server.
type Options struct {
	SocketPath    string
	SocketGroup   string
	Backlog       int
	ReadTimeout   time.Duration
	ShutdownGrace time.Duration
	Logger        *logrus.Logger
	Metrics       Metrics
}

// Server accepts UDS connections and routes each one's single request
// line to a registered verb handler.
type Server struct {
	opts     Options
	logger   *logrus.Logger
	metrics  Metrics
	listener net.Listener
	handlers map[string]Handler
	wg       sync.WaitGroup
}

// New builds a Server. Call Listen before Run.
func New(opts Options) *Server {
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = 10 * time.Second
	}
	if opts.Backlog == 0 {
		opts.Backlog = 16
	}
	return &Server{opts: opts, logger: opts.Logger, metrics: opts.Metrics, handlers: map[string]Handler{}}
}

// Register binds a verb (case-insensitive; stored uppercased) to a
// handler.
func (s *Server) Register(verb string, h Handler) {
	s.handlers[strings.ToUpper(verb)] = h
}

// Listen resolves the socket path (falling back to a per-user temp path
// if the configured parent directory is not writable), removes any
// stale socket, binds, and applies 0660 permissions with an optional
// group owner. Failures here are Startup-Fatal (§7).
func (s *Server) Listen() error {
	path, err := resolveSocketPath(s.opts.SocketPath)
	if err != nil {
		return apperrors.Wrap(apperrors.StartupFatal, "resolve socket path", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.Wrap(apperrors.StartupFatal, "create socket directory", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return apperrors.Wrap(apperrors.StartupFatal, "remove stale socket", err)
		}
	}

	// net.Listen's own backlog (syscall.SOMAXCONN-derived) already exceeds
	// the >=16 floor this daemon needs; there is no portable way to
	// override it through the standard library without raw syscalls.
	ln, err := net.Listen("unix", path)
	if err != nil {
		return apperrors.Wrap(apperrors.StartupFatal, "bind socket", err)
	}

	if err := os.Chmod(path, 0o660); err != nil {
		ln.Close()
		return apperrors.Wrap(apperrors.StartupFatal, "chmod socket", err)
	}
	if s.opts.SocketGroup != "" {
		if err := chownGroup(path, s.opts.SocketGroup); err != nil && s.logger != nil {
			s.logger.WithError(err).WithField("group", s.opts.SocketGroup).Warn("could not set socket group ownership")
		}
	}

	s.listener = ln
	return nil
}

// Run installs a SIGINT/SIGTERM handler, accepts connections until a
// signal fires or ctx is cancelled, then waits up to ShutdownGrace for
// in-flight connections before returning.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return s.waitForDrain()
			default:
				return apperrors.Wrap(apperrors.StartupFatal, "accept", err)
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) waitForDrain() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.opts.ShutdownGrace):
		if s.logger != nil {
			s.logger.Warn("shutdown grace period elapsed with connections still in flight")
		}
	}
	return nil
}

// handleConn reads exactly one request line, dispatches it, writes the
// response, and closes the connection, per §4.E "per-connection
// handling".
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	var log *logrus.Entry
	if s.logger != nil {
		log = s.logger.WithField("conn", connID)
	}

	if err := conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil && log != nil {
		log.WithError(err).Warn("could not set read deadline")
	}

	line, err := protocol.ReadRequestLine(bufio.NewReader(conn))
	if err != nil {
		if appErr, ok := apperrors.As(err); ok && appErr.Kind == apperrors.ClientDisconnected {
			return
		}
		protocol.WriteErr(conn, "bad-arguments")
		return
	}
	if line == "" {
		return
	}

	req, err := protocol.Parse(line)
	if err != nil {
		protocol.WriteErr(conn, reasonFor(err))
		return
	}

	handler, ok := s.handlers[req.Verb]
	if !ok {
		protocol.WriteErr(conn, "unknown-command")
		return
	}

	start := time.Now()
	err = handler(ctx, req, conn)
	if s.metrics != nil {
		s.metrics.ObserveRequest(req.Verb, time.Since(start))
	}
	if err != nil {
		s.logHandlerError(log, err)
		protocol.WriteErr(conn, reasonFor(err))
	}
}

func reasonFor(err error) string {
	appErr, ok := apperrors.As(err)
	if !ok {
		return "internal"
	}
	return protocol.ErrReason(appErr.Kind, appErr.Reason)
}

func (s *Server) logHandlerError(log *logrus.Entry, err error) {
	appErr, ok := apperrors.As(err)
	if !ok {
		if log != nil {
			log.WithError(err).Error("unhandled request error")
		}
		return
	}
	switch appErr.Kind {
	case apperrors.ExternalUnavailable:
		if log != nil {
			log.WithError(err).Warn("external tool unavailable")
		}
	case apperrors.Storage:
		if log != nil {
			log.WithError(err).Error("storage error")
		}
		if s.metrics != nil {
			s.metrics.IncStoreError()
		}
	case apperrors.ClientDisconnected:
		if log != nil {
			log.WithError(err).Debug("client disconnected mid-response")
		}
	default:
		// BadRequest is not logged as failure, per §7.
	}
}

func resolveSocketPath(configured string) (string, error) {
	if configured == "" {
		configured = "/run/chimera/api.sock"
	}
	dir := filepath.Dir(configured)
	if writableDir(dir) {
		return configured, nil
	}
	fallbackDir := filepath.Join(os.TempDir(), "chimera-"+strconv.Itoa(os.Getuid()))
	return filepath.Join(fallbackDir, "api.sock"), nil
}

func writableDir(dir string) bool {
	info, err := os.Stat(dir)
	if err != nil {
		// A missing parent is not automatically unwritable: MkdirAll in
		// Listen will attempt to create it. Only treat an existing,
		// unwritable directory as a reason to fall back.
		return true
	}
	if !info.IsDir() {
		return false
	}
	probe := filepath.Join(dir, ".chimera-write-test")
	f, err := os.OpenFile(probe, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}

func chownGroup(path, groupName string) error {
	grp, err := user.LookupGroup(groupName)
	if err != nil {
		return err
	}
	gid, err := strconv.Atoi(grp.Gid)
	if err != nil {
		return err
	}
	return os.Chown(path, -1, gid)
}
