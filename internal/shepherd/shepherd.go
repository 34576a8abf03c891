// Package shepherd keeps debugger sessions alive in a long-lived process so
// that they survive restarts of the HTTP server.
//
// The shepherd listens on a Unix socket. Every client connection carries a
// yamux session; each call opens its own stream, sends one Request frame and
// reads one Response frame, so a slow command never holds up other calls on
// the same connection.
package shepherd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/yamux"

	"github.com/peterje/dbgmcp/internal/db"
	"github.com/peterje/dbgmcp/internal/sessions"
)

// stopAllTimeout bounds the shutdown of every session when the shepherd exits.
const stopAllTimeout = 15 * time.Second

// Shepherd serves a session registry to clients.
type Shepherd struct {
	log      logr.Logger
	registry *sessions.Registry

	mu    sync.Mutex
	conns map[*yamux.Session]struct{}
	wg    sync.WaitGroup
}

// SocketPath returns the path to the shepherd's Unix domain socket.
func SocketPath() (string, error) {
	dir, err := db.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "shepherd.sock"), nil
}

// PIDPath returns the path to the shepherd's PID file.
func PIDPath() (string, error) {
	dir, err := db.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "shepherd.pid"), nil
}

func New(log logr.Logger, registry *sessions.Registry) *Shepherd {
	return &Shepherd{
		log:      log,
		registry: registry,
		conns:    make(map[*yamux.Session]struct{}),
	}
}

// Run is the shepherd process: it claims the socket and serves until ctx is
// cancelled, then stops every session and removes its files.
func Run(ctx context.Context, log logr.Logger, registry *sessions.Registry) error {
	socketPath, err := SocketPath()
	if err != nil {
		return fmt.Errorf("socket path: %w", err)
	}
	pidPath, err := PIDPath()
	if err != nil {
		return fmt.Errorf("pid path: %w", err)
	}

	if err := cleanStaleSocket(log, socketPath, pidPath); err != nil {
		return fmt.Errorf("clean stale socket: %w", err)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer os.Remove(socketPath)

	log.Info("listening", "socket", socketPath, "pid", os.Getpid())
	return New(log, registry).Serve(ctx, listener)
}

// Serve accepts connections on l until ctx is cancelled or l fails. On
// return l is closed and every session has been stopped.
func (s *Shepherd) Serve(ctx context.Context, l net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	var acceptErr error
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				acceptErr = err
			}
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.log.Info("shutting down")
	cancel()
	s.closeConns()
	s.wg.Wait()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopAllTimeout)
	defer stopCancel()
	s.registry.StopAll(stopCtx)
	return acceptErr
}

func (s *Shepherd) handleConn(ctx context.Context, conn net.Conn) {
	session, err := yamux.Server(conn, yamuxConfig(s.log))
	if err != nil {
		s.log.Error(err, "yamux server")
		conn.Close()
		return
	}
	s.mu.Lock()
	s.conns[session] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, session)
		s.mu.Unlock()
		session.Close()
	}()

	s.log.V(1).Info("client connected")
	for {
		stream, err := session.AcceptStream()
		if err != nil {
			s.log.V(1).Info("client disconnected")
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleStream(ctx, stream)
		}()
	}
}

// handleStream answers the single request on stream. The request's context
// ends when the client abandons the stream.
func (s *Shepherd) handleStream(ctx context.Context, stream *yamux.Stream) {
	defer stream.Close()

	var req Request
	if err := readMessage(stream, frameRequest, &req); err != nil {
		s.log.Error(err, "bad request frame")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// The client sends nothing more; a read returning means it went away.
		var b [1]byte
		stream.Read(b[:])
		cancel()
	}()

	resp := s.dispatch(ctx, req)
	resp.ID = req.ID
	if err := writeMessage(stream, frameResponse, resp); err != nil {
		s.log.V(1).Info("response not delivered", "command", req.Command, "error", err.Error())
	}
}

func (s *Shepherd) dispatch(ctx context.Context, req Request) Response {
	switch req.Command {
	case cmdPing:
		return Response{}

	case cmdStart:
		if req.Spec == nil {
			return Response{Error: "start request without spec", Kind: kindBadRequest}
		}
		res, err := s.registry.Start(ctx, *req.Spec)
		if err != nil {
			return failed(err)
		}
		return Response{Started: &res}

	case cmdExecute:
		out, err := s.registry.Execute(ctx, req.SessionID, req.Text)
		if err != nil {
			resp := failed(err)
			resp.Output = out
			return resp
		}
		return Response{Output: out}

	case cmdWait:
		out, err := s.registry.Wait(ctx, req.SessionID, req.Pattern, req.Timeout)
		if err != nil {
			resp := failed(err)
			resp.Output = out
			return resp
		}
		return Response{Output: out}

	case cmdStop:
		if err := s.registry.Stop(ctx, req.SessionID); err != nil {
			return failed(err)
		}
		return Response{}

	case cmdList:
		return Response{Sessions: s.registry.List()}

	case cmdStopAll:
		s.registry.StopAll(ctx)
		return Response{}
	}
	return Response{Error: "unknown command " + req.Command, Kind: kindBadRequest}
}

func failed(err error) Response {
	return Response{Error: err.Error(), Kind: errorKind(err)}
}

func (s *Shepherd) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for session := range s.conns {
		session.Close()
	}
}

// cleanStaleSocket removes a stale socket file if the shepherd process is not running.
func cleanStaleSocket(log logr.Logger, socketPath, pidPath string) error {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil
	}

	// Try to connect to see if it's alive
	conn, err := net.Dial("unix", socketPath)
	if err == nil {
		conn.Close()
		return fmt.Errorf("shepherd already running (socket active)")
	}

	// Socket exists but can't connect; check the PID file
	pidData, err := os.ReadFile(pidPath)
	if err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
		if err == nil && pid != os.Getpid() {
			proc, err := os.FindProcess(pid)
			if err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("shepherd already running (pid %d)", pid)
				}
			}
		}
	}

	log.Info("removing stale socket", "socket", socketPath)
	os.Remove(socketPath)
	os.Remove(pidPath)
	return nil
}

func yamuxConfig(log logr.Logger) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = logWriter{log: log.WithName("yamux")}
	return cfg
}

// logWriter forwards yamux's log lines to a logr.Logger.
type logWriter struct {
	log logr.Logger
}

func (w logWriter) Write(p []byte) (int, error) {
	w.log.V(1).Info(strings.TrimSpace(string(p)))
	return len(p), nil
}

var _ io.Writer = logWriter{}
