// Package rpcserver implements the RPC Transport (§4.G), Worker Pool
// (§4.H), and Router (§4.I): a Unix-domain-socket listener speaking
// line-framed JSON-RPC 2.0, a bounded pool of workers draining accepted
// connections, and the per-method dispatch table in router.go/handlers*.go.
package rpcserver

import (
	"bufio"
	"encoding/json"
	"errors"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agent-tui/agent-tuid/internal/config"
	"github.com/agent-tui/agent-tuid/internal/rpcproto"
	"github.com/agent-tui/agent-tuid/internal/sessionmgr"
)

// Server ties the listener, worker pool, and router together. It is
// constructed once per daemon process by cmd/agent-tuid.
type Server struct {
	cfg     *config.Config
	manager *sessionmgr.Manager
	version string

	listener net.Listener
	connCh   chan net.Conn

	active   atomic.Int64
	shutdown atomic.Bool

	workersWG sync.WaitGroup
	acceptWG  sync.WaitGroup
}

// New constructs a Server bound to the given config and session manager.
// Call Serve to start accepting connections.
func New(cfg *config.Config, manager *sessionmgr.Manager, version string) *Server {
	return &Server{
		cfg:     cfg,
		manager: manager,
		version: version,
		connCh:  make(chan net.Conn, cfg.Workers.QueueCapacity),
	}
}

func (s *Server) activeConnections() int64 { return s.active.Load() }

// Serve binds the Unix socket, starts the worker pool, and runs the accept
// loop until Shutdown is called or an unrecoverable accept error occurs.
func (s *Server) Serve() error {
	_ = os.Remove(s.cfg.Socket.Path)
	if err := os.MkdirAll(parentDir(s.cfg.Socket.Path), 0o700); err != nil {
		return err
	}
	ln, err := net.Listen("unix", s.cfg.Socket.Path)
	if err != nil {
		return err
	}
	s.listener = ln
	_ = os.Chmod(s.cfg.Socket.Path, 0o600)

	poolSize := s.cfg.Workers.PoolSize
	if poolSize <= 0 {
		poolSize = 64
	}
	for i := 0; i < poolSize; i++ {
		s.workersWG.Add(1)
		go s.worker()
	}

	s.acceptWG.Add(1)
	defer s.acceptWG.Done()
	return s.acceptLoop()
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// acceptLoop accepts connections and hands them to the worker pool's
// bounded channel. Shutdown closes the listener to unblock a pending
// Accept promptly, the net.Listener equivalent of a wake-pipe poll.
func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shutdown.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		select {
		case s.connCh <- conn:
		default:
			log.Printf("rpcserver: connection queue full, dropping connection from %s", conn.RemoteAddr())
			conn.Close()
		}
	}
}

// worker drains connCh and runs the per-connection loop until the channel
// is closed at shutdown.
func (s *Server) worker() {
	defer s.workersWG.Done()
	for conn := range s.connCh {
		s.handleConn(conn)
	}
}

const maxLineScanBuffer = 1 << 20

func (s *Server) handleConn(conn net.Conn) {
	s.active.Add(1)
	defer s.active.Add(-1)
	hijacked := false
	defer func() {
		if !hijacked {
			conn.Close()
		}
	}()

	// connID correlates this connection's log lines (and, once attached,
	// its stream goroutine's events) across the lifetime of the connection.
	connID := uuid.NewString()

	limit := s.cfg.Socket.RequestSizeLimit
	if limit <= 0 {
		limit = 1 << 20
	}
	readTimeout := s.cfg.Socket.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := s.cfg.Socket.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}

	scanner := bufio.NewScanner(conn)
	bufSize := limit
	if bufSize < maxLineScanBuffer {
		bufSize = maxLineScanBuffer
	}
	scanner.Buffer(make([]byte, 0, 4096), bufSize)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if !scanner.Scan() {
			if errors.Is(scanner.Err(), bufio.ErrTooLong) {
				s.writeResponse(conn, writeTimeout, parseErrorResponse(0, "request exceeds size limit"))
			}
			return // EOF, timeout, or I/O error: close the connection.
		}
		line := scanner.Bytes()
		if len(line) > limit {
			s.writeResponse(conn, writeTimeout, parseErrorResponse(0, "request exceeds size limit"))
			return
		}

		var req rpcproto.Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(conn, writeTimeout, parseErrorResponse(0, "invalid JSON: "+err.Error()))
			continue // a bad frame does not close the connection.
		}

		if streamingMethods[req.Method] {
			hijacked = true
			s.active.Add(1)
			go func() {
				defer s.active.Add(-1)
				defer conn.Close()
				s.runStream(conn, req, writeTimeout, connID)
			}()
			return // the stream goroutine now owns the connection.
		}

		resp := s.dispatch(req)
		s.writeResponse(conn, writeTimeout, resp)
	}
}

func parseErrorResponse(id uint64, message string) rpcproto.Response {
	return rpcproto.Response{
		JSONRPC: "2.0", ID: id,
		Error: &rpcproto.Error{Code: rpcproto.CodeParseError, Message: message, Category: rpcproto.CategoryInvalidInput},
	}
}

// writeResponse marshals and writes one response line, returning false if
// the write failed (a stream goroutine uses this to notice a disconnected
// client and stop streaming).
func (s *Server) writeResponse(conn net.Conn, timeout time.Duration, v any) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("rpcserver: marshal response: %v", err)
		return false
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return false
	}
	return true
}

// Shutdown implements the exit sequence from spec §4.J: stop accepting,
// drain active connections with a bound, kill every session, stop the
// worker pool, then unlink the socket.
func (s *Server) Shutdown(drainTimeout time.Duration) error {
	s.shutdown.Store(true)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.acceptWG.Wait()

	close(s.connCh)

	deadline := time.Now().Add(drainTimeout)
	for s.active.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	s.manager.CloseAll()

	s.workersWG.Wait()

	_ = os.Remove(s.cfg.Socket.Path)
	return nil
}
