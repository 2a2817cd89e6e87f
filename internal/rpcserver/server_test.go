package rpcserver

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agent-tui/agent-tuid/internal/config"
	"github.com/agent-tui/agent-tuid/internal/persist"
	"github.com/agent-tui/agent-tuid/internal/rpcproto"
	"github.com/agent-tui/agent-tuid/internal/sessionmgr"
)

func newTestServer(t *testing.T) (*Server, *config.Config) {
	t.Helper()
	return newTestServerWithConfig(t, nil)
}

func newTestServerWithConfig(t *testing.T, mutate func(*config.Config)) (*Server, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Socket.Path = filepath.Join(dir, "daemon.sock")
	cfg.Socket.ReadTimeout = 2 * time.Second
	cfg.Socket.WriteTimeout = 2 * time.Second
	cfg.Workers.PoolSize = 4
	cfg.Workers.QueueCapacity = 8
	if mutate != nil {
		mutate(cfg)
	}

	store, err := persist.New(filepath.Join(dir, "sessions.json"))
	if err != nil {
		t.Fatalf("persist.New: %v", err)
	}
	manager := sessionmgr.New(cfg.Sessions.MaxSessions, cfg.Sessions.MaxBytes, store)
	t.Cleanup(manager.CloseAll)

	srv := New(cfg, manager, "test")
	done := make(chan struct{})
	go func() {
		srv.Serve()
		close(done)
	}()
	t.Cleanup(func() {
		srv.Shutdown(2 * time.Second)
		<-done
	})

	waitForSocket(t, cfg.Socket.Path)
	return srv, cfg
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never became ready", path)
}

func roundTrip(t *testing.T, conn net.Conn, method string, params any) rpcproto.Response {
	t.Helper()
	raw, _ := json.Marshal(params)
	req := rpcproto.Request{JSONRPC: "2.0", ID: 1, Method: method, Params: raw}
	line, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if _, err := conn.Write(append(line, '\n')); err != nil {
		t.Fatalf("write request: %v", err)
	}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 8*1024*1024)
	if !scanner.Scan() {
		t.Fatalf("no response: %v", scanner.Err())
	}
	var resp rpcproto.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestSpawnThenSnapshot(t *testing.T) {
	_, cfg := newTestServer(t)
	conn, err := net.Dial("unix", cfg.Socket.Path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	resp := roundTrip(t, conn, "spawn", map[string]any{"command": "/bin/sh", "args": []string{"-c", "printf hello"}})
	if resp.Error != nil {
		t.Fatalf("spawn error: %+v", resp.Error)
	}
	result := resp.Result.(map[string]any)
	sessionID := result["session_id"].(string)
	if sessionID == "" {
		t.Fatal("expected a session id")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := roundTrip(t, conn, "snapshot", map[string]any{"session": sessionID})
		if snap.Error != nil {
			t.Fatalf("snapshot error: %+v", snap.Error)
		}
		screen := snap.Result.(map[string]any)["screen"].(string)
		if strings.Contains(screen, "hello") {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("snapshot never showed the expected output")
}

func TestSessionCapReturnsBusy(t *testing.T) {
	_, cfg := newTestServerWithConfig(t, func(c *config.Config) { c.Sessions.MaxSessions = 1 })

	conn, err := net.Dial("unix", cfg.Socket.Path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	first := roundTrip(t, conn, "spawn", map[string]any{"command": "/bin/cat"})
	if first.Error != nil {
		t.Fatalf("first spawn error: %+v", first.Error)
	}

	second := roundTrip(t, conn, "spawn", map[string]any{"command": "/bin/cat"})
	if second.Error == nil {
		t.Fatal("expected the second spawn to fail once the session cap is reached")
	}
	if second.Error.Category != rpcproto.CategoryBusy {
		t.Fatalf("expected Busy category, got %s", second.Error.Category)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	_, cfg := newTestServer(t)
	conn, err := net.Dial("unix", cfg.Socket.Path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	resp := roundTrip(t, conn, "not_a_real_method", nil)
	if resp.Error == nil || resp.Error.Code != rpcproto.CodeMethodNotFound {
		t.Fatalf("expected CodeMethodNotFound, got %+v", resp.Error)
	}
}

func TestMalformedLineKeepsConnectionOpen(t *testing.T) {
	_, cfg := newTestServer(t)
	conn, err := net.Dial("unix", cfg.Socket.Path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("{not valid json\n")); err != nil {
		t.Fatalf("write malformed line: %v", err)
	}
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("expected a parse-error response: %v", scanner.Err())
	}
	var resp rpcproto.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != rpcproto.CodeParseError {
		t.Fatalf("expected a parse error, got %+v", resp.Error)
	}

	// The connection should still be usable afterwards.
	health := roundTrip(t, conn, "health", nil)
	if health.Error != nil {
		t.Fatalf("expected health to succeed on the same connection: %+v", health.Error)
	}
}
