// Handlers implement the per-method use cases the router dispatches to.
// They are kept in this package rather than a separate "usecase" package
// because every one of them needs direct, unexported-free access to
// sessionmgr.Manager and session.Session — splitting them out would only
// add an import hop with no decoupling benefit.
package rpcserver

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/agent-tui/agent-tuid/internal/rpcproto"
	"github.com/agent-tui/agent-tuid/internal/session"
	"github.com/agent-tui/agent-tuid/internal/sessionmgr"
	"github.com/agent-tui/agent-tuid/internal/streambuf"
)

// handlerFunc implements one RPC method: decode params, run the use case,
// return a result value or a typed error.
type handlerFunc func(s *Server, params json.RawMessage) (any, *rpcproto.Error)

func decodeParams(params json.RawMessage, v any) *rpcproto.Error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return rpcproto.InvalidInput(fmt.Sprintf("invalid params: %v", err), nil)
	}
	return nil
}

func resolveSessionErr(err error) *rpcproto.Error {
	switch err {
	case sessionmgr.ErrNotFound:
		return rpcproto.NotFound("session not found")
	case sessionmgr.ErrNoActiveSession:
		return rpcproto.NotFound("no active session")
	default:
		return rpcproto.Internal(err.Error())
	}
}

// --- lifecycle -------------------------------------------------------

type spawnParams struct {
	Command   string   `json:"command"`
	Args      []string `json:"args"`
	CWD       string   `json:"cwd"`
	Env       []string `json:"env"`
	SessionID string   `json:"session_id"`
	Cols      int      `json:"cols"`
	Rows      int      `json:"rows"`
}

type spawnResult struct {
	SessionID string `json:"session_id"`
	PID       int    `json:"pid"`
}

func handleSpawn(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p spawnParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	if p.Command == "" {
		return nil, rpcproto.InvalidInput("command is required", nil)
	}
	cols, rows := p.Cols, p.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	sess, err := s.manager.Spawn(p.SessionID, p.Command, p.Args, p.CWD, p.Env, cols, rows)
	if err != nil {
		switch err {
		case sessionmgr.ErrAlreadyExists:
			return nil, rpcproto.NewError(rpcproto.CategoryBusy, rpcproto.CodeBusy, "session id already exists", "choose a different session_id", nil)
		case sessionmgr.ErrLimitReached:
			return nil, rpcproto.NewError(rpcproto.CategoryBusy, rpcproto.CodeBusy, "session limit reached", "kill or cleanup an existing session first", nil)
		default:
			return nil, rpcproto.External(err.Error())
		}
	}
	return spawnResult{SessionID: sess.ID(), PID: sess.PID()}, nil
}

type sessionIDParams struct {
	Session string `json:"session"`
}

func handleKill(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p sessionIDParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	if p.Session == "" {
		return nil, rpcproto.InvalidInput("session is required", nil)
	}
	if err := s.manager.Kill(p.Session); err != nil {
		return nil, resolveSessionErr(err)
	}
	return map[string]bool{"killed": true}, nil
}

type sessionsResult struct {
	Sessions []sessionInfoView `json:"sessions"`
}

type sessionInfoView struct {
	ID          string `json:"id"`
	Command     string `json:"command"`
	PID         int    `json:"pid"`
	Running     bool   `json:"running"`
	CreatedAt   string `json:"created_at"`
	Cols        int    `json:"cols"`
	Rows        int    `json:"rows"`
	Placeholder bool   `json:"placeholder,omitempty"`
}

func handleSessions(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	infos := s.manager.List()
	views := make([]sessionInfoView, 0, len(infos))
	for _, i := range infos {
		views = append(views, sessionInfoView{
			ID: i.ID, Command: i.Command, PID: i.PID, Running: i.Running,
			CreatedAt: i.CreatedAt.Format(time.RFC3339), Cols: i.Cols, Rows: i.Rows,
			Placeholder: i.Placeholder,
		})
	}
	return sessionsResult{Sessions: views}, nil
}

type cleanupParams struct {
	All bool `json:"all"`
}

func handleCleanup(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p cleanupParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	s.manager.Cleanup(p.All)
	return map[string]bool{"ok": true}, nil
}

type restartResult struct {
	OldSessionID string `json:"old_session_id"`
	NewSessionID string `json:"new_session_id"`
	PID          int    `json:"pid"`
}

func handleRestart(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p sessionIDParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	oldID := sess.ID()
	cmd, args := sess.Command()
	size := sess.Size()
	if err := s.manager.Kill(sess.ID()); err != nil {
		return nil, rpcproto.External(err.Error())
	}
	// restart always allocates a fresh id: a killed session's identity
	// cannot be safely reused while a concurrent caller might still hold
	// a reference to the old one.
	newSess, err := s.manager.Spawn("", cmd, args, "", nil, size.Cols, size.Rows)
	if err != nil {
		return nil, rpcproto.External(err.Error())
	}
	return restartResult{OldSessionID: oldID, NewSessionID: newSess.ID(), PID: newSess.PID()}, nil
}

type resizeParams struct {
	Session string `json:"session"`
	Cols    int    `json:"cols"`
	Rows    int    `json:"rows"`
}

func handleResize(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p resizeParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	if p.Cols <= 0 || p.Rows <= 0 {
		return nil, rpcproto.InvalidInput("cols and rows must be > 0", nil)
	}
	if err := sess.Resize(p.Cols, p.Rows); err != nil {
		return nil, rpcproto.External(err.Error())
	}
	return map[string]bool{"ok": true}, nil
}

type attachResult struct {
	SessionID string `json:"session_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
}

// handleAttach is the pre-flight check a client runs before opening
// attach_stream: confirm the session exists and is still running. It does
// not itself hijack the connection — attach_stream is the method that
// opens the actual streaming connection.
func handleAttach(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p sessionIDParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	if !sess.IsRunning() {
		return attachResult{SessionID: sess.ID(), Success: false, Message: "session is not running"}, nil
	}
	return attachResult{SessionID: sess.ID(), Success: true, Message: "attached"}, nil
}

// --- observation -------------------------------------------------------

type snapshotResult struct {
	Screen string `json:"screen"`
}

func handleSnapshot(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p sessionIDParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	_ = sess.RequestFlush()
	return snapshotResult{Screen: sess.ScreenText()}, nil
}

func handleScreen(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p sessionIDParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	_ = sess.RequestFlush()
	return map[string]string{"render": base64.StdEncoding.EncodeToString(sess.ScreenRender())}, nil
}

func handleHealth(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	return map[string]any{"ok": true, "sessions": s.manager.Count()}, nil
}

func handleMetrics(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	return map[string]any{
		"sessions":         s.manager.Count(),
		"active_conns":     s.activeConnections(),
		"worker_pool_size": s.cfg.Workers.PoolSize,
	}, nil
}

func handleVersion(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	return map[string]string{"version": s.version}, nil
}

// --- input ---------------------------------------------------------------

type keyNameParams struct {
	Session string `json:"session"`
	Key     string `json:"key"`
}

func handleKeystroke(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p keyNameParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	if err := sess.Keystroke(p.Key); err != nil {
		return nil, invalidKeyOrExternal(err)
	}
	return map[string]bool{"ok": true}, nil
}

func handleKeydown(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p keyNameParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	if err := sess.KeyDown(p.Key); err != nil {
		return nil, invalidKeyOrExternal(err)
	}
	return map[string]bool{"ok": true}, nil
}

func handleKeyup(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p keyNameParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	if err := sess.KeyUp(p.Key); err != nil {
		return nil, invalidKeyOrExternal(err)
	}
	return map[string]bool{"ok": true}, nil
}

type typeTextParams struct {
	Session string `json:"session"`
	Text    string `json:"text"`
}

func handleType(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p typeTextParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	if err := sess.TypeText(p.Text); err != nil {
		return nil, invalidKeyOrExternal(err)
	}
	return map[string]bool{"ok": true}, nil
}

type scrollParams struct {
	Session   string `json:"session"`
	Direction string `json:"direction"`
	Amount    int    `json:"amount"`
}

func handleScroll(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p scrollParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	if err := sess.Scroll(p.Direction, p.Amount); err != nil {
		return nil, invalidKeyOrExternal(err)
	}
	return map[string]bool{"ok": true}, nil
}

type ptyWriteParams struct {
	Session string `json:"session"`
	Data    string `json:"data"` // base64
}

func handlePTYWrite(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p ptyWriteParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	raw, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return nil, rpcproto.InvalidInput("data must be valid base64", nil)
	}
	sess, serr := s.manager.Resolve(p.Session)
	if serr != nil {
		return nil, resolveSessionErr(serr)
	}
	if err := sess.PTYWrite(raw); err != nil {
		return nil, rpcproto.External(err.Error())
	}
	return map[string]bool{"ok": true}, nil
}

func invalidKeyOrExternal(err error) *rpcproto.Error {
	if _, ok := err.(*session.ErrInvalidKey); ok {
		return rpcproto.InvalidInput(err.Error(), nil)
	}
	if err == session.ErrClosed {
		return rpcproto.NotFound("session is closed")
	}
	return rpcproto.External(err.Error())
}

// --- stream_read / flush (non-streaming stream access) -------------------

type streamReadParams struct {
	Session   string `json:"session"`
	Cursor    uint64 `json:"cursor"`
	Max       int    `json:"max"`
	TimeoutMS int    `json:"timeout_ms"`
}

type streamReadResult struct {
	Data         string `json:"data"`
	NextCursor   uint64 `json:"next_cursor"`
	LatestCursor uint64 `json:"latest_cursor"`
	DroppedBytes uint64 `json:"dropped_bytes"`
	Closed       bool   `json:"closed"`
}

func handleStreamRead(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p streamReadParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	max := p.Max
	if max <= 0 {
		max = 64 * 1024
	}
	res, rerr := sess.StreamRead(streambuf.Cursor{Seq: p.Cursor}, max, time.Duration(p.TimeoutMS)*time.Millisecond)
	if rerr != nil {
		return nil, rpcproto.External(rerr.Error())
	}
	return streamReadResult{
		Data:         base64.StdEncoding.EncodeToString(res.Data),
		NextCursor:   res.NextCursor.Seq,
		LatestCursor: res.LatestCursor.Seq,
		DroppedBytes: res.DroppedBytes,
		Closed:       res.Closed,
	}, nil
}

func handleRequestFlush(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p sessionIDParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	if err := sess.RequestFlush(); err != nil {
		return nil, rpcproto.External(err.Error())
	}
	return map[string]bool{"ok": true}, nil
}
