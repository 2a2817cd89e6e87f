package rpcserver

import (
	"encoding/json"
	"strings"

	"github.com/agent-tui/agent-tuid/internal/rpcproto"
)

// Diagnostics methods are thin, read-only views over state the Session
// already tracks; none of them have a dedicated store, matching spec §1's
// framing of them as debugging aids rather than a first-class subsystem.

func handleTrace(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p sessionIDParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	return map[string]any{
		"session_id": sess.ID(),
		"pid":        sess.PID(),
		"running":    sess.IsRunning(),
		"created_at": sess.CreatedAt(),
		"size":       sess.Size(),
	}, nil
}

func handleConsole(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p sessionIDParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	_ = sess.RequestFlush()
	return map[string]string{"screen": sess.ScreenText()}, nil
}

// errorMarkers is the set of substrings handleErrors scans the screen for.
// This is a heuristic, not a structured error channel — a raw terminal has
// no separate stderr stream once it's behind a PTY.
var errorMarkers = []string{"error", "Error", "ERROR", "panic", "traceback", "Traceback"}

func handleErrors(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p sessionIDParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	_ = sess.RequestFlush()
	text := sess.ScreenText()
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		for _, marker := range errorMarkers {
			if strings.Contains(line, marker) {
				lines = append(lines, strings.TrimSpace(line))
				break
			}
		}
	}
	return map[string]any{"errors": lines}, nil
}
