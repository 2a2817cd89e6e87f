package rpcserver

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agent-tui/agent-tuid/internal/rpcproto"
	"github.com/agent-tui/agent-tuid/internal/session"
	"github.com/agent-tui/agent-tuid/internal/vterm"
)

// Element operations consume the Terminal State's heuristic element list
// (vterm.AnalyzeScreen). A ref is a stable-for-one-read index into that
// list, formatted "el-<n>"; it is only valid relative to the element list
// produced by the find/count call that returned it, matching the
// inherently best-effort nature of a terminal accessibility tree.

type findParams struct {
	Session string `json:"session"`
	Text    string `json:"text"`
}

type elementView struct {
	Ref      string `json:"ref"`
	Kind     string `json:"kind"`
	Text     string `json:"text"`
	Row      int    `json:"row"`
	Col      int    `json:"col"`
	Checked  bool   `json:"checked,omitempty"`
	Selected bool   `json:"selected,omitempty"`
}

func toElementView(idx int, el vterm.Element) elementView {
	return elementView{
		Ref: fmt.Sprintf("el-%d", idx), Kind: string(el.Kind), Text: el.Text,
		Row: el.Row, Col: el.Col, Checked: el.Checked, Selected: el.Selected,
	}
}

func matchingElements(s *Server, sessionID, text string) ([]elementView, *rpcproto.Error) {
	sess, err := s.manager.Resolve(sessionID)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	_ = sess.RequestFlush()
	els := sess.Elements()
	var out []elementView
	for i, el := range els {
		if text == "" || strings.Contains(el.Text, text) {
			out = append(out, toElementView(i, el))
		}
	}
	return out, nil
}

func handleFind(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p findParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	matches, e := matchingElements(s, p.Session, p.Text)
	if e != nil {
		return nil, e
	}
	return map[string]any{"elements": matches}, nil
}

func handleCount(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p findParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	matches, e := matchingElements(s, p.Session, p.Text)
	if e != nil {
		return nil, e
	}
	return map[string]int{"count": len(matches)}, nil
}

// resolveElement re-runs element detection and locates the element whose
// ref or text matches, since refs aren't stored beyond one read.
func resolveElement(s *Server, sessionID, ref, text string) (elementView, *rpcproto.Error) {
	matches, e := matchingElements(s, sessionID, text)
	if e != nil {
		return elementView{}, e
	}
	if ref != "" {
		for _, m := range matches {
			if m.Ref == ref {
				return m, nil
			}
		}
		return elementView{}, rpcproto.NotFound(fmt.Sprintf("element %q not found", ref))
	}
	if len(matches) == 0 {
		return elementView{}, rpcproto.NotFound("no matching element")
	}
	return matches[0], nil
}

type elementParams struct {
	Session string `json:"session"`
	Ref     string `json:"ref"`
	Text    string `json:"text"`
	Value   string `json:"value"`
}

func handleClick(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	return clickLike(s, params, "Enter", 1)
}

func handleDblClick(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	return clickLike(s, params, "Enter", 2)
}

func clickLike(s *Server, params json.RawMessage, key string, times int) (any, *rpcproto.Error) {
	var p elementParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	el, e := resolveElement(s, p.Session, p.Ref, p.Text)
	if e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	for i := 0; i < times; i++ {
		if err := sess.Keystroke(key); err != nil {
			return nil, invalidKeyOrExternal(err)
		}
	}
	return map[string]any{"ref": el.Ref}, nil
}

func handleFill(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p elementParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	if _, e := resolveElement(s, p.Session, p.Ref, p.Text); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	if err := sess.TypeText(p.Value); err != nil {
		return nil, invalidKeyOrExternal(err)
	}
	return map[string]bool{"ok": true}, nil
}

func handleFocus(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	return clickLike(s, params, "Tab", 1)
}

func handleClear(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p elementParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	// Select-to-start-of-line then delete is not expressible over a raw
	// PTY without assuming a particular line editor; Ctrl+U (kill to
	// start of line) is the closest portable convention most shells and
	// readline-based TUIs honor.
	if err := sess.Keystroke("Ctrl+u"); err != nil {
		return nil, invalidKeyOrExternal(err)
	}
	return map[string]bool{"ok": true}, nil
}

func handleSelectAll(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p elementParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	if err := sess.Keystroke("Ctrl+a"); err != nil {
		return nil, invalidKeyOrExternal(err)
	}
	return map[string]bool{"ok": true}, nil
}

func handleToggle(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	return clickLike(s, params, " ", 1)
}

func handleSelect(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	return clickLike(s, params, "Enter", 1)
}

func handleMultiselect(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	return clickLike(s, params, " ", 1)
}

func handleScrollIntoView(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p elementParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	el, e := resolveElement(s, p.Session, p.Ref, p.Text)
	if e != nil {
		return nil, e
	}
	return map[string]any{"ref": el.Ref, "row": el.Row, "col": el.Col}, nil
}

func handleGetText(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p elementParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	el, e := resolveElement(s, p.Session, p.Ref, p.Text)
	if e != nil {
		return nil, e
	}
	return map[string]string{"text": el.Text}, nil
}

func handleGetValue(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	return handleGetText(s, params)
}

func handleIsVisible(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p elementParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	_, e := resolveElement(s, p.Session, p.Ref, p.Text)
	return map[string]bool{"visible": e == nil}, nil
}

func handleIsFocused(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p elementParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	el, e := resolveElement(s, p.Session, p.Ref, p.Text)
	if e != nil {
		return nil, e
	}
	return map[string]bool{"focused": el.Selected}, nil
}

func handleIsEnabled(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p elementParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	if _, e := resolveElement(s, p.Session, p.Ref, p.Text); e != nil {
		return map[string]bool{"enabled": false}, nil
	}
	return map[string]bool{"enabled": true}, nil
}

func handleIsChecked(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p elementParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	el, e := resolveElement(s, p.Session, p.Ref, p.Text)
	if e != nil {
		return nil, e
	}
	return map[string]bool{"checked": el.Checked}, nil
}

func handleGetFocused(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p sessionIDParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	matches, e := matchingElements(s, p.Session, "")
	if e != nil {
		return nil, e
	}
	for _, m := range matches {
		if m.Selected {
			return m, nil
		}
	}
	return nil, rpcproto.NotFound("no focused element")
}

func handleGetTitle(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
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
	lines := strings.SplitN(text, "\n", 2)
	return map[string]string{"title": strings.TrimSpace(lines[0])}, nil
}

// --- waits -----------------------------------------------------------

type waitParams struct {
	Session   string `json:"session"`
	Condition string `json:"condition"`
	Text      string `json:"text"`
	Ref       string `json:"ref"`
	Value     string `json:"value"`
	TimeoutMS int    `json:"timeout_ms"`
}

type waitResult struct {
	Found     bool  `json:"found"`
	ElapsedMS int64 `json:"elapsed_ms"`
}

// waitPollInterval bounds how often handleWait re-checks its condition;
// it is also the granularity referenced by the wait-idempotence property.
const waitPollInterval = 25 * time.Millisecond

// evaluateWaitCondition runs one of the seven wait-condition checks against
// the current session state. It is the single evaluation shared by the
// polling handleWait and the one-shot handleAssert.
func evaluateWaitCondition(s *Server, sess *session.Session, conditionType, text, ref, value string) bool {
	_ = sess.RequestFlush()
	switch conditionType {
	case "text":
		return strings.Contains(sess.ScreenText(), text)
	case "text_gone":
		return !strings.Contains(sess.ScreenText(), text)
	case "element":
		_, e := resolveElement(s, sess.ID(), ref, text)
		return e == nil
	case "not_visible":
		_, e := resolveElement(s, sess.ID(), ref, text)
		return e != nil
	case "focused":
		el, e := resolveElement(s, sess.ID(), ref, text)
		return e == nil && el.Selected
	case "value":
		el, e := resolveElement(s, sess.ID(), ref, value)
		return e == nil && el.Text == value
	case "stable":
		return true
	}
	return false
}

func handleWait(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p waitParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	timeout := time.Duration(p.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	start := time.Now()
	deadline := start.Add(timeout)
	for {
		if evaluateWaitCondition(s, sess, p.Condition, p.Text, p.Ref, p.Value) {
			return waitResult{Found: true, ElapsedMS: time.Since(start).Milliseconds()}, nil
		}
		if time.Now().After(deadline) {
			return waitResult{Found: false, ElapsedMS: time.Since(start).Milliseconds()}, nil
		}
		time.Sleep(waitPollInterval)
	}
}

// --- assert ------------------------------------------------------------

type assertParams struct {
	Session   string `json:"session"`
	Condition string `json:"condition"` // "type:value", e.g. "text:Done" or "element:el-3"
}

type assertResult struct {
	Condition string `json:"condition"`
	Passed    bool   `json:"passed"`
}

// handleAssert is the single-shot counterpart to handleWait: it evaluates a
// condition exactly once instead of polling until a timeout, matching
// the original CLI's `assert <type>:<value>` convenience over `wait`.
func handleAssert(s *Server, params json.RawMessage) (any, *rpcproto.Error) {
	var p assertParams
	if e := decodeParams(params, &p); e != nil {
		return nil, e
	}
	conditionType, value, ok := strings.Cut(p.Condition, ":")
	if !ok {
		return nil, rpcproto.InvalidInput("condition must be formatted as \"type:value\" (e.g. \"text:pattern\")", nil)
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		return nil, resolveSessionErr(err)
	}
	// An "el-<n>" value names an element by ref rather than by its text.
	text, ref := value, ""
	if conditionType != "text" && conditionType != "text_gone" && strings.HasPrefix(value, "el-") {
		text, ref = "", value
	}
	passed := evaluateWaitCondition(s, sess, conditionType, text, ref, value)
	return assertResult{Condition: p.Condition, Passed: passed}, nil
}
