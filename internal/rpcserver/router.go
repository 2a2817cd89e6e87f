package rpcserver

import (
	"github.com/agent-tui/agent-tuid/internal/rpcproto"
)

// methodTable is the canonical method set from spec §6. attach is the
// plain pre-flight check a client runs before opening a stream; attach_stream
// and live_preview_stream are handled specially by the transport (they
// hijack the connection for a dedicated stream goroutine) and are not
// present here.
var methodTable = map[string]handlerFunc{
	"spawn":    handleSpawn,
	"kill":     handleKill,
	"sessions": handleSessions,
	"cleanup":  handleCleanup,
	"restart":  handleRestart,
	"resize":   handleResize,
	"attach":   handleAttach,

	"snapshot": handleSnapshot,
	"screen":   handleScreen,
	"health":   handleHealth,
	"metrics":  handleMetrics,
	"version":  handleVersion,

	"keystroke": handleKeystroke,
	"keydown":   handleKeydown,
	"keyup":     handleKeyup,
	"type":      handleType,
	"scroll":    handleScroll,
	"pty_write": handlePTYWrite,

	"stream_read":   handleStreamRead,
	"request_flush": handleRequestFlush,

	"find":             handleFind,
	"count":            handleCount,
	"click":            handleClick,
	"dbl_click":        handleDblClick,
	"fill":             handleFill,
	"focus":            handleFocus,
	"clear":            handleClear,
	"select_all":       handleSelectAll,
	"toggle":           handleToggle,
	"select":           handleSelect,
	"multiselect":      handleMultiselect,
	"scroll_into_view": handleScrollIntoView,
	"get_text":         handleGetText,
	"get_value":        handleGetValue,
	"is_visible":       handleIsVisible,
	"is_focused":       handleIsFocused,
	"is_enabled":       handleIsEnabled,
	"is_checked":       handleIsChecked,
	"get_focused":      handleGetFocused,
	"get_title":        handleGetTitle,

	"trace":   handleTrace,
	"console": handleConsole,
	"errors":  handleErrors,

	"wait":   handleWait,
	"assert": handleAssert,
}

// streamingMethods names the methods the transport dispatches to a
// dedicated per-connection stream goroutine instead of routing through
// methodTable.
var streamingMethods = map[string]bool{
	"attach_stream":       true,
	"live_preview_stream": true,
}

// dispatch routes one request to its handler and converts the result (or
// error) into a Response carrying the original request id.
func (s *Server) dispatch(req rpcproto.Request) rpcproto.Response {
	handler, ok := methodTable[req.Method]
	if !ok {
		return rpcproto.Response{
			JSONRPC: "2.0", ID: req.ID,
			Error: &rpcproto.Error{Code: rpcproto.CodeMethodNotFound, Message: "unknown method: " + req.Method, Category: rpcproto.CategoryInvalidInput},
		}
	}
	result, rpcErr := handler(s, req.Params)
	if rpcErr != nil {
		return rpcproto.Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	return rpcproto.Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}
