package rpcserver

import (
	"encoding/base64"
	"encoding/json"
	"log"
	"net"
	"time"

	"github.com/agent-tui/agent-tuid/internal/rpcproto"
	"github.com/agent-tui/agent-tuid/internal/session"
	"github.com/agent-tui/agent-tuid/internal/streambuf"
)

// Streaming methods hijack the connection per spec §4.I: once dispatched
// here the worker no longer reads further requests from this connection,
// it only writes events until the client disconnects or the session
// closes.

const (
	attachTickBudget      = 512 * 1024
	livePreviewTickBudget = 256 * 1024
	streamChunkCap        = 64 * 1024

	attachHeartbeat      = 30 * time.Second
	livePreviewHeartbeat = 5 * time.Second
)

type streamParams struct {
	Session string `json:"session"`
}

// after returns a channel closed once d has elapsed, in the form
// streambuf.Subscription.Wait takes as its deadline.
func after(d time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	time.AfterFunc(d, func() { close(ch) })
	return ch
}

func (s *Server) runStream(conn net.Conn, req rpcproto.Request, writeTimeout time.Duration, connID string) {
	var p streamParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.writeResponse(conn, writeTimeout, rpcproto.Response{
			JSONRPC: "2.0", ID: req.ID, Error: rpcproto.InvalidInput("invalid params: "+err.Error(), nil),
		})
		return
	}
	sess, err := s.manager.Resolve(p.Session)
	if err != nil {
		s.writeResponse(conn, writeTimeout, rpcproto.Response{JSONRPC: "2.0", ID: req.ID, Error: resolveSessionErr(err)})
		return
	}

	emit := func(ev rpcproto.StreamEvent) bool {
		return s.writeResponse(conn, writeTimeout, rpcproto.Response{JSONRPC: "2.0", ID: req.ID, Result: ev})
	}

	if req.Method == "live_preview_stream" {
		s.runLivePreviewStream(sess, emit, connID)
		return
	}
	s.runAttachStream(sess, emit, connID)
}

func (s *Server) runAttachStream(sess *session.Session, emit func(rpcproto.StreamEvent) bool, connID string) {
	if !emit(rpcproto.StreamEvent{Event: "ready"}) {
		return
	}
	_ = sess.RequestFlush()
	cursor := streambuf.Cursor{Seq: sess.StreamLatest()}
	sub := sess.StreamSubscribe()
	log.Printf("rpcserver: conn %s attached to session %s via subscription %s", connID, sess.ID(), sub.ID())
	defer func() {
		sess.StreamUnsubscribe(sub)
		log.Printf("rpcserver: conn %s detached subscription %s", connID, sub.ID())
	}()

	for {
		budget := attachTickBudget
		sentAny := false
		for budget > 0 {
			chunk := streamChunkCap
			if chunk > budget {
				chunk = budget
			}
			res, err := sess.StreamRead(cursor, chunk, 0)
			if err != nil {
				return
			}
			if res.DroppedBytes > 0 && len(res.Data) == 0 {
				if !emit(rpcproto.StreamEvent{Event: "dropped", DroppedBytes: res.DroppedBytes}) {
					return
				}
			}
			if len(res.Data) > 0 {
				if !emit(rpcproto.StreamEvent{
					Event: "output", Data: base64.StdEncoding.EncodeToString(res.Data),
					Bytes: len(res.Data), DroppedBytes: res.DroppedBytes,
				}) {
					return
				}
				sentAny = true
				budget -= len(res.Data)
				cursor = res.NextCursor
				if res.Closed {
					emit(rpcproto.StreamEvent{Event: "closed"})
					return
				}
				continue
			}
			if res.Closed {
				emit(rpcproto.StreamEvent{Event: "closed"})
				return
			}
			break
		}

		if !sentAny {
			if !sub.Wait(after(attachHeartbeat)) {
				if !emit(rpcproto.StreamEvent{Event: "heartbeat"}) {
					return
				}
			}
		}
	}
}

func (s *Server) runLivePreviewStream(sess *session.Session, emit func(rpcproto.StreamEvent) bool, connID string) {
	snap := sess.LivePreviewSnapshot()
	if !emit(rpcproto.StreamEvent{Event: "ready", Cols: snap.Size.Cols, Rows: snap.Size.Rows}) {
		return
	}
	if !emit(rpcproto.StreamEvent{
		Event: "init", Cols: snap.Size.Cols, Rows: snap.Size.Rows,
		Init: base64.StdEncoding.EncodeToString(snap.InitFrame),
	}) {
		return
	}
	cursor := streambuf.Cursor{Seq: snap.StreamSeq}
	lastSize := snap.Size
	sub := sess.StreamSubscribe()
	log.Printf("rpcserver: conn %s attached to session %s live preview via subscription %s", connID, sess.ID(), sub.ID())
	defer func() {
		sess.StreamUnsubscribe(sub)
		log.Printf("rpcserver: conn %s detached subscription %s", connID, sub.ID())
	}()

	for {
		tickStart := time.Now()
		if size := sess.Size(); size != lastSize {
			if !emit(rpcproto.StreamEvent{Event: "resize", Cols: size.Cols, Rows: size.Rows}) {
				return
			}
			lastSize = size
		}

		budget := livePreviewTickBudget
		sentAny := false
		resynced := false
		for budget > 0 {
			chunk := streamChunkCap
			if chunk > budget {
				chunk = budget
			}
			res, err := sess.StreamRead(cursor, chunk, 0)
			if err != nil {
				return
			}
			if res.DroppedBytes > 0 && len(res.Data) == 0 {
				if !emit(rpcproto.StreamEvent{Event: "dropped", DroppedBytes: res.DroppedBytes}) {
					return
				}
			}
			if len(res.Data) > 0 {
				if !emit(rpcproto.StreamEvent{
					Event: "output", Data: base64.StdEncoding.EncodeToString(res.Data),
					Bytes: len(res.Data), Time: time.Since(tickStart).Seconds(),
				}) {
					return
				}
				sentAny = true
				budget -= len(res.Data)
				cursor = res.NextCursor
				if res.Closed {
					emit(rpcproto.StreamEvent{Event: "closed"})
					return
				}
			}
			if res.DroppedBytes > 0 {
				// Resynchronize: rebuild the snapshot and jump the cursor
				// to the stream's current latest position, per the
				// live-preview drop-reset rule.
				snap = sess.LivePreviewSnapshot()
				cursor = streambuf.Cursor{Seq: snap.StreamSeq}
				lastSize = snap.Size
				if !emit(rpcproto.StreamEvent{
					Event: "init", Cols: snap.Size.Cols, Rows: snap.Size.Rows,
					Init: base64.StdEncoding.EncodeToString(snap.InitFrame),
				}) {
					return
				}
				resynced = true
				break
			}
			if len(res.Data) == 0 {
				if res.Closed {
					emit(rpcproto.StreamEvent{Event: "closed"})
					return
				}
				break
			}
		}

		if !sentAny && !resynced {
			if !sub.Wait(after(livePreviewHeartbeat)) {
				if !emit(rpcproto.StreamEvent{Event: "heartbeat"}) {
					return
				}
			}
		}
	}
}
