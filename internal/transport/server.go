// Package transport is the daemon's external interface: a unix domain
// socket speaking the internal/wire binary protocol, one goroutine per
// connection, dispatching ClientMessage frames to the engine/sequencer/
// fanout/toolbridge/arbitration collaborators and streaming ServerMessage
// frames (snapshot, then events) back. Grounded on the teacher's
// net.Listen("unix", ...) + per-connection goroutine accept loop in
// internal/transport/server.go, generalized from an HTTP request/response
// cycle per connection to a long-lived framed duplex stream.
package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/loomterm/loom/internal/apierr"
	"github.com/loomterm/loom/internal/arbitration"
	"github.com/loomterm/loom/internal/checkpoint"
	"github.com/loomterm/loom/internal/command"
	"github.com/loomterm/loom/internal/engine"
	"github.com/loomterm/loom/internal/fanout"
	"github.com/loomterm/loom/internal/ids"
	"github.com/loomterm/loom/internal/store"
	"github.com/loomterm/loom/internal/toolbridge"
	"github.com/loomterm/loom/internal/wire"
)

// Server accepts daemon-socket connections and drives the wire protocol.
type Server struct {
	socketPath string

	seq     *command.Sequencer
	engine  *engine.Engine
	fanout  *fanout.Registry
	arbiter *arbitration.Manager
	index   *store.Store

	log *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer wires a Server to the daemon's shared collaborators. index may
// be nil.
func NewServer(socketPath string, seq *command.Sequencer, eng *engine.Engine, fan *fanout.Registry, arb *arbitration.Manager, index *store.Store, log *slog.Logger) *Server {
	return &Server{socketPath: socketPath, seq: seq, engine: eng, fanout: fan, arbiter: arb, index: index, log: log}
}

// ListenAndServe binds the unix socket and accepts connections until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0755); err != nil {
		return fmt.Errorf("transport: make socket dir: %w", err)
	}
	os.Remove(s.socketPath)

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// connState is one client connection's session state. attached is read by
// the pane-output streamer goroutine, so it is guarded.
type connState struct {
	id     ids.ClientID
	client *fanout.Client
	bridge *toolbridge.Bridge

	mu        sync.Mutex
	attached  ids.SessionID
	streaming bool
}

func (cs *connState) setAttached(id ids.SessionID) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.attached = id
}

func (cs *connState) attachedSession() ids.SessionID {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.attached
}

// startStreaming reports whether this call won the right to start the
// connection's output streamer (it only ever runs once per connection).
func (cs *connState) startStreaming() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.streaming {
		return false
	}
	cs.streaming = true
	return true
}

func (s *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	r := bufio.NewReader(nc)

	first, err := wire.DecodeClient(r)
	if err != nil {
		return
	}
	if first.Type != wire.MsgConnect {
		s.sendError(nc, &apierr.NotFound{What: "expected connect as first frame"})
		return
	}
	var connectPayload wire.ConnectPayload
	wire.Decode(first.Payload, &connectPayload)

	clientID := ids.New()
	cs := &connState{id: clientID, bridge: toolbridge.New(s.seq, s.engine, s.arbiter, s.index)}

	if err := wire.EncodeServer(nc, wire.ServerMessage{
		Type:    wire.MsgConnected,
		Payload: wire.NewPayload(wire.ConnectedPayload{ProtocolVersion: 1, ClientID: clientID}),
	}); err != nil {
		return
	}

	s.log.Info("client connected", "client_id", clientID, "kind", connectPayload.ClientKind)
	defer func() {
		s.arbiter.ReleaseClient(clientID)
		if cs.client != nil {
			s.fanout.Disconnect(clientID)
		}
		s.log.Info("client disconnected", "client_id", clientID)
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var writeMu sync.Mutex
	send := func(msg wire.ServerMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return wire.EncodeServer(nc, msg)
	}

	for {
		msg, err := wire.DecodeClient(r)
		if err != nil {
			return
		}
		if err := s.dispatch(connCtx, cs, msg, send); err != nil {
			if errors.Is(err, errDisconnect) {
				return
			}
		}
	}
}

var errDisconnect = errors.New("transport: client requested disconnect")

// ErrBind marks a socket bind failure, so the daemon entrypoint can map it
// to its dedicated exit code.
var ErrBind = errors.New("transport: socket bind failed")

// Per-client pane-output budget: sustained bytes/sec and burst. Chunks over
// budget are dropped rather than queued — the client's grid reads converge
// it, and a slow client must never backpressure the PTY read pump.
const (
	outputRate  = 1 << 20
	outputBurst = 256 << 10
)

func (s *Server) dispatch(ctx context.Context, cs *connState, msg wire.ClientMessage, send func(wire.ServerMessage) error) error {
	switch msg.Type {
	case wire.MsgAttachSession:
		var p wire.AttachSessionPayload
		wire.Decode(msg.Payload, &p)
		if err := cs.bridge.AttachSession(p.SessionID); err != nil {
			return s.sendErrorVia(send, err)
		}
		cs.setAttached(p.SessionID)
		return nil

	case wire.MsgDetachSession:
		cs.bridge.DetachSession()
		cs.setAttached("")
		return nil

	case wire.MsgGetSnapshot:
		return s.sendSnapshot(ctx, cs, send)

	case wire.MsgGetEventsSince:
		var p wire.GetEventsSincePayload
		wire.Decode(msg.Payload, &p)
		events, ok := s.fanout.Since(p.AfterSeq)
		if !ok {
			return send(wire.ServerMessage{Type: wire.MsgReplayUnavailable, Payload: wire.NewPayload(wire.ReplayUnavailablePayload{})})
		}
		for _, ev := range events {
			send(wire.ServerMessage{Type: wire.MsgEvent, Payload: wire.NewPayload(wire.EventPayload{CommitSeq: ev.CommitSeq, Kind: ev.Kind, Payload: ev.Payload})})
		}
		return nil

	case wire.MsgUserCommandModeEntered:
		var p wire.UserCommandModeEnteredPayload
		wire.Decode(msg.Payload, &p)
		s.arbiter.Enter(cs.id, p.TimeoutMs)
		return nil

	case wire.MsgUserCommandModeExited:
		s.arbiter.Exit(cs.id)
		return nil

	case wire.MsgInput:
		// Human keystrokes are never arbitrated against the sender's own
		// human-control lock, so they bypass the tool bridge.
		var p wire.InputPayload
		wire.Decode(msg.Payload, &p)
		_, err := s.seq.Submit(command.Command{
			ID:      ids.New(),
			Origin:  command.Origin{Kind: command.OriginHuman, ClientID: cs.id},
			Kind:    command.KindSendInput,
			Payload: command.SendInputPayload{PaneID: p.PaneID, Bytes: p.Bytes, SubmitEnter: p.SubmitEnter},
			Arrived: time.Now(),
		})
		if err != nil {
			return s.sendErrorVia(send, err)
		}
		return nil

	case wire.MsgResize:
		var p wire.ResizePayload
		wire.Decode(msg.Payload, &p)
		if pn, ok := s.engine.Pane(p.PaneID); ok {
			pn.Resize(p.Cols, p.Rows)
		}
		return nil

	case wire.MsgToolCall:
		var p wire.ToolCallPayload
		wire.Decode(msg.Payload, &p)
		result, warning, err := cs.bridge.Call(ctx, p.CommandID, p.Tool, p.Args)
		if err != nil {
			return s.sendErrorVia(send, err)
		}
		return send(wire.ServerMessage{Type: wire.MsgToolResult, Payload: wire.NewPayload(wire.ToolResultPayload{CommandID: p.CommandID, Result: result, Warning: warning})})

	case wire.MsgDisconnect:
		return errDisconnect

	default:
		return s.sendErrorVia(send, &apierr.NotFound{What: "unknown message type " + string(msg.Type)})
	}
}

func (s *Server) sendSnapshot(ctx context.Context, cs *connState, send func(wire.ServerMessage) error) error {
	var sessions []checkpoint.SessionRecord
	var focusHint ids.PaneID
	tails := make(map[string][]string)
	for _, sess := range s.engine.Sessions().All() {
		var windows []checkpoint.WindowRecord
		for _, w := range sess.Windows() {
			windows = append(windows, checkpoint.WindowRecord{ID: w.ID, Name: w.Name, FocusedPane: w.FocusedPane})
			if cs.attachedSession() == sess.ID || focusHint.Empty() {
				focusHint = w.FocusedPane
			}
			for _, paneID := range w.Panes() {
				if p, ok := s.engine.Pane(paneID); ok && p.Grid() != nil {
					tails[paneID.String()] = p.Grid().Tail(200)
				}
			}
		}
		tags := sess.Tags()
		tagList := make([]string, 0, len(tags))
		for t := range tags {
			tagList = append(tagList, t)
		}
		sessions = append(sessions, checkpoint.SessionRecord{ID: sess.ID, Name: sess.Name, Cwd: sess.Cwd(), Tags: tagList, Windows: windows})
	}

	seq := s.seq.LastAppliedSeq()
	if cs.client != nil {
		// Resync: the prior registration's channels are replaced.
		s.fanout.Disconnect(cs.id)
	}
	cs.client = s.fanout.Connect(cs.id, seq)

	err := send(wire.ServerMessage{
		Type: wire.MsgStateSnapshot,
		Payload: wire.NewPayload(wire.StateSnapshotPayload{
			CommitSeq:      seq,
			Sessions:       sessions,
			ScrollbackTail: tails,
			FocusHint:      focusHint,
		}),
	})
	if err != nil {
		return err
	}

	go s.streamEvents(cs, send)
	if cs.startStreaming() {
		go s.streamPaneOutput(ctx, cs, send)
	}
	return nil
}

func (s *Server) streamEvents(cs *connState, send func(wire.ServerMessage) error) {
	events, notes := cs.client.Events(), cs.client.Notifications()
	for events != nil || notes != nil {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if send(wire.ServerMessage{Type: wire.MsgEvent, Payload: wire.NewPayload(wire.EventPayload{CommitSeq: ev.CommitSeq, Kind: ev.Kind, Payload: ev.Payload})}) != nil {
				return
			}
		case n, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			if send(wire.ServerMessage{Type: wire.MsgConfigNotification, Payload: wire.NewPayload(wire.ConfigNotificationPayload{Kind: n.Kind, Message: n.Message})}) != nil {
				return
			}
		}
	}
}

// streamPaneOutput subscribes to the raw output of every pane in the
// client's attached session and relays it as PaneOutput frames, gated by a
// per-client byte-rate limiter; over-budget chunks are dropped, never
// queued. New panes (splits made after attach) are picked up on the next
// scan.
func (s *Server) streamPaneOutput(ctx context.Context, cs *connState, send func(wire.ServerMessage) error) {
	limiter := rate.NewLimiter(rate.Limit(outputRate), outputBurst)
	subscribed := make(map[ids.PaneID]func())
	defer func() {
		for _, cancel := range subscribed {
			cancel()
		}
	}()

	out := make(chan wire.PaneOutputPayload, 128)
	scan := time.NewTicker(500 * time.Millisecond)
	defer scan.Stop()

	subscribeSession := func() {
		attached := cs.attachedSession()
		if attached.Empty() {
			return
		}
		sess, ok := s.engine.Sessions().Get(attached)
		if !ok {
			return
		}
		for _, w := range sess.Windows() {
			for _, paneID := range w.Panes() {
				if _, done := subscribed[paneID]; done {
					continue
				}
				p, ok := s.engine.Pane(paneID)
				if !ok {
					continue
				}
				ch, cancel := p.Subscribe()
				subscribed[paneID] = cancel
				go func(id ids.PaneID, ch <-chan []byte) {
					for chunk := range ch {
						select {
						case out <- wire.PaneOutputPayload{PaneID: id, Bytes: chunk}:
						case <-ctx.Done():
							return
						}
					}
				}(paneID, ch)
			}
		}
	}
	subscribeSession()

	for {
		select {
		case <-ctx.Done():
			return
		case <-scan.C:
			subscribeSession()
		case p := <-out:
			if !limiter.AllowN(time.Now(), len(p.Bytes)) {
				continue
			}
			if send(wire.ServerMessage{Type: wire.MsgPaneOutput, Payload: wire.NewPayload(p)}) != nil {
				return
			}
		}
	}
}

func (s *Server) sendError(nc net.Conn, err error) {
	wire.EncodeServer(nc, wire.ServerMessage{Type: wire.MsgError, Payload: wire.NewPayload(wire.ErrorPayload{
		Code: apierr.Code(err), Message: apierr.Message(err), RetryAfterMs: apierr.RetryAfterMs(err),
	})})
}

func (s *Server) sendErrorVia(send func(wire.ServerMessage) error, err error) error {
	return send(wire.ServerMessage{Type: wire.MsgError, Payload: wire.NewPayload(wire.ErrorPayload{
		Code: apierr.Code(err), Message: apierr.Message(err), RetryAfterMs: apierr.RetryAfterMs(err),
	})})
}
