package transport

import (
	"bufio"
	"fmt"
	"net"

	"github.com/loomterm/loom/internal/command"
	"github.com/loomterm/loom/internal/ids"
	"github.com/loomterm/loom/internal/wire"
)

// Client is a thin synchronous wire-protocol client used by cmd/loom and by
// tests; a human TUI client instead drives the protocol directly against
// its own render loop, but the request/response shape here is identical.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to the daemon socket and completes the Connect handshake.
func Dial(socketPath, clientKind string) (*Client, ids.ClientID, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, "", fmt.Errorf("transport: dial: %w", err)
	}
	c := &Client{conn: conn, r: bufio.NewReader(conn)}

	if err := wire.EncodeClient(conn, wire.ClientMessage{
		Type:    wire.MsgConnect,
		Payload: wire.NewPayload(wire.ConnectPayload{ProtocolVersion: 1, ClientKind: clientKind}),
	}); err != nil {
		conn.Close()
		return nil, "", err
	}
	reply, err := wire.DecodeServer(c.r)
	if err != nil {
		conn.Close()
		return nil, "", err
	}
	if reply.Type != wire.MsgConnected {
		conn.Close()
		return nil, "", fmt.Errorf("transport: unexpected handshake reply %q", reply.Type)
	}
	var connected wire.ConnectedPayload
	wire.Decode(reply.Payload, &connected)
	return c, connected.ClientID, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	wire.EncodeClient(c.conn, wire.ClientMessage{Type: wire.MsgDisconnect, Payload: wire.NewPayload(wire.DisconnectPayload{})})
	return c.conn.Close()
}

// Send writes one ClientMessage frame.
func (c *Client) Send(msg wire.ClientMessage) error {
	return wire.EncodeClient(c.conn, msg)
}

// Recv reads one ServerMessage frame.
func (c *Client) Recv() (wire.ServerMessage, error) {
	return wire.DecodeServer(c.r)
}

// AttachSession sends AttachSession and returns without reading a reply; the
// server answers only a failed attach, with an Error frame a later Recv sees.
func (c *Client) AttachSession(sessionID ids.SessionID) error {
	if err := c.Send(wire.ClientMessage{Type: wire.MsgAttachSession, Payload: wire.NewPayload(wire.AttachSessionPayload{SessionID: sessionID})}); err != nil {
		return err
	}
	return nil
}

// ToolCall sends a ToolCall frame and waits for the matching ToolResult or
// Error reply.
func (c *Client) ToolCall(tool string, args map[string]interface{}) (interface{}, error) {
	commandID := ids.New()
	if err := c.Send(wire.ClientMessage{
		Type: wire.MsgToolCall,
		Payload: wire.NewPayload(wire.ToolCallPayload{CommandID: commandID, Tool: tool, Args: args}),
	}); err != nil {
		return nil, err
	}
	for {
		reply, err := c.Recv()
		if err != nil {
			return nil, err
		}
		switch reply.Type {
		case wire.MsgToolResult:
			var p wire.ToolResultPayload
			wire.Decode(reply.Payload, &p)
			if p.CommandID != commandID {
				continue
			}
			return p.Result, nil
		case wire.MsgError:
			var p wire.ErrorPayload
			wire.Decode(reply.Payload, &p)
			return nil, fmt.Errorf("%s: %s", p.Code, p.Message)
		case wire.MsgEvent:
			continue
		}
	}
}

// GetSnapshot requests and returns the initial state snapshot.
func (c *Client) GetSnapshot() (wire.StateSnapshotPayload, error) {
	if err := c.Send(wire.ClientMessage{Type: wire.MsgGetSnapshot, Payload: wire.NewPayload(wire.GetSnapshotPayload{})}); err != nil {
		return wire.StateSnapshotPayload{}, err
	}
	for {
		reply, err := c.Recv()
		if err != nil {
			return wire.StateSnapshotPayload{}, err
		}
		switch reply.Type {
		case wire.MsgStateSnapshot:
			var snap wire.StateSnapshotPayload
			if err := wire.Decode(reply.Payload, &snap); err != nil {
				return wire.StateSnapshotPayload{}, err
			}
			return snap, nil
		case wire.MsgError:
			var p wire.ErrorPayload
			wire.Decode(reply.Payload, &p)
			return wire.StateSnapshotPayload{}, fmt.Errorf("%s: %s", p.Code, p.Message)
		default:
			continue
		}
	}
}

// EnterCommandMode announces a human-control lock for timeoutMs.
func (c *Client) EnterCommandMode(timeoutMs int64) error {
	return c.Send(wire.ClientMessage{Type: wire.MsgUserCommandModeEntered, Payload: wire.NewPayload(wire.UserCommandModeEnteredPayload{TimeoutMs: timeoutMs})})
}

// ExitCommandMode releases the human-control lock.
func (c *Client) ExitCommandMode() error {
	return c.Send(wire.ClientMessage{Type: wire.MsgUserCommandModeExited, Payload: wire.NewPayload(wire.UserCommandModeExitedPayload{})})
}

// SendInput writes bytes to a pane.
func (c *Client) SendInput(paneID ids.PaneID, b []byte, submitEnter bool) error {
	return c.Send(wire.ClientMessage{Type: wire.MsgInput, Payload: wire.NewPayload(wire.InputPayload{PaneID: paneID, Bytes: b, SubmitEnter: submitEnter})})
}

// Resize sends a terminal resize for a pane.
func (c *Client) Resize(paneID ids.PaneID, cols, rows int) error {
	return c.Send(wire.ClientMessage{Type: wire.MsgResize, Payload: wire.NewPayload(wire.ResizePayload{PaneID: paneID, Cols: cols, Rows: rows})})
}

// GetEventsSince requests replay from the fanout ring.
func (c *Client) GetEventsSince(afterSeq command.CommitSeq) error {
	return c.Send(wire.ClientMessage{Type: wire.MsgGetEventsSince, Payload: wire.NewPayload(wire.GetEventsSincePayload{AfterSeq: afterSeq})})
}
