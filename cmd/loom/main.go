package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/loomterm/loom/internal/config"
	"github.com/loomterm/loom/internal/ids"
	"github.com/loomterm/loom/internal/transport"
	"github.com/loomterm/loom/internal/wire"
)

func main() {
	var argFlags []string
	var jsonArgs string
	var socketPath string

	root := &cobra.Command{
		Use:   "loom",
		Short: "loom — tool-bridge client for the loom daemon",
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket path (default from config)")

	callCmd := &cobra.Command{
		Use:   "call <tool>",
		Short: "invoke a daemon tool call directly, e.g. `loom call session.create --arg name=work`",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			toolArgs, err := buildArgs(argFlags, jsonArgs)
			if err != nil {
				return err
			}
			return runToolCall(socketPath, args[0], toolArgs)
		},
	}
	callCmd.Flags().StringArrayVar(&argFlags, "arg", nil, "key=value argument, repeatable")
	callCmd.Flags().StringVar(&jsonArgs, "json", "", "raw JSON object of arguments, merged over --arg")

	sessionCmd := &cobra.Command{Use: "session", Short: "session.* tool calls"}
	sessionCmd.AddCommand(
		&cobra.Command{
			Use:  "create <name>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runToolCall(socketPath, "session.create", map[string]interface{}{"name": args[0]})
			},
		},
		&cobra.Command{
			Use:  "list",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runToolCall(socketPath, "session.list", nil)
			},
		},
		&cobra.Command{
			Use:  "kill <session_id>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runToolCall(socketPath, "session.kill", map[string]interface{}{"session": args[0]})
			},
		},
	)

	windowCmd := &cobra.Command{Use: "window", Short: "window.* tool calls"}
	windowCmd.AddCommand(&cobra.Command{
		Use:  "create <session_id>",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToolCall(socketPath, "window.create", map[string]interface{}{"session": args[0]})
		},
	})

	paneCmd := &cobra.Command{Use: "pane", Short: "pane.* tool calls"}
	paneCmd.AddCommand(
		&cobra.Command{
			Use:  "split <window_id> <target_pane>",
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runToolCall(socketPath, "pane.split", map[string]interface{}{"window": args[0], "pane": args[1]})
			},
		},
		&cobra.Command{
			Use:  "read <pane_id>",
			Args: cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runToolCall(socketPath, "io.read", map[string]interface{}{"pane": args[0]})
			},
		},
		&cobra.Command{
			Use:  "send <pane_id> <text>",
			Args: cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runToolCall(socketPath, "io.send_input", map[string]interface{}{"pane": args[0], "bytes": args[1], "submit_enter": true})
			},
		},
	)

	attachCmd := &cobra.Command{
		Use:   "attach <session_id>",
		Short: "attach interactively to a session's focused pane (ctrl-q detaches)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAttach(socketPath, args[0])
		},
	}

	root.AddCommand(callCmd, sessionCmd, windowCmd, paneCmd, attachCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildArgs(argFlags []string, jsonArgs string) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	for _, kv := range argFlags {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --arg %q, expected key=value", kv)
		}
		out[parts[0]] = inferValue(parts[1])
	}
	if jsonArgs != "" {
		var extra map[string]interface{}
		if err := json.Unmarshal([]byte(jsonArgs), &extra); err != nil {
			return nil, fmt.Errorf("parse --json: %w", err)
		}
		for k, v := range extra {
			out[k] = v
		}
	}
	return out, nil
}

func inferValue(raw string) interface{} {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

func dialSocket(socketPath string) (*transport.Client, ids.ClientID, error) {
	if socketPath == "" {
		mgr := config.NewManager()
		if user, project, err := config.Dirs(); err == nil {
			mgr.Load(user, project)
		}
		socketPath = mgr.Get().SocketPath
	}
	return transport.Dial(socketPath, "cli")
}

func runToolCall(socketPath, tool string, args map[string]interface{}) error {
	c, _, err := dialSocket(socketPath)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()

	result, err := c.ToolCall(tool, args)
	if err != nil {
		return err
	}
	printResult(result)
	return nil
}

func printResult(result interface{}) {
	switch v := result.(type) {
	case []byte:
		fmt.Printf("%s (%s)\n", v, humanize.Bytes(uint64(len(v))))
	case string:
		fmt.Println(v)
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Printf("%v\n", v)
			return
		}
		fmt.Println(string(data))
	}
}

// detachKey is ctrl-q.
const detachKey = 0x11

func runAttach(socketPath string, sessionID string) error {
	c, _, err := dialSocket(socketPath)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.Close()

	if err := c.AttachSession(ids.SessionID(sessionID)); err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	snap, err := c.GetSnapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}

	pane := snap.FocusHint
	if pane.Empty() {
		for _, s := range snap.Sessions {
			if s.ID == ids.SessionID(sessionID) && len(s.Windows) > 0 {
				pane = s.Windows[0].FocusedPane
			}
		}
	}
	if pane.Empty() {
		return fmt.Errorf("session %s has no pane to attach to", sessionID)
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return runAttachSummary(snap)
	}

	// Ghost image: replay the persisted tail before live output arrives.
	for _, line := range snap.ScrollbackTail[pane.String()] {
		fmt.Println(line)
	}

	oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer term.Restore(int(os.Stdin.Fd()), oldState)

	if cols, rows, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		c.Resize(pane, cols, rows)
	}

	done := make(chan error, 1)
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				done <- err
				return
			}
			for i := 0; i < n; i++ {
				if buf[i] == detachKey {
					done <- nil
					return
				}
			}
			if err := c.SendInput(pane, append([]byte(nil), buf[:n]...), false); err != nil {
				done <- err
				return
			}
		}
	}()

	go func() {
		for {
			msg, err := c.Recv()
			if err != nil {
				done <- err
				return
			}
			switch msg.Type {
			case wire.MsgPaneOutput:
				var p wire.PaneOutputPayload
				wire.Decode(msg.Payload, &p)
				if p.PaneID == pane {
					os.Stdout.Write(p.Bytes)
				}
			case wire.MsgConfigNotification:
				var p wire.ConfigNotificationPayload
				wire.Decode(msg.Payload, &p)
				fmt.Fprintf(os.Stderr, "\r\n[loom] %s: %s\r\n", p.Kind, p.Message)
			}
		}
	}()

	return <-done
}

// runAttachSummary prints a non-interactive snapshot summary when stdin is
// not a terminal (scripts, pipes).
func runAttachSummary(snap wire.StateSnapshotPayload) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "commit_seq\t%d\n", snap.CommitSeq)
	fmt.Fprintf(tw, "sessions\t%d\n", len(snap.Sessions))
	return tw.Flush()
}
