package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomterm/loom/internal/config"
	"github.com/loomterm/loom/internal/daemon"
	"github.com/loomterm/loom/internal/transport"
)

// Exit codes: 0 clean shutdown, 1 unrecoverable state error, 2 config
// error, 3 socket bind failure.
const (
	exitStateError  = 1
	exitConfigError = 2
	exitBindError   = 3
)

// errConfig marks failures in config resolution/loading for exit-code
// classification.
var errConfig = errors.New("config error")

func main() {
	var userConfigDir string
	var projectDir string

	root := &cobra.Command{
		Use:   "loomd",
		Short: "loom daemon — authoritative control plane for terminal sessions",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := config.NewManager()
			if userConfigDir == "" || projectDir == "" {
				user, project, err := config.Dirs()
				if err != nil {
					return fmt.Errorf("%w: resolve config dirs: %v", errConfig, err)
				}
				if userConfigDir == "" {
					userConfigDir = user
				}
				if projectDir == "" {
					projectDir = project
				}
			}
			if err := mgr.Load(userConfigDir, projectDir); err != nil {
				return fmt.Errorf("%w: %v", errConfig, err)
			}
			return daemon.Run(mgr.Get())
		},
	}

	root.Flags().StringVar(&userConfigDir, "config-dir", "", "user config directory (default ~/.loom)")
	root.Flags().StringVar(&projectDir, "project-dir", "", "project directory to look for .loom/config.yaml (default: nearest ancestor of cwd containing .loom or .git)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		switch {
		case errors.Is(err, errConfig):
			os.Exit(exitConfigError)
		case errors.Is(err, transport.ErrBind):
			os.Exit(exitBindError)
		default:
			os.Exit(exitStateError)
		}
	}
}
