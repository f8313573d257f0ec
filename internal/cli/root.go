// Package cli implements the colloquy command line client.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/HyphaGroup/colloquy/internal/client"
	"github.com/HyphaGroup/colloquy/internal/clientstate"
)

// Spawner starts the server in the background.
type Spawner func(ctx context.Context, serverBin string) error

// Options configures the root command. Zero values select the real
// environment.
type Options struct {
	Out     io.Writer
	Err     io.Writer
	Spawn   Spawner
	Version string
	// SpawnWait is how long to wait after spawning before retrying.
	SpawnWait time.Duration
}

type app struct {
	opts  Options
	v     *viper.Viper
	api   *client.Client
	state *clientstate.State
}

// NewRootCommand builds the colloquy command tree.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.Spawn == nil {
		opts.Spawn = spawnDetached
	}
	if opts.SpawnWait == 0 {
		opts.SpawnWait = 2 * time.Second
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	a := &app{opts: opts, v: viper.New()}

	root := &cobra.Command{
		Use:   "colloquy",
		Short: "Talk to assistant backends through the colloquy server",
		Long: `colloquy keeps one conversation per assistant kind and sends messages
through a running colloquy server, starting the server if needed.`,
		Version:           opts.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetOut(opts.Out)
	root.SetErr(opts.Err)

	root.PersistentFlags().String("url", client.DefaultURL, "server base URL")
	root.PersistentFlags().String("state", "", "state file (default ~/.colloquy/state.json)")
	root.PersistentFlags().String("server-bin", "colloquy-server", "server executable used when auto-starting")
	_ = a.v.BindPFlag("url", root.PersistentFlags().Lookup("url"))
	_ = a.v.BindPFlag("state", root.PersistentFlags().Lookup("state"))
	_ = a.v.BindPFlag("server_bin", root.PersistentFlags().Lookup("server-bin"))

	a.v.SetEnvPrefix("COLLOQUY")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		a.startCommand(),
		a.closeCommand(),
		a.converseCommand(),
		a.headlessCommand(),
		a.listCommand(),
		a.stopCommand(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	a.api = client.New(a.v.GetString("url"))

	path := a.v.GetString("state")
	if path == "" {
		p, err := clientstate.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	state, err := clientstate.Load(path)
	if err != nil {
		return err
	}
	a.state = state
	return nil
}

// call runs fn, starting the server and retrying once if nothing is
// listening.
func (a *app) call(ctx context.Context, fn func() error) error {
	err := fn()
	if !client.IsUnreachable(err) {
		return err
	}

	_, _ = fmt.Fprintln(a.opts.Out, "Conversation service not running. Starting it now...")
	if err := a.opts.Spawn(ctx, a.v.GetString("server_bin")); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.opts.SpawnWait):
	}
	return fn()
}

func (a *app) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(a.opts.Out, format, args...)
}

func (a *app) startCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <kind>",
		Short: "Start a conversation with an assistant kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := args[0]
			if _, ok := a.state.Get(kind); ok {
				a.printf("%s conversation is already active\n", kind)
				return nil
			}
			var id string
			err := a.call(cmd.Context(), func() error {
				var err error
				id, err = a.api.Open(cmd.Context(), kind)
				return err
			})
			if err != nil {
				return err
			}
			a.state.Set(kind, id)
			if err := a.state.Save(); err != nil {
				return err
			}
			a.printf("%s conversation started with ID: %s\n", kind, id)
			return nil
		},
	}
}

func (a *app) closeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "close <kind>",
		Short: "Close the active conversation for a kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := args[0]
			id, ok := a.state.Get(kind)
			if !ok {
				a.printf("No active %s conversation\n", kind)
				return nil
			}
			err := a.call(cmd.Context(), func() error { return a.api.Close(cmd.Context(), id) })
			if err != nil && !client.IsNotFound(err) {
				return err
			}
			a.state.Clear(kind)
			if err := a.state.Save(); err != nil {
				return err
			}
			a.printf("%s conversation closed\n", kind)
			return nil
		},
	}
}

func (a *app) converseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "converse <kind> <message>",
		Short: "Send a message and print the settled reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := args[0]
			message := strings.Join(args[1:], " ")
			id, ok := a.state.Get(kind)
			if !ok {
				a.printf("No active %s conversation. Start one first with: colloquy start %s\n", kind, kind)
				return nil
			}
			var reply client.Reply
			err := a.call(cmd.Context(), func() error {
				var err error
				reply, err = a.api.Send(cmd.Context(), id, message)
				return err
			})
			if client.IsNotFound(err) {
				// The server forgot it, most likely after a restart or reset.
				a.state.Clear(kind)
				_ = a.state.Save()
				return fmt.Errorf("%s conversation no longer exists; start a new one", kind)
			}
			if err != nil {
				return err
			}
			a.printf("%s\n", reply.Response)
			if reply.TimedOut {
				_, _ = fmt.Fprintln(a.opts.Err, "(reply did not settle before the timeout)")
			}
			return nil
		},
	}
}

func (a *app) headlessCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "headless <true|false>",
		Short:     "Set the server's headless mode; resets every conversation",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"true", "false"},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseBool(args[0])
			if err != nil {
				return err
			}
			err = a.call(cmd.Context(), func() error {
				_, err := a.api.SetHeadless(cmd.Context(), mode)
				return err
			})
			if err != nil {
				return err
			}
			a.state.ClearAll()
			if err := a.state.Save(); err != nil {
				return err
			}
			if mode {
				a.printf("Headless mode enabled successfully\n")
			} else {
				a.printf("Headless mode disabled successfully\n")
			}
			return nil
		},
	}
}

func (a *app) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations open on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var convs []client.Conversation
			err := a.call(cmd.Context(), func() error {
				var err error
				convs, err = a.api.List(cmd.Context())
				return err
			})
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				a.printf("No open conversations\n")
				return nil
			}
			for _, c := range convs {
				a.printf("%s  %-8s %-8s queued=%d turns=%d\n", c.ConversationID, c.Kind, c.Status, c.QueueDepth, c.Turns)
			}
			return nil
		},
	}
}

func (a *app) stopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Reset every conversation and stop the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			err := a.api.Stop(cmd.Context())
			if err != nil && !client.IsUnreachable(err) {
				return err
			}
			a.state.ClearAll()
			if err := a.state.Save(); err != nil {
				return err
			}
			if err != nil {
				a.printf("Conversation service is not running\n")
				return nil
			}
			a.printf("Conversation service stopped\n")
			return nil
		},
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "on", "yes", "1":
		return true, nil
	case "false", "off", "no", "0":
		return false, nil
	}
	return false, errors.New("mode must be true or false")
}

func spawnDetached(ctx context.Context, serverBin string) error {
	cmd := exec.Command(serverBin)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return err
	}
	return cmd.Process.Release()
}
