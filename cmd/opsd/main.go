// Command opsd runs site automation daemons: periodic tasks, a one-shot
// TCP command interface and telemetry advertisement over MQTT, an HTTP
// push gateway and text exposition files.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sitetools/opsdaemon/internal/buildinfo"
	"github.com/sitetools/opsdaemon/internal/config"
	"github.com/sitetools/opsdaemon/internal/daemon"
)

var exit = os.Exit

func main() {
	exit(execute(os.Args[1:]))
}

// execute runs the CLI and returns the process exit code. For the run
// command the code is the daemon's accumulated error count.
func execute(args []string) int {
	var code int

	root := newRootCmd(&code)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if code == 0 {
			code = 1
		}
	}
	return code
}

func newRootCmd(code *int) *cobra.Command {
	root := &cobra.Command{
		Use:           "opsd",
		Short:         "site automation daemon runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd(code))
	root.AddCommand(newStartCmd())
	root.AddCommand(newCallCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func newRunCmd(code *int) *cobra.Command {
	var (
		jsonPath        string
		dummy           bool
		ignoreInterrupt bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "run a daemon in the foreground",
		Long: `Run a daemon in the foreground until it is told to terminate over its
command port or by an interrupt. The exit code is the number of errors
the daemon accumulated while running.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDaemon(jsonPath, dummy)
			if err != nil {
				*code = 1
				return err
			}

			err = d.Daemonize(context.Background(), ignoreInterrupt)
			*code = d.ErrorCount()
			return err
		},
	}

	cmd.Flags().StringVar(&jsonPath, "json", "", "path to the daemon configuration file")
	cmd.Flags().BoolVar(&dummy, "dummy", false, "log intended actions instead of performing them")
	cmd.Flags().BoolVar(&ignoreInterrupt, "ignore-interrupt", false, "keep running on SIGINT (set for spawned daemons)")
	_ = cmd.MarkFlagRequired("json")

	return cmd
}

func newStartCmd() *cobra.Command {
	var (
		jsonPath string
		dummy    bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "launch a daemon as a detached background process",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := newDaemon(jsonPath, dummy)
			if err != nil {
				return err
			}
			return d.Start([]string{"run"})
		},
	}

	cmd.Flags().StringVar(&jsonPath, "json", "", "path to the daemon configuration file")
	cmd.Flags().BoolVar(&dummy, "dummy", false, "log the launch command instead of spawning")
	_ = cmd.MarkFlagRequired("json")

	return cmd
}

func newCallCmd() *cobra.Command {
	var (
		host    string
		port    int
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <command> [args...]",
		Short: "send one command to a running daemon and print its reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := net.JoinHostPort(host, fmt.Sprint(port))
			return call(cmd.OutOrStdout(), addr, strings.Join(args, " "), timeout)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "daemon host")
	cmd.Flags().IntVar(&port, "port", 0, "daemon command port")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "dial and response timeout")
	_ = cmd.MarkFlagRequired("port")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), buildinfo.String())
		},
	}
}

func newDaemon(jsonPath string, dummy bool) (*daemon.Daemon, error) {
	logger := config.NewLogger(dummy)

	cfg, err := config.NewDaemonConfig(jsonPath, dummy, logger)
	if err != nil {
		return nil, err
	}
	return daemon.New(cfg)
}

// call sends a single request line and copies the PID-prefixed reply to w.
func call(w io.Writer, addr, line string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(timeout))
	if _, err := fmt.Fprintf(conn, "%s\n", line); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		fmt.Fprintln(w, sc.Text())
	}
	return sc.Err()
}
