package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"github.com/sushant-115/txbridge/config/certs"
	"github.com/sushant-115/txbridge/pkg/client"
	"github.com/sushant-115/txbridge/pkg/config"
	"github.com/sushant-115/txbridge/pkg/connection"
	"github.com/sushant-115/txbridge/pkg/logger"
	"google.golang.org/grpc"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type cliFlags struct {
	configPath string
	addr       string
	versionID  string
}

func newRootCommand() *cobra.Command {
	var f cliFlags
	root := &cobra.Command{
		Use:   "txbridge_cli [command [args...]]",
		Short: "Interactive client for a txbridge server",
		Long: `
Without arguments starts an interactive shell bound to one session. With
arguments runs that single command and exits. Type 'help' in the shell for
the list of commands.
`,
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			return run(c, f, args)
		},
	}
	flags := root.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&f.addr, "addr", "", "override client.addr")
	flags.StringVar(&f.versionID, "version", "", "override version.id sent with every call")
	return root
}

func run(c *cobra.Command, f cliFlags, args []string) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.addr != "" {
		cfg.Client.Addr = f.addr
	}
	if f.versionID != "" {
		cfg.Version.ID = f.versionID
	}
	cfg.Logger.Level = "warn"
	log, err := logger.New(cfg.Logger, "txbridge_cli")
	if err != nil {
		return err
	}
	defer log.Sync()

	creds, err := certs.ClientCredentials(cfg.TLS, cfg.Client.Addr)
	if err != nil {
		return err
	}
	pool := connection.NewConnectionPoolManager(grpc.WithTransportCredentials(creds))
	defer pool.Close()
	conn, err := pool.Get(cfg.Client.Addr)
	if err != nil {
		return err
	}

	sh := newShell(client.New(conn, log), cfg.Version.ID, c.OutOrStdout())
	defer sh.Close(context.Background())

	if len(args) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Client.Timeout)
		defer cancel()
		if err := sh.exec(ctx, strings.Join(args, " ")); !errors.Is(err, errExit) {
			return err
		}
		return nil
	}
	return loop(sh, cfg.Client)
}

func loop(sh *shell, cfg config.ClientConfig) error {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            "txbridge> ",
		HistoryFile:       filepath.Join(os.TempDir(), "txbridge_cli.history"),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer l.Close()

	fmt.Fprintln(sh.out, "txbridge shell. Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := l.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		err = sh.exec(ctx, line)
		cancel()
		if errors.Is(err, errExit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(sh.out, "Error: %v\n", err)
		}
	}
}
