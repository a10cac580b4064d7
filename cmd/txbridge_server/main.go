package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/sushant-115/txbridge/config/certs"
	"github.com/sushant-115/txbridge/pkg/config"
	"github.com/sushant-115/txbridge/pkg/logger"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type serveFlags struct {
	configPath string
	listenAddr string
	tlsMode    string
}

func newRootCommand() *cobra.Command {
	var f serveFlags
	root := &cobra.Command{
		Use:   "txbridge_server",
		Short: "Serve transactional queries over gRPC",
		Long: `
Serves the txbridge.Bridge gRPC service: sessions that each hold at most one
transaction, streamed query cursors and backups of the underlying store.

Settings come from --config (YAML) and TXBRIDGE_* environment variables,
e.g. TXBRIDGE_STORAGE_PATH=/var/lib/txbridge/bridge.db.
`,
		SilenceUsage: true,
		RunE: func(c *cobra.Command, args []string) error {
			return serve(c, f)
		},
	}
	flags := root.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file")
	flags.StringVar(&f.listenAddr, "listen", "", "override server.listen_addr")
	flags.StringVar(&f.tlsMode, "tls-mode", "", "override tls.mode (off, dev or mtls)")

	root.AddCommand(newCertsCommand())
	return root
}

func loadConfig(c *cobra.Command, f serveFlags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if c.Flags().Changed("listen") {
		cfg.Server.ListenAddr = f.listenAddr
	}
	if c.Flags().Changed("tls-mode") {
		cfg.TLS.Mode = f.tlsMode
	}
	return cfg, cfg.Validate()
}

func serve(c *cobra.Command, f serveFlags) error {
	cfg, err := loadConfig(c, f)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logger, "txbridge_server")
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, log)
	if err != nil {
		log.Error("Failed to start bridge server", zap.Error(err))
		return err
	}
	lis, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		a.Close(context.Background())
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, lis)
}

func newCertsCommand() *cobra.Command {
	var dir, host string
	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Generate a CA plus server and client certificates for tls.mode mtls",
		RunE: func(c *cobra.Command, args []string) error {
			if err := certs.GenerateCerts(dir, host); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "wrote ca.crt, server.crt/key and client.crt/key to %s\n", dir)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "output", "o", "certs", "directory to write to")
	cmd.Flags().StringVar(&host, "host", "localhost", "name the server certificate is issued for")
	return cmd
}
