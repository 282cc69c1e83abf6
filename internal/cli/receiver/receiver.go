// Package receiver implements the collector command.
package receiver

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/gridsend/internal/collector"
	"github.com/sheerbytes/gridsend/internal/config"
	"github.com/sheerbytes/gridsend/internal/ledger"
	"github.com/sheerbytes/gridsend/internal/logging"
	"github.com/sheerbytes/gridsend/internal/metrics"
	"github.com/sheerbytes/gridsend/internal/transferquic"
	"github.com/sheerbytes/gridsend/pkg/protocol"
	"github.com/spf13/cobra"
)

// NewCommand returns the collector command.
func NewCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "collector",
		Short:        "Receive instrument data files from gridsend agents",
		Args:         cobra.NoArgs,
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadCollector(cmd.Flags(), os.Getenv)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	config.RegisterCollectorFlags(cmd.Flags())
	return cmd
}

// Run opens the listeners described by cfg and serves agents until ctx is
// cancelled.
func Run(ctx context.Context, cfg config.CollectorConfig, logOut io.Writer) error {
	logger := logging.NewWithWriter(logOut, "collector", cfg.LogLevel, cfg.LogFormat)

	aliases, err := config.LoadAliases(cfg.AliasFile)
	if err != nil {
		return err
	}

	var led *ledger.Ledger
	if cfg.Ledger != "" {
		led, err = ledger.Open(cfg.Ledger)
		if err != nil {
			return err
		}
		defer led.Close()
	}

	m := metrics.NewCollector()
	srv, err := collector.New(collector.Config{
		OutDir: cfg.OutDir,
		Limits: protocol.Limits{
			MaxPathLength:    cfg.MaxPathLength,
			MaxSerialLength:  cfg.MaxSerialLength,
			MaxPayloadLength: cfg.MaxPayloadLength,
		},
		ChunkSize: cfg.ChunkSize,
		Aliases:   aliases,
	}, led, logger, m)
	if err != nil {
		return err
	}

	tcp, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	listeners := collector.Listeners{TCP: tcp, WSAddr: cfg.WSAddr}
	if cfg.QUICAddr != "" {
		listeners.QUIC, err = transferquic.Listen(cfg.QUICAddr, logger)
		if err != nil {
			tcp.Close()
			return err
		}
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, m.Handler(), logger); err != nil {
				logger.Error("metrics listener failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	logger.Info("collector starting", "out_dir", cfg.OutDir, "ledger", cfg.Ledger, "aliases", len(aliases))
	if err := srv.Run(ctx, listeners); err != nil {
		logger.Error("collector failed", "error", err)
		return err
	}
	logger.Info("collector stopped")
	return nil
}
