// Package sender implements the gridsend agent command.
package sender

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/gridsend/internal/agent"
	"github.com/sheerbytes/gridsend/internal/config"
	"github.com/sheerbytes/gridsend/internal/logging"
	"github.com/sheerbytes/gridsend/internal/metrics"
	"github.com/sheerbytes/gridsend/internal/transfer"
	"github.com/sheerbytes/gridsend/internal/transferquic"
	"github.com/sheerbytes/gridsend/internal/watch"
	"github.com/sheerbytes/gridsend/internal/wsclient"
	"github.com/sheerbytes/gridsend/pkg/catalog"
	"github.com/spf13/cobra"
)

// NewCommand returns the agent command. The optional positional argument
// is the root directory.
func NewCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gridsend [root]",
		Short: "Deliver instrument data files to a collector",
		Long: "gridsend watches a directory tree of bounded depth, follows the most recently\n" +
			"created directory at each level and sends every completed data file to a\n" +
			"collector, deleting it once the collector acknowledges it.",
		Args:         cobra.MaximumNArgs(1),
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := cmd.Flags().Set("root", args[0]); err != nil {
					return err
				}
			}
			cfg, err := config.LoadAgent(cmd.Flags(), os.Getenv)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return Run(ctx, cfg, cmd.ErrOrStderr())
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")
	config.RegisterAgentFlags(cmd.Flags())
	return cmd
}

// Run wires the agent from cfg and runs it until ctx is cancelled or a
// fatal error occurs. The channel is closed on every return path.
func Run(ctx context.Context, cfg config.AgentConfig, logOut io.Writer) error {
	logger := logging.NewWithWriter(logOut, "gridsend", cfg.LogLevel, cfg.LogFormat)

	dialer, err := newDialer(cfg.Transport, logger)
	if err != nil {
		return err
	}
	m := metrics.NewAgent()

	ch := transfer.NewChannel(dialer, transfer.ChannelConfig{
		Addr:           cfg.Addr(),
		ReconnectDelay: cfg.ReconnectDelay,
		MaxAttempts:    cfg.MaxRetries,
	}, logger, m)
	defer ch.Close()
	// Interrupt abandons any in-flight transfer.
	stopClose := context.AfterFunc(ctx, func() { ch.Close() })
	defer stopClose()

	sender := transfer.NewSender(ch, transfer.NewSequence(), transfer.SenderConfig{
		Root:        cfg.Root,
		Serial:      cfg.Serial,
		Suffix:      cfg.Suffix,
		ChunkSize:   cfg.ChunkSize,
		MaxAttempts: cfg.MaxRetries,
	}, logger, m)

	backend := cfg.Watcher
	if backend == "" {
		backend = watch.DefaultBackend()
	}
	fac, err := watch.New(backend, cfg.Settle)
	if err != nil {
		return fmt.Errorf("open %s watcher: %w", backend, err)
	}
	a, err := agent.New(agent.Config{
		Root:         cfg.Root,
		MaxDepth:     cfg.MaxDepth,
		PollInterval: cfg.PollInterval,
		Limits: catalog.Limits{
			MaxPathLength: cfg.MaxPathLength,
			MaxNameLength: cfg.MaxNameLength,
		},
	}, ch, sender, fac, logger, m)
	if err != nil {
		fac.Close()
		return err
	}
	defer a.Close()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, m.Handler(), logger); err != nil {
				logger.Error("metrics listener failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	logger.Info("agent starting",
		"root", cfg.Root,
		"collector", cfg.Addr(),
		"transport", cfg.Transport,
		"serial", cfg.Serial,
		"watcher", backend,
		"max_depth", cfg.MaxDepth,
	)
	if err := a.Run(ctx); err != nil {
		logger.Error("agent failed", "error", err)
		return err
	}
	return nil
}

func newDialer(transport string, logger *slog.Logger) (transfer.Dialer, error) {
	switch transport {
	case config.TransportTCP, "":
		return transfer.TCPDialer{KeepAlive: 30 * time.Second}, nil
	case config.TransportQUIC:
		return &transferquic.Dialer{Logger: logger}, nil
	case config.TransportWS:
		return &wsclient.Dialer{}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}
