package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"voting-client/blockchain/mxe"
	"voting-client/blockchain/pda"
	"voting-client/blockchain/rpc"
	"voting-client/blockchain/tx"
	"voting-client/blockchain/ws"
	"voting-client/config"
	"voting-client/logging"
	"voting-client/service"
	"voting-client/storage"
	"voting-client/wallet"
)

const programName = "voting"

var (
	globalFlags = struct {
		debug bool
	}{}
	configFile string
)

// client holds the long-lived handles shared by every command.
type client struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	rpc      *rpc.Client
	ws       *ws.Client
	voting   *service.VotingService
}

func (c *client) Close() {
	c.voting.Close()
	if c.ws != nil {
		if err := c.ws.Close(); err != nil {
			c.logger.Debug("closing websocket", zap.Error(err))
		}
	}
	c.rpc.Close()
	_ = c.logger.Sync()
}

// newClient dials the ledger and connects the configured wallet. With
// requireWallet unset a missing keypair file leaves the client read-only.
// The websocket connection is only opened when subscribe is set.
func newClient(ctx context.Context, cfg *config.Config, requireWallet, subscribe bool) (*client, error) {
	logger := logging.New(globalFlags.debug).With(zap.String("program", programName))

	svcCfg, err := cfg.ServiceConfig()
	if err != nil {
		return nil, err
	}
	mxeCfg, err := cfg.MXEConfig()
	if err != nil {
		return nil, err
	}

	rpcClient, err := rpc.Dial(ctx, cfg.RPCURL,
		rpc.WithCommitment(cfg.Commitment),
		rpc.WithEncoding(cfg.AccountEncoding),
		rpc.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.RPCURL, err)
	}

	c := &client{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		rpc:      rpcClient,
	}
	metrics := service.NewMetricsCollector(c.registry)

	resolver := mxe.NewResolver(mxeCfg, rpcClient, pda.NewDeriver(svcCfg.ProgramID, svcCfg.ArciumProgramID),
		mxe.WithLookupPolicy(cfg.LookupAttempts, cfg.LookupInterval),
		mxe.WithStageHook(metrics.MXEStage),
		mxe.WithLogger(logger),
	)

	opts := []service.Option{
		service.WithMetrics(metrics),
		service.WithJournal(storage.NewReceiptStore()),
		service.WithLogger(logger),
	}
	if subscribe {
		c.ws, err = ws.Dial(ctx, cfg.WSURL,
			ws.WithCommitment(cfg.Commitment),
			ws.WithLogger(logger),
		)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("dialing %s: %w", cfg.WSURL, err)
		}
		opts = append(opts, service.WithSubscriber(c.ws))
	}
	c.voting = service.NewVotingService(svcCfg, rpcClient, resolver, opts...)

	var signer tx.Signer
	keypair, err := wallet.LoadKeypair(cfg.Keypair())
	switch {
	case err == nil:
		signer = keypair
		logger.Info("wallet loaded", zap.Stringer("wallet", keypair.PublicKey()))
	case !requireWallet && errors.Is(err, fs.ErrNotExist):
		logger.Debug("no keypair file, running read-only", zap.String("path", cfg.Keypair()))
	default:
		c.Close()
		return nil, err
	}

	if err := c.voting.Connect(ctx, signer); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func configFrom(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.FromContext(cmd.Context())
	if cfg == nil {
		return nil, errors.New("no config found in context")
	}
	return cfg, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:          programName,
		Short:        "Confidential voting client",
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().
		StringVar(&configFile, "config", "", "path to config file")
	rootCmd.PersistentFlags().
		String("rpc-url", "", "ledger RPC endpoint, overrides the config file")
	rootCmd.PersistentFlags().
		String("keypair", "", "wallet keypair file, overrides the config file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Override config with command line flags
		if rpcURL, _ := cmd.Flags().GetString("rpc-url"); rpcURL != "" {
			cfg.RPCURL = rpcURL
			cfg.WSURL = ""
			if err := cfg.Finalize(); err != nil {
				return err
			}
		}
		if keypair, _ := cmd.Flags().GetString("keypair"); keypair != "" {
			cfg.KeypairPath = keypair
		}

		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	}

	// Subcommands
	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(initPlatformCommand())
	rootCmd.AddCommand(createProposalCommand())
	rootCmd.AddCommand(voteCommand())
	rootCmd.AddCommand(closeProposalCommand())
	rootCmd.AddCommand(proposalsCommand())
	rootCmd.AddCommand(hasVotedCommand())
	rootCmd.AddCommand(watchCommand())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
