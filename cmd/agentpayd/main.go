// Command agentpayd runs the paid-tool gateway, or drives a paid call
// against one from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/agent402/agentpay"
	"github.com/agent402/agentpay/chain"
	"github.com/agent402/agentpay/client"
	"github.com/agent402/agentpay/config"
	"github.com/agent402/agentpay/escrow"
	"github.com/agent402/agentpay/gateway"
	"github.com/agent402/agentpay/oracle"
	"github.com/agent402/agentpay/pkg/ginpay"
	"github.com/agent402/agentpay/wallet"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "agentpayd",
		Short:        "Pay-per-call tool gateway and client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "agentpay.yaml", "path to the YAML configuration")

	root.AddCommand(serveCmd(&configPath))
	root.AddCommand(callCmd(&configPath))
	return root
}

func setup(configPath string) (*config.Config, *slog.Logger, *chain.EthereumClient, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	ledger, err := chain.NewEthereumClient(ctx, chain.EthereumConfig{
		RPCURL:  cfg.Chain.RPCURL,
		ChainID: cfg.Chain.ChainID,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, ledger, nil
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the configured tools behind the payment gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, ledger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer ledger.Close()

			rates := oracle.New(oracle.Config{
				Endpoint:     cfg.Oracle.Endpoint,
				FallbackRate: cfg.Oracle.FallbackRate,
				TTL:          cfg.Oracle.TTL(),
				Logger:       log,
			})

			gatewayCfg := gateway.Config{
				Mode:            gateway.Mode(cfg.Gateway.Mode),
				ProviderAddress: cfg.Gateway.ProviderAddress,
				Network:         cfg.Gateway.Network,
				ExplorerURL:     cfg.Gateway.ExplorerURL,
				Chain:           ledger,
				Rates:           rates,
				ResultTTL:       cfg.Gateway.ResultTTL(),
				ReplayTTL:       cfg.Gateway.ReplayTTL(),
				Logger:          log,
			}
			if gatewayCfg.Mode == gateway.ModeEscrow {
				queue, err := escrow.NewTxQueue(cfg.Gateway.EscrowKey, ledger, log)
				if err != nil {
					return err
				}
				defer queue.Close()
				gatewayCfg.Queue = queue
			}
			g, err := gateway.New(gatewayCfg)
			if err != nil {
				return err
			}
			defer g.Close()

			tools := make([]gateway.Tool, 0, len(cfg.Tools))
			for _, tc := range cfg.Tools {
				tools = append(tools, &gateway.HTTPTool{
					ToolName:        tc.Name,
					ToolDescription: tc.Description,
					Price:           tc.PriceUSD,
					Upstream:        tc.Upstream,
					Schema:          tc.Schema,
				})
			}

			gin.SetMode(gin.ReleaseMode)
			router := gin.New()
			router.Use(gin.Recovery())
			ginpay.Mount(router, g, tools...)

			log.Info("gateway listening",
				"addr", cfg.Listen, "mode", cfg.Gateway.Mode, "tools", len(tools))
			return router.Run(cfg.Listen)
		},
	}
}

func callCmd(configPath *string) *cobra.Command {
	var paramsJSON string

	cmd := &cobra.Command{
		Use:   "call <tool-url>",
		Short: "Call a paid tool, paying from the worker wallet pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, ledger, err := setup(*configPath)
			if err != nil {
				return err
			}
			defer ledger.Close()

			treasury, err := wallet.NewTreasury(cfg.Wallets.TreasuryKey, ledger,
				coins(cfg.Wallets.ReserveFloor), coins(cfg.Wallets.FeeBuffer), log)
			if err != nil {
				return err
			}
			poolCfg := cfg.PoolConfig()
			poolCfg.Logger = log
			pool, err := wallet.NewPool(poolCfg, ledger, treasury)
			if err != nil {
				return err
			}
			pool.Start()
			defer pool.Close()

			params := make(map[string]interface{})
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return fmt.Errorf("invalid --params: %w", err)
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			agent := client.NewAgent(pool, client.New(ledger, client.WithLogger(log)))
			result, err := agent.Call(ctx, args[0], params)
			if err != nil {
				return err
			}

			out := map[string]interface{}{
				"data":   json.RawMessage(result.Data),
				"paid":   result.Paid,
				"phases": result.Receipt.Phases(),
			}
			if result.Payment != nil {
				out["receipt"] = result.Payment
			}
			encoded, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))
			return nil
		},
	}
	cmd.Flags().StringVarP(&paramsJSON, "params", "p", "", "tool parameters as a JSON object")
	return cmd
}

func coins(v float64) agentpay.Satoshis {
	return agentpay.CoinsToSatoshis(v)
}
