// Command agentpayd runs the payment-gated tool gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vitwit/agentpay"
	"github.com/vitwit/agentpay/config"
	"github.com/vitwit/agentpay/logger"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the gateway configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "agentpayd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.NewZapLogger(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway, err := agentpay.New(ctx, cfg, agentpay.WithLogger(log))
	if err != nil {
		return err
	}
	defer gateway.Close()

	log.Info("gateway starting", map[string]any{
		"address": cfg.Server.Address,
		"network": cfg.Ledger.Network.String(),
		"tools":   len(cfg.Tools),
	})
	return gateway.Run(ctx)
}
