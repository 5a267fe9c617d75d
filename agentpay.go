// Package agentpay implements a payment-gated tool gateway: priced
// verification lookups are monetized per call with on-chain
// micropayments instead of API keys, behind a challenge/settle/verify
// protocol and a durable conversation log.
package agentpay

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/vitwit/agentpay/agent"
	"github.com/vitwit/agentpay/api"
	"github.com/vitwit/agentpay/config"
	"github.com/vitwit/agentpay/conversations"
	"github.com/vitwit/agentpay/ledger"
	"github.com/vitwit/agentpay/logger"
	"github.com/vitwit/agentpay/metrics"
	"github.com/vitwit/agentpay/redemption"
	"github.com/vitwit/agentpay/registry"
	"github.com/vitwit/agentpay/tools"
	"github.com/vitwit/agentpay/types"
	"github.com/vitwit/agentpay/verification"
)

// Gateway is the assembled system: catalog, challenge issuer, settlement
// verifier, conversation store, orchestrator, and HTTP server.
type Gateway struct {
	cfg      *config.Config
	log      logger.Logger
	rec      metrics.Recorder
	registry *prometheus.Registry

	ledgerClient ledger.Client
	redeemed     redemption.Set
	invoker      tools.Invoker

	store  *conversations.Store
	server *api.Server
}

// New assembles a gateway from configuration. Collaborators not
// overridden by options are constructed from the config: an EVM RPC
// client, a SQLite or Redis redemption set, and an HTTP tool invoker.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		cfg: cfg,
		log: logger.NewZapLogger(cfg.Log.Level),
		rec: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	if cfg.Metrics.Enabled && g.registry == nil {
		g.registry = prometheus.NewRegistry()
		g.rec = metrics.NewPrometheusRecorder(g.registry)
	}

	catalog, err := tools.NewCatalog(cfg.Tools)
	if err != nil {
		return nil, err
	}
	issuer := tools.NewChallengeIssuer(catalog, cfg.Payments.ReceivingAddress, cfg.Payments.ChallengeWindow)

	if g.ledgerClient == nil {
		client, err := ledger.NewEVMClient(ctx, cfg.Ledger.RPCURL, cfg.Ledger.Timeout)
		if err != nil {
			return nil, fmt.Errorf("connect ledger rpc: %w", err)
		}
		g.ledgerClient = client
	}

	if g.redeemed == nil {
		set, err := openRedemptionSet(cfg.Storage.Redemptions)
		if err != nil {
			g.ledgerClient.Close()
			return nil, err
		}
		g.redeemed = set
	}

	verifier := verification.NewVerifier(
		g.ledgerClient, g.redeemed, cfg.Ledger.MinConfirmations,
		verification.WithRetry(cfg.Ledger.RetryCount, 500*time.Millisecond),
		verification.WithLogger(g.log),
	)

	if g.invoker == nil {
		g.invoker = tools.NewHTTPInvoker(cfg.Ledger.Timeout)
	}

	store, err := conversations.Open(cfg.Storage.ConversationsPath, conversations.WithLogger(g.log))
	if err != nil {
		g.Close()
		return nil, err
	}
	g.store = store

	orchestrator := agent.NewOrchestrator(
		catalog, issuer, verifier, g.invoker, store,
		agent.WithLogger(g.log),
		agent.WithMetrics(g.rec),
	)

	serverOpts := []api.Option{
		api.WithLogger(g.log),
		api.WithUnscopedList(cfg.Server.AllowUnscopedList),
	}
	if g.registry != nil {
		serverOpts = append(serverOpts, api.WithMetricsHandler(g.registry))
	}
	g.server = api.NewServer(cfg.Server.Address, orchestrator, store, catalog, serverOpts...)

	return g, nil
}

func openRedemptionSet(cfg config.RedemptionConfig) (redemption.Set, error) {
	switch cfg.Driver {
	case "memory":
		return redemption.NewMemorySet(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		return redemption.NewRedisSet(client), nil
	case "sqlite":
		return redemption.OpenSQLite(cfg.Path)
	default:
		return nil, &types.Error{
			Code:    types.ErrConfig,
			Message: fmt.Sprintf("unknown redemption driver %q", cfg.Driver),
		}
	}
}

// RegistryClient builds the identity/reputation client from config.
func (g *Gateway) RegistryClient() *registry.Client {
	return registry.NewClient(g.cfg.Registry.IdentityURL, g.cfg.Registry.ReputationURL, registry.WithLogger(g.log))
}

// Run serves HTTP until the context is cancelled, then drains.
func (g *Gateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- g.server.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), g.cfg.Ledger.Timeout)
	defer cancel()
	if err := g.server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// Close releases every collaborator the gateway owns.
func (g *Gateway) Close() {
	if g.store != nil {
		g.store.Close()
	}
	if g.redeemed != nil {
		g.redeemed.Close()
	}
	if g.ledgerClient != nil {
		g.ledgerClient.Close()
	}
}
