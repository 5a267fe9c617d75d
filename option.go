package agentpay

import (
	"github.com/vitwit/agentpay/ledger"
	"github.com/vitwit/agentpay/logger"
	"github.com/vitwit/agentpay/metrics"
	"github.com/vitwit/agentpay/redemption"
	"github.com/vitwit/agentpay/tools"
)

type Option func(*Gateway)

func WithLogger(l logger.Logger) Option {
	return func(g *Gateway) {
		g.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(g *Gateway) {
		g.rec = r
	}
}

func WithLedgerClient(c ledger.Client) Option {
	return func(g *Gateway) {
		g.ledgerClient = c
	}
}

func WithRedemptionSet(s redemption.Set) Option {
	return func(g *Gateway) {
		g.redeemed = s
	}
}

func WithInvoker(i tools.Invoker) Option {
	return func(g *Gateway) {
		g.invoker = i
	}
}
