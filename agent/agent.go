// Package agent runs the per-turn control loop: the payment-gated
// invocation state machine that loads session context, issues challenges,
// verifies settlements, invokes downstream services, and persists turns.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vitwit/agentpay/conversations"
	"github.com/vitwit/agentpay/logger"
	"github.com/vitwit/agentpay/metrics"
	"github.com/vitwit/agentpay/tools"
	"github.com/vitwit/agentpay/types"
	"github.com/vitwit/agentpay/verification"
)

// TurnResult is the outcome of one turn. Exactly one of Response and
// Challenge is set: a challenge is a demand for payment, not a failure.
type TurnResult struct {
	Response  *types.ChatResponse
	Challenge *types.PaymentRequiredResponse
}

// Orchestrator drives the invocation state machine. Turns for distinct
// conversations run fully in parallel; the store and the redemption set
// provide the only cross-turn mutual exclusion.
type Orchestrator struct {
	catalog  *tools.Catalog
	issuer   *tools.ChallengeIssuer
	verifier *verification.Verifier
	invoker  tools.Invoker
	store    *conversations.Store
	log      logger.Logger
	rec      metrics.Recorder
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger attaches a logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) { o.log = l.Named("agent") }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(r metrics.Recorder) Option {
	return func(o *Orchestrator) { o.rec = r }
}

// NewOrchestrator wires the turn loop.
func NewOrchestrator(catalog *tools.Catalog, issuer *tools.ChallengeIssuer, verifier *verification.Verifier, invoker tools.Invoker, store *conversations.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		catalog:  catalog,
		issuer:   issuer,
		verifier: verifier,
		invoker:  invoker,
		store:    store,
		log:      logger.NoopLogger{},
		rec:      metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// HandleTurn processes one inbound turn.
//
// A priced tool call without proof short-circuits into a challenge: no
// downstream call, no persisted record, because challenges are stateless
// and re-derivable. A turn with proof is verified before anything else
// happens; rejection surfaces the reason so callers do not blindly
// re-submit the same payment. Free tools and plain chat go straight to
// fulfillment.
func (o *Orchestrator) HandleTurn(ctx context.Context, req *types.ChatRequest) (*TurnResult, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	toolID := strings.TrimSpace(req.Mode)
	if toolID == "" {
		return o.plainTurn(ctx, req)
	}

	descriptor, err := o.catalog.Get(toolID)
	if err != nil {
		return nil, err
	}
	params, err := o.parseParams(descriptor, req.Message)
	if err != nil {
		return nil, err
	}

	var paymentRef string
	if descriptor.Priced() {
		if req.PaymentReference == "" {
			challenge, err := o.issuer.Issue(descriptor.ID)
			if err != nil {
				return nil, err
			}
			o.rec.IncCounter("challenge_issued", map[string]string{"tool": descriptor.ID})
			o.log.Info("payment challenge issued", map[string]any{
				"tool":    descriptor.ID,
				"request": challenge.RequestID,
				"price":   challenge.Price,
			})
			return &TurnResult{Challenge: types.NewPaymentRequired(challenge)}, nil
		}

		result, err := o.verifySettlement(ctx, descriptor.ID, req)
		if err != nil {
			return nil, err
		}
		if !result.Confirmed {
			o.rec.IncCounter("settlement_rejected", map[string]string{"tool": descriptor.ID})
			return nil, &types.Error{
				Code:    types.ErrSettlementRejected,
				Message: fmt.Sprintf("settlement rejected: %s", result.Reason),
				Data: map[string]any{
					"reason":  result.Reason,
					"tx_hash": req.PaymentReference,
				},
			}
		}
		paymentRef = req.PaymentReference
		o.rec.IncCounter("settlement_confirmed", map[string]string{"tool": descriptor.ID})
		o.log.Info("settlement confirmed", map[string]any{
			"tool":          descriptor.ID,
			"tx":            paymentRef,
			"payer":         result.Payer,
			"confirmations": result.Confirmations,
		})
	}

	conv, created, err := o.loadOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}

	data, err := o.invoker.Invoke(ctx, descriptor, params)
	if err != nil {
		// Payment stays settled. The tx hash travels with the error
		// so the caller can correlate or escalate out of band.
		o.rec.IncCounter("fulfillment_failed", map[string]string{"tool": descriptor.ID})
		if paymentRef != "" {
			return nil, &types.Error{
				Code:    types.ErrUpstreamService,
				Message: fmt.Sprintf("downstream service failed after confirmed payment: %v", err),
				Data: map[string]any{
					"tx_hash": paymentRef,
					"tool_id": descriptor.ID,
				},
			}
		}
		return nil, err
	}

	toolCall := &types.ToolCall{ToolID: descriptor.ID, Params: params}
	content := renderResult(descriptor, data)
	pair := []types.Message{
		{Role: types.RoleUser, Content: req.Message, ToolCall: toolCall},
		{Role: types.RoleTool, Content: content, ToolCall: toolCall, PaymentRef: paymentRef},
	}
	if err := o.store.AppendMessages(ctx, conv.ID, pair); err != nil {
		if created {
			o.log.Error("persist failed for fresh conversation", map[string]any{
				"conversation": conv.ID,
				"error":        err.Error(),
			})
		}
		return nil, err
	}

	o.rec.ObserveLatency("turn", time.Since(start), map[string]string{"tool": descriptor.ID})
	return &TurnResult{Response: &types.ChatResponse{
		Role:           types.RoleTool,
		Content:        content,
		ToolCall:       toolCall,
		Data:           data,
		ConversationID: conv.ID,
	}}, nil
}

// plainTurn handles a non-tool message: the reply lists the priced
// catalog so agents can discover tools and their terms.
func (o *Orchestrator) plainTurn(ctx context.Context, req *types.ChatRequest) (*TurnResult, error) {
	start := time.Now()
	conv, _, err := o.loadOrCreate(ctx, req)
	if err != nil {
		return nil, err
	}

	content := o.catalogSummary()
	pair := []types.Message{
		{Role: types.RoleUser, Content: req.Message},
		{Role: types.RoleAssistant, Content: content},
	}
	if err := o.store.AppendMessages(ctx, conv.ID, pair); err != nil {
		return nil, err
	}

	o.rec.ObserveLatency("turn", time.Since(start), map[string]string{"tool": "chat"})
	return &TurnResult{Response: &types.ChatResponse{
		Role:           types.RoleAssistant,
		Content:        content,
		ConversationID: conv.ID,
	}}, nil
}

func (o *Orchestrator) verifySettlement(ctx context.Context, toolID string, req *types.ChatRequest) (*verification.Result, error) {
	challenge, err := o.issuer.Rebind(toolID, req.RequestID)
	if err != nil {
		return nil, err
	}
	proof := types.SettlementProof{
		ChainTxHash:   req.PaymentReference,
		ClaimedAmount: req.PaymentAmount,
	}
	return o.verifier.Verify(ctx, challenge, proof)
}

func (o *Orchestrator) loadOrCreate(ctx context.Context, req *types.ChatRequest) (*types.Conversation, bool, error) {
	if req.ConversationID != "" {
		conv, err := o.store.Get(ctx, req.ConversationID)
		return conv, false, err
	}
	conv, err := o.store.Create(ctx, req.AuthToken, req.Message)
	return conv, true, err
}

// parseParams extracts tool parameters from the message. A JSON object
// maps directly onto the schema. A plain message binds to the single
// required parameter when the schema declares exactly one; anything else
// must be explicit.
func (o *Orchestrator) parseParams(d types.ToolDescriptor, message string) (map[string]any, error) {
	trimmed := strings.TrimSpace(message)

	if strings.HasPrefix(trimmed, "{") {
		var params map[string]any
		if err := json.Unmarshal([]byte(trimmed), &params); err != nil {
			return nil, &types.Error{
				Code:    types.ErrValidation,
				Message: fmt.Sprintf("message is not a valid parameter object: %v", err),
			}
		}
		if err := tools.ValidateParams(d, params); err != nil {
			return nil, err
		}
		return params, nil
	}

	if len(d.Parameters.Required) == 1 {
		params := map[string]any{d.Parameters.Required[0]: trimmed}
		if err := tools.ValidateParams(d, params); err != nil {
			return nil, err
		}
		return params, nil
	}

	params := map[string]any{}
	if err := tools.ValidateParams(d, params); err != nil {
		return nil, err
	}
	return params, nil
}

func (o *Orchestrator) catalogSummary() string {
	descriptors := o.catalog.List()
	if len(descriptors) == 0 {
		return "No tools are configured."
	}

	var b strings.Builder
	b.WriteString("Available tools:\n")
	for _, d := range descriptors {
		if d.Priced() {
			fmt.Fprintf(&b, "- %s (%s): %s %s per call\n", d.ID, d.Name, d.Price, d.Currency)
		} else {
			fmt.Fprintf(&b, "- %s (%s): free\n", d.ID, d.Name)
		}
	}
	b.WriteString("Set \"mode\" to a tool id and supply its parameters in the message.")
	return b.String()
}

func renderResult(d types.ToolDescriptor, data map[string]any) string {
	if len(data) == 0 {
		return fmt.Sprintf("%s returned no data.", d.Name)
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s result:\n", d.Name)
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %v\n", k, data[k])
	}
	return strings.TrimRight(b.String(), "\n")
}
