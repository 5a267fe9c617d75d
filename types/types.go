// Package types defines the shared data model for the agentpay payment-gated
// tool gateway: tool descriptors, payment challenges, settlement proofs,
// conversation records, and the wire shapes exchanged with callers.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolDescriptor describes one priced, schema-validated tool entry.
// Descriptors are immutable after catalog load.
type ToolDescriptor struct {
	ID           string          `json:"id" yaml:"id" validate:"required"`
	Name         string          `json:"name" yaml:"name" validate:"required"`
	Endpoint     string          `json:"endpoint" yaml:"endpoint" validate:"required,url"`
	HTTPMethod   string          `json:"httpMethod" yaml:"http_method" validate:"required,oneof=GET POST"`
	Price        string          `json:"price" yaml:"price"`
	Currency     string          `json:"currency" yaml:"currency"`
	Parameters   ParameterSchema `json:"parameters" yaml:"parameters"`
	Jurisdiction string          `json:"jurisdiction,omitempty" yaml:"jurisdiction,omitempty"`
}

// ParameterSchema mirrors the declared parameter schema of the downstream
// service: property names with human descriptions plus the required subset.
type ParameterSchema struct {
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required   []string          `json:"required,omitempty" yaml:"required,omitempty"`
}

// Priced reports whether invoking the tool demands payment.
func (t *ToolDescriptor) Priced() bool {
	if t.Price == "" {
		return false
	}
	d, err := decimal.NewFromString(t.Price)
	return err == nil && d.IsPositive()
}

// PriceDecimal returns the configured price as a decimal, or zero for free
// tools and unparsable prices.
func (t *ToolDescriptor) PriceDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(t.Price)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// PaymentChallenge is a structured demand for payment. Challenges are
// ephemeral: derived on demand from the descriptor and request context,
// never persisted, and unsatisfiable once the request id is redeemed or
// the expiry window lapses.
type PaymentChallenge struct {
	ToolID           string    `json:"tool_id"`
	Price            string    `json:"price"`
	Currency         string    `json:"currency"`
	ReceivingAddress string    `json:"receiving_address"`
	RequestID        string    `json:"request_id"`
	Expiry           time.Time `json:"expiry"`
}

// SettlementProof is caller-supplied evidence that payment was made.
// Validated against the ledger, never trusted.
type SettlementProof struct {
	ChainTxHash   string `json:"chain_tx_hash"`
	ClaimedPayer  string `json:"claimed_payer,omitempty"`
	ClaimedAmount string `json:"claimed_amount,omitempty"`
}

// ToolCall records which tool a message invoked and with what parameters.
type ToolCall struct {
	ToolID string         `json:"tool_id"`
	Params map[string]any `json:"params,omitempty"`
}

// Message is a single conversation entry. PaymentRef, when set, binds a
// tool result to the settlement transaction that paid for it.
type Message struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	ToolCall   *ToolCall `json:"tool_call,omitempty"`
	PaymentRef string    `json:"payment_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Conversation is a durable, append-only, insertion-ordered message log.
// Once Owner is set it never changes.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// ConversationSummary is the list-view projection of a conversation.
type ConversationSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Owner        string    `json:"owner,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ChatRequest is one inbound conversation turn. Mode selects a catalog
// tool; plain turns leave it empty. PaymentReference plus RequestID carry
// the settlement proof for a previously issued challenge; RequestID may be
// omitted, in which case it is recovered from the transaction calldata.
type ChatRequest struct {
	Message          string `json:"message"`
	ConversationID   string `json:"conversation_id,omitempty"`
	Mode             string `json:"mode,omitempty"`
	PaymentReference string `json:"payment_reference,omitempty"`
	PaymentAmount    string `json:"payment_amount,omitempty"`
	RequestID        string `json:"request_id,omitempty"`
	AuthToken        string `json:"auth_token,omitempty"`
}

// Validate checks the fields required before any side effect.
func (r *ChatRequest) Validate() error {
	if r.Message == "" {
		return &Error{Code: ErrValidation, Message: "message is required"}
	}
	return nil
}

// ChatResponse is the reply for one turn.
type ChatResponse struct {
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	ToolCall       *ToolCall      `json:"tool_call,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	ConversationID string         `json:"conversation_id"`
}

// PaymentRequiredResponse is the structured challenge returned to a caller
// that invoked a priced tool without proof of settlement.
type PaymentRequiredResponse struct {
	Status           string `json:"status"`
	ToolID           string `json:"tool_id"`
	Price            string `json:"price"`
	Currency         string `json:"currency"`
	ReceivingAddress string `json:"receiving_address"`
	RequestID        string `json:"request_id"`
}

// StatusPaymentRequired is the status discriminator of a challenge response.
const StatusPaymentRequired = "payment_required"

// NewPaymentRequired converts a challenge into its wire shape.
func NewPaymentRequired(c PaymentChallenge) *PaymentRequiredResponse {
	return &PaymentRequiredResponse{
		Status:           StatusPaymentRequired,
		ToolID:           c.ToolID,
		Price:            c.Price,
		Currency:         c.Currency,
		ReceivingAddress: c.ReceivingAddress,
		RequestID:        c.RequestID,
	}
}

// Error is the unified error type. Code is stable so agents can branch
// programmatically; Data carries structured detail such as a rejection
// reason or the transaction hash of a payment that fulfilled nothing.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Stable error codes, one per branch of the error taxonomy.
const (
	ErrValidation         = "VALIDATION_ERROR"
	ErrNotFound           = "NOT_FOUND"
	ErrUnknownTool        = "UNKNOWN_TOOL"
	ErrPaymentRequired    = "PAYMENT_REQUIRED"
	ErrSettlementRejected = "SETTLEMENT_REJECTED"
	ErrUpstreamService    = "UPSTREAM_SERVICE_ERROR"
	ErrWallet             = "WALLET_ERROR"
	ErrInvalidRating      = "INVALID_RATING"
	ErrNetwork            = "NETWORK_ERROR"
	ErrConfig             = "CONFIG_ERROR"
)

// Rejection reasons attached to SETTLEMENT_REJECTED errors. A rejection
// is distinct from a fresh challenge so callers do not loop blindly
// re-submitting the same payment.
const (
	RejectNotFound           = "not_found"
	RejectWrongRecipient     = "wrong_recipient"
	RejectInsufficientAmount = "insufficient_amount"
	RejectAlreadyRedeemed    = "already_redeemed"
)

// CodeOf extracts the stable code from an error, or empty when err is not
// a *types.Error.
func CodeOf(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
