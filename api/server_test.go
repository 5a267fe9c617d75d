package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/agentpay/agent"
	"github.com/vitwit/agentpay/conversations"
	"github.com/vitwit/agentpay/ledger"
	"github.com/vitwit/agentpay/redemption"
	"github.com/vitwit/agentpay/tools"
	"github.com/vitwit/agentpay/types"
	"github.com/vitwit/agentpay/verification"
)

type stubLedger struct{}

func (stubLedger) Transaction(context.Context, common.Hash) (*ledger.TxInfo, error) {
	return nil, ledger.ErrTxNotFound
}
func (stubLedger) Balance(context.Context, common.Address) (*big.Int, error)      { return nil, nil }
func (stubLedger) EstimateGas(context.Context, ledger.CallMsg) (uint64, error)    { return 0, nil }
func (stubLedger) FeeData(context.Context) (*ledger.FeeData, error)               { return nil, nil }
func (stubLedger) PendingNonce(context.Context, common.Address) (uint64, error)   { return 0, nil }
func (stubLedger) ChainID(context.Context) (*big.Int, error)                      { return big.NewInt(1337), nil }
func (stubLedger) SendTransaction(context.Context, *coretypes.Transaction) error  { return errors.New("read-only") }
func (stubLedger) WaitForConfirmation(context.Context, common.Hash) (*coretypes.Receipt, error) {
	return nil, errors.New("read-only")
}
func (stubLedger) Close() {}

type stubInvoker struct{}

func (stubInvoker) Invoke(context.Context, types.ToolDescriptor, map[string]any) (map[string]any, error) {
	return map[string]any{"status": "ok"}, nil
}

func newTestServer(t *testing.T, opts ...Option) (*Server, *conversations.Store) {
	t.Helper()

	catalog, err := tools.NewCatalog([]types.ToolDescriptor{
		{
			ID: "cedula-lookup", Name: "Cedula Lookup",
			Endpoint: "https://verify.example.com/cedula", HTTPMethod: "POST",
			Price: "0.001", Currency: "AVAX",
			Parameters: types.ParameterSchema{Required: []string{"cedula"}},
		},
		{
			ID: "service-status", Name: "Service Status",
			Endpoint: "https://verify.example.com/status", HTTPMethod: "GET",
		},
	})
	require.NoError(t, err)

	store, err := conversations.Open(filepath.Join(t.TempDir(), "conversations.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	verifier := verification.NewVerifier(stubLedger{}, redemption.NewMemorySet(), 1)
	issuer := tools.NewChallengeIssuer(catalog, "0x1111111111111111111111111111111111111111", 10*time.Minute)
	orchestrator := agent.NewOrchestrator(catalog, issuer, verifier, stubInvoker{}, store)

	return NewServer(":0", orchestrator, store, catalog, opts...), store
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestChatReturnsChallengeWith402(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/chat", types.ChatRequest{
		Message: "12345678",
		Mode:    "cedula-lookup",
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var challenge types.PaymentRequiredResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &challenge))
	assert.Equal(t, types.StatusPaymentRequired, challenge.Status)
	assert.Equal(t, "0.001", challenge.Price)
	assert.NotEmpty(t, challenge.RequestID)
}

func TestChatFreeTool(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/chat", types.ChatRequest{
		Message: "ping",
		Mode:    "service-status",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp types.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ConversationID)
	assert.Equal(t, "ok", resp.Data["status"])
}

func TestChatRejectedSettlementIs402(t *testing.T) {
	s, _ := newTestServer(t)

	// The stub ledger knows no transactions, so any proof is not_found.
	rec := doJSON(t, s, http.MethodPost, "/api/v1/chat", types.ChatRequest{
		Message:          "12345678",
		Mode:             "cedula-lookup",
		PaymentReference: "0x" + strings.Repeat("ab", 32),
		RequestID:        "req-123",
	})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var body struct {
		Error *types.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	assert.Equal(t, types.ErrSettlementRejected, body.Error.Code)
}

func TestChatBadJSON(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTools(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tools []types.ToolDescriptor `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Tools, 2)
}

func TestConversationEndpoints(t *testing.T) {
	s, store := newTestServer(t)
	ctx := context.Background()

	conv, err := store.Create(ctx, "0xABC", "seed message")
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodGet, "/api/v1/conversations/"+conv.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/conversations/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, s, http.MethodPut, "/api/v1/conversations/"+conv.ID+"/title", map[string]string{"title": "Renamed"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/conversations?owner=0xabc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Conversations []types.ConversationSummary `json:"conversations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, "Renamed", list.Conversations[0].Title)

	rec = doJSON(t, s, http.MethodDelete, "/api/v1/conversations/"+conv.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUnscopedListGate(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/v1/conversations", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unscoped list denied by default")

	open, _ := newTestServer(t, WithUnscopedList(true))
	rec = doJSON(t, open, http.MethodGet, "/api/v1/conversations", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCleanupEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/conversations/cleanup?days=30", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/conversations/cleanup", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
