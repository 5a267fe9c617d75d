package tools

import (
	"time"

	"github.com/google/uuid"

	"github.com/vitwit/agentpay/types"
)

// ChallengeIssuer derives payment challenges for priced tool invocations.
// It is a pure function of the catalog and the gateway's receiving
// address: no challenge is ever stored, a lost challenge is simply
// re-derived with a fresh request id.
type ChallengeIssuer struct {
	catalog          *Catalog
	receivingAddress string
	window           time.Duration
	now              func() time.Time
}

// NewChallengeIssuer wires the issuer. window bounds how long a challenge
// remains satisfiable.
func NewChallengeIssuer(catalog *Catalog, receivingAddress string, window time.Duration) *ChallengeIssuer {
	return &ChallengeIssuer{
		catalog:          catalog,
		receivingAddress: receivingAddress,
		window:           window,
		now:              time.Now,
	}
}

// Issue produces a challenge for the given tool with a request id unique
// to this invocation attempt. Unknown tools fail with UNKNOWN_TOOL.
func (i *ChallengeIssuer) Issue(toolID string) (types.PaymentChallenge, error) {
	d, err := i.catalog.Get(toolID)
	if err != nil {
		return types.PaymentChallenge{}, err
	}

	return types.PaymentChallenge{
		ToolID:           d.ID,
		Price:            d.Price,
		Currency:         d.Currency,
		ReceivingAddress: i.receivingAddress,
		RequestID:        "req-" + uuid.NewString(),
		Expiry:           i.now().Add(i.window),
	}, nil
}

// Rebind reconstructs the challenge terms for a previously issued request
// id. Price and receiving address are re-derived from the catalog, which
// is what makes stateless challenges safe: the caller cannot negotiate
// them down by inventing a request id.
func (i *ChallengeIssuer) Rebind(toolID, requestID string) (types.PaymentChallenge, error) {
	d, err := i.catalog.Get(toolID)
	if err != nil {
		return types.PaymentChallenge{}, err
	}

	return types.PaymentChallenge{
		ToolID:           d.ID,
		Price:            d.Price,
		Currency:         d.Currency,
		ReceivingAddress: i.receivingAddress,
		RequestID:        requestID,
		Expiry:           i.now().Add(i.window),
	}, nil
}
