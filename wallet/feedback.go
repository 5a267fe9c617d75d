package wallet

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vitwit/agentpay/registry"
	"github.com/vitwit/agentpay/types"
)

// SubmitFeedback writes a reputation attestation for agentID. A prior
// settlement reference, when supplied, is committed as a keccak256 hash
// so the attestation can be correlated to a payment without exposing the
// transaction itself. Ratings outside 1..5 fail before any network call.
func (w *Wallet) SubmitFeedback(ctx context.Context, rep registry.Reputation, agentID string, rating int, tags []string, comment, priorProofRef string) error {
	if rating < 1 || rating > 5 {
		return &types.Error{
			Code:    types.ErrInvalidRating,
			Message: fmt.Sprintf("rating %d is outside 1..5", rating),
		}
	}
	if agentID == "" {
		return &types.Error{Code: types.ErrValidation, Message: "agent id is required"}
	}

	fb := registry.Feedback{
		AgentID: agentID,
		Rating:  rating,
		Tags:    tags,
		Comment: comment,
	}
	if priorProofRef != "" {
		fb.ProofHash = crypto.Keccak256Hash([]byte(priorProofRef)).Hex()
	}
	return rep.SubmitFeedback(ctx, fb)
}
