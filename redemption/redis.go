package redemption

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisSet backs the redemption record with Redis, for deployments that
// run more than one gateway instance against the same catalog. SetNX is
// the atomic check-and-insert; bindings are never overwritten or expired.
type RedisSet struct {
	client *redis.Client
	prefix string
}

// NewRedisSet wraps an existing Redis client. Keys are namespaced under
// "agentpay:redeemed:".
func NewRedisSet(client *redis.Client) *RedisSet {
	return &RedisSet{client: client, prefix: "agentpay:redeemed:"}
}

func (r *RedisSet) Redeem(ctx context.Context, txHash, requestID string) (Outcome, error) {
	key := r.prefix + normalizeHash(txHash)

	set, err := r.client.SetNX(ctx, key, requestID, 0).Result()
	if err != nil {
		return AlreadyRedeemedOther, err
	}
	if set {
		return Redeemed, nil
	}

	existing, err := r.client.Get(ctx, key).Result()
	if err != nil {
		return AlreadyRedeemedOther, err
	}
	if existing == requestID {
		return AlreadyRedeemedSame, nil
	}
	return AlreadyRedeemedOther, nil
}

func (r *RedisSet) Close() error {
	return r.client.Close()
}
