package redis

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
)

const suppressionSetKey = "suppressions"

// SuppressionCache mirrors the suppression list into a Redis set so the
// enqueue and dispatch hot paths avoid a database round trip.
type SuppressionCache struct {
	client *goredis.Client
	key    string
}

func NewSuppressionCache(client *goredis.Client) (*SuppressionCache, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &SuppressionCache{client: client, key: suppressionSetKey}, nil
}

func (c *SuppressionCache) Contains(ctx context.Context, address string) (bool, error) {
	found, err := c.client.SIsMember(ctx, c.key, address).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check suppression cache: %w", err)
	}
	return found, nil
}

func (c *SuppressionCache) Add(ctx context.Context, addresses ...string) error {
	if len(addresses) == 0 {
		return nil
	}
	members := make([]any, 0, len(addresses))
	for _, address := range addresses {
		members = append(members, address)
	}
	if err := c.client.SAdd(ctx, c.key, members...).Err(); err != nil {
		return fmt.Errorf("failed to add to suppression cache: %w", err)
	}
	return nil
}

func (c *SuppressionCache) Remove(ctx context.Context, address string) error {
	if err := c.client.SRem(ctx, c.key, address).Err(); err != nil {
		return fmt.Errorf("failed to remove from suppression cache: %w", err)
	}
	return nil
}
