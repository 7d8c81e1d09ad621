package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// PINStore mirrors live PIN claims into Redis. The in-process PIN table
// stays authoritative for routing; these keys exist so operators and sibling
// instances can see which PINs are in play.
type PINStore struct {
	client *redis.Client
}

func NewPINStore(client *redis.Client) *PINStore {
	return &PINStore{client: client}
}

func (s *PINStore) Reserve(ctx context.Context, pin, roomID string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key(pin), roomID, ttl).Err()
}

func (s *PINStore) Release(ctx context.Context, pin string) error {
	return s.client.Del(ctx, s.key(pin)).Err()
}

// RoomID reports the room currently holding a PIN, if any.
func (s *PINStore) RoomID(ctx context.Context, pin string) (string, bool) {
	roomID, err := s.client.Get(ctx, s.key(pin)).Result()
	if err != nil {
		return "", false
	}
	return roomID, true
}

func (s *PINStore) key(pin string) string {
	return "room:pin:" + pin
}
