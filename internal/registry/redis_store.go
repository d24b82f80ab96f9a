// internal/registry/redis_store.go
package registry

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	stderrors "poolguarantee/internal/common/errors"
)

// RedisStore is the shared-deployment Store. CompareAndSet runs under
// WATCH/MULTI so two orchestrator replicas racing on the same record cannot
// both win.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrKeyNotFound
		}
		return nil, stderrors.NewStoreUnavailableError(err)
	}
	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return stderrors.NewStoreUnavailableError(err)
	}
	return nil
}

func (s *RedisStore) CompareAndSet(ctx context.Context, key string, expected, value []byte) error {
	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			if expected != nil {
				return ErrCASConflict
			}
		case err != nil:
			return err
		default:
			if expected == nil || string(current) != string(expected) {
				return ErrCASConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, value, 0)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txn, key)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCASConflict) {
		return ErrCASConflict
	}
	// A concurrent write between WATCH and EXEC aborts the transaction; the
	// caller sees it as a plain conflict and re-reads.
	if errors.Is(err, redis.TxFailedErr) {
		return ErrCASConflict
	}
	return stderrors.NewStoreUnavailableError(err)
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return stderrors.NewStoreUnavailableError(err)
	}
	return nil
}
