package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	xerrors "Orca-Escrow/internal/errors"
)

// RedisNonceStoreConfig 描述 Redis nonce 存储的连接参数。
type RedisNonceStoreConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	// TTL 控制消费标记的保留时长。授权的 validBefore 过期后
	// nonce 不可能再通过校验，标记可以安全回收；零值表示永久保留。
	TTL time.Duration
}

// RedisNonceStore 用 Redis SETNX 记录已消费的 nonce，
// 多实例部署下共享同一份消费状态。
type RedisNonceStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisNonceStore 创建 RedisNonceStore。
func NewRedisNonceStore(cfg RedisNonceStoreConfig) (*RedisNonceStore, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "escrow:nonce:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisNonceStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

func (s *RedisNonceStore) key(nonce common.Hash) string {
	return s.prefix + nonce.Hex()
}

// Consume 以 SETNX 原子地标记 nonce 已消费；键已存在返回 ErrAlreadyUsed。
func (s *RedisNonceStore) Consume(ctx context.Context, nonce common.Hash) error {
	ok, err := s.client.SetNX(ctx, s.key(nonce), 1, s.ttl).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记 nonce 消费失败")
	}
	if !ok {
		return ErrAlreadyUsed
	}
	return nil
}

// Release 撤销一次消费，仅在同一操作的资金拉取失败时由引擎调用。
func (s *RedisNonceStore) Release(ctx context.Context, nonce common.Hash) error {
	if err := s.client.Del(ctx, s.key(nonce)).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "撤销 nonce 消费失败")
	}
	return nil
}

// Consumed 查询 nonce 是否已消费。
func (s *RedisNonceStore) Consumed(ctx context.Context, nonce common.Hash) (bool, error) {
	count, err := s.client.Exists(ctx, s.key(nonce)).Result()
	if err != nil {
		return false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 nonce 状态失败")
	}
	return count > 0, nil
}

// Close 关闭 Redis 连接。
func (s *RedisNonceStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// ensure interface compliance at compile time
var _ NonceStore = (*RedisNonceStore)(nil)
