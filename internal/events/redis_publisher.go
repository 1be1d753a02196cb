package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	xerrors "PoF-Vault/internal/errors"
)

// RedisConfig 描述 Redis 事件列表的连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	List     string `json:"list"`
	MaxLen   int64  `json:"max_len"`
}

// RedisPublisher 将事件以 JSON 形式 LPUSH 到 Redis list，下游用 BRPOP 消费。
type RedisPublisher struct {
	client *redis.Client
	list   string
	maxLen int64
}

// NewRedisPublisher 创建 Redis 事件发布器。
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	list := cfg.List
	if list == "" {
		list = "pof:events"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisPublisher{client: client, list: list, maxLen: cfg.MaxLen}, nil
}

// Publish 实现 Publisher。
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码事件失败")
	}
	pipe := p.client.TxPipeline()
	pipe.LPush(ctx, p.list, payload)
	if p.maxLen > 0 {
		pipe.LTrim(ctx, p.list, 0, p.maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(xerrors.CodePublishFailure, err, "Redis 发布事件失败")
	}
	return nil
}

// Pop 从列表尾部取出最早的事件，列表为空时返回 false。
func (p *RedisPublisher) Pop(ctx context.Context) (Event, bool, error) {
	raw, err := p.client.RPop(ctx, p.list).Bytes()
	if errors.Is(err, redis.Nil) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, fmt.Errorf("Redis 取事件失败: %w", err)
	}
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return Event{}, false, fmt.Errorf("解析事件失败: %w", err)
	}
	return event, true, nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}
