package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	xerrors "Orca-Escrow/internal/errors"
	"Orca-Escrow/internal/escrow"
)

// RedisStreamConfig 描述 Redis 事件流的连接参数。
type RedisStreamConfig struct {
	Address  string
	Password string
	DB       int
	Key      string
}

// RedisStream 将审计事件以 JSON 推入 Redis list，
// 供外部对账或计费系统消费。
type RedisStream struct {
	client *redis.Client
	key    string
}

// NewRedisStream 创建 Redis 事件流实例。
func NewRedisStream(cfg RedisStreamConfig) (*RedisStream, error) {
	if cfg.Address == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	key := cfg.Key
	if key == "" {
		key = "escrow:events"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &RedisStream{client: client, key: key}, nil
}

// Emit 实现 escrow.Sink。
func (s *RedisStream) Emit(ctx context.Context, event escrow.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStreamFailure, err, "编码审计事件失败")
	}
	if err := s.client.LPush(ctx, s.key, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStreamFailure, err, "Redis 推送审计事件失败")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *RedisStream) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// RabbitStreamConfig 描述 RabbitMQ 事件流的连接参数。
type RabbitStreamConfig struct {
	URL        string
	Queue      string
	Durable    bool
	AutoDelete bool
}

// RabbitStream 将审计事件以 JSON 发布到 RabbitMQ 队列。
type RabbitStream struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitStream 创建 RabbitMQ 事件流实例。
func NewRabbitStream(cfg RabbitStreamConfig) (*RabbitStream, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "escrow.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &RabbitStream{conn: conn, ch: ch, queue: queue}, nil
}

// Emit 实现 escrow.Sink。
func (s *RabbitStream) Emit(ctx context.Context, event escrow.Event) error {
	if s == nil || s.ch == nil {
		return errors.New("RabbitMQ 事件流未初始化")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStreamFailure, err, "编码审计事件失败")
	}
	return s.ch.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
}

// Close 关闭 RabbitMQ 连接。
func (s *RabbitStream) Close() error {
	if s == nil {
		return nil
	}
	if s.ch != nil {
		_ = s.ch.Close()
	}
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

// ensure interface compliance at compile time
var (
	_ escrow.Sink = (*RedisStream)(nil)
	_ escrow.Sink = (*RabbitStream)(nil)
)
