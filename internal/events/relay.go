package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "PoF-Vault/internal/errors"
	"PoF-Vault/pkg/logger"
)

// RelayConfig 控制异步投递的并发度与缓冲区。
type RelayConfig struct {
	Workers        int           `json:"workers"`
	Buffer         int           `json:"buffer"`
	PublishTimeout time.Duration `json:"-"`
}

// Metrics 接收投递结果计数。
type Metrics interface {
	EventPublished(eventType string)
	EventFailed(eventType string)
	EventDropped(eventType string)
}

type noopMetrics struct{}

func (noopMetrics) EventPublished(string) {}
func (noopMetrics) EventFailed(string)    {}
func (noopMetrics) EventDropped(string)   {}

// Relay 在事务提交后异步投递事件。Emit 不会阻塞调用方；缓冲区满时事件被丢弃并记录。
// 投递语义为至多一次。
type Relay struct {
	publisher Publisher
	queue     chan Event
	workers   int
	timeout   time.Duration
	metrics   Metrics
	log       *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// RelayOption 定制 Relay。
type RelayOption func(*Relay)

// WithMetrics 注册投递计数。
func WithMetrics(m Metrics) RelayOption {
	return func(r *Relay) {
		if m != nil {
			r.metrics = m
		}
	}
}

// NewRelay 创建 Relay，调用 Run 后开始投递。
func NewRelay(publisher Publisher, cfg RelayConfig, opts ...RelayOption) *Relay {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	r := &Relay{
		publisher: publisher,
		queue:     make(chan Event, cfg.Buffer),
		workers:   cfg.Workers,
		timeout:   cfg.PublishTimeout,
		metrics:   noopMetrics{},
		log:       logger.Named("events"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Emit 实现 Emitter。
func (r *Relay) Emit(_ context.Context, event Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(event, "relay closed")
		return
	}
	select {
	case r.queue <- event:
	default:
		r.drop(event, "buffer full")
	}
}

func (r *Relay) drop(event Event, why string) {
	r.metrics.EventDropped(string(event.Type))
	r.log.Warn("事件被丢弃",
		slog.String("event_id", event.ID),
		slog.String("event_type", string(event.Type)),
		slog.String("why", why),
	)
}

// Run 启动工作协程直到 ctx 结束，随后停止接收新事件并投递完缓冲区中的剩余事件。
func (r *Relay) Run(ctx context.Context) error {
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return xerrors.New(CodeRelayClosed, "")
	}

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for event := range r.queue {
				r.publish(event)
			}
		}()
	}

	<-ctx.Done()
	r.shutdown()
	wg.Wait()
	if err := r.publisher.Close(); err != nil {
		r.log.Warn("关闭事件发布器失败", slog.Any("error", err))
	}
	return nil
}

func (r *Relay) shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
}

func (r *Relay) publish(event Event) {
	// 使用独立 context，保证关闭时仍能投递缓冲区中的事件。
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.publisher.Publish(ctx, event); err != nil {
		r.metrics.EventFailed(string(event.Type))
		r.log.Error("事件投递失败",
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		return
	}
	r.metrics.EventPublished(string(event.Type))
}
