package events

import (
	"context"
	"sync"
)

// MemoryPublisher 在内存中保存事件，主要用于测试和本地开发。
// 它同时实现 Publisher 与 Emitter，可以直接作为同步事件接收方使用。
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewMemoryPublisher 创建 MemoryPublisher。
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{notify: make(chan struct{}, 1)}
}

// Publish 实现 Publisher。
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.Emit(ctx, event)
	return nil
}

// Emit 实现 Emitter。
func (p *MemoryPublisher) Emit(_ context.Context, event Event) {
	p.mu.Lock()
	p.events = append(p.events, event)
	p.mu.Unlock()
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Events 返回已记录事件的副本。
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

// OfType 返回指定类型的事件。
func (p *MemoryPublisher) OfType(eventType Type) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Event
	for _, event := range p.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// Reset 清空已记录的事件。
func (p *MemoryPublisher) Reset() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}

// WaitFor 阻塞直到至少记录了 n 条事件或 ctx 结束。
func (p *MemoryPublisher) WaitFor(ctx context.Context, n int) bool {
	for {
		p.mu.Lock()
		count := len(p.events)
		p.mu.Unlock()
		if count >= n {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-p.notify:
		}
	}
}

// Close 实现 Publisher。
func (p *MemoryPublisher) Close() error {
	return nil
}
