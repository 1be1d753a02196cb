package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	xerrors "PoF-Vault/internal/errors"
)

// Type 标识事件种类。
type Type string

const (
	TypeMinted               Type = "PoFMinted"
	TypeComplianceAttached   Type = "ComplianceAttached"
	TypeBurned               Type = "PoFBurned"
	TypeRevoked              Type = "PoFRevoked"
	TypeTransferred          Type = "PoFTransferred"
	TypeSoulboundChanged     Type = "SoulboundChanged"
	TypeOwnershipTransferred Type = "OwnershipTransferred"
	TypeAllowlistChanged     Type = "AllowlistChanged"
)

// Event 是已提交状态变更的通知，只在事务提交后产生。
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	RecordID   uint64            `json:"record_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// New 创建带唯一 ID 的事件。
func New(eventType Type, recordID uint64, attributes map[string]string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		RecordID:   recordID,
		Attributes: attributes,
		OccurredAt: time.Now().UTC(),
	}
}

// Emitter 接收事件。实现方不得阻塞调用方，也不得返回错误影响已提交的状态。
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

// Publisher 将事件投递到外部系统。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Discard 丢弃所有事件。
type Discard struct{}

// Emit 实现 Emitter。
func (Discard) Emit(context.Context, Event) {}

const CodeRelayClosed xerrors.Code = "EVENT_RELAY_CLOSED"

func init() {
	xerrors.Register(CodeRelayClosed, xerrors.Attributes{
		Message:  "event relay is closed",
		Severity: xerrors.SeverityWarning,
	})
}
