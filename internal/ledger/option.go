package ledger

import (
	"bytes"
	"encoding/json"
)

// Option 表示一个可能缺省的字段。缺省与零值是两种不同的状态，
// 例如显式提交的全零唯一性键与未提交唯一性键不可混淆。
type Option[T any] struct {
	value T
	ok    bool
}

// Some 构造一个存在值的 Option。
func Some[T any](value T) Option[T] {
	return Option[T]{value: value, ok: true}
}

// None 构造一个缺省的 Option。
func None[T any]() Option[T] {
	return Option[T]{}
}

// Get 返回值以及是否存在。
func (o Option[T]) Get() (T, bool) {
	return o.value, o.ok
}

// IsSome 判断值是否存在。
func (o Option[T]) IsSome() bool {
	return o.ok
}

// MarshalJSON 将缺省值编码为 null。
func (o Option[T]) MarshalJSON() ([]byte, error) {
	if !o.ok {
		return []byte("null"), nil
	}
	return json.Marshal(o.value)
}

// UnmarshalJSON 将 null 解码为缺省值。
func (o *Option[T]) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = Option[T]{}
		return nil
	}
	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		return err
	}
	*o = Some(value)
	return nil
}
