package events

import (
	"context"
	"errors"
)

// Fanout 将事件发布到多个下游，任何一个失败都会返回合并后的错误，
// 但不会阻止其余下游收到事件。
type Fanout []Publisher

// Publish 实现 Publisher。
func (f Fanout) Publish(ctx context.Context, event Event) error {
	var err error
	for _, p := range f {
		err = errors.Join(err, p.Publish(ctx, event))
	}
	return err
}

// Close 实现 Publisher。
func (f Fanout) Close() error {
	var err error
	for _, p := range f {
		err = errors.Join(err, p.Close())
	}
	return err
}
