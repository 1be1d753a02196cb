package vault

import "context"

type custodyFrameKey struct{}

// withCustodyFrame 标记 ctx 处于托管转账调用期间。金库的写操作看到该标记时直接拒绝，
// 读操作则跳过读锁，直接读取已提交的状态。
func withCustodyFrame(ctx context.Context, op string) context.Context {
	return context.WithValue(ctx, custodyFrameKey{}, op)
}

func inCustodyCall(ctx context.Context) bool {
	_, ok := ctx.Value(custodyFrameKey{}).(string)
	return ok
}

// readLock 获取读锁；托管转账期间的回调已处于写锁保护下，不能再次加锁。
func (v *Vault) readLock(ctx context.Context) func() {
	if inCustodyCall(ctx) {
		return func() {}
	}
	v.mu.RLock()
	return v.mu.RUnlock
}
