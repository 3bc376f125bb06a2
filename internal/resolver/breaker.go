package resolver

import (
	"sync"
	"time"
)

// Breaker 在连续失败达到阈值后暂时跳过某个提供方。
type Breaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	probing   bool
	now       func() time.Time
}

// NewBreaker 创建熔断器，threshold 小于等于 0 时取 3。
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow 判断当前是否允许调用。冷却期结束后进入半开状态，只放行一个探测调用，
// 其结果通过 RecordSuccess、RecordFailure 或 Release 回报。
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return true
	}
	if b.probing || b.now().Sub(b.openedAt) < b.cooldown {
		return false
	}
	b.probing = true
	return true
}

// RecordFailure 记录一次失败，半开探测失败时重新开始冷却。
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.probing = false
	if b.failures >= b.threshold {
		b.openedAt = b.now()
	}
}

// RecordSuccess 清零失败计数并关闭熔断器。
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.openedAt = time.Time{}
}

// Release 归还未得出结论的探测名额，例如调用方已取消。
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

// Open 报告熔断器是否拒绝新的调用，不占用探测名额。
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.threshold {
		return false
	}
	return b.probing || b.now().Sub(b.openedAt) < b.cooldown
}
