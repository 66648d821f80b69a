package schedule

import (
	"sync"
	"time"
)

// Clock 当前时间来源
type Clock interface {
	Now() time.Time
}

// SystemClock 使用系统时间
type SystemClock struct{}

// Now 返回系统当前时间
func (SystemClock) Now() time.Time {
	return time.Now()
}

// FixedClock 可手动推进的时钟，用于测试和离线计算
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock 创建固定时钟
func NewFixedClock(now time.Time) *FixedClock {
	return &FixedClock{now: now}
}

// NewFixedClockUnix 以Unix秒创建固定时钟
func NewFixedClockUnix(sec int64) *FixedClock {
	return NewFixedClock(time.Unix(sec, 0))
}

// Now 返回当前设定的时间
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set 设置时间
func (c *FixedClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Advance 推进时间
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// UnixNow 以Unix秒返回时钟时间，早于1970年的时间按0处理
func UnixNow(c Clock) uint64 {
	sec := c.Now().Unix()
	if sec < 0 {
		return 0
	}
	return uint64(sec)
}
