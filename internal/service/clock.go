package service

import (
	"sync"
	"time"
)

// Clock 服务端单调时钟
//
// 返回值按微秒截断并严格递增，墙上时钟重复或回拨时顺延 1µs。
// 截断到微秒保证写入数据库（精度 6 位）后顺序不变。
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock 创建基于系统时间的单调时钟
func NewClock() *Clock {
	return NewClockWith(time.Now)
}

// NewClockWith 使用自定义时间源创建时钟，用于测试
func NewClockWith(now func() time.Time) *Clock {
	return &Clock{now: now}
}

// Now 返回下一个时间戳
func (c *Clock) Now() time.Time {
	t := c.now().UTC().Truncate(time.Microsecond)

	c.mu.Lock()
	defer c.mu.Unlock()
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
