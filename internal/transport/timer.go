// =============================================================================
// 文件: internal/transport/timer.go
// 描述: 定时器调度器 - 链路看门狗的运行时基座
// =============================================================================
package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/mrcgq/rmcast/internal/link"
)

// TickerScheduler 基于 time.Ticker / time.Timer 的调度器
//
// 关闭后拒绝新的调度请求 (链路加入依赖这个快速失败),
// 已发放的句柄仍可安全取消。
type TickerScheduler struct {
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	handles map[*tickerHandle]struct{}
}

// NewTickerScheduler 创建调度器
func NewTickerScheduler() *TickerScheduler {
	return &TickerScheduler{
		handles: make(map[*tickerHandle]struct{}),
	}
}

// tickerHandle 单个定时器的取消句柄
type tickerHandle struct {
	sched  *TickerScheduler
	stopCh chan struct{}
	once   sync.Once
}

// Cancel 停止定时器, 幂等
// 返回后定时器协程可能仍在收尾, 但不会再触发回调
func (h *tickerHandle) Cancel() {
	h.once.Do(func() {
		close(h.stopCh)
		h.sched.mu.Lock()
		delete(h.sched.handles, h)
		h.sched.mu.Unlock()
	})
}

// ScheduleRepeating 周期触发, fire 在独立协程上执行
func (s *TickerScheduler) ScheduleRepeating(interval func() time.Duration, fire func()) (link.TimerHandle, error) {
	h, err := s.register()
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(interval())
		defer ticker.Stop()

		for {
			select {
			case <-h.stopCh:
				return
			case <-ticker.C:
				fire()
				// 间隔可能随状态变化, 每轮重取
				ticker.Reset(interval())
			}
		}
	}()
	return h, nil
}

// ScheduleOneShot 自调度时刻起的一次性期限
func (s *TickerScheduler) ScheduleOneShot(delay func() time.Duration, expire func()) (link.TimerHandle, error) {
	h, err := s.register()
	if err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(delay())
		defer timer.Stop()

		select {
		case <-h.stopCh:
		case <-timer.C:
			expire()
			h.Cancel()
		}
	}()
	return h, nil
}

func (s *TickerScheduler) register() (*tickerHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("调度器已关闭")
	}
	h := &tickerHandle{sched: s, stopCh: make(chan struct{})}
	s.handles[h] = struct{}{}
	return h, nil
}

// Close 取消全部定时器并等待协程退出
func (s *TickerScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	pending := make([]*tickerHandle, 0, len(s.handles))
	for h := range s.handles {
		pending = append(pending, h)
	}
	s.mu.Unlock()

	for _, h := range pending {
		h.Cancel()
	}
	s.wg.Wait()
}
