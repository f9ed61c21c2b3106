// =============================================================================
// 文件: internal/link/watchdog.go
// 描述: 看门狗定时器 - 能力接口 + 修复扫描/握手两个具体实现
// =============================================================================
package link

import (
	"sync"
	"time"
)

// TimerHandle 已调度定时器的句柄, Cancel 幂等
type TimerHandle interface {
	Cancel()
}

// Scheduler 外部定时器基座
// 间隔与期限通过函数提供, 每次 (重新) 调度时取值
type Scheduler interface {
	// ScheduleRepeating 周期触发, fire 在调度器自己的协程上执行
	ScheduleRepeating(interval func() time.Duration, fire func()) (TimerHandle, error)

	// ScheduleOneShot 自调度时刻起的一次性期限
	ScheduleOneShot(delay func() time.Duration, expire func()) (TimerHandle, error)
}

// Watchdog 看门狗能力接口
// 实现者持有对协议引擎的非拥有回指, 仅在 Join 与 Leave 之间有效
type Watchdog interface {
	NextInterval() time.Duration
	OnInterval()
}

// TimeoutWatchdog 额外携带一次性超时的看门狗
type TimeoutWatchdog interface {
	Watchdog
	NextTimeout() time.Duration
	OnTimeout()
}

// watchdogHandle 把周期定时器和可选的一次性定时器绑成一个可取消单元
type watchdogHandle struct {
	repeat  TimerHandle
	timeout TimerHandle
	once    sync.Once
}

// Cancel 取消全部底层定时器, 幂等
func (h *watchdogHandle) Cancel() {
	h.once.Do(func() {
		if h.repeat != nil {
			h.repeat.Cancel()
		}
		if h.timeout != nil {
			h.timeout.Cancel()
		}
	})
}

// scheduleWatchdog 在调度器上启动一个看门狗
// 实现了 TimeoutWatchdog 的额外挂一次性超时; 任一步失败则整体回退
func scheduleWatchdog(s Scheduler, w Watchdog) (*watchdogHandle, error) {
	repeat, err := s.ScheduleRepeating(w.NextInterval, w.OnInterval)
	if err != nil {
		return nil, err
	}

	h := &watchdogHandle{repeat: repeat}

	if tw, ok := w.(TimeoutWatchdog); ok {
		timeout, err := s.ScheduleOneShot(tw.NextTimeout, tw.OnTimeout)
		if err != nil {
			repeat.Cancel()
			return nil, err
		}
		h.timeout = timeout
	}
	return h, nil
}

// =============================================================================
// 具体看门狗
// =============================================================================

// nakWatchdog 修复扫描: 先清理过期 NAK, 再对有缺口的远端发修复请求
type nakWatchdog struct {
	link *ReliableLink
}

func (w *nakWatchdog) NextInterval() time.Duration {
	return w.link.cfg.NakInterval
}

func (w *nakWatchdog) OnInterval() {
	// 先过期后扫描: 过期清理防止对失联远端的 NAK 风暴
	w.link.ExpireNaks()
	w.link.SendNaks()
}

// synWatchdog 握手: 周期重发请求, 一次性期限后放弃
type synWatchdog struct {
	link *ReliableLink
}

func (w *synWatchdog) NextInterval() time.Duration {
	return w.link.cfg.SynInterval
}

func (w *synWatchdog) OnInterval() {
	w.link.sendSyn()
}

func (w *synWatchdog) NextTimeout() time.Duration {
	return w.link.cfg.SynTimeout
}

func (w *synWatchdog) OnTimeout() {
	w.link.handshakeTimedOut()
}
