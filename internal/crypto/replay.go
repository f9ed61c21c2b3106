// =============================================================================
// 文件: internal/crypto/replay.go
// 描述: 防重放保护 - 轮换的布隆过滤器时间片
// =============================================================================

package crypto

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	// 布隆过滤器参数
	bloomExpectedItems = 50000
	bloomFalsePositive = 0.0001

	// 时间片: 只记住最近 guardSlices * guardSliceDuration 内的 Nonce,
	// 更老的重放由密钥窗口轮换挡掉
	guardSliceDuration = 30 * time.Second
	guardSlices        = 6
)

// ReplayGuard 防重放保护器
//
// Nonce 写入当前时间片的布隆过滤器, 检查扫描全部存活时间片。
// 布隆误报会把极少量合法数据报当成重放丢弃, 数据报信道本身有损,
// 丢弃由上层的修复循环弥补。
type ReplayGuard struct {
	slices [guardSlices]*bloom.BloomFilter
	cursor int

	mu    sync.RWMutex
	stats ReplayStats

	stopCh   chan struct{}
	stopOnce sync.Once
}

// ReplayStats 统计信息
type ReplayStats struct {
	TotalChecks   uint64
	ReplayBlocked uint64
}

// NewReplayGuard 创建防重放保护器
func NewReplayGuard() *ReplayGuard {
	rg := &ReplayGuard{stopCh: make(chan struct{})}
	for i := range rg.slices {
		rg.slices[i] = bloom.NewWithEstimates(bloomExpectedItems, bloomFalsePositive)
	}
	go rg.rotateLoop()
	return rg
}

// CheckOnly 检查 nonce 是否已见过, 不标记
// 返回 true 表示未见过
func (rg *ReplayGuard) CheckOnly(nonce []byte) bool {
	atomic.AddUint64(&rg.stats.TotalChecks, 1)

	rg.mu.RLock()
	defer rg.mu.RUnlock()

	for _, s := range rg.slices {
		if s.Test(nonce) {
			atomic.AddUint64(&rg.stats.ReplayBlocked, 1)
			return false
		}
	}
	return true
}

// Mark 标记一个 nonce 为已见
// 只在数据报通过认证后调用, 伪造包不得污染过滤器
func (rg *ReplayGuard) Mark(nonce []byte) {
	rg.mu.Lock()
	rg.slices[rg.cursor].Add(nonce)
	rg.mu.Unlock()
}

// CheckAndMark 检查并标记, 返回 true 表示是新 nonce
func (rg *ReplayGuard) CheckAndMark(nonce []byte) bool {
	atomic.AddUint64(&rg.stats.TotalChecks, 1)

	rg.mu.Lock()
	defer rg.mu.Unlock()

	for _, s := range rg.slices {
		if s.Test(nonce) {
			atomic.AddUint64(&rg.stats.ReplayBlocked, 1)
			return false
		}
	}
	rg.slices[rg.cursor].Add(nonce)
	return true
}

// Stats 统计快照
func (rg *ReplayGuard) Stats() ReplayStats {
	return ReplayStats{
		TotalChecks:   atomic.LoadUint64(&rg.stats.TotalChecks),
		ReplayBlocked: atomic.LoadUint64(&rg.stats.ReplayBlocked),
	}
}

// Close 停止轮换协程
func (rg *ReplayGuard) Close() {
	rg.stopOnce.Do(func() { close(rg.stopCh) })
}

// rotateLoop 周期推进时间片, 最老的过滤器清空复用
func (rg *ReplayGuard) rotateLoop() {
	ticker := time.NewTicker(guardSliceDuration)
	defer ticker.Stop()

	for {
		select {
		case <-rg.stopCh:
			return
		case <-ticker.C:
			rg.mu.Lock()
			rg.cursor = (rg.cursor + 1) % guardSlices
			rg.slices[rg.cursor].ClearAll()
			rg.mu.Unlock()
		}
	}
}
