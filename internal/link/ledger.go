// =============================================================================
// 文件: internal/link/ledger.go
// 描述: 修复台账 - 按时间有序记录未答复的 NAK 请求
// =============================================================================
package link

import "time"

// nakEntry 一次 NAK 扫描在发出请求时的状态快照
type nakEntry struct {
	sentAt time.Time
	peer   uint32
	high   uint32 // 发出请求时该远端的高水位
}

// repairLedger 未答复修复请求的台账
//
// 条目按插入时间有序 (扫描定时器单调推进), 过期删除按前缀截断,
// 内存上界为一个 nakTimeout 窗口内的条目。
// 不加锁, 由协议引擎在自己的互斥量下访问。
type repairLedger struct {
	entries []nakEntry
}

func newRepairLedger() *repairLedger {
	return &repairLedger{}
}

// Add 追加一条台账记录
func (l *repairLedger) Add(at time.Time, peer, high uint32) {
	l.entries = append(l.entries, nakEntry{sentAt: at, peer: peer, high: high})
}

// ExpireBefore 删除并返回发出时间 <= deadline 的全部条目
func (l *repairLedger) ExpireBefore(deadline time.Time) []nakEntry {
	i := 0
	for i < len(l.entries) && !l.entries[i].sentAt.After(deadline) {
		i++
	}
	if i == 0 {
		return nil
	}
	expired := l.entries[:i]
	l.entries = l.entries[i:]
	return expired
}

// Len 未答复条目数
func (l *repairLedger) Len() int {
	return len(l.entries)
}
