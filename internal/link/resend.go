// =============================================================================
// 文件: internal/link/resend.go
// 描述: 重发缓存 - 本端最近发出的数据报, 服务远端的修复请求
// =============================================================================
package link

import (
	"github.com/mrcgq/rmcast/internal/sequence"
)

const (
	// 单次修复请求允许检索的最大跨度, 防御恶意或损坏的区间
	maxRepairSpan = 4096
)

// ResendCache 按序列号检索的发送历史
//
// 缓存整个编码后的数据报, 重发即原样再发一次 (序列号不变)。
// 容量固定, 最老的条目被逐出; 被逐出的序列号在修复时报告为不可用。
// 不加锁, 由协议引擎在自己的互斥量下访问。
type ResendCache struct {
	capacity  int
	datagrams map[uint32][]byte
	order     []uint32 // FIFO 逐出顺序
}

// NewResendCache 创建重发缓存
func NewResendCache(capacity int) *ResendCache {
	if capacity < 1 {
		capacity = 1
	}
	return &ResendCache{
		capacity:  capacity,
		datagrams: make(map[uint32][]byte, capacity),
	}
}

// Store 记录一个已发出的数据报
func (c *ResendCache) Store(seq uint32, datagram []byte) {
	if _, exists := c.datagrams[seq]; exists {
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.datagrams, oldest)
	}
	c.datagrams[seq] = datagram
	c.order = append(c.order, seq)
}

// Retrieve 检索 [low, high] 内仍缓存的数据报
// found 为可重发的数据报 (序列号升序); missing 为不可用的子区间,
// 升序、互不相邻, 供 NAKACK 回复使用
func (c *ResendCache) Retrieve(low, high uint32) (found [][]byte, missing []sequence.SeqRange) {
	if high < low {
		return nil, nil
	}
	if uint64(high)-uint64(low)+1 > maxRepairSpan {
		// 跨度异常, 全部按不可用处理
		return nil, []sequence.SeqRange{{Low: low, High: high}}
	}

	var gapStart uint32
	inGap := false

	for seq := low; ; seq++ {
		if d, ok := c.datagrams[seq]; ok {
			if inGap {
				missing = append(missing, sequence.SeqRange{Low: gapStart, High: seq - 1})
				inGap = false
			}
			found = append(found, d)
		} else if !inGap {
			gapStart = seq
			inGap = true
		}
		if seq == high {
			break
		}
	}
	if inGap {
		missing = append(missing, sequence.SeqRange{Low: gapStart, High: high})
	}
	return found, missing
}

// Len 当前缓存条目数
func (c *ResendCache) Len() int {
	return len(c.datagrams)
}
