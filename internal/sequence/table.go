// =============================================================================
// 文件: internal/sequence/table.go
// 描述: 远端序列表 - PeerID 到 DisjointSequence 的惰性映射
// =============================================================================
package sequence

// PeerTable 远端序列表
//
// 条目在远端首次握手时创建, 在链路生命周期内不删除。
// 本结构不加锁, 由协议引擎独占持有并串行访问。
type PeerTable struct {
	trackers map[uint32]*DisjointSequence
}

// NewPeerTable 创建空表
func NewPeerTable() *PeerTable {
	return &PeerTable{
		trackers: make(map[uint32]*DisjointSequence),
	}
}

// Ensure 返回 peer 的跟踪器, 不存在时以 baseline 为低水位创建
// 对同一 peer 幂等: 重复握手不会重置已有跟踪器
func (t *PeerTable) Ensure(peer, baseline uint32) *DisjointSequence {
	if d, ok := t.trackers[peer]; ok {
		return d
	}
	d := NewDisjointSequence(baseline)
	t.trackers[peer] = d
	return d
}

// Lookup 查找 peer 的跟踪器, 未握手的远端返回 nil
func (t *PeerTable) Lookup(peer uint32) *DisjointSequence {
	return t.trackers[peer]
}

// Len 已跟踪远端数
func (t *PeerTable) Len() int {
	return len(t.trackers)
}

// Range 遍历全部条目, fn 返回 false 时提前终止
func (t *PeerTable) Range(fn func(peer uint32, d *DisjointSequence) bool) {
	for peer, d := range t.trackers {
		if !fn(peer, d) {
			return
		}
	}
}
