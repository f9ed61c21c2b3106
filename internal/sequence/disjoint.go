// =============================================================================
// 文件: internal/sequence/disjoint.go
// 描述: 不相交序列号集合 - 记录单个远端的已收序列号并产出缺口区间
// =============================================================================
package sequence

// SeqRange 闭区间 [Low, High]
type SeqRange struct {
	Low  uint32
	High uint32
}

// Count 区间内序列号个数
func (r SeqRange) Count() uint64 {
	return uint64(r.High) - uint64(r.Low) + 1
}

// DisjointSequence 单个远端的接收状态
//
// low 是低水位: 所有 <= low 的序列号都已接收或被永久放弃。
// ranges 是 low 之上的已收区间, 升序、互不重叠、互不相邻。
// 归一化不变式: ranges[0].Low > low+1 (否则会被并入低水位),
// 因此 len(ranges) > 0 当且仅当存在缺口。
type DisjointSequence struct {
	low    uint32
	ranges []SeqRange
}

// NewDisjointSequence 以 baseline 为低水位创建
func NewDisjointSequence(baseline uint32) *DisjointSequence {
	return &DisjointSequence{low: baseline}
}

// Observe 记录一个序列号
// 返回 true 表示新序列号; false 表示重复 (<= 低水位或已记录), 无副作用
func (d *DisjointSequence) Observe(seq uint32) bool {
	if seq <= d.low {
		return false
	}

	// 定位第一个 High >= seq-1 的区间 (可能与 seq 合并)
	i := 0
	for i < len(d.ranges) && d.ranges[i].High+1 < seq {
		i++
	}

	switch {
	case i == len(d.ranges):
		// 在所有区间之后, 新开一个
		d.ranges = append(d.ranges, SeqRange{Low: seq, High: seq})

	case seq >= d.ranges[i].Low && seq <= d.ranges[i].High:
		// 已记录
		return false

	case seq == d.ranges[i].High+1:
		// 向右扩展, 可能与下一个区间接合
		d.ranges[i].High = seq
		if i+1 < len(d.ranges) && d.ranges[i+1].Low == seq+1 {
			d.ranges[i].High = d.ranges[i+1].High
			d.ranges = append(d.ranges[:i+1], d.ranges[i+2:]...)
		}

	case seq == d.ranges[i].Low-1:
		// 向左扩展
		d.ranges[i].Low = seq

	default:
		// 落在 i 区间之前的空洞里, 插入单点区间
		d.ranges = append(d.ranges, SeqRange{})
		copy(d.ranges[i+1:], d.ranges[i:])
		d.ranges[i] = SeqRange{Low: seq, High: seq}
	}

	d.normalize()
	return true
}

// normalize 把紧贴低水位的首区间并入低水位
func (d *DisjointSequence) normalize() {
	for len(d.ranges) > 0 && d.ranges[0].Low <= d.low+1 {
		if d.ranges[0].High > d.low {
			d.low = d.ranges[0].High
		}
		d.ranges = d.ranges[1:]
	}
}

// IsDisjoint 是否存在缺口 (低水位和最大已收号之间有未收号)
func (d *DisjointSequence) IsDisjoint() bool {
	return len(d.ranges) > 0
}

// LowWaterMark 低水位
func (d *DisjointSequence) LowWaterMark() uint32 {
	return d.low
}

// HighWaterMark 最大已观测序列号
func (d *DisjointSequence) HighWaterMark() uint32 {
	if len(d.ranges) > 0 {
		return d.ranges[len(d.ranges)-1].High
	}
	return d.low
}

// MissingRanges 产出低水位与最大已收号之间的全部缺口
// 区间升序、互不重叠、互不相邻
func (d *DisjointSequence) MissingRanges() []SeqRange {
	if len(d.ranges) == 0 {
		return nil
	}

	missing := make([]SeqRange, 0, len(d.ranges))
	prev := d.low
	for _, r := range d.ranges {
		missing = append(missing, SeqRange{Low: prev + 1, High: r.Low - 1})
		prev = r.High
	}
	return missing
}

// GapCount 当前缺失序列号总数 (诊断用)
func (d *DisjointSequence) GapCount() uint64 {
	var n uint64
	for _, r := range d.MissingRanges() {
		n += r.Count()
	}
	return n
}

// SkipTo 强制把低水位推进到 target, 途中缺失的序列号被永久放弃
// target <= 当前低水位时为空操作; 低水位永不回退
func (d *DisjointSequence) SkipTo(target uint32) {
	if target <= d.low {
		return
	}
	d.low = target

	// 丢弃被跨过的区间; 若 target 落在区间内, 该区间右端连续可收
	for len(d.ranges) > 0 && d.ranges[0].High <= d.low {
		d.ranges = d.ranges[1:]
	}
	d.normalize()
}
