// =============================================================================
// 文件: internal/link/link.go
// 描述: 可靠多播链路引擎 - 握手状态机、缺口跟踪、NAK 修复循环、控制消息分发
// =============================================================================
package link

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/rmcast/internal/protocol"
	"github.com/mrcgq/rmcast/internal/sequence"
)

// 错误定义
var (
	ErrAlreadyJoined = fmt.Errorf("链路已加入")
	ErrNoScheduler   = fmt.Errorf("调度器不可用")
)

// 默认参数
const (
	DefaultSynInterval     = 250 * time.Millisecond
	DefaultSynTimeout      = 30 * time.Second
	DefaultNakInterval     = 500 * time.Millisecond
	DefaultNakTimeout      = 30 * time.Second
	DefaultResendCacheSize = 1024
)

// HandshakeState 握手状态 (仅主动端推进)
type HandshakeState uint8

const (
	HandshakeIdle HandshakeState = iota
	HandshakeAwaitingAck
	HandshakeAcked
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeIdle:
		return "idle"
	case HandshakeAwaitingAck:
		return "awaiting_ack"
	case HandshakeAcked:
		return "acked"
	}
	return "unknown"
}

// Config 链路配置, 创建后不可变
type Config struct {
	LocalPeer  uint32
	RemotePeer uint32

	SynInterval time.Duration // 未确认期间握手请求重发周期
	SynTimeout  time.Duration // 自调度起放弃握手的期限
	NakInterval time.Duration // 缺口扫描周期
	NakTimeout  time.Duration // 修复请求未答复的放弃期限

	ResendCacheSize int
	Order           binary.ByteOrder
}

// withDefaults 填充零值字段
func (c Config) withDefaults() Config {
	if c.SynInterval <= 0 {
		c.SynInterval = DefaultSynInterval
	}
	if c.SynTimeout <= 0 {
		c.SynTimeout = DefaultSynTimeout
	}
	if c.NakInterval <= 0 {
		c.NakInterval = DefaultNakInterval
	}
	if c.NakTimeout <= 0 {
		c.NakTimeout = DefaultNakTimeout
	}
	if c.ResendCacheSize <= 0 {
		c.ResendCacheSize = DefaultResendCacheSize
	}
	if c.Order == nil {
		c.Order = binary.BigEndian
	}
	return c
}

// Sender 底层传输的发送面
// 多播组上对端寻址编码在载荷里, 发送统一落到组地址
type Sender interface {
	Send(datagram []byte) error
}

// Handler 数据路径回调
type Handler interface {
	// OnSample 新样本 (已去重) 放行
	OnSample(source, seq uint32, payload []byte)

	// OnSampleAck 逐样本确认透传
	OnSampleAck(source, seq uint32, payload []byte)

	// OnAcked 握手完成, 外围系统重估挂起的关联
	OnAcked(peer uint32)
}

// linkCounters 协议事件计数, 原子访问
type linkCounters struct {
	synsSent          uint64
	synAcksSent       uint64
	synAcksReceived   uint64
	naksSent          uint64
	naksReceived      uint64
	nakAcksSent       uint64
	nakAcksReceived   uint64
	resends           uint64
	duplicates        uint64
	samplesDelivered  uint64
	samplesPublished  uint64
	skippedDatagrams  uint64
	unknownMessages   uint64
	decodeErrors      uint64
	sendErrors        uint64
	internalErrors    uint64
	handshakeTimeouts uint64
}

// ReliableLink 可靠多播链路引擎
//
// 独占持有远端序列表、修复台账、重发缓存与握手状态。
// 入站分发与定时器触发可能在不同协程上, 单个互斥量串行化全部状态变更;
// 任何回调 (Handler) 都在互斥量之外调用。
type ReliableLink struct {
	cfg     Config
	sender  Sender
	handler Handler

	mu        sync.Mutex
	table     *sequence.PeerTable
	ledger    *repairLedger
	resend    *ResendCache
	hsState   HandshakeState
	localSeq  uint32
	joined    bool
	nakHandle *watchdogHandle
	synHandle *watchdogHandle

	now func() time.Time // 可注入时钟

	stats linkCounters
}

// NewReliableLink 创建链路引擎
func NewReliableLink(cfg Config, sender Sender, handler Handler) *ReliableLink {
	cfg = cfg.withDefaults()
	return &ReliableLink{
		cfg:     cfg,
		sender:  sender,
		handler: handler,
		table:   sequence.NewPeerTable(),
		ledger:  newRepairLedger(),
		resend:  NewResendCache(cfg.ResendCacheSize),
		hsState: HandshakeIdle,
		now:     time.Now,
	}
}

// =============================================================================
// 加入 / 离开
// =============================================================================

// Join 启动看门狗定时器
// 修复扫描定时器总是启动; 主动端额外启动握手定时器 (周期重发 + 一次性超时)
// 调度失败时快速失败, 已调度的定时器回退取消, 链路不激活
func (l *ReliableLink) Join(sched Scheduler, active bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.joined {
		return ErrAlreadyJoined
	}
	if sched == nil {
		return ErrNoScheduler
	}

	nakHandle, err := scheduleWatchdog(sched, &nakWatchdog{link: l})
	if err != nil {
		return fmt.Errorf("调度修复扫描定时器失败: %w", err)
	}

	if active {
		l.hsState = HandshakeAwaitingAck
		synHandle, err := scheduleWatchdog(sched, &synWatchdog{link: l})
		if err != nil {
			nakHandle.Cancel()
			l.hsState = HandshakeIdle
			return fmt.Errorf("调度握手定时器失败: %w", err)
		}
		l.synHandle = synHandle
	}

	l.nakHandle = nakHandle
	l.joined = true
	return nil
}

// Leave 取消全部看门狗, 幂等
// 必须在释放引擎之前调用, 保证定时器回指不再被触发
func (l *ReliableLink) Leave() {
	l.mu.Lock()
	nakHandle, synHandle := l.nakHandle, l.synHandle
	l.nakHandle, l.synHandle = nil, nil
	l.joined = false
	l.mu.Unlock()

	if synHandle != nil {
		synHandle.Cancel()
	}
	if nakHandle != nil {
		nakHandle.Cancel()
	}
}

// IsAcknowledged 握手是否完成
func (l *ReliableLink) IsAcknowledged() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hsState == HandshakeAcked
}

// =============================================================================
// 入站分发
// =============================================================================

// HandleDatagram 传输层入口: 解码 + 去重门 + 分发
func (l *ReliableLink) HandleDatagram(data []byte) {
	msg, err := protocol.Decode(data, l.cfg.Order)
	if err != nil {
		atomic.AddUint64(&l.stats.decodeErrors, 1)
		return
	}
	// 多播回环会送回本端发出的包
	if protocol.HeaderOf(msg).Source == l.cfg.LocalPeer {
		return
	}
	if !l.OnHeaderReceived(protocol.HeaderOf(msg)) {
		return
	}
	l.OnSampleReceived(msg)
}

// OnHeaderReceived 去重门
// 已知远端的重复序列号返回 false (阻止重复投递);
// 未握手远端的包返回 true, 由下游的握手流程决定是否建档
func (l *ReliableLink) OnHeaderReceived(h protocol.Header) bool {
	l.mu.Lock()
	tracker := l.table.Lookup(h.Source)
	if tracker == nil {
		l.mu.Unlock()
		return true
	}
	isNew := tracker.Observe(h.Sequence)
	l.mu.Unlock()

	if !isNew {
		atomic.AddUint64(&l.stats.duplicates, 1)
	}
	return isNew
}

// OnSampleReceived 按标签变体穷举分发
func (l *ReliableLink) OnSampleReceived(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.SynRequest:
		l.synReceived(m)

	case *protocol.SynAck:
		l.synackReceived(m)

	case *protocol.NakRequest:
		l.nakReceived(m)

	case *protocol.NakAck:
		l.nakackReceived(m)

	case *protocol.DataSample:
		atomic.AddUint64(&l.stats.samplesDelivered, 1)
		if l.handler != nil {
			l.handler.OnSample(m.Header.Source, m.Header.Sequence, m.Payload)
		}

	case *protocol.SampleAck:
		if l.handler != nil {
			l.handler.OnSampleAck(m.Header.Source, m.Header.Sequence, m.Payload)
		}

	case *protocol.Unknown:
		atomic.AddUint64(&l.stats.unknownMessages, 1)
	}
}

// =============================================================================
// 握手
// =============================================================================

// synReceived 被动端: 建档并无条件回确认
func (l *ReliableLink) synReceived(m *protocol.SynRequest) {
	// 共享多播组上会收到发给别人的请求 (包括自己发的), 静默忽略
	if m.Recipient != l.cfg.LocalPeer {
		return
	}

	l.mu.Lock()
	// 以携带请求的包头序列号为基线, 自此检查接收缺口
	l.table.Ensure(m.Sender, m.Header.Sequence)
	datagram := protocol.BuildSynAck(
		l.cfg.Order, l.cfg.LocalPeer, l.nextSeqLocked(), l.cfg.LocalPeer, m.Sender)
	l.mu.Unlock()

	if err := l.sender.Send(datagram); err != nil {
		atomic.AddUint64(&l.stats.sendErrors, 1)
		return
	}
	atomic.AddUint64(&l.stats.synAcksSent, 1)
}

// synackReceived 主动端: 握手完成
func (l *ReliableLink) synackReceived(m *protocol.SynAck) {
	if m.Recipient != l.cfg.LocalPeer {
		return
	}
	atomic.AddUint64(&l.stats.synAcksReceived, 1)

	l.mu.Lock()
	if l.hsState != HandshakeAwaitingAck {
		// 重复确认容忍
		l.mu.Unlock()
		return
	}
	l.hsState = HandshakeAcked
	synHandle := l.synHandle
	l.synHandle = nil
	l.mu.Unlock()

	if synHandle != nil {
		synHandle.Cancel()
	}
	if l.handler != nil {
		l.handler.OnAcked(m.Sender)
	}
}

// sendSyn 握手看门狗周期回调
func (l *ReliableLink) sendSyn() {
	l.mu.Lock()
	if !l.joined || l.hsState != HandshakeAwaitingAck {
		l.mu.Unlock()
		return
	}
	datagram := protocol.BuildSyn(
		l.cfg.Order, l.cfg.LocalPeer, l.nextSeqLocked(), l.cfg.LocalPeer, l.cfg.RemotePeer)
	l.mu.Unlock()

	if err := l.sender.Send(datagram); err != nil {
		atomic.AddUint64(&l.stats.sendErrors, 1)
		return
	}
	atomic.AddUint64(&l.stats.synsSent, 1)
}

// handshakeTimedOut 一次性期限到达仍未确认: 放弃握手
// 链路保持未确认但不拆除, 补救交给上层
func (l *ReliableLink) handshakeTimedOut() {
	l.mu.Lock()
	if l.hsState != HandshakeAwaitingAck {
		l.mu.Unlock()
		return
	}
	synHandle := l.synHandle
	l.synHandle = nil
	l.mu.Unlock()

	if synHandle != nil {
		synHandle.Cancel()
	}
	atomic.AddUint64(&l.stats.handshakeTimeouts, 1)
}

// =============================================================================
// NAK 修复循环
// =============================================================================

// ExpireNaks 过期清理
// 到期仍未修复的缺口视为不可修复, 强推低水位跳过 (接受数据丢失);
// 期间已自行修复的不做处理。到期条目无论结果一律删除
func (l *ReliableLink) ExpireNaks() {
	var skipped, internalErrs uint64

	l.mu.Lock()
	deadline := l.now().Add(-l.cfg.NakTimeout)
	for _, e := range l.ledger.ExpireBefore(deadline) {
		tracker := l.table.Lookup(e.peer)
		if tracker == nil {
			// 台账引用了不在序列表里的远端, 内部不一致
			internalErrs++
			continue
		}
		if tracker.HighWaterMark() >= e.high && e.high > tracker.LowWaterMark() {
			before := tracker.GapCount()
			tracker.SkipTo(e.high)
			skipped += before - tracker.GapCount()
		}
	}
	l.mu.Unlock()

	if skipped > 0 {
		atomic.AddUint64(&l.stats.skippedDatagrams, skipped)
	}
	if internalErrs > 0 {
		atomic.AddUint64(&l.stats.internalErrors, internalErrs)
	}
}

// SendNaks 缺口扫描
// 对每个有缺口的远端记一条台账, 并按缺口区间逐条发修复请求
func (l *ReliableLink) SendNaks() {
	var out [][]byte

	l.mu.Lock()
	now := l.now()
	l.table.Range(func(peer uint32, d *sequence.DisjointSequence) bool {
		if !d.IsDisjoint() {
			return true
		}
		// 记录本轮高水位: 远端不答复时用它重置低水位
		l.ledger.Add(now, peer, d.HighWaterMark())
		for _, r := range d.MissingRanges() {
			out = append(out, protocol.BuildNak(
				l.cfg.Order, l.cfg.LocalPeer, l.nextSeqLocked(),
				l.cfg.LocalPeer, peer, r.Low, r.High))
		}
		return true
	})
	l.mu.Unlock()

	for _, datagram := range out {
		if err := l.sender.Send(datagram); err != nil {
			atomic.AddUint64(&l.stats.sendErrors, 1)
			continue
		}
		atomic.AddUint64(&l.stats.naksSent, 1)
	}
}

// nakReceived 收到发给本端的修复请求
// 仍在重发缓存里的数据报原样重发; 已逐出的子区间回 NAKACK 声明不可用
func (l *ReliableLink) nakReceived(m *protocol.NakRequest) {
	if m.Target != l.cfg.LocalPeer {
		return
	}
	atomic.AddUint64(&l.stats.naksReceived, 1)

	l.mu.Lock()
	found, missing := l.resend.Retrieve(m.Low, m.High)
	var acks [][]byte
	for _, r := range missing {
		acks = append(acks, protocol.BuildNakAck(
			l.cfg.Order, l.cfg.LocalPeer, l.nextSeqLocked(),
			l.cfg.LocalPeer, m.Sender, r.Low, r.High))
	}
	l.mu.Unlock()

	for _, datagram := range found {
		if err := l.sender.Send(datagram); err != nil {
			atomic.AddUint64(&l.stats.sendErrors, 1)
			continue
		}
		atomic.AddUint64(&l.stats.resends, 1)
	}
	for _, datagram := range acks {
		if err := l.sender.Send(datagram); err != nil {
			atomic.AddUint64(&l.stats.sendErrors, 1)
			continue
		}
		atomic.AddUint64(&l.stats.nakAcksSent, 1)
	}
}

// nakackReceived 收到发给本端的修复确认: [Low, High] 已不可用
// 不可用区间紧贴低水位时直接跳过, 否则等缺口到达台账期限再统一放弃
func (l *ReliableLink) nakackReceived(m *protocol.NakAck) {
	if m.Target != l.cfg.LocalPeer {
		return
	}
	atomic.AddUint64(&l.stats.nakAcksReceived, 1)

	var skipped uint64

	l.mu.Lock()
	tracker := l.table.Lookup(m.Sender)
	if tracker != nil && m.High > tracker.LowWaterMark() && m.Low <= tracker.LowWaterMark()+1 {
		before := tracker.GapCount()
		tracker.SkipTo(m.High)
		skipped = before - tracker.GapCount()
	}
	l.mu.Unlock()

	if skipped > 0 {
		atomic.AddUint64(&l.stats.skippedDatagrams, skipped)
	}
}

// =============================================================================
// 出站数据
// =============================================================================

// Publish 发布一个应用数据样本
// 数据报进入重发缓存后发出, 以便服务后续的修复请求
func (l *ReliableLink) Publish(payload []byte) error {
	if len(payload) > protocol.MaxPayloadSize {
		return fmt.Errorf("%w: %d > %d", protocol.ErrPayloadSize, len(payload), protocol.MaxPayloadSize)
	}

	l.mu.Lock()
	seq := l.nextSeqLocked()
	datagram, err := protocol.BuildData(l.cfg.Order, l.cfg.LocalPeer, seq, payload)
	if err != nil {
		l.mu.Unlock()
		return err
	}
	l.resend.Store(seq, datagram)
	l.mu.Unlock()

	if err := l.sender.Send(datagram); err != nil {
		atomic.AddUint64(&l.stats.sendErrors, 1)
		return err
	}
	atomic.AddUint64(&l.stats.samplesPublished, 1)
	return nil
}

// PublishSampleAck 发布一个逐样本确认 (数据路径产生, 链路只负责承载)
func (l *ReliableLink) PublishSampleAck(payload []byte) error {
	l.mu.Lock()
	datagram, err := protocol.BuildSampleAck(
		l.cfg.Order, l.cfg.LocalPeer, l.nextSeqLocked(), payload)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	if err := l.sender.Send(datagram); err != nil {
		atomic.AddUint64(&l.stats.sendErrors, 1)
		return err
	}
	return nil
}

// nextSeqLocked 分配下一个本端序列号, 需持有 l.mu
// 控制消息与数据共用数据通道的序号空间
func (l *ReliableLink) nextSeqLocked() uint32 {
	l.localSeq++
	return l.localSeq
}

// =============================================================================
// 统计
// =============================================================================

// GetHandshakeState 当前握手状态名
func (l *ReliableLink) GetHandshakeState() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hsState.String()
}

// GetPeersTracked 已跟踪远端数
func (l *ReliableLink) GetPeersTracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.table.Len()
}

// GetGapCount 全部远端的当前缺失序列号总数
func (l *ReliableLink) GetGapCount() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n uint64
	l.table.Range(func(peer uint32, d *sequence.DisjointSequence) bool {
		n += d.GapCount()
		return true
	})
	return n
}

// GetOutstandingNaks 台账中未答复的修复请求数
func (l *ReliableLink) GetOutstandingNaks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ledger.Len()
}

func (l *ReliableLink) GetSynsSent() uint64 { return atomic.LoadUint64(&l.stats.synsSent) }
func (l *ReliableLink) GetSynAcksSent() uint64 {
	return atomic.LoadUint64(&l.stats.synAcksSent)
}
func (l *ReliableLink) GetSynAcksReceived() uint64 {
	return atomic.LoadUint64(&l.stats.synAcksReceived)
}
func (l *ReliableLink) GetNaksSent() uint64     { return atomic.LoadUint64(&l.stats.naksSent) }
func (l *ReliableLink) GetNaksReceived() uint64 { return atomic.LoadUint64(&l.stats.naksReceived) }
func (l *ReliableLink) GetNakAcksSent() uint64  { return atomic.LoadUint64(&l.stats.nakAcksSent) }
func (l *ReliableLink) GetNakAcksReceived() uint64 {
	return atomic.LoadUint64(&l.stats.nakAcksReceived)
}
func (l *ReliableLink) GetResends() uint64    { return atomic.LoadUint64(&l.stats.resends) }
func (l *ReliableLink) GetDuplicates() uint64 { return atomic.LoadUint64(&l.stats.duplicates) }
func (l *ReliableLink) GetSamplesDelivered() uint64 {
	return atomic.LoadUint64(&l.stats.samplesDelivered)
}
func (l *ReliableLink) GetSamplesPublished() uint64 {
	return atomic.LoadUint64(&l.stats.samplesPublished)
}
func (l *ReliableLink) GetSkippedDatagrams() uint64 {
	return atomic.LoadUint64(&l.stats.skippedDatagrams)
}
func (l *ReliableLink) GetUnknownMessages() uint64 {
	return atomic.LoadUint64(&l.stats.unknownMessages)
}
func (l *ReliableLink) GetDecodeErrors() uint64 { return atomic.LoadUint64(&l.stats.decodeErrors) }
func (l *ReliableLink) GetSendErrors() uint64   { return atomic.LoadUint64(&l.stats.sendErrors) }
func (l *ReliableLink) GetInternalErrors() uint64 {
	return atomic.LoadUint64(&l.stats.internalErrors)
}
func (l *ReliableLink) GetHandshakeTimeouts() uint64 {
	return atomic.LoadUint64(&l.stats.handshakeTimeouts)
}
