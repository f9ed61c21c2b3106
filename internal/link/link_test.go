// =============================================================================
// 文件: internal/link/link_test.go
// 描述: 链路引擎测试 - 假调度器/假发送器驱动的握手与修复循环
// =============================================================================
package link

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/mrcgq/rmcast/internal/protocol"
)

// fakeTimer 记录一个已调度的定时器, 支持手动触发
type fakeTimer struct {
	interval func() time.Duration
	fire     func()
	canceled bool
}

func (t *fakeTimer) Cancel() { t.canceled = true }

func (t *fakeTimer) Fire() {
	if !t.canceled {
		t.fire()
	}
}

// fakeScheduler 手动驱动的调度器
type fakeScheduler struct {
	repeating []*fakeTimer
	oneShots  []*fakeTimer
	failNext  bool
}

func (s *fakeScheduler) ScheduleRepeating(interval func() time.Duration, fire func()) (TimerHandle, error) {
	if s.failNext {
		s.failNext = false
		return nil, errors.New("调度失败")
	}
	t := &fakeTimer{interval: interval, fire: fire}
	s.repeating = append(s.repeating, t)
	return t, nil
}

func (s *fakeScheduler) ScheduleOneShot(delay func() time.Duration, expire func()) (TimerHandle, error) {
	if s.failNext {
		s.failNext = false
		return nil, errors.New("调度失败")
	}
	t := &fakeTimer{interval: delay, fire: expire}
	s.oneShots = append(s.oneShots, t)
	return t, nil
}

// fakeSender 捕获全部出站数据报
type fakeSender struct {
	sent [][]byte
	err  error
}

func (s *fakeSender) Send(datagram []byte) error {
	if s.err != nil {
		return s.err
	}
	cp := make([]byte, len(datagram))
	copy(cp, datagram)
	s.sent = append(s.sent, cp)
	return nil
}

func (s *fakeSender) drain() [][]byte {
	out := s.sent
	s.sent = nil
	return out
}

type recordedSample struct {
	source  uint32
	seq     uint32
	payload []byte
}

// fakeHandler 捕获数据路径回调
type fakeHandler struct {
	samples    []recordedSample
	sampleAcks []recordedSample
	acked      []uint32
}

func (h *fakeHandler) OnSample(source, seq uint32, payload []byte) {
	h.samples = append(h.samples, recordedSample{source, seq, payload})
}

func (h *fakeHandler) OnSampleAck(source, seq uint32, payload []byte) {
	h.sampleAcks = append(h.sampleAcks, recordedSample{source, seq, payload})
}

func (h *fakeHandler) OnAcked(peer uint32) {
	h.acked = append(h.acked, peer)
}

func newTestLink(local, remote uint32) (*ReliableLink, *fakeSender, *fakeHandler) {
	sender := &fakeSender{}
	handler := &fakeHandler{}
	l := NewReliableLink(Config{
		LocalPeer:  local,
		RemotePeer: remote,
	}, sender, handler)
	return l, sender, handler
}

func mustDecode(t *testing.T, data []byte) protocol.Message {
	t.Helper()
	msg, err := protocol.Decode(data, binary.BigEndian)
	if err != nil {
		t.Fatalf("解码出站数据报失败: %v", err)
	}
	return msg
}

// deliverAll 把一端发出的全部数据报投给另一端
func deliverAll(from *fakeSender, to *ReliableLink) {
	for _, d := range from.drain() {
		to.HandleDatagram(d)
	}
}

// =============================================================================
// 加入 / 离开
// =============================================================================

func TestJoinPassive(t *testing.T) {
	l, _, _ := newTestLink(1, 2)
	sched := &fakeScheduler{}

	if err := l.Join(sched, false); err != nil {
		t.Fatalf("被动加入失败: %v", err)
	}
	if len(sched.repeating) != 1 || len(sched.oneShots) != 0 {
		t.Fatalf("被动端应只调度修复扫描定时器, got repeating=%d oneShots=%d",
			len(sched.repeating), len(sched.oneShots))
	}
	if l.GetHandshakeState() != "idle" {
		t.Errorf("被动端握手状态应为 idle, got %s", l.GetHandshakeState())
	}
}

func TestJoinActive(t *testing.T) {
	l, _, _ := newTestLink(1, 2)
	sched := &fakeScheduler{}

	if err := l.Join(sched, true); err != nil {
		t.Fatalf("主动加入失败: %v", err)
	}
	if len(sched.repeating) != 2 || len(sched.oneShots) != 1 {
		t.Fatalf("主动端应调度两个周期定时器和一个超时定时器, got repeating=%d oneShots=%d",
			len(sched.repeating), len(sched.oneShots))
	}
	if l.GetHandshakeState() != "awaiting_ack" {
		t.Errorf("主动端握手状态应为 awaiting_ack, got %s", l.GetHandshakeState())
	}
}

func TestJoinTwice(t *testing.T) {
	l, _, _ := newTestLink(1, 2)
	sched := &fakeScheduler{}

	if err := l.Join(sched, false); err != nil {
		t.Fatalf("首次加入失败: %v", err)
	}
	if err := l.Join(sched, false); !errors.Is(err, ErrAlreadyJoined) {
		t.Errorf("重复加入应返回 ErrAlreadyJoined, got %v", err)
	}
}

func TestJoinSynScheduleFailure(t *testing.T) {
	l, _, _ := newTestLink(1, 2)
	sched := &fakeScheduler{}

	// 修复扫描与握手的周期定时器调度成功, 超时定时器调度失败
	wrapped := &failOneShotScheduler{inner: sched}
	if err := l.Join(wrapped, true); err == nil {
		t.Fatal("握手定时器调度失败时 Join 应报错")
	}
	if len(sched.repeating) != 2 {
		t.Fatalf("应已调度 2 个周期定时器, got %d", len(sched.repeating))
	}
	if !sched.repeating[0].canceled || !sched.repeating[1].canceled {
		t.Error("调度失败后已启动的定时器应被回退取消")
	}
	if l.GetHandshakeState() != "idle" {
		t.Errorf("回退后握手状态应为 idle, got %s", l.GetHandshakeState())
	}
	// 回退后仍可重新加入
	if err := l.Join(sched, false); err != nil {
		t.Errorf("回退后重新加入失败: %v", err)
	}
}

type failOneShotScheduler struct {
	inner *fakeScheduler
}

func (s *failOneShotScheduler) ScheduleRepeating(interval func() time.Duration, fire func()) (TimerHandle, error) {
	return s.inner.ScheduleRepeating(interval, fire)
}

func (s *failOneShotScheduler) ScheduleOneShot(func() time.Duration, func()) (TimerHandle, error) {
	return nil, errors.New("调度失败")
}

func TestLeaveCancelsWatchdogs(t *testing.T) {
	l, _, _ := newTestLink(1, 2)
	sched := &fakeScheduler{}

	if err := l.Join(sched, true); err != nil {
		t.Fatalf("加入失败: %v", err)
	}
	l.Leave()
	l.Leave() // 幂等

	for i, timer := range sched.repeating {
		if !timer.canceled {
			t.Errorf("离开后周期定时器 %d 未取消", i)
		}
	}
	for i, timer := range sched.oneShots {
		if !timer.canceled {
			t.Errorf("离开后一次性定时器 %d 未取消", i)
		}
	}
}

// =============================================================================
// 握手
// =============================================================================

func TestHandshake(t *testing.T) {
	active, activeSender, activeHandler := newTestLink(1, 2)
	passive, passiveSender, _ := newTestLink(2, 1)
	activeSched, passiveSched := &fakeScheduler{}, &fakeScheduler{}

	if err := active.Join(activeSched, true); err != nil {
		t.Fatalf("主动加入失败: %v", err)
	}
	if err := passive.Join(passiveSched, false); err != nil {
		t.Fatalf("被动加入失败: %v", err)
	}

	// 握手定时器触发, 主动端发出 SYN
	activeSched.repeating[1].Fire()
	sent := activeSender.drain()
	if len(sent) != 1 {
		t.Fatalf("应发出一个握手请求, got %d", len(sent))
	}
	syn, ok := mustDecode(t, sent[0]).(*protocol.SynRequest)
	if !ok {
		t.Fatal("发出的不是握手请求")
	}
	if syn.Sender != 1 || syn.Recipient != 2 {
		t.Errorf("握手请求寻址错误: sender=%d recipient=%d", syn.Sender, syn.Recipient)
	}

	// 被动端收到后建档并回确认
	passive.HandleDatagram(sent[0])
	if passive.GetPeersTracked() != 1 {
		t.Error("被动端应为发起方建档")
	}
	acks := passiveSender.drain()
	if len(acks) != 1 {
		t.Fatalf("被动端应回一个握手确认, got %d", len(acks))
	}
	if _, ok := mustDecode(t, acks[0]).(*protocol.SynAck); !ok {
		t.Fatal("被动端回的不是握手确认")
	}

	// 主动端收到确认, 握手完成
	active.HandleDatagram(acks[0])
	if !active.IsAcknowledged() {
		t.Error("收到握手确认后应转为已确认")
	}
	if len(activeHandler.acked) != 1 || activeHandler.acked[0] != 2 {
		t.Errorf("OnAcked 回调错误: %v", activeHandler.acked)
	}
	if !activeSched.oneShots[0].canceled {
		t.Error("握手完成后应取消超时定时器")
	}

	// 确认后握手定时器再触发不应重发
	activeSched.repeating[1].Fire()
	if len(activeSender.drain()) != 0 {
		t.Error("已确认后不应再发握手请求")
	}
}

func TestHandshakeWrongRecipient(t *testing.T) {
	passive, passiveSender, _ := newTestLink(2, 1)

	// 共享组上发给别人的握手请求
	syn := protocol.BuildSyn(binary.BigEndian, 1, 1, 1, 99)
	passive.HandleDatagram(syn)

	if passive.GetPeersTracked() != 0 {
		t.Error("发给他人的握手请求不应建档")
	}
	if len(passiveSender.drain()) != 0 {
		t.Error("发给他人的握手请求不应回确认")
	}
}

func TestHandshakeDuplicateSynAck(t *testing.T) {
	active, _, activeHandler := newTestLink(1, 2)
	sched := &fakeScheduler{}
	if err := active.Join(sched, true); err != nil {
		t.Fatalf("加入失败: %v", err)
	}

	ack1 := protocol.BuildSynAck(binary.BigEndian, 2, 1, 2, 1)
	ack2 := protocol.BuildSynAck(binary.BigEndian, 2, 2, 2, 1)
	active.HandleDatagram(ack1)
	active.HandleDatagram(ack2)

	if len(activeHandler.acked) != 1 {
		t.Errorf("重复确认应被容忍且只回调一次, got %d", len(activeHandler.acked))
	}
	if active.GetSynAcksReceived() != 2 {
		t.Errorf("两次确认都应计数, got %d", active.GetSynAcksReceived())
	}
}

func TestHandshakeTimeout(t *testing.T) {
	active, sender, _ := newTestLink(1, 2)
	sched := &fakeScheduler{}
	if err := active.Join(sched, true); err != nil {
		t.Fatalf("加入失败: %v", err)
	}

	sched.oneShots[0].Fire()

	if active.GetHandshakeTimeouts() != 1 {
		t.Errorf("超时应计数, got %d", active.GetHandshakeTimeouts())
	}
	if active.IsAcknowledged() {
		t.Error("超时后链路不应变为已确认")
	}
	// 放弃后周期重发停止
	sched.repeating[1].Fire()
	if len(sender.drain()) != 0 {
		t.Error("放弃握手后不应再发请求")
	}
}

// =============================================================================
// 去重与投递
// =============================================================================

// handshake 建立 pub(源)->sub(收) 的单向已握手链路
func handshake(t *testing.T, pub *ReliableLink, pubSender *fakeSender, sub *ReliableLink) {
	t.Helper()
	pubSched := &fakeScheduler{}
	if err := pub.Join(pubSched, true); err != nil {
		t.Fatalf("发布端加入失败: %v", err)
	}
	if err := sub.Join(&fakeScheduler{}, false); err != nil {
		t.Fatalf("订阅端加入失败: %v", err)
	}
	pubSched.repeating[1].Fire()
	deliverAll(pubSender, sub)
	if sub.GetPeersTracked() != 1 {
		t.Fatal("握手后订阅端应已建档")
	}
}

func TestDuplicateSuppression(t *testing.T) {
	pub, pubSender, _ := newTestLink(1, 2)
	sub, subSender, subHandler := newTestLink(2, 1)
	handshake(t, pub, pubSender, sub)
	subSender.drain()

	if err := pub.Publish([]byte("hello")); err != nil {
		t.Fatalf("发布失败: %v", err)
	}
	sample := pubSender.drain()[0]

	sub.HandleDatagram(sample)
	sub.HandleDatagram(sample) // 重发的副本

	if len(subHandler.samples) != 1 {
		t.Fatalf("重复样本应被抑制, 投递了 %d 次", len(subHandler.samples))
	}
	if string(subHandler.samples[0].payload) != "hello" {
		t.Errorf("载荷错误: %q", subHandler.samples[0].payload)
	}
	if sub.GetDuplicates() != 1 {
		t.Errorf("重复计数应为 1, got %d", sub.GetDuplicates())
	}
}

func TestUnknownPeerPassesGate(t *testing.T) {
	sub, _, subHandler := newTestLink(2, 1)

	// 未握手远端的数据直接放行 (不建档不去重)
	data, err := protocol.BuildData(binary.BigEndian, 7, 42, []byte("x"))
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}
	sub.HandleDatagram(data)
	sub.HandleDatagram(data)

	if len(subHandler.samples) != 2 {
		t.Errorf("未建档远端不做去重, 应投递 2 次, got %d", len(subHandler.samples))
	}
	if sub.GetPeersTracked() != 0 {
		t.Error("数据样本不应触发建档")
	}
}

func TestSampleAckDelivery(t *testing.T) {
	pub, pubSender, _ := newTestLink(1, 2)
	sub, _, subHandler := newTestLink(2, 1)
	handshake(t, pub, pubSender, sub)

	if err := pub.PublishSampleAck([]byte("ack-payload")); err != nil {
		t.Fatalf("发布样本确认失败: %v", err)
	}
	deliverAll(pubSender, sub)

	if len(subHandler.sampleAcks) != 1 {
		t.Fatalf("样本确认应透传一次, got %d", len(subHandler.sampleAcks))
	}
	if string(subHandler.sampleAcks[0].payload) != "ack-payload" {
		t.Errorf("样本确认载荷错误: %q", subHandler.sampleAcks[0].payload)
	}
}

func TestLoopbackIgnored(t *testing.T) {
	l, sender, handler := newTestLink(1, 2)

	// 多播回环送回本端发出的包
	data, err := protocol.BuildData(binary.BigEndian, 1, 7, []byte("self"))
	if err != nil {
		t.Fatalf("构造失败: %v", err)
	}
	l.HandleDatagram(data)

	if len(handler.samples) != 0 {
		t.Error("本端发出的包不应回环投递")
	}
	if len(sender.drain()) != 0 {
		t.Error("本端发出的包不应触发任何回复")
	}
}

func TestDecodeErrorCounted(t *testing.T) {
	l, _, _ := newTestLink(1, 2)
	l.HandleDatagram([]byte{0x01, 0x02})
	if l.GetDecodeErrors() != 1 {
		t.Errorf("解码错误应计数, got %d", l.GetDecodeErrors())
	}
}

func TestUnknownKindCounted(t *testing.T) {
	l, _, _ := newTestLink(1, 2)

	raw := make([]byte, protocol.HeaderSize)
	binary.BigEndian.PutUint32(raw[0:4], 9) // source
	raw[4] = 0x7f                           // 未知外层类型
	l.HandleDatagram(raw)

	if l.GetUnknownMessages() != 1 {
		t.Errorf("未知类型应计数, got %d", l.GetUnknownMessages())
	}
}

// =============================================================================
// 发布
// =============================================================================

func TestPublishOversized(t *testing.T) {
	pub, pubSender, _ := newTestLink(1, 2)

	big := make([]byte, protocol.MaxPayloadSize+1)
	if err := pub.Publish(big); err == nil {
		t.Fatal("超限载荷应报错")
	}
	if len(pubSender.drain()) != 0 {
		t.Error("超限载荷不应发出任何数据报")
	}

	// 失败不得消耗序列号, 否则对端会看到永久缺口
	if err := pub.Publish([]byte("ok")); err != nil {
		t.Fatalf("随后的发布失败: %v", err)
	}
	msg := mustDecode(t, pubSender.drain()[0])
	if seq := protocol.HeaderOf(msg).Sequence; seq != 1 {
		t.Errorf("失败发布后首个序列号应为 1, got %d", seq)
	}
}

func TestPublishSendError(t *testing.T) {
	pub, pubSender, _ := newTestLink(1, 2)
	pubSender.err = errors.New("网络不可达")

	if err := pub.Publish([]byte("x")); err == nil {
		t.Fatal("发送失败应上抛")
	}
	if pub.GetSendErrors() != 1 {
		t.Errorf("发送错误应计数, got %d", pub.GetSendErrors())
	}
}

// =============================================================================
// NAK 修复循环
// =============================================================================

func TestNakRepairCycle(t *testing.T) {
	pub, pubSender, _ := newTestLink(1, 2)
	sub, subSender, subHandler := newTestLink(2, 1)
	handshake(t, pub, pubSender, sub)
	subSender.drain()

	// 发布 5 个样本, 第 3 个在途丢失
	for i := 0; i < 5; i++ {
		if err := pub.Publish([]byte{byte('a' + i)}); err != nil {
			t.Fatalf("发布失败: %v", err)
		}
	}
	sent := pubSender.drain()
	for i, d := range sent {
		if i == 2 {
			continue // 丢弃
		}
		sub.HandleDatagram(d)
	}
	if len(subHandler.samples) != 4 {
		t.Fatalf("丢包前应投递 4 个样本, got %d", len(subHandler.samples))
	}
	if sub.GetGapCount() != 1 {
		t.Fatalf("应有 1 个缺失序列号, got %d", sub.GetGapCount())
	}

	// 修复扫描: 订阅端发出 NAK
	sub.SendNaks()
	naks := subSender.drain()
	if len(naks) != 1 {
		t.Fatalf("应发出 1 个修复请求, got %d", len(naks))
	}
	nak, ok := mustDecode(t, naks[0]).(*protocol.NakRequest)
	if !ok {
		t.Fatal("发出的不是修复请求")
	}
	if nak.Target != 1 {
		t.Errorf("修复请求目标错误: %d", nak.Target)
	}
	if sub.GetOutstandingNaks() != 1 {
		t.Errorf("台账应有 1 条未答复记录, got %d", sub.GetOutstandingNaks())
	}

	// 发布端原样重发
	pub.HandleDatagram(naks[0])
	repairs := pubSender.drain()
	if len(repairs) != 1 {
		t.Fatalf("应重发 1 个数据报, got %d", len(repairs))
	}
	if string(repairs[0]) != string(sent[2]) {
		t.Error("重发的数据报应与原始数据报逐字节一致")
	}
	if pub.GetResends() != 1 {
		t.Errorf("重发计数应为 1, got %d", pub.GetResends())
	}

	// 订阅端收到修复, 缺口闭合
	sub.HandleDatagram(repairs[0])
	if sub.GetGapCount() != 0 {
		t.Errorf("修复后不应再有缺口, got %d", sub.GetGapCount())
	}
	if len(subHandler.samples) != 5 {
		t.Errorf("修复后应共投递 5 个样本, got %d", len(subHandler.samples))
	}
}

func TestNakWrongTarget(t *testing.T) {
	pub, pubSender, _ := newTestLink(1, 2)
	if err := pub.Publish([]byte("x")); err != nil {
		t.Fatalf("发布失败: %v", err)
	}
	pubSender.drain()

	// 发给别的远端的修复请求
	nak := protocol.BuildNak(binary.BigEndian, 2, 1, 2, 99, 1, 1)
	pub.HandleDatagram(nak)

	if len(pubSender.drain()) != 0 {
		t.Error("发给他人的修复请求不应触发重发")
	}
	if pub.GetNaksReceived() != 0 {
		t.Error("发给他人的修复请求不应计数")
	}
}

func TestNakEvictedRangeAnswersNakAck(t *testing.T) {
	pubSender := &fakeSender{}
	pub := NewReliableLink(Config{
		LocalPeer:       1,
		RemotePeer:      2,
		ResendCacheSize: 2,
	}, pubSender, &fakeHandler{})

	// 容量 2, 序列 1 被逐出
	for i := 0; i < 3; i++ {
		if err := pub.Publish([]byte{byte(i)}); err != nil {
			t.Fatalf("发布失败: %v", err)
		}
	}
	pubSender.drain()

	// 请求 [1,3]: 1 已不可用, 2 和 3 可重发
	nak := protocol.BuildNak(binary.BigEndian, 2, 1, 2, 1, 1, 3)
	pub.HandleDatagram(nak)

	sent := pubSender.drain()
	var resent, acks int
	for _, d := range sent {
		switch m := mustDecode(t, d).(type) {
		case *protocol.DataSample:
			resent++
		case *protocol.NakAck:
			acks++
			if m.Low != 1 || m.High != 1 {
				t.Errorf("不可用区间错误: [%d,%d]", m.Low, m.High)
			}
		default:
			t.Errorf("意外的出站消息: %T", m)
		}
	}
	if resent != 2 || acks != 1 {
		t.Errorf("应重发 2 个并回 1 个不可用确认, got resent=%d acks=%d", resent, acks)
	}
}

func TestNakAckSkipsAbuttingGap(t *testing.T) {
	pub, pubSender, _ := newTestLink(1, 2)
	sub, subSender, _ := newTestLink(2, 1)
	handshake(t, pub, pubSender, sub)
	subSender.drain()

	// 基线为握手请求的序列号 1; 样本 2 丢失, 3 到达
	for i := 0; i < 2; i++ {
		if err := pub.Publish(nil); err != nil {
			t.Fatalf("发布失败: %v", err)
		}
	}
	sent := pubSender.drain()
	sub.HandleDatagram(sent[1]) // seq=3
	if sub.GetGapCount() != 1 {
		t.Fatalf("应有 1 个缺口, got %d", sub.GetGapCount())
	}

	// 发布端声明 [2,2] 不可用
	nakack := protocol.BuildNakAck(binary.BigEndian, 1, 4, 1, 2, 2, 2)
	sub.HandleDatagram(nakack)

	if sub.GetGapCount() != 0 {
		t.Errorf("紧贴低水位的不可用区间应被跳过, 剩余缺口 %d", sub.GetGapCount())
	}
	if sub.GetSkippedDatagrams() != 1 {
		t.Errorf("跳过计数应为 1, got %d", sub.GetSkippedDatagrams())
	}
}

func TestNakAckMidGapIgnored(t *testing.T) {
	pub, pubSender, _ := newTestLink(1, 2)
	sub, subSender, _ := newTestLink(2, 1)
	handshake(t, pub, pubSender, sub)
	subSender.drain()

	// 样本 2..5 中只有 5 到达, 缺 2,3,4
	for i := 0; i < 4; i++ {
		if err := pub.Publish(nil); err != nil {
			t.Fatalf("发布失败: %v", err)
		}
	}
	sent := pubSender.drain()
	sub.HandleDatagram(sent[3]) // seq=5

	// 不贴低水位的不可用区间 [4,4] 不触发跳过
	nakack := protocol.BuildNakAck(binary.BigEndian, 1, 6, 1, 2, 4, 4)
	sub.HandleDatagram(nakack)

	if sub.GetGapCount() != 3 {
		t.Errorf("中段不可用区间不应触发跳过, 缺口应仍为 3, got %d", sub.GetGapCount())
	}
}

func TestExpireNaksSkipsForward(t *testing.T) {
	pub, pubSender, _ := newTestLink(1, 2)
	sub, subSender, subHandler := newTestLink(2, 1)
	handshake(t, pub, pubSender, sub)
	subSender.drain()

	base := time.Now()
	sub.now = func() time.Time { return base }

	// 样本 2 丢失, 3 到达
	for i := 0; i < 2; i++ {
		if err := pub.Publish([]byte("d")); err != nil {
			t.Fatalf("发布失败: %v", err)
		}
	}
	sent := pubSender.drain()
	sub.HandleDatagram(sent[1])

	// 第一轮扫描: 记台账 + 发 NAK, 远端不答复
	sub.SendNaks()
	subSender.drain()
	if sub.GetOutstandingNaks() != 1 {
		t.Fatalf("台账应有 1 条记录, got %d", sub.GetOutstandingNaks())
	}

	// 未到期的清理不动台账
	sub.now = func() time.Time { return base.Add(time.Second) }
	sub.ExpireNaks()
	if sub.GetOutstandingNaks() != 1 || sub.GetGapCount() != 1 {
		t.Fatal("未到期的修复请求不应被清理")
	}

	// 超过期限: 放弃缺口, 低水位前推
	sub.now = func() time.Time { return base.Add(DefaultNakTimeout + time.Second) }
	sub.ExpireNaks()
	if sub.GetOutstandingNaks() != 0 {
		t.Errorf("到期记录应被移除, got %d", sub.GetOutstandingNaks())
	}
	if sub.GetGapCount() != 0 {
		t.Errorf("到期后缺口应被跳过, got %d", sub.GetGapCount())
	}
	if sub.GetSkippedDatagrams() != 1 {
		t.Errorf("跳过计数应为 1, got %d", sub.GetSkippedDatagrams())
	}

	// 迟到的原数据报按重复处理, 不再投递
	before := len(subHandler.samples)
	sub.HandleDatagram(sent[0])
	if len(subHandler.samples) != before {
		t.Error("被跳过的序列号迟到后不应再投递")
	}
}

func TestExpireNaksRepairedInTime(t *testing.T) {
	pub, pubSender, _ := newTestLink(1, 2)
	sub, subSender, _ := newTestLink(2, 1)
	handshake(t, pub, pubSender, sub)
	subSender.drain()

	base := time.Now()
	sub.now = func() time.Time { return base }

	for i := 0; i < 2; i++ {
		if err := pub.Publish(nil); err != nil {
			t.Fatalf("发布失败: %v", err)
		}
	}
	sent := pubSender.drain()
	sub.HandleDatagram(sent[1])
	sub.SendNaks()
	naks := subSender.drain()

	// 修复在期限内到达
	pub.HandleDatagram(naks[0])
	deliverAll(pubSender, sub)
	if sub.GetGapCount() != 0 {
		t.Fatal("修复后不应有缺口")
	}

	// 到期清理只删记录, 不应再动低水位
	sub.now = func() time.Time { return base.Add(DefaultNakTimeout + time.Second) }
	sub.ExpireNaks()
	if sub.GetSkippedDatagrams() != 0 {
		t.Errorf("已修复的缺口不应产生跳过, got %d", sub.GetSkippedDatagrams())
	}
	if sub.GetOutstandingNaks() != 0 {
		t.Errorf("到期记录应被移除, got %d", sub.GetOutstandingNaks())
	}
}

func TestSendNaksNoGap(t *testing.T) {
	pub, pubSender, _ := newTestLink(1, 2)
	sub, subSender, _ := newTestLink(2, 1)
	handshake(t, pub, pubSender, sub)
	subSender.drain()

	deliverAll(pubSender, sub)
	sub.SendNaks()

	if len(subSender.drain()) != 0 {
		t.Error("无缺口时不应发修复请求")
	}
	if sub.GetOutstandingNaks() != 0 {
		t.Error("无缺口时不应记台账")
	}
}

func TestSendNaksMultipleRanges(t *testing.T) {
	pub, pubSender, _ := newTestLink(1, 2)
	sub, subSender, _ := newTestLink(2, 1)
	handshake(t, pub, pubSender, sub)
	subSender.drain()

	// 样本 2..6, 丢 3 和 5
	for i := 0; i < 5; i++ {
		if err := pub.Publish(nil); err != nil {
			t.Fatalf("发布失败: %v", err)
		}
	}
	sent := pubSender.drain()
	for i, d := range sent {
		if i == 1 || i == 3 {
			continue
		}
		sub.HandleDatagram(d)
	}

	sub.SendNaks()
	naks := subSender.drain()
	if len(naks) != 2 {
		t.Fatalf("两个缺口区间应发两个修复请求, got %d", len(naks))
	}
	want := [][2]uint32{{3, 3}, {5, 5}}
	for i, d := range naks {
		nak := mustDecode(t, d).(*protocol.NakRequest)
		if nak.Low != want[i][0] || nak.High != want[i][1] {
			t.Errorf("修复请求 %d 区间错误: [%d,%d], want [%d,%d]",
				i, nak.Low, nak.High, want[i][0], want[i][1])
		}
	}
	// 一条台账对应一轮扫描中的一个远端
	if sub.GetOutstandingNaks() != 1 {
		t.Errorf("台账应只记 1 条, got %d", sub.GetOutstandingNaks())
	}
}
