// =============================================================================
// 文件: internal/protocol/message.go
// 描述: 链路消息编解码 - 外层种类 + 控制子种类, 字节序可协商
// =============================================================================
package protocol

import (
	"encoding/binary"
	"fmt"
)

// 外层消息种类
const (
	KindData      byte = 0x01 // 应用数据
	KindSampleAck byte = 0x02 // 逐样本确认
	KindControl   byte = 0x03 // 链路控制
)

// 控制子种类
const (
	SubNone   byte = 0x00
	SubSyn    byte = 0x01 // 握手请求
	SubSynAck byte = 0x02 // 握手确认
	SubNak    byte = 0x03 // 修复请求
	SubNakAck byte = 0x04 // 修复确认 (数据不可用)
)

const (
	// 包头大小: Source(4) + Kind(1) + Sub(1) + Sequence(4) + Len(2) = 12 bytes
	HeaderSize = 12

	// 控制载荷大小
	synPayloadSize = 8  // sender(4) + recipient(4)
	nakPayloadSize = 16 // sender(4) + target(4) + low(4) + high(4)

	// 最大数据载荷 (单播 MTU 内的保守值)
	MaxPayloadSize = 1400 - HeaderSize
)

// 错误定义
var (
	ErrShortDatagram = fmt.Errorf("数据报太短")
	ErrShortPayload  = fmt.Errorf("控制载荷不完整")
	ErrPayloadSize   = fmt.Errorf("载荷超过上限")
)

// Header 数据报头
// 每个数据报 (含控制消息) 都携带发送方的序列号, 控制消息同样占用数据通道的序号
type Header struct {
	Source   uint32 // 发送方 PeerID
	Kind     byte   // 外层种类
	Sub      byte   // 控制子种类, 非控制消息为 SubNone
	Sequence uint32 // 发送方序列号
	Length   uint16 // 载荷长度
}

// Message 链路消息的标签变体
// 引擎对其做穷举类型分发, 未知种类落入 *Unknown 而不会被错误投递
type Message interface {
	header() Header
}

// DataSample 应用数据样本
type DataSample struct {
	Header  Header
	Payload []byte
}

// SampleAck 逐样本确认, 原样交给数据路径
type SampleAck struct {
	Header  Header
	Payload []byte
}

// SynRequest 握手请求
type SynRequest struct {
	Header    Header
	Sender    uint32
	Recipient uint32
}

// SynAck 握手确认
type SynAck struct {
	Header    Header
	Sender    uint32
	Recipient uint32
}

// NakRequest 修复请求: 向 Target 索要 [Low, High]
type NakRequest struct {
	Header Header
	Sender uint32
	Target uint32
	Low    uint32
	High   uint32
}

// NakAck 修复确认: Sender 声明 [Low, High] 已不可用
type NakAck struct {
	Header Header
	Sender uint32
	Target uint32
	Low    uint32
	High   uint32
}

// Unknown 无法识别的种类或子种类
type Unknown struct {
	Header Header
}

func (m *DataSample) header() Header { return m.Header }
func (m *SampleAck) header() Header  { return m.Header }
func (m *SynRequest) header() Header { return m.Header }
func (m *SynAck) header() Header     { return m.Header }
func (m *NakRequest) header() Header { return m.Header }
func (m *NakAck) header() Header     { return m.Header }
func (m *Unknown) header() Header    { return m.Header }

// HeaderOf 返回任意消息的数据报头
func HeaderOf(m Message) Header { return m.header() }

// =============================================================================
// 编码
// =============================================================================

func encodeHeader(buf []byte, order binary.ByteOrder, h Header) {
	order.PutUint32(buf[0:4], h.Source)
	buf[4] = h.Kind
	buf[5] = h.Sub
	order.PutUint32(buf[6:10], h.Sequence)
	order.PutUint16(buf[10:12], h.Length)
}

// BuildData 构建数据样本数据报
func BuildData(order binary.ByteOrder, source, seq uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadSize, len(payload), MaxPayloadSize)
	}
	buf := make([]byte, HeaderSize+len(payload))
	encodeHeader(buf, order, Header{
		Source:   source,
		Kind:     KindData,
		Sub:      SubNone,
		Sequence: seq,
		Length:   uint16(len(payload)),
	})
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// BuildSampleAck 构建逐样本确认数据报
func BuildSampleAck(order binary.ByteOrder, source, seq uint32, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadSize, len(payload), MaxPayloadSize)
	}
	buf := make([]byte, HeaderSize+len(payload))
	encodeHeader(buf, order, Header{
		Source:   source,
		Kind:     KindSampleAck,
		Sub:      SubNone,
		Sequence: seq,
		Length:   uint16(len(payload)),
	})
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// BuildSyn 构建握手请求
func BuildSyn(order binary.ByteOrder, source, seq, sender, recipient uint32) []byte {
	buf := make([]byte, HeaderSize+synPayloadSize)
	encodeHeader(buf, order, Header{
		Source:   source,
		Kind:     KindControl,
		Sub:      SubSyn,
		Sequence: seq,
		Length:   synPayloadSize,
	})
	order.PutUint32(buf[HeaderSize:], sender)
	order.PutUint32(buf[HeaderSize+4:], recipient)
	return buf
}

// BuildSynAck 构建握手确认
func BuildSynAck(order binary.ByteOrder, source, seq, sender, recipient uint32) []byte {
	buf := BuildSyn(order, source, seq, sender, recipient)
	buf[5] = SubSynAck
	return buf
}

func buildNakLike(order binary.ByteOrder, sub byte, source, seq, sender, target, low, high uint32) []byte {
	buf := make([]byte, HeaderSize+nakPayloadSize)
	encodeHeader(buf, order, Header{
		Source:   source,
		Kind:     KindControl,
		Sub:      sub,
		Sequence: seq,
		Length:   nakPayloadSize,
	})
	order.PutUint32(buf[HeaderSize:], sender)
	order.PutUint32(buf[HeaderSize+4:], target)
	order.PutUint32(buf[HeaderSize+8:], low)
	order.PutUint32(buf[HeaderSize+12:], high)
	return buf
}

// BuildNak 构建修复请求
func BuildNak(order binary.ByteOrder, source, seq, sender, target, low, high uint32) []byte {
	return buildNakLike(order, SubNak, source, seq, sender, target, low, high)
}

// BuildNakAck 构建修复确认
func BuildNakAck(order binary.ByteOrder, source, seq, sender, target, low, high uint32) []byte {
	return buildNakLike(order, SubNakAck, source, seq, sender, target, low, high)
}

// =============================================================================
// 解码
// =============================================================================

// DecodeHeader 只解码数据报头
func DecodeHeader(data []byte, order binary.ByteOrder) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d < %d", ErrShortDatagram, len(data), HeaderSize)
	}
	return Header{
		Source:   order.Uint32(data[0:4]),
		Kind:     data[4],
		Sub:      data[5],
		Sequence: order.Uint32(data[6:10]),
		Length:   order.Uint16(data[10:12]),
	}, nil
}

// Decode 解码整个数据报为标签变体
func Decode(data []byte, order binary.ByteOrder) (Message, error) {
	h, err := DecodeHeader(data, order)
	if err != nil {
		return nil, err
	}

	payload := data[HeaderSize:]
	if int(h.Length) > len(payload) {
		return nil, fmt.Errorf("%w: 声明 %d, 实际 %d", ErrShortPayload, h.Length, len(payload))
	}
	payload = payload[:h.Length]

	switch h.Kind {
	case KindData:
		return &DataSample{Header: h, Payload: clone(payload)}, nil

	case KindSampleAck:
		return &SampleAck{Header: h, Payload: clone(payload)}, nil

	case KindControl:
		return decodeControl(h, payload, order)

	default:
		return &Unknown{Header: h}, nil
	}
}

func decodeControl(h Header, payload []byte, order binary.ByteOrder) (Message, error) {
	switch h.Sub {
	case SubSyn, SubSynAck:
		if len(payload) < synPayloadSize {
			return nil, fmt.Errorf("%w: syn %d < %d", ErrShortPayload, len(payload), synPayloadSize)
		}
		sender := order.Uint32(payload[0:4])
		recipient := order.Uint32(payload[4:8])
		if h.Sub == SubSyn {
			return &SynRequest{Header: h, Sender: sender, Recipient: recipient}, nil
		}
		return &SynAck{Header: h, Sender: sender, Recipient: recipient}, nil

	case SubNak, SubNakAck:
		if len(payload) < nakPayloadSize {
			return nil, fmt.Errorf("%w: nak %d < %d", ErrShortPayload, len(payload), nakPayloadSize)
		}
		sender := order.Uint32(payload[0:4])
		target := order.Uint32(payload[4:8])
		low := order.Uint32(payload[8:12])
		high := order.Uint32(payload[12:16])
		if h.Sub == SubNak {
			return &NakRequest{Header: h, Sender: sender, Target: target, Low: low, High: high}, nil
		}
		return &NakAck{Header: h, Sender: sender, Target: target, Low: low, High: high}, nil

	default:
		return &Unknown{Header: h}, nil
	}
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
