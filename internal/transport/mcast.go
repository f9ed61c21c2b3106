// =============================================================================
// 文件: internal/transport/mcast.go
// 描述: UDP 多播组传输 - 组播收发、套接字缓冲、可选数据报加密
// =============================================================================
package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

const (
	// 组播数据报上限, 含协议头
	maxDatagramSize = 2048

	// 套接字缓冲区
	defaultReadBuffer  = 4 * 1024 * 1024
	defaultWriteBuffer = 4 * 1024 * 1024
)

// PacketHandler 入站数据报处理接口
type PacketHandler interface {
	HandlePacket(data []byte, from *net.UDPAddr)
}

// Sealer 数据报封装接口 (加密 + 防重放)
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// MulticastGroup 一个 UDP 多播组上的收发端点
//
// 接收套接字加入组播组; 发送套接字为普通 UDP 套接字, 统一写到组地址。
// 配置了 Sealer 时出站封装、入站解封, 解封失败的包静默丢弃 (只计数)。
type MulticastGroup struct {
	group   *net.UDPAddr
	iface   *net.Interface
	handler PacketHandler
	sealer  Sealer

	recvConn *net.UDPConn
	sendConn *net.UDPConn
	stopCh   chan struct{}
	wg       sync.WaitGroup

	running int32

	// 统计信息
	packetsRecv uint64
	packetsSent uint64
	bytesRecv   uint64
	bytesSent   uint64
	sealErrors  uint64
	openErrors  uint64
}

// NewMulticastGroup 创建多播端点
// group 形如 "239.255.0.1:7400"; ifaceName 为空时由内核选择接口
func NewMulticastGroup(group, ifaceName string, handler PacketHandler) (*MulticastGroup, error) {
	addr, err := net.ResolveUDPAddr("udp4", group)
	if err != nil {
		return nil, fmt.Errorf("解析组播地址失败: %w", err)
	}
	if !addr.IP.IsMulticast() {
		return nil, fmt.Errorf("不是组播地址: %s", addr.IP)
	}

	var iface *net.Interface
	if ifaceName != "" {
		iface, err = net.InterfaceByName(ifaceName)
		if err != nil {
			return nil, fmt.Errorf("查找网络接口失败: %w", err)
		}
	}

	return &MulticastGroup{
		group:   addr,
		iface:   iface,
		handler: handler,
		stopCh:  make(chan struct{}),
	}, nil
}

// SetSealer 设置数据报封装器, 必须在 Start 之前调用
func (g *MulticastGroup) SetSealer(s Sealer) {
	g.sealer = s
}

// Start 加入组播组并启动接收循环
func (g *MulticastGroup) Start() error {
	if !atomic.CompareAndSwapInt32(&g.running, 0, 1) {
		return fmt.Errorf("多播端点已启动")
	}

	recvConn, err := net.ListenMulticastUDP("udp4", g.iface, g.group)
	if err != nil {
		atomic.StoreInt32(&g.running, 0)
		return fmt.Errorf("加入组播组失败: %w", err)
	}
	// 内核可能削减到 rmem_max, 失败不致命
	_ = recvConn.SetReadBuffer(defaultReadBuffer)

	sendConn, err := net.DialUDP("udp4", nil, g.group)
	if err != nil {
		recvConn.Close()
		atomic.StoreInt32(&g.running, 0)
		return fmt.Errorf("创建发送套接字失败: %w", err)
	}
	_ = sendConn.SetWriteBuffer(defaultWriteBuffer)

	g.recvConn = recvConn
	g.sendConn = sendConn

	g.wg.Add(1)
	go g.receiveLoop()
	return nil
}

// receiveLoop 接收循环
func (g *MulticastGroup) receiveLoop() {
	defer g.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := g.recvConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-g.stopCh:
				return
			default:
			}
			// 瞬时错误继续读
			continue
		}

		atomic.AddUint64(&g.packetsRecv, 1)
		atomic.AddUint64(&g.bytesRecv, uint64(n))

		data := make([]byte, n)
		copy(data, buf[:n])

		if g.sealer != nil {
			plain, err := g.sealer.Open(data)
			if err != nil {
				atomic.AddUint64(&g.openErrors, 1)
				continue
			}
			data = plain
		}

		g.handler.HandlePacket(data, from)
	}
}

// Send 向组播组发送一个数据报
func (g *MulticastGroup) Send(datagram []byte) error {
	if atomic.LoadInt32(&g.running) == 0 {
		return fmt.Errorf("多播端点未启动")
	}

	out := datagram
	if g.sealer != nil {
		sealed, err := g.sealer.Seal(datagram)
		if err != nil {
			atomic.AddUint64(&g.sealErrors, 1)
			return fmt.Errorf("封装数据报失败: %w", err)
		}
		out = sealed
	}
	if len(out) > maxDatagramSize {
		return fmt.Errorf("数据报超过组播上限: %d > %d", len(out), maxDatagramSize)
	}

	n, err := g.sendConn.Write(out)
	if err != nil {
		return fmt.Errorf("组播发送失败: %w", err)
	}
	atomic.AddUint64(&g.packetsSent, 1)
	atomic.AddUint64(&g.bytesSent, uint64(n))
	return nil
}

// Stop 退出组播组并等待接收循环结束
func (g *MulticastGroup) Stop() {
	if !atomic.CompareAndSwapInt32(&g.running, 1, 0) {
		return
	}
	close(g.stopCh)
	if g.recvConn != nil {
		g.recvConn.Close()
	}
	if g.sendConn != nil {
		g.sendConn.Close()
	}
	g.wg.Wait()
}

// GetStats 传输层统计快照
func (g *MulticastGroup) GetStats() (packetsRecv, packetsSent, bytesRecv, bytesSent uint64) {
	return atomic.LoadUint64(&g.packetsRecv),
		atomic.LoadUint64(&g.packetsSent),
		atomic.LoadUint64(&g.bytesRecv),
		atomic.LoadUint64(&g.bytesSent)
}

// GetOpenErrors 解封失败计数
func (g *MulticastGroup) GetOpenErrors() uint64 {
	return atomic.LoadUint64(&g.openErrors)
}
