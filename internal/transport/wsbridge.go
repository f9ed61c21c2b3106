// =============================================================================
// 文件: internal/transport/wsbridge.go
// 描述: WebSocket 数据报桥 - 把组播数据报中继到无法加入组播的远端
// =============================================================================
package transport

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 30 * time.Second
	wsReadTimeout  = 5 * time.Minute
	wsIdleTimeout  = 10 * time.Minute
)

// WSBridgeServer WebSocket 桥服务端
//
// 每个二进制消息承载一个完整数据报。入站数据报交给 handler
// (通常再注入本地组播组); Broadcast 把本地组播收到的数据报扇出到全部会话。
type WSBridgeServer struct {
	addr    string
	path    string
	handler PacketHandler

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
	conns      sync.Map // *websocket.Conn -> *wsBridgeSession
	stopCh     chan struct{}
	wg         sync.WaitGroup

	activeConns int64
	relayedIn   uint64
	relayedOut  uint64
}

// wsBridgeSession 桥会话
type wsBridgeSession struct {
	conn       *websocket.Conn
	addr       *net.UDPAddr // 模拟 UDP 地址
	lastActive time.Time
	mu         sync.Mutex
}

// NewWSBridgeServer 创建桥服务端
func NewWSBridgeServer(addr, path string, handler PacketHandler) *WSBridgeServer {
	return &WSBridgeServer{
		addr:    addr,
		path:    path,
		handler: handler,
		stopCh:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Start 启动桥服务端
func (s *WSBridgeServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleBridge)
	mux.HandleFunc("/", s.handleDefaultPage)

	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("桥服务端监听失败: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			fmt.Printf("[ERROR] %s [WSBridge] HTTP 服务器错误: %v\n",
				time.Now().Format("15:04:05"), err)
		}
	}()

	s.wg.Add(1)
	go s.cleanupLoop()
	return nil
}

// handleBridge 升级连接并进入读取循环
func (s *WSBridgeServer) handleBridge(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	atomic.AddInt64(&s.activeConns, 1)
	defer atomic.AddInt64(&s.activeConns, -1)

	remoteAddr, _ := net.ResolveUDPAddr("udp", r.RemoteAddr)
	if remoteAddr == nil {
		remoteAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	}

	session := &wsBridgeSession{
		conn:       conn,
		addr:       remoteAddr,
		lastActive: time.Now(),
	}
	s.conns.Store(conn, session)
	defer func() {
		s.conns.Delete(conn)
		conn.Close()
	}()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		session.mu.Lock()
		session.lastActive = time.Now()
		session.mu.Unlock()

		atomic.AddUint64(&s.relayedIn, 1)
		if s.handler != nil {
			s.handler.HandlePacket(data, remoteAddr)
		}
	}
}

// handleDefaultPage 非桥路径返回一个普通页面
func (s *WSBridgeServer) handleDefaultPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `<!DOCTYPE html>
<html>
<head><title>Welcome</title><meta charset="utf-8"></head>
<body><h1>It works!</h1></body>
</html>`)
}

// Broadcast 向全部桥会话扇出一个数据报
func (s *WSBridgeServer) Broadcast(datagram []byte) {
	s.conns.Range(func(key, value interface{}) bool {
		session := value.(*wsBridgeSession)
		session.mu.Lock()
		session.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		err := session.conn.WriteMessage(websocket.BinaryMessage, datagram)
		session.mu.Unlock()
		if err == nil {
			atomic.AddUint64(&s.relayedOut, 1)
		}
		return true
	})
}

// cleanupLoop 定期关闭空闲会话
func (s *WSBridgeServer) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			s.conns.Range(func(key, value interface{}) bool {
				session := value.(*wsBridgeSession)
				session.mu.Lock()
				idle := now.Sub(session.lastActive) > wsIdleTimeout
				session.mu.Unlock()
				if idle {
					conn := key.(*websocket.Conn)
					conn.Close()
					s.conns.Delete(key)
				}
				return true
			})
		}
	}
}

// Stop 关闭全部会话并停止服务
func (s *WSBridgeServer) Stop() {
	close(s.stopCh)

	s.conns.Range(func(key, value interface{}) bool {
		conn := key.(*websocket.Conn)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
		return true
	})

	if s.httpServer != nil {
		s.httpServer.Close()
	}
	s.wg.Wait()
}

// Addr 实际监听地址, Start 成功后有效
func (s *WSBridgeServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// GetActiveConns 活跃会话数
func (s *WSBridgeServer) GetActiveConns() int64 {
	return atomic.LoadInt64(&s.activeConns)
}

// GetRelayed 中继计数 (入站, 出站)
func (s *WSBridgeServer) GetRelayed() (in, out uint64) {
	return atomic.LoadUint64(&s.relayedIn), atomic.LoadUint64(&s.relayedOut)
}

// =============================================================================
// 客户端
// =============================================================================

// WSBridgeClient WebSocket 桥客户端
// 远端孤岛通过它参与组播组: Send 上行, 入站数据报交给 handler
type WSBridgeClient struct {
	url     string
	handler PacketHandler

	conn    *websocket.Conn
	writeMu sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup

	connected int32
}

// NewWSBridgeClient 创建桥客户端
// url 形如 "ws://relay.example.com:8080/bridge"
func NewWSBridgeClient(url string, handler PacketHandler) *WSBridgeClient {
	return &WSBridgeClient{
		url:     url,
		handler: handler,
		stopCh:  make(chan struct{}),
	}
}

// Connect 建立连接并启动读取循环
func (c *WSBridgeClient) Connect() error {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.Dial(c.url, nil)
	if err != nil {
		return fmt.Errorf("连接桥服务端失败: %w", err)
	}
	c.conn = conn
	atomic.StoreInt32(&c.connected, 1)

	c.wg.Add(1)
	go c.readLoop()
	return nil
}

// readLoop 读取循环
func (c *WSBridgeClient) readLoop() {
	defer c.wg.Done()
	defer atomic.StoreInt32(&c.connected, 0)

	remoteAddr, _ := net.ResolveUDPAddr("udp", c.conn.RemoteAddr().String())
	if remoteAddr == nil {
		remoteAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	}

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if c.handler != nil {
			c.handler.HandlePacket(data, remoteAddr)
		}
	}
}

// Send 上行一个数据报
func (c *WSBridgeClient) Send(datagram []byte) error {
	if atomic.LoadInt32(&c.connected) == 0 {
		return fmt.Errorf("桥客户端未连接")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, datagram)
}

// Close 关闭连接
func (c *WSBridgeClient) Close() {
	close(c.stopCh)
	if c.conn != nil {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.conn.Close()
	}
	c.wg.Wait()
}
