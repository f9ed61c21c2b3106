// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 组播组、链路参数、加密、桥与监控
// =============================================================================
package config

import (
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 主配置
type Config struct {
	Group      string `yaml:"group"`       // 组播地址, 形如 "239.255.0.1:7400"
	Interface  string `yaml:"interface"`   // 网络接口名, 空则由内核选择
	LocalPeer  uint32 `yaml:"local_peer"`  // 本端标识, 组内唯一, 非零
	RemotePeer uint32 `yaml:"remote_peer"` // 主动端握手的目标
	Active     bool   `yaml:"active"`      // 主动端发起握手
	ByteOrder  string `yaml:"byte_order"`  // 线缆字节序: big, little
	LogLevel   string `yaml:"log_level"`   // debug, info, error

	Link    LinkConfig    `yaml:"link"`
	Crypto  CryptoConfig  `yaml:"crypto"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LinkConfig 可靠链路参数
type LinkConfig struct {
	SynIntervalMs int `yaml:"syn_interval_ms"` // 握手请求重发周期
	SynTimeoutMs  int `yaml:"syn_timeout_ms"`  // 放弃握手的期限
	NakIntervalMs int `yaml:"nak_interval_ms"` // 缺口扫描周期
	NakTimeoutMs  int `yaml:"nak_timeout_ms"`  // 修复请求的放弃期限
	ResendCache   int `yaml:"resend_cache"`    // 重发缓存容量 (数据报个数)
}

// CryptoConfig 数据报加密配置
type CryptoConfig struct {
	Enabled    bool   `yaml:"enabled"`
	PSK        string `yaml:"psk"`         // base64 编码的 32 字节预共享密钥
	TimeWindow int    `yaml:"time_window"` // 密钥轮换窗口 (秒)
}

// BridgeConfig WebSocket 桥配置
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"`   // server, client
	Listen  string `yaml:"listen"` // server 模式监听地址
	Path    string `yaml:"path"`   // server 模式 WebSocket 路径
	Remote  string `yaml:"remote"` // client 模式连接的 ws:// URL
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// Load 读取并验证配置文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Group:     "239.255.0.1:7400",
		ByteOrder: "big",
		LogLevel:  "info",

		Link: LinkConfig{
			SynIntervalMs: 250,
			SynTimeoutMs:  30000,
			NakIntervalMs: 500,
			NakTimeoutMs:  30000,
			ResendCache:   1024,
		},

		Crypto: CryptoConfig{
			Enabled:    false,
			TimeWindow: 60,
		},

		Bridge: BridgeConfig{
			Enabled: false,
			Mode:    "server",
			Listen:  ":8080",
			Path:    "/bridge",
		},

		Metrics: MetricsConfig{
			Enabled:     true,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	addr, err := net.ResolveUDPAddr("udp4", c.Group)
	if err != nil {
		return fmt.Errorf("group 解析失败: %w", err)
	}
	if !addr.IP.IsMulticast() {
		return fmt.Errorf("group 必须是组播地址: %s", addr.IP)
	}

	if c.LocalPeer == 0 {
		return fmt.Errorf("local_peer 不能为 0")
	}
	if c.Active {
		if c.RemotePeer == 0 {
			return fmt.Errorf("主动端必须配置 remote_peer")
		}
		if c.RemotePeer == c.LocalPeer {
			return fmt.Errorf("remote_peer 不能与 local_peer 相同")
		}
	}

	switch c.ByteOrder {
	case "big", "little":
	default:
		return fmt.Errorf("byte_order 需为 big 或 little: %s", c.ByteOrder)
	}

	switch c.LogLevel {
	case "debug", "info", "error":
	default:
		return fmt.Errorf("log_level 需为 debug/info/error: %s", c.LogLevel)
	}

	if err := c.Link.validate(); err != nil {
		return err
	}

	if c.Crypto.Enabled {
		if c.Crypto.PSK == "" {
			return fmt.Errorf("启用加密时 crypto.psk 不能为空")
		}
		if c.Crypto.TimeWindow < 1 || c.Crypto.TimeWindow > 3600 {
			return fmt.Errorf("crypto.time_window 需在 1-3600 之间")
		}
	}

	if c.Bridge.Enabled {
		switch c.Bridge.Mode {
		case "server":
			if c.Bridge.Listen == "" {
				return fmt.Errorf("桥 server 模式必须配置 bridge.listen")
			}
			if !strings.HasPrefix(c.Bridge.Path, "/") {
				return fmt.Errorf("bridge.path 必须以 / 开头: %s", c.Bridge.Path)
			}
		case "client":
			if !strings.HasPrefix(c.Bridge.Remote, "ws://") &&
				!strings.HasPrefix(c.Bridge.Remote, "wss://") {
				return fmt.Errorf("bridge.remote 需为 ws:// 或 wss:// URL: %s", c.Bridge.Remote)
			}
		default:
			return fmt.Errorf("bridge.mode 需为 server 或 client: %s", c.Bridge.Mode)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Listen == "" {
			return fmt.Errorf("metrics.listen 不能为空")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics.path 必须以 / 开头: %s", c.Metrics.Path)
		}
	}

	return nil
}

func (l *LinkConfig) validate() error {
	if l.SynIntervalMs < 10 {
		return fmt.Errorf("link.syn_interval_ms 不能小于 10")
	}
	if l.NakIntervalMs < 10 {
		return fmt.Errorf("link.nak_interval_ms 不能小于 10")
	}
	if l.SynTimeoutMs < l.SynIntervalMs {
		return fmt.Errorf("link.syn_timeout_ms 不能小于 syn_interval_ms")
	}
	if l.NakTimeoutMs < l.NakIntervalMs {
		return fmt.Errorf("link.nak_timeout_ms 不能小于 nak_interval_ms")
	}
	if l.ResendCache < 1 {
		return fmt.Errorf("link.resend_cache 不能小于 1")
	}
	return nil
}

// Order 返回配置的线缆字节序
func (c *Config) Order() binary.ByteOrder {
	if c.ByteOrder == "little" {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// SynInterval 握手请求重发周期
func (l *LinkConfig) SynInterval() time.Duration {
	return time.Duration(l.SynIntervalMs) * time.Millisecond
}

// SynTimeout 放弃握手的期限
func (l *LinkConfig) SynTimeout() time.Duration {
	return time.Duration(l.SynTimeoutMs) * time.Millisecond
}

// NakInterval 缺口扫描周期
func (l *LinkConfig) NakInterval() time.Duration {
	return time.Duration(l.NakIntervalMs) * time.Millisecond
}

// NakTimeout 修复请求的放弃期限
func (l *LinkConfig) NakTimeout() time.Duration {
	return time.Duration(l.NakTimeoutMs) * time.Millisecond
}

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# rmcast 配置文件示例
# =============================================================================

# 组播组
group: "239.255.0.1:7400"           # 组播地址
interface: ""                       # 网络接口名, 空则由内核选择

# 端点标识
local_peer: 1                       # 本端标识 (组内唯一, 非零)
remote_peer: 2                      # 握手目标 (主动端必填)
active: false                       # 主动端发起握手

byte_order: "big"                   # 线缆字节序: big, little
log_level: "info"                   # 日志级别: debug, info, error

# 可靠链路
link:
  syn_interval_ms: 250              # 握手请求重发周期
  syn_timeout_ms: 30000             # 放弃握手的期限
  nak_interval_ms: 500              # 缺口扫描周期
  nak_timeout_ms: 30000             # 修复请求的放弃期限
  resend_cache: 1024                # 重发缓存容量 (数据报个数)

# 数据报加密
crypto:
  enabled: false
  psk: ""                           # 使用 --gen-psk 生成
  time_window: 60                   # 密钥轮换窗口 (秒)

# WebSocket 桥 (中继无法加入组播的远端)
bridge:
  enabled: false
  mode: "server"                    # server, client
  listen: ":8080"                   # server 模式监听地址
  path: "/bridge"
  remote: ""                        # client 模式: ws://relay.example.com:8080/bridge

# 监控
metrics:
  enabled: true
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
