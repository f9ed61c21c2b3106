// =============================================================================
// 文件: cmd/rmcast-peer/main.go
// 描述: 主程序入口 - 组播端点, 集成 Prometheus 指标与 WebSocket 桥
// =============================================================================
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/rmcast/internal/config"
	"github.com/mrcgq/rmcast/internal/crypto"
	"github.com/mrcgq/rmcast/internal/link"
	"github.com/mrcgq/rmcast/internal/metrics"
	"github.com/mrcgq/rmcast/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("c", "config.yaml", "配置文件路径")
	showVersion := flag.Bool("v", false, "显示版本")
	genPSK := flag.Bool("gen-psk", false, "生成新的 PSK")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	activeFlag := flag.Bool("active", false, "以主动端发起握手 (覆盖配置)")
	publishMode := flag.Bool("publish", false, "从标准输入逐行读取并发布")
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genPSK {
		psk, err := crypto.GeneratePSK()
		if err != nil {
			fmt.Fprintf(os.Stderr, "生成 PSK 失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(psk)
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	if *activeFlag {
		cfg.Active = true
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
	}

	if err := run(cfg, *publishMode); err != nil {
		fmt.Fprintf(os.Stderr, "运行失败: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, publishMode bool) error {
	handler := &sampleSink{logLevel: cfg.LogLevel}

	lcfg := link.Config{
		LocalPeer:       cfg.LocalPeer,
		RemotePeer:      cfg.RemotePeer,
		SynInterval:     cfg.Link.SynInterval(),
		SynTimeout:      cfg.Link.SynTimeout(),
		NakInterval:     cfg.Link.NakInterval(),
		NakTimeout:      cfg.Link.NakTimeout(),
		ResendCacheSize: cfg.Link.ResendCache,
		Order:           cfg.Order(),
	}

	bridgeClient := cfg.Bridge.Enabled && cfg.Bridge.Mode == "client"
	bridgeServer := cfg.Bridge.Enabled && cfg.Bridge.Mode == "server"

	// 组装数据通路: 传输入站 -> 链路引擎; 链路出站 -> 传输
	// 先建传输 (需要入站处理器), 再建链路 (需要发送器), 最后补上回指
	var (
		l      *link.ReliableLink
		group  *transport.MulticastGroup
		bridge *transport.WSBridgeServer
		client *transport.WSBridgeClient
		err    error
	)

	if bridgeClient {
		// 组播孤岛: 经 WebSocket 桥参与组
		ingress := &clientIngress{}
		client = transport.NewWSBridgeClient(cfg.Bridge.Remote, ingress)
		l = link.NewReliableLink(lcfg, client, handler)
		ingress.link = l

		if err := client.Connect(); err != nil {
			return err
		}
		defer client.Close()
	} else {
		ingress := &groupIngress{}
		group, err = transport.NewMulticastGroup(cfg.Group, cfg.Interface, ingress)
		if err != nil {
			return err
		}

		if cfg.Crypto.Enabled {
			sealer, err := crypto.NewSealer(cfg.Crypto.PSK, cfg.Crypto.TimeWindow)
			if err != nil {
				return err
			}
			group.SetSealer(sealer)
		}

		l = link.NewReliableLink(lcfg, group, handler)
		ingress.link = l

		if bridgeServer {
			bridge = transport.NewWSBridgeServer(cfg.Bridge.Listen, cfg.Bridge.Path,
				&bridgeIngress{link: l, group: group})
			ingress.bridge = bridge
			if err := bridge.Start(); err != nil {
				return err
			}
			defer bridge.Stop()
			logInfo(cfg.LogLevel, "WebSocket 桥已启动: %s%s", cfg.Bridge.Listen, cfg.Bridge.Path)
		}

		if err := group.Start(); err != nil {
			return err
		}
		defer group.Stop()
		logInfo(cfg.LogLevel, "已加入组播组: %s", cfg.Group)
	}

	// 指标服务
	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(
			cfg.Metrics.Listen,
			cfg.Metrics.Path,
			cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof,
		)
		metricsServer.MustRegisterCollector(metrics.NewLinkCollector(l))
		if group != nil {
			metricsServer.MustRegisterCollector(metrics.NewTransportCollector(group))
		}
		if bridge != nil {
			metricsServer.MustRegisterCollector(metrics.NewBridgeCollector(bridge))
		}
		metricsServer.SetHealthCheck(func() metrics.HealthStatus {
			return healthStatus(cfg, l)
		})

		if err := metricsServer.Start(); err != nil {
			return err
		}
		defer metricsServer.Stop()
		logInfo(cfg.LogLevel, "指标服务已启动: %s%s", cfg.Metrics.Listen, cfg.Metrics.Path)
	}

	// 看门狗基座 + 加入链路
	sched := transport.NewTickerScheduler()
	defer sched.Close()

	if err := l.Join(sched, cfg.Active); err != nil {
		return err
	}
	defer l.Leave()

	role := "被动端"
	if cfg.Active {
		role = "主动端"
	}
	logInfo(cfg.LogLevel, "链路已加入: peer=%d %s", cfg.LocalPeer, role)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	if publishMode {
		g.Go(func() error {
			return publishLoop(gctx, l)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Println("\n正在关闭...")
	return nil
}

// publishLoop 逐行读取标准输入并发布
func publishLoop(ctx context.Context, l *link.ReliableLink) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if err := l.Publish(line); err != nil {
				fmt.Fprintf(os.Stderr, "发布失败: %v\n", err)
			}
		}
	}
}

// =============================================================================
// 数据通路胶合
// =============================================================================

// groupIngress 组播入站: 交给链路, 桥模式下同时扇出给远端
type groupIngress struct {
	link   *link.ReliableLink
	bridge *transport.WSBridgeServer
}

func (g *groupIngress) HandlePacket(data []byte, from *net.UDPAddr) {
	g.link.HandleDatagram(data)
	if g.bridge != nil {
		g.bridge.Broadcast(data)
	}
}

// bridgeIngress 桥入站: 交给链路并注入本地组播组
type bridgeIngress struct {
	link  *link.ReliableLink
	group *transport.MulticastGroup
}

func (b *bridgeIngress) HandlePacket(data []byte, from *net.UDPAddr) {
	b.link.HandleDatagram(data)
	if err := b.group.Send(data); err != nil {
		fmt.Fprintf(os.Stderr, "桥注入组播失败: %v\n", err)
	}
}

// clientIngress 桥客户端入站: 直接交给链路
type clientIngress struct {
	link *link.ReliableLink
}

func (c *clientIngress) HandlePacket(data []byte, from *net.UDPAddr) {
	c.link.HandleDatagram(data)
}

// sampleSink 数据路径回调: 样本写标准输出, 事件写标准错误
type sampleSink struct {
	logLevel string
}

func (s *sampleSink) OnSample(source, seq uint32, payload []byte) {
	fmt.Printf("%s\n", payload)
}

func (s *sampleSink) OnSampleAck(source, seq uint32, payload []byte) {
	if s.logLevel == "debug" {
		fmt.Fprintf(os.Stderr, "[DEBUG] 样本确认: peer=%d seq=%d\n", source, seq)
	}
}

func (s *sampleSink) OnAcked(peer uint32) {
	logInfo(s.logLevel, "握手完成: peer=%d", peer)
}

// =============================================================================
// 辅助
// =============================================================================

func healthStatus(cfg *config.Config, l *link.ReliableLink) metrics.HealthStatus {
	components := make(map[string]metrics.ComponentHealth)

	linkStatus := "healthy"
	linkMsg := ""
	if cfg.Active && !l.IsAcknowledged() {
		linkStatus = "degraded"
		linkMsg = fmt.Sprintf("握手未完成: %s", l.GetHandshakeState())
	}
	components["link"] = metrics.ComponentHealth{Status: linkStatus, Message: linkMsg}

	overall := "healthy"
	if linkStatus != "healthy" {
		overall = "degraded"
	}
	return metrics.HealthStatus{
		Status:     overall,
		Timestamp:  time.Now(),
		Components: components,
	}
}

func logInfo(level, format string, args ...interface{}) {
	if level == "error" {
		return
	}
	fmt.Printf("[INFO] %s %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

func printVersion() {
	fmt.Printf("rmcast-peer %s\n", Version)
	fmt.Printf("  构建时间: %s\n", BuildTime)
	fmt.Printf("  Git 提交: %s\n", GitCommit)
	fmt.Printf("  Go 版本:  %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
