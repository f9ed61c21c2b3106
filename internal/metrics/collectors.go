// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// =============================================================================
// 链路收集器
// =============================================================================

// LinkStats 链路统计数据接口
type LinkStats interface {
	GetHandshakeState() string
	GetPeersTracked() int
	GetGapCount() uint64
	GetOutstandingNaks() int

	GetSynsSent() uint64
	GetSynAcksSent() uint64
	GetSynAcksReceived() uint64
	GetHandshakeTimeouts() uint64

	GetNaksSent() uint64
	GetNaksReceived() uint64
	GetNakAcksSent() uint64
	GetNakAcksReceived() uint64
	GetResends() uint64
	GetSkippedDatagrams() uint64

	GetSamplesDelivered() uint64
	GetSamplesPublished() uint64
	GetDuplicates() uint64
	GetUnknownMessages() uint64
	GetDecodeErrors() uint64
	GetSendErrors() uint64
	GetInternalErrors() uint64
}

// LinkCollector 链路指标收集器
type LinkCollector struct {
	statsProvider LinkStats

	// 状态
	handshakeStateDesc  *prometheus.Desc
	peersTrackedDesc    *prometheus.Desc
	gapCountDesc        *prometheus.Desc
	outstandingNaksDesc *prometheus.Desc

	// 握手
	synsSentDesc          *prometheus.Desc
	synAcksSentDesc       *prometheus.Desc
	synAcksReceivedDesc   *prometheus.Desc
	handshakeTimeoutsDesc *prometheus.Desc

	// 修复循环
	naksSentDesc         *prometheus.Desc
	naksReceivedDesc     *prometheus.Desc
	nakAcksSentDesc      *prometheus.Desc
	nakAcksReceivedDesc  *prometheus.Desc
	resendsDesc          *prometheus.Desc
	skippedDatagramsDesc *prometheus.Desc

	// 数据路径
	samplesDeliveredDesc *prometheus.Desc
	samplesPublishedDesc *prometheus.Desc
	duplicatesDesc       *prometheus.Desc
	unknownMessagesDesc  *prometheus.Desc
	decodeErrorsDesc     *prometheus.Desc
	sendErrorsDesc       *prometheus.Desc
	internalErrorsDesc   *prometheus.Desc
}

// NewLinkCollector 创建链路收集器
func NewLinkCollector(provider LinkStats) *LinkCollector {
	namespace := "rmcast"
	subsystem := "link"

	return &LinkCollector{
		statsProvider: provider,

		handshakeStateDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "handshake_state"),
			"Current handshake state (1 = active)",
			[]string{"state"}, nil,
		),
		peersTrackedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "peers_tracked"),
			"Number of remote peers with a sequence tracker",
			nil, nil,
		),
		gapCountDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "missing_sequences"),
			"Currently missing sequence numbers across all peers",
			nil, nil,
		),
		outstandingNaksDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "outstanding_naks"),
			"Repair requests awaiting an answer",
			nil, nil,
		),

		synsSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "syns_sent_total"),
			"Handshake requests sent",
			nil, nil,
		),
		synAcksSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "synacks_sent_total"),
			"Handshake acknowledgements sent",
			nil, nil,
		),
		synAcksReceivedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "synacks_received_total"),
			"Handshake acknowledgements received",
			nil, nil,
		),
		handshakeTimeoutsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "handshake_timeouts_total"),
			"Handshakes abandoned after the deadline",
			nil, nil,
		),

		naksSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "naks_sent_total"),
			"Repair requests sent",
			nil, nil,
		),
		naksReceivedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "naks_received_total"),
			"Repair requests received",
			nil, nil,
		),
		nakAcksSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "nakacks_sent_total"),
			"Data-unavailable answers sent",
			nil, nil,
		),
		nakAcksReceivedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "nakacks_received_total"),
			"Data-unavailable answers received",
			nil, nil,
		),
		resendsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "resends_total"),
			"Datagrams resent from the resend cache",
			nil, nil,
		),
		skippedDatagramsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "skipped_datagrams_total"),
			"Missing sequence numbers given up on",
			nil, nil,
		),

		samplesDeliveredDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "samples_delivered_total"),
			"Data samples delivered upward",
			nil, nil,
		),
		samplesPublishedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "samples_published_total"),
			"Data samples published",
			nil, nil,
		),
		duplicatesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "duplicates_total"),
			"Duplicate datagrams suppressed",
			nil, nil,
		),
		unknownMessagesDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "unknown_messages_total"),
			"Datagrams with an unknown message kind",
			nil, nil,
		),
		decodeErrorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "decode_errors_total"),
			"Datagrams that failed to decode",
			nil, nil,
		),
		sendErrorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "send_errors_total"),
			"Transport send failures",
			nil, nil,
		),
		internalErrorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "internal_errors_total"),
			"Internal consistency errors",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *LinkCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.handshakeStateDesc
	ch <- c.peersTrackedDesc
	ch <- c.gapCountDesc
	ch <- c.outstandingNaksDesc
	ch <- c.synsSentDesc
	ch <- c.synAcksSentDesc
	ch <- c.synAcksReceivedDesc
	ch <- c.handshakeTimeoutsDesc
	ch <- c.naksSentDesc
	ch <- c.naksReceivedDesc
	ch <- c.nakAcksSentDesc
	ch <- c.nakAcksReceivedDesc
	ch <- c.resendsDesc
	ch <- c.skippedDatagramsDesc
	ch <- c.samplesDeliveredDesc
	ch <- c.samplesPublishedDesc
	ch <- c.duplicatesDesc
	ch <- c.unknownMessagesDesc
	ch <- c.decodeErrorsDesc
	ch <- c.sendErrorsDesc
	ch <- c.internalErrorsDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *LinkCollector) Collect(ch chan<- prometheus.Metric) {
	// 握手状态
	current := c.statsProvider.GetHandshakeState()
	for _, state := range []string{"idle", "awaiting_ack", "acked"} {
		val := 0.0
		if state == current {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.handshakeStateDesc, prometheus.GaugeValue, val, state)
	}

	ch <- prometheus.MustNewConstMetric(c.peersTrackedDesc, prometheus.GaugeValue,
		float64(c.statsProvider.GetPeersTracked()))
	ch <- prometheus.MustNewConstMetric(c.gapCountDesc, prometheus.GaugeValue,
		float64(c.statsProvider.GetGapCount()))
	ch <- prometheus.MustNewConstMetric(c.outstandingNaksDesc, prometheus.GaugeValue,
		float64(c.statsProvider.GetOutstandingNaks()))

	ch <- prometheus.MustNewConstMetric(c.synsSentDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetSynsSent()))
	ch <- prometheus.MustNewConstMetric(c.synAcksSentDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetSynAcksSent()))
	ch <- prometheus.MustNewConstMetric(c.synAcksReceivedDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetSynAcksReceived()))
	ch <- prometheus.MustNewConstMetric(c.handshakeTimeoutsDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetHandshakeTimeouts()))

	ch <- prometheus.MustNewConstMetric(c.naksSentDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetNaksSent()))
	ch <- prometheus.MustNewConstMetric(c.naksReceivedDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetNaksReceived()))
	ch <- prometheus.MustNewConstMetric(c.nakAcksSentDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetNakAcksSent()))
	ch <- prometheus.MustNewConstMetric(c.nakAcksReceivedDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetNakAcksReceived()))
	ch <- prometheus.MustNewConstMetric(c.resendsDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetResends()))
	ch <- prometheus.MustNewConstMetric(c.skippedDatagramsDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetSkippedDatagrams()))

	ch <- prometheus.MustNewConstMetric(c.samplesDeliveredDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetSamplesDelivered()))
	ch <- prometheus.MustNewConstMetric(c.samplesPublishedDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetSamplesPublished()))
	ch <- prometheus.MustNewConstMetric(c.duplicatesDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetDuplicates()))
	ch <- prometheus.MustNewConstMetric(c.unknownMessagesDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetUnknownMessages()))
	ch <- prometheus.MustNewConstMetric(c.decodeErrorsDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetDecodeErrors()))
	ch <- prometheus.MustNewConstMetric(c.sendErrorsDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetSendErrors()))
	ch <- prometheus.MustNewConstMetric(c.internalErrorsDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetInternalErrors()))
}

// =============================================================================
// 传输收集器
// =============================================================================

// TransportStats 组播传输统计数据接口
type TransportStats interface {
	GetStats() (packetsRecv, packetsSent, bytesRecv, bytesSent uint64)
	GetOpenErrors() uint64
}

// TransportCollector 组播传输指标收集器
type TransportCollector struct {
	statsProvider TransportStats

	packetsRecvDesc *prometheus.Desc
	packetsSentDesc *prometheus.Desc
	bytesRecvDesc   *prometheus.Desc
	bytesSentDesc   *prometheus.Desc
	openErrorsDesc  *prometheus.Desc
}

// NewTransportCollector 创建传输收集器
func NewTransportCollector(provider TransportStats) *TransportCollector {
	namespace := "rmcast"
	subsystem := "transport"

	return &TransportCollector{
		statsProvider: provider,

		packetsRecvDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "packets_received_total"),
			"Datagrams received from the multicast group",
			nil, nil,
		),
		packetsSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "packets_sent_total"),
			"Datagrams sent to the multicast group",
			nil, nil,
		),
		bytesRecvDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_received_total"),
			"Bytes received from the multicast group",
			nil, nil,
		),
		bytesSentDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "bytes_sent_total"),
			"Bytes sent to the multicast group",
			nil, nil,
		),
		openErrorsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "open_errors_total"),
			"Datagrams dropped by decryption or replay protection",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *TransportCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.packetsRecvDesc
	ch <- c.packetsSentDesc
	ch <- c.bytesRecvDesc
	ch <- c.bytesSentDesc
	ch <- c.openErrorsDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *TransportCollector) Collect(ch chan<- prometheus.Metric) {
	packetsRecv, packetsSent, bytesRecv, bytesSent := c.statsProvider.GetStats()

	ch <- prometheus.MustNewConstMetric(c.packetsRecvDesc, prometheus.CounterValue, float64(packetsRecv))
	ch <- prometheus.MustNewConstMetric(c.packetsSentDesc, prometheus.CounterValue, float64(packetsSent))
	ch <- prometheus.MustNewConstMetric(c.bytesRecvDesc, prometheus.CounterValue, float64(bytesRecv))
	ch <- prometheus.MustNewConstMetric(c.bytesSentDesc, prometheus.CounterValue, float64(bytesSent))
	ch <- prometheus.MustNewConstMetric(c.openErrorsDesc, prometheus.CounterValue,
		float64(c.statsProvider.GetOpenErrors()))
}

// =============================================================================
// 桥收集器
// =============================================================================

// BridgeStats WebSocket 桥统计数据接口
type BridgeStats interface {
	GetActiveConns() int64
	GetRelayed() (in, out uint64)
}

// BridgeCollector WebSocket 桥指标收集器
type BridgeCollector struct {
	statsProvider BridgeStats

	activeConnsDesc *prometheus.Desc
	relayedInDesc   *prometheus.Desc
	relayedOutDesc  *prometheus.Desc
}

// NewBridgeCollector 创建桥收集器
func NewBridgeCollector(provider BridgeStats) *BridgeCollector {
	namespace := "rmcast"
	subsystem := "bridge"

	return &BridgeCollector{
		statsProvider: provider,

		activeConnsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "active_connections"),
			"Active bridge sessions",
			nil, nil,
		),
		relayedInDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "relayed_in_total"),
			"Datagrams relayed from bridge sessions to the group",
			nil, nil,
		),
		relayedOutDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "relayed_out_total"),
			"Datagrams fanned out to bridge sessions",
			nil, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *BridgeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeConnsDesc
	ch <- c.relayedInDesc
	ch <- c.relayedOutDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *BridgeCollector) Collect(ch chan<- prometheus.Metric) {
	in, out := c.statsProvider.GetRelayed()

	ch <- prometheus.MustNewConstMetric(c.activeConnsDesc, prometheus.GaugeValue,
		float64(c.statsProvider.GetActiveConns()))
	ch <- prometheus.MustNewConstMetric(c.relayedInDesc, prometheus.CounterValue, float64(in))
	ch <- prometheus.MustNewConstMetric(c.relayedOutDesc, prometheus.CounterValue, float64(out))
}
