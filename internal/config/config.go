// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - YAML 配置加载、默认值、端口冲突检测、ARDP 参数校验
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/ardp/internal/logging"
	"github.com/mrcgq/ardp/internal/transport"
)

// Config 主配置
type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`

	ARDP    ARDPConfig    `yaml:"ardp"`
	Socket  SocketConfig  `yaml:"socket"`
	Metrics MetricsConfig `yaml:"metrics"`
	Client  ClientConfig  `yaml:"client"`
}

// ARDPConfig 协议参数，时间单位为毫秒
type ARDPConfig struct {
	ConnectTimeoutMs         int  `yaml:"connect_timeout_ms"`
	ConnectRetries           int  `yaml:"connect_retries"`
	InitialDataTimeoutMs     int  `yaml:"initial_data_timeout_ms"`
	TotalDataRetryTimeoutMs  int  `yaml:"total_data_retry_timeout_ms"`
	MinDataRetries           int  `yaml:"min_data_retries"`
	PersistIntervalMs        int  `yaml:"persist_interval_ms"`
	TotalAppTimeoutMs        int  `yaml:"total_app_timeout_ms"`
	LinkTimeoutMs            int  `yaml:"link_timeout_ms"`
	KeepaliveRetries         int  `yaml:"keepalive_retries"`
	FastRetransmitAckCounter int  `yaml:"fast_retransmit_ack_counter"`
	DelayedAckTimeoutMs      int  `yaml:"delayed_ack_timeout_ms"`
	DelayedAckCount          int  `yaml:"delayed_ack_count"`
	TimeWaitMs               int  `yaml:"timewait_ms"`
	SegBMax                  int  `yaml:"segbmax"`
	SegMax                   int  `yaml:"segmax"`
	MaxConnections           int  `yaml:"max_connections"`
	RecvPoolSize             int  `yaml:"recv_pool_size"`
	MinRTOMs                 int  `yaml:"min_rto_ms"`
	InitialCwnd              int  `yaml:"initial_cwnd"`
	MaxInFlight              int  `yaml:"max_in_flight"`
	AcceptUnreliable         bool `yaml:"accept_unreliable"`
}

// SocketConfig UDP 套接字缓冲区
type SocketConfig struct {
	ReadBuffer  int `yaml:"read_buffer"`
	WriteBuffer int `yaml:"write_buffer"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// ClientConfig 客户端参数
type ClientConfig struct {
	Server      string `yaml:"server"`
	Messages    int    `yaml:"messages"`
	MessageSize int    `yaml:"message_size"`
	IntervalMs  int    `yaml:"interval_ms"`
	TTLMs       int    `yaml:"ttl_ms"`
	Unreliable  bool   `yaml:"unreliable"`
}

// Load 加载配置文件
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

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Listen:   ":54321",
		LogLevel: "info",

		ARDP: DefaultARDPConfig(),

		Socket: SocketConfig{
			ReadBuffer:  4 * 1024 * 1024,
			WriteBuffer: 4 * 1024 * 1024,
		},

		Metrics: MetricsConfig{
			Enabled:     true,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},

		Client: ClientConfig{
			Server:      "127.0.0.1:54321",
			Messages:    100,
			MessageSize: 512,
			IntervalMs:  10,
		},
	}
}

// DefaultARDPConfig 与 transport 默认值一致的协议参数
func DefaultARDPConfig() ARDPConfig {
	return ARDPConfig{
		ConnectTimeoutMs:         ms(transport.DefaultConnectTimeout),
		ConnectRetries:           transport.DefaultConnectRetries,
		InitialDataTimeoutMs:     ms(transport.DefaultInitialDataTimeout),
		TotalDataRetryTimeoutMs:  ms(transport.DefaultTotalDataRetryTimeout),
		MinDataRetries:           transport.DefaultMinDataRetries,
		PersistIntervalMs:        ms(transport.DefaultPersistInterval),
		TotalAppTimeoutMs:        ms(transport.DefaultTotalAppTimeout),
		LinkTimeoutMs:            ms(transport.DefaultLinkTimeout),
		KeepaliveRetries:         transport.DefaultKeepaliveRetries,
		FastRetransmitAckCounter: transport.DefaultFastRetransmitCounter,
		DelayedAckTimeoutMs:      ms(transport.DefaultDelayedAckTimeout),
		DelayedAckCount:          transport.DefaultDelayedAckCount,
		TimeWaitMs:               ms(transport.DefaultTimeWait),
		SegBMax:                  transport.DefaultSegBMax,
		SegMax:                   transport.DefaultSegMax,
		MaxConnections:           transport.DefaultMaxConnections,
		RecvPoolSize:             transport.DefaultRecvPoolSize,
		MinRTOMs:                 ms(transport.DefaultMinRTO),
		InitialCwnd:              transport.DefaultInitialCwnd,
		MaxInFlight:              transport.DefaultMaxInFlight,
		AcceptUnreliable:         true,
	}
}

func ms(d time.Duration) int {
	return int(d / time.Millisecond)
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// GlobalConfig 转换为协议实例配置
func (a ARDPConfig) GlobalConfig() *transport.GlobalConfig {
	return &transport.GlobalConfig{
		ConnectTimeout:           millis(a.ConnectTimeoutMs),
		ConnectRetries:           a.ConnectRetries,
		InitialDataTimeout:       millis(a.InitialDataTimeoutMs),
		TotalDataRetryTimeout:    millis(a.TotalDataRetryTimeoutMs),
		MinDataRetries:           a.MinDataRetries,
		PersistInterval:          millis(a.PersistIntervalMs),
		TotalAppTimeout:          millis(a.TotalAppTimeoutMs),
		LinkTimeout:              millis(a.LinkTimeoutMs),
		KeepaliveRetries:         a.KeepaliveRetries,
		FastRetransmitAckCounter: a.FastRetransmitAckCounter,
		DelayedAckTimeout:        millis(a.DelayedAckTimeoutMs),
		DelayedAckCount:          a.DelayedAckCount,
		TimeWait:                 millis(a.TimeWaitMs),
		SegBMax:                  a.SegBMax,
		SegMax:                   a.SegMax,
		MaxConnections:           a.MaxConnections,
		RecvPoolSize:             a.RecvPoolSize,
		MinRTO:                   millis(a.MinRTOMs),
		InitialCwnd:              a.InitialCwnd,
		MaxInFlight:              a.MaxInFlight,
		AcceptUnreliable:         a.AcceptUnreliable,
	}
}

// SocketBuffers 转换为端点缓冲区设置
func (s SocketConfig) SocketBuffers() transport.SocketBuffers {
	return transport.SocketBuffers{Read: s.ReadBuffer, Write: s.WriteBuffer}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	// 验证主监听端口
	mainPort, err := parsePort(c.Listen)
	if err != nil {
		return fmt.Errorf("listen 端口格式错误: %w", err)
	}

	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		// UDP 与 TCP 端口空间独立，但同号端口容易误配，仍然拦截
		if metricsPort != 0 && metricsPort == mainPort {
			return fmt.Errorf("metrics.listen 端口 (%d) 与 listen 冲突", metricsPort)
		}
		if c.Metrics.Path == "" || c.Metrics.Path[0] != '/' {
			return fmt.Errorf("metrics.path 必须以 / 开头")
		}
		if c.Metrics.HealthPath == c.Metrics.Path {
			return fmt.Errorf("metrics.health_path 不能与 metrics.path 相同")
		}
	}

	if err := c.ARDP.GlobalConfig().Validate(); err != nil {
		return fmt.Errorf("ardp 配置错误: %w", err)
	}
	if c.ARDP.SegMax > 0 && c.ARDP.RecvPoolSize < c.ARDP.SegMax*2 && c.ARDP.MaxConnections > 1 {
		return fmt.Errorf("ardp.recv_pool_size (%d) 至少需容纳两个连接的接收窗口 (%d)",
			c.ARDP.RecvPoolSize, c.ARDP.SegMax*2)
	}

	if c.Socket.ReadBuffer < 0 || c.Socket.WriteBuffer < 0 {
		return fmt.Errorf("socket 缓冲区不能为负数")
	}

	if err := c.validateClientConfig(); err != nil {
		return fmt.Errorf("client 配置错误: %w", err)
	}
	return nil
}

func (c *Config) validateClientConfig() error {
	cl := c.Client
	if cl.Server != "" {
		if _, _, err := net.SplitHostPort(cl.Server); err != nil {
			return fmt.Errorf("server 地址格式错误: %w", err)
		}
	}
	if cl.Messages < 0 {
		return fmt.Errorf("messages 不能为负数")
	}
	if cl.MessageSize < 1 {
		return fmt.Errorf("message_size 必须至少为 1")
	}
	if cl.IntervalMs < 0 || cl.TTLMs < 0 {
		return fmt.Errorf("interval_ms 与 ttl_ms 不能为负数")
	}
	if cl.Unreliable && cl.MessageSize > c.ARDP.SegBMax {
		return fmt.Errorf("不可靠消息 message_size (%d) 不能超过 segbmax (%d)",
			cl.MessageSize, c.ARDP.SegBMax)
	}
	return nil
}

// parsePort 解析地址中的端口
func parsePort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		// 仅端口号
		if _, aerr := strconv.Atoi(addr); aerr != nil {
			return 0, err
		}
		portStr = addr
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return 0, fmt.Errorf("无效端口: %s", portStr)
	}
	return port, nil
}

// GetListenPort 获取监听端口
func (c *Config) GetListenPort() int {
	port, _ := parsePort(c.Listen)
	return port
}

// GetListenHost 获取监听主机
func (c *Config) GetListenHost() string {
	host, _, err := net.SplitHostPort(c.Listen)
	if err != nil || host == "" {
		return "0.0.0.0"
	}
	return host
}

// Interval 客户端发送间隔
func (c ClientConfig) Interval() time.Duration {
	return millis(c.IntervalMs)
}

// TTL 客户端消息生存期，0 表示不过期
func (c ClientConfig) TTL() time.Duration {
	return millis(c.TTLMs)
}

// =============================================================================
// 配置文件示例生成
// =============================================================================

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# ARDP 配置文件示例
# =============================================================================

# 基础配置
listen: ":54321"                    # UDP 监听地址
log_level: "info"                   # 日志级别: debug, info, warn, error

# ARDP 协议参数 (时间单位: 毫秒)
ardp:
  connect_timeout_ms: 3000          # SYN 重传间隔
  connect_retries: 3                # SYN 发送总次数
  initial_data_timeout_ms: 1000     # 无 RTT 采样时的重传超时
  total_data_retry_timeout_ms: 5000 # 单段重传总时长
  min_data_retries: 5               # 判定失败前的最少重传次数
  persist_interval_ms: 1000         # 零窗口探测间隔
  total_app_timeout_ms: 30000       # 零窗口持续上限
  link_timeout_ms: 30000            # 链路静默上限
  keepalive_retries: 5              # 链路超时内的保活探测次数
  fast_retransmit_ack_counter: 1    # 触发快速重传的重复确认数
  delayed_ack_timeout_ms: 100       # 延迟确认
  delayed_ack_count: 2              # 累计段数达到后立即确认
  timewait_ms: 1000                 # TIMEWAIT 时长
  segbmax: 1472                     # 段最大字节数 (含头部)
  segmax: 50                        # 接收窗口 (段)
  max_connections: 1024             # 最大连接数
  recv_pool_size: 4096              # 接收缓冲池大小 (段)
  min_rto_ms: 50                    # 最小重传超时
  initial_cwnd: 8                   # 初始拥塞窗口 (段)
  max_in_flight: 50                 # 本端最大在途段数，另受对端窗口限制
  accept_unreliable: true           # 接收不可靠数据报

# UDP 套接字缓冲区 (设置失败时逐级减半)
socket:
  read_buffer: 4194304
  write_buffer: 4194304

# Prometheus 监控
metrics:
  enabled: true
  listen: ":9100"                   # 监控端口
  path: "/metrics"                  # Prometheus 指标路径
  health_path: "/health"            # 健康检查路径
  enable_pprof: false               # 启用 pprof

# 客户端 (ardp-client 使用)
client:
  server: "127.0.0.1:54321"         # 服务端地址
  messages: 100                     # 发送消息数 (0 = 持续发送)
  message_size: 512                 # 消息字节数
  interval_ms: 10                   # 发送间隔
  ttl_ms: 0                         # 消息生存期 (0 = 不过期)
  unreliable: false                 # 使用不可靠数据报
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
