// =============================================================================
// 文件: cmd/ardp-server/main.go
// 描述: ARDP 回显服务 - 被动端点、Prometheus 指标与健康检查
// =============================================================================
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/mrcgq/ardp/internal/config"
	"github.com/mrcgq/ardp/internal/logging"
	"github.com/mrcgq/ardp/internal/metrics"
	"github.com/mrcgq/ardp/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
	startTime = time.Now()
)

// 每个连接最多缓存的待回显消息
const maxPendingEcho = 1024

func main() {
	configPath := flag.String("c", "", "配置文件路径 (留空使用默认配置)")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	listen := flag.String("listen", "", "覆盖监听地址")
	logLevel := flag.String("log", "", "覆盖日志级别")
	flag.Parse()

	if *showVersion {
		printVersion()
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

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "日志初始化失败: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("运行失败", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	echo := newEchoServer(logger)
	ep, err := transport.NewEndpoint(cfg.Listen, cfg.ARDP.GlobalConfig(), echo, logger)
	if err != nil {
		return err
	}
	ep.SetSocketBuffers(cfg.Socket.SocketBuffers())

	var metricsServer *metrics.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(
			cfg.Metrics.Listen,
			cfg.Metrics.Path,
			cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof,
		)
		metricsServer.SetLogger(logger)
		ep.SetMetrics(metrics.NewARDPMetrics(metricsServer.GetRegistry()))
		metricsServer.MustRegisterCollector(metrics.NewARDPCollector(ep))
		metricsServer.SetHealthCheck(func() metrics.HealthStatus {
			return createHealthStatus(ep)
		})
	}

	if err := ep.Start(ctx); err != nil {
		return err
	}
	if err := ep.StartPassive(ctx); err != nil {
		return multierr.Append(err, ep.Stop())
	}

	if metricsServer != nil {
		if err := metricsServer.Start(ctx); err != nil {
			// 指标服务失败不影响数据面
			logger.Error("Metrics 启动失败", zap.Error(err))
			metricsServer = nil
		}
	}

	printBanner(cfg, ep)

	<-ctx.Done()
	logger.Info("正在关闭...")

	var errs error
	if metricsServer != nil {
		errs = multierr.Append(errs, metricsServer.Stop())
	}
	errs = multierr.Append(errs, ep.Stop())

	s := ep.Stats()
	logger.Info("已停止",
		zap.Uint64("messages_delivered", s.MessagesDelivered),
		zap.Uint64("messages_echoed", echo.echoed),
		zap.Uint64("retransmits", s.Retransmits))
	return errs
}

// =============================================================================
// 回显处理
// =============================================================================

// echoServer 在处理 goroutine 中被回调，字段无需加锁
type echoServer struct {
	logger  *zap.Logger
	pending map[transport.ConnID][][]byte
	echoed  uint64
	dropped uint64
}

func newEchoServer(logger *zap.Logger) *echoServer {
	return &echoServer{
		logger:  logger.Named("echo"),
		pending: make(map[transport.ConnID][][]byte),
	}
}

func (s *echoServer) OnAccept(h *transport.Handle, addr *net.UDPAddr, id transport.ConnID, data []byte) bool {
	if err := h.Accept(id, 0, 0, data); err != nil {
		s.logger.Error("接受连接失败", zap.Stringer("addr", addr), zap.Error(err))
		return false
	}
	s.logger.Info("接受连接", zap.Stringer("addr", addr), zap.Uint32("conn", uint32(id)))
	return true
}

func (s *echoServer) OnConnect(h *transport.Handle, id transport.ConnID, passive bool, data []byte, err error) {
	if err != nil {
		s.logger.Info("连接未建立", zap.Uint32("conn", uint32(id)), zap.Error(err))
	}
}

func (s *echoServer) OnDisconnect(h *transport.Handle, id transport.ConnID, reason error) {
	delete(s.pending, id)
	s.logger.Info("连接关闭", zap.Uint32("conn", uint32(id)), zap.NamedError("reason", reason))
}

func (s *echoServer) OnReceive(h *transport.Handle, id transport.ConnID, buf *transport.RecvBuffer) {
	data := append([]byte(nil), buf.Data...)
	reliable := buf.Reliable
	if err := h.RecvReady(id, buf); err != nil {
		s.logger.Error("归还缓冲失败", zap.Error(err))
	}

	if !reliable {
		if err := h.SendUnreliable(id, data, 0); err == nil {
			s.echoed++
		}
		return
	}

	if len(s.pending[id]) > 0 {
		s.enqueue(id, data)
		return
	}
	switch err := h.Send(id, data, 0); {
	case err == nil:
		s.echoed++
	case errors.Is(err, transport.ErrBackpressure):
		s.enqueue(id, data)
	default:
		s.logger.Debug("回显失败", zap.Uint32("conn", uint32(id)), zap.Error(err))
	}
}

func (s *echoServer) enqueue(id transport.ConnID, data []byte) {
	if len(s.pending[id]) >= maxPendingEcho {
		s.dropped++
		return
	}
	s.pending[id] = append(s.pending[id], data)
}

func (s *echoServer) OnSend(h *transport.Handle, id transport.ConnID, buf []byte, err error) {
	if err != nil {
		s.logger.Debug("消息未送达", zap.Uint32("conn", uint32(id)), zap.Error(err))
	}
}

// OnSendWindow 窗口重开时发送积压的回显
func (s *echoServer) OnSendWindow(h *transport.Handle, id transport.ConnID, window int, err error) {
	if err != nil {
		return
	}
	q := s.pending[id]
	for len(q) > 0 {
		serr := h.Send(id, q[0], 0)
		if errors.Is(serr, transport.ErrBackpressure) {
			break
		}
		if serr != nil {
			// 其余错误重试也不会成功，丢弃队首
			s.dropped++
			s.logger.Debug("回显失败", zap.Uint32("conn", uint32(id)), zap.Error(serr))
		} else {
			s.echoed++
		}
		q = q[1:]
	}
	if len(q) == 0 {
		delete(s.pending, id)
	} else {
		s.pending[id] = q
	}
}

// =============================================================================
// 健康检查
// =============================================================================

func createHealthStatus(ep *transport.Endpoint) metrics.HealthStatus {
	status := metrics.HealthStatus{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Version:    Version,
		Uptime:     time.Since(startTime),
		Components: make(map[string]metrics.ComponentHealth),
	}

	if ep.IsRunning() {
		status.Components["endpoint"] = metrics.ComponentHealth{
			Status:  "healthy",
			Message: fmt.Sprintf("listen: %s", ep.LocalAddr()),
		}
	} else {
		status.Status = "unhealthy"
		status.Components["endpoint"] = metrics.ComponentHealth{
			Status:  "unhealthy",
			Message: "stopped",
		}
	}

	s := ep.Stats()
	connStatus := "healthy"
	if dropped := ep.PacketsDropped(); dropped > 0 && status.Status == "healthy" {
		// 入站队列溢出说明处理跟不上
		status.Status = "degraded"
		connStatus = "degraded"
	}
	status.Components["connections"] = metrics.ComponentHealth{
		Status:  connStatus,
		Message: fmt.Sprintf("active: %d, queue_dropped: %d", s.ActiveConns, ep.PacketsDropped()),
	}
	return status
}

func printBanner(cfg *config.Config, ep *transport.Endpoint) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                 ARDP Echo Server v" + padRight(Version, 24) + "║")
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  监听:   %-48s ║\n", ep.LocalAddr())
	fmt.Printf("║  窗口:   %-48s ║\n", fmt.Sprintf("segmax=%d segbmax=%d", cfg.ARDP.SegMax, cfg.ARDP.SegBMax))
	if cfg.Metrics.Enabled {
		fmt.Printf("║  指标:   %-48s ║\n", cfg.Metrics.Listen+cfg.Metrics.Path)
	}
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
}

func padRight(s string, n int) string {
	for len(s) < n {
		s += " "
	}
	return s
}

func printVersion() {
	fmt.Printf("ARDP Server v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
