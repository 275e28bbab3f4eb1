// =============================================================================
// 文件: cmd/ardp-client/main.go
// 描述: ARDP 客户端 - 建立连接、发送消息、校验回显并输出统计
// =============================================================================
package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/ardp/internal/config"
	"github.com/mrcgq/ardp/internal/logging"
	"github.com/mrcgq/ardp/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("c", "", "配置文件路径 (留空使用默认配置)")
	showVersion := flag.Bool("v", false, "显示版本")
	server := flag.String("server", "", "服务端地址")
	count := flag.Int("n", -1, "发送消息数 (0 = 持续发送)")
	size := flag.Int("size", 0, "消息字节数")
	interval := flag.Duration("interval", -1, "发送间隔")
	unreliable := flag.Bool("unreliable", false, "使用不可靠数据报")
	logLevel := flag.String("log", "", "覆盖日志级别")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ARDP Client v%s (build %s, commit %s, %s %s/%s)\n",
			Version, BuildTime, GitCommit, runtime.Version(), runtime.GOOS, runtime.GOARCH)
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
	if *server != "" {
		cfg.Client.Server = *server
	}
	if *count >= 0 {
		cfg.Client.Messages = *count
	}
	if *size > 0 {
		cfg.Client.MessageSize = *size
	}
	if *interval >= 0 {
		cfg.Client.IntervalMs = int(*interval / time.Millisecond)
	}
	if *unreliable {
		cfg.Client.Unreliable = true
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

	app := NewApplication(cfg, logger)
	if err := app.Run(); err != nil {
		logger.Error("运行失败", zap.Error(err))
		os.Exit(1)
	}
}

// ============================================
// 应用生命周期
// ============================================

// Application 客户端应用
type Application struct {
	cfg    *config.Config
	logger *zap.Logger
	ep     *transport.Endpoint
	id     transport.ConnID

	tracker *echoTracker
}

// NewApplication 创建应用
func NewApplication(cfg *config.Config, logger *zap.Logger) *Application {
	return &Application{
		cfg:     cfg,
		logger:  logger,
		tracker: newEchoTracker(),
	}
}

// Run 连接服务端并运行到消息发完或收到信号
func (app *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ep, err := transport.NewEndpoint(":0", app.cfg.ARDP.GlobalConfig(), app.tracker, app.logger)
	if err != nil {
		return err
	}
	ep.SetSocketBuffers(app.cfg.Socket.SocketBuffers())
	// 端点生命周期由 shutdown 控制，信号到达后仍需完成关闭握手
	if err := ep.Start(context.Background()); err != nil {
		return err
	}
	app.ep = ep

	app.logger.Info("正在连接", zap.String("server", app.cfg.Client.Server))
	id, synData, err := ep.Dial(ctx, app.cfg.Client.Server, []byte("ardp-client/"+Version))
	if err != nil {
		return multierr.Append(fmt.Errorf("连接失败: %w", err), ep.Stop())
	}
	app.id = id
	app.logger.Info("连接已建立", zap.Uint32("conn", uint32(id)), zap.ByteString("syn_data", synData))

	g, gctx := errgroup.WithContext(ctx)
	sendDone := make(chan struct{})
	g.Go(func() error {
		defer close(sendDone)
		return app.sendLoop(gctx)
	})
	g.Go(func() error {
		app.statsLoop(gctx, sendDone)
		return nil
	})
	runErr := g.Wait()

	return multierr.Combine(runErr, app.shutdown())
}

// sendLoop 按间隔发送带序号的消息
func (app *Application) sendLoop(ctx context.Context) error {
	cl := app.cfg.Client
	var ticker *time.Ticker
	if cl.Interval() > 0 {
		ticker = time.NewTicker(cl.Interval())
		defer ticker.Stop()
	}

	for seq := uint64(0); cl.Messages == 0 || seq < uint64(cl.Messages); seq++ {
		if ticker != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}

		msg := makeMessage(seq, cl.MessageSize)
		app.tracker.sent(seq, msg)

		var err error
		if cl.Unreliable {
			err = app.ep.SendUnreliable(ctx, app.id, msg, cl.TTL())
		} else {
			err = app.ep.SendWait(ctx, app.id, msg, cl.TTL())
		}
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("发送第 %d 条消息失败: %w", seq, err)
		}
	}

	// 等待最后的回显
	deadline := time.NewTimer(2 * time.Second)
	defer deadline.Stop()
	for !app.tracker.complete() {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-app.tracker.changed():
		}
	}
	return nil
}

// statsLoop 统计循环
func (app *Application) statsLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			app.printStats()
		}
	}
}

func (app *Application) printStats() {
	s := app.ep.Stats()
	sent, echoed, mismatched := app.tracker.counts()

	fields := []zap.Field{
		zap.Uint64("sent", sent),
		zap.Uint64("echoed", echoed),
		zap.Uint64("mismatched", mismatched),
		zap.Uint64("retransmits", s.Retransmits+s.FastRetransmits),
		zap.String("bytes_out", formatBytes(s.BytesSent)),
		zap.String("bytes_in", formatBytes(s.BytesReceived)),
	}
	if info, err := app.ep.ConnInfo(context.Background(), app.id); err == nil {
		fields = append(fields,
			zap.Duration("srtt", info.SRTT),
			zap.Int("cwnd", info.Cwnd),
			zap.Int("in_flight", info.InFlight))
	}
	app.logger.Info("[STATS]", fields...)
}

// shutdown 关闭
func (app *Application) shutdown() error {
	app.printStats()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs error
	if err := app.ep.Disconnect(ctx, app.id); err != nil && !errors.Is(err, transport.ErrNotFound) {
		errs = multierr.Append(errs, err)
	}
	// 等待 TIMEWAIT 结束再关闭端点
	select {
	case <-app.tracker.closedCh:
	case <-ctx.Done():
	}
	errs = multierr.Append(errs, app.ep.Stop())

	_, _, mismatched := app.tracker.counts()
	if mismatched > 0 {
		errs = multierr.Append(errs, fmt.Errorf("%d 条回显内容不一致", mismatched))
	}
	app.logger.Info("已停止")
	return errs
}

// ============================================
// 回显校验
// ============================================

// makeMessage 前 8 字节为序号，其余为可校验的填充
func makeMessage(seq uint64, size int) []byte {
	if size < 8 {
		size = 8
	}
	msg := make([]byte, size)
	binary.BigEndian.PutUint64(msg, seq)
	for i := 8; i < size; i++ {
		msg[i] = byte(seq + uint64(i))
	}
	return msg
}

// echoTracker 记录已发送消息并校验回显，回调与发送循环并发访问
type echoTracker struct {
	mu          sync.Mutex
	outstanding map[uint64][]byte
	sentN       uint64
	echoedN     uint64
	mismatched  uint64
	notify      chan struct{}
	closedCh    chan struct{}
	closeOnce   sync.Once
}

func newEchoTracker() *echoTracker {
	return &echoTracker{
		outstanding: make(map[uint64][]byte),
		notify:      make(chan struct{}),
		closedCh:    make(chan struct{}),
	}
}

func (t *echoTracker) sent(seq uint64, msg []byte) {
	t.mu.Lock()
	t.outstanding[seq] = msg
	t.sentN++
	t.mu.Unlock()
}

func (t *echoTracker) counts() (sent, echoed, mismatched uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sentN, t.echoedN, t.mismatched
}

func (t *echoTracker) complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.outstanding) == 0
}

func (t *echoTracker) changed() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notify
}

func (t *echoTracker) OnAccept(*transport.Handle, *net.UDPAddr, transport.ConnID, []byte) bool {
	return false
}

func (t *echoTracker) OnConnect(*transport.Handle, transport.ConnID, bool, []byte, error) {}

func (t *echoTracker) OnDisconnect(h *transport.Handle, id transport.ConnID, reason error) {
	t.closeOnce.Do(func() { close(t.closedCh) })
}

func (t *echoTracker) OnReceive(h *transport.Handle, id transport.ConnID, buf *transport.RecvBuffer) {
	data := buf.Data
	t.mu.Lock()
	if len(data) >= 8 {
		seq := binary.BigEndian.Uint64(data)
		if want, ok := t.outstanding[seq]; ok {
			if bytes.Equal(want, data) {
				t.echoedN++
			} else {
				t.mismatched++
			}
			delete(t.outstanding, seq)
		}
	}
	close(t.notify)
	t.notify = make(chan struct{})
	t.mu.Unlock()
	_ = h.RecvReady(id, buf)
}

func (t *echoTracker) OnSend(*transport.Handle, transport.ConnID, []byte, error) {}

func (t *echoTracker) OnSendWindow(*transport.Handle, transport.ConnID, int, error) {}

// formatBytes 格式化字节
func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
