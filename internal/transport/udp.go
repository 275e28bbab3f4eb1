// =============================================================================
// 文件: internal/transport/udp.go
// 描述: ARDP UDP 端点 - 套接字读循环与单 goroutine 协议处理循环
// =============================================================================
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSocketBuffer = 4 * 1024 * 1024
	minSocketBuffer     = 256 * 1024

	inboundQueueSize = 4096
	maxBatch         = 64
	readTimeout      = time.Second
)

// ErrEndpointStopped 端点未运行
var ErrEndpointStopped = errors.New("端点未运行")

// SocketBuffers 套接字缓冲区大小，设置失败时逐级减半
type SocketBuffers struct {
	Read  int
	Write int
}

type connectResult struct {
	data []byte
	err  error
}

// Endpoint 绑定一个 UDP 套接字的 ARDP 实例
//
// 回调在处理 goroutine 中执行，回调内应直接使用传入的 *Handle，
// 不能调用 Endpoint 的阻塞方法。
type Endpoint struct {
	addr    string
	handler Handler
	logger  *zap.Logger
	clk     clock.Clock
	buffers SocketBuffers

	h    *Handle
	conn *net.UDPConn

	inCh   chan Datagram
	cmdCh  chan func()
	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}

	// 只在处理 goroutine 中访问
	dialers map[ConnID]chan connectResult

	wakeMu sync.Mutex
	wake   chan struct{}

	running        int32
	packetsDropped uint64
}

// NewEndpoint 创建端点，addr 为本地监听地址 (客户端可用 ":0")
func NewEndpoint(addr string, cfg *GlobalConfig, handler Handler, logger *zap.Logger) (*Endpoint, error) {
	h, err := AllocateHandle(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Endpoint{
		addr:    addr,
		handler: handler,
		logger:  logger,
		clk:     clock.New(),
		buffers: SocketBuffers{Read: defaultSocketBuffer, Write: defaultSocketBuffer},
		h:       h,
		inCh:    make(chan Datagram, inboundQueueSize),
		cmdCh:   make(chan func()),
		done:    make(chan struct{}),
		dialers: make(map[ConnID]chan connectResult),
		wake:    make(chan struct{}),
	}
	h.SetLogger(logger)
	h.SetHandler(e)
	return e, nil
}

// SetSocketBuffers 设置套接字缓冲区，需在 Start 之前调用
func (e *Endpoint) SetSocketBuffers(b SocketBuffers) {
	e.buffers = b
}

// SetMetrics 设置指标出口，需在 Start 之前调用
func (e *Endpoint) SetMetrics(m MetricsSink) {
	e.h.SetMetrics(m)
}

// Start 绑定套接字并启动读循环与处理循环
func (e *Endpoint) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&e.running, 0, 1) {
		return nil
	}
	addr, err := net.ResolveUDPAddr("udp", e.addr)
	if err != nil {
		atomic.StoreInt32(&e.running, 0)
		return fmt.Errorf("解析地址: %w", err)
	}
	e.conn, err = net.ListenUDP("udp", addr)
	if err != nil {
		atomic.StoreInt32(&e.running, 0)
		return fmt.Errorf("监听失败: %w", err)
	}
	e.setupBuffers()

	ctx, e.cancel = context.WithCancel(ctx)
	e.group, ctx = errgroup.WithContext(ctx)
	e.group.Go(func() error { return e.readLoop(ctx) })
	e.group.Go(func() error { return e.processLoop(ctx) })

	e.log(1, "ARDP 端点已启动: %s", e.conn.LocalAddr())
	return nil
}

func (e *Endpoint) setupBuffers() {
	set := func(name string, size int, fn func(int) error) {
		for ; size >= minSocketBuffer; size /= 2 {
			if err := fn(size); err == nil {
				e.log(2, "%s缓冲区: %d KB", name, size/1024)
				return
			}
		}
		e.log(1, "%s缓冲区设置失败，使用系统默认值", name)
	}
	set("读", e.buffers.Read, e.conn.SetReadBuffer)
	set("写", e.buffers.Write, e.conn.SetWriteBuffer)
}

// readLoop 从套接字读取数据报并投递到处理循环
func (e *Endpoint) readLoop(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = e.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("读取失败: %w", err)
		}
		if n == 0 {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case e.inCh <- Datagram{Addr: addr, Data: data}:
		default:
			atomic.AddUint64(&e.packetsDropped, 1)
		}
	}
}

// processLoop 独占 Handle：处理入站数据报、应用命令与定时器
func (e *Endpoint) processLoop(ctx context.Context) error {
	defer close(e.done)

	t := e.clk.Timer(maxIdleWait)
	defer t.Stop()
	batch := make([]Datagram, 0, maxBatch)

	for {
		var wait time.Duration
		select {
		case <-ctx.Done():
			e.failDialers(ErrEndpointStopped)
			e.h.FreeHandle()
			e.broadcast()
			return nil

		case d := <-e.inCh:
			batch = append(batch[:0], d)
		drain:
			for len(batch) < maxBatch {
				select {
				case d := <-e.inCh:
					batch = append(batch, d)
				default:
					break drain
				}
			}
			wait = e.h.Run(e.conn, batch)

		case fn := <-e.cmdCh:
			fn()
			wait = e.h.CheckTimers()

		case <-t.C:
			wait = e.h.CheckTimers()
		}
		resetTimer(t, wait)
	}
}

func resetTimer(t *clock.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// do 在处理 goroutine 中执行 fn
func (e *Endpoint) do(ctx context.Context, fn func()) error {
	if atomic.LoadInt32(&e.running) == 0 {
		return ErrEndpointStopped
	}
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case e.cmdCh <- task:
	case <-e.done:
		return ErrEndpointStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// =============================================================================
// 应用接口
// =============================================================================

// StartPassive 开始接受入站连接
func (e *Endpoint) StartPassive(ctx context.Context) error {
	var err error
	if derr := e.do(ctx, func() { err = e.h.StartPassive() }); derr != nil {
		return derr
	}
	return err
}

// StopPassive 停止接受入站连接
func (e *Endpoint) StopPassive(ctx context.Context) error {
	return e.do(ctx, e.h.StopPassive)
}

// Connect 发起连接，结果通过 OnConnect 回调
func (e *Endpoint) Connect(ctx context.Context, remote string, data []byte) (ConnID, error) {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return 0, fmt.Errorf("解析地址: %w", err)
	}
	var id ConnID
	if derr := e.do(ctx, func() { id, err = e.h.Connect(e.conn, addr, data) }); derr != nil {
		return 0, derr
	}
	return id, err
}

// Dial 发起连接并等待握手完成，返回对端 SYN 携带的数据
func (e *Endpoint) Dial(ctx context.Context, remote string, data []byte) (ConnID, []byte, error) {
	addr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return 0, nil, fmt.Errorf("解析地址: %w", err)
	}
	var id ConnID
	ch := make(chan connectResult, 1)
	derr := e.do(ctx, func() {
		id, err = e.h.Connect(e.conn, addr, data)
		if err == nil {
			e.dialers[id] = ch
		}
	})
	if derr != nil {
		return 0, nil, derr
	}
	if err != nil {
		return 0, nil, err
	}

	select {
	case res := <-ch:
		return id, res.data, res.err
	case <-ctx.Done():
		_ = e.do(context.Background(), func() {
			delete(e.dialers, id)
			_ = e.h.Abort(id)
		})
		return 0, nil, ctx.Err()
	}
}

// Accept 接受入站连接
func (e *Endpoint) Accept(ctx context.Context, id ConnID, segmax, segbmax int, data []byte) error {
	var err error
	if derr := e.do(ctx, func() { err = e.h.Accept(id, segmax, segbmax, data) }); derr != nil {
		return derr
	}
	return err
}

// Send 发送可靠消息，窗口不足时返回 ErrBackpressure
func (e *Endpoint) Send(ctx context.Context, id ConnID, buf []byte, ttl time.Duration) error {
	var err error
	if derr := e.do(ctx, func() { err = e.h.Send(id, buf, ttl) }); derr != nil {
		return derr
	}
	return err
}

// SendWait 发送可靠消息，窗口不足时等待窗口重开
func (e *Endpoint) SendWait(ctx context.Context, id ConnID, buf []byte, ttl time.Duration) error {
	for {
		ch := e.waitChan()
		err := e.Send(ctx, id, buf, ttl)
		if !errors.Is(err, ErrBackpressure) {
			return err
		}
		select {
		case <-ch:
		case <-e.done:
			return ErrEndpointStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendUnreliable 发送不可靠数据报
func (e *Endpoint) SendUnreliable(ctx context.Context, id ConnID, buf []byte, ttl time.Duration) error {
	var err error
	if derr := e.do(ctx, func() { err = e.h.SendUnreliable(id, buf, ttl) }); derr != nil {
		return derr
	}
	return err
}

// RecvReady 归还接收缓冲
func (e *Endpoint) RecvReady(ctx context.Context, id ConnID, buf *RecvBuffer) error {
	var err error
	if derr := e.do(ctx, func() { err = e.h.RecvReady(id, buf) }); derr != nil {
		return derr
	}
	return err
}

// Disconnect 正常关闭连接
func (e *Endpoint) Disconnect(ctx context.Context, id ConnID) error {
	var err error
	if derr := e.do(ctx, func() { err = e.h.Disconnect(id) }); derr != nil {
		return derr
	}
	return err
}

// Abort 中止连接
func (e *Endpoint) Abort(ctx context.Context, id ConnID) error {
	var err error
	if derr := e.do(ctx, func() { err = e.h.Abort(id) }); derr != nil {
		return derr
	}
	return err
}

// ConnInfo 连接快照
func (e *Endpoint) ConnInfo(ctx context.Context, id ConnID) (ConnInfo, error) {
	var (
		info ConnInfo
		err  error
	)
	if derr := e.do(ctx, func() { info, err = e.h.ConnInfo(id) }); derr != nil {
		return ConnInfo{}, derr
	}
	return info, err
}

// Connections 当前连接数
func (e *Endpoint) Connections() int {
	return int(atomic.LoadInt64(&e.h.stats.ActiveConns))
}

// Stats 协议统计 (原子读取)
func (e *Endpoint) Stats() HandleStats {
	return e.h.Stats().Snapshot()
}

// PacketsDropped 入站队列满时丢弃的数据报数
func (e *Endpoint) PacketsDropped() uint64 {
	return atomic.LoadUint64(&e.packetsDropped)
}

// LocalAddr 本地地址
func (e *Endpoint) LocalAddr() net.Addr {
	if e.conn == nil {
		return nil
	}
	return e.conn.LocalAddr()
}

// IsRunning 是否运行中
func (e *Endpoint) IsRunning() bool {
	return atomic.LoadInt32(&e.running) == 1
}

// Stop 中止全部连接并关闭套接字
func (e *Endpoint) Stop() error {
	if !atomic.CompareAndSwapInt32(&e.running, 1, 0) {
		return nil
	}
	e.cancel()
	waitErr := e.group.Wait()
	closeErr := e.conn.Close()
	e.log(1, "ARDP 端点已停止")
	return multierr.Combine(waitErr, closeErr)
}

// =============================================================================
// Handler 转发
// =============================================================================

func (e *Endpoint) OnAccept(h *Handle, addr *net.UDPAddr, id ConnID, data []byte) bool {
	if e.handler == nil {
		return false
	}
	return e.handler.OnAccept(h, addr, id, data)
}

func (e *Endpoint) OnConnect(h *Handle, id ConnID, passive bool, data []byte, err error) {
	if ch, ok := e.dialers[id]; ok {
		delete(e.dialers, id)
		ch <- connectResult{data: data, err: err}
	}
	if e.handler != nil {
		e.handler.OnConnect(h, id, passive, data, err)
	}
}

func (e *Endpoint) OnDisconnect(h *Handle, id ConnID, reason error) {
	if e.handler != nil {
		e.handler.OnDisconnect(h, id, reason)
	}
	e.broadcast()
}

func (e *Endpoint) OnReceive(h *Handle, id ConnID, buf *RecvBuffer) {
	if e.handler == nil {
		_ = h.RecvReady(id, buf)
		return
	}
	e.handler.OnReceive(h, id, buf)
}

func (e *Endpoint) OnSend(h *Handle, id ConnID, buf []byte, err error) {
	if e.handler != nil {
		e.handler.OnSend(h, id, buf, err)
	}
	if err != nil {
		e.broadcast()
	}
}

func (e *Endpoint) OnSendWindow(h *Handle, id ConnID, window int, err error) {
	if e.handler != nil {
		e.handler.OnSendWindow(h, id, window, err)
	}
	if err == nil {
		e.broadcast()
	}
}

func (e *Endpoint) failDialers(err error) {
	for id, ch := range e.dialers {
		ch <- connectResult{err: err}
		delete(e.dialers, id)
	}
}

func (e *Endpoint) waitChan() chan struct{} {
	e.wakeMu.Lock()
	defer e.wakeMu.Unlock()
	return e.wake
}

// broadcast 唤醒所有 SendWait 等待者
func (e *Endpoint) broadcast() {
	e.wakeMu.Lock()
	close(e.wake)
	e.wake = make(chan struct{})
	e.wakeMu.Unlock()
}

func (e *Endpoint) log(level int, format string, args ...interface{}) {
	e.h.log(level, format, args...)
}
