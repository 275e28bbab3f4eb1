// =============================================================================
// 文件: internal/protocol/protocol.go
// 描述: ARDP 段编解码 - 固定头部、SYN 选项、EACK 位图
// =============================================================================

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// 标志位 (低 6 位)，高 2 位为协议版本
const (
	FlagSYN  uint8 = 0x01 // 连接请求
	FlagACK  uint8 = 0x02 // 确认号有效
	FlagEACK uint8 = 0x04 // 携带扩展确认位图
	FlagRST  uint8 = 0x08 // 重置
	FlagNUL  uint8 = 0x10 // 空段 (保活/窗口探测)
	FlagUNR  uint8 = 0x20 // 不可靠数据报

	flagMask    uint8 = 0x3F
	versionMask uint8 = 0xC0
	versionBits uint8 = 0x40

	// Version 当前协议版本
	Version = 1
)

// =============================================================================
// 头部布局
// =============================================================================

const (
	// FixedHeaderSize 固定头部大小
	// Flags(1) + HLen(1) + Src(2) + Dst(2) + DLen(2) + Seq(4) + Ack(4) +
	// TTL(4) + SOM(4) + FCnt(2) + FIdx(2) + Window(2) = 30
	FixedHeaderSize = 30

	// SynOptionsSize SYN 附加字段: SegMax(2) + SegBMax(2) + Options(2)
	SynOptionsSize = 6

	// SynHeaderSize SYN 段头部大小
	SynHeaderSize = FixedHeaderSize + SynOptionsSize

	// MaxHeaderSize 头部长度字段为单字节
	MaxHeaderSize = 255

	// MaxEACKWords 头部可容纳的 EACK 位图字数
	MaxEACKWords = (MaxHeaderSize - FixedHeaderSize) / 4

	// MaxSegMax 接收窗口上限 (位图必须能放进头部)
	MaxSegMax = MaxEACKWords * 32

	// MaxFragments 单条消息最大分片数
	MaxFragments = 0xFFFF

	// MaxSegmentSize UDP 单包最大负载
	MaxSegmentSize = 65507
)

// TTL 特殊值 (毫秒)
const (
	TTLInfinite uint32 = 0
	TTLExpired  uint32 = 0xFFFFFFFF
)

// SYN 选项位
const (
	OptUnreliable uint16 = 0x0001 // 对端接收不可靠数据报
)

// 解码错误
var (
	ErrShortHeader     = errors.New("段头部截断")
	ErrBadVersion      = errors.New("协议版本不匹配")
	ErrBadHeaderLength = errors.New("头部长度无效")
	ErrLengthMismatch  = errors.New("数据长度超出缓冲区")
	ErrBadFragment     = errors.New("分片字段不一致")
	ErrBadEACK         = errors.New("EACK 位图无效")
	ErrBadFlags        = errors.New("标志位组合无效")
	ErrTooLarge        = errors.New("段超出最大长度")
)

// Header ARDP 段头部
type Header struct {
	Flags  uint8
	Src    uint16 // 发送方连接 ID
	Dst    uint16 // 接收方连接 ID (SYN 时为 0)
	Seq    uint32
	Ack    uint32
	TTL    uint32 // 毫秒，0 表示永不过期
	SOM    uint32 // 消息首段序列号
	FCnt   uint16 // 消息分片数，0 表示不占序列号空间
	FIdx   uint16 // 分片索引
	Window uint16 // 通告接收窗口 (段)

	// SYN 段专用
	SegMax  uint16
	SegBMax uint16
	Options uint16

	// EACK 位图，bit i (高位优先) 表示 Ack+2+i 已收到
	EACK []uint32
}

// Has 检查标志位
func (h *Header) Has(flag uint8) bool {
	return h.Flags&flag != 0
}

// IsData 段是否占用序列号空间
func (h *Header) IsData() bool {
	return h.FCnt > 0 && h.Flags&(FlagSYN|FlagRST|FlagNUL|FlagUNR) == 0
}

// HeaderLen 编码后的头部长度
func (h *Header) HeaderLen() int {
	switch {
	case h.Flags&FlagSYN != 0:
		return SynHeaderSize
	case h.Flags&FlagEACK != 0:
		return FixedHeaderSize + 4*len(h.EACK)
	default:
		return FixedHeaderSize
	}
}

func (h *Header) String() string {
	return fmt.Sprintf("flags=%s src=%d dst=%d seq=%d ack=%d som=%d frag=%d/%d wnd=%d ttl=%d",
		FlagString(h.Flags), h.Src, h.Dst, h.Seq, h.Ack, h.SOM, h.FIdx, h.FCnt, h.Window, h.TTL)
}

// FlagString 标志位可读形式
func FlagString(f uint8) string {
	names := []string{"SYN", "ACK", "EACK", "RST", "NUL", "UNR"}
	s := ""
	for i, n := range names {
		if f&(1<<i) != 0 {
			if s != "" {
				s += "|"
			}
			s += n
		}
	}
	if s == "" {
		return "-"
	}
	return s
}

// =============================================================================
// 编码
// =============================================================================

// Encode 编码段
func Encode(h *Header, payload []byte) ([]byte, error) {
	return AppendEncode(nil, h, payload)
}

// AppendEncode 将段追加编码到 dst
func AppendEncode(dst []byte, h *Header, payload []byte) ([]byte, error) {
	if h.Flags&FlagSYN != 0 && h.Flags&FlagRST != 0 {
		return nil, ErrBadFlags
	}
	if h.Flags&FlagEACK != 0 && h.Flags&FlagSYN == 0 &&
		(len(h.EACK) == 0 || len(h.EACK) > MaxEACKWords) {
		return nil, fmt.Errorf("%w: %d 字", ErrBadEACK, len(h.EACK))
	}
	hlen := h.HeaderLen()
	total := hlen + len(payload)
	if total > MaxSegmentSize || len(payload) > 0xFFFF {
		return nil, fmt.Errorf("%w: %d", ErrTooLarge, total)
	}

	off := len(dst)
	if cap(dst)-off < total {
		grown := make([]byte, off, off+total)
		copy(grown, dst)
		dst = grown
	}
	dst = dst[:off+total]
	b := dst[off:]

	b[0] = versionBits | (h.Flags & flagMask)
	b[1] = byte(hlen)
	binary.BigEndian.PutUint16(b[2:4], h.Src)
	binary.BigEndian.PutUint16(b[4:6], h.Dst)
	binary.BigEndian.PutUint16(b[6:8], uint16(len(payload)))
	binary.BigEndian.PutUint32(b[8:12], h.Seq)
	binary.BigEndian.PutUint32(b[12:16], h.Ack)
	binary.BigEndian.PutUint32(b[16:20], h.TTL)
	binary.BigEndian.PutUint32(b[20:24], h.SOM)
	binary.BigEndian.PutUint16(b[24:26], h.FCnt)
	binary.BigEndian.PutUint16(b[26:28], h.FIdx)
	binary.BigEndian.PutUint16(b[28:30], h.Window)

	switch {
	case h.Flags&FlagSYN != 0:
		binary.BigEndian.PutUint16(b[30:32], h.SegMax)
		binary.BigEndian.PutUint16(b[32:34], h.SegBMax)
		binary.BigEndian.PutUint16(b[34:36], h.Options)
	case h.Flags&FlagEACK != 0:
		for i, w := range h.EACK {
			binary.BigEndian.PutUint32(b[FixedHeaderSize+4*i:], w)
		}
	}

	copy(b[hlen:], payload)
	return dst, nil
}

// =============================================================================
// 解码
// =============================================================================

// Decode 解码段，返回的 payload 引用输入缓冲区
func Decode(b []byte) (*Header, []byte, error) {
	if len(b) < FixedHeaderSize {
		return nil, nil, fmt.Errorf("%w: %d < %d", ErrShortHeader, len(b), FixedHeaderSize)
	}
	if b[0]&versionMask != versionBits {
		return nil, nil, fmt.Errorf("%w: 0x%02X", ErrBadVersion, b[0]&versionMask)
	}

	h := &Header{
		Flags:  b[0] & flagMask,
		Src:    binary.BigEndian.Uint16(b[2:4]),
		Dst:    binary.BigEndian.Uint16(b[4:6]),
		Seq:    binary.BigEndian.Uint32(b[8:12]),
		Ack:    binary.BigEndian.Uint32(b[12:16]),
		TTL:    binary.BigEndian.Uint32(b[16:20]),
		SOM:    binary.BigEndian.Uint32(b[20:24]),
		FCnt:   binary.BigEndian.Uint16(b[24:26]),
		FIdx:   binary.BigEndian.Uint16(b[26:28]),
		Window: binary.BigEndian.Uint16(b[28:30]),
	}

	if h.Has(FlagSYN) && h.Has(FlagRST) {
		return nil, nil, ErrBadFlags
	}

	hlen := int(b[1])
	if hlen < FixedHeaderSize || hlen > len(b) {
		return nil, nil, fmt.Errorf("%w: %d", ErrBadHeaderLength, hlen)
	}

	dlen := int(binary.BigEndian.Uint16(b[6:8]))
	if hlen+dlen > len(b) {
		return nil, nil, fmt.Errorf("%w: %d > %d", ErrLengthMismatch, hlen+dlen, len(b))
	}

	switch {
	case h.Has(FlagSYN):
		if hlen != SynHeaderSize {
			return nil, nil, fmt.Errorf("%w: SYN 头部 %d", ErrBadHeaderLength, hlen)
		}
		h.SegMax = binary.BigEndian.Uint16(b[30:32])
		h.SegBMax = binary.BigEndian.Uint16(b[32:34])
		h.Options = binary.BigEndian.Uint16(b[34:36])
	case h.Has(FlagEACK):
		n := hlen - FixedHeaderSize
		if n == 0 || n%4 != 0 {
			return nil, nil, fmt.Errorf("%w: %d 字节", ErrBadEACK, n)
		}
		h.EACK = make([]uint32, n/4)
		for i := range h.EACK {
			h.EACK[i] = binary.BigEndian.Uint32(b[FixedHeaderSize+4*i:])
		}
	default:
		if hlen != FixedHeaderSize {
			return nil, nil, fmt.Errorf("%w: %d", ErrBadHeaderLength, hlen)
		}
	}

	if err := checkFragment(h, dlen); err != nil {
		return nil, nil, err
	}

	var payload []byte
	if dlen > 0 {
		payload = b[hlen : hlen+dlen]
	}
	return h, payload, nil
}

// checkFragment 校验分片字段
func checkFragment(h *Header, dlen int) error {
	if h.FCnt == 0 {
		if h.FIdx != 0 {
			return fmt.Errorf("%w: fcnt=0 fidx=%d", ErrBadFragment, h.FIdx)
		}
		// 只有 SYN 和不可靠数据报可以不占序列号携带数据
		if dlen > 0 && h.Flags&(FlagSYN|FlagUNR) == 0 {
			return fmt.Errorf("%w: 数据段缺少分片计数", ErrBadFragment)
		}
		return nil
	}
	if h.Has(FlagSYN) || h.Has(FlagRST) || h.Has(FlagNUL) {
		return fmt.Errorf("%w: 控制段携带分片计数", ErrBadFragment)
	}
	if h.FIdx >= h.FCnt {
		return fmt.Errorf("%w: %d >= %d", ErrBadFragment, h.FIdx, h.FCnt)
	}
	if h.Seq-h.SOM != uint32(h.FIdx) {
		return fmt.Errorf("%w: seq-som=%d fidx=%d", ErrBadFragment, h.Seq-h.SOM, h.FIdx)
	}
	return nil
}

// =============================================================================
// 分片工具函数
// =============================================================================

// FragmentCount 计算消息分片数
func FragmentCount(msgLen, maxPayload int) int {
	if maxPayload <= 0 {
		return 0
	}
	if msgLen == 0 {
		return 1
	}
	return (msgLen + maxPayload - 1) / maxPayload
}

// FragmentBounds 返回第 idx 片在消息中的区间
func FragmentBounds(msgLen, maxPayload, idx int) (start, end int) {
	start = idx * maxPayload
	end = start + maxPayload
	if end > msgLen {
		end = msgLen
	}
	return start, end
}

// MaxPayload 段最大数据量
func MaxPayload(segbmax int) int {
	return segbmax - FixedHeaderSize
}

// =============================================================================
// EACK 位图
// =============================================================================

// EACKWords 覆盖 n 个序列号所需的字数
func EACKWords(n int) int {
	return (n + 31) / 32
}

// EACKSet 设置位图中序列号 seq 对应的位 (相对 ack)
func EACKSet(bits []uint32, ack, seq uint32) bool {
	off := seq - ack - 2
	if off >= uint32(len(bits)*32) {
		return false
	}
	bits[off/32] |= 1 << (31 - off%32)
	return true
}

// EACKForEach 遍历位图中已置位的序列号
func EACKForEach(bits []uint32, ack uint32, fn func(seq uint32)) {
	for w, word := range bits {
		if word == 0 {
			continue
		}
		for i := 0; i < 32; i++ {
			if word&(1<<(31-i)) != 0 {
				fn(ack + 2 + uint32(w*32+i))
			}
		}
	}
}
