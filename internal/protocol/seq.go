// =============================================================================
// 文件: internal/protocol/seq.go
// 描述: 32 位序列号回绕比较
// =============================================================================

package protocol

const seqHalf = uint32(1) << 31

// SeqLT a 在 b 之前: (b - a) mod 2^32 ∈ [1, 2^31)
func SeqLT(a, b uint32) bool {
	d := b - a
	return d != 0 && d < seqHalf
}

// SeqLE a 在 b 之前或相等
func SeqLE(a, b uint32) bool {
	return a == b || SeqLT(a, b)
}

// SeqGT a 在 b 之后
func SeqGT(a, b uint32) bool {
	return SeqLT(b, a)
}

// SeqGE a 在 b 之后或相等
func SeqGE(a, b uint32) bool {
	return a == b || SeqLT(b, a)
}

// SeqInRange p ∈ [beg, beg+size)
func SeqInRange(beg, size, p uint32) bool {
	return p-beg < size
}

// SeqMax 返回较后的序列号
func SeqMax(a, b uint32) uint32 {
	if SeqLT(a, b) {
		return b
	}
	return a
}

// SeqDiff 从 a 到 b 的有符号距离
func SeqDiff(a, b uint32) int32 {
	return int32(b - a)
}
