package payment

import (
	"strconv"
	"strings"
)

// sigHexLen 是 65 字节 ECDSA 签名去掉前缀后的十六进制长度。
const sigHexLen = 130

// NormalizeSignature 将 ECDSA 签名的恢复字节改写为传统的 {27,28} 形式。
//
// 输入接受 v ∈ {0,1}、{27,28} 或 EIP-155 风格的 v >= 35。长度不符或 v 不在
// 任何已知区间时原样返回，规范化只针对单一目标链，畸形签名放行而不报错。
func NormalizeSignature(sigHex string, chainID int64) string {
	body := sigHex
	prefix := ""
	if strings.HasPrefix(body, "0x") || strings.HasPrefix(body, "0X") {
		prefix = body[:2]
		body = body[2:]
	}
	if len(body) != sigHexLen {
		return sigHex
	}

	v, err := strconv.ParseInt(body[sigHexLen-2:], 16, 64)
	if err != nil {
		return sigHex
	}

	var normalized int64
	switch {
	case v == 0 || v == 1:
		normalized = v + 27
	case v == 27 || v == 28:
		return sigHex
	case v >= 35:
		yParity := (v - 35 - chainID*2) % 2
		if yParity < 0 {
			yParity += 2
		}
		normalized = yParity + 27
	default:
		return sigHex
	}

	return prefix + body[:sigHexLen-2] + encodeVByte(normalized)
}

func encodeVByte(v int64) string {
	encoded := strconv.FormatInt(v, 16)
	if len(encoded) < 2 {
		encoded = "0" + encoded
	}
	return encoded
}

// Normalizer 按配置开关应用签名规范化，便于在不改动调用点的情况下全局停用。
type Normalizer struct {
	enabled bool
	chainID int64
}

// NewNormalizer 创建签名规范化器。enabled 为 false 时 Apply 原样返回。
func NewNormalizer(enabled bool, chainID int64) *Normalizer {
	return &Normalizer{enabled: enabled, chainID: chainID}
}

// Enabled 返回规范化开关状态。
func (n *Normalizer) Enabled() bool {
	return n != nil && n.enabled
}

// Apply 在开关打开时规范化签名，否则透传。
func (n *Normalizer) Apply(sigHex string) string {
	if n == nil || !n.enabled {
		return sigHex
	}
	return NormalizeSignature(sigHex, n.chainID)
}
