package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint 计算请求载荷的指纹：各部分以 '|' 连接后取 SHA-256。
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
