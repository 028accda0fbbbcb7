package domain

import "github.com/pkg/errors"

var (
	// ErrInvalidReservation 在脚本执行前拒绝非法输入（空 id、qty <= 0、负价格、空币种）。
	ErrInvalidReservation = errors.New("invalid reservation")
	// ErrTransientInfra 表示存储或消息总线不可达，调用方可以安全重试。
	ErrTransientInfra = errors.New("transient infrastructure failure")
	// ErrPoisonEntry 表示 outbox 记录缺少事件 id 或载荷无法解析，直接丢弃。
	ErrPoisonEntry = errors.New("poison outbox entry")
	// ErrPolicyRejected 表示购买请求不满足活动规则。
	ErrPolicyRejected = errors.New("purchase rejected by policy")
)
