package domain

import "time"

// 指数退避的指数上限，防止 2^attempts 溢出
const maxBackoffExponent = 10

// RetryState 是 relay 内部按 eventId 记录的重试进度。
type RetryState struct {
	Attempts       int
	NextEligibleAt time.Time
}

// Eligible 判断当前是否已过退避窗口。
func (s RetryState) Eligible(now time.Time) bool {
	return s.NextEligibleAt.IsZero() || !now.Before(s.NextEligibleAt)
}

// Exhausted 判断主 topic 的重试次数是否已经用完。
func (s RetryState) Exhausted(maxAttempts int) bool {
	return s.Attempts >= maxAttempts
}

// Backoff 计算 min(base * 2^attempts, cap)。
func Backoff(base, limit time.Duration, attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > maxBackoffExponent {
		attempts = maxBackoffExponent
	}
	d := base * time.Duration(1<<uint(attempts))
	if d > limit || d <= 0 {
		return limit
	}
	return d
}
