package openai

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RateLimiter は 1 分あたりのリクエスト数を制限するトークンバケットです
type RateLimiter struct {
	mu sync.Mutex

	// perMinute は1分あたりの最大リクエスト数
	perMinute int
	tokens    float64
	last      time.Time
	waiting   int
	inFlight  int

	now  func() time.Time
	poll time.Duration
}

// NewRateLimiter は新しいRateLimiterを作成します。perMinute が 0 以下の場合は制限しません。
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{
		perMinute: perMinute,
		tokens:    float64(perMinute),
		last:      time.Now(),
		now:       time.Now,
		poll:      100 * time.Millisecond,
	}
}

// Wait はトークンを 1 つ取得するまで待機します。
// 成功した場合は必ず Release を呼んでください。
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rl.refill()
		if rl.perMinute <= 0 || rl.tokens >= 1 {
			if rl.perMinute > 0 {
				rl.tokens--
			}
			rl.inFlight++
			return nil
		}

		rl.waiting++
		rl.mu.Unlock()
		timer := time.NewTimer(rl.poll)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
		rl.mu.Lock()
		rl.waiting--
	}
}

// Release は実行中のリクエストを終了させます
func (rl *RateLimiter) Release() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.inFlight > 0 {
		rl.inFlight--
	}
}

// refill は経過時間に応じてトークンを補充します。呼び出し側でロックを取得していること。
func (rl *RateLimiter) refill() {
	now := rl.now()
	elapsed := now.Sub(rl.last)
	rl.last = now
	if elapsed <= 0 || rl.perMinute <= 0 {
		return
	}
	rl.tokens = min(rl.tokens+elapsed.Minutes()*float64(rl.perMinute), float64(rl.perMinute))
}

// Status は現在の状態を返します
func (rl *RateLimiter) Status() RateLimiterStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	return RateLimiterStatus{
		MaxRequestsPerMinute: rl.perMinute,
		AvailableTokens:      int(rl.tokens),
		WaitingRequests:      rl.waiting,
		ActiveRequests:       rl.inFlight,
	}
}

// RateLimiterStatus はレート制限の状態
type RateLimiterStatus struct {
	MaxRequestsPerMinute int
	AvailableTokens      int
	WaitingRequests      int
	ActiveRequests       int
}

// String はステータスを文字列表現で返します
func (s RateLimiterStatus) String() string {
	return fmt.Sprintf(
		"RateLimiter: max=%d/min, available=%d, waiting=%d, active=%d",
		s.MaxRequestsPerMinute,
		s.AvailableTokens,
		s.WaitingRequests,
		s.ActiveRequests,
	)
}
