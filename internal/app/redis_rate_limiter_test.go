package app

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestParseLimiterResult(t *testing.T) {
	tests := []struct {
		name      string
		raw       interface{}
		wantCount int
		wantRetry int
		wantErr   bool
	}{
		{name: "admitted", raw: []interface{}{int64(2), int64(0)}, wantCount: 2, wantRetry: 0},
		{name: "refused rounds wait up", raw: []interface{}{int64(4), int64(12001)}, wantCount: 4, wantRetry: 13},
		{name: "refused whole seconds", raw: []interface{}{int64(4), int64(30000)}, wantCount: 4, wantRetry: 30},
		{name: "sub-second wait is at least one", raw: []interface{}{int64(4), int64(15)}, wantCount: 4, wantRetry: 1},
		{name: "negative wait falls back to window", raw: []interface{}{int64(4), int64(-1)}, wantCount: 4, wantRetry: 60},
		{name: "not a list", raw: "OK", wantErr: true},
		{name: "wrong length", raw: []interface{}{int64(1)}, wantErr: true},
		{name: "count not integer", raw: []interface{}{"1", int64(0)}, wantErr: true},
		{name: "wait not integer", raw: []interface{}{int64(3), "soon"}, wantCount: 3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count, retry, err := parseLimiterResult(tt.raw, 60000)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %#v", tt.raw)
				}
				if count != tt.wantCount {
					t.Fatalf("expected count %d alongside error, got %d", tt.wantCount, count)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if count != tt.wantCount || retry != tt.wantRetry {
				t.Fatalf("expected (%d, %d), got (%d, %d)", tt.wantCount, tt.wantRetry, count, retry)
			}
		})
	}
}

func TestRedisVerificationRateLimiter_Key(t *testing.T) {
	limiter := NewRedisVerificationRateLimiter(nil, " custom:prefix: ")
	key, ok := limiter.key(" Verify ", " 10.0.0.1 ")
	if !ok || key != "custom:prefix:verify:10.0.0.1" {
		t.Fatalf("unexpected key %q (ok=%v)", key, ok)
	}

	if _, ok := limiter.key("verify", "  "); ok {
		t.Fatalf("expected blank subject to produce no key")
	}

	if got := NewRedisVerificationRateLimiter(nil, "").prefix; got != defaultRateLimitPrefix {
		t.Fatalf("expected default prefix, got %q", got)
	}
}

func TestRedisVerificationRateLimiter_DisabledInputsSkipRedis(t *testing.T) {
	// Nothing listens here; any call that reaches Redis would fail.
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	limiter := NewRedisVerificationRateLimiter(client, "")

	tests := []struct {
		name    string
		scope   string
		subject string
		limit   int
		window  time.Duration
	}{
		{name: "zero limit", scope: "verify", subject: "10.0.0.1", limit: 0, window: time.Minute},
		{name: "zero window", scope: "verify", subject: "10.0.0.1", limit: 3, window: 0},
		{name: "blank subject", scope: "verify", subject: "", limit: 3, window: time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count, retry, err := limiter.ConsumeRateLimit(context.Background(), tt.scope, tt.subject, tt.limit, tt.window)
			if err != nil || count != 0 || retry != 0 {
				t.Fatalf("expected a no-op, got (%d, %d, %v)", count, retry, err)
			}
		})
	}
}

func TestRedisVerificationRateLimiter_UnreachableRedisReturnsError(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	limiter := NewRedisVerificationRateLimiter(client, "")

	if _, _, err := limiter.ConsumeRateLimit(context.Background(), "verify", "10.0.0.1", 3, time.Minute); err == nil {
		t.Fatalf("expected an error when redis is unreachable")
	}
}
