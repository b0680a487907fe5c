package app

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestRedisRateLimiter_NilClientAllows(t *testing.T) {
	limiter := NewRedisRateLimiter(nil, "")
	ok, wait, err := limiter.Allow(context.Background(), "scheduler:payments", 1, time.Minute)
	if err != nil || !ok || wait != 0 {
		t.Fatalf("expected allow without redis, got ok=%v wait=%s err=%v", ok, wait, err)
	}
}

func TestRedisLease_NilClientAcquires(t *testing.T) {
	lease := NewRedisLease(nil, "taas:payments:", zerolog.Nop())
	ok, release, err := lease.Acquire(context.Background(), "payment-scheduler", "replica-1", time.Minute)
	if err != nil || !ok || release == nil {
		t.Fatalf("expected lease without redis, got ok=%v err=%v", ok, err)
	}
	release()
	if lease.prefix != "taas:payments:lease" {
		t.Fatalf("unexpected prefix %q", lease.prefix)
	}
}

func TestRedisLease_ReleaseFailureIsLogged(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	var buf bytes.Buffer
	lease := NewRedisLease(client, "taas:payments", zerolog.New(&buf))
	lease.release("taas:payments:lease:payment-scheduler", "replica-1")

	out := buf.String()
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, "failed to release lease") {
		t.Fatalf("expected a warn line for the failed release, got %q", out)
	}
	if !strings.Contains(out, `"holder":"replica-1"`) {
		t.Fatalf("expected holder in log line, got %q", out)
	}
}

func TestParseCounterReply(t *testing.T) {
	count, ttl, err := parseCounterReply([]interface{}{int64(3), int64(1500)})
	if err != nil || count != 3 || ttl != 1500 {
		t.Fatalf("unexpected parse result count=%d ttl=%d err=%v", count, ttl, err)
	}

	if _, _, err := parseCounterReply("OK"); err == nil {
		t.Fatal("expected error for unexpected reply shape")
	}
	if _, _, err := parseCounterReply([]interface{}{"3", int64(10)}); err == nil {
		t.Fatal("expected error for non-integer count")
	}
}

func TestRetryAfter(t *testing.T) {
	tests := map[int64]time.Duration{
		0:     time.Second,
		1:     time.Second,
		1000:  time.Second,
		1001:  2 * time.Second,
		59000: 59 * time.Second,
	}
	for ttl, want := range tests {
		if got := retryAfter(ttl); got != want {
			t.Fatalf("retryAfter(%d) = %s, want %s", ttl, got, want)
		}
	}
}
