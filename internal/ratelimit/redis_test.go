package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

type fakeEvaler struct {
	result   any
	err      error
	scanKeys []string
}

func (f *fakeEvaler) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(f.result)
	}
	return cmd
}

func (f *fakeEvaler) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	cmd := redis.NewScanCmd(ctx, nil)
	cmd.SetVal(f.scanKeys, 0)
	return cmd
}

func TestRedisLimiterUnconfiguredNeverCallsStore(t *testing.T) {
	f := &fakeEvaler{err: errors.New("should not be called")}
	l := NewRedisLimiter(f, nil)
	d, err := l.Check(context.Background(), "1.2.3.4", RouteLimit{})
	if err != nil || !d.Allowed || d.Remaining != -1 {
		t.Fatalf("got %#v, %v", d, err)
	}
}

func TestRedisLimiterAllowedDecodesScriptResult(t *testing.T) {
	f := &fakeEvaler{result: []any{int64(1), int64(4)}}
	l := NewRedisLimiter(f, nil)
	d, err := l.Check(context.Background(), "1.2.3.4", RouteLimit{Path: "/p", Capacity: 5, RefillRatePerSecond: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed || d.Remaining != 4 {
		t.Fatalf("got %#v", d)
	}
}

func TestRedisLimiterBlockedDecodesScriptResult(t *testing.T) {
	f := &fakeEvaler{result: []any{int64(0), int64(0)}}
	l := NewRedisLimiter(f, nil)
	d, err := l.Check(context.Background(), "1.2.3.4", RouteLimit{Path: "/p", Capacity: 5, RefillRatePerSecond: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected blocked, got %#v", d)
	}
}

func TestRedisLimiterOccupancyCountsScanResults(t *testing.T) {
	f := &fakeEvaler{scanKeys: []string{"rl:/p:1.1.1.1", "rl:/p:2.2.2.2"}}
	l := NewRedisLimiter(f, nil)
	n, err := l.Occupancy(context.Background(), "/p")
	if err != nil || n != 2 {
		t.Fatalf("expected occupancy 2, got %d, %v", n, err)
	}
}

func TestRedisLimiterFailsOpenOnStoreError(t *testing.T) {
	f := &fakeEvaler{err: errors.New("connection refused")}
	l := NewRedisLimiter(f, nil)
	d, err := l.Check(context.Background(), "1.2.3.4", RouteLimit{Path: "/p", Capacity: 5, RefillRatePerSecond: 1})
	if err == nil {
		t.Fatal("expected store error to be returned")
	}
	if !d.Allowed || d.Remaining != -1 {
		t.Fatalf("expected fail-open decision, got %#v", d)
	}
}
