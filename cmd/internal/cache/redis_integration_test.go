package cache

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"
)

func TestRedisCache_Integration(t *testing.T) {
	url := strings.TrimSpace(os.Getenv("HAPPYINLINE_REDIS_URL"))
	if url == "" {
		t.Skip("HAPPYINLINE_REDIS_URL not set; skipping redis integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prefix := "happyinline:test:" + time.Now().UTC().Format("20060102150405.000000000") + ":"
	c, err := NewRedisCache(ctx, url, prefix)
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	if _, err := c.Get(ctx, "name"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}
	if err := c.Set(ctx, "name", "Ada", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get(ctx, "name")
	if err != nil || got != "Ada" {
		t.Fatalf("Get=%q,%v want Ada,nil", got, err)
	}
	n, err := c.Del(ctx, "name")
	if err != nil || n != 1 {
		t.Fatalf("Del=%d,%v want 1,nil", n, err)
	}
}
