package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"happyinline/cmd/internal/cache"
)

type countingDirectory struct {
	Directory
	participants int
	names        int
}

func (c *countingDirectory) Participants(ctx context.Context, id string) (Participants, error) {
	c.participants++
	return c.Directory.Participants(ctx, id)
}

func (c *countingDirectory) DisplayName(ctx context.Context, id string) (string, error) {
	c.names++
	return c.Directory.DisplayName(ctx, id)
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) (string, error) { return "", errors.New("conn refused") }
func (brokenCache) Set(context.Context, string, string, time.Duration) error {
	return errors.New("conn refused")
}
func (brokenCache) Del(context.Context, ...string) (int64, error) { return 0, nil }
func (brokenCache) Ping(context.Context) error                     { return errors.New("conn refused") }
func (brokenCache) Close() error                                   { return nil }

func TestCachedDirectory_CachesLookups(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	inner := &countingDirectory{Directory: seedStore(t)}
	d, err := NewCachedDirectory(inner, cache.NewMemoryCache(), testLogger())
	if err != nil {
		t.Fatalf("NewCachedDirectory: %v", err)
	}

	for i := 0; i < 3; i++ {
		p, err := d.Participants(ctx, "conv-1")
		if err != nil {
			t.Fatalf("Participants: %v", err)
		}
		if other, ok := p.Other("cust-1"); !ok || other != "barber-1" {
			t.Fatalf("Other(cust-1)=%q,%v", other, ok)
		}
		name, err := d.DisplayName(ctx, "cust-1")
		if err != nil || name != "Ada" {
			t.Fatalf("DisplayName=%q,%v", name, err)
		}
	}

	if inner.participants != 1 || inner.names != 1 {
		t.Fatalf("expected one backend lookup each, got participants=%d names=%d", inner.participants, inner.names)
	}

	tok, err := d.PushToken(ctx, "barber-1")
	if err != nil || tok != "tok-barber" {
		t.Fatalf("PushToken=%q,%v", tok, err)
	}
}

func TestCachedDirectory_ErrorsAreNotCached(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	inner := &countingDirectory{Directory: seedStore(t)}
	d, _ := NewCachedDirectory(inner, cache.NewMemoryCache(), testLogger())

	for i := 0; i < 2; i++ {
		if _, err := d.Participants(ctx, "missing"); !IsNotFound(err) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if inner.participants != 2 {
		t.Fatalf("participants lookups=%d want 2", inner.participants)
	}
}

func TestCachedDirectory_FallsThroughOnCacheFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d, _ := NewCachedDirectory(seedStore(t), brokenCache{}, testLogger())

	name, err := d.DisplayName(ctx, "cust-1")
	if err != nil || name != "Ada" {
		t.Fatalf("DisplayName=%q,%v", name, err)
	}
}
