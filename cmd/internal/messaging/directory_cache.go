package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"happyinline/cmd/internal/cache"
)

const (
	defaultParticipantsTTL = 10 * time.Minute
	defaultProfileTTL      = 2 * time.Minute
)

// CachedDirectory fronts a Directory with a cache.Cache.
// Cache failures are logged and fall through to the underlying Directory.
type CachedDirectory struct {
	next  Directory
	cache cache.Cache
	log   *slog.Logger

	participantsTTL time.Duration
	profileTTL      time.Duration
}

// NewCachedDirectory wraps next with c.
func NewCachedDirectory(next Directory, c cache.Cache, log *slog.Logger) (*CachedDirectory, error) {
	if next == nil {
		return nil, errors.New("messaging: nil directory")
	}
	if c == nil {
		return nil, errors.New("messaging: nil cache")
	}
	if log == nil {
		log = slog.Default()
	}
	return &CachedDirectory{
		next:            next,
		cache:           c,
		log:             log,
		participantsTTL: defaultParticipantsTTL,
		profileTTL:      defaultProfileTTL,
	}, nil
}

var _ Directory = (*CachedDirectory)(nil)

type cachedParticipants struct {
	First  string `json:"first"`
	Second string `json:"second"`
	ShopID string `json:"shop_id,omitempty"`
}

// Participants never change for a conversation, so they are cached longer than profile data.
func (d *CachedDirectory) Participants(ctx context.Context, conversationID string) (Participants, error) {
	key := "conv:participants:" + conversationID

	if raw, ok := d.get(ctx, key); ok {
		var cp cachedParticipants
		if err := json.Unmarshal([]byte(raw), &cp); err == nil {
			return Participants(cp), nil
		}
	}

	p, err := d.next.Participants(ctx, conversationID)
	if err != nil {
		return Participants{}, err
	}
	if raw, err := json.Marshal(cachedParticipants(p)); err == nil {
		d.set(ctx, key, string(raw), d.participantsTTL)
	}
	return p, nil
}

func (d *CachedDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	return d.profileField(ctx, "profile:name:"+userID, func() (string, error) {
		return d.next.DisplayName(ctx, userID)
	})
}

func (d *CachedDirectory) PushToken(ctx context.Context, userID string) (string, error) {
	return d.profileField(ctx, "profile:push_token:"+userID, func() (string, error) {
		return d.next.PushToken(ctx, userID)
	})
}

func (d *CachedDirectory) profileField(ctx context.Context, key string, load func() (string, error)) (string, error) {
	if v, ok := d.get(ctx, key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return "", err
	}
	d.set(ctx, key, v, d.profileTTL)
	return v, nil
}

func (d *CachedDirectory) get(ctx context.Context, key string) (string, bool) {
	v, err := d.cache.Get(ctx, key)
	if err == nil {
		return v, true
	}
	if !errors.Is(err, cache.ErrMiss) {
		d.log.Warn("directory.cache.get.fail", "key", key, "err", err)
	}
	return "", false
}

func (d *CachedDirectory) set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := d.cache.Set(ctx, key, value, ttl); err != nil {
		d.log.Warn("directory.cache.set.fail", "key", key, "err", err)
	}
}
