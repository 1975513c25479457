package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trailmark/trailmark/internal/audit"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key, default "trailmark".
	Prefix string
}

// Redis keeps the index in a Redis database:
//
//	<prefix>:channels            set of channel ids
//	<prefix>:channel:<id>        channel record (JSON string)
//	<prefix>:assets:<id>         hash asset id -> pointer (JSON)
type Redis struct {
	client *redis.Client
	prefix string
}

var _ Store = (*Redis)(nil)

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis index address is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "trailmark"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis index at %s: %w", cfg.Addr, err)
	}
	return NewRedis(client, cfg.Prefix), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) channelsKey() string { return r.prefix + ":channels" }
func (r *Redis) channelKey(id string) string { return r.prefix + ":channel:" + id }
func (r *Redis) assetsKey(channel string) string { return r.prefix + ":assets:" + channel }

func (r *Redis) GetChannel(ctx context.Context, channelID string) (audit.ChannelConfig, bool, error) {
	raw, err := r.client.Get(ctx, r.channelKey(channelID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return audit.ChannelConfig{}, false, nil
	}
	if err != nil {
		return audit.ChannelConfig{}, false, fmt.Errorf("reading channel %q: %w", channelID, err)
	}
	var rec ChannelRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return audit.ChannelConfig{}, false, fmt.Errorf("decoding channel %q: %w", channelID, err)
	}
	return fromRecord(channelID, rec), true, nil
}

func (r *Redis) PutChannel(ctx context.Context, cfg audit.ChannelConfig) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		return r.queueChannel(ctx, p, cfg)
	})
	if err != nil {
		return fmt.Errorf("writing channel %q: %w", cfg.ChannelID, err)
	}
	return nil
}

func (r *Redis) GetAsset(ctx context.Context, channelID, assetID string) (audit.AssetPointer, bool, error) {
	raw, err := r.client.HGet(ctx, r.assetsKey(channelID), assetID).Bytes()
	if errors.Is(err, redis.Nil) {
		return audit.AssetPointer{}, false, nil
	}
	if err != nil {
		return audit.AssetPointer{}, false, fmt.Errorf("reading asset %q on %q: %w", assetID, channelID, err)
	}
	var a audit.AssetPointer
	if err := json.Unmarshal(raw, &a); err != nil {
		return audit.AssetPointer{}, false, fmt.Errorf("decoding asset %q on %q: %w", assetID, channelID, err)
	}
	a.AssetID = assetID
	return a, true, nil
}

func (r *Redis) PutAsset(ctx context.Context, channelID string, asset audit.AssetPointer) error {
	b, err := json.Marshal(asset)
	if err != nil {
		return fmt.Errorf("encoding asset %q: %w", asset.AssetID, err)
	}
	if err := r.client.HSet(ctx, r.assetsKey(channelID), asset.AssetID, b).Err(); err != nil {
		return fmt.Errorf("writing asset %q on %q: %w", asset.AssetID, channelID, err)
	}
	return nil
}

// SaveCommit writes both records in one MULTI/EXEC block.
func (r *Redis) SaveCommit(ctx context.Context, cfg audit.ChannelConfig, asset audit.AssetPointer) error {
	b, err := json.Marshal(asset)
	if err != nil {
		return fmt.Errorf("encoding asset %q: %w", asset.AssetID, err)
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if err := r.queueChannel(ctx, p, cfg); err != nil {
			return err
		}
		p.HSet(ctx, r.assetsKey(cfg.ChannelID), asset.AssetID, b)
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording commit on %q: %w", cfg.ChannelID, err)
	}
	return nil
}

func (r *Redis) queueChannel(ctx context.Context, p redis.Pipeliner, cfg audit.ChannelConfig) error {
	b, err := encodeRecord(cfg)
	if err != nil {
		return err
	}
	p.Set(ctx, r.channelKey(cfg.ChannelID), b, 0)
	p.SAdd(ctx, r.channelsKey(), cfg.ChannelID)
	return nil
}

func (r *Redis) ListChannels(ctx context.Context) ([]audit.ChannelConfig, error) {
	ids, err := r.client.SMembers(ctx, r.channelsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	sort.Strings(ids)

	out := make([]audit.ChannelConfig, 0, len(ids))
	for _, id := range ids {
		cfg, ok, err := r.GetChannel(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (r *Redis) ListAssets(ctx context.Context, channelID string) ([]audit.AssetPointer, error) {
	all, err := r.client.HGetAll(ctx, r.assetsKey(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing assets of %q: %w", channelID, err)
	}
	out := make([]audit.AssetPointer, 0, len(all))
	for id, raw := range all {
		var a audit.AssetPointer
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decoding asset %q on %q: %w", id, channelID, err)
		}
		a.AssetID = id
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}
