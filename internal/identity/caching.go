package identity

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/example/face-lookup/internal/cache"
	"github.com/example/face-lookup/internal/logging"
	"github.com/example/face-lookup/internal/retry"
)

// absentMarker is cached for face ids known to have no identity.
const absentMarker = "-"

// CachingResolver is a read-through Redis cache in front of another Resolver.
// Cache failures never fail a lookup; they fall through to the wrapped resolver.
type CachingResolver struct {
	next        Resolver
	cache       cache.Cache
	ttl         time.Duration
	negativeTTL time.Duration
	policy      retry.Policy
	logger      *zap.Logger
}

var _ Resolver = (*CachingResolver)(nil)

// NewCachingResolver caches hits for ttl and absences for a tenth of it.
func NewCachingResolver(next Resolver, c cache.Cache, ttl time.Duration, logger *zap.Logger) *CachingResolver {
	return &CachingResolver{
		next:        next,
		cache:       c,
		ttl:         ttl,
		negativeTTL: ttl / 10,
		policy:      retry.DefaultPolicy,
		logger:      logger.Named("identity_cache"),
	}
}

func (r *CachingResolver) Resolve(ctx context.Context, faceID string) (*Record, error) {
	key := "identity:" + faceID

	var cached string
	err := retry.Do(ctx, r.logger, r.policy, "identity_cache.get", faceID, func() error {
		value, err := r.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		cached = value
		return nil
	})
	switch {
	case err == nil:
		if cached == absentMarker {
			return nil, nil
		}
		var record Record
		if err := json.Unmarshal([]byte(cached), &record); err == nil {
			return &record, nil
		}
		r.logger.Warn("dropping undecodable cached identity", zap.String("face_id", faceID))
	case !cache.IsMiss(err):
		logging.WithOperation(r.logger, "identity_cache.get", faceID).Warn("identity cache unavailable", zap.Error(err))
	}

	record, err := r.next.Resolve(ctx, faceID)
	if err != nil {
		return nil, err
	}
	r.store(ctx, key, faceID, record)
	return record, nil
}

func (r *CachingResolver) store(ctx context.Context, key, faceID string, record *Record) {
	if r.ttl <= 0 {
		return
	}

	value, ttl := absentMarker, r.negativeTTL
	if record != nil {
		serialized, err := json.Marshal(record)
		if err != nil {
			return
		}
		value, ttl = string(serialized), r.ttl
	}
	if ttl <= 0 {
		return
	}

	err := retry.Do(ctx, r.logger, r.policy, "identity_cache.set", faceID, func() error {
		return r.cache.Set(ctx, key, value, ttl)
	})
	if err != nil {
		r.logger.Warn("failed to cache identity", zap.Error(err), zap.String("face_id", faceID))
	}
}
