package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-lookup/internal/aggregate"
	"github.com/example/face-lookup/internal/cache"
	"github.com/example/face-lookup/internal/facematch"
	"github.com/example/face-lookup/internal/identity"
	"github.com/example/face-lookup/internal/imagenormalizer"
	"github.com/example/face-lookup/internal/logging"
	"github.com/example/face-lookup/internal/repository"
	"github.com/example/face-lookup/internal/retry"
)

// Source tells how the image reached the service.
type Source string

const (
	SourceUpload Source = "upload"
	SourceWebcam Source = "webcam"
)

// ErrLookupNotFound is returned when a request id is unknown to both cache and audit log.
var ErrLookupNotFound = errors.New("lookup not found")

// LookupRepository defines the persistence operations needed by the use case.
type LookupRepository interface {
	SaveLog(ctx context.Context, log *repository.LookupLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.LookupLog, error)
	FindDuplicatesByHash(ctx context.Context, hash, excludeRequestID string) ([]*repository.LookupLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Normalizer turns raw input into a face search payload.
type Normalizer interface {
	FromDataURL(dataURL string) (*imagenormalizer.Payload, error)
	FromUpload(r io.Reader) (*imagenormalizer.Payload, error)
}

// Lookup is the completed result of one face lookup.
type Lookup struct {
	RequestID  string            `json:"request_id"`
	OperatorID string            `json:"operator_id,omitempty"`
	Source     Source            `json:"source"`
	Result     *aggregate.Result `json:"result"`
	LatencyMs  int64             `json:"latency_ms"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Options tune the lookup flow.
type Options struct {
	// ResolveConcurrency bounds parallel identity lookups per request.
	ResolveConcurrency int
	// ResultTTL is how long completed lookups stay in the cache.
	ResultTTL time.Duration
}

// LookupUseCase runs normalise, search, resolve and aggregate for each request.
// repo and resultCache may be nil, which disables the audit log and result cache.
type LookupUseCase struct {
	normalizer  Normalizer
	matcher     facematch.Client
	resolver    identity.Resolver
	repo        LookupRepository
	resultCache cache.Cache
	opts        Options
	policy      retry.Policy
	logger      *zap.Logger
	now         func() time.Time
}

// DuplicateReport lists earlier lookups of the same image.
type DuplicateReport struct {
	Request    *repository.LookupLog
	Duplicates []*repository.LookupLog
}

// NewLookupUseCase constructs a new use case instance.
func NewLookupUseCase(normalizer Normalizer, matcher facematch.Client, resolver identity.Resolver, repo LookupRepository, resultCache cache.Cache, opts Options, logger *zap.Logger) *LookupUseCase {
	if opts.ResolveConcurrency < 1 {
		opts.ResolveConcurrency = 1
	}
	return &LookupUseCase{
		normalizer:  normalizer,
		matcher:     matcher,
		resolver:    resolver,
		repo:        repo,
		resultCache: resultCache,
		opts:        opts,
		policy:      retry.DefaultPolicy,
		logger:      logger.Named("lookup_usecase"),
		now:         time.Now,
	}
}

// LookupDataURL searches the face in a webcam capture.
// operatorID is the authenticated API caller and is empty for the public form.
func (uc *LookupUseCase) LookupDataURL(ctx context.Context, operatorID, dataURL string) (*Lookup, error) {
	payload, err := uc.normalizer.FromDataURL(dataURL)
	if err != nil {
		return nil, err
	}
	return uc.lookup(ctx, operatorID, SourceWebcam, payload)
}

// LookupUpload searches the face in an uploaded file.
func (uc *LookupUseCase) LookupUpload(ctx context.Context, operatorID string, r io.Reader) (*Lookup, error) {
	payload, err := uc.normalizer.FromUpload(r)
	if err != nil {
		return nil, err
	}
	return uc.lookup(ctx, operatorID, SourceUpload, payload)
}

func (uc *LookupUseCase) lookup(ctx context.Context, operatorID string, source Source, payload *imagenormalizer.Payload) (*Lookup, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.lookup", requestID)
	started := uc.now()

	candidates, err := uc.matcher.Search(ctx, payload)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.search_faces", requestID, err)
		opLogger.Warn("face search failed", zap.Error(wrapped))
		return nil, wrapped
	}

	result, err := aggregate.Aggregate(ctx, candidates, uc.resolver.Resolve, uc.opts.ResolveConcurrency)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.resolve_identities", requestID, err)
		opLogger.Warn("identity resolution failed", zap.Error(wrapped))
		return nil, wrapped
	}

	lookup := &Lookup{
		RequestID:  requestID,
		OperatorID: operatorID,
		Source:     source,
		Result:     result,
		LatencyMs:  uc.now().Sub(started).Milliseconds(),
		CreatedAt:  started.UTC(),
	}
	opLogger.Info("lookup completed",
		zap.String("source", string(source)),
		zap.String("operator_id", operatorID),
		zap.Int("candidates", len(result.Matches)),
		zap.Int("resolved", result.ResolvedCount()),
		zap.String("outcome", string(result.Outcome)),
		zap.Int64("latency_ms", lookup.LatencyMs),
	)

	hash := sha1.Sum(payload.Bytes)
	uc.record(ctx, lookup, hex.EncodeToString(hash[:]))
	return lookup, nil
}

// record stores the audit log and the cached result; failures are logged only.
func (uc *LookupUseCase) record(ctx context.Context, lookup *Lookup, hashHex string) {
	opLogger := logging.WithOperation(uc.logger, "usecase.record", lookup.RequestID)

	serialized, err := json.Marshal(lookup)
	if err != nil {
		opLogger.Error("failed to serialize lookup", zap.Error(err))
		return
	}

	if uc.repo != nil {
		matches, err := json.Marshal(lookup.Result.Matches)
		if err != nil {
			opLogger.Error("failed to serialize matches", zap.Error(err))
			return
		}
		log := &repository.LookupLog{
			RequestID:      lookup.RequestID,
			OperatorID:     lookup.OperatorID,
			Source:         string(lookup.Source),
			SHA1Hash:       hashHex,
			CandidateCount: len(lookup.Result.Matches),
			ResolvedCount:  lookup.Result.ResolvedCount(),
			NotFound:       lookup.Result.NotFound,
			Outcome:        string(lookup.Result.Outcome),
			TopConfidence:  lookup.Result.TopConfidence(),
			LatencyMs:      lookup.LatencyMs,
			Matches:        string(matches),
			CreatedAt:      lookup.CreatedAt,
		}
		if err := uc.repo.SaveLog(ctx, log); err != nil {
			opLogger.Error("failed to persist lookup log", zap.Error(err))
		}
	}

	if uc.resultCache != nil && uc.opts.ResultTTL > 0 {
		err := retry.Do(ctx, uc.logger, uc.policy, "cache.set.result", lookup.RequestID, func() error {
			return uc.resultCache.Set(ctx, resultKey(lookup.RequestID), string(serialized), uc.opts.ResultTTL)
		})
		if err != nil {
			opLogger.Error("failed to cache lookup result", zap.Error(err))
		}
	}
}

// GetLookup returns a completed lookup from the cache, falling back to the audit log.
func (uc *LookupUseCase) GetLookup(ctx context.Context, requestID string) (*Lookup, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_lookup", requestID)

	if uc.resultCache != nil {
		var cached string
		err := retry.Do(ctx, uc.logger, uc.policy, "cache.get.result", requestID, func() error {
			value, err := uc.resultCache.Get(ctx, resultKey(requestID))
			if err != nil {
				return err
			}
			cached = value
			return nil
		})
		if err == nil {
			var lookup Lookup
			if err := json.Unmarshal([]byte(cached), &lookup); err == nil {
				return &lookup, nil
			}
			opLogger.Warn("failed to decode cached lookup")
		} else if !cache.IsMiss(err) {
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, ErrLookupNotFound
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, ErrLookupNotFound
		}
		return nil, err
	}
	return lookupFromLog(log)
}

// GetDuplicateReport lists other lookups that submitted the same image.
func (uc *LookupUseCase) GetDuplicateReport(ctx context.Context, requestID string) (*DuplicateReport, error) {
	if uc.repo == nil {
		return nil, ErrLookupNotFound
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, ErrLookupNotFound
		}
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, log.SHA1Hash, log.RequestID)
	if err != nil {
		return nil, err
	}
	return &DuplicateReport{Request: log, Duplicates: duplicates}, nil
}

func lookupFromLog(log *repository.LookupLog) (*Lookup, error) {
	result := &aggregate.Result{
		Matches:  []aggregate.Match{},
		NotFound: log.NotFound,
		Outcome:  aggregate.Outcome(log.Outcome),
	}
	if log.Matches != "" {
		if err := json.Unmarshal([]byte(log.Matches), &result.Matches); err != nil {
			return nil, logging.NewOperationError("usecase.decode_matches", log.RequestID, err)
		}
	}
	return &Lookup{
		RequestID:  log.RequestID,
		OperatorID: log.OperatorID,
		Source:     Source(log.Source),
		Result:     result,
		LatencyMs:  log.LatencyMs,
		CreatedAt:  log.CreatedAt,
	}, nil
}

func resultKey(requestID string) string {
	return "lookup:" + requestID
}
