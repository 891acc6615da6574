package usecase

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-lookup/internal/aggregate"
	"github.com/example/face-lookup/internal/facematch"
	"github.com/example/face-lookup/internal/identity"
	"github.com/example/face-lookup/internal/imagenormalizer"
	"github.com/example/face-lookup/internal/logging"
	"github.com/example/face-lookup/internal/repository"
	"github.com/example/face-lookup/internal/retry"
)

type stubRepository struct {
	savedLogs   []*repository.LookupLog
	saveErr     error
	findLog     *repository.LookupLog
	findErr     error
	findCalls   int
	duplicates  []*repository.LookupLog
	aggregation *repository.MetricsAggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.LookupLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.LookupLog, error) {
	s.findCalls++
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, logging.NewOperationError("repository.find_by_request_id", requestID, gorm.ErrRecordNotFound)
}

func (s *stubRepository) FindDuplicatesByHash(ctx context.Context, hash, excludeRequestID string) ([]*repository.LookupLog, error) {
	return s.duplicates, nil
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return s.aggregation, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []string
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.setValues = append(s.setValues, value.(string))
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type stubMatcher struct {
	candidates []facematch.Candidate
	err        error
	calls      int
}

func (s *stubMatcher) Search(ctx context.Context, payload *imagenormalizer.Payload) ([]facematch.Candidate, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.candidates, nil
}

type stubResolver struct {
	names map[string]string
	err   error
}

func (s *stubResolver) Resolve(ctx context.Context, faceID string) (*identity.Record, error) {
	if s.err != nil {
		return nil, s.err
	}
	name, ok := s.names[faceID]
	if !ok {
		return nil, nil
	}
	return &identity.Record{FaceID: faceID, FullName: name}, nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func webcamCapture(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	img.Set(1, 1, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func newTestUseCase(matcher facematch.Client, resolver identity.Resolver, repo LookupRepository, c *stubCache) *LookupUseCase {
	uc := NewLookupUseCase(imagenormalizer.New(), matcher, resolver, nil, nil, Options{ResolveConcurrency: 2, ResultTTL: time.Minute}, zap.NewNop())
	uc.policy = retry.Policy{Attempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	if repo != nil {
		uc.repo = repo
	}
	if c != nil {
		uc.resultCache = c
	}
	return uc
}

func TestLookupDataURLComposesMatches(t *testing.T) {
	matcher := &stubMatcher{candidates: []facematch.Candidate{{FaceID: "f1", Confidence: 98.2}, {FaceID: "f2", Confidence: 55.0}}}
	repo := &stubRepository{}
	c := &stubCache{}
	uc := newTestUseCase(matcher, &stubResolver{names: map[string]string{"f1": "Alice"}}, repo, c)

	lookup, err := uc.LookupDataURL(context.Background(), "", webcamCapture(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if lookup.RequestID == "" || lookup.Source != SourceWebcam {
		t.Fatalf("unexpected lookup metadata: %+v", lookup)
	}
	result := lookup.Result
	if result.NotFound || result.Outcome != aggregate.OutcomeRecognized {
		t.Fatalf("unexpected result: %+v", result)
	}
	if result.Matches[0].Identity == nil || result.Matches[0].Identity.FullName != "Alice" || result.Matches[1].Identity != nil {
		t.Fatalf("unexpected matches: %+v", result.Matches)
	}

	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected log to be saved, got %d entries", len(repo.savedLogs))
	}
	saved := repo.savedLogs[0]
	if saved.RequestID != lookup.RequestID || saved.CandidateCount != 2 || saved.ResolvedCount != 1 || saved.TopConfidence != 98.2 || len(saved.SHA1Hash) != 40 {
		t.Fatalf("unexpected audit log: %+v", saved)
	}
	if len(c.setKeys) != 1 || c.setKeys[0] != "lookup:"+lookup.RequestID {
		t.Fatalf("unexpected cache writes: %v", c.setKeys)
	}
}

func TestLookupMalformedCaptureNeverCallsFaceSearch(t *testing.T) {
	matcher := &stubMatcher{}
	uc := newTestUseCase(matcher, &stubResolver{}, nil, nil)

	_, err := uc.LookupDataURL(context.Background(), "", "data:image/jpeg;base64,%%%garbage%%%")
	if !imagenormalizer.IsInvalidImage(err) {
		t.Fatalf("expected InvalidImageError, got %v", err)
	}
	if matcher.calls != 0 {
		t.Fatalf("face search called %d times", matcher.calls)
	}
}

func TestLookupNoMatches(t *testing.T) {
	uc := newTestUseCase(&stubMatcher{candidates: []facematch.Candidate{}}, &stubResolver{}, nil, nil)

	lookup, err := uc.LookupDataURL(context.Background(), "", webcamCapture(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !lookup.Result.NotFound || len(lookup.Result.Matches) != 0 || lookup.Result.Outcome != aggregate.OutcomeNoMatch {
		t.Fatalf("unexpected result: %+v", lookup.Result)
	}
}

func TestLookupPropagatesServiceErrors(t *testing.T) {
	matchErr := &facematch.MatchServiceError{Op: "SearchFacesByImage", Err: errors.New("expired token")}
	uc := newTestUseCase(&stubMatcher{err: matchErr}, &stubResolver{}, nil, nil)
	_, err := uc.LookupDataURL(context.Background(), "", webcamCapture(t))
	if !facematch.IsMatchServiceError(err) {
		t.Fatalf("expected MatchServiceError, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "usecase.search_faces" {
		t.Fatalf("expected OperationError for search, got %v", err)
	}

	lookupErr := &identity.LookupServiceError{FaceID: "f1", Err: errors.New("throttled")}
	uc = newTestUseCase(&stubMatcher{candidates: []facematch.Candidate{{FaceID: "f1"}}}, &stubResolver{err: lookupErr}, nil, nil)
	_, err = uc.LookupDataURL(context.Background(), "", webcamCapture(t))
	if !identity.IsLookupServiceError(err) {
		t.Fatalf("expected LookupServiceError, got %v", err)
	}
}

func TestLookupSurvivesAuditFailures(t *testing.T) {
	repo := &stubRepository{saveErr: errors.New("db down")}
	c := &stubCache{setErrs: []error{errors.New("boom")}}
	uc := newTestUseCase(&stubMatcher{candidates: []facematch.Candidate{}}, &stubResolver{}, repo, c)

	if _, err := uc.LookupDataURL(context.Background(), "", webcamCapture(t)); err != nil {
		t.Fatalf("audit failures must not fail the lookup: %v", err)
	}
}

func TestLookupRetriesTransientCacheWrites(t *testing.T) {
	c := &stubCache{setErrs: []error{transientRedisError{}}}
	uc := newTestUseCase(&stubMatcher{candidates: []facematch.Candidate{}}, &stubResolver{}, nil, c)

	if _, err := uc.LookupDataURL(context.Background(), "", webcamCapture(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(c.setKeys) != 2 || c.setKeys[0] != c.setKeys[1] {
		t.Fatalf("expected retry against the same key, got %v", c.setKeys)
	}
}

func TestLookupRecordsOperator(t *testing.T) {
	repo := &stubRepository{}
	uc := newTestUseCase(&stubMatcher{candidates: []facematch.Candidate{{FaceID: "f1", Confidence: 90}}}, &stubResolver{names: map[string]string{"f1": "Alice"}}, repo, nil)

	capture, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(webcamCapture(t), "data:image/png;base64,"))
	if err != nil {
		t.Fatalf("decode capture: %v", err)
	}
	lookup, err := uc.LookupUpload(context.Background(), "ops-7", bytes.NewReader(capture))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if lookup.OperatorID != "ops-7" || lookup.Source != SourceUpload {
		t.Fatalf("unexpected lookup: %+v", lookup)
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].OperatorID != "ops-7" {
		t.Fatalf("operator not recorded in audit log: %+v", repo.savedLogs)
	}

	repo.findLog = repo.savedLogs[0]
	stored, err := uc.GetLookup(context.Background(), lookup.RequestID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.OperatorID != "ops-7" {
		t.Fatalf("operator lost on reload: %+v", stored)
	}
}

func TestGetLookupReadsCachedResult(t *testing.T) {
	c := &stubCache{}
	uc := newTestUseCase(&stubMatcher{candidates: []facematch.Candidate{{FaceID: "f1", Confidence: 90}}}, &stubResolver{names: map[string]string{"f1": "Alice"}}, nil, c)

	lookup, err := uc.LookupDataURL(context.Background(), "", webcamCapture(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c.getValues = []string{c.setValues[0]}

	cached, err := uc.GetLookup(context.Background(), lookup.RequestID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cached.RequestID != lookup.RequestID || cached.Result.Matches[0].Identity.FullName != "Alice" {
		t.Fatalf("unexpected cached lookup: %+v", cached)
	}
}

func TestGetLookupFallsBackToRepositoryWhenCacheMiss(t *testing.T) {
	c := &stubCache{getErrs: []error{redis.Nil}}
	repo := &stubRepository{findLog: &repository.LookupLog{
		RequestID: "req",
		Source:    "upload",
		NotFound:  false,
		Outcome:   "recognized",
		Matches:   `[{"candidate":{"face_id":"f1","confidence":98.2,"similarity":99},"identity":{"face_id":"f1","full_name":"Alice"}}]`,
	}}
	uc := newTestUseCase(&stubMatcher{}, &stubResolver{}, repo, c)

	lookup, err := uc.GetLookup(context.Background(), "req")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if repo.findCalls != 1 {
		t.Fatalf("expected repository to be queried once, got %d", repo.findCalls)
	}
	if lookup.Source != SourceUpload || len(lookup.Result.Matches) != 1 || lookup.Result.Matches[0].Identity.FullName != "Alice" {
		t.Fatalf("unexpected lookup: %+v", lookup)
	}
}

func TestGetLookupUnknownRequest(t *testing.T) {
	uc := newTestUseCase(&stubMatcher{}, &stubResolver{}, &stubRepository{}, &stubCache{getErrs: []error{redis.Nil}})
	if _, err := uc.GetLookup(context.Background(), "missing"); !errors.Is(err, ErrLookupNotFound) {
		t.Fatalf("expected ErrLookupNotFound, got %v", err)
	}

	uc = newTestUseCase(&stubMatcher{}, &stubResolver{}, nil, nil)
	if _, err := uc.GetLookup(context.Background(), "missing"); !errors.Is(err, ErrLookupNotFound) {
		t.Fatalf("expected ErrLookupNotFound without storage, got %v", err)
	}
}

func TestGetDuplicateReport(t *testing.T) {
	repo := &stubRepository{
		findLog:    &repository.LookupLog{RequestID: "req", SHA1Hash: "abc"},
		duplicates: []*repository.LookupLog{{RequestID: "older", SHA1Hash: "abc"}},
	}
	uc := newTestUseCase(&stubMatcher{}, &stubResolver{}, repo, nil)

	report, err := uc.GetDuplicateReport(context.Background(), "req")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.Request.RequestID != "req" || len(report.Duplicates) != 1 || report.Duplicates[0].RequestID != "older" {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	repo := &stubRepository{aggregation: &repository.MetricsAggregation{TotalCount: 4, RecognizedCount: 3, AverageTopConfidence: 91.5, AverageLatencyMs: 240}}
	uc := newTestUseCase(&stubMatcher{}, &stubResolver{}, repo, nil)

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.TotalLookups != 4 || summary.RecognitionRate != 0.75 || summary.AverageTopConfidence != 91.5 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}
