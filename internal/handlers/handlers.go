package handlers

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/face-lookup/internal/auth"
	"github.com/example/face-lookup/internal/facematch"
	"github.com/example/face-lookup/internal/identity"
	"github.com/example/face-lookup/internal/imagenormalizer"
	"github.com/example/face-lookup/internal/repository"
	"github.com/example/face-lookup/internal/usecase"
)

const (
	// MaxUploadSize is the largest accepted photo upload.
	MaxUploadSize = 10 << 20
	// maxRequestBytes leaves room for a base64 capture of a MaxUploadSize image plus form overhead.
	maxRequestBytes = 16 << 20

	photoField  = "photo"
	webcamField = "webcam_image"

	messageServiceUnavailable = "Face recognition is temporarily unavailable. Please try again later."
	messageInternal           = "Something went wrong while processing the image."
)

//go:embed templates/*.html
var templateFS embed.FS

// LookupService is the use case surface the HTTP layer needs.
type LookupService interface {
	LookupDataURL(ctx context.Context, operatorID, dataURL string) (*usecase.Lookup, error)
	LookupUpload(ctx context.Context, operatorID string, r io.Reader) (*usecase.Lookup, error)
	GetLookup(ctx context.Context, requestID string) (*usecase.Lookup, error)
	GetDuplicateReport(ctx context.Context, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// RouteOptions configures the middleware around the routes.
type RouteOptions struct {
	// APIAuth guards /api; when nil the JSON API is not registered.
	APIAuth            gin.HandlerFunc
	CORSAllowedOrigins []string
	// RateLimitPerSecond throttles the lookup endpoints per client address; zero disables it.
	RateLimitPerSecond float64
	// TrustProxy keys the rate limit on X-Forwarded-For / X-Real-IP instead of the peer address.
	// Only enable it behind a proxy that overwrites those headers.
	TrustProxy bool
	Logger             *zap.Logger
}

type routes struct {
	svc    LookupService
	logger *zap.Logger
}

// RegisterRoutes wires the HTML form, the health check and the JSON API to the Gin router.
func RegisterRoutes(router *gin.Engine, svc LookupService, opts RouteOptions) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &routes{svc: svc, logger: logger.Named("http")}

	router.SetHTMLTemplate(template.Must(template.New("").ParseFS(templateFS, "templates/*.html")))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	pageLimit, apiLimit := noop, noop
	if opts.RateLimitPerSecond > 0 {
		pageLimit = perIPLimiter(opts.RateLimitPerSecond, opts.TrustProxy, false)
		apiLimit = perIPLimiter(opts.RateLimitPerSecond, opts.TrustProxy, true)
	}

	router.GET("/", h.showForm)
	router.POST("/", pageLimit, h.submitForm)

	if opts.APIAuth == nil {
		return
	}
	api := router.Group("/api")
	if len(opts.CORSAllowedOrigins) > 0 {
		api.Use(cors.New(cors.Config{
			AllowOrigins:  opts.CORSAllowedOrigins,
			AllowMethods:  []string{http.MethodGet, http.MethodPost},
			AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}
	api.Use(opts.APIAuth)
	api.POST("/lookups", apiLimit, h.createLookup)
	api.GET("/lookups/:id", h.getLookup)
	api.GET("/lookups/:id/duplicates", h.getDuplicates)
	api.GET("/metrics", h.getMetrics)
}

func noop(c *gin.Context) { c.Next() }

type pageData struct {
	Lines     []string
	Error     string
	RequestID string
}

func (h *routes) showForm(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", pageData{})
}

func (h *routes) submitForm(c *gin.Context) {
	if f := parseForm(c); f != nil {
		c.HTML(f.status, "index.html", pageData{Error: f.message})
		return
	}

	lookup, f := h.runLookup(c, "")
	if f != nil {
		c.HTML(f.status, "index.html", pageData{Error: f.message})
		return
	}
	c.HTML(http.StatusOK, "index.html", pageData{Lines: resultLines(lookup), RequestID: lookup.RequestID})
}

type createLookupRequest struct {
	Image string `json:"image" binding:"required"`
}

func (h *routes) createLookup(c *gin.Context) {
	var (
		lookup *usecase.Lookup
		f      *failure
	)
	operatorID, _ := auth.OperatorID(c.Request.Context())
	if c.ContentType() == gin.MIMEJSON {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBytes)
		var req createLookupRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image is required"})
			return
		}
		var err error
		if lookup, err = h.svc.LookupDataURL(c.Request.Context(), operatorID, req.Image); err != nil {
			f = h.translate(c, err)
		}
	} else if f = parseForm(c); f == nil {
		lookup, f = h.runLookup(c, operatorID)
	}

	if f != nil {
		c.JSON(f.status, gin.H{"error": f.message})
		return
	}
	c.JSON(http.StatusOK, lookup)
}

func (h *routes) getLookup(c *gin.Context) {
	lookup, err := h.svc.GetLookup(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, usecase.ErrLookupNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "lookup not found"})
			return
		}
		h.logger.Error("failed to load lookup", zap.Error(err), zap.String("request_id", c.Param("id")))
		c.JSON(http.StatusInternalServerError, gin.H{"error": messageInternal})
		return
	}
	c.JSON(http.StatusOK, lookup)
}

func (h *routes) getDuplicates(c *gin.Context) {
	report, err := h.svc.GetDuplicateReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, usecase.ErrLookupNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "lookup not found"})
			return
		}
		h.logger.Error("failed to build duplicate report", zap.Error(err), zap.String("request_id", c.Param("id")))
		c.JSON(http.StatusInternalServerError, gin.H{"error": messageInternal})
		return
	}

	duplicates := make([]gin.H, 0, len(report.Duplicates))
	for _, log := range report.Duplicates {
		duplicates = append(duplicates, logView(log))
	}
	c.JSON(http.StatusOK, gin.H{
		"request":    logView(report.Request),
		"duplicates": duplicates,
	})
}

func (h *routes) getMetrics(c *gin.Context) {
	summary, err := h.svc.GetMetricsSummary(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to aggregate metrics", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": messageInternal})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// failure is a request that cannot complete, with a message safe to show to the user.
type failure struct {
	status  int
	message string
}

func tooLargeFailure() *failure {
	return &failure{http.StatusRequestEntityTooLarge, fmt.Sprintf("The upload is too large. The limit is %d MB.", MaxUploadSize>>20)}
}

// runLookup dispatches a parsed form to the webcam or upload flow.
func (h *routes) runLookup(c *gin.Context, operatorID string) (*usecase.Lookup, *failure) {
	ctx := c.Request.Context()

	if dataURL := strings.TrimSpace(c.Request.PostFormValue(webcamField)); dataURL != "" {
		lookup, err := h.svc.LookupDataURL(ctx, operatorID, dataURL)
		if err != nil {
			return nil, h.translate(c, err)
		}
		return lookup, nil
	}

	src, f := openUpload(c)
	if f != nil {
		return nil, f
	}
	defer src.Close()

	lookup, err := h.svc.LookupUpload(ctx, operatorID, src)
	if err != nil {
		return nil, h.translate(c, err)
	}
	return lookup, nil
}

// parseForm reads the url-encoded or multipart body within maxRequestBytes.
func parseForm(c *gin.Context) *failure {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBytes)

	var err error
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		err = c.Request.ParseMultipartForm(MaxUploadSize)
	} else {
		err = c.Request.ParseForm()
	}
	if err == nil {
		return nil
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return tooLargeFailure()
	}
	return &failure{http.StatusBadRequest, "The form could not be read."}
}

func openUpload(c *gin.Context) (multipart.File, *failure) {
	file, err := c.FormFile(photoField)
	if err != nil {
		return nil, &failure{http.StatusBadRequest, "Please choose a photo or capture one with the webcam."}
	}
	if file.Size > MaxUploadSize {
		return nil, tooLargeFailure()
	}
	if contentType := file.Header.Get("Content-Type"); contentType != "" && !strings.HasPrefix(contentType, "image/") {
		return nil, &failure{http.StatusUnsupportedMediaType, "Only image files can be searched."}
	}

	src, err := file.Open()
	if err != nil {
		return nil, &failure{http.StatusBadRequest, "The uploaded file could not be opened."}
	}
	return src, nil
}

// translate maps lookup errors to a status and a message safe to show to the user.
func (h *routes) translate(c *gin.Context, err error) *failure {
	var invalid *imagenormalizer.InvalidImageError
	switch {
	case errors.As(err, &invalid):
		return &failure{http.StatusBadRequest, fmt.Sprintf("The image could not be used: %s.", invalid.Reason)}
	case facematch.IsMatchServiceError(err), identity.IsLookupServiceError(err):
		h.logger.Error("external service failure", zap.Error(err), zap.String("path", c.FullPath()))
		return &failure{http.StatusBadGateway, messageServiceUnavailable}
	case errors.Is(err, context.DeadlineExceeded):
		h.logger.Warn("lookup timed out", zap.Error(err))
		return &failure{http.StatusGatewayTimeout, messageServiceUnavailable}
	default:
		h.logger.Error("lookup failed", zap.Error(err), zap.String("path", c.FullPath()))
		return &failure{http.StatusInternalServerError, messageInternal}
	}
}

// resultLines renders a lookup the way the recognition page reports it.
func resultLines(lookup *usecase.Lookup) []string {
	var lines []string
	for _, match := range lookup.Result.Matches {
		lines = append(lines, fmt.Sprintf("Match Found: FaceId=%s, Confidence=%.2f%%", match.Candidate.FaceID, match.Candidate.Confidence))
		if match.Identity != nil {
			lines = append(lines, "Found Person: "+match.Identity.FullName)
		}
	}
	if lookup.Result.NotFound {
		lines = append(lines, "Person cannot be recognized")
	}
	return lines
}

func logView(log *repository.LookupLog) gin.H {
	return gin.H{
		"request_id":      log.RequestID,
		"operator_id":     log.OperatorID,
		"source":          log.Source,
		"sha1_hash":       log.SHA1Hash,
		"candidate_count": log.CandidateCount,
		"resolved_count":  log.ResolvedCount,
		"not_found":       log.NotFound,
		"outcome":         log.Outcome,
		"top_confidence":  log.TopConfidence,
		"latency_ms":      log.LatencyMs,
		"created_at":      log.CreatedAt,
	}
}
