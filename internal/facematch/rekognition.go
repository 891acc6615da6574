package facematch

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/example/face-lookup/internal/imagenormalizer"
)

// SearchAPI is the slice of the Rekognition client used here.
type SearchAPI interface {
	SearchFacesByImage(ctx context.Context, params *rekognition.SearchFacesByImageInput, optFns ...func(*rekognition.Options)) (*rekognition.SearchFacesByImageOutput, error)
}

// RekognitionOptions configures which collection is searched and how strict the match is.
type RekognitionOptions struct {
	CollectionID       string
	FaceMatchThreshold float32
	MaxFaces           int32
}

// RekognitionClient implements Client with Rekognition SearchFacesByImage.
type RekognitionClient struct {
	api    SearchAPI
	opts   RekognitionOptions
	logger *zap.Logger
}

var _ Client = (*RekognitionClient)(nil)

// NewRekognitionClient wraps api, typically a *rekognition.Client.
func NewRekognitionClient(api SearchAPI, opts RekognitionOptions, logger *zap.Logger) *RekognitionClient {
	return &RekognitionClient{api: api, opts: opts, logger: logger.Named("facematch")}
}

// Search returns candidates in the order the service ranked them.
func (c *RekognitionClient) Search(ctx context.Context, payload *imagenormalizer.Payload) ([]Candidate, error) {
	if payload == nil || len(payload.Bytes) == 0 {
		return nil, &imagenormalizer.InvalidImageError{Reason: "empty payload"}
	}

	input := &rekognition.SearchFacesByImageInput{
		CollectionId: aws.String(c.opts.CollectionID),
		Image:        &types.Image{Bytes: payload.Bytes},
	}
	if c.opts.FaceMatchThreshold > 0 {
		input.FaceMatchThreshold = aws.Float32(c.opts.FaceMatchThreshold)
	}
	if c.opts.MaxFaces > 0 {
		input.MaxFaces = aws.Int32(c.opts.MaxFaces)
	}

	out, err := c.api.SearchFacesByImage(ctx, input)
	if err != nil {
		return c.translateError(err)
	}

	candidates := make([]Candidate, 0, len(out.FaceMatches))
	for _, match := range out.FaceMatches {
		if match.Face == nil || aws.ToString(match.Face.FaceId) == "" {
			continue
		}
		candidates = append(candidates, Candidate{
			FaceID:          aws.ToString(match.Face.FaceId),
			Confidence:      float64(aws.ToFloat32(match.Face.Confidence)),
			Similarity:      float64(aws.ToFloat32(match.Similarity)),
			ExternalImageID: aws.ToString(match.Face.ExternalImageId),
		})
	}

	c.logger.Debug("face search completed",
		zap.String("collection_id", c.opts.CollectionID),
		zap.Int("candidates", len(candidates)),
	)
	return candidates, nil
}

func (c *RekognitionClient) translateError(err error) ([]Candidate, error) {
	var invalidParam *types.InvalidParameterException
	if errors.As(err, &invalidParam) && strings.Contains(strings.ToLower(aws.ToString(invalidParam.Message)), "no faces") {
		// Rekognition rejects images without a detectable face instead of returning no matches.
		c.logger.Debug("no face detected in searched image")
		return []Candidate{}, nil
	}

	var badFormat *types.InvalidImageFormatException
	if errors.As(err, &badFormat) {
		return nil, &imagenormalizer.InvalidImageError{Reason: "image format not supported by face search", Err: err}
	}
	var tooLarge *types.ImageTooLargeException
	if errors.As(err, &tooLarge) {
		return nil, &imagenormalizer.InvalidImageError{Reason: "image too large for face search", Err: err}
	}

	fields := []zap.Field{zap.Error(err), zap.String("collection_id", c.opts.CollectionID)}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		fields = append(fields, zap.String("error_code", apiErr.ErrorCode()))
	}
	c.logger.Error("face search failed", fields...)
	return nil, &MatchServiceError{Op: "SearchFacesByImage", Err: err}
}
