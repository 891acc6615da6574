// Package imagenormalizer turns form uploads and webcam captures into image payloads the face search API accepts.
package imagenormalizer

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"strings"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// MaxPayloadBytes is the largest inline image the face search API accepts.
	MaxPayloadBytes = 5 << 20
	// MaxInputBytes caps how much of an upload or capture is read before decoding.
	MaxInputBytes = 15 << 20
	// MaxDimension is the longest side kept before downscaling.
	MaxDimension = 4096

	jpegQuality = 90
)

// Payload is the canonical image sent to the face search API.
type Payload struct {
	Bytes  []byte
	Format string
	Width  int
	Height int
}

// InvalidImageError reports input that cannot be turned into an image. It is user-correctable.
type InvalidImageError struct {
	Reason string
	Err    error
}

func (e *InvalidImageError) Error() string {
	if e.Err == nil {
		return "invalid image: " + e.Reason
	}
	return fmt.Sprintf("invalid image: %s: %v", e.Reason, e.Err)
}

func (e *InvalidImageError) Unwrap() error { return e.Err }

// IsInvalidImage reports whether err, or anything it wraps, is an *InvalidImageError.
func IsInvalidImage(err error) bool {
	var target *InvalidImageError
	return errors.As(err, &target)
}

// Normalizer is stateless; the zero value is ready to use.
type Normalizer struct{}

// New returns a Normalizer.
func New() *Normalizer {
	return &Normalizer{}
}

// FromDataURL decodes a webcam capture. Both "data:image/jpeg;base64,..." and bare base64 are accepted.
// JPEG and PNG captures within the limits are returned byte for byte.
func (n *Normalizer) FromDataURL(dataURL string) (*Payload, error) {
	encoded := strings.TrimSpace(dataURL)
	if encoded == "" {
		return nil, &InvalidImageError{Reason: "empty capture"}
	}

	if strings.HasPrefix(encoded, "data:") {
		header, data, ok := strings.Cut(encoded, ",")
		if !ok {
			return nil, &InvalidImageError{Reason: "data URL has no payload"}
		}
		if !strings.HasSuffix(header, ";base64") {
			return nil, &InvalidImageError{Reason: "data URL is not base64 encoded"}
		}
		if !strings.HasPrefix(header, "data:image/") {
			return nil, &InvalidImageError{Reason: "data URL is not an image"}
		}
		encoded = data
	}
	encoded = strings.Join(strings.Fields(encoded), "")

	if base64.StdEncoding.DecodedLen(len(encoded)) > MaxInputBytes {
		return nil, &InvalidImageError{Reason: "capture too large"}
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &InvalidImageError{Reason: "malformed base64", Err: err}
	}
	if len(raw) == 0 {
		return nil, &InvalidImageError{Reason: "empty capture"}
	}

	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &InvalidImageError{Reason: "undecodable image", Err: err}
	}

	bounds := img.Bounds()
	if passThrough(format, len(raw), bounds) {
		return &Payload{Bytes: raw, Format: format, Width: bounds.Dx(), Height: bounds.Dy()}, nil
	}
	return encodeJPEG(img)
}

// FromUpload decodes a multipart upload and re-encodes it as JPEG.
func (n *Normalizer) FromUpload(r io.Reader) (*Payload, error) {
	if r == nil {
		return nil, &InvalidImageError{Reason: "no file uploaded"}
	}
	raw, err := io.ReadAll(io.LimitReader(r, MaxInputBytes+1))
	if err != nil {
		return nil, &InvalidImageError{Reason: "unreadable upload", Err: err}
	}
	if len(raw) == 0 {
		return nil, &InvalidImageError{Reason: "empty upload"}
	}
	if len(raw) > MaxInputBytes {
		return nil, &InvalidImageError{Reason: "upload too large"}
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, &InvalidImageError{Reason: "undecodable image", Err: err}
	}
	return encodeJPEG(img)
}

func passThrough(format string, size int, bounds image.Rectangle) bool {
	if format != "jpeg" && format != "png" {
		return false
	}
	return size <= MaxPayloadBytes && bounds.Dx() <= MaxDimension && bounds.Dy() <= MaxDimension
}

func encodeJPEG(img image.Image) (*Payload, error) {
	img = downscale(img, MaxDimension)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, &InvalidImageError{Reason: "cannot encode image", Err: err}
	}
	if buf.Len() > MaxPayloadBytes {
		return nil, &InvalidImageError{Reason: "image too large after compression"}
	}

	bounds := img.Bounds()
	return &Payload{Bytes: buf.Bytes(), Format: "jpeg", Width: bounds.Dx(), Height: bounds.Dy()}, nil
}

func downscale(img image.Image, maxSize int) image.Image {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= maxSize && height <= maxSize {
		return img
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxSize
		newHeight = max(1, int(float64(height)*float64(maxSize)/float64(width)))
	} else {
		newHeight = maxSize
		newWidth = max(1, int(float64(width)*float64(maxSize)/float64(height)))
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)
	return resized
}
