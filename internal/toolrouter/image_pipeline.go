package toolrouter

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/disintegration/imaging"
)

const (
	maxImageDownloadBytes = 50 * 1024 * 1024
	maxImagesPerMessage   = 5
)

// compressionStage is one step of the six-stage degradation ladder in
// resize→1568, resize→1024, quality→85, quality→75,
// resize→768, quality→60.
type compressionStage struct {
	maxDim  int // 0 = no resize at this stage
	quality int // jpeg quality; 0 = keep previous
}

var compressionLadder = []compressionStage{
	{maxDim: 1568, quality: 0},
	{maxDim: 1024, quality: 0},
	{maxDim: 0, quality: 85},
	{maxDim: 0, quality: 75},
	{maxDim: 768, quality: 0},
	{maxDim: 0, quality: 60},
}

// ImageProcessor downloads and compresses images for attachment to an LLM
// request, enforcing the host allowlist and size/stage limits of §4.5.
type ImageProcessor struct {
	httpClient    *http.Client
	allowedHosts  map[string]bool
	targetBytes   int // 73% of the provider's hard limit
}

// NewImageProcessor builds a processor. providerByteLimit is the hard cap
// (e.g. 5MB); the effective target is 73% of it
func NewImageProcessor(allowedHosts []string, providerByteLimit int) *ImageProcessor {
	hosts := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		hosts[strings.ToLower(h)] = true
	}
	return &ImageProcessor{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		allowedHosts: hosts,
		targetBytes:  int(float64(providerByteLimit) * 0.73),
	}
}

// ProcessedImage is a compressed image ready for a vision-capable LLM call.
type ProcessedImage struct {
	MimeType string
	Data     []byte
	Stage    int // which compressionLadder stage (or -1 if no compression needed) produced Data
}

// Fetch downloads rawURL (rejecting non-allowed hosts and oversized bodies)
// and compresses it through the stage ladder until it fits targetBytes.
func (p *ImageProcessor) Fetch(ctx context.Context, rawURL string) (*ProcessedImage, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("image.process: invalid url: %w", err)
	}
	if len(p.allowedHosts) > 0 && !p.allowedHosts[strings.ToLower(u.Hostname())] {
		return nil, fmt.Errorf("image.process: host %q is not an allowed CDN host", u.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("image.process: build request: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image.process: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image.process: download status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, maxImageDownloadBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("image.process: read body: %w", err)
	}
	if len(data) > maxImageDownloadBytes {
		return nil, fmt.Errorf("image.process: download exceeds 50MB limit")
	}

	return p.Compress(data)
}

// Compress runs the six-stage degradation ladder over raw image bytes,
// returning as soon as the encoded payload fits targetBytes. If the
// original already fits, it is returned unmodified.
func (p *ImageProcessor) Compress(raw []byte) (*ProcessedImage, error) {
	if len(raw) <= p.targetBytes {
		return &ProcessedImage{MimeType: "image/jpeg", Data: raw, Stage: -1}, nil
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("image.process: decode: %w", err)
	}

	current := img
	quality := 90
	for stage, step := range compressionLadder {
		if step.maxDim > 0 {
			current = imaging.Resize(current, step.maxDim, 0, imaging.Lanczos)
		}
		if step.quality > 0 {
			quality = step.quality
		}

		var buf bytes.Buffer
		if err := imaging.Encode(&buf, current, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, fmt.Errorf("image.process: encode stage %d: %w", stage, err)
		}
		if buf.Len() <= p.targetBytes {
			return &ProcessedImage{MimeType: "image/jpeg", Data: buf.Bytes(), Stage: stage}, nil
		}
		if stage == len(compressionLadder)-1 {
			return &ProcessedImage{MimeType: "image/jpeg", Data: buf.Bytes(), Stage: stage}, nil
		}
	}
	return nil, fmt.Errorf("image.process: compression ladder exhausted")
}

// MaxImagesPerMessage is the per-message attachment cap.
func MaxImagesPerMessage() int { return maxImagesPerMessage }

// ContextFetcher adapts ImageProcessor to contextbuilder.ImageFetcher's
// narrow (mimeType, data, err) shape, so contextbuilder can attach vision
// content from triggering-message attachments without importing toolrouter.
type ContextFetcher struct{ Processor *ImageProcessor }

// Fetch implements contextbuilder.ImageFetcher.
func (f ContextFetcher) Fetch(ctx context.Context, rawURL string) (string, []byte, error) {
	img, err := f.Processor.Fetch(ctx, rawURL)
	if err != nil {
		return "", nil, err
	}
	return img.MimeType, img.Data, nil
}
