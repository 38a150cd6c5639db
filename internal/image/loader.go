// Package image turns files, URLs and raw bytes into validated image
// payloads and manages the transient preview files shown to the learner.
package image

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/manash/lingolens/internal/security"
	"github.com/manash/lingolens/pkg/models"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultMaxBytes = 20 << 20
)

type LoaderOptions struct {
	// MaxDimension caps the longest side in pixels; 0 keeps the original.
	MaxDimension int
	StrictURLs   bool
	Timeout      time.Duration
	MaxBytes     int64
	Logger       logrus.FieldLogger
}

type Loader struct {
	httpClient *http.Client
	policy     *security.URLPolicy
	maxDim     int
	maxBytes   int64
	logger     logrus.FieldLogger
}

func NewLoader(opts LoaderOptions) *Loader {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Loader{
		httpClient: &http.Client{Timeout: timeout},
		policy:     security.NewURLPolicy(opts.StrictURLs),
		maxDim:     opts.MaxDimension,
		maxBytes:   maxBytes,
		logger:     logger,
	}
}

// Policy exposes the URL policy so callers can extend the trusted hosts.
func (l *Loader) Policy() *security.URLPolicy {
	return l.policy
}

func IsURL(src string) bool {
	lower := strings.ToLower(src)
	return strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://")
}

// Load reads an image from a local path or an https URL.
func (l *Loader) Load(ctx context.Context, src string) (*models.Image, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("%w: empty image source", models.ErrInvalidPayload)
	}

	var data []byte
	var err error
	if IsURL(src) {
		data, err = l.download(ctx, src)
	} else {
		data, err = l.readFile(src)
	}
	if err != nil {
		return nil, err
	}

	return l.FromBytes(data, src)
}

// FromBytes sniffs, validates and downscales raw image bytes.
func (l *Loader) FromBytes(data []byte, source string) (*models.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: no data", models.ErrInvalidPayload)
	}

	img := &models.Image{Data: data, MIMEType: DetectMIMEType(data), Source: source}
	if err := img.Validate(); err != nil {
		return nil, err
	}

	resized, err := Downscale(img, l.maxDim)
	if err != nil {
		return nil, err
	}
	if len(resized.Data) != len(img.Data) {
		l.logger.WithFields(logrus.Fields{
			"source": source,
			"before": len(img.Data),
			"after":  len(resized.Data),
		}).Debug("image downscaled")
	}
	return resized, nil
}

func (l *Loader) readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	defer f.Close()

	return l.readLimited(f)
}

func (l *Loader) download(ctx context.Context, url string) ([]byte, error) {
	if err := l.policy.Validate(ctx, url); err != nil {
		return nil, fmt.Errorf("image URL rejected: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	l.logger.WithFields(logrus.Fields{"url": url, "content_type": resp.Header.Get("Content-Type")}).Debug("image downloaded")
	return l.readLimited(resp.Body)
}

func (l *Loader) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, l.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > l.maxBytes {
		return nil, fmt.Errorf("%w: larger than %d bytes", models.ErrInvalidPayload, l.maxBytes)
	}
	return data, nil
}
