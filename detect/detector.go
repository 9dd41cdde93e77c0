// Package detect turns video frames into per-frame detections.
//
// Backends:
//   - "http": remote detection API (GET /models/, POST /predictions/{model}/)
//   - "replay": detections recorded earlier as JSON lines
package detect

import (
	"context"
	"time"

	"github.com/LdDl/mot-pipeline/mot"
	"github.com/LdDl/mot-pipeline/source"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrTransient marks failures worth a retry: timeouts, refused connections, 5xx
	ErrTransient = errors.New("transient detector failure")
	// ErrFatal marks failures which won't go away on retry
	ErrFatal = errors.New("fatal detector failure")
	// ErrUnknownBackend is returned by New for unsupported backend names
	ErrUnknownBackend = errors.New("unknown detector backend")
)

// Detector produces detections for a single frame.
type Detector interface {
	Detect(ctx context.Context, frame source.Frame) ([]mot.Detection, error)
}

const (
	BackendHTTP   = "http"
	BackendReplay = "replay"
)

// Config selects and parametrizes detector backend.
type Config struct {
	Backend string `json:"backend" mapstructure:"backend" yaml:"backend"`
	// Base URL of the detection API, e.g. http://localhost:8003
	URL   string `json:"url" mapstructure:"url" yaml:"url"`
	Model string `json:"model" mapstructure:"model" yaml:"model"`
	// Per request timeout
	Timeout time.Duration `json:"timeout" mapstructure:"timeout" yaml:"timeout"`
	// Frames larger than this (longest side, pixels) are downscaled before upload. 0 disables
	MaxSide int `json:"max_side" mapstructure:"max_side" yaml:"max_side"`
	// JPEG quality of uploaded frames
	JPEGQuality int `json:"jpeg_quality" mapstructure:"jpeg_quality" yaml:"jpeg_quality"`
	// Path to JSON lines file for the replay backend
	ReplayPath string `json:"replay_path" mapstructure:"replay_path" yaml:"replay_path"`
}

// DefaultConfig returns configuration of the HTTP backend on localhost
func DefaultConfig() Config {
	return Config{
		Backend:     BackendHTTP,
		URL:         "http://localhost:8003",
		Model:       "fishy",
		Timeout:     30 * time.Second,
		MaxSide:     0,
		JPEGQuality: 90,
	}
}

// New builds detector for the configured backend
func New(ctx context.Context, cfg Config, logger *zap.Logger) (Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case BackendHTTP, "":
		return NewHTTPDetector(ctx, cfg, logger)
	case BackendReplay:
		return NewReplayDetector(cfg.ReplayPath, logger)
	default:
		return nil, errors.Wrapf(ErrUnknownBackend, "'%s'", cfg.Backend)
	}
}

type classifiedError struct {
	kind error
	err  error
}

func (e *classifiedError) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.err
}

func (e *classifiedError) Is(target error) bool {
	return target == e.kind
}

// Transient marks err as retryable
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: ErrTransient, err: err}
}

// Fatal marks err as not retryable
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{kind: ErrFatal, err: err}
}

// IsTransient reports whether err is worth a retry. Context cancellation never is.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
