package pipeline

import (
	"context"
	"time"

	"github.com/LdDl/mot-pipeline/detect"
	"github.com/LdDl/mot-pipeline/mot"
	"github.com/LdDl/mot-pipeline/source"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// guardedDetector throttles detector calls and retries transient failures.
type guardedDetector struct {
	detector detect.Detector
	limiter  *rate.Limiter
	policy   RetryPolicy
	logger   *zap.Logger
}

func newGuardedDetector(detector detect.Detector, maxRate float64, policy RetryPolicy, logger *zap.Logger) *guardedDetector {
	limit := rate.Inf
	if maxRate > 0 {
		limit = rate.Limit(maxRate)
	}
	return &guardedDetector{
		detector: detector,
		limiter:  rate.NewLimiter(limit, 1),
		policy:   policy,
		logger:   logger,
	}
}

func (guarded *guardedDetector) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if guarded.policy.InitialInterval > 0 {
		exp.InitialInterval = guarded.policy.InitialInterval
	}
	if guarded.policy.MaxInterval > 0 {
		exp.MaxInterval = guarded.policy.MaxInterval
	}
	// Number of retries is the only bound
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(guarded.policy.MaxRetries)), ctx)
}

// Detect calls detector until success, a non transient failure or retries are exhausted
func (guarded *guardedDetector) Detect(ctx context.Context, frame source.Frame) ([]mot.Detection, error) {
	attempt := 0
	operation := func() ([]mot.Detection, error) {
		attempt++
		if err := guarded.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(err)
		}
		detections, err := guarded.detector.Detect(ctx, frame)
		if err != nil && !detect.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return detections, err
	}
	notify := func(err error, wait time.Duration) {
		guarded.logger.Warn("Transient detector failure, retrying",
			zap.Int64("frame", frame.Index),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotifyWithData(operation, guarded.backOff(ctx), notify)
}
