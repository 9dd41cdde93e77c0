package pipeline

import (
	"time"

	"github.com/LdDl/mot-pipeline/detect"
	"github.com/LdDl/mot-pipeline/mot"
	"github.com/LdDl/mot-pipeline/source"
	"github.com/pkg/errors"
)

// Cadence controls how often queued objects and a checkpoint are flushed.
// Whichever limit is reached first triggers the flush. Zero disables a limit.
type Cadence struct {
	EveryFrames int           `json:"every_frames" mapstructure:"every_frames" yaml:"every_frames"`
	Interval    time.Duration `json:"interval" mapstructure:"interval" yaml:"interval"`
}

// RetryPolicy controls retries of transient detector failures.
type RetryPolicy struct {
	MaxRetries      int           `json:"max_retries" mapstructure:"max_retries" yaml:"max_retries"`
	InitialInterval time.Duration `json:"initial_interval" mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `json:"max_interval" mapstructure:"max_interval" yaml:"max_interval"`
}

// JobSpec is everything needed to run a job.
type JobSpec struct {
	Name string `json:"name" mapstructure:"name" yaml:"name"`
	// Glob patterns of video files. Start time comes from file names
	Inputs []string `json:"inputs,omitempty" mapstructure:"inputs" yaml:"inputs"`
	// Videos with explicit metadata. Inputs are resolved into this list on creation
	Videos []source.Video `json:"videos,omitempty" mapstructure:"videos" yaml:"videos"`
	// IANA zone of timestamps in file names
	Timezone string            `json:"timezone,omitempty" mapstructure:"timezone" yaml:"timezone"`
	Detector detect.Config     `json:"detector" mapstructure:"detector" yaml:"detector"`
	Tracker  mot.TrackerConfig `json:"tracker" mapstructure:"tracker" yaml:"tracker"`
	Cadence  Cadence           `json:"cadence" mapstructure:"cadence" yaml:"cadence"`
	Retry    RetryPolicy       `json:"retry" mapstructure:"retry" yaml:"retry"`
	// Upper bound of detector calls per second. Zero means unlimited
	MaxDetectRate float64 `json:"max_detect_rate" mapstructure:"max_detect_rate" yaml:"max_detect_rate"`
}

// DefaultJobSpec returns spec with default tracker, detector, cadence and retry settings
func DefaultJobSpec() JobSpec {
	return JobSpec{
		Timezone: "UTC",
		Detector: detect.DefaultConfig(),
		Tracker:  mot.DefaultTrackerConfig(),
		Cadence: Cadence{
			EveryFrames: 500,
			Interval:    30 * time.Second,
		},
		Retry: RetryPolicy{
			MaxRetries:      5,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     30 * time.Second,
		},
	}
}

// Validate checks spec consistency
func (spec JobSpec) Validate() error {
	if len(spec.Inputs) == 0 && len(spec.Videos) == 0 {
		return errors.Wrap(ErrInvalidJobSpec, "no inputs and no videos")
	}
	if _, err := spec.location(); err != nil {
		return errors.Wrapf(ErrInvalidJobSpec, "timezone '%s': %s", spec.Timezone, err)
	}
	if err := spec.Tracker.Validate(); err != nil {
		return errors.Wrap(ErrInvalidJobSpec, err.Error())
	}
	if spec.Cadence.EveryFrames < 0 || spec.Cadence.Interval < 0 {
		return errors.Wrapf(ErrInvalidJobSpec, "negative cadence %+v", spec.Cadence)
	}
	if spec.Retry.MaxRetries < 0 || spec.Retry.InitialInterval < 0 || spec.Retry.MaxInterval < 0 {
		return errors.Wrapf(ErrInvalidJobSpec, "negative retry policy %+v", spec.Retry)
	}
	if spec.MaxDetectRate < 0 {
		return errors.Wrapf(ErrInvalidJobSpec, "negative detect rate %f", spec.MaxDetectRate)
	}
	return nil
}

func (spec JobSpec) location() (*time.Location, error) {
	if spec.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(spec.Timezone)
}

// Progress of a job over all of its frames
type Progress struct {
	FramesDone  int64   `json:"frames_done"`
	FramesTotal int64   `json:"frames_total"`
	Percent     float64 `json:"percent"`
}

func newProgress(done, total int64) Progress {
	progress := Progress{FramesDone: done, FramesTotal: total}
	if total > 0 {
		progress.Percent = float64(done) / float64(total) * 100.0
	}
	return progress
}

// Job is a persisted processing job.
type Job struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Status Status  `json:"status"`
	Spec   JobSpec `json:"spec"`
	// Sequence number of the latest durable checkpoint. Zero if none
	CheckpointSeq uint64 `json:"checkpoint_seq"`
	// Failure detail if Status is error
	Error string `json:"error,omitempty"`
	// Last frame applied to the tracker. -1 if none
	LastGoodFrame int64     `json:"last_good_frame"`
	Objects       int64     `json:"objects"`
	Progress      Progress  `json:"progress"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
