package pipeline

import (
	"context"
	"io"
	"math"
	"sync"
	"time"

	"github.com/LdDl/mot-pipeline/mot"
	"github.com/LdDl/mot-pipeline/report"
	"github.com/LdDl/mot-pipeline/source"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type signal int

const (
	signalPause signal = iota + 1
)

// control is a request delivered to the worker at a frame boundary
type control struct {
	signal signal
	ack    chan error
}

// worker runs a single job. It owns the tracker and the source: nothing else touches them.
type worker struct {
	store    Store
	logger   *zap.Logger
	now      func() time.Time
	tracker  *mot.Tracker
	src      source.Source
	detector *guardedDetector
	cadence  Cadence

	// Live copy of the job, read by Scheduler.Status
	mu  sync.Mutex
	job Job

	seq        uint64
	queue      []report.ObjectRecord
	sinceFlush int
	lastFlush  time.Time
	framesDone int64
	lastGood   int64
	objects    int64

	signals chan control
	cancel  context.CancelFunc
	done    chan struct{}
	// Called with the final job right before done is closed
	onExit func(Job)
}

func (w *worker) snapshot() Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.job
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if w.onExit != nil {
			w.onExit(w.snapshot())
		}
	}()
	defer func() {
		if err := w.src.Close(); err != nil {
			w.logger.Warn("Can't close source", zap.Error(err))
		}
	}()
	w.lastFlush = w.now()
	w.logger.Info("Worker started", zap.Int64("frames_done", w.framesDone), zap.Int64("frames_total", w.src.Len()))
	for {
		// Frame boundary: no partial frame state exists here
		select {
		case ctl := <-w.signals:
			ctl.ack <- w.handle(ctx, ctl)
			return
		default:
		}
		if ctx.Err() != nil {
			w.logger.Info("Worker canceled", zap.Int64("frames_done", w.framesDone))
			return
		}
		frame, err := w.src.Next(ctx)
		if err == io.EOF {
			w.complete(ctx)
			return
		}
		if err != nil {
			w.abort(ctx, errors.Wrap(err, "Can't read frame"))
			return
		}
		if err := w.process(ctx, frame); err != nil {
			w.abort(ctx, err)
			return
		}
		if w.flushDue() {
			if err := w.flush(ctx); err != nil {
				w.abort(ctx, err)
				return
			}
		}
	}
}

func (w *worker) handle(ctx context.Context, ctl control) error {
	switch ctl.signal {
	case signalPause:
		if err := w.flush(ctx); err != nil {
			w.fail(ctx, err)
			return err
		}
		w.setStatus(ctx, StatusPaused, "")
		w.logger.Info("Job paused", zap.Int64("frames_done", w.framesDone), zap.Uint64("checkpoint_seq", w.seq))
		return nil
	default:
		return errors.Errorf("unknown signal %d", ctl.signal)
	}
}

// process runs detector and tracker over a single frame
func (w *worker) process(ctx context.Context, frame source.Frame) error {
	detections, err := w.detector.Detect(ctx, frame)
	if err != nil {
		return errors.Wrapf(err, "frame %d", frame.Index)
	}
	info := mot.FrameInfo{
		Index:     frame.Index,
		Timestamp: frame.Timestamp,
		VideoID:   frame.Cursor.VideoID,
	}
	result, err := w.tracker.Step(info, detections)
	switch {
	case errors.Is(err, mot.ErrNumericAnomaly):
		w.logger.Warn("Frame skipped", zap.Int64("frame", frame.Index), zap.Error(err))
	case err != nil:
		return errors.Wrapf(err, "frame %d", frame.Index)
	default:
		w.lastGood = frame.Index
		if len(result.Rejected) > 0 {
			w.logger.Debug("Malformed detections rejected", zap.Int64("frame", frame.Index), zap.Ints("detections", result.Rejected))
		}
		w.enqueue(result.Finalized)
	}
	w.framesDone++
	w.sinceFlush++
	w.mu.Lock()
	w.job.Progress = newProgress(w.framesDone, w.src.Len())
	w.job.LastGoodFrame = w.lastGood
	w.mu.Unlock()
	return nil
}

func (w *worker) enqueue(finalized []mot.FinalizedObject) {
	for _, object := range finalized {
		w.queue = append(w.queue, report.FromFinalized(w.job.ID, object))
		w.logger.Debug("Object finalized",
			zap.Uint64("track_id", object.TrackID),
			zap.String("label", object.Label),
			zap.Float64("probability", object.Probability),
			zap.Time("time_in", object.EntryTime),
			zap.Time("time_out", object.ExitTime),
		)
	}
}

func (w *worker) flushDue() bool {
	if w.cadence.EveryFrames > 0 && w.sinceFlush >= w.cadence.EveryFrames {
		return true
	}
	return w.cadence.Interval > 0 && w.now().Sub(w.lastFlush) >= w.cadence.Interval
}

// flush saves queued objects first, then the checkpoint. Object writes are
// idempotent, so a crash between both writes is repaired by reprocessing.
func (w *worker) flush(ctx context.Context) error {
	if len(w.queue) > 0 {
		if err := w.store.SaveObjects(ctx, w.queue); err != nil {
			return errors.Wrap(err, "Can't save objects")
		}
		w.objects += int64(len(w.queue))
		w.queue = make([]report.ObjectRecord, 0)
	}
	now := w.now()
	checkpoint := Checkpoint{
		JobID:         w.job.ID,
		Seq:           w.seq + 1,
		Cursor:        w.src.Position(),
		FramesDone:    w.framesDone,
		LastGoodFrame: w.lastGood,
		Objects:       w.objects,
		Tracker:       w.tracker.Snapshot(),
		CreatedAt:     now.UTC(),
	}
	if err := w.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		return errors.Wrap(err, "Can't save checkpoint")
	}
	w.seq = checkpoint.Seq
	w.sinceFlush = 0
	w.lastFlush = now

	w.mu.Lock()
	w.job.CheckpointSeq = w.seq
	w.job.Objects = w.objects
	w.job.Progress = newProgress(w.framesDone, w.src.Len())
	w.job.UpdatedAt = now.UTC()
	job := w.job
	w.mu.Unlock()
	if err := w.store.SaveJob(ctx, job); err != nil {
		return errors.Wrap(err, "Can't save job")
	}
	tracks := w.tracker.Tracks()
	maxUncertainty := 0.0
	for _, track := range tracks {
		maxUncertainty = math.Max(maxUncertainty, track.GetUncertainty())
	}
	w.logger.Debug("Checkpoint saved",
		zap.Uint64("checkpoint_seq", w.seq),
		zap.Int64("frames_done", w.framesDone),
		zap.Int("live_tracks", len(tracks)),
		zap.Float64("max_uncertainty", maxUncertainty),
	)
	return nil
}

// complete finalizes remaining tracks at end of stream
func (w *worker) complete(ctx context.Context) {
	w.enqueue(w.tracker.Finish())
	if err := w.flush(ctx); err != nil {
		w.fail(ctx, err)
		return
	}
	w.mu.Lock()
	w.job.Progress.Percent = 100.0
	w.mu.Unlock()
	w.setStatus(ctx, StatusDone, "")
	w.logger.Info("Job done", zap.Int64("frames_done", w.framesDone), zap.Int64("objects", w.objects))
}

// abort fails the job unless the failure was caused by cancellation
func (w *worker) abort(ctx context.Context, err error) {
	if ctx.Err() != nil {
		w.logger.Info("Worker canceled", zap.Int64("frames_done", w.framesDone))
		return
	}
	w.fail(ctx, err)
}

// fail moves job to error. Queued objects are dropped: the last checkpoint stays authoritative
func (w *worker) fail(ctx context.Context, err error) {
	w.queue = nil
	w.logger.Error("Job failed", zap.Int64("last_good_frame", w.lastGood), zap.Error(err))
	w.setStatus(ctx, StatusError, err.Error())
}

func (w *worker) setStatus(ctx context.Context, status Status, detail string) {
	w.mu.Lock()
	w.job.Status = status
	w.job.Error = detail
	w.job.LastGoodFrame = w.lastGood
	w.job.UpdatedAt = w.now().UTC()
	job := w.job
	w.mu.Unlock()
	if err := w.store.SaveJob(ctx, job); err != nil {
		w.logger.Error("Can't save job status", zap.String("status", string(status)), zap.Error(err))
	}
}
