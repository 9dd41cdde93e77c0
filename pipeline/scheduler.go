// Package pipeline runs tracking jobs: per-job workers driving detector and
// tracker over a video source, with pause, resume and checkpointing.
package pipeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/LdDl/mot-pipeline/detect"
	"github.com/LdDl/mot-pipeline/mot"
	"github.com/LdDl/mot-pipeline/source"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// DetectorFactory builds detector for a job
type DetectorFactory func(ctx context.Context, cfg detect.Config, logger *zap.Logger) (detect.Detector, error)

// Option configures Scheduler
type Option func(*Scheduler)

// WithLogger sets logger. Default is no-op logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithOpener sets video opener. Default is source.DefaultOpener()
func WithOpener(opener source.Opener) Option {
	return func(s *Scheduler) {
		s.opener = opener
	}
}

// WithDetectorFactory replaces detect.New
func WithDetectorFactory(factory DetectorFactory) Option {
	return func(s *Scheduler) {
		s.detectorFactory = factory
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler creates jobs and controls their workers. Control operations on
// the same job are serialized; different jobs never block each other.
type Scheduler struct {
	store           Store
	logger          *zap.Logger
	opener          source.Opener
	detectorFactory DetectorFactory
	now             func() time.Time

	// Parent context of every worker
	baseCtx context.Context
	stop    context.CancelFunc

	mu        sync.Mutex
	locks     map[string]*jobLock
	workers   map[string]*worker
	detectors map[string]detect.Detector
}

// NewScheduler creates new instance of Scheduler
func NewScheduler(store Store, opts ...Option) *Scheduler {
	baseCtx, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		store:           store,
		logger:          zap.NewNop(),
		opener:          source.DefaultOpener(),
		detectorFactory: detect.New,
		now:             time.Now,
		baseCtx:         baseCtx,
		stop:            stop,
		locks:           make(map[string]*jobLock),
		workers:         make(map[string]*worker),
		detectors:       make(map[string]detect.Detector),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// jobLock serializes control operations of a single job
type jobLock struct {
	mu sync.Mutex
	// Number of holders and waiters. Entry is dropped when it reaches zero
	refs int
}

func (s *Scheduler) lockJob(id string) func() {
	s.mu.Lock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &jobLock{}
		s.locks[id] = lock
	}
	lock.refs++
	s.mu.Unlock()
	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 && s.locks[id] == lock {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

func (s *Scheduler) worker(id string) *worker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[id]
}

// Recover repairs jobs left running by a previous process: jobs with a
// checkpoint become paused, jobs without one start over as pending.
func (s *Scheduler) Recover(ctx context.Context) error {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return errors.Wrap(err, "Can't list jobs")
	}
	for _, job := range jobs {
		if job.Status != StatusRunning || s.worker(job.ID) != nil {
			continue
		}
		_, err := s.store.LoadCheckpoint(ctx, job.ID)
		if errors.Is(err, ErrCheckpointNotFound) {
			job.Status = StatusPending
			job.CheckpointSeq = 0
			job.LastGoodFrame = -1
			job.Objects = 0
			job.Progress = newProgress(0, job.Progress.FramesTotal)
		} else {
			job.Status = StatusPaused
		}
		job.UpdatedAt = s.now().UTC()
		if err := s.store.SaveJob(ctx, job); err != nil {
			return errors.Wrapf(err, "Can't recover job %s", job.ID)
		}
		s.logger.Warn("Recovered interrupted job", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
	}
	return nil
}

// Create validates spec, resolves its videos, builds the detector and saves a pending job
func (s *Scheduler) Create(ctx context.Context, spec JobSpec) (Job, error) {
	if err := spec.Validate(); err != nil {
		return Job{}, err
	}
	loc, _ := spec.location()
	videos := append([]source.Video(nil), spec.Videos...)
	if len(spec.Inputs) > 0 {
		resolved, err := source.Resolve(spec.Inputs, s.opener, loc)
		if err != nil {
			return Job{}, errors.Wrap(ErrInvalidJobSpec, err.Error())
		}
		videos = append(videos, resolved...)
	}
	playlist, err := source.NewPlaylist(videos, s.opener, nil)
	if err != nil {
		return Job{}, errors.Wrap(ErrInvalidJobSpec, err.Error())
	}
	spec.Videos = playlist.Videos()
	total := playlist.Len()
	playlist.Close()

	id := uuid.New().String()
	detector, err := s.detectorFactory(ctx, spec.Detector, s.logger.With(zap.String("job_id", id)))
	if err != nil {
		return Job{}, errors.Wrap(err, "Can't create detector")
	}
	if spec.Name == "" {
		spec.Name = id
	}
	now := s.now().UTC()
	job := Job{
		ID:            id,
		Name:          spec.Name,
		Status:        StatusPending,
		Spec:          spec,
		LastGoodFrame: -1,
		Progress:      newProgress(0, total),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.SaveJob(ctx, job); err != nil {
		return Job{}, errors.Wrap(err, "Can't save job")
	}
	s.mu.Lock()
	s.detectors[id] = detector
	s.mu.Unlock()
	s.logger.Info("Job created", zap.String("job_id", id), zap.String("name", job.Name), zap.Int("videos", len(spec.Videos)), zap.Int64("frames", total))
	return job, nil
}

// Start runs a pending job
func (s *Scheduler) Start(ctx context.Context, id string) error {
	unlock := s.lockJob(id)
	defer unlock()
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return s.start(ctx, job)
}

func (s *Scheduler) start(ctx context.Context, job Job) error {
	if err := transitionFrom(job, StatusPending, StatusRunning); err != nil {
		return err
	}
	tracker, err := mot.NewTracker(job.Spec.Tracker)
	if err != nil {
		return err
	}
	return s.launch(ctx, job, tracker, nil)
}

// Pause asks the worker to finish its frame, flush and checkpoint. Returns after the job is paused
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	unlock := s.lockJob(id)
	defer unlock()
	job, err := s.Status(ctx, id)
	if err != nil {
		return err
	}
	return s.pause(ctx, job)
}

func (s *Scheduler) pause(ctx context.Context, job Job) error {
	if err := transitionFrom(job, StatusRunning, StatusPaused); err != nil {
		return err
	}
	w := s.worker(job.ID)
	if w == nil {
		return &TransitionError{JobID: job.ID, From: job.Status, To: StatusPaused}
	}
	ack := make(chan error, 1)
	select {
	case w.signals <- control{signal: signalPause, ack: ack}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-w.done:
		// Worker may have acked right before exit
		select {
		case err := <-ack:
			return err
		default:
		}
		current := w.snapshot()
		return &TransitionError{JobID: job.ID, From: current.Status, To: StatusPaused}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume restores tracker and source position from the last checkpoint and runs the job.
// A damaged checkpoint leaves the job paused.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	unlock := s.lockJob(id)
	defer unlock()
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return s.resume(ctx, job)
}

func (s *Scheduler) resume(ctx context.Context, job Job) error {
	if err := transitionFrom(job, StatusPaused, StatusRunning); err != nil {
		return err
	}
	checkpoint, err := s.store.LoadCheckpoint(ctx, job.ID)
	if errors.Is(err, ErrCheckpointNotFound) {
		return errors.Wrapf(ErrCorruptCheckpoint, "paused job %s has no checkpoint", job.ID)
	}
	if err != nil {
		return err
	}
	if err := checkpoint.Validate(job.ID); err != nil {
		return err
	}
	tracker, err := mot.RestoreTracker(job.Spec.Tracker, checkpoint.Tracker)
	if err != nil {
		return errors.Wrap(ErrCorruptCheckpoint, err.Error())
	}
	return s.launch(ctx, job, tracker, &checkpoint)
}

// launch builds worker around tracker and starts it. Checkpoint is nil for a fresh start
func (s *Scheduler) launch(ctx context.Context, job Job, tracker *mot.Tracker, checkpoint *Checkpoint) error {
	logger := s.logger.With(zap.String("job_id", job.ID))
	playlist, err := source.NewPlaylist(job.Spec.Videos, s.opener, logger)
	if err != nil {
		return errors.Wrap(ErrInvalidJobSpec, err.Error())
	}
	w := &worker{
		store:    s.store,
		logger:   logger,
		now:      s.now,
		tracker:  tracker,
		src:      playlist,
		cadence:  job.Spec.Cadence,
		lastGood: -1,
		signals:  make(chan control, 1),
		done:     make(chan struct{}),
	}
	if checkpoint != nil {
		if err := playlist.Seek(checkpoint.Cursor); err != nil {
			playlist.Close()
			return errors.Wrap(ErrCorruptCheckpoint, err.Error())
		}
		w.seq = checkpoint.Seq
		w.framesDone = checkpoint.FramesDone
		w.lastGood = checkpoint.LastGoodFrame
		w.objects = checkpoint.Objects
	}
	detector, err := s.detector(ctx, job, logger)
	if err != nil {
		playlist.Close()
		return err
	}
	w.detector = newGuardedDetector(detector, job.Spec.MaxDetectRate, job.Spec.Retry, logger)

	job.Status = StatusRunning
	job.Error = ""
	job.CheckpointSeq = w.seq
	job.LastGoodFrame = w.lastGood
	job.Objects = w.objects
	job.Progress = newProgress(w.framesDone, playlist.Len())
	job.UpdatedAt = s.now().UTC()
	if err := s.store.SaveJob(ctx, job); err != nil {
		playlist.Close()
		return errors.Wrap(err, "Can't save job")
	}
	w.job = job

	workerCtx, cancel := context.WithCancel(s.baseCtx)
	w.cancel = cancel
	w.onExit = func(final Job) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.workers[final.ID] == w {
			delete(s.workers, final.ID)
		}
		// Finished jobs never run again, paused ones keep their detector for resume
		if final.Status.Terminal() {
			delete(s.detectors, final.ID)
		}
	}
	s.mu.Lock()
	s.workers[job.ID] = w
	s.mu.Unlock()
	go func() {
		defer cancel()
		w.run(workerCtx)
	}()
	return nil
}

func (s *Scheduler) detector(ctx context.Context, job Job, logger *zap.Logger) (detect.Detector, error) {
	s.mu.Lock()
	detector, ok := s.detectors[job.ID]
	s.mu.Unlock()
	if ok {
		return detector, nil
	}
	detector, err := s.detectorFactory(ctx, job.Spec.Detector, logger)
	if err != nil {
		return nil, errors.Wrap(err, "Can't create detector")
	}
	s.mu.Lock()
	s.detectors[job.ID] = detector
	s.mu.Unlock()
	return detector, nil
}

// Toggle flips exactly one state: pending -> running, running -> paused, paused -> running
func (s *Scheduler) Toggle(ctx context.Context, id string) (Status, Status, error) {
	unlock := s.lockJob(id)
	defer unlock()
	job, err := s.Status(ctx, id)
	if err != nil {
		return "", "", err
	}
	target, err := ToggleTarget(job.Status)
	if err != nil {
		return job.Status, job.Status, &TransitionError{JobID: id, From: job.Status, To: target}
	}
	switch job.Status {
	case StatusPending:
		err = s.start(ctx, job)
	case StatusRunning:
		err = s.pause(ctx, job)
	case StatusPaused:
		err = s.resume(ctx, job)
	}
	if err != nil {
		return job.Status, job.Status, err
	}
	return job.Status, target, nil
}

// Status returns job with live progress if it is running
func (s *Scheduler) Status(ctx context.Context, id string) (Job, error) {
	if w := s.worker(id); w != nil {
		return w.snapshot(), nil
	}
	return s.store.GetJob(ctx, id)
}

// List returns every job ordered by creation time
func (s *Scheduler) List(ctx context.Context) ([]Job, error) {
	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		if w := s.worker(jobs[i].ID); w != nil {
			jobs[i] = w.snapshot()
		}
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// Cancel stops the job without flushing and deletes it with its checkpoint and objects
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	unlock := s.lockJob(id)
	defer unlock()
	if w := s.worker(id); w != nil {
		w.cancel()
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if _, err := s.store.GetJob(ctx, id); err != nil {
		return err
	}
	if err := s.store.DeleteObjects(ctx, id); err != nil {
		return errors.Wrap(err, "Can't delete objects")
	}
	if err := s.store.DeleteCheckpoint(ctx, id); err != nil {
		return errors.Wrap(err, "Can't delete checkpoint")
	}
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return errors.Wrap(err, "Can't delete job")
	}
	s.mu.Lock()
	delete(s.detectors, id)
	s.mu.Unlock()
	s.logger.Info("Job canceled", zap.String("job_id", id))
	return nil
}

// Wait blocks until worker of the job exits and returns the job
func (s *Scheduler) Wait(ctx context.Context, id string) (Job, error) {
	if w := s.worker(id); w != nil {
		select {
		case <-w.done:
		case <-ctx.Done():
			return Job{}, ctx.Err()
		}
	}
	return s.store.GetJob(ctx, id)
}

// Shutdown pauses every running job, so each of them leaves a checkpoint behind
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)

	var firstErr error
	for _, id := range ids {
		err := s.Pause(ctx, id)
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			s.logger.Error("Can't pause job on shutdown", zap.String("job_id", id), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	s.stop()
	for _, id := range ids {
		if _, err := s.Wait(ctx, id); err != nil && firstErr == nil && ctx.Err() != nil {
			firstErr = ctx.Err()
		}
	}
	return firstErr
}
