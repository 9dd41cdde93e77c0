package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/LdDl/mot-pipeline/detect"
	"github.com/LdDl/mot-pipeline/mot"
	"github.com/LdDl/mot-pipeline/report"
	"github.com/LdDl/mot-pipeline/source"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var sceneStart = time.Date(2021, 6, 1, 10, 0, 0, 0, time.UTC)

// sceneDetections describes three fish: one crossing the view, one resting, one appearing late
func sceneDetections(frame int64) []mot.Detection {
	detections := make([]mot.Detection, 0, 3)
	if frame <= 40 {
		detections = append(detections, mot.Detection{Box: mot.NewRect(10+2*float64(frame), 100, 40, 30), Label: "perch", Confidence: 0.9})
	}
	if frame >= 5 && frame <= 25 {
		label := "pike"
		if frame%4 == 0 {
			label = "roach"
		}
		detections = append(detections, mot.Detection{Box: mot.NewRect(300, 300, 60, 20), Label: label, Confidence: 0.8})
	}
	if frame >= 30 && frame <= 55 {
		detections = append(detections, mot.Detection{Box: mot.NewRect(500-3*float64(frame-30), 50, 30, 30), Label: "roach", Confidence: 0.7})
	}
	return detections
}

// sceneDetector replays the scene. It can block on a frame and fail on demand.
type sceneDetector struct {
	mu       sync.Mutex
	calls    map[int64]int
	failures map[int64][]error

	gate    int64
	entered chan int64
	release chan struct{}
}

func newSceneDetector() *sceneDetector {
	return &sceneDetector{
		calls:    make(map[int64]int),
		failures: make(map[int64][]error),
		gate:     -1,
		entered:  make(chan int64, 1),
		release:  make(chan struct{}),
	}
}

func (d *sceneDetector) Detect(ctx context.Context, frame source.Frame) ([]mot.Detection, error) {
	d.mu.Lock()
	n := d.calls[frame.Index]
	d.calls[frame.Index]++
	var failure error
	if n < len(d.failures[frame.Index]) {
		failure = d.failures[frame.Index][n]
	}
	d.mu.Unlock()
	if frame.Index == d.gate && n == 0 {
		d.entered <- frame.Index
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failure != nil {
		return nil, failure
	}
	detections := sceneDetections(frame.Index)
	for i := range detections {
		detections[i].Frame = frame.Index
		detections[i].Timestamp = frame.Timestamp
	}
	return detections, nil
}

func (d *sceneDetector) callsOf(frame int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[frame]
}

func testSpec() JobSpec {
	spec := DefaultJobSpec()
	spec.Name = "scene"
	spec.Videos = []source.Video{
		{ID: "b", Start: sceneStart.Add(3 * time.Second), FPS: 10, Frames: 30},
		{ID: "a", Start: sceneStart, FPS: 10, Frames: 30},
	}
	spec.Detector = detect.Config{Backend: "scene"}
	spec.Tracker.MinHits = 2
	spec.Tracker.MaxAge = 3
	spec.Tracker.MaxAgeTentative = 1
	spec.Cadence = Cadence{EveryFrames: 7}
	spec.Retry = RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	return spec
}

func newTestScheduler(t *testing.T, store *memStore, detector *sceneDetector) *Scheduler {
	factory := func(ctx context.Context, cfg detect.Config, logger *zap.Logger) (detect.Detector, error) {
		return detector, nil
	}
	s := NewScheduler(store,
		WithLogger(zaptest.NewLogger(t)),
		WithOpener(source.BlankOpener{}),
		WithDetectorFactory(factory),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func runToEnd(t *testing.T, s *Scheduler, id string) Job {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	job, err := s.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

// pauseAt blocks detector on frame, requests pause while the frame is in flight and releases it
func pauseAt(t *testing.T, s *Scheduler, detector *sceneDetector, id string, frame int64) {
	select {
	case got := <-detector.entered:
		require.Equal(t, frame, got)
	case <-time.After(10 * time.Second):
		t.Fatalf("Frame %d was never requested", frame)
	}
	result := make(chan error, 1)
	go func() {
		result <- s.Pause(context.Background(), id)
	}()
	require.Eventually(t, func() bool {
		w := s.worker(id)
		return w != nil && len(w.signals) == 1
	}, 5*time.Second, time.Millisecond)
	close(detector.release)
	require.NoError(t, <-result)
}

func TestSchedulerRunToCompletion(t *testing.T) {
	store := newMemStore()
	detector := newSceneDetector()
	s := newTestScheduler(t, store, detector)
	ctx := context.Background()

	job, err := s.Create(ctx, testSpec())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, int64(60), job.Progress.FramesTotal)
	// Videos are stored in playback order
	assert.Equal(t, "a", job.Spec.Videos[0].ID)

	require.NoError(t, s.Start(ctx, job.ID))
	done := runToEnd(t, s, job.ID)
	assert.Equal(t, StatusDone, done.Status)
	assert.Equal(t, int64(60), done.Progress.FramesDone)
	assert.Equal(t, 100.0, done.Progress.Percent)
	assert.Equal(t, int64(59), done.LastGoodFrame)

	objects := store.jobObjects(job.ID)
	require.Len(t, objects, 3)
	assert.Equal(t, int64(3), done.Objects)

	assert.Equal(t, "perch", objects[0].Label)
	assert.Equal(t, int64(0), objects[0].FrameIn)
	assert.Equal(t, int64(40), objects[0].FrameOut)
	assert.True(t, sceneStart.Add(4*time.Second).Equal(objects[0].TimeOut))
	assert.Equal(t, []string{"a", "b"}, objects[0].VideoIDs)

	assert.Equal(t, "pike", objects[1].Label)
	assert.Equal(t, int64(5), objects[1].FrameIn)
	assert.Equal(t, int64(25), objects[1].FrameOut)

	assert.Equal(t, "roach", objects[2].Label)
	assert.Equal(t, []string{"b"}, objects[2].VideoIDs)
	for _, object := range objects {
		assert.Equal(t, report.RecordID(job.ID, object.TrackID), object.ID)
	}
}

func TestFinishedJobsReleaseResources(t *testing.T) {
	store := newMemStore()
	detector := newSceneDetector()
	detector.failures[9] = []error{detect.Fatal(errors.New("422 unknown model"))}
	s := newTestScheduler(t, store, detector)
	ctx := context.Background()

	failing, err := s.Create(ctx, testSpec())
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, failing.ID))
	assert.Equal(t, StatusError, runToEnd(t, s, failing.ID).Status)

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		job, err := s.Create(ctx, testSpec())
		require.NoError(t, err)
		require.NoError(t, s.Start(ctx, job.ID))
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		assert.Equal(t, StatusDone, runToEnd(t, s, id).Status)
	}

	s.mu.Lock()
	assert.Empty(t, s.workers)
	assert.Empty(t, s.detectors)
	assert.Empty(t, s.locks)
	s.mu.Unlock()

	assert.ErrorIs(t, s.Start(ctx, ids[0]), ErrInvalidTransition)
	s.mu.Lock()
	assert.Empty(t, s.locks)
	s.mu.Unlock()
}

func TestPausedJobKeepsDetector(t *testing.T) {
	store := newMemStore()
	detector := newSceneDetector()
	detector.gate = 12
	s := newTestScheduler(t, store, detector)
	ctx := context.Background()

	job, err := s.Create(ctx, testSpec())
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, job.ID))
	pauseAt(t, s, detector, job.ID, 12)
	_, err = s.Wait(ctx, job.ID)
	require.NoError(t, err)

	s.mu.Lock()
	assert.NotContains(t, s.workers, job.ID)
	assert.Contains(t, s.detectors, job.ID)
	s.mu.Unlock()

	require.NoError(t, s.Resume(ctx, job.ID))
	assert.Equal(t, StatusDone, runToEnd(t, s, job.ID).Status)
	s.mu.Lock()
	assert.Empty(t, s.detectors)
	s.mu.Unlock()
}

func TestPauseCompletesInFlightFrame(t *testing.T) {
	store := newMemStore()
	detector := newSceneDetector()
	detector.gate = 10
	s := newTestScheduler(t, store, detector)
	ctx := context.Background()

	job, err := s.Create(ctx, testSpec())
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, job.ID))
	pauseAt(t, s, detector, job.ID, 10)

	paused, err := s.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)
	assert.Equal(t, int64(11), paused.Progress.FramesDone)
	assert.Equal(t, int64(10), paused.LastGoodFrame)

	checkpoint, err := store.LoadCheckpoint(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, source.Cursor{VideoIndex: 0, VideoID: "a", Frame: 11}, checkpoint.Cursor)
	assert.Equal(t, int64(11), checkpoint.FramesDone)
	assert.Equal(t, int64(10), checkpoint.Tracker.LastFrame)
	assert.Equal(t, paused.CheckpointSeq, checkpoint.Seq)
	assert.Equal(t, 0, detector.callsOf(11))

	// Pausing twice is rejected, status is kept
	assert.ErrorIs(t, s.Pause(ctx, job.ID), ErrInvalidTransition)
	assert.ErrorIs(t, s.Start(ctx, job.ID), ErrInvalidTransition)
	again, err := s.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, again.Status)
}

func TestResumeEquivalence(t *testing.T) {
	ctx := context.Background()

	referenceStore := newMemStore()
	reference := newTestScheduler(t, referenceStore, newSceneDetector())
	refJob, err := reference.Create(ctx, testSpec())
	require.NoError(t, err)
	require.NoError(t, reference.Start(ctx, refJob.ID))
	require.Equal(t, StatusDone, runToEnd(t, reference, refJob.ID).Status)
	expected := referenceStore.jobObjects(refJob.ID)

	for _, k := range []int64{0, 6, 27, 29, 41} {
		store := newMemStore()
		detector := newSceneDetector()
		detector.gate = k
		s := newTestScheduler(t, store, detector)
		job, err := s.Create(ctx, testSpec())
		require.NoError(t, err)
		require.NoError(t, s.Start(ctx, job.ID))
		pauseAt(t, s, detector, job.ID, k)

		require.NoError(t, s.Resume(ctx, job.ID))
		done := runToEnd(t, s, job.ID)
		require.Equal(t, StatusDone, done.Status, "pause at %d", k)

		got := store.jobObjects(job.ID)
		if diff := cmp.Diff(expected, got, cmpopts.IgnoreFields(report.ObjectRecord{}, "ID", "JobID")); diff != "" {
			t.Errorf("Pause at frame %d changed results (-want +got):\n%s", k, diff)
		}
		// Every frame reached the detector exactly once
		for frame := int64(0); frame < 60; frame++ {
			assert.Equal(t, 1, detector.callsOf(frame), "frame %d", frame)
		}
	}
}

func TestToggle(t *testing.T) {
	store := newMemStore()
	detector := newSceneDetector()
	detector.gate = 3
	s := newTestScheduler(t, store, detector)
	ctx := context.Background()

	job, err := s.Create(ctx, testSpec())
	require.NoError(t, err)

	old, current, err := s.Toggle(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, old)
	assert.Equal(t, StatusRunning, current)

	<-detector.entered
	result := make(chan error, 1)
	go func() {
		_, _, err := s.Toggle(ctx, job.ID)
		result <- err
	}()
	require.Eventually(t, func() bool {
		w := s.worker(job.ID)
		return w != nil && len(w.signals) == 1
	}, 5*time.Second, time.Millisecond)
	close(detector.release)
	require.NoError(t, <-result)

	paused, err := s.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)

	old, current, err = s.Toggle(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, old)
	assert.Equal(t, StatusRunning, current)

	done := runToEnd(t, s, job.ID)
	require.Equal(t, StatusDone, done.Status)
	old, current, err = s.Toggle(ctx, job.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StatusDone, old)
	assert.Equal(t, StatusDone, current)
}

func TestTransientFailureRetried(t *testing.T) {
	store := newMemStore()
	detector := newSceneDetector()
	unavailable := detect.Transient(errors.New("503 service unavailable"))
	detector.failures[3] = []error{unavailable, unavailable}
	s := newTestScheduler(t, store, detector)
	ctx := context.Background()

	job, err := s.Create(ctx, testSpec())
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, job.ID))
	done := runToEnd(t, s, job.ID)
	assert.Equal(t, StatusDone, done.Status)
	assert.Equal(t, 3, detector.callsOf(3))
	assert.Len(t, store.jobObjects(job.ID), 3)
}

func TestDetectorFailuresStopJob(t *testing.T) {
	unavailable := detect.Transient(errors.New("503 service unavailable"))
	cases := []struct {
		name     string
		failures []error
		calls    int
	}{
		{"retries exhausted", []error{unavailable, unavailable, unavailable, unavailable, unavailable}, 4},
		{"fatal", []error{detect.Fatal(errors.New("422 unknown model"))}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore()
			detector := newSceneDetector()
			detector.failures[9] = tc.failures
			s := newTestScheduler(t, store, detector)
			ctx := context.Background()

			job, err := s.Create(ctx, testSpec())
			require.NoError(t, err)
			require.NoError(t, s.Start(ctx, job.ID))
			failed := runToEnd(t, s, job.ID)
			assert.Equal(t, StatusError, failed.Status)
			assert.Equal(t, int64(8), failed.LastGoodFrame)
			assert.NotEmpty(t, failed.Error)
			assert.Equal(t, tc.calls, detector.callsOf(9))

			// Last good checkpoint stays as it was flushed on cadence
			checkpoint, err := store.LoadCheckpoint(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(7), checkpoint.FramesDone)

			_, _, err = s.Toggle(ctx, job.ID)
			assert.ErrorIs(t, err, ErrInvalidTransition)
		})
	}
}

func TestCorruptCheckpointFailsClosed(t *testing.T) {
	store := newMemStore()
	detector := newSceneDetector()
	detector.gate = 12
	s := newTestScheduler(t, store, detector)
	ctx := context.Background()

	job, err := s.Create(ctx, testSpec())
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, job.ID))
	pauseAt(t, s, detector, job.ID, 12)

	store.corruptCheckpoint(job.ID)
	err = s.Resume(ctx, job.ID)
	assert.ErrorIs(t, err, ErrCorruptCheckpoint)
	paused, err := s.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, paused.Status)

	require.NoError(t, store.DeleteCheckpoint(ctx, job.ID))
	assert.ErrorIs(t, s.Resume(ctx, job.ID), ErrCorruptCheckpoint)
}

func TestCancel(t *testing.T) {
	store := newMemStore()
	detector := newSceneDetector()
	detector.gate = 20
	s := newTestScheduler(t, store, detector)
	ctx := context.Background()

	job, err := s.Create(ctx, testSpec())
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, job.ID))
	<-detector.entered
	// Blocked detector call is abandoned
	require.NoError(t, s.Cancel(ctx, job.ID))

	_, err = s.Status(ctx, job.ID)
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = store.LoadCheckpoint(ctx, job.ID)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	assert.Empty(t, store.jobObjects(job.ID))
	assert.ErrorIs(t, s.Cancel(ctx, job.ID), ErrJobNotFound)
}

func TestInvalidTransitions(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, store, newSceneDetector())
	ctx := context.Background()

	job, err := s.Create(ctx, testSpec())
	require.NoError(t, err)
	assert.ErrorIs(t, s.Pause(ctx, job.ID), ErrInvalidTransition)
	assert.ErrorIs(t, s.Resume(ctx, job.ID), ErrInvalidTransition)

	var transition *TransitionError
	require.ErrorAs(t, s.Resume(ctx, job.ID), &transition)
	assert.Equal(t, StatusPending, transition.From)
	assert.Equal(t, StatusRunning, transition.To)

	_, err = s.Status(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	spec := testSpec()
	spec.Videos = nil
	_, err = s.Create(ctx, spec)
	assert.ErrorIs(t, err, ErrInvalidJobSpec)
}

func TestOverlappingVideosSkipFrames(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, store, newSceneDetector())
	ctx := context.Background()

	spec := testSpec()
	// Second video starts before the first one ends: its first frames go back in time
	spec.Videos[0].Start = sceneStart.Add(2 * time.Second)
	job, err := s.Create(ctx, spec)
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx, job.ID))
	done := runToEnd(t, s, job.ID)
	assert.Equal(t, StatusDone, done.Status)
	assert.Equal(t, int64(60), done.Progress.FramesDone)
}

func TestRecover(t *testing.T) {
	store := newMemStore()
	s := newTestScheduler(t, store, newSceneDetector())
	ctx := context.Background()

	withCheckpoint, err := s.Create(ctx, testSpec())
	require.NoError(t, err)
	withoutCheckpoint, err := s.Create(ctx, testSpec())
	require.NoError(t, err)

	for _, job := range []Job{withCheckpoint, withoutCheckpoint} {
		job.Status = StatusRunning
		require.NoError(t, store.SaveJob(ctx, job))
	}
	require.NoError(t, store.SaveCheckpoint(ctx, Checkpoint{JobID: withCheckpoint.ID, Seq: 1, Tracker: mot.TrackerSnapshot{NextID: 1, LastFrame: -1}}))

	require.NoError(t, s.Recover(ctx))
	got, err := s.Status(ctx, withCheckpoint.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	got, err = s.Status(ctx, withoutCheckpoint.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)

	jobs, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}
