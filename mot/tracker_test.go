package mot

import (
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
)

var testEpoch = time.Date(2021, 4, 18, 12, 0, 0, 0, time.UTC)

func testFrame(idx int64, step time.Duration) FrameInfo {
	return FrameInfo{
		Index:     idx,
		Timestamp: testEpoch.Add(time.Duration(idx) * step),
		VideoID:   "video-1",
	}
}

func testDetection(box Rectangle, label string, confidence float64) Detection {
	return Detection{Box: box, Label: label, Confidence: confidence}
}

func newTestTracker(t *testing.T, minHits, maxAge, maxAgeTentative int) *Tracker {
	t.Helper()
	cfg := DefaultTrackerConfig()
	cfg.MinHits = minHits
	cfg.MaxAge = maxAge
	cfg.MaxAgeTentative = maxAgeTentative
	tracker, err := NewTracker(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return tracker
}

func TestTrackerConfigValidate(t *testing.T) {
	if err := DefaultTrackerConfig().Validate(); err != nil {
		t.Errorf("Default config must be valid: %v", err)
	}
	cfg := DefaultTrackerConfig()
	cfg.MaxAgeTentative = cfg.MaxAge + 1
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected invalid config for max_age_tentative > max_age, got %v", err)
	}
	cfg = DefaultTrackerConfig()
	cfg.MinHits = 0
	if _, err := NewTracker(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected invalid config for min_hits=0, got %v", err)
	}
}

func TestTrackerStaticObject(t *testing.T) {
	tracker := newTestTracker(t, 3, 5, 1)
	// Small jitter keeps IoU with the first box well above 0.9
	jitter := []float64{0, 0.5, -0.5, 0.3, 0, -0.3, 0.5, 0, -0.5, 0.2}
	for idx := int64(0); idx < 10; idx++ {
		box := NewRect(100+jitter[idx], 200-jitter[idx], 80, 40)
		result, err := tracker.Step(testFrame(idx, time.Second), []Detection{testDetection(box, "abbor", 0.8)})
		if err != nil {
			t.Fatal(err)
		}
		if len(result.Finalized) != 0 {
			t.Fatalf("Nothing must be finalized before end of stream, got %+v on frame %d", result.Finalized, idx)
		}
		tracks := tracker.Tracks()
		if len(tracks) != 1 {
			t.Fatalf("Expected exactly one track on frame %d, got %d", idx, len(tracks))
		}
		expectedStatus := TrackTentative
		if idx >= 2 {
			expectedStatus = TrackConfirmed
		}
		if tracks[0].GetStatus() != expectedStatus {
			t.Errorf("Frame %d: expected status %s, got %s", idx, expectedStatus, tracks[0].GetStatus())
		}
	}
	finalized := tracker.Finish()
	if len(finalized) != 1 {
		t.Fatalf("Expected one finalized object, got %d", len(finalized))
	}
	object := finalized[0]
	// Confirmed on the third frame
	if object.ConfirmedFrame != 2 {
		t.Errorf("Expected confirmation at frame index 2, got %d", object.ConfirmedFrame)
	}
	if !object.EntryTime.Equal(testFrame(0, time.Second).Timestamp) || !object.ExitTime.Equal(testFrame(9, time.Second).Timestamp) {
		t.Errorf("Wrong entry/exit time: %s - %s", object.EntryTime, object.ExitTime)
	}
	if object.EntryFrame != 0 || object.ExitFrame != 9 || object.Hits != 10 {
		t.Errorf("Wrong lifetime: %+v", object)
	}
	if object.Label != "abbor" || math.Abs(object.Probability-0.8) > eps {
		t.Errorf("Wrong label or probability: %s %f", object.Label, object.Probability)
	}
	if len(object.VideoIDs) != 1 || object.VideoIDs[0] != "video-1" {
		t.Errorf("Wrong video ids: %v", object.VideoIDs)
	}
	if len(tracker.Tracks()) != 0 {
		t.Error("Tracker must be empty after Finish")
	}
}

func TestTrackerCumulativeConfirmation(t *testing.T) {
	tracker := newTestTracker(t, 4, 2, 2)
	box := NewRect(50, 50, 40, 40)
	// Hits at frames 1, 2, 4, 5 and a miss at frame 3
	detected := map[int64]bool{1: true, 2: true, 3: false, 4: true, 5: true}
	for idx := int64(1); idx <= 5; idx++ {
		detections := []Detection{}
		if detected[idx] {
			detections = append(detections, testDetection(box, "mort", 0.6))
		}
		if _, err := tracker.Step(testFrame(idx, time.Second), detections); err != nil {
			t.Fatal(err)
		}
		tracks := tracker.Tracks()
		if len(tracks) != 1 {
			t.Fatalf("Expected the same track to survive, got %d tracks on frame %d", len(tracks), idx)
		}
		if idx < 5 && tracks[0].GetStatus() != TrackTentative {
			t.Errorf("Frame %d: track must stay tentative, got %s", idx, tracks[0].GetStatus())
		}
	}
	track := tracker.Tracks()[0]
	if track.GetStatus() != TrackConfirmed || track.GetConfirmedFrame() != 5 {
		t.Errorf("Expected confirmation at frame 5, got %s at %d", track.GetStatus(), track.GetConfirmedFrame())
	}
	if track.GetHits() != 4 || track.GetID() != 1 {
		t.Errorf("Expected track 1 with 4 hits, got track %d with %d hits", track.GetID(), track.GetHits())
	}
}

func TestTrackerMaxAgeExitTime(t *testing.T) {
	tracker := newTestTracker(t, 3, 3, 1)
	box := NewRect(300, 120, 60, 60)
	for idx := int64(0); idx < 5; idx++ {
		if _, err := tracker.Step(testFrame(idx, time.Second), []Detection{testDetection(box, "gjedde", 0.9)}); err != nil {
			t.Fatal(err)
		}
	}
	// Misses at frames 5, 6, 7: finalized when miss count first reaches max_age
	for idx := int64(5); idx <= 7; idx++ {
		result, err := tracker.Step(testFrame(idx, time.Second), nil)
		if err != nil {
			t.Fatal(err)
		}
		if idx < 7 {
			if len(result.Finalized) != 0 {
				t.Fatalf("Frame %d: track finalized too early", idx)
			}
			continue
		}
		if len(result.Finalized) != 1 {
			t.Fatalf("Frame %d: expected one finalized object, got %d", idx, len(result.Finalized))
		}
		object := result.Finalized[0]
		lastMatched := testFrame(4, time.Second).Timestamp
		if !object.ExitTime.Equal(lastMatched) || object.ExitFrame != 4 {
			t.Errorf("Exit must be the last matched frame: got %s (frame %d), expected %s", object.ExitTime, object.ExitFrame, lastMatched)
		}
	}
	if len(tracker.Tracks()) != 0 {
		t.Error("Lost track must leave the live set")
	}
	if finalized := tracker.Finish(); len(finalized) != 0 {
		t.Errorf("Lost track must never be finalized twice: %+v", finalized)
	}
}

func TestTrackerCoastingUncertainty(t *testing.T) {
	tracker := newTestTracker(t, 1, 5, 1)
	box := NewRect(300, 120, 60, 60)
	uncertainty := make([]float64, 0, 7)
	for idx := int64(0); idx < 7; idx++ {
		var detections []Detection
		if idx < 4 {
			detections = []Detection{testDetection(box, "gjedde", 0.9)}
		}
		if _, err := tracker.Step(testFrame(idx, time.Second), detections); err != nil {
			t.Fatal(err)
		}
		tracks := tracker.Tracks()
		if len(tracks) != 1 {
			t.Fatalf("Frame %d: expected one live track, got %d", idx, len(tracks))
		}
		uncertainty = append(uncertainty, tracks[0].GetUncertainty())
	}
	// Misses at frames 4, 5, 6
	for idx := 4; idx <= 6; idx++ {
		if uncertainty[idx] <= uncertainty[idx-1] {
			t.Errorf("Frame %d: uncertainty must grow while coasting: %f <= %f", idx, uncertainty[idx], uncertainty[idx-1])
		}
	}
}

func TestTrackerTentativeDiscard(t *testing.T) {
	tracker := newTestTracker(t, 3, 3, 1)
	result, err := tracker.Step(testFrame(0, time.Second), []Detection{testDetection(NewRect(0, 0, 10, 10), "mort", 0.4)})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Spawned) != 1 || result.Spawned[0] != 1 {
		t.Fatalf("Expected track 1 to be spawned, got %v", result.Spawned)
	}
	result, err = tracker.Step(testFrame(1, time.Second), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Discarded) != 1 || len(result.Finalized) != 0 {
		t.Errorf("Tentative track must be discarded silently: %+v", result)
	}
	if finalized := tracker.Finish(); len(finalized) != 0 {
		t.Errorf("Nothing to finalize, got %+v", finalized)
	}
	// Ids are never reused
	result, err = tracker.Step(testFrame(2, time.Second), []Detection{testDetection(NewRect(0, 0, 10, 10), "mort", 0.4)})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Spawned) != 1 || result.Spawned[0] != 2 {
		t.Errorf("Expected track 2 to be spawned, got %v", result.Spawned)
	}
}

func TestTrackerNonPositiveTimeStep(t *testing.T) {
	tracker := newTestTracker(t, 3, 3, 1)
	box := NewRect(10, 10, 20, 20)
	if _, err := tracker.Step(testFrame(0, time.Second), []Detection{testDetection(box, "mort", 0.5)}); err != nil {
		t.Fatal(err)
	}
	duplicate := testFrame(0, time.Second)
	duplicate.Index = 1
	_, err := tracker.Step(duplicate, []Detection{testDetection(box, "mort", 0.5)})
	if !errors.Is(err, ErrNumericAnomaly) {
		t.Fatalf("Expected numeric anomaly, got %v", err)
	}
	tracks := tracker.Tracks()
	if len(tracks) != 1 || tracks[0].GetHits() != 1 || tracks[0].GetMisses() != 0 {
		t.Errorf("Skipped frame must not change state: %d tracks", len(tracks))
	}
	if tracker.LastFrame() != 0 {
		t.Errorf("Skipped frame must not advance last frame, got %d", tracker.LastFrame())
	}
}

func TestTrackerRejectsMalformedDetections(t *testing.T) {
	tracker := newTestTracker(t, 1, 1, 1)
	detections := []Detection{
		testDetection(NewRect(0, 0, 0, 10), "mort", 0.5),
		testDetection(NewRect(0, 0, 10, 10), "mort", 1.5),
		testDetection(NewRect(50, 50, 10, 10), "mort", 0.5),
	}
	result, err := tracker.Step(testFrame(0, time.Second), detections)
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Rejected) != 2 || result.Rejected[0] != 0 || result.Rejected[1] != 1 {
		t.Errorf("Expected detections 0 and 1 rejected, got %v", result.Rejected)
	}
	if len(tracker.Tracks()) != 1 || tracker.Tracks()[0].GetStatus() != TrackConfirmed {
		t.Errorf("With min_hits=1 the valid detection must spawn a confirmed track")
	}
}

func TestTrackerLabelVoting(t *testing.T) {
	tracker := newTestTracker(t, 1, 1, 1)
	box := NewRect(10, 10, 30, 30)
	labels := []string{"abbor", "mort", "abbor", "abbor", "mort"}
	confidences := []float64{0.9, 0.95, 0.7, 0.8, 0.9}
	for idx := range labels {
		detections := []Detection{testDetection(box, labels[idx], confidences[idx])}
		if _, err := tracker.Step(testFrame(int64(idx), time.Second), detections); err != nil {
			t.Fatal(err)
		}
	}
	finalized := tracker.Finish()
	if len(finalized) != 1 {
		t.Fatalf("Expected one object, got %d", len(finalized))
	}
	// Majority label; probability is its accumulated confidence over all hits
	expectedProbability := (0.9 + 0.7 + 0.8) / 5.0
	if finalized[0].Label != "abbor" || math.Abs(finalized[0].Probability-expectedProbability) > eps {
		t.Errorf("Expected abbor with %f, got %s with %f", expectedProbability, finalized[0].Label, finalized[0].Probability)
	}
}

// movingScene returns detections of three objects moving down in parallel lanes.
func movingScene(numFrames int) [][]Detection {
	frames := make([][]Detection, numFrames)
	labels := []string{"abbor", "mort", "gjedde"}
	for idx := 0; idx < numFrames; idx++ {
		detections := make([]Detection, 0, len(labels))
		for lane, label := range labels {
			box := NewRect(float64(50+lane*200), float64(10+4*idx), 80, 40)
			detections = append(detections, testDetection(box, label, 0.7))
		}
		frames[idx] = detections
	}
	return frames
}

func TestTrackerMovingObjects(t *testing.T) {
	tracker := newTestTracker(t, 3, 1, 1)
	step := 40 * time.Millisecond
	for idx, detections := range movingScene(30) {
		result, err := tracker.Step(testFrame(int64(idx), step), detections)
		if err != nil {
			t.Fatal(err)
		}
		if idx > 0 && len(result.Association.Matches) != 3 {
			t.Fatalf("Frame %d: expected 3 matches, got %+v", idx, result.Association)
		}
	}
	finalized := tracker.Finish()
	if len(finalized) != 3 {
		t.Fatalf("Expected 3 objects, got %d", len(finalized))
	}
	for i, object := range finalized {
		if object.TrackID != uint64(i+1) {
			t.Errorf("Objects must be ordered by id: %d at position %d", object.TrackID, i)
		}
		if object.Hits != 30 {
			t.Errorf("Object %d: expected 30 hits, got %d", object.TrackID, object.Hits)
		}
		if math.Abs(object.Displacement-4*29) > eps {
			t.Errorf("Object %d: wrong displacement %f", object.TrackID, object.Displacement)
		}
	}
	if finalized[0].Label != "abbor" || finalized[1].Label != "mort" || finalized[2].Label != "gjedde" {
		t.Errorf("Wrong labels: %s %s %s", finalized[0].Label, finalized[1].Label, finalized[2].Label)
	}
}
