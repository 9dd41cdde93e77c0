package mot

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

// churnScene has objects entering and leaving at different frames plus a one-frame false positive.
func churnScene() [][]Detection {
	const numFrames = 40
	type lifetime struct {
		from, to int
		lane     int
		label    string
	}
	objects := []lifetime{
		{0, 20, 0, "abbor"},
		{5, 25, 1, "mort"},
		{12, 39, 2, "gjedde"},
		{22, 26, 3, "ørekyt"},
	}
	frames := make([][]Detection, numFrames)
	for idx := 0; idx < numFrames; idx++ {
		detections := make([]Detection, 0)
		for _, object := range objects {
			if idx < object.from || idx > object.to {
				continue
			}
			box := NewRect(float64(40+object.lane*150), float64(20+3*(idx-object.from)), 60, 30)
			detections = append(detections, testDetection(box, object.label, 0.6+0.01*float64(object.lane)))
		}
		if idx == 17 {
			detections = append(detections, testDetection(NewRect(900, 500, 20, 20), "mort", 0.3))
		}
		frames[idx] = detections
	}
	return frames
}

func runScene(t *testing.T, tracker *Tracker, frames [][]Detection, from, to int) []FinalizedObject {
	t.Helper()
	finalized := make([]FinalizedObject, 0)
	for idx := from; idx < to; idx++ {
		result, err := tracker.Step(testFrame(int64(idx), 40*time.Millisecond), frames[idx])
		if err != nil {
			t.Fatal(err)
		}
		finalized = append(finalized, result.Finalized...)
	}
	return finalized
}

func TestSnapshotResumeEquivalence(t *testing.T) {
	cfg := DefaultTrackerConfig()
	cfg.MaxAge = 2
	cfg.MaxAgeTentative = 1
	frames := churnScene()

	reference, err := NewTracker(cfg)
	if err != nil {
		t.Fatal(err)
	}
	expected := runScene(t, reference, frames, 0, len(frames))
	expected = append(expected, reference.Finish()...)
	if len(expected) != 4 {
		t.Fatalf("Expected 4 objects in uninterrupted run, got %d", len(expected))
	}

	for k := 0; k <= len(frames); k++ {
		tracker, err := NewTracker(cfg)
		if err != nil {
			t.Fatal(err)
		}
		got := runScene(t, tracker, frames, 0, k)

		payload, err := json.Marshal(tracker.Snapshot())
		if err != nil {
			t.Fatal(err)
		}
		var snapshot TrackerSnapshot
		if err := json.Unmarshal(payload, &snapshot); err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(tracker.Snapshot(), snapshot); diff != "" {
			t.Fatalf("k=%d: snapshot changed after JSON round trip (-want +got):\n%s", k, diff)
		}
		restored, err := RestoreTracker(cfg, snapshot)
		if err != nil {
			t.Fatalf("k=%d: %v", k, err)
		}
		got = append(got, runScene(t, restored, frames, k, len(frames))...)
		got = append(got, restored.Finish()...)
		if diff := cmp.Diff(expected, got); diff != "" {
			t.Errorf("k=%d: resumed run differs (-want +got):\n%s", k, diff)
		}
	}
}

func TestRestoreTrackerCorrupt(t *testing.T) {
	cfg := DefaultTrackerConfig()
	tracker, err := NewTracker(cfg)
	if err != nil {
		t.Fatal(err)
	}
	runScene(t, tracker, churnScene(), 0, 10)
	good := tracker.Snapshot()
	if len(good.Tracks) < 2 {
		t.Fatalf("Expected at least two live tracks, got %d", len(good.Tracks))
	}

	corruptions := map[string]func(s *TrackerSnapshot){
		"zero next id": func(s *TrackerSnapshot) { s.NextID = 0 },
		"id beyond counter": func(s *TrackerSnapshot) {
			s.Tracks[0].ID = s.NextID
		},
		"duplicate id": func(s *TrackerSnapshot) {
			s.Tracks[1].ID = s.Tracks[0].ID
		},
		"lost track": func(s *TrackerSnapshot) {
			s.Tracks[0].Status = TrackLost
		},
		"short covariance": func(s *TrackerSnapshot) {
			s.Tracks[0].Covariance = s.Tracks[0].Covariance[:10]
		},
		"asymmetric covariance": func(s *TrackerSnapshot) {
			s.Tracks[0].Covariance = append([]float64(nil), s.Tracks[0].Covariance...)
			s.Tracks[0].Covariance[1] += 1
		},
		"missing timestamp": func(s *TrackerSnapshot) {
			s.HasTimestamp = false
		},
	}
	for name, corrupt := range corruptions {
		payload, err := json.Marshal(good)
		if err != nil {
			t.Fatal(err)
		}
		var snapshot TrackerSnapshot
		if err := json.Unmarshal(payload, &snapshot); err != nil {
			t.Fatal(err)
		}
		corrupt(&snapshot)
		if _, err := RestoreTracker(cfg, snapshot); !errors.Is(err, ErrCorruptSnapshot) {
			t.Errorf("[%s] expected corrupt snapshot error, got %v", name, err)
		}
	}
}
