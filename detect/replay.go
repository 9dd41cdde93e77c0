package detect

import (
	"bufio"
	"context"
	"os"

	"github.com/LdDl/mot-pipeline/mot"
	"github.com/LdDl/mot-pipeline/source"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// ReplayDetector serves detections recorded earlier. Every line of the file is
// a JSON object:
//
//	{"frame": 12, "detections": [{"x1": 10, "y1": 20, "x2": 50, "y2": 60, "confidence": 0.9, "label": "perch"}]}
//
// A box may be given as "bbox": [x, y, w, h] instead of corners. Frames absent
// from the file have no detections.
type ReplayDetector struct {
	frames map[int64][]replayBox
}

type replayBox struct {
	box        mot.Rectangle
	label      string
	confidence float64
}

// NewReplayDetector loads whole file into memory
func NewReplayDetector(path string, logger *zap.Logger) (*ReplayDetector, error) {
	if path == "" {
		return nil, Fatal(errors.New("replay path is empty"))
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, Fatal(errors.Wrapf(err, "Can't open replay file '%s'", path))
	}
	defer file.Close()
	detector, err := parseReplay(bufio.NewScanner(file))
	if err != nil {
		return nil, Fatal(errors.Wrapf(err, "Can't parse replay file '%s'", path))
	}
	if logger != nil {
		logger.Info("Replay detections loaded", zap.String("path", path), zap.Int("frames", len(detector.frames)))
	}
	return detector, nil
}

func parseReplay(scanner *bufio.Scanner) (*ReplayDetector, error) {
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	detector := &ReplayDetector{
		frames: make(map[int64][]replayBox),
	}
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		if !gjson.ValidBytes(raw) {
			return nil, errors.Errorf("line %d: invalid json", line)
		}
		parsed := gjson.ParseBytes(raw)
		frame := parsed.Get("frame")
		if !frame.Exists() {
			return nil, errors.Errorf("line %d: no frame index", line)
		}
		boxes := detector.frames[frame.Int()]
		var itemErr error
		parsed.Get("detections").ForEach(func(_, item gjson.Result) bool {
			var box mot.Rectangle
			if bbox := item.Get("bbox"); bbox.IsArray() {
				values := bbox.Array()
				if len(values) != 4 {
					itemErr = errors.Errorf("line %d: bbox must have 4 values", line)
					return false
				}
				box = mot.NewRect(values[0].Float(), values[1].Float(), values[2].Float(), values[3].Float())
			} else {
				box = mot.NewRectXYXY(item.Get("x1").Float(), item.Get("y1").Float(), item.Get("x2").Float(), item.Get("y2").Float())
			}
			boxes = append(boxes, replayBox{
				box:        box,
				label:      item.Get("label").String(),
				confidence: item.Get("confidence").Float(),
			})
			return true
		})
		if itemErr != nil {
			return nil, itemErr
		}
		detector.frames[frame.Int()] = boxes
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return detector, nil
}

// Detect returns recorded detections of the frame
func (detector *ReplayDetector) Detect(ctx context.Context, frame source.Frame) ([]mot.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	boxes := detector.frames[frame.Index]
	detections := make([]mot.Detection, 0, len(boxes))
	for _, one := range boxes {
		detections = append(detections, mot.Detection{
			Box:        one.box,
			Label:      one.label,
			Confidence: one.confidence,
			Frame:      frame.Index,
			Timestamp:  frame.Timestamp,
		})
	}
	return detections, nil
}

// Frames returns number of frames with recorded detections
func (detector *ReplayDetector) Frames() int {
	return len(detector.frames)
}
