package mot

import (
	"container/heap"
	"sort"
	"strings"

	"github.com/arthurkushman/go-hungarian"
	"github.com/pkg/errors"
)

// MatchingAlgorithm is for algorithm type for matching detections to tracks
type MatchingAlgorithm uint16

const (
	// MatchingAlgorithmHungarian uses deterministic minimum cost assignment (Kuhn-Munkres with potentials)
	MatchingAlgorithmHungarian MatchingAlgorithm = iota
	// MatchingAlgorithmHungarianMax maximizes total IoU with github.com/arthurkushman/go-hungarian
	MatchingAlgorithmHungarianMax
	// MatchingAlgorithmGreedy uses a greedy algorithm for faster but potentially suboptimal assignment
	MatchingAlgorithmGreedy
)

func (algorithm MatchingAlgorithm) String() string {
	switch algorithm {
	case MatchingAlgorithmHungarian:
		return "hungarian"
	case MatchingAlgorithmHungarianMax:
		return "hungarian_max"
	case MatchingAlgorithmGreedy:
		return "greedy"
	default:
		return "unknown"
	}
}

// ParseMatchingAlgorithm parses algorithm name as used in configuration files.
func ParseMatchingAlgorithm(name string) (MatchingAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "hungarian", "jv":
		return MatchingAlgorithmHungarian, nil
	case "hungarian_max", "hungarian-max":
		return MatchingAlgorithmHungarianMax, nil
	case "greedy":
		return MatchingAlgorithmGreedy, nil
	}
	return MatchingAlgorithmHungarian, errors.Wrapf(ErrInvalidConfig, "unknown matching algorithm '%s'", name)
}

// MarshalText implements encoding.TextMarshaler
func (algorithm MatchingAlgorithm) MarshalText() ([]byte, error) {
	return []byte(algorithm.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (algorithm *MatchingAlgorithm) UnmarshalText(text []byte) error {
	parsed, err := ParseMatchingAlgorithm(string(text))
	if err != nil {
		return err
	}
	*algorithm = parsed
	return nil
}

// AssociationConfig controls gating and solver of the association step.
type AssociationConfig struct {
	// Pairs with IoU below threshold are never matched
	IoUThreshold float64
	// Algorithm to use for matching
	Algorithm MatchingAlgorithm
	// TwoStage enables ByteTrack-like association: confident detections first, then the rest
	TwoStage bool
	// High detection confidence threshold (two-stage only)
	HighConfidence float64
	// Low detection confidence threshold (two-stage only). Detections below it are never matched
	LowConfidence float64
}

// Match is a single (track, detection) pair. Indices refer to the slices passed to Associate.
type Match struct {
	Track     int
	Detection int
	IoU       float64
}

// Association is a partition of tracks and detections of one frame.
// Every track index and every detection index appears in exactly one of the sets.
type Association struct {
	Matches             []Match
	UnmatchedTracks     []int
	UnmatchedDetections []int
}

// Associate matches predicted track boxes to detections.
// Tracks must be ordered by ascending id: ties are resolved by lowest track index,
// then by lowest detection index.
func Associate(tracks []Rectangle, detections []Detection, cfg AssociationConfig) Association {
	matchedTracks := make([]bool, len(tracks))
	matchedDetections := make([]bool, len(detections))
	matches := make([]Match, 0, minInt(len(tracks), len(detections)))

	allTracks := make([]int, len(tracks))
	for i := range allTracks {
		allTracks[i] = i
	}

	if !cfg.TwoStage {
		allDetections := make([]int, len(detections))
		for j := range allDetections {
			allDetections[j] = j
		}
		matches = associateStage(matches, tracks, allTracks, detections, allDetections, cfg, matchedTracks, matchedDetections)
	} else {
		// 1. First stage: Match high confidence detections
		highDetectionIndices := make([]int, 0, len(detections))
		for j, detection := range detections {
			if detection.Confidence >= cfg.HighConfidence {
				highDetectionIndices = append(highDetectionIndices, j)
			}
		}
		matches = associateStage(matches, tracks, allTracks, detections, highDetectionIndices, cfg, matchedTracks, matchedDetections)

		// 2. Second stage: Match low confidence detections with remaining tracks
		unmatchedTrackIndices := make([]int, 0, len(tracks))
		for i := range tracks {
			if !matchedTracks[i] {
				unmatchedTrackIndices = append(unmatchedTrackIndices, i)
			}
		}
		lowDetectionIndices := make([]int, 0, len(detections))
		for j, detection := range detections {
			if detection.Confidence < cfg.HighConfidence && detection.Confidence >= cfg.LowConfidence {
				lowDetectionIndices = append(lowDetectionIndices, j)
			}
		}
		matches = associateStage(matches, tracks, unmatchedTrackIndices, detections, lowDetectionIndices, cfg, matchedTracks, matchedDetections)
	}

	sort.Slice(matches, func(a, b int) bool {
		return matches[a].Track < matches[b].Track
	})
	result := Association{
		Matches:             matches,
		UnmatchedTracks:     make([]int, 0),
		UnmatchedDetections: make([]int, 0),
	}
	for i, matched := range matchedTracks {
		if !matched {
			result.UnmatchedTracks = append(result.UnmatchedTracks, i)
		}
	}
	for j, matched := range matchedDetections {
		if !matched {
			result.UnmatchedDetections = append(result.UnmatchedDetections, j)
		}
	}
	return result
}

// associateStage matches subset of tracks with subset of detections and marks matched entities.
func associateStage(
	matches []Match,
	tracks []Rectangle,
	trackIndices []int,
	detections []Detection,
	detectionIndices []int,
	cfg AssociationConfig,
	matchedTracks []bool,
	matchedDetections []bool,
) []Match {
	if len(trackIndices) == 0 || len(detectionIndices) == 0 {
		return matches
	}
	iouMatrix := createIoUMatrix(tracks, trackIndices, detections, detectionIndices)
	pairs := performMatching(iouMatrix, cfg)
	for _, pair := range pairs {
		iouVal := iouMatrix[pair[0]][pair[1]]
		if !gated(iouVal, cfg.IoUThreshold) {
			continue
		}
		trackIdx := trackIndices[pair[0]]
		detIdx := detectionIndices[pair[1]]
		matches = append(matches, Match{
			Track:     trackIdx,
			Detection: detIdx,
			IoU:       iouVal,
		})
		matchedTracks[trackIdx] = true
		matchedDetections[detIdx] = true
	}
	return matches
}

// gated reports whether pair with given IoU may be matched at all.
func gated(iouVal, threshold float64) bool {
	return iouVal > 0 && iouVal >= threshold
}

// createIoUMatrix is helper function to create IoU matrix: rows = tracks, columns = detections.
func createIoUMatrix(tracks []Rectangle, trackIndices []int, detections []Detection, detectionIndices []int) [][]float64 {
	iouMatrix := make([][]float64, len(trackIndices))
	for i, trackIdx := range trackIndices {
		row := make([]float64, len(detectionIndices))
		for j, detIdx := range detectionIndices {
			row[j] = IoU(tracks[trackIdx], detections[detIdx].Box)
		}
		iouMatrix[i] = row
	}
	return iouMatrix
}

// costMatrix converts IoU matrix into 1-IoU costs with gated pairs forbidden.
func costMatrix(iouMatrix [][]float64, threshold float64) [][]float64 {
	costs := make([][]float64, len(iouMatrix))
	for i, row := range iouMatrix {
		costs[i] = make([]float64, len(row))
		for j, iouVal := range row {
			if gated(iouVal, threshold) {
				costs[i][j] = iouCost(iouVal)
			} else {
				costs[i][j] = forbiddenCost
			}
		}
	}
	return costs
}

// performMatching is helper function to perform matching with configured algorithm.
// Returns: a slice of [2]int, where each element is {rowIndex, columnIndex} of iouMatrix.
func performMatching(iouMatrix [][]float64, cfg AssociationConfig) [][2]int {
	switch cfg.Algorithm {
	case MatchingAlgorithmHungarianMax:
		return performHungarianMaxMatching(iouMatrix, cfg.IoUThreshold)
	case MatchingAlgorithmGreedy:
		return performGreedyMatching(iouMatrix, cfg.IoUThreshold)
	default:
		return solveMinCost(costMatrix(iouMatrix, cfg.IoUThreshold))
	}
}

// performHungarianMaxMatching maximizes total IoU of gated pairs with go-hungarian.
func performHungarianMaxMatching(iouMatrix [][]float64, threshold float64) [][2]int {
	numTracks := len(iouMatrix)
	if numTracks == 0 || len(iouMatrix[0]) == 0 {
		return [][2]int{}
	}
	numDetections := len(iouMatrix[0])
	// Pad to square matrix. Padding and gated pairs get zero IoU (never matched later on)
	paddedSize := maxInt(numTracks, numDetections)
	paddedMatrix := make([][]float64, paddedSize)
	for i := 0; i < paddedSize; i++ {
		paddedMatrix[i] = make([]float64, paddedSize)
		if i >= numTracks {
			continue
		}
		for j := 0; j < numDetections; j++ {
			if gated(iouMatrix[i][j], threshold) {
				// Integer scores keep the solver's comparisons exact
				paddedMatrix[i][j] = float64(int64(iouMatrix[i][j] * SCALE_FACTOR))
			}
		}
	}
	assignmentsMap := hungarian.SolveMax(paddedMatrix)
	matches := make([][2]int, 0, minInt(numTracks, numDetections))
	// Map iteration order is random: walk rows and columns in order
	usedCols := make(map[int]struct{})
	for trackIndex := 0; trackIndex < numTracks; trackIndex++ {
		rowMap, ok := assignmentsMap[trackIndex]
		if !ok {
			continue
		}
		for detectionIndex := 0; detectionIndex < numDetections; detectionIndex++ {
			if _, ok := rowMap[detectionIndex]; !ok {
				continue
			}
			if _, used := usedCols[detectionIndex]; used || !gated(iouMatrix[trackIndex][detectionIndex], threshold) {
				continue
			}
			usedCols[detectionIndex] = struct{}{}
			matches = append(matches, [2]int{trackIndex, detectionIndex})
			break
		}
	}
	return matches
}

// performGreedyMatching repeatedly takes the cheapest gated pair whose track and detection are both free.
func performGreedyMatching(iouMatrix [][]float64, threshold float64) [][2]int {
	costs := costMatrix(iouMatrix, threshold)
	candidates := make(pairHeap, 0)
	for i, row := range costs {
		for j, cost := range row {
			if cost == forbiddenCost {
				continue
			}
			candidates = append(candidates, candidatePair{row: i, col: j, cost: cost})
		}
	}
	heap.Init(&candidates)
	usedRows := make(map[int]struct{})
	usedCols := make(map[int]struct{})
	matches := make([][2]int, 0)
	for candidates.Len() > 0 {
		pair := heap.Pop(&candidates).(candidatePair)
		if _, found := usedRows[pair.row]; found {
			continue
		}
		if _, found := usedCols[pair.col]; found {
			continue
		}
		usedRows[pair.row] = struct{}{}
		usedCols[pair.col] = struct{}{}
		matches = append(matches, [2]int{pair.row, pair.col})
	}
	sort.Slice(matches, func(a, b int) bool {
		return matches[a][0] < matches[b][0]
	})
	return matches
}
