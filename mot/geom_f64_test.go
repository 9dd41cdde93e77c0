package mot

import (
	"image"
	"math"
	"testing"
)

const (
	eps = 0.00001
)

func TestEuclideanDistance(t *testing.T) {
	p1 := Point{X: 341, Y: 264}
	p2 := Point{X: 421, Y: 427}
	correnctAnswer := 181.57367
	answer := euclideanDistance(p1, p2)
	if math.Abs(answer-correnctAnswer) > eps {
		t.Errorf("Wrong answer: %v, correct answer: %v", answer, correnctAnswer)
	}
}

func TestNewRectXYXY(t *testing.T) {
	rect := NewRectXYXY(236, -25, 386, 35)
	correctAnswer := Rectangle{X: 236, Y: -25, Width: 150, Height: 60}
	if rect != correctAnswer {
		t.Errorf("Wrong answer: %v, correct answer: %v", rect, correctAnswer)
	}
	swapped := NewRectXYXY(386, 35, 236, -25)
	if swapped != correctAnswer {
		t.Errorf("Wrong answer for swapped corners: %v, correct answer: %v", swapped, correctAnswer)
	}
	fromImage := NewRectFrom(image.Rect(10, 20, 40, 60))
	if fromImage != NewRect(10, 20, 30, 40) {
		t.Errorf("Wrong rectangle from image.Rectangle: %v", fromImage)
	}
	center := fromImage.Center()
	if center != (Point{X: 25, Y: 40}) {
		t.Errorf("Wrong center: %v", center)
	}
}

func TestIoU(t *testing.T) {
	cases := []struct {
		name string
		r1   Rectangle
		r2   Rectangle
		iou  float64
	}{
		{"same", NewRect(0, 0, 10, 10), NewRect(0, 0, 10, 10), 1.0},
		{"half shift", NewRect(0, 0, 10, 10), NewRect(5, 0, 10, 10), 50.0 / 150.0},
		{"touching", NewRect(0, 0, 10, 10), NewRect(10, 0, 10, 10), 0.0},
		{"disjoint", NewRect(0, 0, 10, 10), NewRect(100, 100, 10, 10), 0.0},
		{"nested", NewRect(0, 0, 10, 10), NewRect(0, 0, 5, 5), 0.25},
		{"degenerate", NewRect(0, 0, 0, 10), NewRect(0, 0, 10, 10), 0.0},
		{"nan", NewRect(math.NaN(), 0, 10, 10), NewRect(0, 0, 10, 10), 0.0},
	}
	for _, c := range cases {
		answer := IoU(c.r1, c.r2)
		if math.Abs(answer-c.iou) > eps {
			t.Errorf("[%s] Wrong IoU: %v, correct answer: %v", c.name, answer, c.iou)
		}
		if math.Abs(IoU(c.r2, c.r1)-answer) > eps {
			t.Errorf("[%s] IoU must be symmetric", c.name)
		}
		cost := IoUCost(c.r1, c.r2)
		if cost < 0 || cost > 1 || math.Abs(cost-(1-c.iou)) > eps {
			t.Errorf("[%s] Wrong cost: %v", c.name, cost)
		}
	}
}
