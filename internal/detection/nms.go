package detection

import "sort"

// DefaultIoUThreshold is the overlap above which a lower-confidence box is suppressed.
const DefaultIoUThreshold float32 = 0.5

// IoU returns intersection-over-union of two boxes, or 0 when the union is empty.
func IoU(a, b BoundingBox) float32 {
	inter := BoundingBox{
		Left:   max32(a.Left, b.Left),
		Top:    max32(a.Top, b.Top),
		Right:  min32(a.Right, b.Right),
		Bottom: min32(a.Bottom, b.Bottom),
	}.Area()

	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NMS runs greedy non-maximum suppression and returns the indices of the kept
// candidates, highest confidence first. Only IoU > iouThreshold suppresses.
// Equal confidences keep their input order.
func NMS(candidates []Candidate, iouThreshold float32) []int {
	if len(candidates) == 0 {
		return nil
	}

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return candidates[order[i]].Confidence > candidates[order[j]].Confidence
	})

	kept := make([]int, 0, len(order))
	for len(order) > 0 {
		current := order[0]
		kept = append(kept, current)

		remaining := order[:0]
		for _, idx := range order[1:] {
			if IoU(candidates[current].Box, candidates[idx].Box) <= iouThreshold {
				remaining = append(remaining, idx)
			}
		}
		order = remaining
	}

	return kept
}
