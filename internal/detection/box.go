package detection

import "time"

// BoundingBox is an axis-aligned rectangle. The coordinate space (model
// input or source frame) is implied by the value that holds it.
type BoundingBox struct {
	Left   float32 `json:"left"`
	Top    float32 `json:"top"`
	Right  float32 `json:"right"`
	Bottom float32 `json:"bottom"`
}

func (b BoundingBox) Width() float32  { return b.Right - b.Left }
func (b BoundingBox) Height() float32 { return b.Bottom - b.Top }

// Area is zero for degenerate boxes.
func (b BoundingBox) Area() float32 {
	return max32(0, b.Width()) * max32(0, b.Height())
}

// Valid reports whether the box has positive extent on both axes.
func (b BoundingBox) Valid() bool {
	return b.Right > b.Left && b.Bottom > b.Top
}

// Scale multiplies X edges by sx and Y edges by sy.
func (b BoundingBox) Scale(sx, sy float32) BoundingBox {
	return BoundingBox{
		Left:   b.Left * sx,
		Top:    b.Top * sy,
		Right:  b.Right * sx,
		Bottom: b.Bottom * sy,
	}
}

// Candidate is a thresholded box in model input space.
type Candidate struct {
	Box        BoundingBox
	Confidence float32
}

// Detection is a kept box rescaled to the source frame.
type Detection struct {
	Box           BoundingBox   `json:"box"`
	Confidence    float32       `json:"confidence"`
	InferenceTime time.Duration `json:"inference_time"`
}

// Diagnostics carries per-frame counters used for calibration and debugging.
type Diagnostics struct {
	MaxConfidence            float32       `json:"max_confidence"`
	MaxConfidenceIndex       int           `json:"max_confidence_index"`
	CandidatesAboveThreshold int           `json:"candidates_above_threshold"`
	KeptAfterNMS             int           `json:"kept_after_nms"`
	Backend                  string        `json:"backend"`
	InferenceTime            time.Duration `json:"inference_time"`
}

// Result is the output of one Detect call.
type Result struct {
	Detections  []Detection `json:"detections"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
