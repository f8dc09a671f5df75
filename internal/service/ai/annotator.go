package ai

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"

	"potholecam/internal/detection"
)

const DefaultJPEGQuality = 85

// Annotator draws detections onto a JPEG frame.
type Annotator struct {
	quality int
}

// NewAnnotator creates an annotator encoding at the given JPEG quality.
func NewAnnotator(quality int) *Annotator {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	return &Annotator{quality: quality}
}

// Annotate draws a red box and "Pothole NN%" label per detection and
// re-encodes the frame.
func (a *Annotator) Annotate(frame []byte, detections []detection.Detection) ([]byte, error) {
	red := color.RGBA{R: 255, G: 0, B: 0, A: 0}

	mat, err := gocv.IMDecode(frame, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %v", err)
	}
	defer mat.Close()

	if mat.Empty() {
		return nil, fmt.Errorf("decoded image is empty")
	}

	for _, d := range detections {
		rect := image.Rect(int(d.Box.Left), int(d.Box.Top), int(d.Box.Right), int(d.Box.Bottom))
		if err := gocv.Rectangle(&mat, rect, red, 3); err != nil {
			return nil, fmt.Errorf("failed to draw rectangle: %v", err)
		}

		label := fmt.Sprintf("Pothole %d%%", int(d.Confidence*100))
		y := rect.Min.Y - 8
		if y < 16 {
			y = rect.Min.Y + 20
		}
		if err := gocv.PutText(&mat, label, image.Pt(rect.Min.X, y), gocv.FontHersheySimplex, 0.7, red, 2); err != nil {
			return nil, fmt.Errorf("failed to draw text: %v", err)
		}
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{gocv.IMWriteJpegQuality, a.quality})
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %v", err)
	}
	defer buf.Close()

	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out, nil
}
