package detection

import (
	"fmt"
	"image"

	"github.com/nfnt/resize"
)

// Layout is the memory order of the input tensor.
type Layout int

const (
	// LayoutHWC is S x S x 3, interleaved channels.
	LayoutHWC Layout = iota
	// LayoutCHW is 3 x S x S, planar channels (ONNX YOLO exports).
	LayoutCHW
)

// ParseLayout maps "hwc"/"chw" to a Layout.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "hwc":
		return LayoutHWC, nil
	case "chw":
		return LayoutCHW, nil
	}
	return LayoutHWC, fmt.Errorf("unknown tensor layout %q", s)
}

// Preprocess resizes img to size x size with bilinear interpolation and
// normalizes RGB values from 0-255 to 0-1.
func Preprocess(img image.Image, size int, layout Layout) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)
	bounds := resized.Bounds()

	plane := size * size
	input := make([]float32, plane*3)

	idx := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rf := float32(r>>8) / 255.0
			gf := float32(g>>8) / 255.0
			bf := float32(b>>8) / 255.0

			if layout == LayoutCHW {
				input[idx] = rf
				input[idx+plane] = gf
				input[idx+2*plane] = bf
			} else {
				input[idx*3] = rf
				input[idx*3+1] = gf
				input[idx*3+2] = bf
			}
			idx++
		}
	}

	return input
}
