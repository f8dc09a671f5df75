// Package capture reads frames from a local camera or stream.
package capture

import (
	"context"
	"fmt"
	"strconv"

	"gocv.io/x/gocv"

	"potholecam/internal/logger"
)

// FrameHandler receives JPEG-encoded frames.
type FrameHandler interface {
	HandleFrame(frame []byte)
}

// Device captures from a camera index ("0") or a stream URL.
type Device struct {
	source  string
	quality int
	logger  *logger.Logger
}

// NewDevice creates a capture device. Nothing is opened until Run.
func NewDevice(source string, quality int, logger *logger.Logger) *Device {
	return &Device{source: source, quality: quality, logger: logger}
}

// Run reads frames until ctx is done or the source fails, handing each one
// to h as JPEG.
func (d *Device) Run(ctx context.Context, h FrameHandler) error {
	var device interface{} = d.source
	if id, err := strconv.Atoi(d.source); err == nil {
		device = id
	}

	webcam, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return fmt.Errorf("failed to open capture %s: %w", d.source, err)
	}
	defer webcam.Close()
	webcam.Set(gocv.VideoCaptureBufferSize, 1)

	d.logger.Info("Capturing from %s", d.source)

	img := gocv.NewMat()
	defer img.Close()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		if ok := webcam.Read(&img); !ok {
			return fmt.Errorf("cannot read capture device %s", d.source)
		}
		if img.Empty() {
			continue
		}

		buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, d.quality})
		if err != nil {
			d.logger.Warning("Failed to encode captured frame: %v", err)
			continue
		}
		frame := make([]byte, buf.Len())
		copy(frame, buf.GetBytes())
		buf.Close()

		h.HandleFrame(frame)
	}
}
