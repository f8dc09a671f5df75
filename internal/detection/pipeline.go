package detection

import (
	"fmt"
	"image"
	"sync"

	"github.com/benbjohnson/clock"
)

// Pipeline owns one backend and turns frames into detections.
type Pipeline struct {
	backend      Backend
	inputSize    int
	slots        int
	layout       Layout
	iouThreshold float32
	clock        clock.Clock

	mu sync.Mutex // jedna sesja natywna, jedno wywołanie naraz
}

// PipelineConfig describes the fixed model geometry.
type PipelineConfig struct {
	InputSize    int
	Slots        int
	Layout       Layout
	IoUThreshold float32
	Clock        clock.Clock
}

// NewPipeline takes ownership of backend; Close releases it.
func NewPipeline(backend Backend, cfg PipelineConfig) *Pipeline {
	if cfg.IoUThreshold <= 0 {
		cfg.IoUThreshold = DefaultIoUThreshold
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Pipeline{
		backend:      backend,
		inputSize:    cfg.InputSize,
		slots:        cfg.Slots,
		layout:       cfg.Layout,
		iouThreshold: cfg.IoUThreshold,
		clock:        cfg.Clock,
	}
}

// Backend returns the name of the compute backend in use.
func (p *Pipeline) Backend() string {
	return p.backend.Name()
}

// Detect runs preprocess, inference, decode, NMS and rescale for one frame.
// An empty result is not an error; errors come only from inference.
func (p *Pipeline) Detect(frame image.Image, threshold float32) (Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.clock.Now()

	input := Preprocess(frame, p.inputSize, p.layout)
	output, err := p.backend.Run(input)
	if err != nil {
		return Result{}, fmt.Errorf("inference on %s failed: %w", p.backend.Name(), err)
	}
	if len(output) < OutputChannels*p.slots {
		return Result{}, fmt.Errorf("unexpected output size %d, want %d", len(output), OutputChannels*p.slots)
	}

	candidates, peak := Decode(output, p.slots, p.inputSize, threshold)
	kept := NMS(candidates, p.iouThreshold)
	elapsed := p.clock.Since(start)

	bounds := frame.Bounds()
	sx := float32(bounds.Dx()) / float32(p.inputSize)
	sy := float32(bounds.Dy()) / float32(p.inputSize)

	detections := make([]Detection, 0, len(kept))
	for _, idx := range kept {
		c := candidates[idx]
		detections = append(detections, Detection{
			Box:           c.Box.Scale(sx, sy),
			Confidence:    c.Confidence,
			InferenceTime: elapsed,
		})
	}

	return Result{
		Detections: detections,
		Diagnostics: Diagnostics{
			MaxConfidence:            peak.Confidence,
			MaxConfidenceIndex:       peak.Index,
			CandidatesAboveThreshold: len(candidates),
			KeptAfterNMS:             len(kept),
			Backend:                  p.backend.Name(),
			InferenceTime:            elapsed,
		},
	}, nil
}

// Close releases the backend.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backend.Close()
}
