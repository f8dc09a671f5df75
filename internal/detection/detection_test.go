package detection

import (
	"errors"
	"image"
	"image/color"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"

	"potholecam/internal/logger"
)

type pred struct {
	x, y, w, h, conf float32
}

// makeOutput lays predictions out channel-major, padding to slots.
func makeOutput(slots int, preds ...pred) []float32 {
	out := make([]float32, OutputChannels*slots)
	for i, p := range preds {
		out[channelX*slots+i] = p.x
		out[channelY*slots+i] = p.y
		out[channelW*slots+i] = p.w
		out[channelH*slots+i] = p.h
		out[channelConf*slots+i] = p.conf
	}
	return out
}

// ========================================
// Decoder Tests
// ========================================

func TestDecode_ConvertsToInputPixels(t *testing.T) {
	out := makeOutput(4, pred{0.5, 0.5, 0.25, 0.125, 0.9})

	candidates, _ := Decode(out, 4, 640, 0.5)
	want := []Candidate{{Box: BoundingBox{Left: 240, Top: 280, Right: 400, Bottom: 360}, Confidence: 0.9}}

	if diff := cmp.Diff(want, candidates); diff != "" {
		t.Errorf("Decode mismatch (-want +got):\n%s", diff)
	}
}

func TestDecode_ThresholdIsInclusive(t *testing.T) {
	out := makeOutput(3,
		pred{0.5, 0.5, 0.25, 0.25, 0.5},
		pred{0.25, 0.25, 0.125, 0.125, 0.4999},
		pred{0.75, 0.75, 0.125, 0.125, 0.51},
	)

	candidates, _ := Decode(out, 3, 640, 0.5)
	if len(candidates) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].Confidence != 0.5 {
		t.Errorf("Expected confidence equal to threshold to be kept, got %v", candidates[0].Confidence)
	}
	if candidates[1].Confidence != 0.51 {
		t.Errorf("Expected second candidate 0.51, got %v", candidates[1].Confidence)
	}
}

func TestDecode_ClampsToInput(t *testing.T) {
	out := makeOutput(2, pred{0.0625, 0.96875, 0.25, 0.125, 0.8})

	candidates, _ := Decode(out, 2, 640, 0.5)
	if len(candidates) != 1 {
		t.Fatalf("Expected 1 candidate, got %d", len(candidates))
	}

	want := BoundingBox{Left: 0, Top: 580, Right: 120, Bottom: 640}
	if candidates[0].Box != want {
		t.Errorf("Expected %+v, got %+v", want, candidates[0].Box)
	}
}

func TestDecode_DropsDegenerateBoxes(t *testing.T) {
	out := makeOutput(3,
		pred{0.5, 0.5, 0, 0.25, 0.9},
		pred{0.5, 0.5, 0.25, 0, 0.9},
		pred{1.5, 0.5, 0.25, 0.25, 0.9}, // cały poza kadrem
	)

	candidates, peak := Decode(out, 3, 640, 0.5)
	if len(candidates) != 0 {
		t.Errorf("Expected no candidates, got %d", len(candidates))
	}
	if peak.Confidence != 0.9 || peak.Index != 0 {
		t.Errorf("Expected peak 0.9 at 0, got %v at %d", peak.Confidence, peak.Index)
	}
}

func TestDecode_PeakIgnoresThreshold(t *testing.T) {
	out := makeOutput(3,
		pred{0.5, 0.5, 0.1, 0.1, 0.1},
		pred{0.5, 0.5, 0.1, 0.1, 0.3},
		pred{0.5, 0.5, 0.1, 0.1, 0.2},
	)

	candidates, peak := Decode(out, 3, 640, 0.9)
	if len(candidates) != 0 {
		t.Errorf("Expected no candidates above 0.9, got %d", len(candidates))
	}
	if peak.Index != 1 || peak.Confidence != 0.3 {
		t.Errorf("Expected peak 0.3 at slot 1, got %v at %d", peak.Confidence, peak.Index)
	}
}

func TestDecode_AllZeroOutput(t *testing.T) {
	out := make([]float32, OutputChannels*8400)

	candidates, peak := Decode(out, 8400, 640, 0.5)
	if len(candidates) != 0 {
		t.Errorf("Expected no candidates, got %d", len(candidates))
	}
	if peak != (Peak{Index: 0, Confidence: 0}) {
		t.Errorf("Expected zero peak at slot 0, got %+v", peak)
	}
}

func TestDecode_ShortBuffer(t *testing.T) {
	candidates, peak := Decode(make([]float32, 9), 2, 640, 0.5)
	if candidates != nil {
		t.Errorf("Expected nil candidates, got %v", candidates)
	}
	if peak != (Peak{}) {
		t.Errorf("Expected empty peak, got %+v", peak)
	}
}

// ========================================
// NMS Tests
// ========================================

func box(l, t, r, b float32) BoundingBox {
	return BoundingBox{Left: l, Top: t, Right: r, Bottom: b}
}

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b BoundingBox
		want float32
	}{
		{"identical", box(0, 0, 100, 100), box(0, 0, 100, 100), 1},
		{"disjoint", box(0, 0, 10, 10), box(20, 20, 30, 30), 0},
		{"half", box(0, 0, 100, 100), box(0, 0, 100, 50), 0.5},
		{"touching edges", box(0, 0, 10, 10), box(10, 0, 20, 10), 0},
		{"zero area", box(5, 5, 5, 5), box(5, 5, 5, 5), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IoU(tt.a, tt.b); got != tt.want {
				t.Errorf("IoU = %v, expected %v", got, tt.want)
			}
		})
	}
}

func TestNMS_SuppressesOverlap(t *testing.T) {
	candidates := []Candidate{
		{Box: box(0, 0, 100, 100), Confidence: 0.9},
		{Box: box(10, 0, 110, 100), Confidence: 0.6},
		{Box: box(200, 200, 300, 300), Confidence: 0.7},
	}

	kept := NMS(candidates, DefaultIoUThreshold)
	if diff := cmp.Diff([]int{0, 2}, kept); diff != "" {
		t.Errorf("NMS mismatch (-want +got):\n%s", diff)
	}
}

func TestNMS_ThresholdIsExclusive(t *testing.T) {
	candidates := []Candidate{
		{Box: box(0, 0, 100, 100), Confidence: 0.9},
		{Box: box(0, 0, 100, 50), Confidence: 0.8},
	}

	kept := NMS(candidates, 0.5)
	if len(kept) != 2 {
		t.Errorf("Expected IoU equal to threshold to keep both, got %v", kept)
	}

	kept = NMS(candidates, 0.49)
	if diff := cmp.Diff([]int{0}, kept); diff != "" {
		t.Errorf("NMS mismatch (-want +got):\n%s", diff)
	}
}

func TestNMS_OrdersByConfidence(t *testing.T) {
	candidates := []Candidate{
		{Box: box(0, 0, 10, 10), Confidence: 0.3},
		{Box: box(100, 100, 110, 110), Confidence: 0.9},
		{Box: box(200, 200, 210, 210), Confidence: 0.6},
	}

	kept := NMS(candidates, 0.5)
	if diff := cmp.Diff([]int{1, 2, 0}, kept); diff != "" {
		t.Errorf("NMS mismatch (-want +got):\n%s", diff)
	}
}

func TestNMS_TiesKeepFirstSeen(t *testing.T) {
	candidates := []Candidate{
		{Box: box(0, 0, 100, 100), Confidence: 0.7},
		{Box: box(0, 0, 100, 100), Confidence: 0.7},
	}

	kept := NMS(candidates, 0.5)
	if diff := cmp.Diff([]int{0}, kept); diff != "" {
		t.Errorf("NMS mismatch (-want +got):\n%s", diff)
	}
}

func TestNMS_Idempotent(t *testing.T) {
	candidates := []Candidate{
		{Box: box(0, 0, 100, 100), Confidence: 0.9},
		{Box: box(5, 5, 105, 105), Confidence: 0.85},
		{Box: box(50, 0, 150, 100), Confidence: 0.8},
		{Box: box(300, 300, 400, 400), Confidence: 0.4},
		{Box: box(310, 310, 400, 400), Confidence: 0.35},
	}

	kept := NMS(candidates, 0.5)
	survivors := make([]Candidate, 0, len(kept))
	for _, idx := range kept {
		survivors = append(survivors, candidates[idx])
	}

	again := NMS(survivors, 0.5)
	if len(again) != len(survivors) {
		t.Errorf("Expected second pass to keep all %d boxes, kept %d", len(survivors), len(again))
	}
}

func TestNMS_Empty(t *testing.T) {
	if kept := NMS(nil, 0.5); kept != nil {
		t.Errorf("Expected nil, got %v", kept)
	}
}

// ========================================
// Preprocess Tests
// ========================================

func uniformImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestPreprocess_Layouts(t *testing.T) {
	img := uniformImage(32, 16, color.RGBA{R: 255, G: 0, B: 0, A: 255})
	const size = 8
	plane := size * size

	chw := Preprocess(img, size, LayoutCHW)
	if len(chw) != 3*plane {
		t.Fatalf("Expected %d values, got %d", 3*plane, len(chw))
	}
	if chw[0] != 1 || chw[plane] != 0 || chw[2*plane] != 0 {
		t.Errorf("Expected planar red (1,0,0), got (%v,%v,%v)", chw[0], chw[plane], chw[2*plane])
	}

	hwc := Preprocess(img, size, LayoutHWC)
	if hwc[0] != 1 || hwc[1] != 0 || hwc[2] != 0 {
		t.Errorf("Expected interleaved red (1,0,0), got (%v,%v,%v)", hwc[0], hwc[1], hwc[2])
	}
}

func TestParseLayout(t *testing.T) {
	if l, err := ParseLayout("chw"); err != nil || l != LayoutCHW {
		t.Errorf("Expected CHW, got %v, %v", l, err)
	}
	if l, err := ParseLayout("hwc"); err != nil || l != LayoutHWC {
		t.Errorf("Expected HWC, got %v, %v", l, err)
	}
	if _, err := ParseLayout("nchw"); err == nil {
		t.Error("Expected error for unknown layout")
	}
}

// ========================================
// Pipeline Tests
// ========================================

type fakeBackend struct {
	name   string
	output []float32
	err    error
	onRun  func()
	inputs int
	closed bool
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Run(input []float32) ([]float32, error) {
	f.inputs = len(input)
	if f.onRun != nil {
		f.onRun()
	}
	return f.output, f.err
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func TestPipeline_RescalesToFrame(t *testing.T) {
	mock := clock.NewMock()
	backend := &fakeBackend{
		name: "fake",
		output: makeOutput(3,
			pred{0.5, 0.5, 0.25, 0.25, 0.8},
			pred{0.5, 0.5, 0.25, 0.25, 0.3},
		),
		onRun: func() { mock.Add(25 * time.Millisecond) },
	}

	p := NewPipeline(backend, PipelineConfig{InputSize: 640, Slots: 3, Layout: LayoutCHW, Clock: mock})
	frame := image.NewRGBA(image.Rect(0, 0, 1280, 720))

	result, err := p.Detect(frame, 0.5)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	if backend.inputs != 3*640*640 {
		t.Errorf("Expected input of %d values, got %d", 3*640*640, backend.inputs)
	}
	if len(result.Detections) != 1 {
		t.Fatalf("Expected 1 detection, got %d", len(result.Detections))
	}

	want := BoundingBox{Left: 480, Top: 270, Right: 800, Bottom: 450}
	if result.Detections[0].Box != want {
		t.Errorf("Expected %+v, got %+v", want, result.Detections[0].Box)
	}
	if result.Detections[0].InferenceTime != 25*time.Millisecond {
		t.Errorf("Expected 25ms inference time, got %s", result.Detections[0].InferenceTime)
	}

	wantDiag := Diagnostics{
		MaxConfidence:            0.8,
		MaxConfidenceIndex:       0,
		CandidatesAboveThreshold: 1,
		KeptAfterNMS:             1,
		Backend:                  "fake",
		InferenceTime:            25 * time.Millisecond,
	}
	if diff := cmp.Diff(wantDiag, result.Diagnostics); diff != "" {
		t.Errorf("Diagnostics mismatch (-want +got):\n%s", diff)
	}
}

func TestPipeline_EmptyFrameIsNotAnError(t *testing.T) {
	backend := &fakeBackend{name: "fake", output: make([]float32, OutputChannels*16)}
	p := NewPipeline(backend, PipelineConfig{InputSize: 32, Slots: 16, Layout: LayoutHWC})

	result, err := p.Detect(image.NewRGBA(image.Rect(0, 0, 64, 64)), 0.5)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(result.Detections) != 0 {
		t.Errorf("Expected no detections, got %d", len(result.Detections))
	}
	if result.Diagnostics.Backend != "fake" {
		t.Errorf("Expected backend name in diagnostics, got %q", result.Diagnostics.Backend)
	}
}

func TestPipeline_InferenceErrors(t *testing.T) {
	backend := &fakeBackend{name: "fake", err: errors.New("device lost")}
	p := NewPipeline(backend, PipelineConfig{InputSize: 32, Slots: 16})

	if _, err := p.Detect(image.NewRGBA(image.Rect(0, 0, 64, 64)), 0.5); err == nil {
		t.Error("Expected inference error")
	}

	backend.err = nil
	backend.output = make([]float32, 10)
	if _, err := p.Detect(image.NewRGBA(image.Rect(0, 0, 64, 64)), 0.5); err == nil {
		t.Error("Expected error for short output")
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !backend.closed {
		t.Error("Expected backend to be closed")
	}
}

// ========================================
// Backend Chain Tests
// ========================================

func TestOpenBackend_FallsThrough(t *testing.T) {
	var tried []string
	released := false

	factories := []BackendFactory{
		{Name: "cuda", Open: func() (Backend, error) {
			tried = append(tried, "cuda")
			released = true // częściowo przydzielone zasoby zwolnione przed błędem
			return nil, errors.New("no CUDA device")
		}},
		{Name: "coreml", Open: func() (Backend, error) {
			tried = append(tried, "coreml")
			panic("provider not compiled in")
		}},
		{Name: "cpu", Open: func() (Backend, error) {
			tried = append(tried, "cpu")
			return &fakeBackend{name: "cpu"}, nil
		}},
	}

	backend, err := OpenBackend(factories, logger.NewNop())
	if err != nil {
		t.Fatalf("OpenBackend failed: %v", err)
	}
	if backend.Name() != "cpu" {
		t.Errorf("Expected cpu backend, got %s", backend.Name())
	}
	if diff := cmp.Diff([]string{"cuda", "coreml", "cpu"}, tried); diff != "" {
		t.Errorf("Order mismatch (-want +got):\n%s", diff)
	}
	if !released {
		t.Error("Expected failed backend to release its resources")
	}
}

func TestOpenBackend_StopsAtFirstSuccess(t *testing.T) {
	cpuTried := false
	factories := []BackendFactory{
		{Name: "cuda", Open: func() (Backend, error) { return &fakeBackend{name: "cuda"}, nil }},
		{Name: "cpu", Open: func() (Backend, error) {
			cpuTried = true
			return &fakeBackend{name: "cpu"}, nil
		}},
	}

	backend, err := OpenBackend(factories, logger.NewNop())
	if err != nil {
		t.Fatalf("OpenBackend failed: %v", err)
	}
	if backend.Name() != "cuda" {
		t.Errorf("Expected cuda backend, got %s", backend.Name())
	}
	if cpuTried {
		t.Error("Expected cpu not to be tried")
	}
}

func TestOpenBackend_AllFail(t *testing.T) {
	baseline := errors.New("model file missing")
	factories := []BackendFactory{
		{Name: "cuda", Open: func() (Backend, error) { return nil, errors.New("no device") }},
		{Name: "cpu", Open: func() (Backend, error) { return nil, baseline }},
	}

	_, err := OpenBackend(factories, logger.NewNop())
	if !errors.Is(err, baseline) {
		t.Errorf("Expected baseline error, got %v", err)
	}
	if !strings.Contains(err.Error(), "cpu") {
		t.Errorf("Expected error to name the baseline backend, got %v", err)
	}
}

func TestOpenBackend_NilBackendAndEmptyChain(t *testing.T) {
	if _, err := OpenBackend(nil, logger.NewNop()); !errors.Is(err, ErrNoBackend) {
		t.Errorf("Expected ErrNoBackend, got %v", err)
	}

	factories := []BackendFactory{
		{Name: "cpu", Open: func() (Backend, error) { return nil, nil }},
	}
	if _, err := OpenBackend(factories, logger.NewNop()); err == nil {
		t.Error("Expected error for nil backend")
	}
}
