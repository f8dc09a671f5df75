// Package onnx provides ONNX Runtime compute backends for the detection
// pipeline, one factory per execution provider.
package onnx

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"

	"potholecam/internal/detection"
)

const (
	inputName  = "images"
	outputName = "output0"
	numThreads = 4
)

// Model describes the model file and its fixed tensor geometry.
type Model struct {
	Path      string
	LibPath   string
	InputSize int
	Slots     int
	Layout    detection.Layout
}

var (
	envOnce sync.Once
	envErr  error
)

// initEnvironment loads the shared library once per process.
func initEnvironment(libPath string) error {
	envOnce.Do(func() {
		if libPath == "" {
			libPath = defaultSharedLibPath()
		}
		ort.SetSharedLibraryPath(libPath)
		envErr = ort.InitializeEnvironment()
	})
	return envErr
}

// defaultSharedLibPath returns the ONNXRuntime shared library path based on OS.
func defaultSharedLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.dylib"
		}
		return "./third_party/onnxruntime.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	}
}

// session is a ready-to-run backend with pre-allocated tensors.
type session struct {
	name    string
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func (s *session) Name() string { return s.name }

func (s *session) Run(input []float32) ([]float32, error) {
	dst := s.input.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("input has %d values, tensor expects %d", len(input), len(dst))
	}
	copy(dst, input)
	if err := s.session.Run(); err != nil {
		return nil, err
	}
	out := s.output.GetData()
	result := make([]float32, len(out))
	copy(result, out)
	return result, nil
}

func (s *session) Close() error {
	return multierr.Combine(
		s.session.Destroy(),
		s.input.Destroy(),
		s.output.Destroy(),
	)
}

// provider appends an execution provider to options and returns a release
// func for anything it allocated.
type provider func(options *ort.SessionOptions) (release func() error, err error)

// Factories returns backend factories for the named providers in order.
// Unknown names are skipped; "cpu" is always appended last if missing.
func Factories(model Model, names []string) []detection.BackendFactory {
	var factories []detection.BackendFactory
	hasCPU := false
	for _, name := range names {
		name = strings.ToLower(name)
		p, ok := providers[name]
		if !ok {
			continue
		}
		if name == "cpu" {
			hasCPU = true
		}
		factories = append(factories, factory(model, strings.ToUpper(name), p))
	}
	if !hasCPU {
		factories = append(factories, factory(model, "CPU", providers["cpu"]))
	}
	return factories
}

var providers = map[string]provider{
	"cuda": func(options *ort.SessionOptions) (func() error, error) {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, err
		}
		if err := cudaOptions.Update(map[string]string{"device_id": "0"}); err != nil {
			return nil, multierr.Append(err, cudaOptions.Destroy())
		}
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return nil, multierr.Append(err, cudaOptions.Destroy())
		}
		return cudaOptions.Destroy, nil
	},
	"coreml": func(options *ort.SessionOptions) (func() error, error) {
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return nil, err
		}
		return func() error { return nil }, nil
	},
	"cpu": func(options *ort.SessionOptions) (func() error, error) {
		return func() error { return nil }, nil
	},
}

func factory(model Model, name string, appendProvider provider) detection.BackendFactory {
	return detection.BackendFactory{
		Name: name,
		Open: func() (detection.Backend, error) {
			return open(model, name, appendProvider)
		},
	}
}

// open acquires options, provider, tensors and session in order. Everything
// acquired is released when a later step fails.
func open(model Model, name string, appendProvider provider) (backend detection.Backend, err error) {
	if err := initEnvironment(model.LibPath); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	var releases []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(releases) - 1; i >= 0; i-- {
			err = multierr.Append(err, releases[i]())
		}
	}()

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	// Opcje są potrzebne tylko przy tworzeniu sesji
	defer options.Destroy()

	if err = options.SetIntraOpNumThreads(numThreads); err != nil {
		return nil, err
	}

	releaseProvider, err := appendProvider(options)
	if err != nil {
		return nil, fmt.Errorf("append %s provider: %w", name, err)
	}
	releases = append(releases, releaseProvider)

	size := int64(model.InputSize)
	inputShape := ort.NewShape(1, 3, size, size)
	if model.Layout == detection.LayoutHWC {
		inputShape = ort.NewShape(1, size, size, 3)
	}
	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, err
	}
	releases = append(releases, inputTensor.Destroy)

	outputShape := ort.NewShape(1, detection.OutputChannels, int64(model.Slots))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		return nil, err
	}
	releases = append(releases, outputTensor.Destroy)

	advanced, err := ort.NewAdvancedSession(
		model.Path,
		[]string{inputName},
		[]string{outputName},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		return nil, err
	}
	releases = append(releases, advanced.Destroy)

	// Warm up the session; some providers only fail on the first run.
	if err = advanced.Run(); err != nil {
		return nil, fmt.Errorf("warm-up run: %w", err)
	}

	// The provider options must outlive the session.
	s := &session{
		name:    name,
		session: advanced,
		input:   inputTensor,
		output:  outputTensor,
	}
	return &withRelease{session: s, release: releaseProvider}, nil
}

// withRelease frees provider options after the session is destroyed.
type withRelease struct {
	*session
	release func() error
}

func (w *withRelease) Close() error {
	return multierr.Append(w.session.Close(), w.release())
}
