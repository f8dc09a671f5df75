package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port         int
	StatusAPIKey string
	LogDirectory string
	LogLevel     string

	ModelPath           string
	OnnxRuntimeLib      string
	Backends            []string // Kolejność prób: najszybszy najpierw, CPU na końcu
	ModelInputSize      int
	ModelSlots          int
	TensorLayout        string
	ConfidenceThreshold float32
	IoUThreshold        float32
	FrameSkipRate       int // Co którą klatkę przetwarzać (1=każdą, 2=co drugą)

	DedupRadiusMeters float64
	DedupWindow       time.Duration
	DedupCapacity     int

	DatabasePath   string
	ImageDirectory string
	JPEGQuality    int

	APIBaseURL     string
	AuthEmail      string
	AuthPassword   string
	VehicleID      string
	MaxFailures    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	RetryAttempts  int
	MaxReauth      int
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	SweepInterval  time.Duration

	CameraDevice string
	CamerasPort  int
	Latitude     float64
	Longitude    float64
	HasLocation  bool
}

// Load reads an optional .env file and then the process environment.
func Load() *Config {
	// Brak pliku .env nie jest błędem
	_ = godotenv.Load()

	lat, latOK := lookupFloat("LATITUDE")
	lon, lonOK := lookupFloat("LONGITUDE")

	cfg := &Config{
		Port:         getEnvAsInt("PORT", 8080),
		StatusAPIKey: getEnv("STATUS_API_KEY", ""),
		LogDirectory: getEnv("LOG_DIR", filepath.Join(".", "logs")),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		ModelPath:           getEnv("MODEL_PATH", filepath.Join(".", "models", "pothole.onnx")),
		OnnxRuntimeLib:      getEnv("ONNXRUNTIME_LIB", ""),
		Backends:            getEnvAsList("BACKENDS", []string{"cuda", "coreml", "cpu"}),
		ModelInputSize:      getEnvAsInt("MODEL_INPUT_SIZE", 640),
		ModelSlots:          getEnvAsInt("MODEL_SLOTS", 8400),
		TensorLayout:        getEnv("TENSOR_LAYOUT", "chw"),
		ConfidenceThreshold: float32(getEnvAsFloat("CONFIDENCE_THRESHOLD", 0.5)),
		IoUThreshold:        float32(getEnvAsFloat("IOU_THRESHOLD", 0.5)),
		FrameSkipRate:       getEnvAsInt("FRAME_SKIP_RATE", 2),

		DedupRadiusMeters: getEnvAsFloat("DEDUP_RADIUS_METERS", 10),
		DedupWindow:       getEnvAsDuration("DEDUP_WINDOW", 60*time.Second),
		DedupCapacity:     getEnvAsInt("DEDUP_CAPACITY", 100),

		DatabasePath:   getEnv("DB_PATH", filepath.Join(".", "data", "uploads.db")),
		ImageDirectory: getEnv("IMAGE_DIR", filepath.Join(".", "pothole_images")),
		JPEGQuality:    getEnvAsInt("JPEG_QUALITY", 85),

		APIBaseURL:     getEnv("API_BASE_URL", "https://api.potholesystem.tech"),
		AuthEmail:      getEnv("AUTH_EMAIL", ""),
		AuthPassword:   getEnv("AUTH_PASSWORD", ""),
		VehicleID:      getEnv("VEHICLE_ID", "22222222-0000-0000-0000-000000000001"),
		MaxFailures:    getEnvAsInt("MAX_FAILURES", 5),
		RetryBaseDelay: getEnvAsDuration("RETRY_BASE_DELAY", 30*time.Second),
		RetryMaxDelay:  getEnvAsDuration("RETRY_MAX_DELAY", time.Hour),
		RetryAttempts:  getEnvAsInt("RETRY_MAX_ATTEMPTS", 10),
		MaxReauth:      getEnvAsInt("MAX_REAUTH", 1),
		ConnectTimeout: getEnvAsDuration("CONNECT_TIMEOUT", 10*time.Second),
		RequestTimeout: getEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
		SweepInterval:  getEnvAsDuration("SWEEP_INTERVAL", 15*time.Minute),

		CameraDevice: getEnv("CAMERA_DEVICE", ""),
		CamerasPort:  getEnvAsInt("CAMERAS_PORT", 0),
		Latitude:     lat,
		Longitude:    lon,
		HasLocation:  latOK && lonOK,
	}

	cfg.Validate()
	return cfg
}

// Validate clamps user-tunable detection settings into the ranges the
// pipeline supports.
func (c *Config) Validate() {
	c.FrameSkipRate = clampInt(c.FrameSkipRate, 1, 10)
	if c.ConfidenceThreshold < 0.01 {
		c.ConfidenceThreshold = 0.01
	}
	if c.ConfidenceThreshold > 1 {
		c.ConfidenceThreshold = 1
	}
	if c.IoUThreshold <= 0 || c.IoUThreshold > 1 {
		c.IoUThreshold = 0.5
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		c.JPEGQuality = 85
	}
	if c.MaxFailures < 1 {
		c.MaxFailures = 1
	}
	if c.MaxReauth < 0 {
		c.MaxReauth = 0
	}
}

// CheckModel reports settings that make the model unusable.
func (c *Config) CheckModel() error {
	if c.ModelInputSize <= 0 {
		return fmt.Errorf("invalid MODEL_INPUT_SIZE: %d", c.ModelInputSize)
	}
	if c.ModelSlots <= 0 {
		return fmt.Errorf("invalid MODEL_SLOTS: %d", c.ModelSlots)
	}
	if c.TensorLayout != "chw" && c.TensorLayout != "hwc" {
		return fmt.Errorf("invalid TENSOR_LAYOUT: %q", c.TensorLayout)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, ok := lookupFloat(key); ok {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func lookupFloat(key string) (float64, bool) {
	value := os.Getenv(key)
	if value == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
