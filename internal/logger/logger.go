package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"gopkg.in/natefinch/lumberjack.v2"

	"potholecam/internal/config"
)

// Logger provides leveled logging (debug/info/warning/error) to rotated
// per-level files and stdout/stderr.
type Logger struct {
	infoLog    *logrus.Logger
	warningLog *logrus.Logger
	errorLog   *logrus.Logger
	files      map[string]*lumberjack.Logger
	logDir     string
}

// NewLogger creates a Logger and ensures the log directory exists.
func NewLogger(cfg *config.Config) (*Logger, error) {
	if err := os.MkdirAll(cfg.LogDirectory, 0755); err != nil {
		return nil, err
	}

	l := &Logger{
		logDir: cfg.LogDirectory,
		files:  make(map[string]*lumberjack.Logger),
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}

	l.infoLog = l.newLevelLogger("info.log", os.Stdout, level)
	l.warningLog = l.newLevelLogger("warning.log", os.Stdout, level)
	l.errorLog = l.newLevelLogger("error.log", os.Stderr, level)
	return l, nil
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	discard := func() *logrus.Logger {
		lg := logrus.New()
		lg.SetOutput(io.Discard)
		return lg
	}
	return &Logger{
		infoLog:    discard(),
		warningLog: discard(),
		errorLog:   discard(),
		files:      map[string]*lumberjack.Logger{},
	}
}

func (l *Logger) newLevelLogger(fileName string, console io.Writer, level logrus.Level) *logrus.Logger {
	file := &lumberjack.Logger{
		Filename:   filepath.Join(l.logDir, fileName),
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     14,
	}
	l.files[fileName] = file

	lg := logrus.New()
	lg.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	lg.SetOutput(io.MultiWriter(console, file))
	lg.SetLevel(level)
	return lg
}

// Debug writes a formatted debug-level log entry to the info log.
func (l *Logger) Debug(format string, v ...interface{}) {
	l.infoLog.Debugf(format, v...)
}

// Info writes a formatted info-level log entry.
func (l *Logger) Info(format string, v ...interface{}) {
	l.infoLog.Infof(format, v...)
}

// Warning writes a formatted warning-level log entry.
func (l *Logger) Warning(format string, v ...interface{}) {
	l.warningLog.Warnf(format, v...)
}

// Error writes a formatted error-level log entry.
func (l *Logger) Error(format string, v ...interface{}) {
	l.errorLog.Errorf(format, v...)
}

// CleanLogs truncates the specified log file.
func (l *Logger) CleanLogs(fileName string) {
	file, ok := l.files[fileName]
	if !ok {
		l.Error("Unknown log file: %s", fileName)
		return
	}
	if err := file.Close(); err != nil {
		l.Error("Error closing log file %s: %v", fileName, err)
	}
	if err := os.Truncate(file.Filename, 0); err != nil && !os.IsNotExist(err) {
		l.Error("Error truncating log file %s: %v", fileName, err)
		return
	}
	l.Info("File content has been cleared.")
}

// Close flushes and closes all log files.
func (l *Logger) Close() error {
	var err error
	for _, f := range l.files {
		err = multierr.Append(err, f.Close())
	}
	return err
}
