package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	FATAL
)

var (
	logLevelNames = map[LogLevel]string{
		DEBUG: "DEBUG",
		INFO:  "INFO",
		WARN:  "WARN",
		ERROR: "ERROR",
		FATAL: "FATAL",
	}

	zapLevels = map[LogLevel]zapcore.Level{
		DEBUG: zapcore.DebugLevel,
		INFO:  zapcore.InfoLevel,
		WARN:  zapcore.WarnLevel,
		ERROR: zapcore.ErrorLevel,
		FATAL: zapcore.FatalLevel,
	}

	currentLevel = INFO
	atomicLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger       *Logger
	once         sync.Once
	mu           sync.RWMutex
)

type Logger struct {
	base     *zap.Logger
	sink     *fileSink
	filePath string
}

func init() {
	once.Do(func() {
		sink := &fileSink{}
		logger = &Logger{sink: sink}
		logger.base = zap.New(zapcore.NewTee(consoleCore(), fileCore(sink)), zap.AddCaller())
	})
}

// fileSink is the swappable target of the file core. Loggers handed out by
// Zap keep the same core, so enabling or disabling file logging reaches
// them too. With no file set, the file core is disabled at every level.
type fileSink struct {
	mu   sync.RWMutex
	file *os.File
}

func (s *fileSink) Write(p []byte) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return len(p), nil
	}
	return s.file.Write(p)
}

func (s *fileSink) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}

func (s *fileSink) active() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file != nil
}

// swap installs f and returns the previous file, synced, for the caller to close.
func (s *fileSink) swap(f *os.File) *os.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.file
	if prev != nil {
		_ = prev.Sync()
	}
	s.file = f
	return prev
}

func consoleCore() zapcore.Core {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.ConsoleSeparator = " "
	return zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), atomicLevel)
}

func fileCore(sink *fileSink) zapcore.Core {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	enabled := zap.LevelEnablerFunc(func(l zapcore.Level) bool {
		return sink.active() && atomicLevel.Enabled(l)
	})
	return zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), sink, enabled)
}

func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
	atomicLevel.SetLevel(zapLevels[level])
}

func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// ParseLevel maps a case-insensitive level name to a LogLevel.
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "DEBUG":
		return DEBUG, nil
	case "", "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	case "FATAL":
		return FATAL, nil
	}
	return INFO, fmt.Errorf("unknown log level %q", name)
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

func EnableFileLogging(filePath string) error {
	mu.Lock()
	defer mu.Unlock()

	// Expand home directory in path
	if strings.HasPrefix(filePath, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			filePath = filepath.Join(home, filePath[2:])
		}
	}

	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	if prev := logger.sink.swap(file); prev != nil {
		prev.Close()
	}
	logger.filePath = filePath
	return nil
}

func DisableFileLogging() {
	mu.Lock()
	defer mu.Unlock()

	if prev := logger.sink.swap(nil); prev != nil {
		prev.Close()
	}
	logger.filePath = ""
}

// Zap returns a named zap logger sharing the package sinks, for libraries
// that take a *zap.Logger directly.
func Zap(component string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if component == "" {
		return logger.base
	}
	return logger.base.Named(component)
}

func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = logger.base.Sync()
}

func logMessage(level LogLevel, component string, message string, fields map[string]interface{}) {
	if level < GetLevel() {
		return
	}

	mu.RLock()
	base := logger.base
	mu.RUnlock()

	zapFields := make([]zap.Field, 0, len(fields)+1)
	if component != "" {
		zapFields = append(zapFields, zap.String("component", component))
	}
	zapFields = append(zapFields, formatFields(fields)...)

	// Skip logMessage and the exported wrapper so the caller is the real call site.
	ce := base.WithOptions(zap.AddCallerSkip(2)).Check(zapLevels[level], message)
	if ce != nil {
		ce.Write(zapFields...)
	}
}

func formatFields(fields map[string]interface{}) []zap.Field {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		switch v := fields[k].(type) {
		case error:
			out = append(out, zap.NamedError(k, v))
		default:
			out = append(out, zap.Any(k, v))
		}
	}
	return out
}

func Debug(message string) {
	logMessage(DEBUG, "", message, nil)
}

func DebugC(component string, message string) {
	logMessage(DEBUG, component, message, nil)
}

func DebugF(message string, fields map[string]interface{}) {
	logMessage(DEBUG, "", message, fields)
}

func DebugCF(component string, message string, fields map[string]interface{}) {
	logMessage(DEBUG, component, message, fields)
}

func Info(message string) {
	logMessage(INFO, "", message, nil)
}

func InfoC(component string, message string) {
	logMessage(INFO, component, message, nil)
}

func InfoF(message string, fields map[string]interface{}) {
	logMessage(INFO, "", message, fields)
}

func InfoCF(component string, message string, fields map[string]interface{}) {
	logMessage(INFO, component, message, fields)
}

func Warn(message string) {
	logMessage(WARN, "", message, nil)
}

func WarnC(component string, message string) {
	logMessage(WARN, component, message, nil)
}

func WarnF(message string, fields map[string]interface{}) {
	logMessage(WARN, "", message, fields)
}

func WarnCF(component string, message string, fields map[string]interface{}) {
	logMessage(WARN, component, message, fields)
}

func Error(message string) {
	logMessage(ERROR, "", message, nil)
}

func ErrorC(component string, message string) {
	logMessage(ERROR, component, message, nil)
}

func ErrorF(message string, fields map[string]interface{}) {
	logMessage(ERROR, "", message, fields)
}

func ErrorCF(component string, message string, fields map[string]interface{}) {
	logMessage(ERROR, component, message, fields)
}

func Fatal(message string) {
	logMessage(FATAL, "", message, nil)
}

func FatalC(component string, message string) {
	logMessage(FATAL, component, message, nil)
}

func FatalF(message string, fields map[string]interface{}) {
	logMessage(FATAL, "", message, fields)
}

func FatalCF(component string, message string, fields map[string]interface{}) {
	logMessage(FATAL, component, message, fields)
}
