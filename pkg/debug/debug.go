// Package debug is the agent's leveled logger.
//
// Output is disabled unless DEBUG is "true" or "1". LOG_LEVEL selects the
// minimum level (DEBUG, INFO, WARNING, ERROR) and defaults to INFO.
package debug

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLevel orders log severities.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarning
	LevelError
)

var levelNames = map[LogLevel]string{
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarning: "WARNING",
	LevelError:   "ERROR",
}

var (
	// IsEnabled gates all output.
	IsEnabled bool
	// CurrentLevel is the minimum level that is written.
	CurrentLevel = LevelInfo

	logger = log.New(os.Stderr, "", 0)
	mu     sync.Mutex
)

func init() {
	Reinitialize()
}

// Reinitialize re-reads DEBUG and LOG_LEVEL from the environment.
func Reinitialize() {
	mu.Lock()
	defer mu.Unlock()

	v := strings.ToLower(strings.TrimSpace(os.Getenv("DEBUG")))
	IsEnabled = v == "true" || v == "1"
	CurrentLevel = ParseLevel(os.Getenv("LOG_LEVEL"))
}

// ParseLevel maps a level name to a LogLevel. Unknown names yield LevelInfo.
func ParseLevel(name string) LogLevel {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "WARN" {
		return LevelWarning
	}
	for level, n := range levelNames {
		if n == name {
			return level
		}
	}
	return LevelInfo
}

// SetOutput redirects log output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = log.New(w, "", 0)
}

// Enable turns logging on at the given level regardless of the environment.
func Enable(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	IsEnabled = true
	CurrentLevel = level
}

// Log writes a message at level if logging is enabled and the level passes.
func Log(level LogLevel, format string, args ...interface{}) {
	output(level, format, args...)
}

func Debug(format string, args ...interface{}) {
	output(LevelDebug, format, args...)
}

func Info(format string, args ...interface{}) {
	output(LevelInfo, format, args...)
}

func Warning(format string, args ...interface{}) {
	output(LevelWarning, format, args...)
}

func Error(format string, args ...interface{}) {
	output(LevelError, format, args...)
}

// output must be called directly by an exported logging function so the
// reported file:line is that function's caller.
func output(level LogLevel, format string, args ...interface{}) {
	if !IsEnabled || level < CurrentLevel {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file, line = "???", 0
	}

	msg := fmt.Sprintf(format, args...)
	logger.Printf("[%s] [%s] [%s:%d] %s",
		time.Now().Format("2006-01-02 15:04:05.000"),
		levelNames[level],
		filepath.Base(file), line,
		msg)
}
