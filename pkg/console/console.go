// Package console prints operator-facing status lines.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var (
	writer io.Writer = color.Output
	mu     sync.Mutex

	infoTag    = color.New(color.FgBlue).SprintFunc()
	successTag = color.New(color.FgGreen).SprintFunc()
	warnTag    = color.New(color.FgYellow).SprintFunc()
	errorTag   = color.New(color.FgRed, color.Bold).SprintFunc()
	statusTag  = color.New(color.FgCyan).SprintFunc()
)

// SetWriter sets the output writer (useful for testing).
func SetWriter(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	writer = w
}

// Print outputs a message to the console.
func Print(format string, args ...interface{}) {
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintln(writer, fmt.Sprintf(format, args...))
}

func Info(format string, args ...interface{}) {
	Print("["+infoTag("INFO")+"] "+format, args...)
}

func Success(format string, args ...interface{}) {
	Print("["+successTag("OK")+"] "+format, args...)
}

func Warning(format string, args ...interface{}) {
	Print("["+warnTag("WARN")+"] "+format, args...)
}

func Error(format string, args ...interface{}) {
	Print("["+errorTag("ERROR")+"] "+format, args...)
}

func Status(format string, args ...interface{}) {
	Print("["+statusTag("*")+"] "+format, args...)
}

// ProgressBar renders fraction (0..1) as a fixed-width bar with a percentage.
func ProgressBar(fraction float64, width int) string {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	filled := int(float64(width) * fraction)

	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(strings.Repeat("=", filled))
	if filled < width {
		b.WriteByte('>')
		b.WriteString(strings.Repeat(" ", width-filled-1))
	}
	b.WriteByte(']')
	return fmt.Sprintf("%s %6.2f%%", b.String(), fraction*100)
}

// FormatDuration formats a duration as "1h 2m 3s", dropping leading zero units.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		return "calculating..."
	}
	seconds := int(d.Round(time.Second) / time.Second)
	hours := seconds / 3600
	minutes := (seconds % 3600) / 60
	secs := seconds % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, secs)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, secs)
	}
	return fmt.Sprintf("%ds", secs)
}

// TaskLine formats one line summarizing a task's progress.
func TaskLine(taskID, stage string, progress float64, elapsed time.Duration) string {
	if stage == "" {
		stage = "running"
	}
	return fmt.Sprintf("%s %s | %s | %s", taskID, ProgressBar(progress, 30), stage, FormatDuration(elapsed))
}
