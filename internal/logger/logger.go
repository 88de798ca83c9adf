package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

var (
	mu sync.RWMutex

	debugLogger *log.Logger

	DebugEnabled = false

	logFile *os.File
)

// InitLogging sets up logging based on configuration. Nothing is logged unless
// debugMode is set.
func InitLogging(debugMode bool, logPath string) error {
	mu.Lock()
	defer mu.Unlock()

	DebugEnabled = debugMode

	if DebugEnabled && logPath != "" {
		logDir := filepath.Dir(logPath)

		err := os.MkdirAll(logDir, 0o755)
		if err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		logFile = f
		debugLogger = log.New(f, "", log.Ldate|log.Ltime|log.Lshortfile)
	}

	return nil
}

// SetOutput enables logging to w, replacing any log file.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	DebugEnabled = w != nil
	if w == nil {
		debugLogger = nil
		return
	}

	debugLogger = log.New(w, "", log.Ldate|log.Ltime|log.Lshortfile)
}

// Close closes the log file if open.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func output(level, format string, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()

	if DebugEnabled && debugLogger != nil {
		_ = debugLogger.Output(3, fmt.Sprintf(level+format, v...))
	}
}

func Infof(format string, v ...interface{}) {
	output("[INFO] ", format, v...)
}

// Errorf logs an error message if debug mode is enabled.
func Errorf(format string, v ...interface{}) {
	output("[ERROR] ", format, v...)
}

func Debugf(format string, v ...interface{}) {
	output("[DEBUG] ", format, v...)
}

func Warnf(format string, v ...interface{}) {
	output("[WARNING] ", format, v...)
}
