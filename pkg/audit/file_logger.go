package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const currentLogName = "decisions.log"

// FileLogger appends decision records as JSON lines and rotates by size
type FileLogger struct {
	basePath string
	file     *os.File
	mu       sync.Mutex
	encoder  *json.Encoder
	maxSize  int64
	maxFiles int
	logger   *logrus.Logger
}

// FileLoggerConfig configures the file logger
type FileLoggerConfig struct {
	BasePath string // directory holding the log files
	MaxSize  int64  // bytes before rotation (default: 100MB)
	MaxFiles int    // rotated files to keep (default: 10)
}

// NewFileLogger creates the directory and opens the current log file
func NewFileLogger(config FileLoggerConfig, logger *logrus.Logger) (*FileLogger, error) {
	if err := os.MkdirAll(config.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	l := &FileLogger{
		basePath: config.BasePath,
		maxSize:  config.MaxSize,
		maxFiles: config.MaxFiles,
		logger:   logger,
	}
	if l.maxSize <= 0 {
		l.maxSize = 100 * 1024 * 1024
	}
	if l.maxFiles <= 0 {
		l.maxFiles = 10
	}

	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *FileLogger) currentPath() string {
	return filepath.Join(l.basePath, currentLogName)
}

func (l *FileLogger) openLogFile() error {
	if info, err := os.Stat(l.currentPath()); err == nil && info.Size() >= l.maxSize {
		if err := l.rotateFile(); err != nil {
			return fmt.Errorf("failed to rotate log file: %w", err)
		}
	}

	file, err := os.OpenFile(l.currentPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	l.file = file
	l.encoder = json.NewEncoder(file)
	return nil
}

func (l *FileLogger) rotateFile() error {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	rotated := filepath.Join(l.basePath,
		fmt.Sprintf("decisions-%s.log", time.Now().UTC().Format("20060102T150405.000000000")))
	if err := os.Rename(l.currentPath(), rotated); err != nil {
		return fmt.Errorf("failed to rename log file: %w", err)
	}

	if err := l.cleanupOldFiles(); err != nil {
		l.logger.WithError(err).Warn("Failed to clean up old audit logs")
	}
	return nil
}

// cleanupOldFiles keeps the newest maxFiles rotated files
func (l *FileLogger) cleanupOldFiles() error {
	files, err := l.RotatedFiles()
	if err != nil {
		return err
	}
	if len(files) <= l.maxFiles {
		return nil
	}
	for _, file := range files[:len(files)-l.maxFiles] {
		if err := os.Remove(file); err != nil {
			l.logger.WithError(err).Warnf("Failed to remove old audit log %s", file)
		}
	}
	return nil
}

// RotatedFiles lists the rotated log files, oldest first
func (l *FileLogger) RotatedFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.basePath, "decisions-*.log"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// LogDecision appends rec to the current file
func (l *FileLogger) LogDecision(_ context.Context, rec *DecisionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return fmt.Errorf("audit log file is closed")
	}
	if info, err := l.file.Stat(); err == nil && info.Size() >= l.maxSize {
		if err := l.openLogFile(); err != nil {
			return err
		}
	}

	if err := l.encoder.Encode(rec); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// Close closes the current file
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// ReadDecisions reads up to count records from the current file; count <= 0 reads all
func (l *FileLogger) ReadDecisions(count int) ([]*DecisionRecord, error) {
	file, err := os.Open(l.currentPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer file.Close()

	var records []*DecisionRecord
	decoder := json.NewDecoder(file)
	for {
		var rec DecisionRecord
		if err := decoder.Decode(&rec); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to decode audit log entry: %w", err)
		}
		records = append(records, &rec)
		if count > 0 && len(records) >= count {
			break
		}
	}
	return records, nil
}
