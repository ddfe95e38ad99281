package logger

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig holds configuration for file-based log output with rotation.
type FileConfig struct {
	Path string
	// MaxSizeMB is the size that triggers rotation. Zero means 100.
	MaxSizeMB int
	// MaxFiles is the number of rotated files kept. Zero keeps all.
	MaxFiles int
}

// NewFileWriter returns a writer that appends to cfg.Path and rotates it by
// size, gzipping old files.
func NewFileWriter(cfg FileConfig) io.Writer {
	path := cfg.Path
	if path == "" {
		path = "email-worker.log"
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxFiles,
		LocalTime:  false,
		Compress:   true,
	}
}
