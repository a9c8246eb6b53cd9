// Package logging configures logrus output, level and file rotation.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/receiptflow/receiptflow/internal/config"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the standard logger. The returned func closes the log file, if any.
func Setup(cfg config.LogConfig) (func() error, error) {
	return Configure(log.StandardLogger(), cfg, os.Stdout)
}

// Configure applies cfg to logger, writing to console and, when cfg.File is set,
// to a rotated log file as well.
func Configure(logger *log.Logger, cfg config.LogConfig, console io.Writer) (func() error, error) {
	level := log.InfoLevel
	if raw := strings.TrimSpace(cfg.Level); raw != "" {
		parsed, errLevel := log.ParseLevel(raw)
		if errLevel != nil {
			return nil, fmt.Errorf("logging: %w", errLevel)
		}
		level = parsed
	}

	if cfg.JSON {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	logger.SetLevel(level)

	closeFn := func() error { return nil }
	out := console
	if file := strings.TrimSpace(cfg.File); file != "" {
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		if out == nil {
			out = rotator
		} else {
			out = io.MultiWriter(console, rotator)
		}
		closeFn = rotator.Close
	}
	if out == nil {
		out = io.Discard
	}
	logger.SetOutput(out)
	return closeFn, nil
}
