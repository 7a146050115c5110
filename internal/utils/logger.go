// internal/utils/logger.go
package utils

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions 日志配置
type LogOptions struct {
	Level      string // debug, info, warn, error
	Format     string // json, text
	Output     string // stdout, file, both
	FilePath   string // logs/app.log
	MaxSize    int    // MB
	MaxBackups int
	MaxAge     int // 天
	Compress   bool
}

// DefaultLogOptions 默认日志配置
func DefaultLogOptions() LogOptions {
	return LogOptions{
		Level:      "info",
		Format:     "text",
		Output:     "stdout",
		FilePath:   "logs/app.log",
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     30,
		Compress:   true,
	}
}

// Logger 结构化日志，底层使用 slog
type Logger struct {
	mu      sync.RWMutex
	handler slog.Handler
	closer  io.Closer
	enabled bool
}

var (
	globalLogger *Logger
	loggerOnce   sync.Once
)

// GetLogger returns the global logger instance
func GetLogger() *Logger {
	loggerOnce.Do(func() {
		globalLogger = &Logger{
			handler: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo, AddSource: true}),
			enabled: true,
		}
	})
	return globalLogger
}

// InitLogger 根据配置重建全局日志输出
func InitLogger(opts LogOptions) error {
	writers := []io.Writer{}
	var closer io.Closer

	if opts.Output == "" || opts.Output == "stdout" || opts.Output == "both" {
		writers = append(writers, os.Stdout)
	}

	if opts.Output == "file" || opts.Output == "both" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0755); err != nil {
			return fmt.Errorf("创建日志目录失败: %w", err)
		}
		fileWriter := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAge,
			Compress:   opts.Compress,
		}
		writers = append(writers, fileWriter)
		closer = fileWriter
	}

	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = io.MultiWriter(writers...)
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     ParseLogLevel(opts.Level),
		AddSource: true,
	}

	var handler slog.Handler
	if opts.Format == "json" {
		handler = slog.NewJSONHandler(writer, handlerOpts)
	} else {
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	logger := GetLogger()
	logger.mu.Lock()
	defer logger.mu.Unlock()

	if logger.closer != nil {
		logger.closer.Close()
	}
	logger.handler = handler
	logger.closer = closer

	slog.SetDefault(slog.New(handler))
	return nil
}

// CloseLogger 关闭日志文件
func CloseLogger() error {
	logger := GetLogger()
	logger.mu.Lock()
	defer logger.mu.Unlock()

	if logger.closer == nil {
		return nil
	}
	err := logger.closer.Close()
	logger.closer = nil
	return err
}

// ParseLogLevel 将字符串转换为 slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Enable enables or disables logging
func (l *Logger) Enable(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// log 记录日志，来源位置取调用方而不是本包
func (l *Logger) log(level slog.Level, message string, fields map[string]interface{}) {
	l.mu.RLock()
	handler := l.handler
	enabled := l.enabled
	l.mu.RUnlock()

	ctx := context.Background()
	if !enabled || !handler.Enabled(ctx, level) {
		return
	}

	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // runtime.Callers, log, 导出方法

	record := slog.NewRecord(time.Now(), level, message, pcs[0])
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			record.AddAttrs(slog.Any(key, fields[key]))
		}
	}

	_ = handler.Handle(ctx, record)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields map[string]interface{}) {
	l.log(slog.LevelDebug, message, fields)
}

// Info logs an info message
func (l *Logger) Info(message string, fields map[string]interface{}) {
	l.log(slog.LevelInfo, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields map[string]interface{}) {
	l.log(slog.LevelWarn, message, fields)
}

// Error logs an error message
func (l *Logger) Error(message string, fields map[string]interface{}) {
	l.log(slog.LevelError, message, fields)
}

// Debugf logs a formatted debug message
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(slog.LevelDebug, fmt.Sprintf(format, args...), nil)
}

// Infof logs a formatted info message
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(slog.LevelInfo, fmt.Sprintf(format, args...), nil)
}

// Warnf logs a formatted warning message
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(slog.LevelWarn, fmt.Sprintf(format, args...), nil)
}

// Errorf logs a formatted error message
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(slog.LevelError, fmt.Sprintf(format, args...), nil)
}
