// =============================================================================
// 文件: internal/logging/logging.go
// 描述: 日志 - 基于 zap 的控制台日志，级别名称与配置文件一致
// =============================================================================
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 引擎内部使用的整数级别
const (
	LevelError = 0
	LevelInfo  = 1
	LevelDebug = 2
)

// ParseLevel 解析配置中的日志级别
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("未知日志级别: %s", level)
	}
}

// New 创建控制台日志
func New(level string) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(lvl),
		Encoding:    "console",
		OutputPaths: []string{"stdout"},
		ErrorOutputPaths: []string{
			"stderr",
		},
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "T",
			LevelKey:       "L",
			NameKey:        "N",
			MessageKey:     "M",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.TimeEncoderOfLayout("15:04:05"),
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeName:     zapcore.FullNameEncoder,
		},
	}
	return cfg.Build()
}

// Emit 按整数级别输出 (0=error, 1=info, 2=debug)
func Emit(l *zap.SugaredLogger, level int, format string, args ...interface{}) {
	switch level {
	case LevelError:
		l.Errorf(format, args...)
	case LevelInfo:
		l.Infof(format, args...)
	default:
		l.Debugf(format, args...)
	}
}
