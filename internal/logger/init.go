package logger

import (
	"fmt"
	"log"
	"strings"
	"sync/atomic"
)

// Level 日志级别
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel 解析配置中的日志级别，无法识别时返回info
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarning
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

var currentLevel atomic.Int32

func init() {
	currentLevel.Store(int32(LevelInfo))
}

// InitLogger 初始化日志器
func InitLogger(level string) {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	SetLevel(level)
	log.Printf("Logger initialized (level=%s)", GetLevel())
}

// SetLevel 运行时调整日志级别
func SetLevel(level string) {
	currentLevel.Store(int32(ParseLevel(level)))
}

// GetLevel 当前日志级别
func GetLevel() Level {
	return Level(currentLevel.Load())
}

// Enabled 该级别是否输出
func Enabled(level Level) bool {
	return level >= GetLevel()
}

func output(level Level, module, format string, args ...any) {
	if !Enabled(level) {
		return
	}

	message := fmt.Sprintf(format, args...)
	log.Output(3, fmt.Sprintf("[%s] %s: %s", level, module, message))

	if GlobalStream != nil && level >= LevelInfo {
		GlobalStream.Publish(level, module, message)
	}
}

// 便捷函数
func Debug(module, format string, args ...any) { output(LevelDebug, module, format, args...) }
func Info(module, format string, args ...any)  { output(LevelInfo, module, format, args...) }
func Warn(module, format string, args ...any)  { output(LevelWarning, module, format, args...) }
func Error(module, format string, args ...any) { output(LevelError, module, format, args...) }
