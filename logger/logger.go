package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel 日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota // 调试信息（最详细）
	INFO                  // 一般信息（正常运行信息）
	WARN                  // 警告信息（需要注意但不影响运行）
	ERROR                 // 错误信息（需要关注的问题）
	FATAL                 // 致命错误（程序无法继续）
)

// LogFileName 滚动日志文件名
const LogFileName = "tradingagents.log"

// Options 日志配置（对应 [logging] 配置段）
type Options struct {
	Level         string
	ConsoleFormat string // text | json
	FileFormat    string // json | text
	FileEnabled   bool
	Directory     string
	MaxSize       string // 例如 "10MB"
	BackupCount   int
}

var (
	globalLevel LogLevel = INFO
	mu          sync.RWMutex

	zl          = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006/01/02 15:04:05"}).With().Timestamp().Logger()
	fileWriter  *lumberjack.Logger
	logFilePath string

	// SQLite 日志存储（通过函数指针避免循环依赖）
	logStorageWriter func(level, message string)
	logStorageMu     sync.RWMutex
)

// String 返回日志级别的字符串表示
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case DEBUG:
		return zerolog.DebugLevel
	case WARN:
		return zerolog.WarnLevel
	case ERROR:
		return zerolog.ErrorLevel
	case FATAL:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLogLevel 解析日志级别字符串
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	case "FATAL", "CRITICAL":
		return FATAL
	default:
		return INFO // 默认INFO级别
	}
}

// ParseSize 解析 "10MB" / "512KB" / "1GB" 形式的大小，返回 MB（至少为 1）
func ParseSize(size string) int {
	s := strings.ToUpper(strings.TrimSpace(size))
	if s == "" {
		return 10
	}
	multiplier := 1.0
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1.0 / 1024
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		multiplier = 1.0 / (1024 * 1024)
		s = strings.TrimSuffix(s, "B")
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || n <= 0 {
		return 10
	}
	mb := int(n * multiplier)
	if mb < 1 {
		mb = 1
	}
	return mb
}

// Setup 根据配置初始化日志（可重复调用，用于热更新）
func Setup(opts Options) error {
	var console io.Writer = os.Stdout
	if !strings.EqualFold(opts.ConsoleFormat, "json") {
		console = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006/01/02 15:04:05"}
	}

	var newFile *lumberjack.Logger
	writers := []io.Writer{console}
	if opts.FileEnabled {
		dir := opts.Directory
		if dir == "" {
			dir = "logs"
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建日志文件夹失败: %w", err)
		}
		backups := opts.BackupCount
		if backups <= 0 {
			backups = 5
		}
		newFile = &lumberjack.Logger{
			Filename:   filepath.Join(dir, LogFileName),
			MaxSize:    ParseSize(opts.MaxSize),
			MaxBackups: backups,
		}
		if strings.EqualFold(opts.FileFormat, "text") {
			writers = append(writers, zerolog.ConsoleWriter{Out: newFile, NoColor: true, TimeFormat: "2006/01/02 15:04:05"})
		} else {
			writers = append(writers, newFile)
		}
	}

	level := INFO
	if opts.Level != "" {
		level = ParseLogLevel(opts.Level)
	}

	mu.Lock()
	old := fileWriter
	fileWriter = newFile
	if newFile != nil {
		logFilePath = newFile.Filename
	} else {
		logFilePath = ""
	}
	globalLevel = level
	zl = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// SetOutput 将日志输出重定向到指定 writer（JSON 格式，测试使用）
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	zl = zerolog.New(w).With().Timestamp().Logger()
}

// SetLevel 设置全局日志级别
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	globalLevel = level
}

// GetLevel 获取全局日志级别
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return globalLevel
}

// FilePath 当前滚动日志文件路径（未启用文件日志时为空）
func FilePath() string {
	mu.RLock()
	defer mu.RUnlock()
	return logFilePath
}

// InitLogStorage 初始化日志存储（通过函数指针避免循环依赖）
func InitLogStorage(writer func(level, message string)) {
	logStorageMu.Lock()
	defer logStorageMu.Unlock()
	logStorageWriter = writer
}

// Close 关闭文件日志（程序退出时调用）
func Close() {
	mu.Lock()
	if fileWriter != nil {
		fileWriter.Close()
		fileWriter = nil
	}
	mu.Unlock()

	logStorageMu.Lock()
	defer logStorageMu.Unlock()
	logStorageWriter = nil
}

// logf 内部日志输出函数
func logf(level LogLevel, format string, args ...interface{}) {
	mu.RLock()
	if level < globalLevel {
		mu.RUnlock()
		return
	}
	l := zl
	mu.RUnlock()

	message := fmt.Sprintf(format, args...)
	l.WithLevel(level.zerolog()).Msg(message)

	logStorageMu.RLock()
	writer := logStorageWriter
	logStorageMu.RUnlock()

	if writer != nil {
		// 异步写入，避免阻塞调用方
		go func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Fprintf(os.Stderr, "[%s] 日志存储写入失败: %v\n", time.Now().Format(time.RFC3339), r)
				}
			}()
			writer(level.String(), message)
		}()
	}
}

// Debug 输出调试日志
func Debug(format string, args ...interface{}) {
	logf(DEBUG, format, args...)
}

// Info 输出一般信息日志
func Info(format string, args ...interface{}) {
	logf(INFO, format, args...)
}

// Warn 输出警告日志
func Warn(format string, args ...interface{}) {
	logf(WARN, format, args...)
}

// Error 输出错误日志
func Error(format string, args ...interface{}) {
	logf(ERROR, format, args...)
}

// Fatal 输出致命错误日志并退出程序
func Fatal(format string, args ...interface{}) {
	logf(FATAL, format, args...)
	Close()
	os.Exit(1)
}

// Fatalf 输出致命错误日志并退出程序（兼容标准库）
func Fatalf(format string, args ...interface{}) {
	Fatal(format, args...)
}
