package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger 全局日志实例
var Logger = logrus.New()

// Config 日志配置
type Config struct {
	Level      string // 日志级别: debug, info, warn, error
	OutputFile string // 日志文件路径（为空则只输出到控制台）
	MaxSize    int    // 单个日志文件最大大小（MB）
	MaxBackups int    // 保留的旧日志文件数量
	MaxAge     int    // 旧日志文件保留天数
	Compress   bool   // 是否压缩旧日志文件
}

// Init 初始化全局日志
func Init(config Config) error {
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	Logger.SetLevel(level)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	if config.OutputFile != "" {
		if err := os.MkdirAll(filepath.Dir(config.OutputFile), 0o755); err != nil {
			return err
		}
		fileOut := &lumberjack.Logger{
			Filename:   config.OutputFile,
			MaxSize:    orDefault(config.MaxSize, 100),
			MaxBackups: orDefault(config.MaxBackups, 5),
			MaxAge:     orDefault(config.MaxAge, 14),
			Compress:   config.Compress,
		}
		Logger.SetOutput(io.MultiWriter(os.Stdout, fileOut))
	} else {
		Logger.SetOutput(os.Stdout)
	}

	// 让直接使用 logrus 包级 API 的组件 logger 走同一配置
	logrus.SetLevel(level)
	logrus.SetFormatter(Logger.Formatter)
	logrus.SetOutput(Logger.Out)
	return nil
}

// InitDefault 默认配置（info 级别，仅控制台）
func InitDefault() error {
	return Init(Config{Level: "info"})
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Debugf 调试日志
func Debugf(format string, args ...interface{}) {
	Logger.Debugf(format, args...)
}

// Infof 信息日志
func Infof(format string, args ...interface{}) {
	Logger.Infof(format, args...)
}

// Warnf 警告日志
func Warnf(format string, args ...interface{}) {
	Logger.Warnf(format, args...)
}

// Errorf 错误日志
func Errorf(format string, args ...interface{}) {
	Logger.Errorf(format, args...)
}

// WithField 创建带字段的日志条目
func WithField(key string, value interface{}) *logrus.Entry {
	return Logger.WithField(key, value)
}

// WithFields 创建带多个字段的日志条目
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}
