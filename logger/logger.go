package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the process-wide logger.
type Config struct {
	Level     string // debug, info, warn, error
	Directory string // empty = stdout only
	MaxSizeMB int
	MaxAge    int // days
}

var (
	log  = logrus.New()
	once sync.Once
)

// Init configures the global logger. Safe to call once at startup;
// packages that log before Init runs get stderr at info level.
func Init(cfg Config) {
	once.Do(func() {
		level, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			level = logrus.InfoLevel
		}
		log.SetLevel(level)
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})

		if cfg.Directory != "" {
			if err := os.MkdirAll(cfg.Directory, 0o755); err == nil {
				rotating := &lumberjack.Logger{
					Filename: filepath.Join(cfg.Directory, "coinpilot.log"),
					MaxSize:  max(cfg.MaxSizeMB, 50),
					MaxAge:   max(cfg.MaxAge, 14),
					Compress: true,
				}
				log.SetOutput(io.MultiWriter(os.Stdout, rotating))
				return
			}
			log.Warnf("log directory %s unavailable, falling back to stdout", cfg.Directory)
		}
		log.SetOutput(os.Stdout)
	})
}

func Debug(args ...interface{})                 { log.Debug(args...) }
func Debugf(format string, args ...interface{}) { log.Debugf(format, args...) }
func Info(args ...interface{})                  { log.Info(args...) }
func Infof(format string, args ...interface{})  { log.Infof(format, args...) }
func Warn(args ...interface{})                  { log.Warn(args...) }
func Warnf(format string, args ...interface{})  { log.Warnf(format, args...) }
func Error(args ...interface{})                 { log.Error(args...) }
func Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { log.Fatalf(format, args...) }

// WithFields returns a structured entry for event-style logging.
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return log.WithFields(logrus.Fields(fields))
}
