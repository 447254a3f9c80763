package observability

import (
	"context"
	"errors"
	"os"
	"time"

	"CapperLedger/internal/config"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewLogger 根据配置创建全局唯一的 logrus 实例（JSON 字段名与 Grafana 约定一致）
func NewLogger(cfg config.LogConfig) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	if cfg.Format == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)
	return l
}

// NewGormLogger 将 GORM 日志转发到 logrus
func NewGormLogger(l *logrus.Logger, slow time.Duration) logger.Interface {
	return &gormLogger{log: l, level: logger.Warn, slow: slow}
}

type gormLogger struct {
	log   *logrus.Logger
	level logger.LogLevel
	slow  time.Duration
}

func (g *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *gormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Info {
		g.log.WithFields(logrus.Fields{"source": "gorm", "data": data}).Info(msg)
	}
}

func (g *gormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Warn {
		g.log.WithFields(logrus.Fields{"source": "gorm", "data": data}).Warn(msg)
	}
}

func (g *gormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	if g.level >= logger.Error {
		g.log.WithFields(logrus.Fields{"source": "gorm", "data": data}).Error(msg)
	}
}

func (g *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := logrus.Fields{
		"source":  "gorm",
		"elapsed": elapsed.String(),
		"sql":     sql,
		"rows":    rows,
	}
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && g.level >= logger.Error:
		g.log.WithFields(fields).WithError(err).Error("SQL query error")
	case g.slow > 0 && elapsed > g.slow && g.level >= logger.Warn:
		g.log.WithFields(fields).Warn("SQL slow query")
	case g.level >= logger.Info:
		g.log.WithFields(fields).Debug("SQL query executed")
	}
}
