package logging

import (
	"os"
	"sync"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger defaults to a nop logger so library code can log before
	// InitLogging runs (and during tests).
	Logger = zap.NewNop()
	once   sync.Once
)

func InitLogging(mode, logDir, logFile string) {
	once.Do(func() {
		initLogging(mode, logDir, logFile)
	})
}

func initLogging(mode, logDir, logFile string) {
	var logName = logDir + "/" + logFile

	var logWriter = getWriteSyncer(logName)

	var cfg zap.Config
	if mode != "development" {
		cfg = zap.NewProductionConfig()
		cfg.DisableCaller = true
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.LevelKey = "level"
		cfg.EncoderConfig.NameKey = "name"
		cfg.EncoderConfig.MessageKey = "msg"
		cfg.EncoderConfig.CallerKey = "caller"
		cfg.EncoderConfig.StacktraceKey = "stacktrace"
		if viper.GetBool("logging.console") {
			logWriter = zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout), logWriter)
		}
	}
	if err := cfg.Level.UnmarshalText([]byte(viper.GetString("logging.level"))); err != nil {
		panic(err)
	}

	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	option := zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(zapcore.NewCore(zapcore.NewConsoleEncoder(cfg.EncoderConfig), logWriter, cfg.Level))
	})
	l, err := cfg.Build(option)
	if err != nil {
		panic(err)
	}

	Logger = l
}

func getWriteSyncer(logName string) zapcore.WriteSyncer {
	var ioWriter = &lumberjack.Logger{
		Filename:   logName,
		MaxSize:    1024, // MB
		MaxBackups: 3,    // number of backups
		MaxAge:     28,   //days
		LocalTime:  true,
		Compress:   false, // disabled by default
	}
	_ = ioWriter.Rotate()
	return zapcore.AddSync(ioWriter)
}
