package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger создаёт настроенный zerolog. Если задан file, записи дублируются в файл с ротацией.
func NewLogger(appEnv, file string) zerolog.Logger {
	level := zerolog.InfoLevel
	if appEnv == "dev" {
		level = zerolog.DebugLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(writer(os.Stdout, file)).With().Timestamp().Logger().Level(level)
}

func writer(stdout io.Writer, file string) io.Writer {
	if file == "" {
		return stdout
	}
	return zerolog.MultiLevelWriter(stdout, &lumberjack.Logger{
		Filename:   file,
		MaxSize:    100,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	})
}
