package logflags

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newLogger(enabled bool, component string) Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:      "timestamp",
		LevelKey:     "level",
		NameKey:      "component",
		MessageKey:   "message",
		EncodeLevel:  zapcore.CapitalLevelEncoder,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
		EncodeName:   zapcore.FullNameEncoder,
	}

	level := zapcore.ErrorLevel
	if enabled {
		level = zapcore.DebugLevel
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(zapcore.AddSync(logOut)),
		level,
	)

	return zap.New(core, zap.AddCaller()).Named(component).Sugar()
}

func HTTPLogger() Logger {
	return newLogger(http, "http")
}

func GRPCLogger() Logger {
	return newLogger(grpc, "grpc")
}

func WireLogger() Logger {
	return newLogger(wire, "wire")
}

func CacheLogger() Logger {
	return newLogger(cache, "cache")
}

func EmuLogger() Logger {
	return newLogger(emu, "emu")
}

func AgentLogger() Logger {
	return newLogger(agent, "agent")
}

func ProwlerLogger() Logger {
	return newLogger(prowl, "prowler")
}

// Nop discards everything; handy for tests and library callers that pass no logger.
func Nop() Logger {
	return zap.NewNop().Sugar()
}
