package logger

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	verbosityFlagName      = "verbosity"
	verbosityFlagShortName = "v"

	// DBGMCP_LOG_LEVEL sets the initial level when no flag is given.
	DBGMCP_LOG_LEVEL = "DBGMCP_LOG_LEVEL"
)

// Logger couples a logr.Logger with the zap level that controls it.
//
// Logs always go to stderr: stdout belongs to the MCP stdio transport.
type Logger struct {
	logr.Logger
	atomicLevel zap.AtomicLevel
	flush       func()
}

// New creates a console logger named name at info level, or at the level in
// DBGMCP_LOG_LEVEL.
func New(name string) *Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderConfig)

	atomicLevel := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if env, found := os.LookupEnv(DBGMCP_LOG_LEVEL); found {
		if lvl, err := parseLevel(env); err == nil {
			atomicLevel.SetLevel(lvl)
		}
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), atomicLevel)
	zapLogger := zap.New(core)

	return &Logger{
		Logger:      zapr.NewLogger(zapLogger).WithName(name),
		atomicLevel: atomicLevel,
		flush: func() {
			_ = zapLogger.Sync()
		},
	}
}

// SetLevel changes the minimum level that is written.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

// Flush writes buffered entries. Call before the process exits.
func (l *Logger) Flush() {
	l.flush()
}

// AddLevelFlag registers -v/--verbosity on fs, bound to this logger's level.
func (l *Logger) AddLevelFlag(fs *pflag.FlagSet) {
	fs.VarP(&levelFlag{level: &l.atomicLevel}, verbosityFlagName, verbosityFlagShortName,
		"Logging verbosity: debug, info, error, or a number (1 = debug)")
}

type levelFlag struct {
	level *zap.AtomicLevel
}

func (f *levelFlag) String() string {
	if f.level == nil {
		return ""
	}
	return f.level.Level().String()
}

func (f *levelFlag) Set(value string) error {
	lvl, err := parseLevel(value)
	if err != nil {
		return err
	}
	f.level.SetLevel(lvl)
	return nil
}

func (f *levelFlag) Type() string {
	return "level"
}

// parseLevel accepts zap level names and logr verbosities. logr V(n) maps to
// zap level -n.
func parseLevel(value string) (zapcore.Level, error) {
	value = strings.TrimSpace(strings.ToLower(value))
	if n, err := strconv.Atoi(value); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("verbosity must not be negative: %d", n)
		}
		return zapcore.Level(-n), nil
	}
	lvl, err := zapcore.ParseLevel(value)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q", value)
	}
	return lvl, nil
}

var _ pflag.Value = (*levelFlag)(nil)
