package logging

import (
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"
)

type Config struct {
	// trace, debug, info, warn, error
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`

	Output io.Writer `mapstructure:"-"`
}

// builds the root logger, components take Named sub-loggers from it
func New(name string, cfg Config) hclog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	level := hclog.LevelFromString(cfg.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		JSONFormat: cfg.JSON,
		Output:     out,
	})
}

// warns at most once per interval, the next emitted line carries the
// number of lines dropped in between
type Limited struct {
	log        hclog.Logger
	limiter    *rate.Limiter
	suppressed atomic.Int64
}

func NewLimited(log hclog.Logger, every time.Duration) *Limited {
	return &Limited{
		log:     log,
		limiter: rate.NewLimiter(rate.Every(every), 1),
	}
}

func (l *Limited) Warn(msg string, args ...any) {
	if !l.limiter.Allow() {
		l.suppressed.Add(1)
		return
	}
	if n := l.suppressed.Swap(0); n > 0 {
		args = append(args, "suppressed", n)
	}
	l.log.Warn(msg, args...)
}
