// Package config reads runtime tuning from the environment.
//
// Variables are read after an optional .env file has been applied. Values
// already present in the process environment win over the file.
//
//	LAZYCHART_MAX_CONCURRENT_LOADS  lazy items in flight at once (2)
//	LAZYCHART_LOAD_TIMEOUT          per item load limit, 0 disables (10s)
//	LAZYCHART_MAX_CACHE_SIZE        cached resources, 0 is unlimited (0)
//	LAZYCHART_LOAD_TICKS            ticks a resource load takes (1)
//	LAZYCHART_TICK_RATE             fixed time step (16667us)
//	LAZYCHART_MAX_REQUESTS_PER_TICK request queue capacity (1000)
//	LAZYCHART_LOG_LEVEL             debug, info, warn or error (info)
//	LAZYCHART_LOG_FORMAT            text or json (text)
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/comalice/lazychart/internal/logger"
)

var (
	ErrParsingConfig = errors.New("parse config")
	ErrInvalidConfig = errors.New("invalid config")
)

// Runtime holds the tunables shared by the scheduler, the resource store and
// the tick driver.
type Runtime struct {
	MaxConcurrentLoads int           `env:"MAX_CONCURRENT_LOADS" envDefault:"2"`
	LoadTimeout        time.Duration `env:"LOAD_TIMEOUT" envDefault:"10s"`
	MaxCacheSize       int           `env:"MAX_CACHE_SIZE" envDefault:"0"`
	LoadTicks          int           `env:"LOAD_TICKS" envDefault:"1"`
	TickRate           time.Duration `env:"TICK_RATE" envDefault:"16667us"`
	MaxRequestsPerTick int           `env:"MAX_REQUESTS_PER_TICK" envDefault:"1000"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat          string        `env:"LOG_FORMAT" envDefault:"text"`
}

// Prefix is prepended to every variable name.
const Prefix = "LAZYCHART_"

// Load applies ./.env when it exists and parses the environment.
func Load() (Runtime, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Runtime{}, fmt.Errorf("%w: load .env: %w", ErrParsingConfig, err)
	}
	return parse()
}

// LoadFile applies the given env files, which must exist, and parses the
// environment.
func LoadFile(paths ...string) (Runtime, error) {
	if len(paths) > 0 {
		if err := godotenv.Load(paths...); err != nil {
			return Runtime{}, fmt.Errorf("%w: load %v: %w", ErrParsingConfig, paths, err)
		}
	}
	return parse()
}

func parse() (Runtime, error) {
	var cfg Runtime
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Runtime{}, errors.Join(ErrParsingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Runtime{}, err
	}
	return cfg, nil
}

// Validate reports every out of range field.
func (c Runtime) Validate() error {
	var errs []error
	if c.MaxConcurrentLoads < 1 {
		errs = append(errs, fmt.Errorf("%w: max concurrent loads %d, must be at least 1", ErrInvalidConfig, c.MaxConcurrentLoads))
	}
	if c.LoadTimeout < 0 {
		errs = append(errs, fmt.Errorf("%w: negative load timeout %s", ErrInvalidConfig, c.LoadTimeout))
	}
	if c.MaxCacheSize < 0 {
		errs = append(errs, fmt.Errorf("%w: negative max cache size %d", ErrInvalidConfig, c.MaxCacheSize))
	}
	if c.LoadTicks < 1 {
		errs = append(errs, fmt.Errorf("%w: load ticks %d, must be at least 1", ErrInvalidConfig, c.LoadTicks))
	}
	if c.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("%w: tick rate %s, must be positive", ErrInvalidConfig, c.TickRate))
	}
	if c.MaxRequestsPerTick < 1 {
		errs = append(errs, fmt.Errorf("%w: max requests per tick %d, must be at least 1", ErrInvalidConfig, c.MaxRequestsPerTick))
	}
	switch logger.Format(c.LogFormat) {
	case logger.FormatJSON, logger.FormatText:
	default:
		errs = append(errs, fmt.Errorf("%w: log format %q", ErrInvalidConfig, c.LogFormat))
	}
	return errors.Join(errs...)
}

// LoggerOptions returns the logger settings described by c.
func (c Runtime) LoggerOptions() []logger.Option {
	return []logger.Option{
		logger.WithLevel(logger.ParseLevel(c.LogLevel)),
		logger.WithFormat(logger.Format(c.LogFormat)),
	}
}
