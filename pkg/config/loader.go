package config

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/caarlos0/env/v10"
)

// Load parses environment variables into the provided struct.
// The struct should use `env` tags to define mappings.
//
// Example:
//
//	type Config struct {
//	    Port     int           `env:"HTTP_PORT" envDefault:"8080"`
//	    TokenTTL time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"30m"`
//	}
func Load(cfg any) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// RequirePositive returns an error naming the zero or negative duration that
// sorts first by name.
func RequirePositive(durations map[string]time.Duration) error {
	for _, name := range slices.Sorted(maps.Keys(durations)) {
		if d := durations[name]; d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}
