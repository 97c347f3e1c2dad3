package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ParseEnvironment - will populate the configuration from environment variables
func ParseEnvironment(c *Config) error {
	if c == nil {
		return nil
	}

	// Ensure that logging is set through the environment variables
	env := os.Getenv(nd6LogLevel)
	if env != "" {
		logLevel, err := strconv.ParseUint(env, 10, 32)
		if err != nil {
			return errors.Wrapf(err, "unable to parse environment variable [%s], should be int", nd6LogLevel)
		}
		c.Logging = int(logLevel)
	}

	env = os.Getenv(nd6TimerPeriod)
	if env != "" {
		i, err := strconv.ParseInt(env, 10, 32)
		if err != nil {
			return errors.Wrapf(err, "unable to parse environment variable [%s]", nd6TimerPeriod)
		}
		c.TimerPeriod = int(i)
	}

	env = os.Getenv(nd6DADTransmits)
	if env != "" {
		i, err := strconv.ParseInt(env, 10, 32)
		if err != nil {
			return errors.Wrapf(err, "unable to parse environment variable [%s]", nd6DADTransmits)
		}
		c.ND6.DADTransmits = int(i)
	}

	env = os.Getenv(nd6NeighborCache)
	if env != "" {
		i, err := strconv.ParseInt(env, 10, 32)
		if err != nil {
			return errors.Wrapf(err, "unable to parse environment variable [%s]", nd6NeighborCache)
		}
		c.ND6.NeighborCacheSize = int(i)
	}

	env = os.Getenv(nd6Prometheus)
	if env != "" {
		c.PrometheusHTTPServer = env
	}

	env = os.Getenv(nd6Duration)
	if env != "" {
		if _, err := time.ParseDuration(env); err != nil {
			return errors.Wrapf(err, "unable to parse environment variable [%s]", nd6Duration)
		}
		c.Duration = env
	}

	return nil
}
