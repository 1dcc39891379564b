package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/frame/config"
)

type ServerConfig struct {
	config.ConfigurationDefault

	// Session management
	MaxSessions          int `envDefault:"10000" env:"MAX_SESSIONS"`
	SessionStaleAfterSec int `envDefault:"300"   env:"SESSION_STALE_AFTER_SEC"`
	PushWriteTimeoutSec  int `envDefault:"10"    env:"PUSH_WRITE_TIMEOUT_SEC"`

	// Inbound message bus. The AMQP path declares a durable fanout exchange
	// by the configured name, binds an exclusive auto-named queue to it and
	// consumes with auto-acknowledgement. A mem:// URI skips the topology
	// setup and is used for local development and tests.
	BusURI          string `envDefault:"mem://awsum.inbound" env:"BUS_URI"`
	BusExchangeName string `envDefault:"awsum.inbound"       env:"BUS_EXCHANGE_NAME"`
	BusBindingKey   string `envDefault:"inbound"             env:"BUS_BINDING_KEY"`

	// Bridge retry budget before the consumer gives up permanently.
	BusMaxRetries         int `envDefault:"5"  env:"BUS_MAX_RETRIES"`
	BusRetryBackoffSec    int `envDefault:"2"  env:"BUS_RETRY_BACKOFF_SEC"`
	BusRetryBackoffMaxSec int `envDefault:"60" env:"BUS_RETRY_BACKOFF_MAX_SEC"`
}

// StaleAfter returns the session staleness threshold as a duration.
func (c *ServerConfig) StaleAfter() time.Duration {
	return time.Duration(c.SessionStaleAfterSec) * time.Second
}

// PushWriteTimeout returns the per-push write deadline as a duration.
func (c *ServerConfig) PushWriteTimeout() time.Duration {
	return time.Duration(c.PushWriteTimeoutSec) * time.Second
}

// RetryBackoff returns the initial bridge retry delay as a duration.
func (c *ServerConfig) RetryBackoff() time.Duration {
	return time.Duration(c.BusRetryBackoffSec) * time.Second
}

// RetryBackoffMax returns the bridge retry delay cap as a duration.
func (c *ServerConfig) RetryBackoffMax() time.Duration {
	return time.Duration(c.BusRetryBackoffMaxSec) * time.Second
}

// Validate checks that the configuration is valid.
// Returns an error if any validation fails.
func (c *ServerConfig) Validate() error {
	var errs []error

	if c.MaxSessions < 1 {
		errs = append(errs, errors.New("MaxSessions must be >= 1"))
	}

	if c.SessionStaleAfterSec <= 0 {
		errs = append(errs, errors.New("SessionStaleAfterSec must be > 0"))
	}

	if c.PushWriteTimeoutSec <= 0 {
		errs = append(errs, errors.New("PushWriteTimeoutSec must be > 0"))
	}

	if err := validateBusURI(c.BusURI, "BusURI"); err != nil {
		errs = append(errs, err)
	}

	if strings.HasPrefix(c.BusURI, "amqp://") && c.BusExchangeName == "" {
		errs = append(errs, errors.New("BusExchangeName cannot be empty for amqp:// bus URIs"))
	}

	if c.BusMaxRetries < 0 {
		errs = append(errs, errors.New("BusMaxRetries must be >= 0"))
	}

	if c.BusRetryBackoffSec <= 0 {
		errs = append(errs, errors.New("BusRetryBackoffSec must be > 0"))
	}

	if c.BusRetryBackoffMaxSec < c.BusRetryBackoffSec {
		errs = append(errs, fmt.Errorf("BusRetryBackoffMaxSec (%d) must be >= BusRetryBackoffSec (%d)",
			c.BusRetryBackoffMaxSec, c.BusRetryBackoffSec))
	}

	return errors.Join(errs...)
}

// validateBusURI checks that a bus URI has a supported scheme.
func validateBusURI(uri, name string) error {
	if uri == "" {
		return fmt.Errorf("%s cannot be empty", name)
	}

	validSchemes := []string{"amqp://", "amqps://", "mem://", "rabbit://"}
	for _, scheme := range validSchemes {
		if strings.HasPrefix(uri, scheme) {
			return nil
		}
	}

	return fmt.Errorf("%s has invalid scheme (must be one of: %s): %s", name, strings.Join(validSchemes, ", "), uri)
}
