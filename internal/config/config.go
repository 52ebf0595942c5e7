// Package config defines the proxy's configuration shape and the
// validation and defaulting rules applied to it after loading.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// ProxyConfig is the top-level, immutable-after-load configuration for
// the proxy process. It corresponds 1:1 to the JSON configuration file
// described in the external interfaces.
type ProxyConfig struct {
	Servers             []ServerConfig `mapstructure:"servers" json:"servers" validate:"required,min=1,dive"`
	LogLevel            string         `mapstructure:"log_level" json:"log_level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`
	ResponseTimeout     int            `mapstructure:"response_timeout" json:"response_timeout" validate:"omitempty,min=1"`
	AuthToken           string         `mapstructure:"auth_token" json:"auth_token"`
	RateLimitPerMinute  int            `mapstructure:"rate_limit_per_minute" json:"rate_limit_per_minute" validate:"omitempty,min=1"`
	StructuredLogging   bool           `mapstructure:"structured_logging" json:"structured_logging"`
	HealthcheckInterval float64        `mapstructure:"healthcheck_interval" json:"healthcheck_interval" validate:"omitempty,gt=0"`
	HealthcheckTimeout  float64        `mapstructure:"healthcheck_timeout" json:"healthcheck_timeout" validate:"omitempty,gt=0"`

	// PolicyRules is an optional CEL-based allow/deny gate on tools/call,
	// additive to the shared-secret auth gate.
	PolicyRules []PolicyRule `mapstructure:"policy_rules" json:"policy_rules" validate:"omitempty,dive"`
}

// PolicyRule is one named CEL expression evaluated against a tools/call
// request; the first matching rule decides allow/deny. The gate is
// layered on the shared-secret auth check and off by default (empty
// PolicyRules means no gate).
type PolicyRule struct {
	Name      string `mapstructure:"name" json:"name" validate:"required"`
	Condition string `mapstructure:"condition" json:"condition" validate:"required"`
	Action    string `mapstructure:"action" json:"action" validate:"required,oneof=allow deny"`
}

// ServerConfig describes one upstream MCP server the proxy supervises.
type ServerConfig struct {
	ID             string            `mapstructure:"id" json:"id" validate:"required,excludes=__"`
	Command        []string          `mapstructure:"command" json:"command" validate:"required,min=1"`
	Env            map[string]string `mapstructure:"env" json:"env"`
	StartupTimeout int               `mapstructure:"startup_timeout" json:"startup_timeout" validate:"omitempty,min=1"`
	ShutdownGrace  int               `mapstructure:"shutdown_grace" json:"shutdown_grace" validate:"omitempty,min=0"`
	StdioMode      string            `mapstructure:"stdio_mode" json:"stdio_mode" validate:"omitempty,oneof=content-length newline"`

	// sawShutdownGrace records whether the key was present in the config
	// file at all, so SetDefaults can distinguish "explicitly 0" (no
	// grace period) from "absent" (apply the 2s default).
	sawShutdownGrace bool
}

// Defaults mirrors the documented default values.
const (
	DefaultLogLevel             = "INFO"
	DefaultResponseTimeout      = 30
	DefaultServerStartupTimeout = 15
	DefaultServerShutdownGrace  = 2
	DefaultStdioMode            = "content-length"
)

// SetDefaults fills in every field that has a documented default, but
// only where the caller left it at its Go zero value.
func (c *ProxyConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	for i := range c.Servers {
		c.Servers[i].setDefaults()
	}
}

func (s *ServerConfig) setDefaults() {
	if s.StartupTimeout == 0 {
		s.StartupTimeout = DefaultServerStartupTimeout
	}
	if s.StdioMode == "" {
		s.StdioMode = DefaultStdioMode
	}
	if !s.sawShutdownGrace {
		s.ShutdownGrace = DefaultServerShutdownGrace
	}
}

// MarkShutdownGracePresent records that the config source explicitly
// set shutdown_grace (even to 0), so SetDefaults leaves it alone.
func (s *ServerConfig) MarkShutdownGracePresent() { s.sawShutdownGrace = true }

// StartupTimeoutDuration is StartupTimeout expressed as a time.Duration.
func (s ServerConfig) StartupTimeoutDuration() time.Duration {
	return time.Duration(s.StartupTimeout) * time.Second
}

// ShutdownGraceDuration is ShutdownGrace expressed as a time.Duration.
func (s ServerConfig) ShutdownGraceDuration() time.Duration {
	return time.Duration(s.ShutdownGrace) * time.Second
}

// HealthcheckEnabled reports whether the proxy-wide healthcheck
// interval/timeout pair is configured; Validate guarantees the two
// fields are either both set or both zero.
func (c ProxyConfig) HealthcheckEnabled() bool {
	return c.HealthcheckInterval > 0 && c.HealthcheckTimeout > 0
}

// HealthcheckIntervalDuration is HealthcheckInterval expressed as a
// time.Duration.
func (c ProxyConfig) HealthcheckIntervalDuration() time.Duration {
	return time.Duration(c.HealthcheckInterval * float64(time.Second))
}

// HealthcheckTimeoutDuration is HealthcheckTimeout expressed as a
// time.Duration.
func (c ProxyConfig) HealthcheckTimeoutDuration() time.Duration {
	return time.Duration(c.HealthcheckTimeout * float64(time.Second))
}

// ResponseTimeoutDuration is ResponseTimeout expressed as a
// time.Duration.
func (c ProxyConfig) ResponseTimeoutDuration() time.Duration {
	return time.Duration(c.ResponseTimeout) * time.Second
}

// Validate runs struct-tag validation plus the cross-field rules the
// tags can't express: unique server ids, and healthcheck interval and
// timeout configured together or not at all.
func (c *ProxyConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if seen[s.ID] {
			return fmt.Errorf("servers: duplicate id %q", s.ID)
		}
		seen[s.ID] = true
	}

	hasInterval := c.HealthcheckInterval > 0
	hasTimeout := c.HealthcheckTimeout > 0
	if hasInterval != hasTimeout {
		return errors.New("healthcheck_interval and healthcheck_timeout must both be set, or neither")
	}

	return nil
}

func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		messages := make([]string, 0, len(validationErrors))
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "excludes":
		return fmt.Sprintf("%s must not contain %q", field, e.Param())
	default:
		return fmt.Sprintf("%s failed validation %q", field, e.Tag())
	}
}
