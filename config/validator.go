package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate is the global validator instance.
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Register custom validators
	_ = validate.RegisterValidation("env", validateEnvironment)
	_ = validate.RegisterValidation("host", validateHost)
	_ = validate.RegisterValidation("error_type", validateErrorType)
	_ = validate.RegisterValidation("recovery_strategy", validateRecoveryStrategy)
	_ = validate.RegisterValidation("amqp_url", validateAMQPURL)
}

// ConfigError represents a validation error for a specific field.
type ConfigError struct {
	Field   string
	Message string
	Value   interface{}
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s (got %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of config errors.
type ValidationErrors []ConfigError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}

	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString(fmt.Sprintf("  - %s\n", err.Error()))
	}
	return sb.String()
}

// ValidateWithDetails performs tag and cross-field validation and returns
// detailed errors.
func ValidateWithDetails(cfg *Config) error {
	var details ValidationErrors
	if err := validate.Struct(cfg); err != nil {
		validationErrors, ok := err.(validator.ValidationErrors)
		if !ok {
			return err
		}
		for _, fe := range validationErrors {
			details = append(details, ConfigError{
				Field:   fe.Namespace(),
				Message: formatValidationError(fe),
				Value:   fe.Value(),
			})
		}
	}
	details = append(details, validateSemantics(cfg)...)
	if len(details) > 0 {
		return details
	}
	return nil
}

// validateSemantics checks constraints that span several fields.
func validateSemantics(cfg *Config) ValidationErrors {
	var errs ValidationErrors

	switch cfg.Storage.Type {
	case "badger":
		if !cfg.Storage.Badger.InMemory && cfg.Storage.Badger.Path == "" {
			errs = append(errs, ConfigError{
				Field:   "Config.Storage.Badger.Path",
				Message: "required when storage type is badger and in_memory is false",
				Value:   cfg.Storage.Badger.Path,
			})
		}
	case "redis":
		if cfg.Storage.Redis.Address == "" {
			errs = append(errs, ConfigError{
				Field:   "Config.Storage.Redis.Address",
				Message: "required when storage type is redis",
				Value:   cfg.Storage.Redis.Address,
			})
		}
	case "mysql", "postgres":
		if cfg.Storage.SQL.DSN == "" {
			errs = append(errs, ConfigError{
				Field:   "Config.Storage.SQL.DSN",
				Message: fmt.Sprintf("required when storage type is %s", cfg.Storage.Type),
				Value:   cfg.Storage.SQL.DSN,
			})
		}
	}

	if cfg.EventBus.AMQP.Enabled {
		if cfg.EventBus.AMQP.URL == "" {
			errs = append(errs, ConfigError{
				Field:   "Config.EventBus.AMQP.URL",
				Message: "required when amqp is enabled",
				Value:   cfg.EventBus.AMQP.URL,
			})
		}
		if cfg.EventBus.AMQP.Exchange == "" {
			errs = append(errs, ConfigError{
				Field:   "Config.EventBus.AMQP.Exchange",
				Message: "required when amqp is enabled",
				Value:   cfg.EventBus.AMQP.Exchange,
			})
		}
	}

	if cfg.Tracing.Enabled && strings.TrimSpace(cfg.Tracing.Endpoint) == "" {
		errs = append(errs, ConfigError{
			Field:   "Config.Tracing.Endpoint",
			Message: "required when tracing is enabled",
			Value:   cfg.Tracing.Endpoint,
		})
	}

	if cfg.ErrorHandler.MaxRetryInterval > 0 && cfg.ErrorHandler.MaxRetryInterval < cfg.ErrorHandler.RetryInterval {
		errs = append(errs, ConfigError{
			Field:   "Config.ErrorHandler.MaxRetryInterval",
			Message: "must not be shorter than retry_interval",
			Value:   cfg.ErrorHandler.MaxRetryInterval,
		})
	}

	return errs
}

// Error types and recovery strategies as understood by the error handler.
var (
	errorTypes = []string{
		"EXECUTION_ERROR",
		"COMPENSATION_ERROR",
		"TIMEOUT_ERROR",
		"NETWORK_ERROR",
		"DATA_ERROR",
		"CONFIG_ERROR",
		"SYSTEM_ERROR",
		"UNKNOWN_ERROR",
	}
	recoveryStrategies = []string{
		"IMMEDIATE_RETRY",
		"DELAYED_RETRY",
		"EXPONENTIAL_BACKOFF_RETRY",
		"COMPENSATE_AND_RETRY",
		"SKIP_STEP",
		"PAUSE_SAGA",
		"CANCEL_SAGA",
		"MANUAL_INTERVENTION",
	}
)

// formatValidationError converts validator.FieldError to a human-readable message.
func formatValidationError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "this field is required"
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "env":
		return "must be one of [development staging production]"
	case "host":
		return "must be a valid host name or address"
	case "error_type":
		return fmt.Sprintf("must be one of [%s]", strings.Join(errorTypes, " "))
	case "recovery_strategy":
		return fmt.Sprintf("must be one of [%s]", strings.Join(recoveryStrategies, " "))
	case "amqp_url":
		return "must be an amqp:// or amqps:// url"
	default:
		return fmt.Sprintf("failed validation: %s", fe.Tag())
	}
}

// validateEnvironment is a custom validator for environment values.
func validateEnvironment(fl validator.FieldLevel) bool {
	return oneOf(fl.Field().String(), []string{"development", "staging", "production"})
}

// validateErrorType accepts a known error type in any case, since keys are
// upper-cased before they reach the error handler.
func validateErrorType(fl validator.FieldLevel) bool {
	return oneOf(strings.ToUpper(fl.Field().String()), errorTypes)
}

func validateRecoveryStrategy(fl validator.FieldLevel) bool {
	return oneOf(fl.Field().String(), recoveryStrategies)
}

// validateAMQPURL accepts amqp:// and amqps:// URLs with a host.
func validateAMQPURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}
	return (u.Scheme == "amqp" || u.Scheme == "amqps") && u.Host != ""
}

func oneOf(s string, set []string) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

// validateHost accepts an empty value, a host name, or an address with an
// optional port.
func validateHost(fl validator.FieldLevel) bool {
	host := fl.Field().String()
	for _, c := range host {
		if !isValidHostChar(c) {
			return false
		}
	}
	return true
}

func isValidHostChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '.', c == ':', c == '_':
		return true
	default:
		return false
	}
}
