package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Validate validates the HubConfig using struct tags and cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *HubConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateUpstreamTransports(); err != nil {
		return err
	}
	if err := c.validateUniqueIDs(); err != nil {
		return err
	}
	if err := c.validateDurations(); err != nil {
		return err
	}

	return nil
}

// validateUpstreamTransports checks that each upstream carries the fields
// its declared transport requires.
func (c *HubConfig) validateUpstreamTransports() error {
	for _, u := range c.Upstreams {
		switch u.Type {
		case "stdio":
			if u.Command == "" {
				return fmt.Errorf("upstreams[%s]: command is required for stdio transport", u.ID)
			}
		case "sse", "streamable-http":
			if u.URL == "" {
				return fmt.Errorf("upstreams[%s]: url is required for %s transport", u.ID, u.Type)
			}
		}
	}
	return nil
}

// validateUniqueIDs ensures no two configured upstreams share an ID.
func (c *HubConfig) validateUniqueIDs() error {
	seen := make(map[string]struct{}, len(c.Upstreams))
	for _, u := range c.Upstreams {
		if _, exists := seen[u.ID]; exists {
			return fmt.Errorf("upstreams: duplicate id %q", u.ID)
		}
		seen[u.ID] = struct{}{}
	}
	return nil
}

// validateDurations checks that every duration-shaped field parses, since
// ToSpec silently zeroes an unparsable one.
func (c *HubConfig) validateDurations() error {
	if c.SessionTimeout != "" {
		if _, err := time.ParseDuration(c.SessionTimeout); err != nil {
			return fmt.Errorf("session_timeout: %w", err)
		}
	}
	for _, u := range c.Upstreams {
		for field, value := range map[string]string{
			"connect_timeout": u.ConnectTimeout,
			"request_timeout": u.RequestTimeout,
			"reconnect_delay": u.ReconnectDelay,
		} {
			if value == "" {
				continue
			}
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("upstreams[%s].%s: %w", u.ID, field, err)
			}
		}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
