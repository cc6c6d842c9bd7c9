package config

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/owalmirneto/novu/internal/providers"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.DatabaseURL == "" {
		add("DATABASE_URL", "required")
	}

	for _, d := range cfg.durations() {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		switch {
		case err != nil:
			add(d.env, "invalid duration: %v", err)
		case v < 0 || (v == 0 && !d.allowZero):
			add(d.env, "must be positive")
		}
	}

	if cfg.ReconcileEnabled {
		if _, err := cron.ParseStandard(cfg.ReconcileSchedule); err != nil {
			add("RECONCILE_SCHEDULE", "invalid cron schedule %q: %v", cfg.ReconcileSchedule, err)
		}
	}

	if cfg.AnalyticsRetention > 0 && cfg.AnalyticsRetention < cfg.AnalyticsWindow {
		add("ANALYTICS_RETENTION", "must be at least ANALYTICS_WINDOW (%s)", cfg.AnalyticsWindowStr)
	}

	if (cfg.DefaultOrganizationID == "") != (cfg.DefaultEnvironmentID == "") {
		add("DEFAULT_ENVIRONMENT_ID", "DEFAULT_ORGANIZATION_ID and DEFAULT_ENVIRONMENT_ID must be set together")
	}
	for field, value := range map[string]string{
		"DEFAULT_ORGANIZATION_ID": cfg.DefaultOrganizationID,
		"DEFAULT_ENVIRONMENT_ID":  cfg.DefaultEnvironmentID,
	} {
		if value == "" {
			continue
		}
		if _, err := uuid.Parse(value); err != nil {
			add(field, "invalid UUID %q", value)
		}
	}

	if cfg.SMSProvider != "" {
		switch {
		case !providers.IsSMSProvider(cfg.SMSProvider):
			add("SMS_PROVIDER", "unknown SMS provider %q", cfg.SMSProvider)
		case cfg.SMSProvider == providers.SinchSMSID && (cfg.SinchPlan == "" || cfg.SinchToken == ""):
			add("SINCH_TOKEN", "SINCH_PLAN and SINCH_TOKEN are required for %s", providers.SinchSMSID)
		case cfg.SMSProvider == providers.TwwSMSID && (cfg.TwwUser == "" || cfg.TwwPassword == ""):
			add("TWW_PASSWORD", "TWW_USER and TWW_PASSWORD are required for %s", providers.TwwSMSID)
		}
	}

	if cfg.PushProvider != "" {
		switch {
		case !providers.IsPushProvider(cfg.PushProvider):
			add("PUSH_PROVIDER", "unknown push provider %q", cfg.PushProvider)
		case cfg.FCMProjectID == "" || cfg.FCMClientEmail == "" || cfg.FCMPrivateKey == "":
			add("FCM_PRIVATE_KEY", "FCM_PROJECT_ID, FCM_CLIENT_EMAIL and FCM_PRIVATE_KEY are required for %s", providers.FCMID)
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
