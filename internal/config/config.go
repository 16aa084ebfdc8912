// Package config loads client configuration from flags, environment, and config files.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tyemirov/authsession/internal/guard"
	"github.com/tyemirov/authsession/internal/lifecycle"
	"github.com/tyemirov/authsession/internal/state"
	"github.com/tyemirov/authsession/internal/transport"
)

// EnvPrefix prefixes every environment variable, e.g. APP_API_BASE_URL.
const EnvPrefix = "APP"

const (
	KeyAPIBaseURL            = "api_base_url"
	KeyBotSiteKey            = "bot_site_key"
	KeyBotToken              = "bot_token"
	KeyCredentialMode        = "credential_mode"
	KeyCredentialDatabaseURL = "credential_database_url"
	KeyCredentialProfile     = "credential_profile"
	KeyInactivityTimeout     = "inactivity_timeout"
	KeyWarningWindow         = "warning_window"
	KeyRefreshInterval       = "refresh_interval"
	KeyRefreshMargin         = "refresh_margin"
	KeyGuardSettleDelay      = "guard_settle_delay"
	KeyRequestTimeout        = "request_timeout"
	KeyResendCooldown        = "resend_cooldown"
)

const (
	configCodeMissingAPIBaseURL     = "config.missing_api_base_url"
	configCodeInvalidAPIBaseURL     = "config.invalid_api_base_url"
	configCodeInvalidCredentialMode = "config.invalid_credential_mode"
	configCodeInvalidDuration       = "config.invalid_duration"
	configCodeInvalidLifecycle      = "config.invalid_lifecycle"
)

const defaultRequestTimeout = 15 * time.Second

// Config is the validated client configuration.
type Config struct {
	APIBaseURL            string
	BotSiteKey            string
	BotToken              string
	CredentialMode        transport.Mode
	CredentialDatabaseURL string
	CredentialProfile     string
	Lifecycle             lifecycle.Config
	GuardSettleDelay      time.Duration
	RequestTimeout        time.Duration
	ResendCooldown        time.Duration
}

// BindFlags registers every configuration flag on flags and binds it into v.
func BindFlags(flags *pflag.FlagSet, v *viper.Viper) {
	defaults := lifecycle.DefaultConfig()
	flags.String(KeyAPIBaseURL, "", "Identity API base URL, e.g. https://auth.example.com")
	flags.String(KeyBotSiteKey, "", "Bot-mitigation site key; empty disables bot tokens")
	flags.String(KeyBotToken, "", "Static bot-mitigation token attached to signup, signin, and forgot-password")
	flags.String(KeyCredentialMode, string(transport.ModeCookie), "Credential transport: cookie or bearer")
	flags.String(KeyCredentialDatabaseURL, "", "Database URL for stored credentials (postgres:// or sqlite://; empty keeps them in memory)")
	flags.String(KeyCredentialProfile, "", "Profile name separating stored credentials in a shared database")
	flags.Duration(KeyInactivityTimeout, defaults.InactivityTimeout, "Idle time before the session is ended")
	flags.Duration(KeyWarningWindow, defaults.WarningWindow, "How long before the inactivity logout the warning fires")
	flags.Duration(KeyRefreshInterval, defaults.RefreshInterval, "Proactive refresh check interval")
	flags.Duration(KeyRefreshMargin, defaults.RefreshMargin, "Refresh when the access credential expires within this margin")
	flags.Duration(KeyGuardSettleDelay, guard.DefaultSettleDelay, "Delay before a protected route evaluates the session")
	flags.Duration(KeyRequestTimeout, defaultRequestTimeout, "Per-request timeout for identity API calls")
	flags.Duration(KeyResendCooldown, state.DefaultCooldown, "Cooldown between resend and forgot-password requests")

	flags.VisitAll(func(flag *pflag.Flag) {
		_ = v.BindPFlag(flag.Name, flag)
	})
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// Load reads and validates the configuration held by v.
func Load(v *viper.Viper) (Config, error) {
	if v == nil {
		v = viper.GetViper()
	}

	apiBaseURL := strings.TrimRight(strings.TrimSpace(v.GetString(KeyAPIBaseURL)), "/")
	if apiBaseURL == "" {
		return Config{}, configError(configCodeMissingAPIBaseURL, "api_base_url must be provided")
	}
	parsedURL, parseErr := url.Parse(apiBaseURL)
	if parseErr != nil || parsedURL.Host == "" || (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") {
		return Config{}, configError(configCodeInvalidAPIBaseURL, "api_base_url must be an absolute http or https URL")
	}

	mode := transport.Mode(strings.ToLower(strings.TrimSpace(v.GetString(KeyCredentialMode))))
	if mode == "" {
		mode = transport.ModeCookie
	}
	if mode != transport.ModeCookie && mode != transport.ModeBearer {
		return Config{}, configError(configCodeInvalidCredentialMode, "credential_mode must be cookie or bearer")
	}

	durations := map[string]time.Duration{}
	for _, key := range []string{
		KeyInactivityTimeout,
		KeyWarningWindow,
		KeyRefreshInterval,
		KeyRefreshMargin,
		KeyGuardSettleDelay,
		KeyRequestTimeout,
		KeyResendCooldown,
	} {
		value := v.GetDuration(key)
		if value <= 0 {
			return Config{}, configError(configCodeInvalidDuration, key+" must be greater than zero")
		}
		durations[key] = value
	}

	lifecycleConfig := lifecycle.Config{
		InactivityTimeout: durations[KeyInactivityTimeout],
		WarningWindow:     durations[KeyWarningWindow],
		RefreshInterval:   durations[KeyRefreshInterval],
		RefreshMargin:     durations[KeyRefreshMargin],
		RefreshTimeout:    durations[KeyRequestTimeout],
	}
	if validateErr := lifecycleConfig.Validate(); validateErr != nil {
		return Config{}, configError(configCodeInvalidLifecycle, validateErr.Error())
	}

	return Config{
		APIBaseURL:            apiBaseURL,
		BotSiteKey:            strings.TrimSpace(v.GetString(KeyBotSiteKey)),
		BotToken:              strings.TrimSpace(v.GetString(KeyBotToken)),
		CredentialMode:        mode,
		CredentialDatabaseURL: strings.TrimSpace(v.GetString(KeyCredentialDatabaseURL)),
		CredentialProfile:     strings.TrimSpace(v.GetString(KeyCredentialProfile)),
		Lifecycle:             lifecycleConfig,
		GuardSettleDelay:      durations[KeyGuardSettleDelay],
		RequestTimeout:        durations[KeyRequestTimeout],
		ResendCooldown:        durations[KeyResendCooldown],
	}, nil
}
