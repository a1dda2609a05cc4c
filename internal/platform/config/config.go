package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultEnvFile      = ".env"
	defaultPort         = "8080"
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 120 * time.Second

	defaultStorefrontTimeout = 8 * time.Second
	defaultBreakerFailures   = 5
	defaultBreakerOpenFor    = 30 * time.Second

	defaultPSPProvider = "storefront"
	defaultPSPCurrency = "rub"

	defaultOrdersPath = "/orders"
	defaultSessionTTL = 30 * time.Minute
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server     ServerConfig
	Storefront StorefrontConfig
	PSP        PSPConfig
	Checkout   CheckoutConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// StorefrontConfig points at the upstream storefront API.
type StorefrontConfig struct {
	BaseURL         string
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
}

// PSPConfig selects and configures the payment provider.
type PSPConfig struct {
	Provider     string
	Currency     string
	StripeAPIKey string
}

// CheckoutConfig tunes the checkout session behaviour.
type CheckoutConfig struct {
	// ReturnURL points payment providers back at the order-history view.
	ReturnURL string
	// OrdersPath is the in-app order-history navigation target.
	OrdersPath string
	// SessionTTL bounds how long an abandoned session registry entry lives.
	SessionTTL time.Duration
}

// ValidationError is returned when required configuration fields are missing
// or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups.
// Values in the map take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading the process environment, used by tests.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// Load resolves configuration with precedence dotenv < OS env < explicit map.
func Load(opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	values, err := resolveValues(options)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) string {
		return strings.TrimSpace(values[key])
	}
	duration := func(key string, fallback time.Duration) time.Duration {
		raw := lookup(key)
		if raw == "" {
			return fallback
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			return fallback
		}
		return parsed
	}
	stringOr := func(key, fallback string) string {
		if v := lookup(key); v != "" {
			return v
		}
		return fallback
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringOr("PORT", defaultPort),
			ReadTimeout:  duration("SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: duration("SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  duration("SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Storefront: StorefrontConfig{
			BaseURL:         lookup("STOREFRONT_BASE_URL"),
			Timeout:         duration("STOREFRONT_TIMEOUT", defaultStorefrontTimeout),
			BreakerFailures: defaultBreakerFailures,
			BreakerOpenFor:  duration("STOREFRONT_BREAKER_OPEN_FOR", defaultBreakerOpenFor),
		},
		PSP: PSPConfig{
			Provider:     strings.ToLower(stringOr("PSP_PROVIDER", defaultPSPProvider)),
			Currency:     strings.ToLower(stringOr("PSP_CURRENCY", defaultPSPCurrency)),
			StripeAPIKey: lookup("STRIPE_API_KEY"),
		},
		Checkout: CheckoutConfig{
			ReturnURL:  lookup("CHECKOUT_RETURN_URL"),
			OrdersPath: stringOr("CHECKOUT_ORDERS_PATH", defaultOrdersPath),
			SessionTTL: duration("CHECKOUT_SESSION_TTL", defaultSessionTTL),
		},
	}

	var missing []string
	if cfg.Storefront.BaseURL == "" {
		missing = append(missing, "STOREFRONT_BASE_URL")
	}
	if cfg.Checkout.ReturnURL == "" {
		missing = append(missing, "CHECKOUT_RETURN_URL")
	}
	if cfg.PSP.Provider == "stripe" && cfg.PSP.StripeAPIKey == "" {
		missing = append(missing, "STRIPE_API_KEY")
	}
	if len(missing) > 0 {
		return Config{}, &ValidationError{fields: missing}
	}

	return cfg, nil
}

func resolveValues(options loaderOptions) (map[string]string, error) {
	values := make(map[string]string)

	dotEnv, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}
	for key, value := range dotEnv {
		values[key] = value
	}

	if options.useSystemEnv {
		for _, entry := range os.Environ() {
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" {
				continue
			}
			values[strings.TrimSpace(parts[0])] = parts[1]
		}
	}

	for key, value := range options.envMap {
		values[key] = value
	}

	return values, nil
}

// loadDotEnv reads KEY=VALUE lines; a missing file is not an error.
func loadDotEnv(path string) (map[string]string, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return values, nil
}
