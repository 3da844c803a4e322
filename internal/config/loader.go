package config

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// SecretProvider fetches secret values by parameter path. SSMProvider is the
// production implementation.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}

// ConfigError describes why loading failed.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// A variable named DATABASE_URL_SSM_PARAM holds the SSM path whose value
// becomes DATABASE_URL.
const ssmParamSuffix = "_SSM_PARAM"

const (
	localEnv          = "local"
	ssmResolveTimeout = 30 * time.Second
)

// osEnv abstracts the process environment so tests never touch the real one.
type osEnv struct {
	lookup  func(key string) (string, bool)
	set     func(key, value string) error
	environ func() []string
}

func processEnv() osEnv {
	return osEnv{lookup: os.LookupEnv, set: os.Setenv, environ: os.Environ}
}

// LoadConfig loads, resolves and validates the configuration.
//
// Outside APP_ENV=local every *_SSM_PARAM variable is resolved through
// provider unless its target variable is already set. provider may be nil
// when nothing needs resolving.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return load(provider, processEnv())
}

func load(provider SecretProvider, env osEnv) (*Config, error) {
	time.Local = time.UTC

	// Never overrides variables that are already set.
	_ = godotenv.Load()

	if appEnv, _ := env.lookup("APP_ENV"); appEnv != localEnv {
		if err := resolveSSMParams(provider, env); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{Type: ErrParsing, Message: "failed to process environment configuration", Err: err}
	}
	cfg.Build = NewBuildInfo()

	if err := validator.New().Struct(cfg); err != nil {
		return nil, &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}
	if err := validateEvents(cfg.Events); err != nil {
		return nil, &ConfigError{Type: ErrValidation, Message: "event bus configuration is incomplete", Err: err}
	}
	return &cfg, nil
}

// validateEvents checks the settings the selected bus depends on.
func validateEvents(c EventsConfig) error {
	switch c.Bus {
	case EventBusSQS:
		if c.SQSQueueURL == "" {
			return fmt.Errorf("EVENTS_SQS_QUEUE_URL is required when EVENT_BUS=%s", c.Bus)
		}
	case EventBusRabbitMQ:
		if !c.RabbitMQURL.IsSet() {
			return fmt.Errorf("RABBITMQ_URL is required when EVENT_BUS=%s", c.Bus)
		}
	}
	return nil
}

// ResolveSecrets runs only the SSM step. Entry points that read a handful of
// variables directly call it before their first os.Getenv.
func ResolveSecrets(provider SecretProvider) error {
	if appEnv, _ := os.LookupEnv("APP_ENV"); appEnv == localEnv {
		return nil
	}
	return resolveSSMParams(provider, processEnv())
}

// ssmBindings maps SSM path to the variable it fills, skipping targets that
// are already set.
func ssmBindings(env osEnv) map[string]string {
	bindings := make(map[string]string)
	for _, entry := range env.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasSuffix(key, ssmParamSuffix) || path == "" {
			continue
		}
		target := strings.TrimSuffix(key, ssmParamSuffix)
		if _, set := env.lookup(target); set {
			continue
		}
		bindings[path] = target
	}
	return bindings
}

func resolveSSMParams(provider SecretProvider, env osEnv) error {
	bindings := ssmBindings(env)
	if len(bindings) == 0 {
		return nil
	}

	paths := make([]string, 0, len(bindings))
	for path := range bindings {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	if provider == nil {
		targets := make([]string, 0, len(paths))
		for _, p := range paths {
			targets = append(targets, bindings[p])
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "a secret provider is required to resolve " + strings.Join(targets, ", "),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmResolveTimeout)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)),
			Err:     err,
		}
	}

	var missing []string
	for _, path := range paths {
		target := bindings[path]
		value, ok := resolved[path]
		if !ok {
			missing = append(missing, target)
			continue
		}
		if err := env.set(target, value); err != nil {
			return &ConfigError{Type: ErrSSMResolution, Message: "failed to set " + target, Err: err}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "SSM parameters not found for " + strings.Join(missing, ", "),
		}
	}
	return nil
}
