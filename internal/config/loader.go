package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvLookup resolves an environment variable.
type EnvLookup func(string) (string, bool)

// DefaultEnvLookup reads the process environment.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Overrides holds CLI flag values applied after every other source.
type Overrides struct {
	LogLevel      *string
	ServerAddr    *string
	DockerNetwork *string
}

// Option customizes Load.
type Option func(*loadOptions)

type loadOptions struct {
	configPath string
	dotEnv     []string
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	overrides  Overrides
}

// WithConfigPath sets the YAML file to read. A missing file is not an error.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) { o.configPath = path }
}

// WithDotEnv sets the .env files to read. Missing files are skipped.
func WithDotEnv(paths ...string) Option {
	return func(o *loadOptions) { o.dotEnv = paths }
}

// WithEnv replaces the process environment lookup.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithFileReader replaces os.ReadFile for the YAML file.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = reader }
}

// WithOverrides applies CLI flag overrides.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) { o.overrides = overrides }
}

// Load builds the configuration with the priority:
// code defaults -> config file -> .env -> environment -> overrides.
func Load(opts ...Option) (*Config, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		dotEnv:    []string{".env"},
	}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := &Config{}
	applyDefaults(cfg)

	if options.configPath != "" {
		if err := loadYAML(options.readFile, options.configPath, cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("load config %s: %w", options.configPath, err)
			}
		}
	}

	dotEnv, err := readDotEnv(options.dotEnv)
	if err != nil {
		return nil, err
	}
	lookup := layeredLookup(options.envLookup, dotEnv)
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, err
	}

	applyOverrides(cfg, options.overrides)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// KeystorePassword resolves the keystore passphrase from the variable named
// by Ledger.PasswordEnv, honoring the same .env files Load reads.
func KeystorePassword(cfg *Config, opts ...Option) (string, error) {
	options := loadOptions{envLookup: DefaultEnvLookup, dotEnv: []string{".env"}}
	for _, opt := range opts {
		opt(&options)
	}
	dotEnv, err := readDotEnv(options.dotEnv)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(cfg.Ledger.PasswordEnv)
	if name == "" {
		return "", fmt.Errorf("ledger.password_env is empty")
	}
	if v, ok := layeredLookup(options.envLookup, dotEnv)(name); ok {
		return v, nil
	}
	return "", fmt.Errorf("keystore password: %s is not set", name)
}

func readDotEnv(paths []string) (map[string]string, error) {
	merged := map[string]string{}
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		values, err := godotenv.Read(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		for k, v := range values {
			if _, exists := merged[k]; !exists {
				merged[k] = v
			}
		}
	}
	return merged, nil
}

// layeredLookup prefers the process environment over .env values.
func layeredLookup(base EnvLookup, dotEnv map[string]string) EnvLookup {
	return func(key string) (string, bool) {
		if base != nil {
			if v, ok := base(key); ok {
				return v, true
			}
		}
		v, ok := dotEnv[key]
		return v, ok
	}
}

func loadYAML(readFile func(string) ([]byte, error), path string, cfg *Config) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}

	section, ok := raw["avs"]
	if !ok {
		return nil
	}

	sectionData, err := yaml.Marshal(section)
	if err != nil {
		return fmt.Errorf("re-marshal avs section: %w", err)
	}

	return yaml.Unmarshal(sectionData, cfg)
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.LogLevel != nil && *o.LogLevel != "" {
		cfg.Observability.Logging.Level = *o.LogLevel
	}
	if o.ServerAddr != nil && *o.ServerAddr != "" {
		cfg.Server.Addr = *o.ServerAddr
	}
	if o.DockerNetwork != nil && *o.DockerNetwork != "" {
		cfg.Docker.Network = *o.DockerNetwork
	}
}

var durationType = reflect.TypeOf(time.Duration(0))

func applyDefaults(v any) {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		fv := rv.Field(i)

		if !fv.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			applyDefaults(fv.Addr().Interface())
			continue
		}

		tag := field.Tag.Get("default")
		if tag == "" {
			continue
		}

		if fv.IsZero() {
			// Defaults are compile-time constants; a bad one is a programming error.
			if err := setFieldFromString(fv, field.Type, tag); err != nil {
				panic(fmt.Sprintf("config: default for %s: %v", field.Name, err))
			}
		}
	}
}

func applyEnv(v any, lookup EnvLookup) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		fv := rv.Field(i)

		if !fv.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			if err := applyEnv(fv.Addr().Interface(), lookup); err != nil {
				return err
			}
			continue
		}

		envKey := field.Tag.Get("env")
		if envKey == "" {
			continue
		}

		envVal, ok := lookup(envKey)
		if !ok {
			continue
		}

		if err := setFieldFromString(fv, field.Type, envVal); err != nil {
			return fmt.Errorf("%s: %w", envKey, err)
		}
	}
	return nil
}

func setFieldFromString(fv reflect.Value, ft reflect.Type, val string) error {
	val = strings.TrimSpace(val)
	switch ft.Kind() {
	case reflect.String:
		fv.SetString(val)
	case reflect.Bool:
		switch strings.ToLower(val) {
		case "true", "1", "yes":
			fv.SetBool(true)
		case "false", "0", "no":
			fv.SetBool(false)
		default:
			return fmt.Errorf("invalid bool %q", val)
		}
	case reflect.Int, reflect.Int32, reflect.Int64:
		if ft == durationType {
			d, err := time.ParseDuration(val)
			if err != nil {
				return err
			}
			fv.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(val, 10, ft.Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(val, 10, ft.Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(val, ft.Bits())
		if err != nil {
			return err
		}
		fv.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field kind %s", ft.Kind())
	}
	return nil
}
