package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"call-dispatch/internal/simulator"
)

// Config holds all configuration required by the API process.
// All values come from env. No component reads raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Store    StoreConfig
	Dispatch DispatchConfig
	Types    TypesConfig
}

type AppConfig struct {
	Env  string
	Port int
	// BootstrapTenant is created at startup when set.
	BootstrapTenant string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// MaxConns caps open connections; 0 keeps the pool default.
	MaxConns int
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

const (
	FastRedis       = "redis"
	FastMemory      = "memory"
	DurablePostgres = "postgres"
	DurableMemory   = "memory"
)

// StoreConfig selects the backends. DB and Redis settings are only required for the backends in use.
type StoreConfig struct {
	Fast    string
	Durable string
}

type DispatchConfig struct {
	// Call duration ~ Normal(Mean, Std) in Unit.
	DurationMean float64
	DurationStd  float64
	DurationUnit time.Duration

	ClaimBudget time.Duration

	ReconcileInitialBackoff time.Duration
	ReconcileMaxBackoff     time.Duration
	// ReconcileApplyTimeout bounds each durable write attempt.
	ReconcileApplyTimeout time.Duration

	// SimulatorSeed fixes the randomness source; 0 seeds from the clock.
	SimulatorSeed int64
}

type TypesConfig struct {
	AgentTypes []string
	CallTypes  []string
	Matrix     simulator.Matrix
}

// DefaultMatrix is the conversion matrix used when CONVERSION_MATRIX is unset.
func DefaultMatrix() simulator.Matrix {
	return simulator.Matrix{
		"agent_type_1": {"call_type_1": 0.30, "call_type_2": 0.20, "call_type_3": 0.10, "call_type_4": 0.05},
		"agent_type_2": {"call_type_1": 0.20, "call_type_2": 0.15, "call_type_3": 0.07, "call_type_4": 0.04},
		"agent_type_3": {"call_type_1": 0.15, "call_type_2": 0.12, "call_type_3": 0.06, "call_type_4": 0.03},
		"agent_type_4": {"call_type_1": 0.12, "call_type_2": 0.10, "call_type_3": 0.04, "call_type_4": 0.02},
	}
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = intVar(parseErrs, "APP_PORT", true)
	c.App.BootstrapTenant = strings.TrimSpace(os.Getenv("BOOTSTRAP_TENANT"))

	c.Store.Fast = strings.ToLower(strings.TrimSpace(os.Getenv("FAST_STORE")))
	c.Store.Durable = strings.ToLower(strings.TrimSpace(os.Getenv("DURABLE_STORE")))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = intVar(parseErrs, "DB_PORT", false)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.MaxConns, parseErrs = intVar(parseErrs, "DB_MAX_CONNS", false)

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = intVar(parseErrs, "REDIS_PORT", false)

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL, parseErrs = durationVar(parseErrs, "JWT_ACCESS_TTL")

	c.Dispatch.DurationMean, parseErrs = floatVar(parseErrs, "CALL_DURATION_MEAN")
	c.Dispatch.DurationStd, parseErrs = floatVar(parseErrs, "CALL_DURATION_STD")
	c.Dispatch.DurationUnit, parseErrs = durationVar(parseErrs, "CALL_DURATION_UNIT")
	c.Dispatch.ClaimBudget, parseErrs = durationVar(parseErrs, "CLAIM_BUDGET")
	c.Dispatch.ReconcileInitialBackoff, parseErrs = durationVar(parseErrs, "RECONCILE_INITIAL_BACKOFF")
	c.Dispatch.ReconcileMaxBackoff, parseErrs = durationVar(parseErrs, "RECONCILE_MAX_BACKOFF")
	c.Dispatch.ReconcileApplyTimeout, parseErrs = durationVar(parseErrs, "RECONCILE_APPLY_TIMEOUT")
	if v := strings.TrimSpace(os.Getenv("SIMULATOR_SEED")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("SIMULATOR_SEED must be an integer, got %q", v))
		}
		c.Dispatch.SimulatorSeed = n
	}

	c.Types.AgentTypes = listVar("AGENT_TYPES")
	c.Types.CallTypes = listVar("CALL_TYPES")
	if v := strings.TrimSpace(os.Getenv("CONVERSION_MATRIX")); v != "" {
		var m simulator.Matrix
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("CONVERSION_MATRIX must be a JSON object of objects: %v", err))
		}
		c.Types.Matrix = m
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills local-friendly defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.Store.Fast == "" {
		c.Store.Fast = FastRedis
	}
	if c.Store.Durable == "" {
		c.Store.Durable = DurablePostgres
	}
	if c.Store.Fast != FastRedis && c.Store.Fast != FastMemory {
		errs = append(errs, fmt.Errorf("FAST_STORE must be redis or memory, got %q", c.Store.Fast))
	}
	if c.Store.Durable != DurablePostgres && c.Store.Durable != DurableMemory {
		errs = append(errs, fmt.Errorf("DURABLE_STORE must be postgres or memory, got %q", c.Store.Durable))
	}
	if c.IsProduction() && (c.Store.Fast == FastMemory || c.Store.Durable == DurableMemory) {
		errs = append(errs, errors.New("memory stores are not allowed in production"))
	}

	if c.Store.Durable == DurablePostgres {
		errs = append(errs, c.validateDB()...)
	}
	if c.Store.Fast == FastRedis {
		if c.Redis.Host == "" {
			errs = append(errs, errors.New("REDIS_HOST is required"))
		}
		if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	errs = append(errs, c.validateDispatch()...)
	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c *Config) validateDispatch() []error {
	var errs []error
	d := &c.Dispatch
	if d.DurationMean == 0 {
		d.DurationMean = 180
	}
	if d.DurationStd == 0 {
		d.DurationStd = 180
	}
	if d.DurationUnit <= 0 {
		d.DurationUnit = time.Second
	}
	if d.DurationMean < 0 || d.DurationStd < 0 {
		errs = append(errs, errors.New("CALL_DURATION_MEAN and CALL_DURATION_STD must be positive"))
	}
	if d.ClaimBudget <= 0 {
		d.ClaimBudget = 100 * time.Millisecond
	}
	if d.ReconcileInitialBackoff <= 0 {
		d.ReconcileInitialBackoff = 100 * time.Millisecond
	}
	if d.ReconcileMaxBackoff <= 0 {
		d.ReconcileMaxBackoff = 30 * time.Second
	}
	if d.ReconcileApplyTimeout <= 0 {
		d.ReconcileApplyTimeout = 5 * time.Second
	}
	if d.ReconcileMaxBackoff < d.ReconcileInitialBackoff {
		errs = append(errs, errors.New("RECONCILE_MAX_BACKOFF must not be less than RECONCILE_INITIAL_BACKOFF"))
	}

	t := &c.Types
	if t.Matrix == nil {
		t.Matrix = DefaultMatrix()
	}
	if len(t.AgentTypes) == 0 {
		t.AgentTypes = sortedKeys(t.Matrix)
	}
	if len(t.CallTypes) == 0 {
		seen := map[string]struct{}{}
		for _, row := range t.Matrix {
			for ct := range row {
				seen[ct] = struct{}{}
			}
		}
		t.CallTypes = sortedKeys(seen)
	}
	if err := t.Matrix.Validate(t.AgentTypes, t.CallTypes); err != nil {
		errs = append(errs, fmt.Errorf("CONVERSION_MATRIX: %w", err))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func intVar(errs []error, key string, required bool) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		if required {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
		return 0, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func floatVar(errs []error, key string) (float64, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a number, got %q", key, v))
	}
	return f, errs
}

// durationVar is optional; defaults are applied in Validate.
func durationVar(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func listVar(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
