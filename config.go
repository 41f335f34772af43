package auth

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every configuration variable.
const EnvPrefix = "METANOIA_"

const (
	DefaultIdentityBaseURL = "https://identitytoolkit.googleapis.com/v1"
	DefaultSecureTokenURL  = "https://securetoken.googleapis.com/v1"
	DefaultJWKSURL         = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"
	DefaultDatabaseDSN     = "file:metanoia.db?cache=shared"
	DefaultHTTPAddr        = "127.0.0.1:8080"
	DefaultLoginTimeout    = 2 * time.Minute
)

// Config holds the runtime configuration of the service.
type Config struct {
	APIKey              string
	ProjectID           string
	IdentityBaseURL     string
	SecureTokenURL      string
	JWKSURL             string
	VerifyTokens        bool
	GoogleClientID      string
	GoogleClientSecret  string
	DatabaseDSN         string
	CredentialFile      string
	HTTPAddr            string
	TrustedHosts        []string
	LogLevel            string
	ProfileWriteTimeout time.Duration
	LoginTimeout        time.Duration
	SettingsCacheSize   int
	SettingsCacheTTL    time.Duration
}

// DefaultConfig returns a Config with every optional field populated.
func DefaultConfig() Config {
	return Config{
		IdentityBaseURL:     DefaultIdentityBaseURL,
		SecureTokenURL:      DefaultSecureTokenURL,
		JWKSURL:             DefaultJWKSURL,
		DatabaseDSN:         DefaultDatabaseDSN,
		CredentialFile:      defaultCredentialFile(),
		HTTPAddr:            DefaultHTTPAddr,
		LogLevel:            "info",
		ProfileWriteTimeout: DefaultProfileWriteTimeout,
		LoginTimeout:        DefaultLoginTimeout,
		SettingsCacheSize:   DefaultSettingsCacheSize,
		SettingsCacheTTL:    DefaultSettingsCacheTTL,
	}
}

// LoadConfig reads the given dotenv files, when they exist, into the process
// environment and builds a validated Config from METANOIA_ variables.
// Variables already set in the environment win over file values.
func LoadConfig(files ...string) (*Config, error) {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read env file").
				WithMetadata(map[string]any{"file": f})
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to parse env file")
		}
	}
	return ConfigFromEnv(os.LookupEnv)
}

// ConfigFromEnv builds a validated Config using lookup for variable values.
func ConfigFromEnv(lookup func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()
	env := envReader{lookup: lookup}

	env.str("API_KEY", &cfg.APIKey)
	env.str("PROJECT_ID", &cfg.ProjectID)
	env.str("IDENTITY_BASE_URL", &cfg.IdentityBaseURL)
	env.str("SECURE_TOKEN_URL", &cfg.SecureTokenURL)
	env.str("JWKS_URL", &cfg.JWKSURL)
	env.boolean("VERIFY_TOKENS", &cfg.VerifyTokens)
	env.str("GOOGLE_CLIENT_ID", &cfg.GoogleClientID)
	env.str("GOOGLE_CLIENT_SECRET", &cfg.GoogleClientSecret)
	env.str("DATABASE_DSN", &cfg.DatabaseDSN)
	env.str("CREDENTIAL_FILE", &cfg.CredentialFile)
	env.str("HTTP_ADDR", &cfg.HTTPAddr)
	env.list("TRUSTED_HOSTS", &cfg.TrustedHosts)
	env.str("LOG_LEVEL", &cfg.LogLevel)
	env.duration("PROFILE_WRITE_TIMEOUT", &cfg.ProfileWriteTimeout)
	env.duration("LOGIN_TIMEOUT", &cfg.LoginTimeout)
	env.integer("SETTINGS_CACHE_SIZE", &cfg.SettingsCacheSize)
	env.duration("SETTINGS_CACHE_TTL", &cfg.SettingsCacheTTL)

	if len(env.errs) > 0 {
		return nil, WithMeta(ErrValidation, nil, env.errs)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c Config) Validate() error {
	jwksRules := []validation.Rule{is.URL}
	projectRules := []validation.Rule{}
	if c.VerifyTokens {
		jwksRules = append(jwksRules, validation.Required)
		projectRules = append(projectRules, validation.Required)
	}
	secretRules := []validation.Rule{}
	if c.GoogleClientID != "" {
		secretRules = append(secretRules, validation.Required)
	}

	err := validation.ValidateStruct(&c,
		validation.Field(&c.APIKey, validation.Required),
		validation.Field(&c.IdentityBaseURL, validation.Required, is.URL),
		validation.Field(&c.SecureTokenURL, validation.Required, is.URL),
		validation.Field(&c.JWKSURL, jwksRules...),
		validation.Field(&c.ProjectID, projectRules...),
		validation.Field(&c.GoogleClientSecret, secretRules...),
		validation.Field(&c.DatabaseDSN, validation.Required),
		validation.Field(&c.CredentialFile, validation.Required),
		validation.Field(&c.HTTPAddr, validation.Required),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.ProfileWriteTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.LoginTimeout, validation.Required),
		validation.Field(&c.SettingsCacheSize, validation.Required, validation.Min(1)),
		validation.Field(&c.SettingsCacheTTL, validation.Required),
	)
	if err != nil {
		return WithMeta(ErrValidation, err, validationMeta(err))
	}
	return nil
}

// FederatedEnabled reports whether Google sign-in is configured.
func (c Config) FederatedEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   map[string]any
}

func (e *envReader) get(name string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (e *envReader) fail(name string, err error) {
	if e.errs == nil {
		e.errs = map[string]any{}
	}
	e.errs[EnvPrefix+name] = err.Error()
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := e.get(name); ok {
		*dst = v
	}
}

// list reads a comma separated value, dropping empty items.
func (e *envReader) list(name string, dst *[]string) {
	v, ok := e.get(name)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

func (e *envReader) boolean(name string, dst *bool) {
	if v, ok := e.get(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) integer(name string, dst *int) {
	if v, ok := e.get(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) duration(name string, dst *time.Duration) {
	if v, ok := e.get(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = d
	}
}

func defaultCredentialFile() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "metanoia", "credentials.json")
}
