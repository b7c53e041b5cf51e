package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App           AppConfig
	DB            DBConfig
	Redis         RedisConfig
	JWT           JWTConfig
	Password      PasswordConfig
	AuthRateLimit AuthRateLimitConfig
	FeatureFlags  FeatureFlagsConfig
	Identity      IdentityConfig
	Cart          CartConfig
	Modal         ModalConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.FeatureFlags.UseSQLite {
		cfg.DB.Driver = DBDriverSQLite
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Identity.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"STOREFRONT_APP_ENV" required:"true"`
	Port         string `envconfig:"STOREFRONT_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"STOREFRONT_LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"STOREFRONT_LOG_FORMAT" default:"json"`
	LogWarnStack bool   `envconfig:"STOREFRONT_LOG_WARN_STACK" default:"false"`
	// AllowedOrigins is a comma separated list handed to the CORS middleware.
	AllowedOrigins []string `envconfig:"STOREFRONT_ALLOWED_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"STOREFRONT_DB_DSN"`
	Driver string `envconfig:"STOREFRONT_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"STOREFRONT_DB_HOST"`
	Port     int    `envconfig:"STOREFRONT_DB_PORT" default:"5432"`
	User     string `envconfig:"STOREFRONT_DB_USER"`
	Password string `envconfig:"STOREFRONT_DB_PASSWORD"`
	Name     string `envconfig:"STOREFRONT_DB_NAME"`
	SSLMode  string `envconfig:"STOREFRONT_DB_SSLMODE" default:"disable"`

	SQLitePath string `envconfig:"STOREFRONT_SQLITE_PATH" default:"storefront.db"`

	MaxOpenConns    int           `envconfig:"STOREFRONT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STOREFRONT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STOREFRONT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STOREFRONT_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"STOREFRONT_REDIS_URL" required:"true"`
	Address      string        `envconfig:"STOREFRONT_REDIS_ADDR"`
	Password     string        `envconfig:"STOREFRONT_REDIS_PASSWORD"`
	DB           int           `envconfig:"STOREFRONT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STOREFRONT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STOREFRONT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STOREFRONT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STOREFRONT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STOREFRONT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// JWTConfig signs the access tokens minted by the local identity provider.
type JWTConfig struct {
	Secret                 string `envconfig:"STOREFRONT_JWT_SECRET"`
	Issuer                 string `envconfig:"STOREFRONT_JWT_ISSUER" default:"storefront"`
	ExpirationMinutes      int    `envconfig:"STOREFRONT_JWT_EXPIRATION_MINUTES" default:"60"`
	RefreshTokenTTLMinutes int    `envconfig:"STOREFRONT_REFRESH_TOKEN_TTL_MINUTES" default:"43200"`
}

// RefreshTokenTTL returns the refresh token TTL configured in minutes.
func (j JWTConfig) RefreshTokenTTL() time.Duration {
	if j.RefreshTokenTTLMinutes <= 0 {
		return 0
	}
	return time.Duration(j.RefreshTokenTTLMinutes) * time.Minute
}

type PasswordConfig struct {
	ArgonMemoryKB    int `envconfig:"STOREFRONT_ARGON_MEMORY_KB" default:"65536"`
	ArgonTime        int `envconfig:"STOREFRONT_ARGON_TIME" default:"3"`
	ArgonParallelism int `envconfig:"STOREFRONT_ARGON_PARALLELISM" default:"2"`
	ArgonSaltLen     int `envconfig:"STOREFRONT_ARGON_SALT_LEN" default:"16"`
	ArgonKeyLen      int `envconfig:"STOREFRONT_ARGON_KEY_LEN" default:"32"`
}

type AuthRateLimitConfig struct {
	IdentifyWindow     time.Duration `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_IDENTIFY_WINDOW" default:"1m"`
	IdentifyIPLimit    int           `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_IDENTIFY_IP_LIMIT" default:"30"`
	LoginWindow        time.Duration `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_LOGIN_WINDOW" default:"1m"`
	LoginEmailLimit    int           `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_LOGIN_EMAIL_LIMIT" default:"5"`
	LoginIPLimit       int           `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_LOGIN_IP_LIMIT" default:"20"`
	RegisterWindow     time.Duration `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_REGISTER_WINDOW" default:"5m"`
	RegisterEmailLimit int           `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_REGISTER_EMAIL_LIMIT" default:"3"`
	RegisterIPLimit    int           `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_REGISTER_IP_LIMIT" default:"20"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"STOREFRONT_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"STOREFRONT_AUTO_MIGRATE" default:"false"`
}

// IdentityConfig selects and configures the hosted or local identity backend.
type IdentityConfig struct {
	Mode                string        `envconfig:"STOREFRONT_IDENTITY_MODE" default:"remote"`
	URL                 string        `envconfig:"STOREFRONT_IDENTITY_URL"`
	AnonKey             string        `envconfig:"STOREFRONT_IDENTITY_ANON_KEY"`
	ExistencePath       string        `envconfig:"STOREFRONT_IDENTITY_EXISTENCE_PATH" default:"/rest/v1/customers"`
	RequireConfirmation bool          `envconfig:"STOREFRONT_IDENTITY_REQUIRE_CONFIRMATION" default:"true"`
	ExistenceTimeout    time.Duration `envconfig:"STOREFRONT_IDENTITY_EXISTENCE_TIMEOUT" default:"8s"`
	CredentialTimeout   time.Duration `envconfig:"STOREFRONT_IDENTITY_CREDENTIAL_TIMEOUT" default:"12s"`
	SessionTimeout      time.Duration `envconfig:"STOREFRONT_IDENTITY_SESSION_TIMEOUT" default:"6s"`
}

func (i IdentityConfig) IsLocal() bool {
	return strings.EqualFold(strings.TrimSpace(i.Mode), IdentityModeLocal)
}

func (i IdentityConfig) validate() error {
	mode := strings.ToLower(strings.TrimSpace(i.Mode))
	switch mode {
	case IdentityModeLocal:
		return nil
	case IdentityModeRemote:
		if strings.TrimSpace(i.URL) == "" {
			return fmt.Errorf("%s is required when identity mode is %q", EnvIdentityURL, IdentityModeRemote)
		}
		if strings.TrimSpace(i.AnonKey) == "" {
			return fmt.Errorf("%s is required when identity mode is %q", EnvIdentityAnonKey, IdentityModeRemote)
		}
		return nil
	default:
		return fmt.Errorf("unsupported identity mode %q", i.Mode)
	}
}

// CartConfig controls the per-device cart record and the server-side cart calls.
type CartConfig struct {
	RecordKey     string        `envconfig:"STOREFRONT_CART_RECORD_KEY" default:"rs_cart_v1"`
	RecordTTL     time.Duration `envconfig:"STOREFRONT_CART_RECORD_TTL" default:"720h"`
	RemoteTimeout time.Duration `envconfig:"STOREFRONT_CART_REMOTE_TIMEOUT" default:"8s"`
	EventsChannel string        `envconfig:"STOREFRONT_CART_EVENTS_CHANNEL" default:"rs:cart-changed"`
	// EventsHeartbeat spaces the keep-alive comments on the cart event stream.
	EventsHeartbeat time.Duration `envconfig:"STOREFRONT_CART_EVENTS_HEARTBEAT" default:"25s"`
}

type ModalConfig struct {
	CloseOnOutsideClick bool          `envconfig:"STOREFRONT_MODAL_CLOSE_ON_OUTSIDE_CLICK" default:"false"`
	PageIdleTTL         time.Duration `envconfig:"STOREFRONT_PAGE_IDLE_TTL" default:"30m"`
	SweepInterval       time.Duration `envconfig:"STOREFRONT_PAGE_SWEEP_INTERVAL" default:"1m"`
	MinPasswordLength   int           `envconfig:"STOREFRONT_MIN_PASSWORD_LENGTH" default:"6"`
}

func (db *DBConfig) ensureDSN(useSQLite bool) error {
	if useSQLite || db.DSN != "" {
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range dbPartEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
