package config

// EnvPrefix is empty because every field carries its fully qualified variable name.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"

	IdentityModeLocal  = "local"
	IdentityModeRemote = "remote"
)

const (
	EnvAppEnv          = "STOREFRONT_APP_ENV"
	EnvPort            = "STOREFRONT_APP_PORT"
	EnvDBDSN           = "STOREFRONT_DB_DSN"
	EnvDBHost          = "STOREFRONT_DB_HOST"
	EnvDBUser          = "STOREFRONT_DB_USER"
	EnvDBName          = "STOREFRONT_DB_NAME"
	EnvRedisURL        = "STOREFRONT_REDIS_URL"
	EnvUseSQLite       = "STOREFRONT_USE_SQLITE"
	EnvIdentityMode    = "STOREFRONT_IDENTITY_MODE"
	EnvIdentityURL     = "STOREFRONT_IDENTITY_URL"
	EnvIdentityAnonKey = "STOREFRONT_IDENTITY_ANON_KEY"
	EnvJWTSecret       = "STOREFRONT_JWT_SECRET"
)

var dbPartEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
