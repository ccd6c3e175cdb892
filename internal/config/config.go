/**
 * @description
 * This package handles the configuration management for the drop-service. It uses the
 * Viper library to read configuration from environment variables (and an optional
 * .env file), coercing invalid values back to safe defaults with a warning.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const (
	MetadataBackendJSON     = "json"
	MetadataBackendPostgres = "postgres"

	StorageBackendLocal = "local"
	StorageBackendMinio = "minio"

	defaultRateLimitPrefix   = "instadrop:rate_limit"
	defaultMaxUploadBytes    = 500 * 1024 * 1024
	defaultAmountTolerance   = 0.01
	defaultLedgerTimeoutSecs = 10
	defaultVerifyRateLimit   = 30
)

// Config holds all the configuration variables for the drop-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort         string `mapstructure:"SERVER_PORT"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	DataDir           string `mapstructure:"DATA_DIR"`
	UploadsDir        string `mapstructure:"UPLOADS_DIR"`
	MetadataBackend   string `mapstructure:"METADATA_BACKEND"`
	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	MetadataCacheSize int    `mapstructure:"METADATA_CACHE_SIZE"`

	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	MinioEndpoint  string `mapstructure:"MINIO_ENDPOINT"`
	MinioAccessKey string `mapstructure:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `mapstructure:"MINIO_SECRET_KEY"`
	MinioBucket    string `mapstructure:"MINIO_BUCKET"`
	MinioRegion    string `mapstructure:"MINIO_REGION"`
	MinioUseSSL    bool   `mapstructure:"MINIO_USE_SSL"`

	LedgerAPIBaseURL          string  `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerTimeoutSeconds      int     `mapstructure:"LEDGER_TIMEOUT_SECONDS"`
	VerificationFailurePolicy string  `mapstructure:"VERIFICATION_FAILURE_POLICY"`
	AmountTolerance           float64 `mapstructure:"AMOUNT_TOLERANCE"`
	AcceptPending             bool    `mapstructure:"ACCEPT_PENDING"`
	Currency                  string  `mapstructure:"CURRENCY"`
	MinReferenceLength        int     `mapstructure:"MIN_REFERENCE_LENGTH"`
	MaxUploadBytes            int64   `mapstructure:"MAX_UPLOAD_BYTES"`

	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	EventsExchange           string `mapstructure:"EVENTS_EXCHANGE"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	VerifyRateLimitPerMinute int    `mapstructure:"VERIFY_RATE_LIMIT_PER_MINUTE"`

	BackupSchedule      string `mapstructure:"BACKUP_SCHEDULE"`
	StatsReportSchedule string `mapstructure:"STATS_REPORT_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "3402")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("DATA_DIR", "data")
	viper.SetDefault("UPLOADS_DIR", "public/uploads")
	viper.SetDefault("METADATA_BACKEND", MetadataBackendJSON)
	viper.SetDefault("METADATA_CACHE_SIZE", 256)
	viper.SetDefault("STORAGE_BACKEND", StorageBackendLocal)
	viper.SetDefault("MINIO_BUCKET", "instadrop-uploads")
	viper.SetDefault("MINIO_USE_SSL", false)
	viper.SetDefault("LEDGER_API_BASE_URL", "https://api.testnet.hiro.so")
	viper.SetDefault("LEDGER_TIMEOUT_SECONDS", defaultLedgerTimeoutSecs)
	viper.SetDefault("VERIFICATION_FAILURE_POLICY", "fail-open")
	viper.SetDefault("AMOUNT_TOLERANCE", defaultAmountTolerance)
	viper.SetDefault("ACCEPT_PENDING", true)
	viper.SetDefault("CURRENCY", "STX")
	viper.SetDefault("MIN_REFERENCE_LENGTH", 10)
	viper.SetDefault("MAX_UPLOAD_BYTES", defaultMaxUploadBytes)
	viper.SetDefault("EVENTS_EXCHANGE", "instadrop.events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("VERIFY_RATE_LIMIT_PER_MINUTE", defaultVerifyRateLimit)
	viper.SetDefault("BACKUP_SCHEDULE", "@every 15m")
	viper.SetDefault("STATS_REPORT_SCHEDULE", "@hourly")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	for _, key := range []string{
		"SERVER_PORT", "PORT", "CORS_ALLOWED_ORIGINS",
		"DATA_DIR", "UPLOADS_DIR", "METADATA_BACKEND", "DATABASE_URL", "METADATA_CACHE_SIZE",
		"STORAGE_BACKEND", "MINIO_ENDPOINT", "MINIO_ACCESS_KEY", "MINIO_SECRET_KEY", "MINIO_BUCKET", "MINIO_REGION", "MINIO_USE_SSL",
		"LEDGER_API_BASE_URL", "LEDGER_TIMEOUT_SECONDS", "VERIFICATION_FAILURE_POLICY", "AMOUNT_TOLERANCE",
		"AMOUNT_TOLERANCE_PERCENT", "ACCEPT_PENDING", "CURRENCY", "MIN_REFERENCE_LENGTH",
		"MAX_UPLOAD_BYTES", "MAX_UPLOAD_MB",
		"RABBITMQ_URL", "EVENTS_EXCHANGE", "REDIS_RATE_LIMIT_PREFIX", "VERIFY_RATE_LIMIT_PER_MINUTE",
		"BACKUP_SCHEDULE", "STATS_REPORT_SCHEDULE",
	} {
		_ = viper.BindEnv(key)
	}
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "INSTADROP_REDIS_URL")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.MetadataBackend = strings.ToLower(strings.TrimSpace(config.MetadataBackend))
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	switch config.MetadataBackend {
	case MetadataBackendJSON:
	case MetadataBackendPostgres:
		if config.DatabaseURL == "" {
			log.Printf("level=warn component=config msg=\"postgres metadata backend requires DATABASE_URL; using json\"")
			config.MetadataBackend = MetadataBackendJSON
		}
	default:
		log.Printf("level=warn component=config msg=\"unknown METADATA_BACKEND; using json\" value=%q", config.MetadataBackend)
		config.MetadataBackend = MetadataBackendJSON
	}
	if config.MetadataCacheSize < 0 {
		config.MetadataCacheSize = 0
	}

	config.StorageBackend = strings.ToLower(strings.TrimSpace(config.StorageBackend))
	config.MinioEndpoint = strings.TrimSpace(config.MinioEndpoint)
	switch config.StorageBackend {
	case StorageBackendLocal:
	case StorageBackendMinio:
		if config.MinioEndpoint == "" {
			log.Printf("level=warn component=config msg=\"minio storage backend requires MINIO_ENDPOINT; using local\"")
			config.StorageBackend = StorageBackendLocal
		}
	default:
		log.Printf("level=warn component=config msg=\"unknown STORAGE_BACKEND; using local\" value=%q", config.StorageBackend)
		config.StorageBackend = StorageBackendLocal
	}

	config.VerificationFailurePolicy = strings.ToLower(strings.TrimSpace(config.VerificationFailurePolicy))
	if config.VerificationFailurePolicy != "fail-open" && config.VerificationFailurePolicy != "fail-closed" {
		log.Printf("level=warn component=config msg=\"unknown VERIFICATION_FAILURE_POLICY; using fail-open\" value=%q", config.VerificationFailurePolicy)
		config.VerificationFailurePolicy = "fail-open"
	}

	// Allow specifying the tolerance as a percentage via AMOUNT_TOLERANCE_PERCENT.
	if viper.IsSet("AMOUNT_TOLERANCE_PERCENT") {
		percentStr := strings.TrimSpace(viper.GetString("AMOUNT_TOLERANCE_PERCENT"))
		if percentStr != "" {
			percentValue, parseErr := strconv.ParseFloat(percentStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid AMOUNT_TOLERANCE_PERCENT\" value=%q err=%v", percentStr, parseErr)
			} else {
				config.AmountTolerance = percentValue / 100
			}
		}
	}
	if config.AmountTolerance < 0 {
		log.Printf("level=warn component=config msg=\"negative amount tolerance configured; coercing to zero\" tolerance=%f", config.AmountTolerance)
		config.AmountTolerance = 0
	}
	if config.AmountTolerance >= 1 {
		log.Printf("level=warn component=config msg=\"amount tolerance too high; using default\" tolerance=%f", config.AmountTolerance)
		config.AmountTolerance = defaultAmountTolerance
	}

	// Allow specifying the upload limit in megabytes via MAX_UPLOAD_MB.
	if viper.IsSet("MAX_UPLOAD_MB") {
		mbStr := strings.TrimSpace(viper.GetString("MAX_UPLOAD_MB"))
		if mbStr != "" {
			mbValue, parseErr := strconv.ParseInt(mbStr, 10, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid MAX_UPLOAD_MB\" value=%q err=%v", mbStr, parseErr)
			} else {
				config.MaxUploadBytes = mbValue * 1024 * 1024
			}
		}
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = defaultMaxUploadBytes
	}

	if config.LedgerTimeoutSeconds <= 0 {
		config.LedgerTimeoutSeconds = defaultLedgerTimeoutSecs
	}
	if config.MinReferenceLength <= 0 {
		config.MinReferenceLength = 10
	}
	if config.VerifyRateLimitPerMinute < 0 {
		config.VerifyRateLimitPerMinute = 0
	}
	config.Currency = strings.ToUpper(strings.TrimSpace(config.Currency))
	if config.Currency == "" {
		config.Currency = "STX"
	}
	config.LedgerAPIBaseURL = strings.TrimSuffix(strings.TrimSpace(config.LedgerAPIBaseURL), "/")
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}

	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS into the list cors.Options expects.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
