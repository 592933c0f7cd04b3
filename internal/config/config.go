package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type DBConfig struct {
	Driver   string `validate:"oneof=mysql postgres memory"`
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

type MpesaConfig struct {
	BaseURL            string `validate:"required,url"`
	ConsumerKey        string
	ConsumerSecret     string
	ShortCode          string
	PassKey            string
	InitiatorName      string
	SecurityCredential string
	STKCallbackURL     string
	B2CResultURL       string
	B2CTimeoutURL      string
}

type PaystackConfig struct {
	BaseURL     string `validate:"required,url"`
	SecretKey   string
	CallbackURL string
}

type SMSConfig struct {
	GatewayURL string
	APIKey     string
	SenderID   string
}

// MailConfig points at an SMTP relay. An empty Host disables email notices.
type MailConfig struct {
	Host     string
	Port     int `validate:"gte=0,lte=65535"`
	Username string
	Password string
	From     string `validate:"omitempty,email"`
	Subject  string
}

// Config is built once at startup and handed to constructors.
type Config struct {
	Environment string
	Port        string `validate:"required"`
	GRPCPort    string `validate:"required"`
	GinMode     string
	LogLevel    string

	DB           DBConfig
	RedisURL     string
	KafkaBrokers []string
	PayoutTopic  string

	Currency        string `validate:"required,len=3"`
	CurrencyPlaces  int32  `validate:"gte=0,lte=4"`
	RegistrationFee decimal.Decimal

	MaxRetries             int           `validate:"gte=0,lte=20"`
	RetryBaseDelay         time.Duration `validate:"gt=0"`
	RetryMaxDelay          time.Duration `validate:"gt=0"`
	GatewayTimeout         time.Duration `validate:"gt=0"`
	DisbursementStaleAfter time.Duration `validate:"gt=0"`
	CollectionTimeout      time.Duration `validate:"gt=0"`
	StatusCacheTTL         time.Duration

	Mpesa    MpesaConfig
	Paystack PaystackConfig
	SMS      SMSConfig
	Mail     MailConfig
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "" || c.Environment == "development"
}

// LoadEnvFiles reads .env from the working directory or its parent. Missing
// files are not an error; the process environment is used instead.
func LoadEnvFiles(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env", "../.env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err == nil {
			return
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("PORT", "8080")
	v.SetDefault("GRPC_PORT", "50051")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_DRIVER", "mysql")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "3306")
	v.SetDefault("DB_NAME", "settlement")
	v.SetDefault("PAYOUT_TOPIC", "settlement.payout")
	v.SetDefault("CURRENCY", "KES")
	v.SetDefault("CURRENCY_PLACES", 2)
	v.SetDefault("REGISTRATION_FEE", "200.00")
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("RETRY_BASE_DELAY", "30s")
	v.SetDefault("RETRY_MAX_DELAY", "10m")
	v.SetDefault("GATEWAY_TIMEOUT", "20s")
	v.SetDefault("DISBURSEMENT_STALE_AFTER", "30m")
	v.SetDefault("COLLECTION_TIMEOUT", "30m")
	v.SetDefault("STATUS_CACHE_TTL", "30s")
	v.SetDefault("MPESA_BASE_URL", "https://sandbox.safaricom.co.ke")
	v.SetDefault("PAYSTACK_BASE_URL", "https://api.paystack.co")
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("MAIL_SUBJECT", "Payment update")
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	fee, err := decimal.NewFromString(v.GetString("REGISTRATION_FEE"))
	if err != nil {
		return nil, fmt.Errorf("REGISTRATION_FEE: %w", err)
	}

	cfg := &Config{
		Environment: v.GetString("ENVIRONMENT"),
		Port:        v.GetString("PORT"),
		GRPCPort:    v.GetString("GRPC_PORT"),
		GinMode:     v.GetString("GIN_MODE"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		DB: DBConfig{
			Driver:   v.GetString("DB_DRIVER"),
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Name:     v.GetString("DB_NAME"),
		},
		RedisURL:               v.GetString("REDIS_URL"),
		KafkaBrokers:           splitCSV(v.GetString("KAFKA_BROKERS")),
		PayoutTopic:            v.GetString("PAYOUT_TOPIC"),
		Currency:               strings.ToUpper(v.GetString("CURRENCY")),
		CurrencyPlaces:         v.GetInt32("CURRENCY_PLACES"),
		RegistrationFee:        fee,
		MaxRetries:             v.GetInt("MAX_RETRIES"),
		RetryBaseDelay:         v.GetDuration("RETRY_BASE_DELAY"),
		RetryMaxDelay:          v.GetDuration("RETRY_MAX_DELAY"),
		GatewayTimeout:         v.GetDuration("GATEWAY_TIMEOUT"),
		DisbursementStaleAfter: v.GetDuration("DISBURSEMENT_STALE_AFTER"),
		CollectionTimeout:      v.GetDuration("COLLECTION_TIMEOUT"),
		StatusCacheTTL:         v.GetDuration("STATUS_CACHE_TTL"),
		Mpesa: MpesaConfig{
			BaseURL:            v.GetString("MPESA_BASE_URL"),
			ConsumerKey:        v.GetString("MPESA_CONSUMER_KEY"),
			ConsumerSecret:     v.GetString("MPESA_CONSUMER_SECRET"),
			ShortCode:          v.GetString("MPESA_SHORTCODE"),
			PassKey:            v.GetString("MPESA_PASSKEY"),
			InitiatorName:      v.GetString("MPESA_INITIATOR_NAME"),
			SecurityCredential: v.GetString("MPESA_SECURITY_CREDENTIAL"),
			STKCallbackURL:     v.GetString("MPESA_STK_CALLBACK_URL"),
			B2CResultURL:       v.GetString("MPESA_B2C_RESULT_URL"),
			B2CTimeoutURL:      v.GetString("MPESA_B2C_TIMEOUT_URL"),
		},
		Paystack: PaystackConfig{
			BaseURL:     v.GetString("PAYSTACK_BASE_URL"),
			SecretKey:   v.GetString("PAYSTACK_SECRET_KEY"),
			CallbackURL: v.GetString("PAYSTACK_CALLBACK_URL"),
		},
		SMS: SMSConfig{
			GatewayURL: v.GetString("SMS_GATEWAY_URL"),
			APIKey:     v.GetString("SMS_API_KEY"),
			SenderID:   v.GetString("SMS_SENDER_ID"),
		},
		Mail: MailConfig{
			Host:     v.GetString("SMTP_HOST"),
			Port:     v.GetInt("SMTP_PORT"),
			Username: v.GetString("SMTP_USERNAME"),
			Password: v.GetString("SMTP_PASSWORD"),
			From:     v.GetString("MAIL_FROM"),
			Subject:  v.GetString("MAIL_SUBJECT"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if !cfg.RegistrationFee.IsPositive() {
		return nil, fmt.Errorf("invalid configuration: REGISTRATION_FEE must be positive")
	}
	return cfg, nil
}

// NewLogger builds the process logger. Development gets text output,
// everything else JSON.
func NewLogger(cfg *Config) *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if cfg.IsDevelopment() {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
