package config

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// AsteriskConfig holds the ARI connection parameters, read from ASTERISK__URL,
// ASTERISK__APP, ASTERISK__USERNAME and ASTERISK__PASSWORD (ARI_* is not read).
type AsteriskConfig struct {
	URL      string `mapstructure:"url" validate:"required"`
	App      string `mapstructure:"app" validate:"required"`
	Username string `mapstructure:"username" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
}

// RTPConfig holds the UDP ingest socket parameters, read from RTP__* (e.g.
// RTP__HOST, RTP__HEADER_SIZE; single-underscore RTP_* is not read).
type RTPConfig struct {
	Host       string `mapstructure:"host" validate:"required"`
	Port       int    `mapstructure:"port" validate:"required"`
	Swap16     bool   `mapstructure:"swap16"`
	HeaderSize int    `mapstructure:"header_size" validate:"required"`
}

// MQTTConfig holds the message-bus connection parameters, read from MQTT__*
// (e.g. MQTT__URL, MQTT__TOPIC_PREFIX; single-underscore MQTT_* is not read).
type MQTTConfig struct {
	URL          string `mapstructure:"url" validate:"required"`
	TopicPrefix  string `mapstructure:"topic_prefix"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	ReconnectSec int    `mapstructure:"reconnect_seconds" validate:"required"`
}

// PgvectorConfig holds the persistence-layer connection parameters, read from
// PGVECTOR__* (e.g. PGVECTOR__HOST; single-underscore PGVECTOR_* is not read).
type PgvectorConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

// IsConfigured reports whether all five connection parameters are present,
// mirroring db.py's is_configured() gate on the persistence layer.
func (p PgvectorConfig) IsConfigured() bool {
	return p.Host != "" && p.Port != 0 && p.User != "" && p.Password != "" && p.Database != ""
}

// AppConfig is the process-wide configuration, unmarshalled from the
// environment by InitConfig/GetApplicationConfig.
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`

	HTTPHost string `mapstructure:"http_host" validate:"required"`
	HTTPPort int    `mapstructure:"http_port" validate:"required"`
	APIToken string `mapstructure:"api_token"`

	Asterisk AsteriskConfig `mapstructure:"asterisk" validate:"required"`
	RTP      RTPConfig      `mapstructure:"rtp" validate:"required"`
	MQTT     MQTTConfig     `mapstructure:"mqtt" validate:"required"`
	Pgvector PgvectorConfig `mapstructure:"pgvector"`

	DeepgramAPIKey              string `mapstructure:"deepgram_api_key"`
	DeepgramTimeoutSeconds      int    `mapstructure:"deepgram_timeout_seconds" validate:"required"`
	MistralAPIKey               string `mapstructure:"mistral_api_key"`
	OpenAIAPIKey                string `mapstructure:"openai_api_key"`
	TranscriptionProvider       string `mapstructure:"transcription_provider" validate:"required"`
	CallProcessorTimeoutSeconds int    `mapstructure:"call_processor_timeout_seconds" validate:"required"`
}

// InitConfig wires up viper the same way the rest of this codebase's
// services do: "__" as the nesting delimiter so PGVECTOR__HOST maps onto
// AppConfig.Pgvector.Host, an optional .env file, then AutomaticEnv so real
// process environment variables always win.
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	if path := os.Getenv("ENV_PATH"); path != "" {
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("satellite: no .env file found, reading from process environment")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "satellite")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_HOST", "0.0.0.0")
	v.SetDefault("HTTP_PORT", 8000)
	v.SetDefault("API_TOKEN", "")

	v.SetDefault("ASTERISK__URL", "http://localhost:8088")
	v.SetDefault("ASTERISK__APP", "satellite")
	v.SetDefault("ASTERISK__USERNAME", "asterisk")
	v.SetDefault("ASTERISK__PASSWORD", "asterisk")

	v.SetDefault("RTP__HOST", "0.0.0.0")
	v.SetDefault("RTP__PORT", 10000)
	v.SetDefault("RTP__SWAP16", true)
	v.SetDefault("RTP__HEADER_SIZE", 12)

	v.SetDefault("MQTT__URL", "mqtt://localhost:1883")
	v.SetDefault("MQTT__TOPIC_PREFIX", "satellite")
	v.SetDefault("MQTT__USERNAME", "")
	v.SetDefault("MQTT__PASSWORD", "")
	v.SetDefault("MQTT__RECONNECT_SECONDS", 5)

	v.SetDefault("PGVECTOR__HOST", "")
	v.SetDefault("PGVECTOR__PORT", 5432)
	v.SetDefault("PGVECTOR__USER", "")
	v.SetDefault("PGVECTOR__PASSWORD", "")
	v.SetDefault("PGVECTOR__DATABASE", "")

	v.SetDefault("DEEPGRAM_API_KEY", "")
	v.SetDefault("DEEPGRAM_TIMEOUT_SECONDS", 300)
	v.SetDefault("MISTRAL_API_KEY", "")
	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("TRANSCRIPTION_PROVIDER", "deepgram")
	v.SetDefault("CALL_PROCESSOR_TIMEOUT_SECONDS", 600)
}

// GetApplicationConfig unmarshals and validates the typed AppConfig.
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
