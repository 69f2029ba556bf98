package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/overcast-hq/overcast/internal/api/http"
	"github.com/overcast-hq/overcast/internal/db"
)

type Config struct {
	Log  LogConfig
	Http http.Config
	Grpc GrpcConfig
	DB   db.Config `mapstructure:"db"`
}

type GrpcConfig struct {
	Port int       `mapstructure:"port"`
	TLS  TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
	CAFile     string `mapstructure:"ca_file"`
	CAKeyFile  string `mapstructure:"ca_key_file"`
	ClientAuth string `mapstructure:"client_auth"`
	// AutoGenerate creates a self-signed CA and server certificate when
	// the configured files are missing. For dev and single-box installs.
	AutoGenerate bool     `mapstructure:"auto_generate"`
	DomainNames  []string `mapstructure:"domain_names"`
}

var config Config

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/overcast-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("http.port", 8080)
	viper.SetDefault("http.jwt_expiry", "24h")
	viper.SetDefault("grpc.port", 9090)
	viper.SetDefault("db.schema", "overcast")
	viper.SetDefault("log.level", "INFO")

	_ = viper.BindEnv("http.jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("http.enrollment_token", "ENROLLMENT_TOKEN")
	_ = viper.BindEnv("db.url", "DATABASE_URL")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		redacted.Http.JWTSecret = "***"
		redacted.Http.EnrollmentToken = "***"
		redacted.DB.URL = "***"
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
