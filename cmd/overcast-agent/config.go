package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log    LogConfig
	Server ServerConfig
	Grpc   GrpcConfig
}

type ServerConfig struct {
	WsURL           string `mapstructure:"ws_url"`
	AgentID         string `mapstructure:"agent_id"`
	EnrollmentToken string `mapstructure:"enrollment_token" json:"-"`
}

type GrpcConfig struct {
	ServerAddress string    `mapstructure:"server_address"`
	TLS           TLSConfig `mapstructure:"tls"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CAFile             string `mapstructure:"ca_file"`
	ServerNameOverride string `mapstructure:"server_name_override"`
}

var config Config

// configPath remembers which file viper loaded so a generated agent ID can
// be written back to it.
var configPath string

func InitConfig() {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/overcast-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("log.level", "INFO")
	viper.SetDefault("server.ws_url", "ws://localhost:8080/ws/agent")
	viper.SetDefault("grpc.server_address", "localhost:9090")

	_ = viper.BindEnv("server.enrollment_token", "ENROLLMENT_TOKEN")
	_ = viper.BindEnv("server.ws_url", "OVERCAST_WS_URL")
	_ = viper.BindEnv("grpc.server_address", "OVERCAST_GRPC_ADDRESS")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	} else {
		configPath = viper.ConfigFileUsed()
	}

	if err := viper.Unmarshal(&config); err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
