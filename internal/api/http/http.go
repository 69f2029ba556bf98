package http

import "time"

type Config struct {
	Port            uint          `mapstructure:"port"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	JWTExpiry       time.Duration `mapstructure:"jwt_expiry"`
	EnrollmentToken string        `mapstructure:"enrollment_token"`
}
