package config

import (
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	VerifyToken   string
	WhatsAppToken string
	PhoneNumberID string
	GraphAPIURL   string
	JWTSecret     string
	RoutingFile   string
	LogLevel      string

	DBDriver   string
	DBPath     string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string
}

// LoadConfig reads .env if present and falls back to process environment.
// The returned warning is non-nil when no .env file could be loaded.
func LoadConfig() (*Config, error) {
	warn := godotenv.Load()

	return &Config{
		Port:          getEnv("PORT", "8080"),
		VerifyToken:   getEnv("VERIFY_TOKEN", ""),
		WhatsAppToken: getEnv("WHATSAPP_TOKEN", ""),
		PhoneNumberID: getEnv("PHONE_NUMBER_ID", ""),
		GraphAPIURL:   getEnv("GRAPH_API_URL", "https://graph.facebook.com/v19.0"),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		RoutingFile:   getEnv("ROUTING_FILE", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		DBDriver:   getEnv("DB_DRIVER", "postgres"),
		DBPath:     getEnv("DB_PATH", "./whatsapp.db"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "whatsapp"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),
	}, warn
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
