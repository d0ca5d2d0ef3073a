package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Config holds configuration for the chatcli tool. Library packages take
// explicit options instead; env config is CLI-only.
type Config struct {
	ServerURL string // chat API base URL
	SocketURL string // live event endpoint
	Token     string // session credential, shared by REST and transport
	UserID    string
	Env       string
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	return &Config{
		ServerURL: getEnv("CHAT_SERVER_URL", "http://localhost:8080"),
		SocketURL: getEnv("CHAT_SOCKET_URL", "ws://localhost:8080/live"),
		Token:     os.Getenv("CHAT_TOKEN"),
		UserID:    os.Getenv("CHAT_USER_ID"),
		Env:       getEnv("ENV", "development"),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
