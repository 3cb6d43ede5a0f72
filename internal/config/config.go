package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	ServerPort              int
	TR069Port               int
	DatabaseURL             string
	JWTSecret               string
	LogLevel                string
	AuthEnabled             bool
	AdminUser               string
	AdminPass               string
	TR069User               string // inbound Basic-Auth for the ACS endpoint, empty disables the check
	TR069Pass               string
	ConnReqUser             string // default outbound connection-request credentials
	ConnReqPass             string
	OfflineThreshold        time.Duration
	ConnReqTimeout          time.Duration
	MikrotikHost            string
	MikrotikUser            string
	MikrotikPass            string
	MikrotikPort            int
	FirebaseCredentialsFile string
	FCMOperatorToken        string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		jwtSecret = generateRandomSecret(32)
		fmt.Printf("WARNING: JWT_SECRET not set, generated a random secret\n")
		fmt.Printf("Set JWT_SECRET environment variable for production use\n")
	}

	return &Config{
		ServerPort:              getEnvAsInt("SERVER_PORT", 8080),
		TR069Port:               getEnvAsInt("TR069_PORT", 7547),
		DatabaseURL:             getEnv("DATABASE_URL", "./data/acs.db"),
		JWTSecret:               jwtSecret,
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		AuthEnabled:             getEnvAsBool("AUTH_ENABLED", true),
		AdminUser:               getEnv("ADMIN_USER", "admin"),
		AdminPass:               getEnv("ADMIN_PASS", "admin123"),
		TR069User:               getEnv("TR069_USER", ""),
		TR069Pass:               getEnv("TR069_PASS", ""),
		ConnReqUser:             getEnv("CONNREQ_USER", "telecomadmin"),
		ConnReqPass:             getEnv("CONNREQ_PASS", "admintelecom"),
		OfflineThreshold:        getEnvAsDuration("OFFLINE_THRESHOLD", 10*time.Minute),
		ConnReqTimeout:          getEnvAsDuration("CONNREQ_TIMEOUT", 5*time.Second),
		MikrotikHost:            getEnv("MIKROTIK_HOST", ""),
		MikrotikUser:            getEnv("MIKROTIK_USER", "admin"),
		MikrotikPass:            getEnv("MIKROTIK_PASS", ""),
		MikrotikPort:            getEnvAsInt("MIKROTIK_PORT", 8728),
		FirebaseCredentialsFile: getEnv("FIREBASE_CREDENTIALS_FILE", ""),
		FCMOperatorToken:        getEnv("FCM_OPERATOR_TOKEN", ""),
	}
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// generateRandomSecret generates a cryptographically secure random string
func generateRandomSecret(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("fallback-secret-%d", time.Now().UnixNano())
	}
	for i := range b {
		b[i] = charset[b[i]%byte(len(charset))]
	}
	return string(b)
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		switch value {
		case "1", "t", "T", "true", "TRUE", "True", "yes", "YES":
			return true
		case "0", "f", "F", "false", "FALSE", "False", "no", "NO":
			return false
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
