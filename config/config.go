package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppPort           string
	AppMode           string
	UseAuthentication bool
	SecretKey         string

	RedisHost         string
	RedisPort         string
	RedisPassword     string
	CleanInterval     time.Duration
	CleanGroupsAmount int

	PresenceEnabled bool
	PresenceTTL     time.Duration

	PingInterval         time.Duration
	GroupBusyTimeout     time.Duration
	GroupInspectInterval time.Duration
	MaxTurnDuration      time.Duration
	MaxIdleDuration      time.Duration

	DynamoDBEnabled bool
	DynamoDBTable   string
	AWSRegion       string
	MirrorAccessKey string
	MirrorSecretKey string

	// Leader marks the instance that runs the group janitor and configures
	// the store's keyspace events. Exactly one instance per store should be
	// leader: the default suits a single-instance deployment, operators of a
	// multi-instance deployment must set LEADER=false on every follower.
	Leader bool
}

func LoadConfig() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	return &Config{
		AppPort:           getEnv("PORT", "3000"),
		AppMode:           getEnv("APP_MODE", "debug"),
		UseAuthentication: getEnvAsBool("USE_AUTHENTICATION", true),
		SecretKey:         getEnv("SECRET_KEY", ""),

		RedisHost:         getEnv("REDIS_HOST", "localhost"),
		RedisPort:         getEnv("REDIS_PORT", "6379"),
		RedisPassword:     getEnv("REDIS_PASSWORD", ""),
		CleanInterval:     getEnvAsMillis("REDIS_CLEAN_INTERVAL_MS", 60000),
		CleanGroupsAmount: getEnvAsInt("REDIS_CLEAN_GROUPS", 10000),

		PresenceEnabled: getEnvAsBool("PRESENCE_ENABLED", true),
		PresenceTTL:     time.Duration(getEnvAsInt("PRESENCE_TTL", 120)) * time.Second,

		PingInterval:         getEnvAsMillis("PING_INTERVAL_MS", 120000),
		GroupBusyTimeout:     getEnvAsMillis("GROUP_BUSY_TIMEOUT_MS", 95000),
		GroupInspectInterval: getEnvAsMillis("GROUP_INSPECT_INTERVAL_MS", 60000),
		MaxTurnDuration:      getEnvAsMillis("MESSAGE_MAX_DURATION_MS", 90000),
		MaxIdleDuration:      getEnvAsMillis("MESSAGE_MAX_IDLE_MS", 3000),

		DynamoDBEnabled: getEnvAsBool("DYNAMODB_ENABLED", false),
		DynamoDBTable:   getEnv("DYNAMODB_TABLE", "user_status"),
		AWSRegion:       getEnv("AWS_REGION", "us-east-1"),
		MirrorAccessKey: getEnv("MIRROR_ACCESS_KEY", ""),
		MirrorSecretKey: getEnv("MIRROR_SECRET_KEY", ""),

		Leader: getEnvAsBool("LEADER", true),
	}
}

func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsMillis(key string, fallback int) time.Duration {
	return time.Duration(getEnvAsInt(key, fallback)) * time.Millisecond
}
