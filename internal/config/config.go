package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr       string
	CORSOrigin string

	// Redis - backing store for room state and realtime events
	RedisURL      string
	RoomTTL       time.Duration
	StoreFailMode string // "closed" (default) or "open"

	// AI provider (OpenAI compatible mode)
	AIBaseURL       string
	AIAPIKey        string
	AIPrimaryModel  string
	AIFallbackModel string
	AITimeout       time.Duration

	// Owner capability enforcement. When false, role claims from the
	// request body are trusted as-is (legacy clients).
	RequireOwnerKey bool

	// Search - empty MeiliURL keeps the in-memory fallback active
	MeiliURL       string
	MeiliMasterKey string
}

func Load() Config {
	return Config{
		Addr:       getenv("API_ADDR", ":8787"),
		CORSOrigin: getenv("REVIEWROOM_CORS_ORIGIN", "*"),

		RedisURL:      getenv("REDIS_URL", "redis://localhost:6379/0"),
		RoomTTL:       time.Duration(getenvInt("ROOM_TTL_SECONDS", 86400)) * time.Second,
		StoreFailMode: getenv("ROOM_STORE_FAIL_MODE", "closed"),

		AIBaseURL:       getenv("AI_BASE_URL", "https://dashscope.aliyuncs.com/compatible-mode/v1"),
		AIAPIKey:        getenv("AI_API_KEY", ""),
		AIPrimaryModel:  getenv("AI_PRIMARY_MODEL", "deepseek-v3"),
		AIFallbackModel: getenv("AI_FALLBACK_MODEL", "qwen-plus"),
		AITimeout:       time.Duration(getenvInt("AI_TIMEOUT_SECONDS", 60)) * time.Second,

		RequireOwnerKey: getenvBool("REVIEWROOM_REQUIRE_OWNER_KEY", false),

		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
