package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type EventsCfg struct {
	Enabled   bool
	Brokers   string
	Topic     string
	QueueSize int
}

type Config struct {
	Addr           string
	LogLevel       string
	RedisAddr      string
	ImageryBaseURL string
	ImageryToken   string
	StoreOpTimeout time.Duration
	H3Res          int
	GeomCacheSize  int
	Events         EventsCfg
}

func FromEnv() Config {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	res := getint("H3_RES", 8)
	if res < 0 {
		res = 0
	}
	if res > 15 {
		res = 15
	}

	return Config{
		Addr:           getenv("ADDR", ":8085"),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
		ImageryBaseURL: getenv("IMAGERY_BASE_URL", "https://earthengine.googleapis.com"),
		ImageryToken:   getenv("IMAGERY_TOKEN", ""),
		StoreOpTimeout: getduration("STORE_OP_TIMEOUT", 2*time.Second),
		H3Res:          res,
		GeomCacheSize:  getint("GEOM_CACHE_SIZE", 512),
		Events: EventsCfg{
			Enabled:   getbool("EVENTS_ENABLED", false),
			Brokers:   getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:     getenv("EVENTS_TOPIC", "asset-changes"),
			QueueSize: getint("EVENTS_QUEUE", 1024),
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
