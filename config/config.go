package config

import (
	"os"
	"strconv"
	"time"

	"chatbridge/pkg/api"
)

// Config collects every tunable the gateway reads from the environment.
type Config struct {
	Service  ServiceConfig
	Firebase FirebaseConfig
	Session  SessionConfig
	Presence PresenceConfig
	Call     CallConfig
}

type ServiceConfig struct {
	Addr string
	Env  string
	// Demo switches the gateway onto the in-memory store and blob store,
	// no Firebase project needed.
	Demo bool
}

type FirebaseConfig struct {
	// StorageBucket overrides the project default bucket. Credentials and
	// project id come from the standard GOOGLE_APPLICATION_CREDENTIALS /
	// GOOGLE_CLOUD_PROJECT environment, like any Firebase admin client.
	StorageBucket string
}

type SessionConfig struct {
	Dir string
}

type PresenceConfig struct {
	HeartbeatInterval time.Duration
}

type CallConfig struct {
	RingTimeout time.Duration
}

// Load reads the configuration from the environment, falling back to
// defaults that work for local development.
func Load() Config {
	return Config{
		Service: ServiceConfig{
			Addr: envOr("SERVER_ADDR", ":8080"),
			Env:  envOr("APP_ENV", "development"),
			Demo: envBool("DEMO_MODE"),
		},
		Firebase: FirebaseConfig{
			StorageBucket: os.Getenv("FIREBASE_STORAGE_BUCKET"),
		},
		Session: SessionConfig{
			Dir: envOr("SESSION_DIR", "data"),
		},
		Presence: PresenceConfig{
			HeartbeatInterval: envDuration("HEARTBEAT_INTERVAL", api.DefaultHeartbeatInterval),
		},
		Call: CallConfig{
			RingTimeout: envDuration("CALL_RING_TIMEOUT", api.DefaultRingTimeout),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && v
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
