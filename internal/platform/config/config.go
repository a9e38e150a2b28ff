package config

import (
	"encoding/base64"
	"os"
)

// Engine captures the process-level configuration of the trust engine CLI.
type Engine struct {
	ServerURL string
	StorePath string

	// StoreKey is the 32-byte at-rest encryption key, base64-encoded in the
	// environment. Supplied by the device enrollment layer in production.
	StoreKey []byte

	DevServerAddr string
	LogLevel      string
}

// FromEnv builds the engine config from environment variables so main stays
// lean.
func FromEnv() Engine {
	serverURL := os.Getenv("TRUSTLOG_SERVER_URL")
	if serverURL == "" {
		serverURL = "http://localhost:8777"
	}

	storePath := os.Getenv("TRUSTLOG_STORE_PATH")
	if storePath == "" {
		storePath = "trustlog.db"
	}

	var storeKey []byte
	if raw := os.Getenv("TRUSTLOG_STORE_KEY"); raw != "" {
		if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
			storeKey = decoded
		}
	}

	devAddr := os.Getenv("TRUSTLOG_DEVSERVER_ADDR")
	if devAddr == "" {
		devAddr = ":8777"
	}

	logLevel := os.Getenv("TRUSTLOG_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	return Engine{
		ServerURL:     serverURL,
		StorePath:     storePath,
		StoreKey:      storeKey,
		DevServerAddr: devAddr,
		LogLevel:      logLevel,
	}
}
