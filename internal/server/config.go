package server

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shadowsift/shadowsift/internal/crypto"
)

// Config holds server configuration loaded from environment variables.
type Config struct {
	AdminToken  string
	MasterKey   [32]byte
	DBPath      string
	ListenAddr  string
	CORSOrigins []string

	ClassifierEndpoint string
	ClassifierAPIKey   string
	ClassifierModel    string

	StuckAfter time.Duration
}

// LoadConfig loads server configuration from environment variables.
func LoadConfig() (*Config, error) {
	adminToken := os.Getenv("SHADOWSIFT_ADMIN_TOKEN")
	if adminToken == "" {
		return nil, fmt.Errorf("SHADOWSIFT_ADMIN_TOKEN is required")
	}
	if len(adminToken) < 16 {
		return nil, fmt.Errorf("SHADOWSIFT_ADMIN_TOKEN must be at least 16 characters")
	}

	masterKey, err := crypto.MasterKeyFromHex(os.Getenv("SHADOWSIFT_MASTER_KEY"))
	if err != nil {
		return nil, fmt.Errorf("SHADOWSIFT_MASTER_KEY: %w", err)
	}

	dbPath := os.Getenv("SHADOWSIFT_DB_PATH")
	if dbPath == "" {
		dbPath = "shadowsift.db"
	}

	listenAddr := os.Getenv("SHADOWSIFT_LISTEN_ADDR")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	var corsOrigins []string
	if v := os.Getenv("SHADOWSIFT_CORS_ORIGINS"); v != "" {
		for _, o := range strings.Split(v, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				corsOrigins = append(corsOrigins, o)
			}
		}
	}

	stuckAfter := 2 * time.Minute
	if v := os.Getenv("SHADOWSIFT_STUCK_AFTER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("SHADOWSIFT_STUCK_AFTER must be a positive duration, got %q", v)
		}
		stuckAfter = d
	}

	return &Config{
		AdminToken:         adminToken,
		MasterKey:          masterKey,
		DBPath:             dbPath,
		ListenAddr:         listenAddr,
		CORSOrigins:        corsOrigins,
		ClassifierEndpoint: os.Getenv("SHADOWSIFT_CLASSIFIER_ENDPOINT"),
		ClassifierAPIKey:   os.Getenv("SHADOWSIFT_CLASSIFIER_API_KEY"),
		ClassifierModel:    os.Getenv("SHADOWSIFT_CLASSIFIER_MODEL"),
		StuckAfter:         stuckAfter,
	}, nil
}
