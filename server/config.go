package server

import (
	"encoding/json"
	"net/url"
	"os"
	"strconv"
)

// Config holds everything needed to stand up the service. It mirrors
// spec.md ยง6's environment-keyed configuration surface, with a JSON
// file able to supply defaults the same way the teacher's config.json
// did (ReadConfig unmarshals it directly into this struct).
type Config struct {
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	Certificate          string `json:"certificate"`
	PrivateKey           string `json:"privatekey"`
	PageSize             int    `json:"page_size"`
	DeliveryWorkers      int    `json:"delivery_workers"`
	DeliveryMaxAttempts  int    `json:"delivery_max_attempts"`
	DBPath               string `json:"db_path"`
	QueueDBPath          string `json:"queue_db_path"`
	SignatureSkewSeconds int    `json:"signature_skew_seconds"`
	RemoteFetchTimeoutMS int    `json:"remote_fetch_timeout_ms"`
}

// UseTLS reports whether both halves of a certificate pair are present.
func (c Config) UseTLS() bool {
	return c.Certificate != "" && c.PrivateKey != ""
}

// BaseURL is the scheme+host this instance mints IRIs under.
func (c Config) BaseURL() string {
	scheme := "http"
	if c.UseTLS() {
		scheme = "https"
	}
	return scheme + "://" + c.Host
}

// PublicHost returns the bare hostname used in WebFinger acct: subjects.
func (c Config) PublicHost() string {
	u, err := url.Parse(c.BaseURL())
	if err != nil {
		return c.Host
	}
	return u.Hostname()
}

// Defaults returns a Config with every field set to its documented
// fallback, matching spec.md ยง3's page-size-20 example and a
// conservative retry ceiling.
func Defaults() Config {
	return Config{
		Host:                 "localhost:8080",
		Port:                 8080,
		PageSize:             20,
		DeliveryWorkers:      4,
		DeliveryMaxAttempts:  8,
		DBPath:               "onepagepub.db",
		QueueDBPath:          "onepagepub-queue.db",
		SignatureSkewSeconds: 300,
		RemoteFetchTimeoutMS: 10_000,
	}
}

// ReadConfig unmarshals a JSON config file's bytes onto the defaults.
func ReadConfig(b []byte) (Config, error) {
	cfg := Defaults()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays recognized environment variables onto cfg, taking
// precedence over anything loaded from a config file. This is the
// "Configuration (environment)" surface spec.md ยง6 names explicitly.
func (c Config) ApplyEnv() Config {
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("TLS_CERT"); v != "" {
		c.Certificate = v
	}
	if v := os.Getenv("TLS_KEY"); v != "" {
		c.PrivateKey = v
	}
	if v := os.Getenv("PAGE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PageSize = n
		}
	}
	if v := os.Getenv("DELIVERY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DeliveryWorkers = n
		}
	}
	if v := os.Getenv("DELIVERY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DeliveryMaxAttempts = n
		}
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("QUEUE_DB_PATH"); v != "" {
		c.QueueDBPath = v
	}
	return c
}
