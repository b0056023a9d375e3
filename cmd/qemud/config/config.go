// Package config loads qemud's daemon configuration from the environment,
// grounded on cmd/api/config/config.go's getEnv/getEnvBool
// pattern and its Load()-loads-.env-then-applies-defaults shape.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds qemud's daemon-wide settings.
type Config struct {
	DataDir    string // root of the per-VM state tree (see lib/paths)
	BridgeName string // Linux bridge every VM's tap device attaches to
	LeasesFile string // dnsmasq-style DHCP leases file, read by lib/platform

	QEMUSystemBinary string // e.g. "qemu-system-x86_64"
	QEMUImgBinary    string // "qemu-img"

	DisableAppArmor bool

	LogLevel string

	// OpenTelemetry configuration, mirrored from the teacher's otel wiring.
	OtelEnabled           bool
	OtelEndpoint          string
	OtelServiceName       string
	OtelServiceInstanceID string
	OtelInsecure          bool
	Env                   string
}

// Load reads Config from the environment, loading a .env file first if one
// is present (silently ignored otherwise, matching the teacher).
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		DataDir:    getEnv("DATA_DIR", "/var/lib/qemud"),
		BridgeName: getEnv("BRIDGE_NAME", "qemud0"),
		LeasesFile: getEnv("LEASES_FILE", "/var/lib/misc/dnsmasq.leases"),

		QEMUSystemBinary: getEnv("QEMU_SYSTEM_BINARY", "qemu-system-x86_64"),
		QEMUImgBinary:    getEnv("QEMU_IMG_BINARY", "qemu-img"),

		DisableAppArmor: getEnvBool("DISABLE_APPARMOR", false),

		LogLevel: getEnv("LOG_LEVEL", "info"),

		OtelEnabled:           getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:          getEnv("OTEL_ENDPOINT", "127.0.0.1:4317"),
		OtelServiceName:       getEnv("OTEL_SERVICE_NAME", "qemud"),
		OtelServiceInstanceID: getEnv("OTEL_SERVICE_INSTANCE_ID", getHostname()),
		OtelInsecure:          getEnvBool("OTEL_INSECURE", true),
		Env:                   getEnv("ENV", "unset"),
	}
}

func getHostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "unknown"
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
