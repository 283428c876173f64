// Package config provides environment-aware configuration management for
// the gateway process. Configuration is read once at startup; runtime
// reconfiguration is a non-goal.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DeviceSpec describes one GPU device from the inventory descriptor.
type DeviceSpec struct {
	ID          string `json:"id"`
	TotalMemory int    `json:"total_memory"`
}

// TierLimit is the requests-per-window rate limit for one principal tier.
type TierLimit struct {
	Limit  int
	Window time.Duration
}

// Config holds all gateway configuration, assembled once at process
// startup and passed by value into component constructors — no
// package-level singleton holds it.
type Config struct {
	Addr string

	LogLevel  string
	LogFormat string

	// TokenService signing keys. When AzureKeyVaultURL is set the HSM-like
	// KeyProvider loads from Key Vault instead of these paths.
	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration

	AzureKeyVaultURL string
	AzureKeyName     string

	RedisAddr string
	UseRedis  bool

	PostgresDSN  string
	UsePostgres  bool
	MigrationDir string

	GPUDevices []DeviceSpec

	TierLimits map[string]TierLimit

	JobTTL           time.Duration
	AdmissionTimeout time.Duration
	QueueCapacity    int
	SchedulerWorkers int

	BodyLimitBytes int64

	CORSAllowedOrigins []string

	// JobGCCron schedules the JobRegistry TTL sweep, e.g. "@every 1m".
	JobGCCron string
}

// Load assembles a Config from the process environment.
func Load() (*Config, error) {
	devices, err := parseGPUInventory(getEnv("GPU_INVENTORY", ""))
	if err != nil {
		return nil, fmt.Errorf("parsing GPU_INVENTORY: %w", err)
	}
	if len(devices) == 0 {
		devices = defaultGPUInventory()
	}

	cfg := &Config{
		Addr: getEnv("GATEWAY_ADDR", ":8080"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		JWTPrivateKeyPath: getEnv("JWT_PRIVATE_KEY_PATH", "/secrets/jwt-private.pem"),
		JWTPublicKeyPath:  getEnv("JWT_PUBLIC_KEY_PATH", "/secrets/jwt-public.pem"),
		AccessTokenTTL:    getDurationEnv("ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:   getDurationEnv("REFRESH_TOKEN_TTL", 30*24*time.Hour),

		AzureKeyVaultURL: getEnv("AZURE_KEYVAULT_URL", ""),
		AzureKeyName:     getEnv("AZURE_KEY_NAME", "gateway-signing-key"),

		RedisAddr: getEnv("REDIS_ADDR", ""),

		PostgresDSN:  getEnv("POSTGRES_DSN", ""),
		MigrationDir: getEnv("POSTGRES_MIGRATIONS_DIR", "internal/users/migrations"),

		GPUDevices: devices,

		JobTTL:           getDurationEnv("JOB_TTL", time.Hour),
		AdmissionTimeout: getDurationEnv("ADMISSION_DEADLINE", 30*time.Second),
		QueueCapacity:    getIntEnv("QUEUE_CAPACITY", 1000),
		SchedulerWorkers: getIntEnv("SCHEDULER_WORKERS", 0),

		BodyLimitBytes: int64(getIntEnv("BODY_LIMIT_BYTES", 1<<20)),

		CORSAllowedOrigins: splitAndTrimCSV(getEnv("CORS_ALLOWED_ORIGINS", "*")),

		JobGCCron: getEnv("JOB_GC_CRON", "@every 1m"),
	}

	cfg.UseRedis = cfg.RedisAddr != ""
	cfg.UsePostgres = cfg.PostgresDSN != ""

	cfg.TierLimits = defaultTierLimits()
	applyTierOverrides(cfg.TierLimits)

	if cfg.SchedulerWorkers <= 0 {
		cfg.SchedulerWorkers = 2 * maxInt(1, len(cfg.GPUDevices))
	}

	return cfg, nil
}

// defaultTierLimits mirrors the original prototype's tier_hierarchy, giving
// each tier a requests-per-minute ceiling. "admin" and "research" principals
// additionally carry api.rate_limit_bypass, which skips the check entirely
// regardless of the numeric limit recorded here.
func defaultTierLimits() map[string]TierLimit {
	return map[string]TierLimit{
		"free":       {Limit: 10, Window: time.Minute},
		"pro":        {Limit: 60, Window: time.Minute},
		"enterprise": {Limit: 600, Window: time.Minute},
		"research":   {Limit: 600, Window: time.Minute},
		"admin":      {Limit: 6000, Window: time.Minute},
	}
}

// applyTierOverrides lets operators override a single tier's limit via
// RATE_LIMIT_<TIER>, e.g. RATE_LIMIT_PRO=120.
func applyTierOverrides(limits map[string]TierLimit) {
	for tier, limit := range limits {
		override := getIntEnv("RATE_LIMIT_"+strings.ToUpper(tier), 0)
		if override > 0 {
			limit.Limit = override
			limits[tier] = limit
		}
	}
}

// defaultGPUInventory matches original_source/inference-pool/src/app.py's
// gpu_status seed: four devices, 24 GiB each. Production deployments must
// set GPU_INVENTORY explicitly.
func defaultGPUInventory() []DeviceSpec {
	return []DeviceSpec{
		{ID: "gpu_0", TotalMemory: 24},
		{ID: "gpu_1", TotalMemory: 24},
		{ID: "gpu_2", TotalMemory: 24},
		{ID: "gpu_3", TotalMemory: 24},
	}
}

// parseGPUInventory decodes the GPU_INVENTORY env var, a JSON array of
// {id, total_memory} objects. The payload is checked and decoded with
// gjson alone, entry by entry, so a malformed descriptor or an entry
// without an id or a positive total_memory fails with a clear
// configuration error.
func parseGPUInventory(raw string) ([]DeviceSpec, error) {
	if raw == "" {
		return nil, nil
	}
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("not valid JSON")
	}
	result := gjson.Parse(raw)
	if !result.IsArray() {
		return nil, fmt.Errorf("must be a JSON array")
	}

	var devices []DeviceSpec
	var parseErr error
	result.ForEach(func(_, value gjson.Result) bool {
		id := value.Get("id")
		mem := value.Get("total_memory")
		if !id.Exists() || id.String() == "" {
			parseErr = fmt.Errorf("entry missing \"id\"")
			return false
		}
		if !mem.Exists() || mem.Int() <= 0 {
			parseErr = fmt.Errorf("entry %q missing positive \"total_memory\"", id.String())
			return false
		}
		devices = append(devices, DeviceSpec{ID: id.String(), TotalMemory: int(mem.Int())})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return devices, nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitAndTrimCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
