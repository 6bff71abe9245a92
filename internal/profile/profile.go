package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is configuration to start the broker.
type Profile struct {
	Mode    string
	Addr    string
	Port    int
	Data    string
	Driver  string
	DSN     string
	Version string

	// RedisURL selects the shared-state backend. Empty means the broker
	// runs with in-process fallbacks only (single instance).
	RedisURL string

	// Chat platform.
	BotToken         string
	SupportGroupID   int64
	MultiBotEnabled  bool
	Bots             []BotEntry
	AdminUserIDs     []int64
	ExternalGroupIDs []int64

	// Webhook ingress.
	WebhookPath        string
	WebhookSecretToken string
	PublicBaseURL      string

	// Ops API. Empty secret disables the API entirely.
	OpsJWTSecret string

	// Fleet and failover.
	FailureThreshold      int
	RecoveryCheckInterval time.Duration
	HealthCheckInterval   time.Duration
	AutoFailoverEnabled   bool
	WorkerCount           int
	BotMaxPerMinute       int

	// Rate limiting.
	RateLimitEnabled        bool
	RateLimitUserMessages   int
	RateLimitWindow         time.Duration
	RateLimitBurst          int
	RateLimitPunishment     time.Duration
	RateLimitNotifyCooldown time.Duration

	// Conversations.
	PreBindLimit int
}

// BotEntry is one bot in the fleet list, parsed from BOT_TOKENS.
type BotEntry struct {
	ID       string
	Token    string
	Priority int
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultInt64 returns environment variable value as int64 or default value.
func getEnvOrDefaultInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvOrDefaultBool returns environment variable value as bool or default value.
func getEnvOrDefaultBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// parseInt64List parses a comma-separated list of int64 values, skipping
// anything unparsable.
func parseInt64List(value string) []int64 {
	if value == "" {
		return nil
	}
	var out []int64
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if v, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// parseBotList parses the BOT_TOKENS fleet list. Each entry is
// "id:token" or "id:token:priority"; entries are comma separated.
// Priority defaults to the entry's position (first listed = most preferred).
func parseBotList(value string) []BotEntry {
	if value == "" {
		return nil
	}
	var out []BotEntry
	for i, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 3)
		if len(fields) < 2 || fields[0] == "" || fields[1] == "" {
			continue
		}
		entry := BotEntry{ID: fields[0], Token: fields[1], Priority: i + 1}
		if len(fields) == 3 {
			if prio, err := strconv.Atoi(fields[2]); err == nil && prio > 0 {
				entry.Priority = prio
			}
		}
		out = append(out, entry)
	}
	return out
}

// FromEnv loads configuration from environment variables.
func (p *Profile) FromEnv() {
	p.RedisURL = getEnvOrDefault("REDIS_URL", "")

	p.BotToken = getEnvOrDefault("BOT_TOKEN", "")
	p.SupportGroupID = getEnvOrDefaultInt64("SUPPORT_GROUP_ID", 0)
	p.MultiBotEnabled = getEnvOrDefaultBool("MULTI_BOT_ENABLED", false)
	p.Bots = parseBotList(getEnvOrDefault("BOT_TOKENS", ""))
	p.AdminUserIDs = parseInt64List(getEnvOrDefault("ADMIN_USER_IDS", ""))
	p.ExternalGroupIDs = parseInt64List(getEnvOrDefault("EXTERNAL_GROUP_IDS", ""))

	p.WebhookPath = getEnvOrDefault("WEBHOOK_PATH", "")
	p.WebhookSecretToken = getEnvOrDefault("WEBHOOK_SECRET_TOKEN", "")
	p.PublicBaseURL = getEnvOrDefault("PUBLIC_BASE_URL", "")
	p.OpsJWTSecret = getEnvOrDefault("OPS_JWT_SECRET", "")

	p.FailureThreshold = getEnvOrDefaultInt("BOT_FAILURE_THRESHOLD", 3)
	p.RecoveryCheckInterval = time.Duration(getEnvOrDefaultInt("BOT_RECOVERY_CHECK_INTERVAL", 300)) * time.Second
	p.HealthCheckInterval = time.Duration(getEnvOrDefaultInt("BOT_HEALTH_CHECK_INTERVAL", 60)) * time.Second
	p.AutoFailoverEnabled = getEnvOrDefaultBool("AUTO_FAILOVER_ENABLED", true)
	p.WorkerCount = getEnvOrDefaultInt("WORKER_COUNT", 0)
	p.BotMaxPerMinute = getEnvOrDefaultInt("BOT_MAX_PER_MINUTE", 60)

	p.RateLimitEnabled = getEnvOrDefaultBool("RATE_LIMIT_ENABLED", true)
	p.RateLimitUserMessages = getEnvOrDefaultInt("RATE_LIMIT_USER_MESSAGES", 5)
	p.RateLimitWindow = time.Duration(getEnvOrDefaultInt("RATE_LIMIT_WINDOW_SECONDS", 30)) * time.Second
	p.RateLimitBurst = getEnvOrDefaultInt("RATE_LIMIT_BURST", 2)
	p.RateLimitPunishment = time.Duration(getEnvOrDefaultInt("RATE_LIMIT_PUNISHMENT_SECONDS", 60)) * time.Second
	p.RateLimitNotifyCooldown = time.Duration(getEnvOrDefaultInt("RATE_LIMIT_NOTIFY_COOLDOWN", 60)) * time.Second

	p.PreBindLimit = getEnvOrDefaultInt("PRE_BIND_LIMIT", 10)
}

// IsAdmin reports whether the user id belongs to the configured admin set.
func (p *Profile) IsAdmin(userID int64) bool {
	for _, id := range p.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// IsExternalGroup reports whether the chat id is a known customer group.
func (p *Profile) IsExternalGroup(chatID int64) bool {
	for _, id := range p.ExternalGroupIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// FleetEntries returns the effective bot list. When multi-bot mode is off
// (or the list is empty) the single BOT_TOKEN becomes a one-entry fleet.
func (p *Profile) FleetEntries() []BotEntry {
	if p.MultiBotEnabled && len(p.Bots) > 0 {
		return p.Bots
	}
	if p.BotToken == "" {
		return nil
	}
	return []BotEntry{{ID: "primary", Token: p.BotToken, Priority: 1}}
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "deskbridge")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					return errors.Wrapf(err, "failed to create data directory %s", p.Data)
				}
			}
		} else {
			p.Data = "/var/opt/deskbridge"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return err
	}
	p.Data = dataDir

	if p.Driver != "sqlite" && p.Driver != "postgres" {
		return errors.Errorf("unsupported database driver %q", p.Driver)
	}
	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("deskbridge_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("postgres driver requires a DSN")
	}

	if p.Port < 0 || p.Port > 65535 {
		return errors.Errorf("invalid port %d", p.Port)
	}

	if len(p.FleetEntries()) == 0 {
		return errors.New("no bot configured: set BOT_TOKEN or BOT_TOKENS")
	}
	if p.SupportGroupID >= 0 {
		return errors.New("SUPPORT_GROUP_ID must be a negative supergroup id")
	}
	if p.WebhookPath == "" {
		return errors.New("WEBHOOK_PATH is required")
	}

	if p.FailureThreshold <= 0 {
		p.FailureThreshold = 3
	}
	if p.BotMaxPerMinute <= 0 {
		p.BotMaxPerMinute = 60
	}
	if p.PreBindLimit <= 0 {
		p.PreBindLimit = 10
	}

	return nil
}
