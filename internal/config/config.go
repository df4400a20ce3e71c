package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full monibot configuration, loaded once at startup.
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig
	Backlog  BacklogConfig

	Webhook struct {
		URL     string
		Timeout time.Duration
	}

	Intervals struct {
		TaskAssignment time.Duration // between assignment engine cycles
		PaperPolling   time.Duration // between paper drop directory scans
		LoginTimeout   time.Duration // per-portal login gate
	}

	Paths PathsConfig

	Log struct {
		Level  string
		Format string
	}
}

// DatabaseConfig holds the PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN renders the lib/pq connection string.
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// PathsConfig collects the filesystem locations the supervisor and the
// paper monitor touch.
type PathsConfig struct {
	PIDFile       string
	FlagDir       string // supervisor summary files for the external restarter
	LoginCheckDir string
	PaperDropDir  string
	CounterFile   string
	PortalsFile   string
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BacklogConfig identifies the ticket tracker space and the three projects
// the bots work against.
type BacklogConfig struct {
	SpaceName         string
	APIKey            string
	BillingProjectID  string
	StaffProjectID    string
	HospitalProjectID string
	Timeout           time.Duration
	Status            StatusIDs
}

// StatusIDs are the tracker's numeric workflow status ids. The defaults
// match the production Backlog space; they differ per space, so all of them
// can be overridden from the environment.
type StatusIDs struct {
	InReview      int // 処理中
	SentBack      int // 差し戻し
	SentBackAcked int // 差し戻し済み
	Absent        int // 不在
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = parseInt(getEnv("DB_PORT", "5432"), 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "monibot")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = parseInt(getEnv("DB_MAX_CONNS", "10"), 10)
	cfg.Database.MaxIdle = parseInt(getEnv("DB_MAX_IDLE", "5"), 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = parseInt(getEnv("REDIS_DB", "0"), 0)

	cfg.Backlog.SpaceName = getEnv("BACKLOG_SPACE", "")
	cfg.Backlog.APIKey = getEnv("BACKLOG_API_KEY", "")
	cfg.Backlog.BillingProjectID = getEnv("BACKLOG_BILLING_PROJECT_ID", "")
	cfg.Backlog.StaffProjectID = getEnv("BACKLOG_STAFF_PROJECT_ID", "")
	cfg.Backlog.HospitalProjectID = getEnv("BACKLOG_HOSPITAL_PROJECT_ID", "")
	cfg.Backlog.Timeout = secondsEnv("BACKLOG_TIMEOUT", 30)
	cfg.Backlog.Status.InReview = parseInt(getEnv("BACKLOG_STATUS_IN_REVIEW", "2"), 2)
	cfg.Backlog.Status.SentBack = parseInt(getEnv("BACKLOG_STATUS_SENT_BACK", "262863"), 262863)
	cfg.Backlog.Status.SentBackAcked = parseInt(getEnv("BACKLOG_STATUS_SENT_BACK_ACKED", "263209"), 263209)
	cfg.Backlog.Status.Absent = parseInt(getEnv("BACKLOG_STATUS_ABSENT", "242353"), 242353)

	cfg.Webhook.URL = getEnv("WEBHOOK_URL", "http://localhost:5000/webhook/new_ticket")
	cfg.Webhook.Timeout = secondsEnv("WEBHOOK_TIMEOUT", 10)

	cfg.Intervals.TaskAssignment = secondsEnv("TASK_ASSIGNMENT_INTERVAL", 5)
	cfg.Intervals.PaperPolling = secondsEnv("PAPER_POLLING_INTERVAL", 30)
	cfg.Intervals.LoginTimeout = secondsEnv("LOGIN_TIMEOUT", 600)

	cfg.Paths.PIDFile = getEnv("PID_FILE", "config/pid.txt")
	cfg.Paths.FlagDir = getEnv("FLAG_DIR", "bizrobo_flags")
	cfg.Paths.LoginCheckDir = getEnv("LOGIN_CHECK_DIR", "login_check")
	cfg.Paths.PaperDropDir = getEnv("PAPER_DROP_DIR", "paper_inbox")
	cfg.Paths.CounterFile = getEnv("COUNTER_FILE", "config/paper_counter.json")
	cfg.Paths.PortalsFile = getEnv("PORTALS_FILE", "config/portals.yaml")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	if cfg.Backlog.SpaceName == "" || cfg.Backlog.APIKey == "" {
		return nil, fmt.Errorf("BACKLOG_SPACE and BACKLOG_API_KEY are required")
	}

	return cfg, nil
}

// Portal describes one monitored EMR portal for the orchestrator.
type Portal struct {
	Name            string `yaml:"name"`
	Kind            string `yaml:"kind"` // "paper" or "external"
	PollingInterval int    `yaml:"polling_interval"`
}

type portalsFile struct {
	Portals []Portal `yaml:"portals"`
}

// defaultPortals is the production portal list in its fixed startup order.
var defaultPortals = []Portal{
	{Name: "CLIUS", Kind: "external", PollingInterval: 10},
	{Name: "デジカル", Kind: "external", PollingInterval: 10},
	{Name: "モバカル", Kind: "external", PollingInterval: 10},
	{Name: "CLINICS", Kind: "external", PollingInterval: 10},
	{Name: "医歩", Kind: "external", PollingInterval: 10},
	{Name: "モバクリ", Kind: "external", PollingInterval: 10},
	{Name: "紙カルテ", Kind: "paper", PollingInterval: 30},
}

// LoadPortals reads the portal registry. A missing file falls back to the
// built-in list; a malformed file is an error since startup order matters.
func LoadPortals(path string) ([]Portal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaultPortals, nil
		}
		return nil, fmt.Errorf("failed to read portals file: %w", err)
	}

	var pf portalsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse portals file: %w", err)
	}
	if len(pf.Portals) == 0 {
		return defaultPortals, nil
	}
	return pf.Portals, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

func secondsEnv(key string, def int) time.Duration {
	return time.Duration(parseInt(getEnv(key, strconv.Itoa(def)), def)) * time.Second
}
