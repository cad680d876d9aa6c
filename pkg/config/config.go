// Package config provides configuration loading and management for GoBackupKeeper
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/supporttools/GoBackupKeeper/pkg/executor"
	"github.com/supporttools/GoBackupKeeper/pkg/metadata/types"
)

// LogConfig defines logger settings
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// LocalConfig defines local backup settings
type LocalConfig struct {
	Enabled         bool   `yaml:"enabled"`
	BackupDirectory string `yaml:"backupDirectory"`
}

// S3Config defines S3 storage settings
type S3Config struct {
	Enabled            bool   `yaml:"enabled"`
	Bucket             string `yaml:"bucket"`
	Region             string `yaml:"region"`
	Endpoint           string `yaml:"endpoint"`
	AccessKey          string `yaml:"accessKey"`
	SecretKey          string `yaml:"secretKey"`
	Prefix             string `yaml:"prefix"`
	PathStyle          bool   `yaml:"pathStyle"` // Use path-style access for S3
	UseSSL             bool   `yaml:"useSSL"`
	CustomCAPath       string `yaml:"customCAPath"`
	SkipCertValidation bool   `yaml:"skipCertValidation"`
	PresignExpiry      string `yaml:"presignExpiry"`
}

// MetadataDBConfig defines connection settings for the metadata database
type MetadataDBConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Type            string `yaml:"type"` // mysql, postgres or sqlite
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	Database        string `yaml:"database"`
	SSLMode         string `yaml:"sslMode"`
	Path            string `yaml:"path"` // sqlite only
	MaxOpenConns    int    `yaml:"maxOpenConns"`
	MaxIdleConns    int    `yaml:"maxIdleConns"`
	ConnMaxLifetime string `yaml:"connMaxLifetime"`
	AutoMigrate     bool   `yaml:"autoMigrate"`
}

// MetricsConfig defines metrics server settings
type MetricsConfig struct {
	Port string `yaml:"port"`
}

// SchedulerConfig defines the polling driver settings
type SchedulerConfig struct {
	PollSpec      string `yaml:"pollSpec"`
	MaxConcurrent int    `yaml:"maxConcurrent"`
	BackupTimeout string `yaml:"backupTimeout"`
	Leadership    string `yaml:"leadership"` // none, mysql or postgres
	LockName      string `yaml:"lockName"`
	OverdueGrace  string `yaml:"overdueGrace"`
}

// RetentionConfig defines retention cleanup settings
type RetentionConfig struct {
	CleanupSpec       string                  `yaml:"cleanupSpec"`
	DeleteConcurrency int                     `yaml:"deleteConcurrency"`
	Thinning          string                  `yaml:"thinning"` // all or one-per-period
	Policies          []types.RetentionPolicy `yaml:"policies"`
}

// ExecutorConfig defines how the runner produces backup artifacts. Command
// takes precedence; otherwise a dump command is generated for Engine.
type ExecutorConfig struct {
	Command      string                       `yaml:"command"` // {database} is replaced with the database name
	Compress     bool                         `yaml:"compress"`
	BackupType   string                       `yaml:"backupType"`
	Engine       string                       `yaml:"engine"` // mysql or postgres
	Host         string                       `yaml:"host"`
	Port         int                          `yaml:"port"`
	Username     string                       `yaml:"username"`
	Password     string                       `yaml:"password"`
	MySQLDump    executor.MySQLDumpOptions    `yaml:"mysqlDump"`
	PostgresDump executor.PostgresDumpOptions `yaml:"postgresDump"`
}

// ScheduleSeed is a schedule declared in the config file and created at startup if missing
type ScheduleSeed struct {
	Name           string `yaml:"name"`
	DatabaseName   string `yaml:"databaseName"`
	CronExpression string `yaml:"cronExpression"`
	Enabled        bool   `yaml:"enabled"`
}

// AppConfig contains the complete application configuration
type AppConfig struct {
	Debug        bool             `yaml:"debug"`
	Log          LogConfig        `yaml:"log"`
	Local        LocalConfig      `yaml:"local"`
	S3           S3Config         `yaml:"s3"`
	MetadataDB   MetadataDBConfig `yaml:"metadata_database"`
	MetadataFile string           `yaml:"metadataFile"`
	Metrics      MetricsConfig    `yaml:"metrics"`
	Scheduler    SchedulerConfig  `yaml:"scheduler"`
	Retention    RetentionConfig  `yaml:"retention"`
	Executor     ExecutorConfig   `yaml:"executor"`
	Schedules    []ScheduleSeed   `yaml:"schedules"`
	ConfigFile   string           `yaml:"-"`
}

// CFG is the global configuration object
var CFG AppConfig

// LoadConfiguration loads the optional YAML file named by CONFIG_FILE and then
// applies environment variable overrides on top of it
func LoadConfiguration() error {
	cfg := defaultConfig()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return err
		}
		cfg.ConfigFile = path
	}

	loadFromEnvironment(&cfg)
	setDefaults(&cfg)

	CFG = cfg
	return nil
}

// defaultConfig returns the values used when neither file nor environment set a field
func defaultConfig() AppConfig {
	return AppConfig{
		Log: LogConfig{Level: "info"},
		Local: LocalConfig{
			Enabled:         true,
			BackupDirectory: "/backups",
		},
		S3: S3Config{
			Region:        "us-east-1",
			Prefix:        "db-backups",
			UseSSL:        true,
			PresignExpiry: "1h",
		},
		MetadataDB: MetadataDBConfig{
			Type:            "mysql",
			Host:            "localhost",
			Port:            3306,
			Username:        "gobackupkeeper",
			Database:        "gobackupkeeper_metadata",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: "5m",
			AutoMigrate:     true,
		},
		Metrics: MetricsConfig{Port: "8080"},
		Scheduler: SchedulerConfig{
			PollSpec:      "0 * * * * *",
			MaxConcurrent: 4,
			BackupTimeout: "2h",
			Leadership:    "none",
			LockName:      "gobackupkeeper-scheduler",
			OverdueGrace:  "5m",
		},
		Retention: RetentionConfig{
			CleanupSpec:       "0 15 * * * *",
			DeleteConcurrency: 4,
			Thinning:          "all",
		},
		Executor: ExecutorConfig{
			Compress:     true,
			BackupType:   "full",
			MySQLDump:    executor.DefaultMySQLDumpOptions(),
			PostgresDump: executor.DefaultPostgresDumpOptions(),
		},
	}
}

// loadFromFile reads a YAML configuration file into cfg
func loadFromFile(path string, cfg *AppConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadFromEnvironment overrides cfg with any environment variables that are set
func loadFromEnvironment(cfg *AppConfig) {
	cfg.Debug = parseEnvBool("DEBUG", cfg.Debug)
	cfg.Log.Level = getEnvOrDefault("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.File = getEnvOrDefault("LOG_FILE", cfg.Log.File)
	cfg.MetadataFile = getEnvOrDefault("METADATA_FILE", cfg.MetadataFile)

	// Local backup settings
	cfg.Local.Enabled = parseEnvBool("LOCAL_BACKUP_ENABLED", cfg.Local.Enabled)
	cfg.Local.BackupDirectory = getEnvOrDefault("LOCAL_BACKUP_DIRECTORY", cfg.Local.BackupDirectory)

	// S3 settings
	cfg.S3.Enabled = parseEnvBool("S3_BACKUP_ENABLED", cfg.S3.Enabled)
	cfg.S3.Bucket = getEnvOrDefault("S3_BUCKET", cfg.S3.Bucket)
	cfg.S3.Region = getEnvOrDefault("S3_REGION", cfg.S3.Region)
	cfg.S3.Endpoint = getEnvOrDefault("S3_ENDPOINT", cfg.S3.Endpoint)
	cfg.S3.AccessKey = getEnvOrDefault("S3_ACCESS_KEY", cfg.S3.AccessKey)
	cfg.S3.SecretKey = getEnvOrDefault("S3_SECRET_KEY", cfg.S3.SecretKey)
	cfg.S3.Prefix = getEnvOrDefault("S3_PREFIX", cfg.S3.Prefix)
	cfg.S3.PathStyle = parseEnvBool("S3_PATH_STYLE", cfg.S3.PathStyle)
	cfg.S3.UseSSL = parseEnvBool("S3_USE_SSL", cfg.S3.UseSSL)
	cfg.S3.CustomCAPath = getEnvOrDefault("S3_CUSTOM_CA_PATH", cfg.S3.CustomCAPath)
	cfg.S3.SkipCertValidation = parseEnvBool("S3_SKIP_CERT_VALIDATION", cfg.S3.SkipCertValidation)
	cfg.S3.PresignExpiry = getEnvOrDefault("S3_PRESIGN_EXPIRY", cfg.S3.PresignExpiry)

	// Metadata DB settings
	cfg.MetadataDB.Enabled = parseEnvBool("METADATA_DB_ENABLED", cfg.MetadataDB.Enabled)
	cfg.MetadataDB.Type = getEnvOrDefault("METADATA_DB_TYPE", cfg.MetadataDB.Type)
	cfg.MetadataDB.Host = getEnvOrDefault("METADATA_DB_HOST", cfg.MetadataDB.Host)
	cfg.MetadataDB.Port = parseEnvInt("METADATA_DB_PORT", cfg.MetadataDB.Port)
	cfg.MetadataDB.Username = getEnvOrDefault("METADATA_DB_USERNAME", cfg.MetadataDB.Username)
	cfg.MetadataDB.Password = getEnvOrDefault("METADATA_DB_PASSWORD", cfg.MetadataDB.Password)
	cfg.MetadataDB.Database = getEnvOrDefault("METADATA_DB_DATABASE", cfg.MetadataDB.Database)
	cfg.MetadataDB.SSLMode = getEnvOrDefault("METADATA_DB_SSLMODE", cfg.MetadataDB.SSLMode)
	cfg.MetadataDB.Path = getEnvOrDefault("METADATA_DB_PATH", cfg.MetadataDB.Path)
	cfg.MetadataDB.MaxOpenConns = parseEnvInt("METADATA_DB_MAX_OPEN_CONNS", cfg.MetadataDB.MaxOpenConns)
	cfg.MetadataDB.MaxIdleConns = parseEnvInt("METADATA_DB_MAX_IDLE_CONNS", cfg.MetadataDB.MaxIdleConns)
	cfg.MetadataDB.ConnMaxLifetime = getEnvOrDefault("METADATA_DB_CONN_MAX_LIFETIME", cfg.MetadataDB.ConnMaxLifetime)
	cfg.MetadataDB.AutoMigrate = parseEnvBool("METADATA_DB_AUTO_MIGRATE", cfg.MetadataDB.AutoMigrate)

	// Metrics settings
	cfg.Metrics.Port = getEnvOrDefault("METRICS_PORT", cfg.Metrics.Port)

	// Scheduler settings
	cfg.Scheduler.PollSpec = getEnvOrDefault("SCHEDULER_POLL_SPEC", cfg.Scheduler.PollSpec)
	cfg.Scheduler.MaxConcurrent = parseEnvInt("SCHEDULER_MAX_CONCURRENT", cfg.Scheduler.MaxConcurrent)
	cfg.Scheduler.BackupTimeout = getEnvOrDefault("BACKUP_TIMEOUT", cfg.Scheduler.BackupTimeout)
	cfg.Scheduler.Leadership = getEnvOrDefault("SCHEDULER_LEADERSHIP", cfg.Scheduler.Leadership)
	cfg.Scheduler.LockName = getEnvOrDefault("SCHEDULER_LOCK_NAME", cfg.Scheduler.LockName)
	cfg.Scheduler.OverdueGrace = getEnvOrDefault("SCHEDULER_OVERDUE_GRACE", cfg.Scheduler.OverdueGrace)

	// Retention settings
	cfg.Retention.CleanupSpec = getEnvOrDefault("RETENTION_CLEANUP_SPEC", cfg.Retention.CleanupSpec)
	cfg.Retention.DeleteConcurrency = parseEnvInt("RETENTION_DELETE_CONCURRENCY", cfg.Retention.DeleteConcurrency)
	cfg.Retention.Thinning = getEnvOrDefault("RETENTION_THINNING", cfg.Retention.Thinning)

	// Executor settings
	cfg.Executor.Command = getEnvOrDefault("BACKUP_COMMAND", cfg.Executor.Command)
	cfg.Executor.Compress = parseEnvBool("BACKUP_COMPRESS", cfg.Executor.Compress)
	cfg.Executor.BackupType = getEnvOrDefault("BACKUP_TYPE", cfg.Executor.BackupType)
	cfg.Executor.Engine = getEnvOrDefault("BACKUP_ENGINE", cfg.Executor.Engine)
	cfg.Executor.Host = getEnvOrDefault("BACKUP_DB_HOST", cfg.Executor.Host)
	cfg.Executor.Port = parseEnvInt("BACKUP_DB_PORT", cfg.Executor.Port)
	cfg.Executor.Username = getEnvOrDefault("BACKUP_DB_USERNAME", cfg.Executor.Username)
	cfg.Executor.Password = getEnvOrDefault("BACKUP_DB_PASSWORD", cfg.Executor.Password)
}

// setDefaults ensures all config fields have reasonable default values
func setDefaults(cfg *AppConfig) {
	if cfg.Metrics.Port == "" {
		cfg.Metrics.Port = "8080"
	}
	if cfg.Scheduler.MaxConcurrent <= 0 {
		cfg.Scheduler.MaxConcurrent = 1
	}
	if cfg.Retention.DeleteConcurrency <= 0 {
		cfg.Retention.DeleteConcurrency = 1
	}
	if cfg.MetadataFile == "" && cfg.Local.BackupDirectory != "" {
		cfg.MetadataFile = cfg.Local.BackupDirectory + "/.metadata/metadata.json"
	}

	if cfg.MetadataDB.Enabled {
		switch cfg.MetadataDB.Type {
		case "postgres":
			if cfg.MetadataDB.Port == 0 || cfg.MetadataDB.Port == 3306 {
				cfg.MetadataDB.Port = 5432
			}
		case "sqlite":
			if cfg.MetadataDB.Path == "" {
				cfg.MetadataDB.Path = "gobackupkeeper.db"
			}
		}
	}

	for i := range cfg.Retention.Policies {
		if cfg.Retention.Policies[i].Name == "" {
			cfg.Retention.Policies[i].Name = cfg.Retention.Policies[i].DatabaseName
		}
	}
}

// Helper functions for environment variables

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func parseEnvBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value = strings.ToLower(value)

	// Handle additional truthy and falsy values
	switch value {
	case "1", "t", "true", "yes", "on", "enabled":
		return true
	case "0", "f", "false", "no", "off", "disabled":
		return false
	default:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			zap.S().Warnf("Error parsing %s as bool: %v. Using default value: %t", key, err, defaultValue)
			return defaultValue
		}
		return boolValue
	}
}

func parseEnvInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		zap.S().Warnf("Error parsing %s as int: %v. Using default value: %d", key, err, defaultValue)
		return defaultValue
	}
	return n
}

// ParseDurationOrDefault parses a duration setting, falling back on error
func ParseDurationOrDefault(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		zap.S().Warnf("Invalid duration '%s', using default %s: %v", value, fallback, err)
		return fallback
	}
	return d
}

// DisplayConfiguration outputs the current configuration in a readable format
// while masking sensitive information
func DisplayConfiguration() {
	log := zap.S()
	log.Info("========== GoBackupKeeper Configuration ==========")
	log.Infof("Debug Mode: %t", CFG.Debug)
	log.Infof("Config File: %s", CFG.ConfigFile)

	log.Infof("Local Storage: enabled=%t directory=%s", CFG.Local.Enabled, CFG.Local.BackupDirectory)
	if CFG.S3.Enabled {
		log.Infof("S3 Storage: bucket=%s region=%s endpoint=%s prefix=%s", CFG.S3.Bucket, CFG.S3.Region, CFG.S3.Endpoint, CFG.S3.Prefix)
		log.Infof("S3 Access Key: %s", maskSensitiveInfo(CFG.S3.AccessKey))
		log.Infof("S3 Secret Key: %s", maskSensitiveInfo(CFG.S3.SecretKey))
	} else {
		log.Info("S3 Storage: disabled")
	}

	if CFG.MetadataDB.Enabled {
		log.Infof("Metadata Database: type=%s host=%s:%d database=%s user=%s password=%s",
			CFG.MetadataDB.Type, CFG.MetadataDB.Host, CFG.MetadataDB.Port, CFG.MetadataDB.Database,
			CFG.MetadataDB.Username, maskSensitiveInfo(CFG.MetadataDB.Password))
	} else {
		log.Infof("Metadata File: %s", CFG.MetadataFile)
	}

	log.Infof("Scheduler: poll=%s maxConcurrent=%d timeout=%s leadership=%s",
		CFG.Scheduler.PollSpec, CFG.Scheduler.MaxConcurrent, CFG.Scheduler.BackupTimeout, CFG.Scheduler.Leadership)
	log.Infof("Retention: cleanup=%s deleteConcurrency=%d thinning=%s policies=%d",
		CFG.Retention.CleanupSpec, CFG.Retention.DeleteConcurrency, CFG.Retention.Thinning, len(CFG.Retention.Policies))
	if CFG.Executor.Command != "" {
		log.Infof("Backup Command: %s", CFG.Executor.Command)
	} else {
		log.Infof("Backup Engine: %s host=%s:%d user=%s password=%s", CFG.Executor.Engine,
			CFG.Executor.Host, CFG.Executor.Port, CFG.Executor.Username, maskSensitiveInfo(CFG.Executor.Password))
	}
	log.Infof("Metrics Port: %s", CFG.Metrics.Port)
	log.Info("==================================================")
}

// maskSensitiveInfo masks sensitive information for logging
func maskSensitiveInfo(info string) string {
	if info == "" {
		return "[not set]"
	}

	if len(info) <= 4 {
		return "****"
	}

	// Show first and last character, mask the rest
	return info[:2] + "****" + info[len(info)-2:]
}

// ValidateConfig validates the configuration
func ValidateConfig() error {
	return validate(&CFG)
}

func validate(cfg *AppConfig) error {
	if !cfg.Local.Enabled && !cfg.S3.Enabled {
		return fmt.Errorf("at least one storage destination (local or S3) must be enabled")
	}

	if cfg.Local.Enabled && cfg.Local.BackupDirectory == "" {
		return fmt.Errorf("local backup directory must be specified when local backups are enabled")
	}

	if cfg.S3.Enabled {
		if cfg.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket must be specified when S3 backups are enabled")
		}
		if cfg.S3.AccessKey == "" || cfg.S3.SecretKey == "" {
			return fmt.Errorf("S3 access key and secret key must be specified when S3 backups are enabled")
		}
		if cfg.S3.CustomCAPath != "" {
			if _, err := os.Stat(cfg.S3.CustomCAPath); err != nil {
				return fmt.Errorf("custom CA path %s is not accessible: %w", cfg.S3.CustomCAPath, err)
			}
		}
	}

	if cfg.MetadataDB.Enabled {
		switch cfg.MetadataDB.Type {
		case "mysql", "postgres":
			if cfg.MetadataDB.Host == "" {
				return fmt.Errorf("metadata database host is required when enabled")
			}
			if cfg.MetadataDB.Username == "" {
				return fmt.Errorf("metadata database username is required when enabled")
			}
			if cfg.MetadataDB.Database == "" {
				return fmt.Errorf("metadata database name is required when enabled")
			}
		case "sqlite":
		default:
			return fmt.Errorf("unsupported metadata database type %q", cfg.MetadataDB.Type)
		}
		if cfg.MetadataDB.ConnMaxLifetime != "" {
			if _, err := time.ParseDuration(cfg.MetadataDB.ConnMaxLifetime); err != nil {
				return fmt.Errorf("invalid metadata database connection max lifetime: %v", err)
			}
		}
	}

	switch cfg.Scheduler.Leadership {
	case "", "none":
	case "mysql", "postgres":
		if !cfg.MetadataDB.Enabled || cfg.MetadataDB.Type != cfg.Scheduler.Leadership {
			return fmt.Errorf("%s leadership requires a %s metadata database", cfg.Scheduler.Leadership, cfg.Scheduler.Leadership)
		}
	default:
		return fmt.Errorf("unsupported scheduler leadership %q", cfg.Scheduler.Leadership)
	}

	for _, d := range []struct{ name, value string }{
		{"backup timeout", cfg.Scheduler.BackupTimeout},
		{"overdue grace", cfg.Scheduler.OverdueGrace},
		{"S3 presign expiry", cfg.S3.PresignExpiry},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid %s: %v", d.name, err)
		}
	}

	switch cfg.Executor.Engine {
	case "", executor.EngineMySQL, executor.EnginePostgres:
	default:
		return fmt.Errorf("unsupported backup engine %q", cfg.Executor.Engine)
	}

	switch cfg.Retention.Thinning {
	case "", "all", "one-per-period":
	default:
		return fmt.Errorf("unsupported retention thinning %q", cfg.Retention.Thinning)
	}

	for _, s := range cfg.Schedules {
		if s.Name == "" || s.DatabaseName == "" || s.CronExpression == "" {
			return fmt.Errorf("schedule entries require name, databaseName and cronExpression")
		}
	}

	for _, p := range cfg.Retention.Policies {
		if p.DatabaseName == "" {
			return fmt.Errorf("retention policy %q requires a databaseName", p.Name)
		}
	}

	return nil
}
