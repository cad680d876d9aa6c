package metadata

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/supporttools/GoBackupKeeper/pkg/config"
	"github.com/supporttools/GoBackupKeeper/pkg/logger"
)

// Initialize connects to the metadata database and runs migrations if enabled
func Initialize(cfg config.MetadataDBConfig, debug bool, log *zap.SugaredLogger) (*gorm.DB, error) {
	log = logger.OrNop(log)
	db, err := Connect(cfg, debug, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to metadata database: %w", err)
	}

	if cfg.AutoMigrate {
		log.Info("Running database migrations for metadata tables")
		if err := RunMigrations(db); err != nil {
			return nil, fmt.Errorf("failed to run database migrations: %w", err)
		}
	}

	return db, nil
}

// Dialector builds the gorm dialector for the configured database type
func Dialector(cfg config.MetadataDBConfig) (gorm.Dialector, error) {
	switch cfg.Type {
	case "", "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)
		return mysql.Open(dsn), nil
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
			cfg.Host, cfg.Port, cfg.Username, cfg.Password, cfg.Database, cfg.SSLMode)
		return postgres.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(cfg.Path), nil
	default:
		return nil, fmt.Errorf("unsupported metadata database type %q", cfg.Type)
	}
}

// Connect establishes a connection to the database
func Connect(cfg config.MetadataDBConfig, debug bool, log *zap.SugaredLogger) (*gorm.DB, error) {
	log = logger.OrNop(log)
	dialector, err := Dialector(cfg)
	if err != nil {
		return nil, err
	}

	logLevel := gormlogger.Silent
	if debug {
		logLevel = gormlogger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(logLevel),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	sqlDB.SetConnMaxLifetime(config.ParseDurationOrDefault(cfg.ConnMaxLifetime, 5*time.Minute))

	if cfg.Type == "sqlite" {
		log.Infof("Connected to sqlite metadata database at %s", cfg.Path)
	} else {
		log.Infof("Connected to %s metadata database at %s:%d", cfg.Type, cfg.Host, cfg.Port)
	}
	return db, nil
}

// RunMigrations creates or updates the metadata tables
func RunMigrations(db *gorm.DB) error {
	err := db.AutoMigrate(
		&BackupSchedule{},
		&BackupHistory{},
		&RetentionPolicy{},
		&AuditLog{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}
	return nil
}

// Close closes the database connection
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database connection: %w", err)
	}

	return sqlDB.Close()
}

// Repositories bundles the gorm implementations of every store interface
type Repositories struct {
	Schedules *ScheduleRepository
	History   *HistoryRepository
	Policies  *PolicyRepository
	Audit     *AuditRepository
}

// NewRepositories creates all repositories over one connection
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Schedules: NewScheduleRepository(db),
		History:   NewHistoryRepository(db),
		Policies:  NewPolicyRepository(db),
		Audit:     NewAuditRepository(db),
	}
}
