package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

const (
	StoreDriverSqlite = "sqlite"
	StoreDriverMysql  = "mysql"
)

// StoreConfig selects the durable store backing a terminal or the sync server.
// Terminals default to an embedded sqlite file; the server may point at MySQL.
type StoreConfig struct {
	Driver      string `validate:"oneof=sqlite mysql"`
	DSN         string `validate:"required"`
	MaxAttempts int
}

func loadStoreConfig(defaultFile string) StoreConfig {
	driver := strings.ToLower(stringFromEnv("STORE_DRIVER", StoreDriverSqlite))
	dsn := stringFromEnv("STORE_DSN", "")
	if dsn == "" {
		if driver == StoreDriverMysql {
			dsn = mysqlDSNFromEnv()
		} else {
			dsn = defaultFile
		}
	}
	return StoreConfig{
		Driver:      driver,
		DSN:         dsn,
		MaxAttempts: intFromEnv("STORE_CONNECT_ATTEMPTS", 5),
	}
}

func mysqlDSNFromEnv() string {
	dbHost := os.Getenv("DB_HOST")
	network := "tcp"
	address := fmt.Sprintf("%s:%s", dbHost, os.Getenv("DB_PORT"))
	// DB_HOST=/cloudsql/<CONNECTION_NAME> goes through the Cloud SQL unix socket.
	if strings.HasPrefix(dbHost, "/cloudsql/") {
		network = "unix"
		address = dbHost
	}
	return fmt.Sprintf("%s:%s@%s(%s)/%s?multiStatements=true&parseTime=true",
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		network,
		address,
		os.Getenv("DB_NAME"),
	)
}

// OpenDatabaseWithRetry opens the configured store, backing off between attempts.
// A MaxAttempts of zero or less retries forever.
func OpenDatabaseWithRetry(cfg StoreConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case StoreDriverMysql:
		dialector = mysql.Open(cfg.DSN)
	case StoreDriverSqlite, "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	var attempt int
	for {
		attempt++
		db, err := gorm.Open(dialector, initConfig())
		if err == nil {
			tunePool(db, cfg.Driver)
			if pluginErr := db.Use(otelgorm.NewPlugin()); pluginErr != nil {
				logg.WithError(pluginErr).Warn("db connected but failed to install otelgorm plugin")
			}
			logg.WithFields(logrus.Fields{
				"driver":  cfg.Driver,
				"attempt": attempt,
			}).Info("connected to database")
			return db, nil
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return nil, fmt.Errorf("connect %s database after %d attempts: %w", cfg.Driver, attempt, err)
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logg.WithFields(logrus.Fields{
			"driver":  cfg.Driver,
			"attempt": attempt,
			"retryIn": sleep.String(),
		}).WithError(err).Warn("failed to connect database")
		time.Sleep(sleep)
	}
}

// tunePool applies the database/sql pool settings.
// Env overrides:
// - DB_MAX_OPEN_CONNS (default 50, forced to 1 for sqlite)
// - DB_MAX_IDLE_CONNS (default 25)
// - DB_CONN_MAX_LIFETIME_SECONDS (default 300)
// - DB_CONN_MAX_IDLE_TIME_SECONDS (default 60)
func tunePool(db *gorm.DB, driver string) {
	sqlDB, err := db.DB()
	if err != nil || sqlDB == nil {
		return
	}
	maxOpen := intFromEnv("DB_MAX_OPEN_CONNS", 50)
	if driver != StoreDriverMysql {
		// sqlite serialises writers; a single connection avoids SQLITE_BUSY.
		maxOpen = 1
	}
	maxIdle := intFromEnv("DB_MAX_IDLE_CONNS", 25)
	connMaxLife := time.Duration(intFromEnv("DB_CONN_MAX_LIFETIME_SECONDS", 300)) * time.Second
	connMaxIdle := time.Duration(intFromEnv("DB_CONN_MAX_IDLE_TIME_SECONDS", 60)) * time.Second

	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if connMaxLife > 0 {
		sqlDB.SetConnMaxLifetime(connMaxLife)
	}
	if connMaxIdle > 0 {
		sqlDB.SetConnMaxIdleTime(connMaxIdle)
	}
}

func initConfig() *gorm.Config {
	return &gorm.Config{
		Logger:         initLog(),
		NamingStrategy: initNamingStrategy(),
	}
}

func initLog() logger.Interface {
	level := logger.Error
	if envBoolDefault("GORM_DEBUG", false) {
		level = logger.Info
	}
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			Colorful:                  false,
			LogLevel:                  level,
			SlowThreshold:             time.Second,
			IgnoreRecordNotFoundError: true,
		},
	)
}

func initNamingStrategy() *schema.NamingStrategy {
	return &schema.NamingStrategy{
		SingularTable: false,
		TablePrefix:   "",
	}
}
