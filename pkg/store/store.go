package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MalooBell/metric2/pkg/config"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrRunNotFound is returned when no run matches the requested ID.
var ErrRunNotFound = errors.New("run not found")

// Store provides persistence for load test runs.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// CreateRun inserts a new run in running state and assigns its ID.
	CreateRun(ctx context.Context, run *Run) error

	// FinalizeRun moves a run to a terminal status, setting end time and
	// aggregates in one update. The update only applies while the run is
	// still running; the returned bool reports whether it did, so callers
	// can detect a lost finalization race.
	FinalizeRun(
		ctx context.Context,
		id uint,
		status string,
		endTime time.Time,
		agg *Aggregates,
	) (bool, error)

	// GetActiveRun returns the currently running run, or ErrRunNotFound.
	GetActiveRun(ctx context.Context) (*Run, error)

	GetRunByID(ctx context.Context, id uint) (*Run, error)

	// ListRuns returns all runs, most recently started first.
	ListRuns(ctx context.Context) ([]Run, error)
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log logrus.FieldLogger
	cfg *config.DatabaseConfig
	db  *gorm.DB
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
) Store {
	return &store{
		log: log.WithField("component", "store"),
		cfg: cfg,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(&Run{}); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// CreateRun inserts a new run record.
func (s *store) CreateRun(ctx context.Context, run *Run) error {
	run.Status = StatusRunning

	if err := s.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

// FinalizeRun performs the conditional terminal update for a run.
func (s *store) FinalizeRun(
	ctx context.Context,
	id uint,
	status string,
	endTime time.Time,
	agg *Aggregates,
) (bool, error) {
	updates := map[string]any{
		"status":   status,
		"end_time": endTime,
	}

	if agg != nil {
		updates["avg_response_time"] = agg.AvgResponseTime
		updates["requests_per_second"] = agg.RequestsPerSecond
		updates["error_rate"] = agg.ErrorRate
		updates["total_requests"] = agg.TotalRequests
		updates["total_failures"] = agg.TotalFailures
	}

	result := s.db.WithContext(ctx).
		Model(&Run{}).
		Where("id = ? AND status = ?", id, StatusRunning).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("finalizing run: %w", result.Error)
	}

	return result.RowsAffected > 0, nil
}

// GetActiveRun returns the run in running state, if any.
func (s *store) GetActiveRun(ctx context.Context) (*Run, error) {
	var run Run

	err := s.db.WithContext(ctx).
		Where("status = ?", StatusRunning).
		Order("start_time DESC").
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}

		return nil, fmt.Errorf("getting active run: %w", err)
	}

	return &run, nil
}

// GetRunByID returns a single run by its identifier.
func (s *store) GetRunByID(ctx context.Context, id uint) (*Run, error) {
	var run Run

	err := s.db.WithContext(ctx).First(&run, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRunNotFound
		}

		return nil, fmt.Errorf("getting run %d: %w", id, err)
	}

	return &run, nil
}

// ListRuns returns all runs ordered by start time, newest first.
func (s *store) ListRuns(ctx context.Context) ([]Run, error) {
	var runs []Run

	if err := s.db.WithContext(ctx).
		Order("start_time DESC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return runs, nil
}
