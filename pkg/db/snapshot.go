package db

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kfsoftware/ldk/pkg/deployment"
	"github.com/pkg/errors"
	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// SnapshotKey is the single key the debug snapshot is stored under. Only one
// function can be patched at a time.
const SnapshotKey = "lambda.debug.snapshot"

type Snapshot struct {
	Name         string `gorm:"primaryKey"`
	FunctionArn  string
	FunctionName string
	Region       string
	Runtime      string
	Timeout      int32
	Layers       datatypes.JSON
	Environment  datatypes.JSON
	Qualifier    string
	TunnelID     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Open connects to dsn. postgres:// and mysql:// select those drivers,
// anything else is a sqlite path.
func Open(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	case strings.HasPrefix(dsn, "mysql://"):
		dialector = mysql.Open(strings.TrimPrefix(dsn, "mysql://"))
	default:
		if dir := filepath.Dir(dsn); dir != "." && !strings.HasPrefix(dsn, "file:") {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, errors.Wrapf(err, "failed to create %s", dir)
			}
		}
		dialector = sqlite.Open(dsn)
	}
	dbClient, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open snapshot database")
	}
	if err := dbClient.AutoMigrate(&Snapshot{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate snapshot database")
	}
	return dbClient, nil
}

type SnapshotStore struct {
	db *gorm.DB
}

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) Save(ctx context.Context, snapshot *deployment.Snapshot) error {
	layers, err := json.Marshal(snapshot.Layers)
	if err != nil {
		return err
	}
	env, err := json.Marshal(snapshot.Environment)
	if err != nil {
		return err
	}
	row := &Snapshot{
		Name:         SnapshotKey,
		FunctionArn:  snapshot.FunctionArn,
		FunctionName: snapshot.FunctionName,
		Region:       snapshot.Region,
		Runtime:      snapshot.Runtime,
		Timeout:      snapshot.Timeout,
		Layers:       datatypes.JSON(layers),
		Environment:  datatypes.JSON(env),
		Qualifier:    snapshot.Qualifier,
		TunnelID:     snapshot.TunnelID,
	}
	if result := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(row); result.Error != nil {
		return errors.Wrap(result.Error, "failed to save snapshot")
	}
	return nil
}

// Load returns the stored snapshot, or nil when there is none.
func (s *SnapshotStore) Load(ctx context.Context) (*deployment.Snapshot, error) {
	row := &Snapshot{}
	result := s.db.WithContext(ctx).First(row, "name = ?", SnapshotKey)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "failed to load snapshot")
	}
	snapshot := &deployment.Snapshot{
		FunctionArn:  row.FunctionArn,
		FunctionName: row.FunctionName,
		Region:       row.Region,
		Runtime:      row.Runtime,
		Timeout:      row.Timeout,
		Qualifier:    row.Qualifier,
		TunnelID:     row.TunnelID,
		Layers:       []string{},
		Environment:  map[string]string{},
	}
	if len(row.Layers) > 0 {
		if err := json.Unmarshal(row.Layers, &snapshot.Layers); err != nil {
			return nil, errors.Wrap(err, "corrupt snapshot layers")
		}
	}
	if len(row.Environment) > 0 {
		if err := json.Unmarshal(row.Environment, &snapshot.Environment); err != nil {
			return nil, errors.Wrap(err, "corrupt snapshot environment")
		}
	}
	if snapshot.Layers == nil {
		snapshot.Layers = []string{}
	}
	if snapshot.Environment == nil {
		snapshot.Environment = map[string]string{}
	}
	return snapshot, nil
}

func (s *SnapshotStore) Clear(ctx context.Context) error {
	result := s.db.WithContext(ctx).Delete(&Snapshot{}, "name = ?", SnapshotKey)
	if result.Error != nil {
		return errors.Wrap(result.Error, "failed to clear snapshot")
	}
	return nil
}
