package badger

import (
	"github.com/ternarybob/arbor"

	"github.com/openwings/ausculto/internal/common"
	"github.com/openwings/ausculto/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db       *BadgerDB
	jobCache interfaces.JobCacheStorage
	logger   arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:       db,
		jobCache: NewJobCacheStorage(db, logger),
		logger:   logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// JobCacheStorage returns the job cache storage interface
func (m *Manager) JobCacheStorage() interfaces.JobCacheStorage {
	return m.jobCache
}

// Close closes the underlying database
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
