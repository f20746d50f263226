package storage

import (
	"github.com/ternarybob/arbor"

	"github.com/openwings/ausculto/internal/common"
	"github.com/openwings/ausculto/internal/interfaces"
	"github.com/openwings/ausculto/internal/storage/badger"
)

// NewStorageManager creates a new storage manager based on config
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	return badger.NewManager(logger, &config.Storage.Badger)
}
