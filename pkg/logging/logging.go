package logging

import (
	"sync"

	"go.uber.org/zap"
)

var (
	logger *zap.Logger
	once   sync.Once
)

// Init builds the process-wide logger. Repeated calls are no-ops; the first
// caller decides the mode.
func Init(production bool) error {
	var err error
	once.Do(func() {
		if production {
			logger, err = zap.NewProduction()
		} else {
			logger, err = zap.NewDevelopment()
		}
	})
	return err
}

// L returns the global logger, lazily initializing a production logger.
// Falls back to a no-op logger rather than ever returning nil.
func L() *zap.Logger {
	if logger == nil {
		_ = Init(true)
		if logger == nil {
			return zap.NewNop()
		}
	}
	return logger
}

// Named returns a child of the global logger scoped to a subsystem.
func Named(name string) *zap.Logger {
	return L().Named(name)
}
