package node

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Service is a managed subsystem with ordered lifecycle.
type Service interface {
	Start(ctx context.Context) error
	Stop() error
	Name() string
}

// ServiceManager starts services in registration order and stops them in
// reverse. It tracks which services actually started, so a failed StartAll
// rolls back exactly the started prefix and StopAll after a partial start
// never stops something that never ran.
type ServiceManager struct {
	services []Service
	started  []Service
	logger   *zap.Logger
}

// NewServiceManager creates an empty manager.
func NewServiceManager(logger *zap.Logger) *ServiceManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServiceManager{logger: logger}
}

// Add registers a service; registration order is start order.
func (sm *ServiceManager) Add(svc Service) {
	sm.services = append(sm.services, svc)
}

// StartAll starts every registered service. On the first failure it stops
// the already-started services in reverse and returns the start error.
func (sm *ServiceManager) StartAll(ctx context.Context) error {
	for _, svc := range sm.services {
		sm.logger.Info("starting service", zap.String("name", svc.Name()))
		if err := svc.Start(ctx); err != nil {
			startErr := fmt.Errorf("start %s: %w", svc.Name(), err)
			if rollbackErr := sm.StopAll(); rollbackErr != nil {
				sm.logger.Error("rollback after failed start reported errors", zap.Error(rollbackErr))
			}
			return startErr
		}
		sm.started = append(sm.started, svc)
	}
	return nil
}

// StopAll stops the started services in reverse order, returning the first
// stop error after attempting all of them.
func (sm *ServiceManager) StopAll() error {
	var firstErr error
	for i := len(sm.started) - 1; i >= 0; i-- {
		svc := sm.started[i]
		sm.logger.Info("stopping service", zap.String("name", svc.Name()))
		if err := svc.Stop(); err != nil {
			sm.logger.Error("failed to stop service",
				zap.String("name", svc.Name()),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("stop %s: %w", svc.Name(), err)
			}
		}
	}
	sm.started = nil
	return firstErr
}

// Services returns the registered services in start order.
func (sm *ServiceManager) Services() []Service {
	return sm.services
}
