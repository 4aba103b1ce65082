package store

import (
	"time"

	"go.uber.org/zap"
)

// Evicter is anything holding expiring metadata, such as a cache.TTL.
type Evicter interface {
	EvictExpired() int
}

// CleanupService periodically releases dormant sessions and evicts expired metadata.
type CleanupService struct {
	store    *Store
	ttl      time.Duration
	interval time.Duration
	inUse    func(sessionID string) bool
	caches   []Evicter
	logger   *zap.Logger
	stopChan chan struct{}
	done     chan struct{}
}

// NewCleanupService creates a cleanup service. inUse reports sessions with live
// subscribers, which are never released.
func NewCleanupService(store *Store, ttl, interval time.Duration, inUse func(string) bool, logger *zap.Logger, caches ...Evicter) *CleanupService {
	if interval <= 0 {
		interval = ttl / 4
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &CleanupService{
		store:    store,
		ttl:      ttl,
		interval: interval,
		inUse:    inUse,
		caches:   caches,
		logger:   logger,
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the background cleanup loop
func (s *CleanupService) Start() {
	go s.cleanupLoop()
	s.logger.Info("Session cleanup service started",
		zap.Duration("ttl", s.ttl),
		zap.Duration("interval", s.interval))
}

// Stop stops the loop and waits for it to exit
func (s *CleanupService) Stop() {
	close(s.stopChan)
	<-s.done
	s.logger.Info("Session cleanup service stopped")
}

func (s *CleanupService) cleanupLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs a single cleanup pass.
func (s *CleanupService) RunOnce() {
	evicted := 0
	for _, c := range s.caches {
		evicted += c.EvictExpired()
	}
	released := s.store.ReleaseDormant(s.ttl, s.inUse)
	s.logger.Debug("Session cleanup completed",
		zap.Int("evicted_metadata", evicted),
		zap.Int("released_sessions", released))
}
