// Package compaction periodically folds the update logs of busy live rooms
// into snapshots.
package compaction

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Interval        time.Duration
	UpdateThreshold int
}

func DefaultConfig() Config {
	return Config{
		Interval:        5 * time.Minute,
		UpdateThreshold: 100,
	}
}

// Checkpointer flushes snapshots for rooms with at least threshold
// unflushed updates and reports how many it flushed.
type Checkpointer interface {
	Checkpoint(ctx context.Context, threshold int) (int, error)
}

type Service struct {
	target Checkpointer
	config Config
	log    *logrus.Entry
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func New(target Checkpointer, config Config) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.UpdateThreshold <= 0 {
		config.UpdateThreshold = 1
	}
	return &Service{
		target: target,
		config: config,
		log:    logrus.WithField("component", "compaction"),
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.WithFields(logrus.Fields{
		"interval":  s.config.Interval,
		"threshold": s.config.UpdateThreshold,
	}).Info("Compaction service started")
}

func (s *Service) Stop() {
	s.once.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
	s.log.Info("Compaction service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.CompactNow()
		}
	}
}

// CompactNow runs one pass and returns the number of rooms compacted.
func (s *Service) CompactNow() int {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Interval)
	defer cancel()

	count, err := s.target.Checkpoint(ctx, s.config.UpdateThreshold)
	if err != nil {
		s.log.WithError(err).Error("Compaction pass failed")
	}
	if count > 0 {
		s.log.WithField("rooms", count).Info("Compacted rooms")
	}
	return count
}
