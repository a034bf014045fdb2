package txnsvc

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/txnsvc/txn"
)

// RetrySweeper periodically retries failed services on a cron schedule.
// Each sweep runs inside a fresh update transaction per registry, so a
// retry that fails again is contained the same way a user-driven retry is.
type RetrySweeper struct {
	cron       *cron.Cron
	executor   txn.Executor
	logger     Logger
	registries []*ServiceRegistry
}

// NewRetrySweeper creates a sweeper with the given cron schedule
// (standard five-field syntax) over the listed registries.
func NewRetrySweeper(schedule string, executor txn.Executor, logger Logger, registries ...*ServiceRegistry) (*RetrySweeper, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	if executor == nil {
		executor = txn.GoExecutor{}
	}
	s := &RetrySweeper{
		cron:       cron.New(),
		executor:   executor,
		logger:     logger,
		registries: registries,
	}
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return nil, fmt.Errorf("failed to parse retry schedule: %w", err)
	}
	return s, nil
}

// Start begins scheduling sweeps.
func (s *RetrySweeper) Start() {
	s.cron.Start()
}

// Stop stops scheduling. A sweep already in flight finishes.
func (s *RetrySweeper) Stop() {
	s.cron.Stop()
}

// Sweep retries every failed service once. Exposed so callers can trigger
// an immediate sweep outside the schedule.
func (s *RetrySweeper) Sweep() {
	for _, registry := range s.registries {
		s.sweepRegistry(registry)
	}
}

func (s *RetrySweeper) sweepRegistry(registry *ServiceRegistry) {
	var failed []*ServiceController
	for _, c := range registry.Controllers() {
		if c.State() == StateFailed {
			failed = append(failed, c)
		}
	}
	if len(failed) == 0 {
		return
	}
	tc := registry.TransactionController()
	tc.CreateUpdate(s.executor, func(t *txn.Transaction) {
		for _, c := range failed {
			if err := c.Retry(t, nil); err != nil {
				// The service may have recovered or been removed since the
				// snapshot was taken.
				s.logger.Debug("Retry skipped", "service", c.Name().String(), "error", err)
			}
		}
		if err := tc.Prepare(t, func(t *txn.Transaction) {
			if tc.CanCommit(t) {
				if err := tc.Commit(t, nil); err != nil {
					s.logger.Error("Retry sweep commit failed", "registry", registry.Name(), "error", err)
				}
				return
			}
			if err := tc.Abort(t, nil); err != nil {
				s.logger.Error("Retry sweep abort failed", "registry", registry.Name(), "error", err)
			}
		}); err != nil {
			s.logger.Error("Retry sweep prepare failed", "registry", registry.Name(), "error", err)
		}
	})
}
