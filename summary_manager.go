package customfit

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// summaryManager queues deduplicated per-flag exposure summaries and
// flushes them in batches. A summary is queued at most once per
// (session, flag, variation); the dedup set resets when the session
// rotates.
type summaryManager struct {
	cfg     *MutableConfig
	fetcher *configFetcher
	logger  *leveledLogger
	clock   clock.Clock

	mu         sync.Mutex
	queue      []SummaryRecord
	seen       map[string]struct{}
	sessionID  string
	customerID string

	ctx       context.Context
	ctxCancel func()
	wake      chan struct{}
	wg        sync.WaitGroup
}

func newSummaryManager(cfg *MutableConfig, logger *leveledLogger, fetcher *configFetcher, clk clock.Clock) *summaryManager {
	sm := &summaryManager{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger,
		clock:   clk,
		seen:    make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
	}
	sm.ctx, sm.ctxCancel = context.WithCancel(context.Background())
	return sm
}

func (sm *summaryManager) start() {
	sm.wg.Add(1)
	go sm.run()
}

func (sm *summaryManager) close() {
	sm.ctxCancel()
	sm.wg.Wait()
}

func (sm *summaryManager) run() {
	defer sm.wg.Done()
	timer := sm.clock.Timer(sm.cfg.Current().SummariesFlushInterval)
	defer timer.Stop()
	for {
		select {
		case <-sm.ctx.Done():
			return
		case <-sm.wake:
		case <-timer.C:
			if err := sm.flush(sm.ctx); err != nil {
				sm.logger.Debugf("periodic summary flush failed: %v", err)
			}
		}
		timer.Stop()
		timer = sm.clock.Timer(sm.cfg.Current().SummariesFlushInterval)
	}
}

func (sm *summaryManager) poke() {
	select {
	case sm.wake <- struct{}{}:
	default:
	}
}

// setSession switches the session id used for new summaries and resets
// the dedup set: a rotated session may observe the same variations
// again.
func (sm *summaryManager) setSession(sessionID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.sessionID == sessionID {
		return
	}
	sm.sessionID = sessionID
	sm.seen = make(map[string]struct{})
}

func (sm *summaryManager) setCustomerID(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.customerID = id
}

// track queues one exposure summary. Returns nil when the record was
// queued or was already covered by the dedup set.
func (sm *summaryManager) track(flagKey string, value ConfigValue) error {
	sm.mu.Lock()
	record := SummaryRecord{
		ConfigID:     value.ConfigID,
		VariationID:  value.VariationID,
		ExperienceID: value.ExperienceID,
		RuleID:       value.RuleID,
		FlagKey:      flagKey,
		CustomerID:   sm.customerID,
		SessionID:    sm.sessionID,
		SummaryTime:  sm.clock.Now().UnixMilli(),
		BehaviourID:  uuid.NewString(),
	}
	key := record.dedupKey()
	if _, dup := sm.seen[key]; dup {
		sm.mu.Unlock()
		return nil
	}
	sm.seen[key] = struct{}{}
	sm.queue = append(sm.queue, record)
	full := len(sm.queue) >= sm.cfg.Current().SummariesQueueSize
	sm.mu.Unlock()
	if full {
		go func() {
			if err := sm.flush(sm.ctx); err != nil {
				sm.logger.Debugf("capacity-triggered summary flush failed: %v", err)
			}
		}()
	}
	return nil
}

// flush posts every queued summary as one batch. On failure the batch
// is put back at the head of the queue and the error is returned.
func (sm *summaryManager) flush(ctx context.Context) error {
	sm.mu.Lock()
	batch := sm.queue
	sm.queue = nil
	sm.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	res := sm.fetcher.postSummaries(ctx, batch)
	if res.err != nil {
		sm.mu.Lock()
		sm.queue = append(batch, sm.queue...)
		sm.mu.Unlock()
		return res.err
	}
	sm.logger.Debugf("flushed %d summaries", len(batch))
	return nil
}

func (sm *summaryManager) pending() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.queue)
}
