package customfit

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// eventTracker queues telemetry events and flushes them in batches.
// Flushes are triggered by capacity, a periodic timer, an explicit
// call, or shutdown. Before any events POST the summary queue is
// flushed first so no event is sent whose summary has not been
// attempted. When flushes keep failing the queue spills to the
// persistent store and is drained ahead of fresh events on the next
// successful flush.
type eventTracker struct {
	cfg       *MutableConfig
	fetcher   *configFetcher
	summaries *summaryManager
	store     Store
	logger    *leveledLogger
	clock     clock.Clock

	mu         sync.Mutex
	queue      []EventRecord
	sessionID  string
	customerID string
	lastTs     int64

	// flushMu serializes flushes. The timer, the capacity trigger and
	// manual calls may fire together; two overlapping flushes would
	// both load the same spill batches before either removes the keys.
	flushMu sync.Mutex

	ctx       context.Context
	ctxCancel func()
	wake      chan struct{}
	wg        sync.WaitGroup
}

func newEventTracker(cfg *MutableConfig, logger *leveledLogger, fetcher *configFetcher, summaries *summaryManager, store Store, clk clock.Clock) *eventTracker {
	t := &eventTracker{
		cfg:       cfg,
		fetcher:   fetcher,
		summaries: summaries,
		store:     store,
		logger:    logger,
		clock:     clk,
		wake:      make(chan struct{}, 1),
	}
	t.ctx, t.ctxCancel = context.WithCancel(context.Background())
	return t
}

func (t *eventTracker) start() {
	t.wg.Add(1)
	go t.run()
}

// close stops the periodic loop and spills anything still queued so it
// survives the process.
func (t *eventTracker) close(ctx context.Context) {
	t.ctxCancel()
	t.wg.Wait()
	if err := t.flush(ctx); err != nil {
		t.mu.Lock()
		remaining := t.queue
		t.queue = nil
		t.mu.Unlock()
		if len(remaining) > 0 {
			t.spill(context.Background(), remaining)
		}
	}
}

func (t *eventTracker) run() {
	defer t.wg.Done()
	timer := t.clock.Timer(t.cfg.Current().EventsFlushInterval)
	defer timer.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.wake:
		case <-timer.C:
			if err := t.flush(t.ctx); err != nil {
				t.logger.Debugf("periodic event flush failed: %v", err)
			}
		}
		timer.Stop()
		timer = t.clock.Timer(t.cfg.Current().EventsFlushInterval)
	}
}

func (t *eventTracker) poke() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *eventTracker) setSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = sessionID
}

func (t *eventTracker) setCustomerID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.customerID = id
}

// track queues one event. Success means queued, not transmitted.
// Timestamps are non-decreasing within the process.
func (t *eventTracker) track(eventType EventType, properties map[string]interface{}) error {
	if !eventType.valid() {
		return newError(CategoryValidation, "unknown event type %q", eventType)
	}
	props := make(map[string]interface{}, len(properties))
	for k, v := range properties {
		props[k] = v
	}
	t.mu.Lock()
	ts := t.clock.Now().UnixMilli()
	if ts < t.lastTs {
		ts = t.lastTs
	}
	t.lastTs = ts
	record := EventRecord{
		EventID:    uuid.NewString(),
		CustomerID: t.customerID,
		EventType:  eventType,
		Properties: props,
		Timestamp:  ts,
		SessionID:  t.sessionID,
		InsertID:   uuid.NewString(),
	}
	t.queue = append(t.queue, record)
	full := len(t.queue) >= t.cfg.Current().EventsQueueSize
	t.mu.Unlock()
	if full {
		go func() {
			if err := t.flush(t.ctx); err != nil {
				t.logger.Debugf("capacity-triggered event flush failed: %v", err)
			}
		}()
	}
	return nil
}

// flush sends everything queued, spill-over first. The summaries
// flush runs to completion (success or exhausted retries) before the
// events POST starts.
func (t *eventTracker) flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	if err := t.summaries.flush(ctx); err != nil {
		// Events still go out; the summary attempt is what the
		// ordering contract requires.
		t.logger.Warnf("summary flush failed ahead of events: %v", err)
	}

	spilled, spillKeys := t.loadSpill(ctx)
	t.mu.Lock()
	fresh := t.queue
	t.queue = nil
	t.mu.Unlock()

	events := append(spilled, fresh...)
	if len(events) == 0 {
		return nil
	}
	res := t.fetcher.postEvents(ctx, events)
	if res.err != nil {
		// The loaded spill batches are back in memory (or about to be
		// re-spilled), so their old keys must go to avoid duplicates.
		for _, key := range spillKeys {
			t.store.Remove(ctx, key)
		}
		t.requeue(ctx, events)
		return res.err
	}
	for _, key := range spillKeys {
		if err := t.store.Remove(ctx, key); err != nil {
			t.logger.Errorf("cannot remove drained spill key %s: %v", key, err)
		}
	}
	t.logger.Debugf("flushed %d events", len(events))
	return nil
}

// requeue puts an unsent batch back; once the backlog reaches the
// stored-events cap it moves to the persistent store instead so memory
// stays bounded and the events survive process death.
func (t *eventTracker) requeue(ctx context.Context, events []EventRecord) {
	t.mu.Lock()
	t.queue = append(events, t.queue...)
	var overflow []EventRecord
	if len(t.queue) >= t.cfg.Current().MaxStoredEvents {
		overflow = t.queue
		t.queue = nil
	}
	t.mu.Unlock()
	if len(overflow) > 0 {
		t.spill(ctx, overflow)
	}
}

// spill persists a batch under a fresh rolling key.
func (t *eventTracker) spill(ctx context.Context, events []EventRecord) {
	data, err := json.Marshal(events)
	if err != nil {
		t.logger.Errorf("cannot serialize events for spill-over: %v", err)
		return
	}
	key := storeKeyEventSpillPrefix + uuid.NewString()
	if err := t.store.Set(ctx, key, string(data)); err != nil {
		t.logger.Errorf("cannot spill %d events: %v", len(events), err)
		return
	}
	t.logger.Infof("spilled %d unsent events to the store", len(events))
}

// loadSpill reads every persisted batch in key order without deleting
// it; keys are removed only after a successful POST.
func (t *eventTracker) loadSpill(ctx context.Context) ([]EventRecord, []string) {
	keys, err := t.store.Keys(ctx)
	if err != nil {
		t.logger.Errorf("cannot list spill keys: %v", err)
		return nil, nil
	}
	var spillKeys []string
	for _, key := range keys {
		if strings.HasPrefix(key, storeKeyEventSpillPrefix) {
			spillKeys = append(spillKeys, key)
		}
	}
	sort.Strings(spillKeys)
	var events []EventRecord
	for _, key := range spillKeys {
		raw, found, err := t.store.Get(ctx, key)
		if err != nil || !found {
			continue
		}
		var batch []EventRecord
		if err := json.Unmarshal([]byte(raw), &batch); err != nil {
			t.logger.Errorf("dropping corrupt spill batch %s: %v", key, err)
			t.store.Remove(ctx, key)
			continue
		}
		events = append(events, batch...)
	}
	return events, spillKeys
}

func (t *eventTracker) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}
