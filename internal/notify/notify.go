// Package notify wakes agent panes when new events are waiting. Agents
// poll their tools on their own schedule; the notifier types a short
// hint into their pane so the poll happens now instead of whenever the
// model next decides to look. Wake-ups are advisory: a lost hint only
// delays the agent until the next tick, so delivery is best effort and
// the durable cursor per recipient keeps repeats bounded.
package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zjrosen/aio/internal/event"
	"github.com/zjrosen/aio/internal/log"
	"github.com/zjrosen/aio/internal/pane"
	"github.com/zjrosen/aio/internal/store"
)

// DefaultInterval is the default wake-up poll interval.
const DefaultInterval = 1 * time.Second

// PlannerRecipient is the planner's delivery cursor key. Workers and
// reviewers use their worker IDs.
const PlannerRecipient = "planner"

// Clock provides time operations for testability. Use RealClock in
// production and a fake in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// NewTimer creates a Timer that fires after at least d.
	NewTimer(d time.Duration) Timer
}

// Timer is a stoppable timer exposing its fire channel.
type Timer interface {
	// Stop prevents the Timer from firing. Returns false if the timer
	// already fired or was stopped.
	Stop() bool
	// C returns the channel the fire time is delivered on.
	C() <-chan time.Time
}

// RealClock implements Clock with the standard time package.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// NewTimer creates a real timer.
func (RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{timer: time.NewTimer(d)}
}

type realTimer struct {
	timer *time.Timer
}

func (t *realTimer) Stop() bool          { return t.timer.Stop() }
func (t *realTimer) C() <-chan time.Time { return t.timer.C }

// Store is the slice of the kernel store the notifier reads and the
// cursors it advances.
type Store interface {
	ListWorkers() ([]store.Worker, error)
	CursorGet(recipient string) (int64, error)
	CursorPut(recipient string, seq int64) error
	EventsSince(afterSeq int64) ([]event.Event, error)
	EventsForTaskSince(taskID string, afterSeq int64) ([]event.Event, error)
}

// Config holds configuration for creating a Notifier.
type Config struct {
	// Interval is the poll period. Defaults to DefaultInterval if zero.
	Interval time.Duration
	// Store is the kernel store. Required.
	Store Store
	// Panes delivers the wake-up text. Required.
	Panes pane.Manager
	// PlannerPane is the planner's pane handle. Empty disables planner
	// wake-ups.
	PlannerPane pane.Handle
	// Clock provides time operations. Defaults to RealClock if nil.
	Clock Clock
}

// Notifier periodically scans for events past each recipient's delivery
// cursor and types one templated hint into the recipient's pane. A pane
// that has vanished drops its recipient from wake-ups; the reaper owns
// the cleanup of the worker itself.
type Notifier struct {
	interval    time.Duration
	clock       Clock
	store       Store
	panes       pane.Manager
	plannerPane pane.Handle

	mu      sync.Mutex
	dropped map[string]bool

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Notifier from the given configuration.
func New(cfg Config) *Notifier {
	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		interval:    interval,
		clock:       clock,
		store:       cfg.Store,
		panes:       cfg.Panes,
		plannerPane: cfg.PlannerPane,
		dropped:     make(map[string]bool),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Start begins the wake-up loop. Safe to call only once.
func (n *Notifier) Start() {
	go n.loop()
}

// Stop terminates the loop and blocks until it has exited. Safe to call
// multiple times, and before Start.
func (n *Notifier) Stop() {
	n.cancel()
	n.closeDone()
	<-n.done
}

func (n *Notifier) closeDone() {
	n.closeOnce.Do(func() { close(n.done) })
}

func (n *Notifier) loop() {
	defer n.closeDone()

	for {
		timer := n.clock.NewTimer(n.interval)
		select {
		case <-timer.C():
			n.tick(n.ctx)
		case <-n.ctx.Done():
			timer.Stop()
			return
		}
	}
}

// tick runs one wake-up pass over every live recipient.
func (n *Notifier) tick(ctx context.Context) {
	n.notifyPlanner(ctx)

	workers, err := n.store.ListWorkers()
	if err != nil {
		log.Warn(log.CatNotify, "Worker scan failed", "error", err)
		return
	}
	for _, w := range workers {
		if w.PaneHandle == "" || n.isDropped(w.ID) {
			continue
		}
		if w.TaskID == "" {
			// Registered rows without a task are reviewers.
			n.notifyReviewer(ctx, w)
		} else {
			n.notifyWorker(ctx, w)
		}
	}
}

// notifyWorker wakes a worker when a review verdict for its task landed.
// The worker's own events (its review request) advance the cursor
// silently so they are not rescanned every tick.
func (n *Notifier) notifyWorker(ctx context.Context, w store.Worker) {
	events, ok := n.pending(w.ID, func(after int64) ([]event.Event, error) {
		return n.store.EventsForTaskSince(w.TaskID, after)
	})
	if !ok || len(events) == 0 {
		return
	}

	var verdicts []event.Type
	for _, e := range events {
		if e.Type == event.TypeReviewApproved || e.Type == event.TypeReviewDenied {
			verdicts = append(verdicts, e.Type)
		}
	}
	last := events[len(events)-1].Seq
	if len(verdicts) == 0 {
		n.advance(w.ID, last)
		return
	}
	n.send(ctx, w.ID, pane.Handle(w.PaneHandle), WorkerHint(verdicts), last)
}

// notifyReviewer wakes a reviewer when review requests are pending.
func (n *Notifier) notifyReviewer(ctx context.Context, w store.Worker) {
	events, ok := n.pending(w.ID, n.store.EventsSince)
	if !ok || len(events) == 0 {
		return
	}

	requests := 0
	for _, e := range events {
		if e.Type == event.TypeReviewRequested {
			requests++
		}
	}
	last := events[len(events)-1].Seq
	if requests == 0 {
		n.advance(w.ID, last)
		return
	}
	n.send(ctx, w.ID, pane.Handle(w.PaneHandle), ReviewerHint(requests), last)
}

// notifyPlanner wakes the planner on pipeline movement. Task creation is
// the planner's own doing and never triggers a wake-up.
func (n *Notifier) notifyPlanner(ctx context.Context) {
	if n.plannerPane == "" || n.isDropped(PlannerRecipient) {
		return
	}

	events, ok := n.pending(PlannerRecipient, n.store.EventsSince)
	if !ok || len(events) == 0 {
		return
	}

	var movement []event.Type
	for _, e := range events {
		if e.Type != event.TypeTaskCreate {
			movement = append(movement, e.Type)
		}
	}
	last := events[len(events)-1].Seq
	if len(movement) == 0 {
		n.advance(PlannerRecipient, last)
		return
	}
	n.send(ctx, PlannerRecipient, n.plannerPane, PlannerHint(movement), last)
}

// pending reads a recipient's cursor and the events past it.
func (n *Notifier) pending(recipient string, query func(int64) ([]event.Event, error)) ([]event.Event, bool) {
	cursor, err := n.store.CursorGet(recipient)
	if err != nil {
		log.Warn(log.CatNotify, "Cursor read failed", "recipient", recipient, "error", err)
		return nil, false
	}
	events, err := query(cursor)
	if err != nil {
		log.Warn(log.CatNotify, "Pending event scan failed", "recipient", recipient, "error", err)
		return nil, false
	}
	return events, true
}

// send types one hint into the recipient's pane and advances the cursor
// past everything observed. A missing pane drops the recipient; any
// other failure leaves the cursor alone so the next tick retries.
func (n *Notifier) send(ctx context.Context, recipient string, h pane.Handle, hint string, lastSeq int64) {
	if err := n.panes.SendText(ctx, h, hint, true); err != nil {
		if errors.Is(err, pane.ErrPaneNotFound) {
			n.drop(recipient)
			log.Warn(log.CatNotify, "Recipient pane gone, dropping from wake-ups", "recipient", recipient, "pane", h)
			return
		}
		log.Warn(log.CatNotify, "Wake-up send failed", "recipient", recipient, "error", err)
		return
	}
	log.Debug(log.CatNotify, "Wake-up sent", "recipient", recipient, "through_seq", lastSeq)
	n.advance(recipient, lastSeq)
}

func (n *Notifier) advance(recipient string, seq int64) {
	if err := n.store.CursorPut(recipient, seq); err != nil {
		log.Warn(log.CatNotify, "Cursor advance failed", "recipient", recipient, "error", err)
	}
}

func (n *Notifier) drop(recipient string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropped[recipient] = true
}

func (n *Notifier) isDropped(recipient string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped[recipient]
}
