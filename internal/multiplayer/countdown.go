package multiplayer

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/M1PPosu/lazer-server-sub001/internal/logging"
	"github.com/M1PPosu/lazer-server-sub001/internal/signalr"
)

// gameplayLoadTimeout bounds how long a started match waits for loading
// members before play is forced.
const gameplayLoadTimeout = 30 * time.Second

type countdownKind int

const (
	kindMatchStart countdownKind = iota
	kindForceGameplayStart
	kindServerShutdown
)

// countdownTask is one scheduled countdown. The goroutine behind it owns
// nothing; all shared state is reached back through the room lock.
type countdownTask struct {
	id       int32
	kind     countdownKind
	deadline time.Time
	cancel   context.CancelFunc

	// exclusive tasks cannot be stopped by members, and autoStart marks
	// the match-start countdown armed by the auto-start timer, which is
	// equally stop-immune.
	exclusive bool
	autoStart bool
}

func (t *countdownTask) wire() CountdownBox {
	remaining := time.Until(t.deadline)
	if remaining < 0 {
		remaining = 0
	}
	d := signalr.Duration(remaining)
	switch t.kind {
	case kindForceGameplayStart:
		return CountdownBox{Value: ForceGameplayStartCountdown{ID: t.id, TimeRemaining: d}}
	case kindServerShutdown:
		return CountdownBox{Value: ServerShuttingDownCountdown{ID: t.id, TimeRemaining: d}}
	default:
		return CountdownBox{Value: MatchStartCountdown{ID: t.id, TimeRemaining: d}}
	}
}

// startCountdownLocked schedules a countdown, replacing any existing one
// of the same kind, and announces it. onExpire runs under the room lock
// when the deadline passes; it may be nil.
func (r *serverRoom) startCountdownLocked(kind countdownKind, d time.Duration, exclusive, autoStart bool, onExpire func(ctx context.Context)) *countdownTask {
	if existing := r.countdownOfKindLocked(kind); existing != nil {
		r.stopCountdownLocked(existing)
	}
	if d < 0 {
		d = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.countdownSeq++
	task := &countdownTask{
		id:        r.countdownSeq,
		kind:      kind,
		deadline:  time.Now().Add(d),
		cancel:    cancel,
		exclusive: exclusive,
		autoStart: autoStart,
	}
	r.countdowns[task.id] = task
	r.broadcastLocked(notifyMatchEvent, MatchServerEventBox{Value: CountdownStartedEvent{Countdown: task.wire()}})
	go r.runCountdown(ctx, task, d, onExpire)
	return task
}

func (r *serverRoom) runCountdown(ctx context.Context, task *countdownTask, d time.Duration, onExpire func(ctx context.Context)) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	// The countdown context died with the timer; downstream work gets a
	// fresh one so store calls are not cancelled mid-flight.
	rctx := logging.WithRoom(context.Background(), r.room.RoomID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.countdowns[task.id] != task {
		// Stopped or replaced while the timer fired.
		return
	}
	task.cancel()
	delete(r.countdowns, task.id)
	r.broadcastLocked(notifyMatchEvent, MatchServerEventBox{Value: CountdownStoppedEvent{ID: task.id}})
	if onExpire != nil {
		onExpire(rctx)
	}
	logging.Debug(rctx, "countdown expired", zap.Int32("countdown_id", task.id), zap.Int("kind", int(task.kind)))
}

// stopCountdownLocked cancels a pending countdown and announces the stop.
func (r *serverRoom) stopCountdownLocked(task *countdownTask) {
	if r.countdowns[task.id] != task {
		return
	}
	task.cancel()
	delete(r.countdowns, task.id)
	r.broadcastLocked(notifyMatchEvent, MatchServerEventBox{Value: CountdownStoppedEvent{ID: task.id}})
}

func (r *serverRoom) stopAllCountdownsLocked() {
	for _, task := range r.countdowns {
		task.cancel()
		delete(r.countdowns, task.id)
		r.broadcastLocked(notifyMatchEvent, MatchServerEventBox{Value: CountdownStoppedEvent{ID: task.id}})
	}
}

func (r *serverRoom) countdownByIDLocked(id int32) *countdownTask {
	return r.countdowns[id]
}

func (r *serverRoom) countdownOfKindLocked(kind countdownKind) *countdownTask {
	for _, task := range r.countdowns {
		if task.kind == kind {
			return task
		}
	}
	return nil
}

func (r *serverRoom) activeCountdownsLocked() []CountdownBox {
	tasks := make([]*countdownTask, 0, len(r.countdowns))
	for _, task := range r.countdowns {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].id < tasks[j].id })
	out := make([]CountdownBox, len(tasks))
	for i, task := range tasks {
		out[i] = task.wire()
	}
	return out
}
