package events

import (
	"context"
	"time"

	"task-runner-service/internal/task-runner/db"
)

const DefaultReplayPage = 200

// LogSource is the durable side of the live channel.
type LogSource interface {
	EventsAfter(ctx context.Context, taskID string, afterSeq int64, limit int) ([]Event, error)
	TaskStatus(ctx context.Context, taskID string) (db.Status, error)
}

// FollowOptions tunes Follow.
type FollowOptions struct {
	PageSize int
	// Every PollInterval the log is re-read from the last delivered sequence and Ping is
	// called, so a follower still progresses when no relay delivers other runners' events
	// and a dead client is noticed.
	PollInterval time.Duration
	Ping         func() error
}

// Follow sends every event of taskID with seq > afterSeq, in order and without duplicates:
// first what is already in the log, then live events from the hub. It returns nil after the
// terminal event was sent, or the first error from ctx, the log or send.
func Follow(ctx context.Context, src LogSource, hub *Hub, taskID string, afterSeq int64,
	send func(Event) error, opts FollowOptions) error {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultReplayPage
	}
	f := &follower{src: src, taskID: taskID, last: afterSeq, send: send, opts: opts}

	for {
		// Subscribe before reading the log so nothing committed in between is lost.
		sub := hub.Subscribe(taskID)
		done, err := f.catchUp(ctx)
		if err == nil && !done {
			done, err = f.live(ctx, sub)
		}
		sub.Close()
		if err != nil || done {
			return err
		}
	}
}

type follower struct {
	src    LogSource
	taskID string
	last   int64
	send   func(Event) error
	opts   FollowOptions
}

// catchUp replays the log after f.last. It reports done once the terminal event was sent or
// the task is terminal and nothing newer remains.
func (f *follower) catchUp(ctx context.Context) (bool, error) {
	done, err := f.replay(ctx)
	if err != nil || done {
		return done, err
	}
	status, err := f.src.TaskStatus(ctx, f.taskID)
	if err != nil {
		return false, err
	}
	if !status.IsTerminal() {
		return false, nil
	}
	// The terminal event may have been committed after the replay above.
	if _, err := f.replay(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (f *follower) replay(ctx context.Context) (bool, error) {
	for {
		page, err := f.src.EventsAfter(ctx, f.taskID, f.last, f.opts.PageSize)
		if err != nil {
			return false, err
		}
		for _, ev := range page {
			if err := f.deliver(ev); err != nil {
				return false, err
			}
			if ev.IsTerminal() {
				return true, nil
			}
		}
		if len(page) < f.opts.PageSize {
			return false, nil
		}
	}
}

func (f *follower) deliver(ev Event) error {
	if err := f.send(ev); err != nil {
		return err
	}
	f.last = ev.Seq
	return nil
}

// live forwards hub events. It returns (false, nil) when the follower must resynchronize
// from the log: the subscription lagged or a sequence gap showed up.
func (f *follower) live(ctx context.Context, sub *Subscription) (bool, error) {
	var poll <-chan time.Time
	if f.opts.PollInterval > 0 {
		ticker := time.NewTicker(f.opts.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-poll:
			if f.opts.Ping != nil {
				if err := f.opts.Ping(); err != nil {
					return false, err
				}
			}
			done, err := f.catchUp(ctx)
			if err != nil || done {
				return done, err
			}
		case ev, ok := <-sub.C:
			if !ok {
				return false, nil
			}
			if ev.Seq <= f.last {
				continue
			}
			if ev.Seq != f.last+1 {
				return false, nil
			}
			if err := f.deliver(ev); err != nil {
				return false, err
			}
			if ev.IsTerminal() {
				return true, nil
			}
		}
	}
}
