package engine

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// Outcome records the result of applying one resolved action.
type Outcome struct {
	TaskID     string
	TargetRoot string
	RelPath    string
	Action     ActionKind
	Reason     string
	Success    bool
	Skipped    bool
	Bytes      int64
	ErrKind    ErrKind
	Err        error
	At         time.Time
}

// Counters accumulate per-task totals across the task's lifetime.
type Counters struct {
	Copied  atomic.Int64
	Deleted atomic.Int64
	Renamed atomic.Int64
	Skipped atomic.Int64
	Failed  atomic.Int64
	Bytes   atomic.Int64
}

// CountersSnapshot is a point-in-time copy for status reporting.
type CountersSnapshot struct {
	Copied  int64 `json:"copied"`
	Deleted int64 `json:"deleted"`
	Renamed int64 `json:"renamed"`
	Skipped int64 `json:"skipped"`
	Failed  int64 `json:"failed"`
	Bytes   int64 `json:"bytes"`
}

func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		Copied:  c.Copied.Load(),
		Deleted: c.Deleted.Load(),
		Renamed: c.Renamed.Load(),
		Skipped: c.Skipped.Load(),
		Failed:  c.Failed.Load(),
		Bytes:   c.Bytes.Load(),
	}
}

// Reporter fans outcomes into the structured log and the task counters.
// Publishing never blocks the executor.
type Reporter struct {
	taskID   string
	counters *Counters
	ch       chan Outcome
	done     chan struct{}
}

func NewReporter(taskID string, buffer int) *Reporter {
	r := &Reporter{
		taskID:   taskID,
		counters: &Counters{},
		ch:       make(chan Outcome, buffer),
		done:     make(chan struct{}),
	}
	go r.consume()
	return r
}

func (r *Reporter) Counters() *Counters {
	return r.counters
}

// Publish records the outcome in the counters and queues it for the
// log consumer. A full queue drops the log line, never the count.
func (r *Reporter) Publish(o Outcome) {
	o.TaskID = r.taskID
	if o.At.IsZero() {
		o.At = time.Now()
	}
	r.count(o)

	select {
	case r.ch <- o:
	default:
	}
}

func (r *Reporter) count(o Outcome) {
	switch {
	case o.Skipped:
		r.counters.Skipped.Add(1)
	case !o.Success:
		r.counters.Failed.Add(1)
	default:
		switch o.Action {
		case ActionCopyToTarget, ActionCopyToSource:
			r.counters.Copied.Add(1)
			r.counters.Bytes.Add(o.Bytes)
		case ActionDeleteTarget, ActionDeleteSource:
			r.counters.Deleted.Add(1)
		case ActionKeepBoth:
			r.counters.Renamed.Add(1)
			r.counters.Copied.Add(1)
			r.counters.Bytes.Add(o.Bytes)
		case ActionRenameTarget, ActionRenameSource:
			r.counters.Renamed.Add(1)
		}
	}
}

func (r *Reporter) consume() {
	for {
		select {
		case <-r.done:
			return
		case o := <-r.ch:
			attrs := []any{
				"task", o.TaskID,
				"action", o.Action.String(),
				"path", o.RelPath,
				"target", o.TargetRoot,
				"reason", o.Reason,
			}
			switch {
			case o.Skipped:
				slog.Debug("sync skipped", attrs...)
			case !o.Success:
				attrs = append(attrs, "err", o.Err, "err_kind", o.ErrKind.String())
				slog.Error("sync failed", attrs...)
			default:
				if o.Bytes > 0 {
					attrs = append(attrs, "bytes", o.Bytes)
				}
				slog.Info("sync applied", attrs...)
			}
		}
	}
}

func (r *Reporter) Close() {
	close(r.done)
}
