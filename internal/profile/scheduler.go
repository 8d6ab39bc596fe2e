package profile

import (
	"container/heap"
	"context"
	"time"
)

// task is one scheduled firing: an offset from profile start, the action
// priority for ties, and a monotone sequence for stable ordering.
type task struct {
	at       time.Duration
	priority int
	seq      int64
	run      func(ctx context.Context)
}

type taskQueue []*task

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	if q[i].priority != q[j].priority {
		return q[i].priority < q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q taskQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *taskQueue) Push(x any) { *q = append(*q, x.(*task)) }

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// scheduler is single-threaded and cooperative: one priority queue, one
// ticker; the only suspension points are sleeping until the next task or the
// exit event.
type scheduler struct {
	pq    taskQueue
	seq   int64
	start time.Time
}

func newScheduler() *scheduler {
	s := &scheduler{}
	heap.Init(&s.pq)
	return s
}

func (s *scheduler) enqueue(at time.Duration, priority int, run func(ctx context.Context)) {
	s.seq++
	heap.Push(&s.pq, &task{at: at, priority: priority, seq: s.seq, run: run})
}

// drain runs tasks in order until the queue empties, ctx is done, or exit is
// closed. It returns the number of tasks never started.
func (s *scheduler) drain(ctx context.Context, exit <-chan struct{}) int {
	s.start = time.Now()
	for s.pq.Len() > 0 {
		t := heap.Pop(&s.pq).(*task)
		delay := time.Until(s.start.Add(t.at))
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return s.pq.Len() + 1
			case <-exit:
				timer.Stop()
				return s.pq.Len() + 1
			}
		} else {
			select {
			case <-ctx.Done():
				return s.pq.Len() + 1
			case <-exit:
				return s.pq.Len() + 1
			default:
			}
		}
		t.run(ctx)
	}
	return 0
}

// elapsed is the time since drain began.
func (s *scheduler) elapsed() time.Duration {
	return time.Since(s.start)
}
