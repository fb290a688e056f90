package stream

import (
	"container/heap"
	"sync"
	"time"

	"github.com/fl-sean03/agentgate/internal/model"
)

// RateLimiterConfig configures the priority token-bucket limiter.
type RateLimiterConfig struct {
	MaxEventsPerSecond int
	BatchWindow        time.Duration
	DrainInterval      time.Duration
}

// pqItem is one queued event, ordered by (priority desc, enqueuedAt asc).
type pqItem struct {
	event model.StreamEvent
	index int
}

type priorityQueue []*pqItem

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].event.Priority != pq[j].event.Priority {
		return pq[i].event.Priority > pq[j].event.Priority
	}
	return pq[i].event.EnqueuedAt.Before(pq[j].event.EnqueuedAt)
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// RateLimiter is a priority token-bucket limiter for outgoing stream
// events. Critical-priority events bypass the bucket entirely; others
// queue and drain at a fraction of the per-second budget each tick, with
// consecutive same work-order/run agent_output events coalesced on
// emission.
type RateLimiter struct {
	cfg RateLimiterConfig

	mu     sync.Mutex
	tokens float64
	last   time.Time
	queue  priorityQueue
	batch  []model.StreamEvent // pending batch-window accumulation

	out chan model.StreamEvent

	stopCh chan struct{}
	wg     sync.WaitGroup

	dropped int
}

// NewRateLimiter creates a RateLimiter. Call Start to begin draining.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.MaxEventsPerSecond <= 0 {
		cfg.MaxEventsPerSecond = 50
	}
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = 100 * time.Millisecond
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 100 * time.Millisecond
	}
	rl := &RateLimiter{
		cfg:    cfg,
		tokens: float64(cfg.MaxEventsPerSecond),
		last:   time.Now(),
		out:    make(chan model.StreamEvent, 10*cfg.MaxEventsPerSecond),
		stopCh: make(chan struct{}),
	}
	heap.Init(&rl.queue)
	return rl
}

// Out returns the channel subscribers should read emitted events from.
func (rl *RateLimiter) Out() <-chan model.StreamEvent {
	return rl.out
}

// Start begins the periodic drain goroutine, which ticks every
// DrainInterval; BatchWindow is not consulted.
func (rl *RateLimiter) Start() {
	rl.wg.Add(1)
	go func() {
		defer rl.wg.Done()
		ticker := time.NewTicker(rl.cfg.DrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.drainTick()
			case <-rl.stopCh:
				return
			}
		}
	}()
}

// Stop halts the drain goroutine and closes the output channel.
func (rl *RateLimiter) Stop() {
	close(rl.stopCh)
	rl.wg.Wait()
	close(rl.out)
}

// Submit classifies and enqueues an event. Critical events bypass the
// bucket and are emitted immediately. The queue is bounded at
// 10*maxEventsPerSecond; overflow drops the lowest-priority tail.
func (rl *RateLimiter) Submit(ev model.StreamEvent) {
	ev.EnqueuedAt = time.Now()
	if ev.Priority == 0 && ev.Type != "" {
		ev.Priority = model.DefaultPriority(ev.Type)
	}

	if ev.Priority == model.PriorityCritical {
		rl.emit(ev)
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	maxQueue := 10 * rl.cfg.MaxEventsPerSecond
	if rl.queue.Len() >= maxQueue {
		rl.dropLowestPriorityLocked()
	}
	heap.Push(&rl.queue, &pqItem{event: ev})
}

// dropLowestPriorityLocked removes the lowest-priority, oldest item from
// the tail. Must be called with rl.mu held.
func (rl *RateLimiter) dropLowestPriorityLocked() {
	if rl.queue.Len() == 0 {
		return
	}
	worstIdx := 0
	for i := 1; i < rl.queue.Len(); i++ {
		a, b := rl.queue[i], rl.queue[worstIdx]
		if a.event.Priority < b.event.Priority ||
			(a.event.Priority == b.event.Priority && a.event.EnqueuedAt.Before(b.event.EnqueuedAt)) {
			worstIdx = i
		}
	}
	heap.Remove(&rl.queue, worstIdx)
	rl.dropped++
}

// refillLocked adds tokens for elapsed real time. Must be called with
// rl.mu held.
func (rl *RateLimiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(rl.last).Seconds()
	rl.last = now
	rl.tokens += elapsed * float64(rl.cfg.MaxEventsPerSecond)
	maxTokens := float64(rl.cfg.MaxEventsPerSecond)
	if rl.tokens > maxTokens {
		rl.tokens = maxTokens
	}
}

// drainTick releases at most 10% of the per-second budget, coalescing
// consecutive agent_output events for the same work order + run.
func (rl *RateLimiter) drainTick() {
	rl.mu.Lock()
	rl.refillLocked()

	budget := float64(rl.cfg.MaxEventsPerSecond) * 0.10
	if budget < 1 {
		budget = 1
	}

	var released []model.StreamEvent
	for rl.queue.Len() > 0 && rl.tokens >= 1 && float64(len(released)) < budget {
		item := heap.Pop(&rl.queue).(*pqItem)
		released = append(released, item.event)
		rl.tokens--
	}
	rl.mu.Unlock()

	for _, ev := range coalesce(released) {
		rl.emit(ev)
	}
}

// Flush immediately drains the entire pending queue (ignoring the token
// budget and tick interval), used by tests and graceful shutdown. It
// emits exactly the union of queued events, ordered by priority then
// enqueue time, with no duplicates.
func (rl *RateLimiter) Flush() []model.StreamEvent {
	rl.mu.Lock()
	var all []model.StreamEvent
	for rl.queue.Len() > 0 {
		item := heap.Pop(&rl.queue).(*pqItem)
		all = append(all, item.event)
	}
	rl.mu.Unlock()

	coalesced := coalesce(all)
	for _, ev := range coalesced {
		rl.emit(ev)
	}
	return coalesced
}

func (rl *RateLimiter) emit(ev model.StreamEvent) {
	select {
	case rl.out <- ev:
	default:
		rl.mu.Lock()
		rl.dropped++
		rl.mu.Unlock()
	}
}

// Dropped returns the number of events dropped due to queue overflow.
func (rl *RateLimiter) Dropped() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.dropped
}

// coalesce merges consecutive agent_output events sharing a work order
// and run into a single event with concatenated data, preserving order.
func coalesce(events []model.StreamEvent) []model.StreamEvent {
	if len(events) == 0 {
		return events
	}
	out := make([]model.StreamEvent, 0, len(events))
	for _, ev := range events {
		if n := len(out); n > 0 {
			prev := &out[n-1]
			if ev.Type == model.StreamAgentOutput && prev.Type == model.StreamAgentOutput &&
				ev.WorkOrderID == prev.WorkOrderID && ev.RunID == prev.RunID {
				prevChunk, _ := prev.Data["chunk"].(string)
				nextChunk, _ := ev.Data["chunk"].(string)
				if prev.Data == nil {
					prev.Data = map[string]any{}
				}
				prev.Data["chunk"] = prevChunk + nextChunk
				prev.Timestamp = ev.Timestamp
				continue
			}
		}
		out = append(out, ev)
	}
	return out
}
