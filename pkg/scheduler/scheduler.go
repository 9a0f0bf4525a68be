// Package scheduler drains time-ordered events at the start of every
// block (§4.8): expirations, auction clearing, force-settlement
// maturity, recurring transfers, interest compounding, and feed
// freshness decay, each its own priority queue keyed on (due_time, id),
// drained in a fixed kind order and ascending id within a kind.
//
// Grounded on the teacher's Mempool's bucketed, strictly-ordered queue
// discipline (pkg/app/core/mempool/mempool.go: non-order → cancel →
// orders, FIFO within a bucket), generalized from three fixed tx-class
// buckets to the six scheduler-event kinds of §4.8, each additionally
// sorted by (due_time, id) rather than admission order.
package scheduler

import "sort"

// Kind is one of the six scheduler event classes of §4.8, in the fixed
// processing order the spec mandates within equal due_time.
type Kind int

const (
	KindExpiry Kind = iota
	KindAuctionClearing
	KindForceSettlement
	KindRecurringTransfer
	KindInterestAccrual
	KindFeedDecay
	numKinds
)

// Event is one scheduled action: due at DueTime, tagged with a stable
// ID for (due_time, id) ordering and a caller-defined Payload the
// engine dispatches on.
type Event struct {
	Kind    Kind
	DueTime int64
	ID      string
	Payload any
}

// Scheduler holds one ordered queue per Kind.
type Scheduler struct {
	queues [numKinds][]Event
}

func New() *Scheduler { return &Scheduler{} }

// Schedule inserts an event into its kind's queue.
func (s *Scheduler) Schedule(e Event) {
	s.queues[e.Kind] = append(s.queues[e.Kind], e)
}

// Cancel removes a previously scheduled event by (kind, id), used when
// the underlying order/loan/transfer it was scheduled for is closed
// early.
func (s *Scheduler) Cancel(kind Kind, id string) {
	q := s.queues[kind]
	for i, e := range q {
		if e.ID == id {
			s.queues[kind] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// DrainDue returns every event with DueTime ≤ blockTime across all six
// kinds, in fixed kind order and ascending id within a kind (§4.8,
// "part of the consensus rules"), removing them from their queues.
func (s *Scheduler) DrainDue(blockTime int64) []Event {
	var due []Event
	for k := Kind(0); k < numKinds; k++ {
		q := s.queues[k]
		sort.SliceStable(q, func(i, j int) bool {
			if q[i].DueTime != q[j].DueTime {
				return q[i].DueTime < q[j].DueTime
			}
			return q[i].ID < q[j].ID
		})
		var remaining []Event
		for _, e := range q {
			if e.DueTime <= blockTime {
				due = append(due, e)
			} else {
				remaining = append(remaining, e)
			}
		}
		s.queues[k] = remaining
	}
	return due
}

// Pending reports how many events of kind are still queued.
func (s *Scheduler) Pending(kind Kind) int { return len(s.queues[kind]) }
