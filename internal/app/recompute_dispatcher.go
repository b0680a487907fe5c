/**
 * @description
 * Recomputation dispatcher. Ledger events are routed to one recomputation task per work
 * period id; a single router goroutine owns the routing table, so no locks are involved.
 *
 * @notes
 * - At most one task runs per work period. Requests arriving while it runs are coalesced
 *   into a single follow-up run, and every waiter receives the result of the run that
 *   covered its request.
 * - Tasks for different work periods run concurrently.
 */

package app

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/taas/payment-service/internal/domain"
)

// ErrDispatcherStopped is returned for requests made after Run returned.
var ErrDispatcherStopped = errors.New("recompute dispatcher stopped")

// Recomputer re-derives one work period.
type Recomputer interface {
	RecomputeWorkPeriod(ctx context.Context, workPeriodID uuid.UUID) error
}

type recomputeRequest struct {
	workPeriodID uuid.UUID
	done         chan error
}

type recomputeResult struct {
	workPeriodID uuid.UUID
	err          error
}

type actorState struct {
	running  []chan error
	followUp bool
	queued   []chan error
}

// RecomputeDispatcher serializes recomputation per work period.
type RecomputeDispatcher struct {
	recomputer Recomputer
	inbox      chan recomputeRequest
	finished   chan recomputeResult
	stopped    chan struct{}
	log        zerolog.Logger
}

// NewRecomputeDispatcher creates a dispatcher. Call Run to start it.
func NewRecomputeDispatcher(recomputer Recomputer, log zerolog.Logger) *RecomputeDispatcher {
	return &RecomputeDispatcher{
		recomputer: recomputer,
		inbox:      make(chan recomputeRequest),
		finished:   make(chan recomputeResult),
		stopped:    make(chan struct{}),
		log:        log.With().Str("component", "recompute_dispatcher").Logger(),
	}
}

// Run routes requests until ctx is cancelled. In-flight tasks are waited for before it
// returns.
func (d *RecomputeDispatcher) Run(ctx context.Context) {
	defer close(d.stopped)

	actors := make(map[uuid.UUID]*actorState)
	start := func(id uuid.UUID) {
		go func() {
			err := d.recomputer.RecomputeWorkPeriod(ctx, id)
			d.finished <- recomputeResult{workPeriodID: id, err: err}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			for len(actors) > 0 {
				res := <-d.finished
				state := actors[res.workPeriodID]
				notify(state.running, res.err)
				notify(state.queued, ctx.Err())
				delete(actors, res.workPeriodID)
			}
			return

		case req := <-d.inbox:
			state, busy := actors[req.workPeriodID]
			if !busy {
				actors[req.workPeriodID] = &actorState{running: waiters(nil, req.done)}
				start(req.workPeriodID)
				continue
			}
			state.followUp = true
			state.queued = waiters(state.queued, req.done)

		case res := <-d.finished:
			state := actors[res.workPeriodID]
			if res.err != nil && domain.KindOf(res.err) != domain.KindNotFound {
				d.log.Error().Err(res.err).Str("work_period_id", res.workPeriodID.String()).Msg("recompute failed")
			}
			notify(state.running, res.err)
			if !state.followUp {
				delete(actors, res.workPeriodID)
				continue
			}
			state.running, state.queued, state.followUp = state.queued, nil, false
			start(res.workPeriodID)
		}
	}
}

func waiters(list []chan error, done chan error) []chan error {
	if done == nil {
		return list
	}
	return append(list, done)
}

func notify(list []chan error, err error) {
	for _, done := range list {
		done <- err
	}
}

// Dispatch routes ev to its work period's task and waits for the run that covers it.
func (d *RecomputeDispatcher) Dispatch(ctx context.Context, ev domain.LedgerEvent) error {
	id, ok := ev.WorkPeriodID()
	if !ok {
		return domain.BadRequest("cannot resolve the work period of %s %s", ev.EntityKind, ev.ID)
	}
	done := make(chan error, 1)
	if err := d.enqueue(ctx, recomputeRequest{workPeriodID: id, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit routes ev without waiting for the recomputation. It returns once the router
// accepted the request.
func (d *RecomputeDispatcher) Submit(ctx context.Context, ev domain.LedgerEvent) error {
	id, ok := ev.WorkPeriodID()
	if !ok {
		return domain.BadRequest("cannot resolve the work period of %s %s", ev.EntityKind, ev.ID)
	}
	return d.enqueue(ctx, recomputeRequest{workPeriodID: id})
}

// RecomputeNow runs a recomputation for one work period through the dispatcher.
func (d *RecomputeDispatcher) RecomputeNow(ctx context.Context, workPeriodID uuid.UUID) error {
	return d.Dispatch(ctx, domain.LedgerEvent{EntityKind: domain.EntityWorkPeriod, ID: workPeriodID})
}

func (d *RecomputeDispatcher) enqueue(ctx context.Context, req recomputeRequest) error {
	select {
	case d.inbox <- req:
		return nil
	case <-d.stopped:
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has returned.
func (d *RecomputeDispatcher) Done() <-chan struct{} {
	return d.stopped
}
