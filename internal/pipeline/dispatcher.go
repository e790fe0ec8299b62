package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/alanyoungcy/marketnode/internal/domain"
	"github.com/alanyoungcy/marketnode/internal/protocol"
	"github.com/alanyoungcy/marketnode/internal/service"
)

// Handler applies one decoded action. It may annotate rec (bid id, listing
// id) before the record is persisted.
type Handler func(ctx context.Context, env protocol.Envelope, rec *domain.ActionRecord) (domain.ActionOutcome, error)

// Dispatcher routes actions to handlers by kind. The table is built once at
// startup and checked for completeness with Validate.
type Dispatcher struct {
	handlers map[domain.ActionKind]Handler
}

// NewDispatcher creates an empty dispatch table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[domain.ActionKind]Handler)}
}

// Register binds h to kind. Registering a kind twice is an error.
func (d *Dispatcher) Register(kind domain.ActionKind, h Handler) error {
	if !kind.Valid() {
		return fmt.Errorf("dispatcher: register %q: %w", kind, domain.ErrUnknownAction)
	}
	if _, ok := d.handlers[kind]; ok {
		return fmt.Errorf("dispatcher: %s: %w", kind, domain.ErrAlreadyExists)
	}
	d.handlers[kind] = h
	return nil
}

// Validate reports every known action kind without a handler.
func (d *Dispatcher) Validate() error {
	var errs []error
	for _, k := range domain.AllActionKinds() {
		if _, ok := d.handlers[k]; !ok {
			errs = append(errs, fmt.Errorf("dispatcher: no handler for %s", k))
		}
	}
	return errors.Join(errs...)
}

// Dispatch invokes the handler for env's kind. A panicking handler is
// reported as OutcomeFailed.
func (d *Dispatcher) Dispatch(ctx context.Context, env protocol.Envelope, rec *domain.ActionRecord) (outcome domain.ActionOutcome, err error) {
	h, ok := d.handlers[env.Kind()]
	if !ok {
		return domain.OutcomeFailed, fmt.Errorf("dispatcher: %s: %w", env.Kind(), domain.ErrUnknownAction)
	}
	defer func() {
		if r := recover(); r != nil {
			outcome = domain.OutcomeFailed
			err = fmt.Errorf("dispatcher: %s handler panic: %v\n%s", env.Kind(), r, debug.Stack())
		}
	}()
	return h(ctx, env, rec)
}

// typed adapts a handler for one concrete action type.
func typed[A protocol.Action](fn func(context.Context, A, *domain.ActionRecord) (domain.ActionOutcome, error)) Handler {
	return func(ctx context.Context, env protocol.Envelope, rec *domain.ActionRecord) (domain.ActionOutcome, error) {
		a, ok := env.Action.(A)
		if !ok {
			return domain.OutcomeFailed, fmt.Errorf("dispatcher: %s carries %T: %w", env.Kind(), env.Action, domain.ErrUnknownAction)
		}
		return fn(ctx, a, rec)
	}
}

// Services groups the action handlers of the node.
type Services struct {
	Listings  *service.ListingService
	Bids      *service.BidService
	Escrow    *service.EscrowService
	Proposals *service.ProposalService
	Votes     *service.VoteService
}

// NewServiceDispatcher builds the complete dispatch table.
func NewServiceDispatcher(s Services) (*Dispatcher, error) {
	d := NewDispatcher()
	listing := typed(s.Listings.HandleListingAdd)
	bid := typed(s.Bids.Handle)
	escrow := typed(s.Escrow.Handle)

	for _, k := range domain.AllActionKinds() {
		var h Handler
		switch k.Family() {
		case domain.FamilyListing:
			h = listing
		case domain.FamilyBid:
			h = bid
		case domain.FamilyEscrow:
			h = escrow
		case domain.FamilyProposal:
			h = typed(s.Proposals.Handle)
		case domain.FamilyVote:
			h = typed(s.Votes.Handle)
		}
		if h == nil {
			continue
		}
		if err := d.Register(k, h); err != nil {
			return nil, err
		}
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}
