// Package mapper converts decoded protocol actions into ActionRecords.
//
// Mapping has no side effects. The only collaborator is a read-only listing
// lookup used to resolve the listing item a bid or escrow action refers to.
package mapper

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/alanyoungcy/marketnode/internal/domain"
	"github.com/alanyoungcy/marketnode/internal/objecthash"
	"github.com/alanyoungcy/marketnode/internal/protocol"
)

// ListingResolver looks up listing items by content hash.
type ListingResolver interface {
	GetByHash(ctx context.Context, hash string) (domain.ListingItem, error)
}

// Mapper maps envelopes to action records.
type Mapper struct {
	listings ListingResolver
}

// New creates a Mapper that resolves listing references through listings.
func New(listings ListingResolver) *Mapper {
	return &Mapper{listings: listings}
}

// Map projects env into an ActionRecord carrying meta. The record ID is
// left empty for the caller to assign.
//
// Errors: domain.ErrMissingReference when a referenced listing item is not
// known, domain.ErrUnknownAction for an action type without a mapping, and
// domain.ErrMissingHashField when a listing or proposal cannot be hashed.
func (m *Mapper) Map(ctx context.Context, env protocol.Envelope, meta domain.ActionMeta) (domain.ActionRecord, error) {
	meta.Version = env.Version
	rec := domain.ActionRecord{
		Action:    env.Kind(),
		Data:      meta,
		CreatedAt: meta.ReceivedAt,
	}

	switch a := env.Action.(type) {
	case *protocol.ListingAdd:
		hash, err := ListingHash(a.Item)
		if err != nil {
			return domain.ActionRecord{}, err
		}
		rec.ListingItemHash = hash
		rec.Objects = copyObjects(a.Item.Objects)

	case *protocol.BidAction:
		item, err := m.resolve(ctx, a.Item)
		if err != nil {
			return domain.ActionRecord{}, err
		}
		rec.ListingItemHash = a.Item
		rec.RelatedListingItemID = item.ID
		rec.Objects = copyObjects(a.Objects)

	case *protocol.EscrowAction:
		item, err := m.resolve(ctx, a.Item)
		if err != nil {
			return domain.ActionRecord{}, err
		}
		rec.ListingItemHash = a.Item
		rec.RelatedListingItemID = item.ID
		rec.Nonce = a.Nonce
		if a.Accepted != nil {
			accepted := *a.Accepted
			rec.Accepted = &accepted
		}
		rec.Info = MergeMemo(a.Info, a.Memo)
		rec.Escrow = copyMap(a.Escrow)

	case *protocol.ProposalAdd:
		p := ProposalFromAction(a, meta)
		hash, err := objecthash.Hash(p, objecthash.KindProposal)
		if err != nil {
			return domain.ActionRecord{}, err
		}
		rec.ProposalHash = hash
		rec.ListingItemHash = a.Item

	case *protocol.VoteCast:
		rec.ProposalHash = a.ProposalHash
		rec.Objects = []domain.KeyValue{
			{ID: "optionId", Value: strconv.Itoa(a.OptionID)},
			{ID: "block", Value: strconv.FormatInt(a.Block, 10)},
		}

	default:
		return domain.ActionRecord{}, fmt.Errorf("mapper: map %T: %w", env.Action, domain.ErrUnknownAction)
	}
	return rec, nil
}

func (m *Mapper) resolve(ctx context.Context, hash string) (domain.ListingItem, error) {
	item, err := m.listings.GetByHash(ctx, hash)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ListingItem{}, fmt.Errorf("mapper: listing item %s: %w", hash, domain.ErrMissingReference)
	}
	if err != nil {
		return domain.ListingItem{}, fmt.Errorf("mapper: resolve listing item %s: %w", hash, err)
	}
	return item, nil
}

// MergeMemo returns a copy of info with memo stored under "memo". A nil
// memo leaves info unchanged; a nil info is created when needed. The input
// map is never modified.
func MergeMemo(info map[string]any, memo *string) map[string]any {
	out := copyMap(info)
	if memo == nil {
		return out
	}
	if out == nil {
		out = make(map[string]any, 1)
	}
	out["memo"] = *memo
	return out
}

// ListingHash returns the content hash of a listing payload.
func ListingHash(p protocol.ListingPayload) (string, error) {
	return objecthash.Hash(domain.ListingItem{Content: p.ListingContent}, objecthash.KindListingItem)
}

// ProposalFromAction builds the proposal entity described by a. The hash
// is left for the caller to compute.
func ProposalFromAction(a *protocol.ProposalAdd, meta domain.ActionMeta) domain.Proposal {
	typ := a.Type
	if typ == "" {
		typ = domain.ProposalPublicVote
	}
	options := make([]domain.ProposalOption, len(a.Options))
	copy(options, a.Options)
	return domain.Proposal{
		Submitter:   a.Submitter,
		Type:        typ,
		Title:       a.Title,
		Description: a.Description,
		Target:      a.Item,
		StartBlock:  a.BlockStart,
		EndBlock:    a.BlockEnd,
		Options:     options,
		ReceivedAt:  meta.ReceivedAt,
	}
}

func copyObjects(in []domain.KeyValue) []domain.KeyValue {
	if len(in) == 0 {
		return nil
	}
	out := make([]domain.KeyValue, len(in))
	copy(out, in)
	return out
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
