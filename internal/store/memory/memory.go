// Package memory implements the domain store interfaces in process memory.
// It backs single-box development runs and tests. All stores are safe for
// concurrent use.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/marketnode/internal/domain"
)

// Stores bundles one instance of every in-memory store.
type Stores struct {
	Actions   *ActionRecordStore
	Listings  *ListingItemStore
	Templates *ListingTemplateStore
	Bids      *BidStore
	Orders    *OrderStore
	Proposals *ProposalStore
	Votes     *VoteStore
	Results   *ProposalResultStore
	Audit     *AuditStore
}

// New creates an empty set of stores.
func New() *Stores {
	return &Stores{
		Actions:   NewActionRecordStore(),
		Listings:  NewListingItemStore(),
		Templates: NewListingTemplateStore(),
		Bids:      NewBidStore(),
		Orders:    NewOrderStore(),
		Proposals: NewProposalStore(),
		Votes:     NewVoteStore(),
		Results:   NewProposalResultStore(),
		Audit:     NewAuditStore(),
	}
}

// ActionRecordStore implements domain.ActionRecordStore.
type ActionRecordStore struct {
	mu      sync.RWMutex
	records []domain.ActionRecord
}

// NewActionRecordStore creates an empty ActionRecordStore.
func NewActionRecordStore() *ActionRecordStore {
	return &ActionRecordStore{}
}

func (s *ActionRecordStore) Create(_ context.Context, rec domain.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *ActionRecordStore) ListByBid(_ context.Context, bidID string) ([]domain.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ActionRecord
	for _, r := range s.records {
		if r.BidID == bidID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *ActionRecordStore) ListBefore(_ context.Context, before time.Time) ([]domain.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ActionRecord
	for _, r := range s.records {
		if r.CreatedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *ActionRecordStore) Delete(_ context.Context, ids []string) (int64, error) {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.records)
	s.records = slices.DeleteFunc(s.records, func(r domain.ActionRecord) bool {
		_, ok := drop[r.ID]
		return ok
	})
	return int64(before - len(s.records)), nil
}

// All returns every stored record in insertion order.
func (s *ActionRecordStore) All() []domain.ActionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.records)
}

// ListingItemStore implements domain.ListingItemStore.
type ListingItemStore struct {
	mu     sync.RWMutex
	byHash map[string]domain.ListingItem
}

// NewListingItemStore creates an empty ListingItemStore.
func NewListingItemStore() *ListingItemStore {
	return &ListingItemStore{byHash: make(map[string]domain.ListingItem)}
}

// Upsert inserts item or merges it into the row with the same hash. The
// stored ID and CreatedAt never change; template and proposal links are
// only overwritten by non-empty values.
func (s *ListingItemStore) Upsert(_ context.Context, item domain.ListingItem) (domain.ListingItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byHash[item.Hash]
	if !ok {
		s.byHash[item.Hash] = item
		return item, nil
	}
	item.ID = existing.ID
	item.CreatedAt = existing.CreatedAt
	if item.TemplateID == "" {
		item.TemplateID = existing.TemplateID
	}
	if item.ProposalHash == "" {
		item.ProposalHash = existing.ProposalHash
	}
	s.byHash[item.Hash] = item
	return item, nil
}

func (s *ListingItemStore) GetByHash(_ context.Context, hash string) (domain.ListingItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.byHash[hash]
	if !ok {
		return domain.ListingItem{}, domain.ErrNotFound
	}
	return item, nil
}

func (s *ListingItemStore) SetProposal(_ context.Context, hash, proposalHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.byHash[hash]
	if !ok {
		return domain.ErrNotFound
	}
	item.ProposalHash = proposalHash
	s.byHash[hash] = item
	return nil
}

// Count returns the number of stored listings.
func (s *ListingItemStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byHash)
}

// ListingTemplateStore implements domain.ListingTemplateStore.
type ListingTemplateStore struct {
	mu     sync.RWMutex
	byHash map[string]domain.ListingItemTemplate
}

// NewListingTemplateStore creates an empty ListingTemplateStore.
func NewListingTemplateStore() *ListingTemplateStore {
	return &ListingTemplateStore{byHash: make(map[string]domain.ListingItemTemplate)}
}

func (s *ListingTemplateStore) Create(_ context.Context, t domain.ListingItemTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[t.Hash]; ok {
		return domain.ErrAlreadyExists
	}
	s.byHash[t.Hash] = t
	return nil
}

func (s *ListingTemplateStore) GetByHash(_ context.Context, hash string) (domain.ListingItemTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byHash[hash]
	if !ok {
		return domain.ListingItemTemplate{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *ListingTemplateStore) List(_ context.Context) ([]domain.ListingItemTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ListingItemTemplate, 0, len(s.byHash))
	for _, t := range s.byHash {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// BidStore implements domain.BidStore.
type BidStore struct {
	mu    sync.RWMutex
	byID  map[string]domain.Bid
	byKey map[bidKey]string
}

type bidKey struct {
	listingItemID string
	bidder        string
}

// NewBidStore creates an empty BidStore.
func NewBidStore() *BidStore {
	return &BidStore{
		byID:  make(map[string]domain.Bid),
		byKey: make(map[bidKey]string),
	}
}

func (s *BidStore) CreateIfAbsent(_ context.Context, bid domain.Bid) (domain.Bid, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bidKey{bid.ListingItemID, bid.Bidder}
	if id, ok := s.byKey[key]; ok {
		return s.byID[id], false, nil
	}
	s.byKey[key] = bid.ID
	s.byID[bid.ID] = bid
	return bid, true, nil
}

func (s *BidStore) Get(_ context.Context, listingItemID, bidder string) (domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[bidKey{listingItemID, bidder}]
	if !ok {
		return domain.Bid{}, domain.ErrNotFound
	}
	return s.byID[id], nil
}

func (s *BidStore) GetByID(_ context.Context, id string) (domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.byID[id]
	if !ok {
		return domain.Bid{}, domain.ErrNotFound
	}
	return b, nil
}

func (s *BidStore) Transition(_ context.Context, id string, from []domain.ActionKind, to domain.ActionKind) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.byID[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if !slices.Contains(from, b.Action) {
		return false, nil
	}
	b.Action = to
	b.UpdatedAt = time.Now().UTC()
	s.byID[id] = b
	return true, nil
}

func (s *BidStore) ListByListing(_ context.Context, listingHash string, status domain.ActionKind) ([]domain.Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Bid
	for _, b := range s.byID {
		if b.ListingItemHash != listingHash {
			continue
		}
		if status != "" && b.Action != status {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// OrderStore implements domain.OrderStore.
type OrderStore struct {
	mu      sync.RWMutex
	byBid   map[string]domain.Order
	itemBid map[string]string
}

// NewOrderStore creates an empty OrderStore.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		byBid:   make(map[string]domain.Order),
		itemBid: make(map[string]string),
	}
}

func (s *OrderStore) CreateForBid(_ context.Context, order domain.Order) (domain.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byBid[order.BidID]; ok {
		return existing, false, nil
	}
	s.byBid[order.BidID] = order
	s.itemBid[order.Item.ID] = order.BidID
	return order, true, nil
}

func (s *OrderStore) GetByBid(_ context.Context, bidID string) (domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.byBid[bidID]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *OrderStore) TransitionEscrow(_ context.Context, orderItemID string, from []domain.EscrowStatus, to domain.EscrowStatus, patch domain.EscrowPatch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bidID, ok := s.itemBid[orderItemID]
	if !ok {
		return false, domain.ErrNotFound
	}
	o := s.byBid[bidID]
	if !slices.Contains(from, o.Item.Escrow.Status) {
		return false, nil
	}
	now := time.Now().UTC()
	esc := &o.Item.Escrow
	esc.Status = to
	esc.UpdatedAt = now
	if patch.Nonce != "" {
		esc.Nonce = patch.Nonce
	}
	if patch.Memo != "" {
		esc.Memo = patch.Memo
	}
	if patch.TxID != "" {
		esc.TxID = patch.TxID
	}
	o.Status = domain.OrderStatusFor(to)
	o.UpdatedAt = now
	s.byBid[bidID] = o
	return true, nil
}

// Count returns the number of stored orders.
func (s *OrderStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byBid)
}

// ProposalStore implements domain.ProposalStore.
type ProposalStore struct {
	mu     sync.RWMutex
	byHash map[string]domain.Proposal
}

// NewProposalStore creates an empty ProposalStore.
func NewProposalStore() *ProposalStore {
	return &ProposalStore{byHash: make(map[string]domain.Proposal)}
}

func (s *ProposalStore) CreateIfAbsent(_ context.Context, p domain.Proposal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[p.Hash]; ok {
		return false, nil
	}
	s.byHash[p.Hash] = p
	return true, nil
}

func (s *ProposalStore) GetByHash(_ context.Context, hash string) (domain.Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byHash[hash]
	if !ok {
		return domain.Proposal{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *ProposalStore) ListOverlapping(_ context.Context, from, to int64) ([]domain.Proposal, error) {
	return s.filter(func(p domain.Proposal) bool { return p.Overlaps(from, to) }), nil
}

func (s *ProposalStore) ListEndedBefore(_ context.Context, block int64) ([]domain.Proposal, error) {
	return s.filter(func(p domain.Proposal) bool { return p.EndedBefore(block) }), nil
}

func (s *ProposalStore) filter(keep func(domain.Proposal) bool) []domain.Proposal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Proposal
	for _, p := range s.byHash {
		if keep(p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartBlock != out[j].StartBlock {
			return out[i].StartBlock < out[j].StartBlock
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

// VoteStore implements domain.VoteStore.
type VoteStore struct {
	mu        sync.RWMutex
	effective map[voteKey]domain.Vote
	history   []domain.Vote
}

type voteKey struct {
	proposalHash string
	voter        string
}

// NewVoteStore creates an empty VoteStore.
func NewVoteStore() *VoteStore {
	return &VoteStore{effective: make(map[voteKey]domain.Vote)}
}

func (s *VoteStore) Apply(_ context.Context, v domain.Vote) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := voteKey{v.ProposalHash, v.Voter}
	prev, ok := s.effective[key]
	if ok {
		if !v.Supersedes(prev) {
			s.history = append(s.history, v)
			return false, nil
		}
		s.history = append(s.history, prev)
	}
	s.effective[key] = v
	return true, nil
}

func (s *VoteStore) Get(_ context.Context, proposalHash, voter string) (domain.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.effective[voteKey{proposalHash, voter}]
	if !ok {
		return domain.Vote{}, domain.ErrNotFound
	}
	return v, nil
}

func (s *VoteStore) ListEffective(_ context.Context, proposalHash string) ([]domain.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Vote
	for k, v := range s.effective {
		if k.proposalHash == proposalHash {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Voter < out[j].Voter })
	return out, nil
}

// History returns superseded and rejected votes.
func (s *VoteStore) History() []domain.Vote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history)
}

// ProposalResultStore implements domain.ProposalResultStore.
type ProposalResultStore struct {
	mu      sync.RWMutex
	results map[string]domain.ProposalResult
}

// NewProposalResultStore creates an empty ProposalResultStore.
func NewProposalResultStore() *ProposalResultStore {
	return &ProposalResultStore{results: make(map[string]domain.ProposalResult)}
}

func (s *ProposalResultStore) Save(_ context.Context, r domain.ProposalResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[r.ProposalHash] = r
	return nil
}

func (s *ProposalResultStore) Get(_ context.Context, proposalHash string) (domain.ProposalResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[proposalHash]
	if !ok {
		return domain.ProposalResult{}, domain.ErrNotFound
	}
	return r, nil
}

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AuditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}
