package mapper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketnode/internal/domain"
	"github.com/alanyoungcy/marketnode/internal/objecthash"
	"github.com/alanyoungcy/marketnode/internal/protocol"
)

type listingMap map[string]domain.ListingItem

func (l listingMap) GetByHash(_ context.Context, hash string) (domain.ListingItem, error) {
	item, ok := l[hash]
	if !ok {
		return domain.ListingItem{}, domain.ErrNotFound
	}
	return item, nil
}

func testMeta() domain.ActionMeta {
	return domain.ActionMeta{
		MsgID:      "msg-1",
		From:       "pBuyer",
		To:         "pSeller",
		ReceivedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func decode(t *testing.T, payload string) protocol.Envelope {
	t.Helper()
	env, err := protocol.Decode([]byte(payload))
	require.NoError(t, err)
	return env
}

func TestMap_EscrowMemoMergedWithoutInfo(t *testing.T) {
	m := New(listingMap{"h1": {ID: "li-1", Hash: "h1"}})
	env := decode(t, `{"version":"0.1.0","mpaction":{"action":"MPA_REFUND","item":"h1","nonce":"n","memo":"changed my mind"}}`)

	rec, err := m.Map(context.Background(), env, testMeta())
	require.NoError(t, err)

	assert.Equal(t, domain.ActionEscrowRefund, rec.Action)
	require.NotNil(t, rec.Info)
	assert.Equal(t, "changed my mind", rec.Info["memo"])
	assert.Equal(t, "changed my mind", rec.Memo())
	assert.Equal(t, "n", rec.Nonce)
	assert.Equal(t, "li-1", rec.RelatedListingItemID)
	assert.Equal(t, "0.1.0", rec.Data.Version)
}

func TestMap_EscrowMemoMergedIntoExistingInfo(t *testing.T) {
	m := New(listingMap{"h1": {ID: "li-1", Hash: "h1"}})
	env := decode(t, `{"mpaction":{"action":"MPA_LOCK","item":"h1","accepted":true,"memo":"top","info":{"address":"a1","memo":"nested"},"escrow":{"type":"lock","txid":"tx"}}}`)

	rec, err := m.Map(context.Background(), env, testMeta())
	require.NoError(t, err)

	assert.Equal(t, "top", rec.Info["memo"])
	assert.Equal(t, "a1", rec.Info["address"])
	require.NotNil(t, rec.Accepted)
	assert.True(t, *rec.Accepted)
	assert.Equal(t, "tx", rec.Escrow["txid"])

	// The decoded envelope is left untouched.
	esc := env.Action.(*protocol.EscrowAction)
	assert.Equal(t, "nested", esc.Info["memo"])
}

func TestMergeMemo(t *testing.T) {
	assert.Nil(t, MergeMemo(nil, nil))

	memo := "x"
	assert.Equal(t, map[string]any{"memo": "x"}, MergeMemo(nil, &memo))

	in := map[string]any{"k": "v"}
	out := MergeMemo(in, &memo)
	assert.Equal(t, map[string]any{"k": "v", "memo": "x"}, out)
	assert.NotContains(t, in, "memo")
}

func TestMap_BidResolvesListing(t *testing.T) {
	m := New(listingMap{"h1": {ID: "li-1", Hash: "h1"}})
	env := decode(t, `{"mpaction":{"action":"MPA_BID","item":"h1","objects":[{"id":"ship.country","value":"FI"}]}}`)

	rec, err := m.Map(context.Background(), env, testMeta())
	require.NoError(t, err)
	assert.Equal(t, "li-1", rec.RelatedListingItemID)
	assert.Equal(t, "h1", rec.ListingItemHash)
	assert.Equal(t, []domain.KeyValue{{ID: "ship.country", Value: "FI"}}, rec.Objects)
	assert.Equal(t, "pBuyer", rec.Data.From)
}

func TestMap_MissingListing(t *testing.T) {
	m := New(listingMap{})
	env := decode(t, `{"mpaction":{"action":"MPA_ACCEPT","item":"nope"}}`)

	_, err := m.Map(context.Background(), env, testMeta())
	assert.ErrorIs(t, err, domain.ErrMissingReference)
}

func TestMap_ListingObjectsVerbatim(t *testing.T) {
	m := New(listingMap{})
	env := decode(t, `{"item":{"seller":"pSeller","information":{"title":"Chair"},"payment":{"type":"SALE"},"objects":[{"id":"a","value":"1"},{"id":"b","value":"2"}]}}`)

	rec, err := m.Map(context.Background(), env, testMeta())
	require.NoError(t, err)
	assert.Equal(t, domain.ActionListingAdd, rec.Action)
	assert.Equal(t, []domain.KeyValue{{ID: "a", Value: "1"}, {ID: "b", Value: "2"}}, rec.Objects)

	add := env.Action.(*protocol.ListingAdd)
	want := objecthash.MustHash(domain.ListingItem{Content: add.Item.ListingContent}, objecthash.KindListingItem)
	assert.Equal(t, want, rec.ListingItemHash)
}

func TestMap_ProposalAndVote(t *testing.T) {
	m := New(listingMap{})
	env := decode(t, `{"mpaction":{"action":"MP_PROPOSAL_ADD","submitter":"pSub","title":"Fees","blockStart":1,"blockEnd":5,"options":[{"optionId":0,"description":"YES"}]}}`)

	rec, err := m.Map(context.Background(), env, testMeta())
	require.NoError(t, err)
	assert.Len(t, rec.ProposalHash, 64)

	p := ProposalFromAction(env.Action.(*protocol.ProposalAdd), testMeta())
	assert.Equal(t, domain.ProposalPublicVote, p.Type)
	assert.Equal(t, objecthash.MustHash(p, objecthash.KindProposal), rec.ProposalHash)

	env = decode(t, `{"mpaction":{"action":"MP_VOTE","proposalHash":"ph","optionId":3,"block":42}}`)
	rec, err = m.Map(context.Background(), env, testMeta())
	require.NoError(t, err)
	assert.Equal(t, "ph", rec.ProposalHash)
	assert.Contains(t, rec.Objects, domain.KeyValue{ID: "optionId", Value: "3"})
}

func TestMap_UnknownAction(t *testing.T) {
	m := New(listingMap{})
	_, err := m.Map(context.Background(), protocol.Envelope{}, testMeta())
	assert.ErrorIs(t, err, domain.ErrUnknownAction)
}
