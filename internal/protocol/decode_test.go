package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/marketnode/internal/domain"
)

func TestDecode_Listing(t *testing.T) {
	payload := `{"version":"0.1.0","item":{"seller":"pSeller","information":{"title":"Chair"},"payment":{"type":"SALE"},"objects":[{"id":"color","value":"red"}]}}`

	env, err := Decode([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", env.Version)
	assert.Equal(t, domain.ActionListingAdd, env.Kind())

	add, ok := env.Action.(*ListingAdd)
	require.True(t, ok)
	assert.Equal(t, "pSeller", add.Item.Seller)
	assert.Equal(t, "Chair", add.Item.Information.Title)
	assert.Equal(t, []domain.KeyValue{{ID: "color", Value: "red"}}, add.Item.Objects)
}

func TestDecode_ListingMissingTitle(t *testing.T) {
	_, err := Decode([]byte(`{"item":{"seller":"pSeller","payment":{"type":"SALE"}}}`))
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)
}

func TestDecode_BidFamily(t *testing.T) {
	for _, kind := range []domain.ActionKind{domain.ActionBid, domain.ActionBidAccept, domain.ActionBidReject, domain.ActionBidCancel} {
		t.Run(string(kind), func(t *testing.T) {
			payload := `{"version":"0.1.0","mpaction":{"action":"` + string(kind) + `","item":"abc","objects":[{"id":"ship","value":"EU"}]}}`
			env, err := Decode([]byte(payload))
			require.NoError(t, err)
			assert.Equal(t, kind, env.Kind())

			bid, ok := env.Action.(*BidAction)
			require.True(t, ok)
			assert.Equal(t, "abc", bid.Item)
			assert.Len(t, bid.Objects, 1)
		})
	}
}

func TestDecode_EscrowKeepsTopLevelMemo(t *testing.T) {
	payload := `{"mpaction":{"action":"MPA_REFUND","item":"abc","nonce":"n1","accepted":true,"memo":"sorry","escrow":{"type":"refund","rawtx":"00ff"}}}`

	env, err := Decode([]byte(payload))
	require.NoError(t, err)

	esc, ok := env.Action.(*EscrowAction)
	require.True(t, ok)
	assert.Equal(t, domain.ActionEscrowRefund, esc.Kind())
	require.NotNil(t, esc.Memo)
	assert.Equal(t, "sorry", *esc.Memo)
	require.NotNil(t, esc.Accepted)
	assert.True(t, *esc.Accepted)
	assert.Nil(t, esc.Info)
	assert.Equal(t, "00ff", esc.Escrow["rawtx"])
}

func TestDecode_ProposalAndVote(t *testing.T) {
	proposal := `{"mpaction":{"action":"MP_PROPOSAL_ADD","submitter":"pSub","type":"PUBLIC_VOTE","title":"Fees","blockStart":10,"blockEnd":20,"options":[{"optionId":0,"description":"YES"},{"optionId":1,"description":"NO"}]}}`
	env, err := Decode([]byte(proposal))
	require.NoError(t, err)
	p, ok := env.Action.(*ProposalAdd)
	require.True(t, ok)
	assert.Equal(t, int64(20), p.BlockEnd)
	assert.Len(t, p.Options, 2)

	vote := `{"mpaction":{"action":"MP_VOTE","proposalHash":"ph","optionId":1,"block":15}}`
	env, err = Decode([]byte(vote))
	require.NoError(t, err)
	v, ok := env.Action.(*VoteCast)
	require.True(t, ok)
	assert.Equal(t, "ph", v.ProposalHash)
	assert.Equal(t, 1, v.OptionID)
}

func TestDecode_InvalidProposals(t *testing.T) {
	cases := map[string]string{
		"inverted window":  `{"mpaction":{"action":"MP_PROPOSAL_ADD","submitter":"s","title":"t","blockStart":20,"blockEnd":10,"options":[{"optionId":0}]}}`,
		"no options":       `{"mpaction":{"action":"MP_PROPOSAL_ADD","submitter":"s","title":"t","blockStart":1,"blockEnd":2}}`,
		"duplicate option": `{"mpaction":{"action":"MP_PROPOSAL_ADD","submitter":"s","title":"t","blockStart":1,"blockEnd":2,"options":[{"optionId":0},{"optionId":0}]}}`,
		"item vote no item": `{"mpaction":{"action":"MP_PROPOSAL_ADD","submitter":"s","type":"ITEM_VOTE","title":"t","blockStart":1,"blockEnd":2,"options":[{"optionId":0}]}}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(payload))
			assert.ErrorIs(t, err, domain.ErrMalformedPayload)
		})
	}
}

func TestDecode_Failures(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)

	_, err = Decode([]byte(`{"mpaction":{"action":"MPA_SHIP","item":"x"}}`))
	assert.ErrorIs(t, err, domain.ErrUnknownAction)

	_, err = Decode([]byte(`{"mpaction":{"action":"MP_ITEM_ADD"}}`))
	assert.ErrorIs(t, err, domain.ErrUnknownAction)

	_, err = Decode([]byte(`{"mpaction":{"action":"MPA_BID"}}`))
	assert.ErrorIs(t, err, domain.ErrMalformedPayload)

	_, err = Decode([]byte(`{"version":"0.1.0","hello":"world"}`))
	assert.ErrorIs(t, err, ErrUnclassified)

	_, err = Decode([]byte(`{"item":null}`))
	assert.ErrorIs(t, err, ErrUnclassified)
}

func TestEncode_RoundTrip(t *testing.T) {
	memo := "m"
	orig := Envelope{Version: "0.1.0", Action: &EscrowAction{
		Action: domain.ActionEscrowLock,
		Item:   "abc",
		Nonce:  "n",
		Memo:   &memo,
	}}
	raw, err := Encode(orig)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, orig, got)

	raw, err = Encode(Envelope{Action: &VoteCast{ProposalHash: "ph", OptionID: 2, Block: 9}})
	require.NoError(t, err)
	got, err = Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionVote, got.Kind())

	_, err = Encode(Envelope{})
	assert.ErrorIs(t, err, domain.ErrUnknownAction)
}
