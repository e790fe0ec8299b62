package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/alanyoungcy/marketnode/internal/domain"
)

// ErrUnclassified is returned for well-formed JSON that carries neither an
// item nor an mpaction.
var ErrUnclassified = errors.New("protocol: message is neither listing nor marketplace action")

type wireMessage struct {
	Version  string          `json:"version"`
	Item     json.RawMessage `json:"item,omitempty"`
	MPAction json.RawMessage `json:"mpaction,omitempty"`
}

// Decode parses a raw transport payload into an Envelope.
//
// Errors wrap domain.ErrMalformedPayload for invalid JSON or missing
// mandatory fields, domain.ErrUnknownAction for an unrecognised action tag,
// and ErrUnclassified for messages outside the marketplace protocol.
func Decode(payload []byte) (Envelope, error) {
	var wire wireMessage
	if err := json.Unmarshal(payload, &wire); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode message: %w: %v", domain.ErrMalformedPayload, err)
	}

	switch {
	case present(wire.Item):
		var item ListingPayload
		if err := json.Unmarshal(wire.Item, &item); err != nil {
			return Envelope{}, fmt.Errorf("protocol: decode item: %w: %v", domain.ErrMalformedPayload, err)
		}
		if err := validateListing(item); err != nil {
			return Envelope{}, err
		}
		return Envelope{Version: wire.Version, Action: &ListingAdd{Item: item}}, nil

	case present(wire.MPAction):
		action, err := decodeMPAction(wire.MPAction)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Version: wire.Version, Action: action}, nil

	default:
		return Envelope{}, ErrUnclassified
	}
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

func decodeMPAction(raw json.RawMessage) (Action, error) {
	var head struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("protocol: decode mpaction: %w: %v", domain.ErrMalformedPayload, err)
	}

	kind := domain.ActionKind(head.Action)
	switch kind.Family() {
	case domain.FamilyBid:
		var a BidAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w: %v", kind, domain.ErrMalformedPayload, err)
		}
		if a.Item == "" {
			return nil, fmt.Errorf("protocol: %s without item: %w", kind, domain.ErrMalformedPayload)
		}
		return &a, nil

	case domain.FamilyEscrow:
		var a EscrowAction
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w: %v", kind, domain.ErrMalformedPayload, err)
		}
		if a.Item == "" {
			return nil, fmt.Errorf("protocol: %s without item: %w", kind, domain.ErrMalformedPayload)
		}
		return &a, nil

	case domain.FamilyProposal:
		var a ProposalAdd
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w: %v", kind, domain.ErrMalformedPayload, err)
		}
		if err := validateProposal(a); err != nil {
			return nil, err
		}
		return &a, nil

	case domain.FamilyVote:
		var a VoteCast
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, fmt.Errorf("protocol: decode %s: %w: %v", kind, domain.ErrMalformedPayload, err)
		}
		if a.ProposalHash == "" {
			return nil, fmt.Errorf("protocol: vote without proposalHash: %w", domain.ErrMalformedPayload)
		}
		return &a, nil

	default:
		// Listing adds never travel as mpaction.
		return nil, fmt.Errorf("protocol: action %q: %w", head.Action, domain.ErrUnknownAction)
	}
}

func validateListing(item ListingPayload) error {
	if item.Seller == "" {
		return fmt.Errorf("protocol: listing without seller: %w", domain.ErrMalformedPayload)
	}
	if item.Information.Title == "" {
		return fmt.Errorf("protocol: listing without title: %w", domain.ErrMalformedPayload)
	}
	if item.Payment.Type == "" {
		return fmt.Errorf("protocol: listing without payment type: %w", domain.ErrMalformedPayload)
	}
	return nil
}

func validateProposal(p ProposalAdd) error {
	switch {
	case p.Submitter == "":
		return fmt.Errorf("protocol: proposal without submitter: %w", domain.ErrMalformedPayload)
	case p.Title == "":
		return fmt.Errorf("protocol: proposal without title: %w", domain.ErrMalformedPayload)
	case len(p.Options) == 0:
		return fmt.Errorf("protocol: proposal without options: %w", domain.ErrMalformedPayload)
	case p.BlockEnd < p.BlockStart:
		return fmt.Errorf("protocol: proposal window [%d,%d] is inverted: %w", p.BlockStart, p.BlockEnd, domain.ErrMalformedPayload)
	case p.Type == domain.ProposalItemVote && p.Item == "":
		return fmt.Errorf("protocol: item vote without item: %w", domain.ErrMalformedPayload)
	}
	seen := make(map[int]bool, len(p.Options))
	for _, o := range p.Options {
		if seen[o.OptionID] {
			return fmt.Errorf("protocol: duplicate option %d: %w", o.OptionID, domain.ErrMalformedPayload)
		}
		seen[o.OptionID] = true
	}
	return nil
}

// Encode serialises env as a MarketplaceMessage.
func Encode(env Envelope) ([]byte, error) {
	wire := wireMessage{Version: env.Version}
	var err error
	switch a := env.Action.(type) {
	case *ListingAdd:
		wire.Item, err = json.Marshal(a.Item)
	case *ProposalAdd:
		a.Action = domain.ActionProposalAdd
		wire.MPAction, err = json.Marshal(a)
	case *VoteCast:
		a.Action = domain.ActionVote
		wire.MPAction, err = json.Marshal(a)
	case *BidAction, *EscrowAction:
		wire.MPAction, err = json.Marshal(a)
	default:
		return nil, fmt.Errorf("protocol: encode %T: %w", env.Action, domain.ErrUnknownAction)
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", env.Kind(), err)
	}
	return json.Marshal(wire)
}
