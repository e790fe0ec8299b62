// Package objecthash computes deterministic content hashes for listings and
// proposals. Entities are projected onto their content fields, normalised
// (nulls, empty strings and empty collections are dropped recursively) and
// serialised with RFC 8785 JSON canonicalisation before SHA-256 digesting.
package objecthash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"

	"github.com/alanyoungcy/marketnode/internal/domain"
)

// Kind selects the projection and required fields used for an entity.
type Kind string

const (
	KindListingItem         Kind = "listing_item"
	KindListingItemTemplate Kind = "listing_item_template"
	KindProposal            Kind = "proposal"
)

type rule struct {
	// content, when set, names a nested object whose fields replace the
	// top level before projection.
	content  string
	fields   []string
	required []string
}

var listingRule = rule{
	content:  "content",
	fields:   []string{"information", "payment", "shippingDestinations", "messaging", "objects"},
	required: []string{"information.title", "payment.type"},
}

var rules = map[Kind]rule{
	KindListingItem:         listingRule,
	KindListingItemTemplate: listingRule,
	// Title, description and type are stored with a proposal but are not
	// part of its identity.
	KindProposal: {
		fields:   []string{"submitter", "item", "blockStart", "blockEnd", "options"},
		required: []string{"submitter", "options", "blockStart", "blockEnd"},
	},
}

// Hash returns the hex SHA-256 content hash of entity. A missing required
// field yields an error wrapping domain.ErrMissingHashField.
func Hash(entity any, kind Kind) (string, error) {
	canon, err := Canonical(entity, kind)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// MustHash is Hash for callers that have already validated the entity.
func MustHash(entity any, kind Kind) string {
	h, err := Hash(entity, kind)
	if err != nil {
		panic(err)
	}
	return h
}

// Canonical returns the canonical JSON bytes that Hash digests.
func Canonical(entity any, kind Kind) ([]byte, error) {
	r, ok := rules[kind]
	if !ok {
		return nil, fmt.Errorf("objecthash: unknown kind %q", kind)
	}

	top, err := toGeneric(entity)
	if err != nil {
		return nil, fmt.Errorf("objecthash: %s: %w", kind, err)
	}
	if r.content != "" {
		if inner, ok := top[r.content].(map[string]any); ok {
			top = inner
		}
	}

	projected := make(map[string]any, len(r.fields))
	for _, f := range r.fields {
		if v, ok := top[f]; ok {
			projected[f] = v
		}
	}

	norm, ok := normalize(projected)
	if !ok {
		norm = map[string]any{}
	}
	for _, path := range r.required {
		if !present(norm, path) {
			return nil, fmt.Errorf("objecthash: %s: field %s: %w", kind, path, domain.ErrMissingHashField)
		}
	}

	raw, err := json.Marshal(norm)
	if err != nil {
		return nil, fmt.Errorf("objecthash: %s: marshal: %w", kind, err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("objecthash: %s: canonicalize: %w", kind, err)
	}
	return canon, nil
}

// toGeneric round-trips entity through JSON so structs and maps hash the
// same way. Numbers are kept as json.Number to avoid float rounding.
func toGeneric(entity any) (map[string]any, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("entity is not an object")
	}
	return m, nil
}

// normalize drops absent values and reports whether anything remains.
// Absent means null, "", [] or {} after recursion.
func normalize(v any) (any, bool) {
	switch t := v.(type) {
	case nil:
		return nil, false
	case string:
		return t, t != ""
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if n, ok := normalize(child); ok {
				out[k] = n
			}
		}
		return out, len(out) > 0
	case []any:
		out := make([]any, 0, len(t))
		for _, child := range t {
			if n, ok := normalize(child); ok {
				out = append(out, n)
			}
		}
		return out, len(out) > 0
	default:
		return t, true
	}
}

func present(v any, path string) bool {
	cur := v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return false
		}
		cur, ok = m[part]
		if !ok {
			return false
		}
	}
	return true
}
