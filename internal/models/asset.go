package models

import (
	"time"
)

// Asset is the canonical token identity, keyed by the aggregator provider's
// numeric id. Symbols are not unique across providers; disambiguation is the
// linker's job.
type Asset struct {
	ID         int64     `json:"id" db:"id"`
	ProviderID int64     `json:"provider_id" db:"provider_id"`
	Symbol     string    `json:"symbol" db:"symbol"`
	Name       string    `json:"name" db:"name"`
	Slug       string    `json:"slug" db:"slug"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

// LinkMethod identifies which stage of the matching cascade produced a link.
type LinkMethod string

const (
	LinkMethodExact      LinkMethod = "exact"
	LinkMethodNormalized LinkMethod = "normalized"
	LinkMethodPrefix     LinkMethod = "prefix_stripped"
	LinkMethodSuffix     LinkMethod = "suffix_stripped"
	LinkMethodWrapped    LinkMethod = "wrapped_alias"
	LinkMethodCombined   LinkMethod = "combined"
	LinkMethodFuzzy      LinkMethod = "fuzzy"
	LinkMethodNone       LinkMethod = "none"
)

// LinkResult is the outcome of resolving a raw symbol to a canonical asset.
// Asset is nil when no match was found.
type LinkResult struct {
	RawSymbol string     `json:"raw_symbol"`
	Asset     *Asset     `json:"asset,omitempty"`
	Method    LinkMethod `json:"method"`
}

// Matched reports whether the cascade found a canonical asset.
func (r LinkResult) Matched() bool {
	return r.Asset != nil
}
