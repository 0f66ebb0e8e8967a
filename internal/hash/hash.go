// Package hash computes the 64-bit content hashes used as surrogate keys for
// subjects, predicates, objects, resources and harvest sources.
package hash

import (
	"github.com/cespare/xxhash/v2"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
)

// SPO hashes an arbitrary string. The result is stored in signed BIGINT
// columns, so the unsigned digest is reinterpreted rather than truncated.
func SPO(s string) int64 {
	return int64(xxhash.Sum64String(s)) //nolint:gosec // bit reinterpretation is intended
}

// URL hashes the canonical form of a source URL.
func URL(raw string) int64 {
	return SPO(harvest.CanonicalURL(raw))
}

// Blank hashes a blank node label scoped to the document it came from, so the
// same label in two sources does not collapse into one subject.
func Blank(sourceURL, label string) int64 {
	return SPO(harvest.CanonicalURL(sourceURL) + "#_:" + label)
}
