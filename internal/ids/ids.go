// Package ids generates the sortable row identifiers used for payment
// transactions and PayPal order references.
package ids

import "github.com/oklog/ulid/v2"

// New returns a lexicographically sortable unique identifier. Safe for
// concurrent use.
func New() string {
	return ulid.Make().String()
}
