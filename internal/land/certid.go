package land

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

const certIDPrefix = "CERT-MARS-"

var certIDPattern = regexp.MustCompile(`^CERT-MARS-(\d+)$`)

// NextCertificateID derives the next certificate identifier from the most
// recently issued one. An empty or malformed latest id starts the sequence
// at CERT-MARS-000001. The read-latest-then-increment race is handled by the
// caller retrying on ErrConflict from the ledger's unique constraints.
func NextCertificateID(latest string) string {
	next := 1
	if m := certIDPattern.FindStringSubmatch(latest); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			next = n + 1
		}
	}
	return fmt.Sprintf("%s%06d", certIDPrefix, next)
}

// ValidCertificateID reports whether id has the CERT-MARS-NNNNNN shape.
func ValidCertificateID(id string) bool {
	return certIDPattern.MatchString(id)
}

// VerificationHash computes the public verification digest for a certificate.
// The digest is one-way; it reveals nothing beyond the already-public inputs.
func VerificationHash(certificateID, parcelID string, at time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-%d", certificateID, parcelID, at.UnixMilli())))
	return hex.EncodeToString(sum[:])
}
