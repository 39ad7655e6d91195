// Package identity derives public tunnel identifiers from client and
// server secrets.
//
// An id is a deterministic, uniformly distributed 16-character base-36
// string. Derivation is keyed by the server secret (HMAC-SHA-256), so an
// id cannot be computed without it, and uses rejection sampling so the
// output is exactly uniform in [0, 36^16) with no modulo bias.
package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
)

// derivationDomain separates tunnel-id MACs from any other use of the
// same key material. It is part of the wire contract: changing it
// invalidates every previously issued id.
const derivationDomain = "blink-tunnel-id-v1"

// IDLength is the exact length of a tunnel id.
const IDLength = 16

// maxCandidates bounds the rejection-sampling loop. The acceptance
// probability per candidate is above 0.63, so reaching this bound
// indicates a bug, not bad luck.
const maxCandidates = 1000

var (
	// idSpace is 36^16, the number of possible ids.
	idSpace = new(big.Int).Exp(big.NewInt(36), big.NewInt(IDLength), nil)

	// rejectionLimit is the largest multiple of idSpace that fits in
	// 128 bits. Candidates at or above it are rejected.
	rejectionLimit = func() *big.Int {
		max128 := new(big.Int).Lsh(big.NewInt(1), 128)
		limit := new(big.Int).Div(max128, idSpace)
		return limit.Mul(limit, idSpace)
	}()

	idPattern = regexp.MustCompile(`^[0-9a-z]{16}$`)
)

// Valid reports whether s is a well-formed tunnel id: exactly 16
// characters over [0-9a-z].
func Valid(s string) bool {
	return idPattern.MatchString(s)
}

// Derive computes the tunnel id for the given client and server secrets.
// The same pair always yields the same id.
func Derive(clientSecret, serverSecret string) (string, error) {
	candidates := 0
	for counter := 0; ; counter++ {
		mac := hmac.New(sha256.New, []byte(serverSecret))
		mac.Write([]byte(derivationDomain))
		mac.Write([]byte{0})
		mac.Write([]byte(clientSecret))
		mac.Write([]byte{0})
		mac.Write([]byte(strconv.Itoa(counter)))
		sum := mac.Sum(nil)

		// Each MAC yields two independent 128-bit candidates.
		for _, half := range [2][]byte{sum[:16], sum[16:]} {
			if candidates >= maxCandidates {
				return "", fmt.Errorf("identity: no candidate accepted after %d attempts", maxCandidates)
			}
			candidates++
			x := new(big.Int).SetBytes(half)
			if x.Cmp(rejectionLimit) >= 0 {
				continue
			}
			return render(x.Mod(x, idSpace)), nil
		}
	}
}

// Verify recomputes the id for the secret pair and compares it against
// id in constant time.
func Verify(id, clientSecret, serverSecret string) bool {
	derived, err := Derive(clientSecret, serverSecret)
	if err != nil {
		return false
	}
	if len(id) != len(derived) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(id), []byte(derived)) == 1
}

func render(x *big.Int) string {
	s := x.Text(36)
	if len(s) < IDLength {
		s = strings.Repeat("0", IDLength-len(s)) + s
	}
	return s
}
