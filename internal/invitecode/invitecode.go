// Package invitecode allocates short human-typeable group join codes.
package invitecode

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/ridecircle/groupride/internal/apperr"
)

const (
	// Alphabet omits I, O, 0 and 1 so codes survive being read aloud.
	Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	// Length is the number of characters in a code.
	Length = 6
	// MaxAttempts bounds collision retries before giving up.
	MaxAttempts = 10
)

// TakenFunc reports whether a candidate code is already assigned.
type TakenFunc func(ctx context.Context, code string) (bool, error)

// Random returns one uniformly sampled code.
func Random() (string, error) {
	var b strings.Builder
	b.Grow(Length)
	limit := big.NewInt(int64(len(Alphabet)))
	for i := 0; i < Length; i++ {
		n, errRand := rand.Int(rand.Reader, limit)
		if errRand != nil {
			return "", fmt.Errorf("invitecode: read random: %w", errRand)
		}
		b.WriteByte(Alphabet[n.Int64()])
	}
	return b.String(), nil
}

// Generate samples codes until taken reports a free one.
func Generate(ctx context.Context, taken TakenFunc) (string, error) {
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if errCtx := ctx.Err(); errCtx != nil {
			return "", errCtx
		}
		code, errRandom := Random()
		if errRandom != nil {
			return "", errRandom
		}
		if taken == nil {
			return code, nil
		}
		used, errTaken := taken(ctx, code)
		if errTaken != nil {
			return "", fmt.Errorf("invitecode: check code: %w", errTaken)
		}
		if !used {
			return code, nil
		}
	}
	return "", apperr.Conflict("could not allocate unique code")
}

// Normalize canonicalizes user input for lookup.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Valid reports whether code has the right length and alphabet.
func Valid(code string) bool {
	if len(code) != Length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if strings.IndexByte(Alphabet, code[i]) < 0 {
			return false
		}
	}
	return true
}
