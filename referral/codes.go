/*
codes.go - Referral code allocation

PURPOSE:
  Hands out the code a new user shares with referrals. Codes are 8
  characters from A-Z0-9, drawn from crypto/rand and checked against the
  graph store before use.

LIMITS:
  At most MaxAttempts draws per allocation, then ErrAllocationExhausted.
  The store's unique constraint still decides on a race between two
  allocations of the same code (ErrDuplicateCode, retried by the engine).

SEE ALSO:
  - engine.go: RegisterUser
*/
package referral

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

const (
	CodeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	CodeLength      = 8
	MaxCodeAttempts = 20
)

// CodeChecker reports whether a referral code is taken.
type CodeChecker interface {
	CodeExists(ctx context.Context, code string) (bool, error)
}

// CodeAllocator issues referral codes not yet present in the graph.
// A free code returned by Allocate can still be taken by a concurrent
// registration; CreateUser reports that as ErrDuplicateCode.
type CodeAllocator struct {
	Checker     CodeChecker
	Alphabet    string
	Length      int
	MaxAttempts int
	Rand        io.Reader
}

func NewCodeAllocator(checker CodeChecker) *CodeAllocator {
	return &CodeAllocator{
		Checker:     checker,
		Alphabet:    CodeAlphabet,
		Length:      CodeLength,
		MaxAttempts: MaxCodeAttempts,
		Rand:        rand.Reader,
	}
}

// Allocate generates codes until a free one is found or the attempt budget
// runs out.
func (a *CodeAllocator) Allocate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < a.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		code, err := a.generate()
		if err != nil {
			return "", err
		}
		taken, err := a.Checker.CodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check referral code: %w", err)
		}
		if !taken {
			return code, nil
		}
	}
	return "", ErrAllocationExhausted
}

func (a *CodeAllocator) generate() (string, error) {
	max := big.NewInt(int64(len(a.Alphabet)))
	buf := make([]byte, a.Length)
	for i := range buf {
		n, err := rand.Int(a.Rand, max)
		if err != nil {
			return "", fmt.Errorf("generate referral code: %w", err)
		}
		buf[i] = a.Alphabet[n.Int64()]
	}
	return string(buf), nil
}
