package referral

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChecker struct {
	mu    sync.Mutex
	taken func(code string) bool
	err   error
	calls int
}

func (f *fakeChecker) CodeExists(_ context.Context, code string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.taken != nil && f.taken(code), nil
}

func TestCodeAllocator_Format(t *testing.T) {
	a := NewCodeAllocator(&fakeChecker{})

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code, err := a.Allocate(context.Background())
		require.NoError(t, err)
		require.Len(t, code, CodeLength)
		for _, c := range code {
			assert.True(t, strings.ContainsRune(CodeAlphabet, c), "unexpected rune %q in %s", c, code)
		}
		seen[code] = true
	}
	// 36^8 space; 200 draws colliding would point at a broken generator.
	assert.Greater(t, len(seen), 195)
}

func TestCodeAllocator_SkipsTakenCodes(t *testing.T) {
	// GIVEN: the first three candidates are taken
	checker := &fakeChecker{}
	n := 0
	checker.taken = func(string) bool {
		n++
		return n <= 3
	}
	a := NewCodeAllocator(checker)

	// WHEN: allocating
	code, err := a.Allocate(context.Background())

	// THEN: the fourth candidate is returned
	require.NoError(t, err)
	assert.Len(t, code, CodeLength)
	assert.Equal(t, 4, checker.calls)
}

func TestCodeAllocator_Exhausted(t *testing.T) {
	checker := &fakeChecker{taken: func(string) bool { return true }}
	a := NewCodeAllocator(checker)
	a.MaxAttempts = 5

	_, err := a.Allocate(context.Background())

	assert.ErrorIs(t, err, ErrAllocationExhausted)
	assert.Equal(t, 5, checker.calls)
}

func TestCodeAllocator_CheckerError(t *testing.T) {
	boom := errors.New("connection reset")
	a := NewCodeAllocator(&fakeChecker{err: boom})

	_, err := a.Allocate(context.Background())

	assert.ErrorIs(t, err, boom)
}

func TestCodeAllocator_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewCodeAllocator(&fakeChecker{}).Allocate(ctx)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "AB12CD34", NormalizeCode("  ab12cd34 "))
	assert.Equal(t, "", NormalizeCode("   "))
}
