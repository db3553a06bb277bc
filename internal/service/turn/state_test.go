package turn

import (
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewStateIsPending(t *testing.T) {
	s := New("s-1", "hello", true)

	assert.Equal(t, Pending, s.Outcome())
	assert.False(t, s.Settled())
	assert.True(t, strings.HasPrefix(s.UserMessageID, "temp-"))
	assert.NotEqual(t, s.UserMessageID, New("s-1", "hello", true).UserMessageID)
}

func TestClaimIsOneShot(t *testing.T) {
	s := New("s-1", "hello", false)

	assert.False(t, s.Claim(Pending))
	assert.True(t, s.Claim(Committed))
	assert.False(t, s.Claim(Committed))
	assert.False(t, s.Claim(Failed))
	assert.Equal(t, Committed, s.Outcome())
	assert.Equal(t, "committed", s.Outcome().String())
}

func TestConcurrentClaimsHaveSingleWinner(t *testing.T) {
	for range 50 {
		s := New("s-1", "hello", false)
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcome := Committed
				if i%2 == 1 {
					outcome = Failed
				}
				if s.Claim(outcome) {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
		assert.True(t, s.Settled())
	}
}

func TestAppendIsSafeAlongsideText(t *testing.T) {
	s := New("s-1", "hello", false)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range 100 {
			s.Append("a")
		}
	}()
	go func() {
		defer wg.Done()
		for range 100 {
			_ = s.Text()
		}
	}()
	wg.Wait()

	assert.Equal(t, strings.Repeat("a", 100), s.Text())
}
