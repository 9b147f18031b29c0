package bandwidth

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUtilisationIsSumOfActiveReservations(t *testing.T) {
	a := New(1000)

	g1 := a.Reserve("t1", 100)
	g2 := a.Reserve("t2", 200)

	assert.Equal(t, g1+g2, a.Utilisation())
}

func TestUtilisationReturnsToZeroWhenIdle(t *testing.T) {
	a := New(1000)
	a.Reserve("t1", 500)
	a.Reserve("t2", 300)
	a.Release("t1")
	a.Release("t2")

	assert.Equal(t, int64(0), a.Utilisation())
}

func TestReleaseIsIdempotent(t *testing.T) {
	a := New(1000)
	a.Release("never-reserved")
	a.Reserve("t1", 100)
	a.Release("t1")
	a.Release("t1")
	assert.Equal(t, int64(0), a.Utilisation())
}

func TestReserveGrantsHeadroomFraction(t *testing.T) {
	a := New(1000)
	granted := a.Reserve("t1", 10000)
	// free=1000, headroom = 800; requested far exceeds it.
	assert.Equal(t, int64(800), granted)
}

func TestReserveNeverGrantsZero(t *testing.T) {
	a := New(10)
	// Saturate the link with a prior reservation leaving ~no free capacity.
	a.Reserve("t1", 10)
	granted := a.Reserve("t2", 10)
	assert.GreaterOrEqual(t, granted, int64(1))
}

// TestConcurrentReserveReleaseSettlesToZero is property P2: for any
// interleaving of reserve/release pairs, once all transfers have completed,
// utilisation is exactly zero.
func TestConcurrentReserveReleaseSettlesToZero(t *testing.T) {
	a := New(1 << 20)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("transfer-%d", i)
			a.Reserve(key, int64(1000+i))
			a.Release(key)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int64(0), a.Utilisation())
}
