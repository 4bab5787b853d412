package retry_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coral-mesh/dlinject/internal/retry"
)

var errNoPid = errors.New("process not started yet")

// Example retries a lookup that succeeds once the process has started.
func Example() {
	cfg := retry.Config{
		MaxRetries:     5,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}

	attempt := 0
	err := retry.Do(context.Background(), cfg, func() error {
		attempt++
		if attempt < 3 {
			return errNoPid
		}
		return nil
	}, func(err error) bool {
		return errors.Is(err, errNoPid)
	})

	if err != nil {
		fmt.Printf("Failed: %v\n", err)
	} else {
		fmt.Printf("Found after %d attempts\n", attempt)
	}
	// Output: Found after 3 attempts
}

// ExamplePoll waits for a value to be published.
func ExamplePoll() {
	var slot uint64
	checks := 0

	err := retry.Poll(context.Background(), retry.PollConfig{Interval: time.Millisecond}, func() (bool, error) {
		checks++
		if checks == 4 {
			slot = 0x7f0000001001
		}
		return slot&1 != 0, nil
	})

	fmt.Println(err, checks)
	// Output: <nil> 4
}

// ExamplePoll_timeout bounds a wait that never completes.
func ExamplePoll_timeout() {
	cfg := retry.PollConfig{
		Interval: time.Millisecond,
		Timeout:  20 * time.Millisecond,
	}

	err := retry.Poll(context.Background(), cfg, func() (bool, error) {
		return false, nil
	})

	fmt.Println(errors.Is(err, retry.ErrTimeout))
	// Output: true
}
