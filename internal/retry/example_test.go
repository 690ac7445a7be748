package retry_test

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/coral-mesh/etwtrace/internal/retry"
)

// Example retries opening a device that appears on the third attempt.
func Example() {
	cfg := retry.Config{
		MaxRetries:     5,
		InitialBackoff: time.Millisecond,
	}

	attempt := 0
	err := retry.Do(context.Background(), cfg, func() error {
		attempt++
		if attempt < 3 {
			return fs.ErrNotExist
		}
		return nil
	}, func(err error) bool {
		return errors.Is(err, fs.ErrNotExist)
	})

	if err != nil {
		fmt.Printf("Failed: %v\n", err)
	} else {
		fmt.Printf("Opened after %d attempts\n", attempt)
	}
	// Output: Opened after 3 attempts
}

// Example_withTimeout bounds the total wait with a context.
func Example_withTimeout() {
	cfg := retry.Config{
		MaxRetries:     5,
		InitialBackoff: 100 * time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := retry.Do(ctx, cfg, func() error {
		return fs.ErrNotExist
	}, nil)

	if errors.Is(err, context.DeadlineExceeded) {
		fmt.Println("Device did not appear")
	} else {
		fmt.Printf("Failed: %v\n", err)
	}
	// Output: Device did not appear
}
