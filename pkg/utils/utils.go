package utils

import (
	"fmt"
	"os"
	"sync"
	"time"
)

var once sync.Once

var IsDevelopment bool

func Ptr[T any](v T) *T { return &v }

// Batch splits items into chunks of at most size elements, preserving order.
// A size of zero or less yields a single batch containing everything.
func Batch[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]T{items}
	}
	batches := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}

func HTTP500Debug(str string) *string {
	if IsDevelopment {
		return &str
	}
	return Ptr("Internal Server Error")
}

func FormatDuration(d time.Duration) string {
	h := d / time.Hour
	if d%time.Hour == 0 && h > 0 {
		return fmt.Sprintf("%dh", h)
	}

	m := d / time.Minute
	if d%time.Minute == 0 && m > 0 {
		return fmt.Sprintf("%dm", m)
	}

	s := d / time.Second
	if d%time.Second == 0 && s > 0 {
		return fmt.Sprintf("%ds", s)
	}

	return d.String() // fallback for complex durations
}

func init() {
	once.Do(func() {
		dev := os.Getenv("DEVELOPMENT")
		if dev == "true" {
			IsDevelopment = true
		} else {
			IsDevelopment = false
		}
	})
}
