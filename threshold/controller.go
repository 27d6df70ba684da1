// Package threshold cycles the adaptive threshold block size handed to the
// marker detector while no markers are being found.
package threshold

import (
	"errors"
	"fmt"
	"sync"
)

const Step = 2

var ErrInvalidRange = errors.New("invalid threshold block size range")

type Controller struct {
	mu      sync.RWMutex
	current int
	min     int
	max     int
}

// New starts at the midpoint of [min, max], bumped to the next odd value when even.
func New(min, max int) (*Controller, error) {
	if min < 1 || min > max {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, min, max)
	}
	start := (min + max) / 2
	if start%2 == 0 {
		start++
	}
	if start > max {
		start = min
	}
	return &Controller{current: start, min: min, max: max}, nil
}

// Observe records the number of markers detected in a frame and returns the
// block size to use for the next one.
func (c *Controller) Observe(detected int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if detected > 0 {
		return c.current
	}
	next := c.current + Step
	if next > c.max {
		next = c.min
	}
	c.current = next
	return c.current
}

func (c *Controller) Current() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *Controller) Bounds() (int, int) {
	return c.min, c.max
}
