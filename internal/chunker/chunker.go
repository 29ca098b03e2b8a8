// Package chunker fits outbound text into the mesh transport's fixed payload
// size and paces the transmission of multi-part messages.
//
// A message that fits is sent as-is. Longer text is cut into K parts, each
// prefixed "(i/K) ". The prefix length is derived from K, so every part of a
// plan gets the same body budget and the receiver can always read both the
// index and the total.
package chunker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/nadzzz/meshbridge/internal/message"
)

const (
	// DefaultBudget is the largest payload the mesh link accepts, in bytes.
	DefaultBudget = 150

	// DefaultPacing is the delay between consecutive parts of one message.
	DefaultPacing = 5 * time.Second
)

// ErrBudgetTooSmall is returned when the budget cannot hold a part prefix
// plus at least one full UTF-8 sequence.
var ErrBudgetTooSmall = errors.New("chunk budget too small")

// TransmitFunc sends one payload to a destination.
type TransmitFunc func(ctx context.Context, to message.NodeID, payload string) error

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// Chunker splits and paces outbound text.
type Chunker struct {
	budget int
	pacing time.Duration
	wait   WaitFunc
}

// New creates a chunker with the given byte budget and inter-part pacing.
func New(budget int, pacing time.Duration) (*Chunker, error) {
	if budget < len("(1/2) ")+utf8.UTFMax {
		return nil, fmt.Errorf("%w: %d", ErrBudgetTooSmall, budget)
	}
	return &Chunker{budget: budget, pacing: pacing, wait: Sleep}, nil
}

// Default returns a chunker with DefaultBudget and DefaultPacing.
func Default() *Chunker {
	c, _ := New(DefaultBudget, DefaultPacing)
	return c
}

// WithWait replaces the pacing wait. Tests use it to observe delays.
func (c *Chunker) WithWait(wait WaitFunc) *Chunker {
	c.wait = wait
	return c
}

// Budget returns the payload size limit in bytes.
func (c *Chunker) Budget() int { return c.budget }

// Plan splits text into payloads no longer than the budget. Stripping the
// "(i/K) " prefixes and concatenating the bodies in order gives back text.
func (c *Chunker) Plan(text string) ([]string, error) {
	if len(text) <= c.budget {
		return []string{text}, nil
	}

	k := 2
	var bodies []string
	for {
		body := c.budget - len(Prefix(k, k))
		if body < utf8.UTFMax {
			return nil, fmt.Errorf("%w: %d bytes cannot carry %d parts", ErrBudgetTooSmall, c.budget, k)
		}
		bodies = split(text, body)
		if len(bodies) <= k {
			break
		}
		k = len(bodies)
	}

	k = len(bodies)
	plan := make([]string, k)
	for i, b := range bodies {
		plan[i] = Prefix(i+1, k) + b
	}
	return plan, nil
}

// Prefix returns the part marker for part i of k.
func Prefix(i, k int) string {
	return "(" + strconv.Itoa(i) + "/" + strconv.Itoa(k) + ") "
}

// split cuts text into consecutive slices of at most width bytes, never
// splitting a UTF-8 sequence.
func split(text string, width int) []string {
	var out []string
	for len(text) > 0 {
		n := width
		if n >= len(text) {
			out = append(out, text)
			break
		}
		for n > 0 && !utf8.RuneStart(text[n]) {
			n--
		}
		if n == 0 {
			// not valid UTF-8; fall back to a plain byte cut
			n = width
		}
		out = append(out, text[:n])
		text = text[n:]
	}
	return out
}

// Send transmits the payloads in order, waiting the pacing delay between
// consecutive parts. It stops at the first transmit error or when ctx is
// done before a part is sent. Delivery is not acknowledged.
func (c *Chunker) Send(ctx context.Context, plan []string, to message.NodeID, transmit TransmitFunc) error {
	for i, payload := range plan {
		if i > 0 && c.pacing > 0 {
			if err := c.wait(ctx, c.pacing); err != nil {
				return fmt.Errorf("part %d/%d: %w", i+1, len(plan), err)
			}
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("part %d/%d: %w", i+1, len(plan), err)
		}
		if err := transmit(ctx, to, payload); err != nil {
			return fmt.Errorf("part %d/%d: %w", i+1, len(plan), err)
		}
	}
	return nil
}

// PlanAndSend plans text and sends it, returning the number of parts sent.
func (c *Chunker) PlanAndSend(ctx context.Context, text string, to message.NodeID, transmit TransmitFunc) (int, error) {
	plan, err := c.Plan(text)
	if err != nil {
		return 0, err
	}
	if err := c.Send(ctx, plan, to, transmit); err != nil {
		return 0, err
	}
	return len(plan), nil
}

// Sleep is the default WaitFunc: a timer that gives up when ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
