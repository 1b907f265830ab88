// Package instance holds the per-(strategy, instrument) state machine and its
// durable store.
package instance

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// State of a strategy instance
type State string

const (
	Idle     State = "IDLE"
	Opening  State = "OPENING"
	Holding  State = "HOLDING"
	Closing  State = "CLOSING"
	Shorting State = "SHORTING"
	Short    State = "SHORT"
	Covering State = "COVERING"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrContextMismatch   = errors.New("context does not match state")
)

// Transient states wait on a broker order
func (s State) Transient() bool {
	switch s {
	case Opening, Shorting, Closing, Covering:
		return true
	}
	return false
}

// Holds reports whether the state carries a live position
func (s State) Holds() bool {
	return s == Holding || s == Short
}

// allowed lists the non-trivial edges. Self transitions (context refresh) and
// resets to IDLE are always legal.
var allowed = map[State][]State{
	Idle:     {Opening, Shorting, Holding, Short},
	Opening:  {Holding},
	Holding:  {Closing},
	Closing:  {Holding},
	Shorting: {Short},
	Short:    {Covering},
	Covering: {Short},
}

// CanTransition reports whether from -> to is a legal edge
func CanTransition(from, to State) bool {
	if to == Idle || from == to {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Validate checks the edge and that c is the context shape to requires
func Validate(from, to State, c Context) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if !contextFits(to, c) {
		return fmt.Errorf("%w: %s with %T", ErrContextMismatch, to, c)
	}
	return nil
}

func contextFits(s State, c Context) bool {
	switch s {
	case Idle:
		return c == nil
	case Opening, Shorting:
		_, ok := c.(*OpeningContext)
		return ok
	case Holding, Short:
		_, ok := c.(*HoldingContext)
		return ok
	case Closing, Covering:
		_, ok := c.(*ClosingContext)
		return ok
	}
	return false
}

// Key identifies an instance
type Key struct {
	StrategyID int64  `json:"strategy_id"`
	Instrument string `json:"instrument"`
}

func (k Key) String() string {
	return strconv.FormatInt(k.StrategyID, 10) + ":" + k.Instrument
}

// ParseKey is the inverse of Key.String
func ParseKey(s string) (Key, error) {
	id, inst, ok := strings.Cut(s, ":")
	if !ok || inst == "" {
		return Key{}, fmt.Errorf("malformed instance key %q", s)
	}
	strategyID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("malformed instance key %q: %w", s, err)
	}
	return Key{StrategyID: strategyID, Instrument: inst}, nil
}
