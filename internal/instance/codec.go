package instance

import (
	"encoding/json"
	"fmt"
)

// EncodeContext serialises a context; IDLE encodes as empty
func EncodeContext(c Context) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

// DecodeContext rebuilds the context shape the state requires
func DecodeContext(s State, data []byte) (Context, error) {
	if s == Idle {
		return nil, nil
	}
	var c Context
	switch s {
	case Opening, Shorting:
		c = &OpeningContext{}
	case Holding, Short:
		c = &HoldingContext{}
	case Closing, Covering:
		c = &ClosingContext{}
	default:
		return nil, fmt.Errorf("unknown state %q", s)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s without context", ErrContextMismatch, s)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode %s context: %w", s, err)
	}
	return c, nil
}
