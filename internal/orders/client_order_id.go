package orders

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// MaxClientOrderIDLength is the longest id brokers accept
	MaxClientOrderIDLength = 36

	// FallbackMarker identifies ids generated without the shared sequence
	FallbackMarker = "FALLBACK"
)

var (
	ErrClientOrderIDTooLong = errors.New("client order ID exceeds maximum length of 36 characters")
	ErrInvalidClientOrderID = errors.New("invalid client order ID format")
)

// Sequencer hands out per-day sequence numbers shared by all processes
type Sequencer interface {
	IncrementDailySequence(ctx context.Context, scope, dateKey string) (int64, error)
}

// ClientOrderIDGenerator builds client order ids.
// Format: S[STRATEGY]-[DDMMM]-[NNNNN]-[PURPOSE] (e.g. "S7-15JAN-00001-E").
// Fallback: S[STRATEGY]-FALLBACK-[8HEX]-[PURPOSE] when the sequencer is down.
type ClientOrderIDGenerator struct {
	seq      Sequencer
	timezone *time.Location
	now      func() time.Time
	logger   zerolog.Logger
}

// NewClientOrderIDGenerator creates a generator. seq may be nil, in which
// case every id uses the fallback form.
func NewClientOrderIDGenerator(seq Sequencer, timezone *time.Location, logger zerolog.Logger) *ClientOrderIDGenerator {
	if timezone == nil {
		timezone = time.UTC
	}
	return &ClientOrderIDGenerator{
		seq:      seq,
		timezone: timezone,
		now:      time.Now,
		logger:   logger.With().Str("component", "client_order_id").Logger(),
	}
}

// Generate returns a new client order id
func (g *ClientOrderIDGenerator) Generate(ctx context.Context, strategyID int64, purpose Purpose) (string, error) {
	now := g.now().In(g.timezone)
	prefix := fmt.Sprintf("S%d", strategyID)

	if g.seq != nil {
		n, err := g.seq.IncrementDailySequence(ctx, prefix, now.Format("20060102"))
		if err == nil {
			id := fmt.Sprintf("%s-%s-%05d-%s", prefix, strings.ToUpper(now.Format("02Jan")), n, purpose.code())
			if len(id) > MaxClientOrderIDLength {
				return "", fmt.Errorf("%w: %q is %d characters", ErrClientOrderIDTooLong, id, len(id))
			}
			return id, nil
		}
		g.logger.Warn().Err(err).Msg("Sequencer unavailable, using fallback client order id")
	}
	return GenerateFallback(strategyID, purpose), nil
}

// GenerateFallback builds a random id that needs no shared state
func GenerateFallback(strategyID int64, purpose Purpose) string {
	unique := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("S%d-%s-%s-%s", strategyID, FallbackMarker, unique, purpose.code())
}

// ParsedClientOrderID holds the components of one of our ids
type ParsedClientOrderID struct {
	StrategyID int64
	DateStr    string
	Sequence   int
	Purpose    Purpose
	IsFallback bool
	Raw        string
}

var (
	normalIDRegex   = regexp.MustCompile(`^S(\d+)-(\d{2}[A-Z]{3})-(\d{5,})-([EXP])$`)
	fallbackIDRegex = regexp.MustCompile(`^S(\d+)-FALLBACK-([A-F0-9]{8})-([EXP])$`)
)

// ParseClientOrderID parses an id produced by the generator. Returns nil
// for ids in any other format.
func ParseClientOrderID(id string) *ParsedClientOrderID {
	normalized := strings.ToUpper(id)
	if m := fallbackIDRegex.FindStringSubmatch(normalized); m != nil {
		strategyID, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil
		}
		return &ParsedClientOrderID{
			StrategyID: strategyID,
			DateStr:    FallbackMarker,
			Purpose:    purposeFromCode[m[3]],
			IsFallback: true,
			Raw:        id,
		}
	}
	if m := normalIDRegex.FindStringSubmatch(normalized); m != nil {
		strategyID, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil
		}
		seq, err := strconv.Atoi(m[3])
		if err != nil {
			return nil
		}
		return &ParsedClientOrderID{
			StrategyID: strategyID,
			DateStr:    m[2],
			Sequence:   seq,
			Purpose:    purposeFromCode[m[4]],
			Raw:        id,
		}
	}
	return nil
}

// ValidateClientOrderID checks length and format
func ValidateClientOrderID(id string) error {
	if len(id) > MaxClientOrderIDLength {
		return fmt.Errorf("%w: %q is %d characters (max %d)", ErrClientOrderIDTooLong, id, len(id), MaxClientOrderIDLength)
	}
	if ParseClientOrderID(id) == nil {
		return fmt.Errorf("%w: %q", ErrInvalidClientOrderID, id)
	}
	return nil
}
