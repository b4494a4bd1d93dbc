package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand"
	"strconv"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

// ContractSeeder primes the synthetic feed with a contract's statics so its
// walk starts from the catalog values. The feed simulator satisfies it.
type ContractSeeder interface {
	Seed(contract domain.Contract)
}

// SimCatalog synthesizes contract snapshots without a vendor connection.
// Statics derive deterministically from the contract symbol, so reloading
// the same contract yields the same snapshot.
type SimCatalog struct {
	cal    ExpiryCalendar
	seeder ContractSeeder
	logger *slog.Logger
}

// NewSimCatalog creates a SimCatalog. seeder may be nil.
func NewSimCatalog(cal ExpiryCalendar, seeder ContractSeeder, logger *slog.Logger) *SimCatalog {
	return &SimCatalog{
		cal:    cal,
		seeder: seeder,
		logger: logger.With(slog.String("component", "sim_catalog")),
	}
}

// Snapshot parses the OCC symbol and synthesizes plausible statics for it.
func (s *SimCatalog) Snapshot(ctx context.Context, symbol string) (domain.Contract, error) {
	ticker, expiry, typ, strike, err := parseOCCSymbol(symbol)
	if err != nil {
		return domain.Contract{}, fmt.Errorf("sim_catalog: %s: %w", symbol, err)
	}

	contract := s.synthesize(symbol, ticker, expiry, typ, strike)
	if s.seeder != nil {
		s.seeder.Seed(contract)
	}

	s.logger.DebugContext(ctx, "contract synthesized",
		slog.String("symbol", symbol),
		slog.Float64("mid", contract.Mid),
	)

	return contract, nil
}

// Chain synthesizes a call/put strike ladder around a hash-derived spot,
// expiring on the third Friday of next month.
func (s *SimCatalog) Chain(_ context.Context, underlying string, limit, offset int) ([]domain.Contract, error) {
	if underlying == "" {
		return nil, fmt.Errorf("sim_catalog: empty underlying: %w", domain.ErrInvalidInput)
	}

	h := fnv.New32a()
	h.Write([]byte(underlying))
	base := float64(50 + h.Sum32()%400)

	expiry := thirdFriday(time.Now().UTC().AddDate(0, 1, 0))

	var chain []domain.Contract
	for strike := base - 20; strike <= base+20; strike += 5 {
		for _, typ := range []domain.OptionType{domain.OptionTypeCall, domain.OptionTypePut} {
			symbol := buildOCCSymbol(underlying, expiry, typ, strike)
			chain = append(chain, s.synthesize(symbol, underlying, expiry, typ, strike))
		}
	}

	if offset >= len(chain) {
		return nil, nil
	}
	chain = chain[offset:]
	if limit > 0 && limit < len(chain) {
		chain = chain[:limit]
	}
	return chain, nil
}

func (s *SimCatalog) synthesize(symbol, ticker string, expiry time.Time, typ domain.OptionType, strike float64) domain.Contract {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	rng := rand.New(rand.NewSource(int64(h.Sum32())))

	mid := math.Round((0.50+rng.Float64()*4.50)*100) / 100
	spread := math.Max(0.01, math.Round(mid*2)/100)

	sign := 1.0
	if typ == domain.OptionTypePut {
		sign = -1.0
	}

	return domain.Contract{
		Symbol:       symbol,
		Ticker:       ticker,
		Strike:       strike,
		Expiry:       s.cal.CloseOn(expiry),
		Type:         typ,
		Bid:          math.Max(0.01, mid-spread/2),
		Ask:          mid + spread/2,
		Mid:          mid,
		Volume:       int64(500 + rng.Intn(5000)),
		OpenInterest: int64(1000 + rng.Intn(20000)),
		IV:           0.20 + rng.Float64()*0.40,
		Greeks: domain.Greeks{
			Delta: sign * (0.35 + rng.Float64()*0.30),
			Gamma: 0.01 + rng.Float64()*0.04,
			Theta: -(0.02 + rng.Float64()*0.06) * math.Max(mid, 0.10),
			Vega:  0.05 + rng.Float64()*0.15,
		},
		FetchedAt: time.Now().UTC(),
	}
}

// parseOCCSymbol splits an OCC option symbol (root, yymmdd, C or P, strike
// in thousandths) into its parts.
func parseOCCSymbol(symbol string) (ticker string, expiry time.Time, typ domain.OptionType, strike float64, err error) {
	if len(symbol) < 16 {
		return "", time.Time{}, "", 0, fmt.Errorf("symbol %q too short: %w", symbol, domain.ErrInvalidInput)
	}
	ticker = symbol[:len(symbol)-15]
	tail := symbol[len(symbol)-15:]

	expiry, err = time.ParseInLocation("060102", tail[:6], time.UTC)
	if err != nil {
		return "", time.Time{}, "", 0, fmt.Errorf("bad expiry %q: %w", tail[:6], domain.ErrInvalidInput)
	}

	switch tail[6] {
	case 'C':
		typ = domain.OptionTypeCall
	case 'P':
		typ = domain.OptionTypePut
	default:
		return "", time.Time{}, "", 0, fmt.Errorf("bad option type %q: %w", string(tail[6]), domain.ErrInvalidInput)
	}

	thousandths, err := strconv.Atoi(tail[7:])
	if err != nil || thousandths < 0 {
		return "", time.Time{}, "", 0, fmt.Errorf("bad strike %q: %w", tail[7:], domain.ErrInvalidInput)
	}
	strike = float64(thousandths) / 1000

	return ticker, expiry, typ, strike, nil
}

func buildOCCSymbol(ticker string, expiry time.Time, typ domain.OptionType, strike float64) string {
	cp := "C"
	if typ == domain.OptionTypePut {
		cp = "P"
	}
	return fmt.Sprintf("%s%s%s%08d", ticker, expiry.Format("060102"), cp, int(math.Round(strike*1000)))
}

// thirdFriday returns the third Friday of t's month, the standard monthly
// option expiration.
func thirdFriday(t time.Time) time.Time {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	offset := (int(time.Friday) - int(first.Weekday()) + 7) % 7
	return first.AddDate(0, 0, offset+14)
}
