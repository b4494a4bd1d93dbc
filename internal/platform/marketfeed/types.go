package marketfeed

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

// flexTime unmarshals from an epoch-milliseconds number or an RFC 3339
// string, so feed payloads work whichever form the vendor sends.
type flexTime time.Time

func (f *flexTime) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err == nil {
		*f = flexTime(time.UnixMilli(ms).UTC())
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*f = flexTime(time.Time{})
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return err
	}
	*f = flexTime(t)
	return nil
}

func (f flexTime) Time() time.Time { return time.Time(f) }

// --------------------------------------------------------------------------
// Reference data DTOs
// --------------------------------------------------------------------------

// APIGreeks carries the sensitivity block as the feed sends it.
type APIGreeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	IV    float64 `json:"iv"`
}

// APIContract represents an option contract as returned by the reference
// data endpoint.
type APIContract struct {
	Symbol       string    `json:"symbol"`
	Underlying   string    `json:"underlying"`
	Strike       float64   `json:"strike"`
	Expiration   string    `json:"expiration"` // date only, "2006-01-02"
	Type         string    `json:"type"`       // "call" or "put"
	Bid          float64   `json:"bid"`
	Ask          float64   `json:"ask"`
	Last         float64   `json:"last"`
	Volume       int64     `json:"volume"`
	OpenInterest int64     `json:"open_interest"`
	Greeks       APIGreeks `json:"greeks"`
	UpdatedAt    flexTime  `json:"updated_at"`
}

// ToDomainContract converts the DTO to a domain contract. The date-only
// expiry is parsed in the market timezone so the calendar date survives the
// later normalization to session close; parsing it as UTC would shift
// evening-hours dates back a day.
func (c *APIContract) ToDomainContract(loc *time.Location) domain.Contract {
	out := domain.Contract{
		Symbol:       c.Symbol,
		Ticker:       c.Underlying,
		Strike:       c.Strike,
		Type:         domain.OptionTypePut,
		Bid:          c.Bid,
		Ask:          c.Ask,
		Mid:          c.Last,
		Volume:       c.Volume,
		OpenInterest: c.OpenInterest,
		IV:           c.Greeks.IV,
		Greeks: domain.Greeks{
			Delta: c.Greeks.Delta,
			Gamma: c.Greeks.Gamma,
			Theta: c.Greeks.Theta,
			Vega:  c.Greeks.Vega,
		},
		FetchedAt: c.UpdatedAt.Time(),
	}
	if strings.EqualFold(c.Type, "call") || strings.EqualFold(c.Type, "c") {
		out.Type = domain.OptionTypeCall
	}
	if c.Bid > 0 && c.Ask > 0 {
		out.Mid = (c.Bid + c.Ask) / 2
	}
	if t, err := time.ParseInLocation("2006-01-02", c.Expiration, loc); err == nil {
		out.Expiry = t
	}
	if out.FetchedAt.IsZero() {
		out.FetchedAt = time.Now().UTC()
	}
	return out
}

// --------------------------------------------------------------------------
// Tick DTOs, shared by the stream and the polling endpoints
// --------------------------------------------------------------------------

// APIQuote is a top-of-book quote for one contract.
type APIQuote struct {
	Symbol    string   `json:"symbol"`
	Bid       float64  `json:"bid"`
	Ask       float64  `json:"ask"`
	Mid       float64  `json:"mid"`
	Timestamp flexTime `json:"timestamp"`
}

// ToDomainSample converts the quote, stamping the given source. A missing
// vendor timestamp counts as received now; a zero time would read as stale.
func (q *APIQuote) ToDomainSample(src domain.SampleSource) domain.QuoteSample {
	s := domain.QuoteSample{Bid: q.Bid, Ask: q.Ask, Mid: q.Mid, Source: src, At: q.Timestamp.Time()}
	if s.Mid == 0 && q.Bid > 0 && q.Ask > 0 {
		s.Mid = (q.Bid + q.Ask) / 2
	}
	if s.At.IsZero() {
		s.At = time.Now().UTC()
	}
	return s
}

// APIGreeksTick is a Greeks update for one contract.
type APIGreeksTick struct {
	Symbol    string   `json:"symbol"`
	Delta     float64  `json:"delta"`
	Gamma     float64  `json:"gamma"`
	Theta     float64  `json:"theta"`
	Vega      float64  `json:"vega"`
	IV        float64  `json:"iv"`
	Timestamp flexTime `json:"timestamp"`
}

// ToDomainSample converts the Greeks tick, stamping the given source.
func (g *APIGreeksTick) ToDomainSample(src domain.SampleSource) domain.GreeksSample {
	s := domain.GreeksSample{
		Greeks: domain.Greeks{Delta: g.Delta, Gamma: g.Gamma, Theta: g.Theta, Vega: g.Vega},
		IV:     g.IV,
		Source: src,
		At:     g.Timestamp.Time(),
	}
	if s.At.IsZero() {
		s.At = time.Now().UTC()
	}
	return s
}

// APIUnderlying is a last-trade tick for an underlying ticker.
type APIUnderlying struct {
	Ticker        string   `json:"ticker"`
	Price         float64  `json:"price"`
	ChangePercent float64  `json:"change_percent"`
	Timestamp     flexTime `json:"timestamp"`
}

// ToDomainSample converts the underlying tick, stamping the given source.
func (u *APIUnderlying) ToDomainSample(src domain.SampleSource) domain.UnderlyingSample {
	s := domain.UnderlyingSample{Price: u.Price, ChangePercent: u.ChangePercent, Source: src, At: u.Timestamp.Time()}
	if s.At.IsZero() {
		s.At = time.Now().UTC()
	}
	return s
}

// APIFlow is the session call/put volume split for an underlying.
type APIFlow struct {
	Ticker     string   `json:"ticker"`
	CallVolume float64  `json:"call_volume"`
	PutVolume  float64  `json:"put_volume"`
	Timestamp  flexTime `json:"timestamp"`
}

// ToDomainSample converts the flow reading, stamping the given source.
func (f *APIFlow) ToDomainSample(src domain.SampleSource) domain.FlowSample {
	s := domain.FlowSample{CallVolume: f.CallVolume, PutVolume: f.PutVolume, Source: src, At: f.Timestamp.Time()}
	if s.At.IsZero() {
		s.At = time.Now().UTC()
	}
	return s
}

// --------------------------------------------------------------------------
// Stream envelope
// --------------------------------------------------------------------------

// Stream channel names.
const (
	ChannelQuotes     = "quotes"
	ChannelGreeks     = "greeks"
	ChannelUnderlying = "underlying"
)

// WSCommand is the subscribe/unsubscribe envelope sent to the stream.
type WSCommand struct {
	Action  string   `json:"action"`
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
}
