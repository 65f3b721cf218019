package ratefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vyper-protocol/vyper-core-sub000/internal/errcode"
	"github.com/vyper-protocol/vyper-core-sub000/internal/fixedpoint"
)

const pythLatestPath = "/v2/updates/price/latest"

// PythOptions parameterise the Pyth Hermes source. Component i of the fair
// value is the price of FeedIDs[i].
type PythOptions struct {
	ID        string
	BaseURL   string
	FeedIDs   []string
	Timeout   time.Duration
	UserAgent string
}

// Pyth reads prices from a Hermes endpoint.
type Pyth struct {
	opts    PythOptions
	clock   Clock
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewPyth validates the feed set.
func NewPyth(opts PythOptions, clock Clock, logger zerolog.Logger) (*Pyth, error) {
	if err := checkFeedCount(len(opts.FeedIDs)); err != nil {
		return nil, fmt.Errorf("pyth %s: %w", opts.ID, err)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://hermes.pyth.network"
	}
	return &Pyth{
		opts:    opts,
		clock:   clock,
		logger:  logger.With().Str("component", "pyth_feed").Str("source", opts.ID).Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
	}, nil
}

// ID implements Source.
func (p *Pyth) ID() string { return p.opts.ID }

// Read implements Source. Each price is price × 10^expo and the tick is
// the oldest publish time.
func (p *Pyth) Read(ctx context.Context) (Reading, error) {
	q := url.Values{}
	for _, id := range p.opts.FeedIDs {
		q.Add("ids[]", id)
	}
	q.Set("parsed", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+pythLatestPath+"?"+q.Encode(), nil)
	if err != nil {
		return Reading{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "trancheledger/1.0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Reading{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reading{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Reading{}, fmt.Errorf("pyth api error (%d): %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var res latestResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return Reading{}, fmt.Errorf("decode pyth response: %w", err)
	}
	prices := make(map[string]pythPrice, len(res.Parsed))
	for _, f := range res.Parsed {
		prices[normalizeFeedID(f.ID)] = f.Price
	}

	var (
		out       Reading
		published time.Time
	)
	for i, id := range p.opts.FeedIDs {
		price, ok := prices[normalizeFeedID(id)]
		if !ok {
			return Reading{}, fmt.Errorf("pyth feed %s missing from response", id)
		}
		value, err := price.decimal()
		if err != nil {
			return Reading{}, fmt.Errorf("pyth feed %s: %w", id, err)
		}
		if price.PublishTime <= 0 {
			return Reading{}, fmt.Errorf("pyth feed %s has no publish time: %w", id, errcode.ErrStaleFairValue)
		}
		out.FairValue[i] = value
		if at := time.Unix(price.PublishTime, 0); i == 0 || at.Before(published) {
			published = at
		}
	}

	// 以最旧的 publish_time 作为读数时间，任一 feed 停更都会让读数过期。
	if out.Tick, err = p.clock.TickAt(ctx, published); err != nil {
		return Reading{}, err
	}
	p.logger.Debug().
		Stringer("fair_value", out.FairValue).
		Time("published_at", published).
		Uint64("tick", out.Tick).
		Msg("pyth read")
	return out, nil
}

type latestResponse struct {
	Parsed []struct {
		ID    string    `json:"id"`
		Price pythPrice `json:"price"`
	} `json:"parsed"`
}

type pythPrice struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

func (p pythPrice) decimal() (fixedpoint.Decimal, error) {
	mantissa, err := fixedpoint.NewFromString(p.Price)
	if err != nil {
		return fixedpoint.Decimal{}, fmt.Errorf("parse price %q: %w", p.Price, err)
	}
	if mantissa.IsNegative() {
		return fixedpoint.Decimal{}, fmt.Errorf("%w: negative price %s", errcode.ErrInvalidInput, p.Price)
	}
	return fixedpoint.NewFromDecimal(mantissa.Raw().Shift(p.Expo))
}

func normalizeFeedID(id string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(id), "0x"))
}

var _ Source = (*Pyth)(nil)
