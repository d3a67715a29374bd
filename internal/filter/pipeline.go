// Package filter turns raw worker listings into the cleaned, sorted offers that
// are cached and served to searchers.
package filter

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"pricefinder/internal/domain"
	"pricefinder/internal/metrics"
)

type Stage string

const (
	StagePrice       Stage = "price"
	StageAccessory   Stage = "accessory_keyword"
	StagePhrase      Stage = "compatibility_phrase"
	StageOutlier     Stage = "price_outlier"
	StageQueryTokens Stage = "query_tokens"
)

const (
	DefaultPlaceholderImage = "https://via.placeholder.com/150?text=No+Image"
	DefaultOutlierRatio     = 0.2
	DefaultOutlierMinOffers = 5
	defaultStore            = "Unknown store"
)

var compatibilityPhrase = regexp.MustCompile(`\b(?:for|compatible with|fits)\b`)

type Config struct {
	AccessoryKeywords   []string
	RefurbishedKeywords []string
	PlaceholderImage    string
	OutlierRatio        float64
	OutlierMinOffers    int
}

// Result is the pipeline output plus bookkeeping for logs.
type Result struct {
	Offers          []domain.Offer
	AccessorySearch bool
	Received        int
	Dropped         map[Stage]int
}

type Pipeline struct {
	accessory   *keywordSet
	refurbished *keywordSet
	placeholder string
	ratio       float64
	minOffers   int
	logger      *slog.Logger
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

func New(cfg Config, opts ...Option) *Pipeline {
	accessory := cfg.AccessoryKeywords
	if len(accessory) == 0 {
		accessory = DefaultAccessoryKeywords
	}
	refurbished := cfg.RefurbishedKeywords
	if len(refurbished) == 0 {
		refurbished = DefaultRefurbishedKeywords
	}
	p := &Pipeline{
		accessory:   newKeywordSet(accessory),
		refurbished: newKeywordSet(refurbished),
		placeholder: strings.TrimSpace(cfg.PlaceholderImage),
		ratio:       cfg.OutlierRatio,
		minOffers:   cfg.OutlierMinOffers,
		logger:      slog.Default(),
	}
	if p.placeholder == "" {
		p.placeholder = DefaultPlaceholderImage
	}
	if p.ratio <= 0 || p.ratio >= 1 {
		p.ratio = DefaultOutlierRatio
	}
	if p.minOffers <= 0 {
		p.minOffers = DefaultOutlierMinOffers
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// IsAccessorySearch reports whether the searcher is explicitly looking for an accessory.
func (p *Pipeline) IsAccessorySearch(key domain.SearchKey) bool {
	return p.accessory.contains(strings.ToLower(key.String()))
}

// Run applies the stages in a fixed order. It never fails; unusable listings are dropped.
func (p *Pipeline) Run(key domain.SearchKey, raw []domain.RawOffer) Result {
	res := Result{Received: len(raw), Dropped: make(map[Stage]int)}

	offers := make([]domain.Offer, 0, len(raw))
	for _, r := range raw {
		offer, ok := p.normalize(r)
		if !ok {
			res.Dropped[StagePrice]++
			continue
		}
		offers = append(offers, offer)
	}

	res.AccessorySearch = p.IsAccessorySearch(key)
	if !res.AccessorySearch {
		offers = res.drop(StageAccessory, offers, func(o domain.Offer) bool {
			return p.accessory.contains(lowerTitle(o))
		})
		offers = res.drop(StagePhrase, offers, func(o domain.Offer) bool {
			return compatibilityPhrase.MatchString(lowerTitle(o))
		})
		offers = p.dropOutliers(&res, offers)
	}

	tokens := key.Tokens()
	offers = res.drop(StageQueryTokens, offers, func(o domain.Offer) bool {
		title := domain.NormalizeQuery(o.Title).String()
		for _, tok := range tokens {
			if !strings.Contains(title, tok) {
				return true
			}
		}
		return false
	})

	sort.SliceStable(offers, func(i, j int) bool {
		return offers[i].Price < offers[j].Price
	})

	for stage, n := range res.Dropped {
		metrics.OffersDroppedTotal.WithLabelValues(string(stage)).Add(float64(n))
	}
	res.Offers = offers

	p.logger.Debug("offers filtered",
		slog.String("query", key.String()),
		slog.Int("received", res.Received),
		slog.Int("kept", len(offers)),
		slog.Bool("accessorySearch", res.AccessorySearch),
	)
	return res
}

// normalize covers price parsing, condition classification and image/link cleanup.
func (p *Pipeline) normalize(r domain.RawOffer) (domain.Offer, bool) {
	title := strings.Join(strings.Fields(r.Title), " ")
	if title == "" {
		return domain.Offer{}, false
	}

	display := strings.TrimSpace(r.PriceString)
	displayPrice, displayOK := ParsePrice(display)
	price, ok := ParsePrice(string(r.Price))
	if !ok {
		if !displayOK {
			return domain.Offer{}, false
		}
		price = displayPrice
	}
	if !displayOK {
		display = fmt.Sprintf("$%.2f", price)
	}

	condition := domain.ConditionNew
	if p.refurbished.contains(strings.ToLower(title)) {
		condition = domain.ConditionRefurbished
	}

	url := strings.TrimSpace(r.URL)
	if url == "" {
		url = domain.NoLinkURL
	}

	store := strings.TrimSpace(r.Store)
	if store == "" {
		store = strings.TrimSpace(r.Source)
	}
	if store == "" {
		store = defaultStore
	}

	return domain.Offer{
		Title:       title,
		Price:       price,
		PriceString: display,
		Store:       store,
		URL:         url,
		Image:       p.resolveImage(r.Image),
		Condition:   condition,
		Source:      strings.TrimSpace(r.Source),
	}, true
}

func (p *Pipeline) resolveImage(raw string) string {
	img := strings.TrimSpace(raw)
	lower := strings.ToLower(img)
	switch {
	case strings.HasPrefix(lower, "https://"), strings.HasPrefix(lower, "http://"):
		return img
	case strings.HasPrefix(img, "//") && len(img) > 2:
		return "https:" + img
	default:
		return p.placeholder
	}
}

func (p *Pipeline) dropOutliers(res *Result, offers []domain.Offer) []domain.Offer {
	if len(offers) < p.minOffers {
		return offers
	}
	floor := median(offers) * p.ratio
	return res.drop(StageOutlier, offers, func(o domain.Offer) bool {
		return o.Price < floor
	})
}

func (res *Result) drop(stage Stage, offers []domain.Offer, reject func(domain.Offer) bool) []domain.Offer {
	kept := offers[:0]
	for _, o := range offers {
		if reject(o) {
			res.Dropped[stage]++
			continue
		}
		kept = append(kept, o)
	}
	return kept
}

func median(offers []domain.Offer) float64 {
	prices := make([]float64, len(offers))
	for i, o := range offers {
		prices[i] = o.Price
	}
	sort.Float64s(prices)
	mid := len(prices) / 2
	if len(prices)%2 == 0 {
		return (prices[mid-1] + prices[mid]) / 2
	}
	return prices[mid]
}

func lowerTitle(o domain.Offer) string {
	return strings.ToLower(o.Title)
}
