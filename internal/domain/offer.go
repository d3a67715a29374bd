package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type Condition string

const (
	ConditionNew         Condition = "New"
	ConditionRefurbished Condition = "Refurbished"
)

// NoLinkURL marks an offer without a usable product link.
const NoLinkURL = "#"

// Offer is one normalized product listing as stored in the cache and returned to clients.
type Offer struct {
	Title       string    `json:"title"`
	Price       float64   `json:"price"`
	PriceString string    `json:"price_string"`
	Store       string    `json:"store"`
	URL         string    `json:"url"`
	Image       string    `json:"image"`
	Condition   Condition `json:"condition"`
	Source      string    `json:"-"`
}

// RawOffer is a listing exactly as submitted by the worker, before filtering.
type RawOffer struct {
	Source      string   `json:"source,omitempty"`
	Title       string   `json:"title"`
	Price       RawPrice `json:"price,omitempty"`
	PriceString string   `json:"price_string,omitempty"`
	URL         string   `json:"url,omitempty"`
	Image       string   `json:"image,omitempty"`
	Store       string   `json:"store,omitempty"`
}

// RawPrice accepts a price sent either as a JSON number or as a JSON string.
// Any other JSON value decodes to the empty price so the offer is dropped
// later instead of failing the whole batch.
type RawPrice string

func (p *RawPrice) UnmarshalJSON(data []byte) error {
	*p = ""
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch {
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			*p = RawPrice(strings.TrimSpace(s))
		}
	case data[0] == '-' || (data[0] >= '0' && data[0] <= '9'):
		var n json.Number
		if err := json.Unmarshal(data, &n); err == nil {
			*p = RawPrice(n.String())
		}
	}
	return nil
}

func (p RawPrice) MarshalJSON() ([]byte, error) {
	if p == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseFloat(string(p), 64); err == nil {
		return []byte(p), nil
	}
	return json.Marshal(string(p))
}

// PriceOf builds a RawPrice from a number.
func PriceOf(value float64) RawPrice {
	return RawPrice(strconv.FormatFloat(value, 'f', -1, 64))
}

// CacheEntry is a finished job's filtered offers together with the time they were accepted.
type CacheEntry struct {
	Key       SearchKey `json:"key"`
	Offers    []Offer   `json:"offers"`
	CreatedAt time.Time `json:"createdAt"`
}

func CloneOffers(offers []Offer) []Offer {
	if offers == nil {
		return nil
	}
	return append([]Offer(nil), offers...)
}
