package domain

import "time"

type SearchRecord struct {
	Query     string    `json:"query"`
	Timestamp time.Time `json:"timestamp"`
}

// TrafficSnapshot is the persisted and reported form of the traffic counters.
type TrafficSnapshot struct {
	TotalSearches  int64          `json:"totalSearches"`
	UniqueVisitors int            `json:"uniqueVisitors"`
	Requesters     []string       `json:"-"`
	SearchHistory  []SearchRecord `json:"searchHistory"`
}
