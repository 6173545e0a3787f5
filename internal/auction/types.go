package auction

import (
	"strings"
	"time"
)

// Status is the lifecycle state of an auction. Wire values are
// case-insensitive; everything internal is uppercase.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusSold    Status = "SOLD"
	StatusExpired Status = "EXPIRED"
)

// NormalizeStatus maps a wire status to its canonical form. An empty
// status is treated as ACTIVE, matching what the catalog API sends for
// freshly created auctions.
func NormalizeStatus(s string) Status {
	if s == "" {
		return StatusActive
	}
	return Status(strings.ToUpper(s))
}

// Closed reports whether the auction has reached a terminal state.
func (s Status) Closed() bool {
	return s == StatusSold || s == StatusExpired
}

// Bid is a single bid as tracked by the room projection.
type Bid struct {
	ID        string    `json:"id"`
	Bidder    string    `json:"bidder"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// Winner identifies who won a sold auction and at what price.
type Winner struct {
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// Snapshot is the initial REST view of an auction used to seed a room
// projection before live events start flowing.
type Snapshot struct {
	AuctionID     string    `json:"auctionId"`
	CurrentPrice  float64   `json:"currentPrice"`
	StartingPrice float64   `json:"startingPrice"`
	EndsAt        time.Time `json:"endsAt"`
	Status        Status    `json:"status"`
	BidHistory    []Bid     `json:"bidHistory"`
}

// Listing is a catalog entry as returned by the auction API.
type Listing struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	StartingPrice float64   `json:"startingPrice"`
	CurrentPrice  float64   `json:"currentPrice"`
	Status        Status    `json:"status"`
	CreatorEmail  string    `json:"creatorEmail"`
	EndsAt        time.Time `json:"endsAt"`
	CreatedAt     time.Time `json:"createdAt"`
}
