package room

import (
	"time"

	"github.com/auctionhall/bidroom/internal/auction"
)

// Projection is the merged, always-current view of one auction derived
// from the initial snapshot plus live events. Exactly one projection is
// live per watched auction; switching auctions starts a fresh one.
type Projection struct {
	AuctionID   string
	ViewerCount int

	// Bids is ordered newest first. Append-only except for the one-time
	// seeding from snapshot history or a snapshot's lastBid.
	Bids []auction.Bid

	// CurrentPrice never moves backward while the auction is ACTIVE.
	CurrentPrice float64

	Status auction.Status
	EndsAt time.Time

	// AutoCloseRemaining is the local urgency countdown (10..0). It is
	// not authoritative; closure comes only from SOLD/EXPIRED events.
	AutoCloseRemaining int

	// EndingSoonSec is the server-reported seconds until the hard
	// deadline, nil until the server has warned. Kept separate from the
	// auto-close countdown.
	EndingSoonSec *int

	Winner         *auction.Winner
	CurrentUserWon bool
}

// newProjection seeds a projection from the REST snapshot. A nil snapshot
// yields an empty ACTIVE projection for the auction.
func newProjection(auctionID string, snap *auction.Snapshot) Projection {
	p := Projection{
		AuctionID: auctionID,
		Status:    auction.StatusActive,
	}
	if snap == nil {
		return p
	}

	p.CurrentPrice = snap.CurrentPrice
	p.Status = auction.NormalizeStatus(string(snap.Status))
	p.EndsAt = snap.EndsAt
	if len(snap.BidHistory) > 0 {
		p.Bids = make([]auction.Bid, len(snap.BidHistory))
		copy(p.Bids, snap.BidHistory)
	}
	return p
}

// clone returns a copy safe to hand outside the event loop.
func (p Projection) clone() Projection {
	out := p
	if p.Bids != nil {
		out.Bids = make([]auction.Bid, len(p.Bids))
		copy(out.Bids, p.Bids)
	}
	if p.EndingSoonSec != nil {
		v := *p.EndingSoonSec
		out.EndingSoonSec = &v
	}
	if p.Winner != nil {
		w := *p.Winner
		out.Winner = &w
	}
	return out
}
