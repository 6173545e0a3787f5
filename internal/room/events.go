package room

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/auctionhall/bidroom/internal/transport"
)

// EventType is the canonical inbound event type for a room.
type EventType string

const (
	EventViewerCount EventType = "VIEWER_COUNT"
	EventState       EventType = "AUCTION_STATE"
	EventNewBid      EventType = "NEW_BID"
	EventEndingSoon  EventType = "AUCTION_ENDING_SOON"
	EventSold        EventType = "AUCTION_SOLD"
	EventExpired     EventType = "AUCTION_EXPIRED"
	EventError       EventType = "error"
)

// Outbound request names. Join is emitted under both names: older server
// builds only understood joinAuction, newer ones join_room.
const (
	RequestJoinRoom    = "join_room"
	RequestJoinLegacy  = "joinAuction"
	RequestLeaveLegacy = "leaveAuction"
)

// wireAliases maps every historical wire name onto one canonical type so
// the merge logic never branches on aliases.
var wireAliases = map[string]EventType{
	"VIEWER_COUNT":        EventViewerCount,
	"viewer_count":        EventViewerCount,
	"AUCTION_STATE":       EventState,
	"auction_state":       EventState,
	"NEW_BID":             EventNewBid,
	"new_bid":             EventNewBid,
	"AUCTION_ENDING_SOON": EventEndingSoon,
	"AUCTION_SOLD":        EventSold,
	"AUCTION_EXPIRED":     EventExpired,
	"error":               EventError,
}

// CanonicalEventType resolves a wire event name to its canonical type.
func CanonicalEventType(name string) (EventType, bool) {
	t, ok := wireAliases[name]
	return t, ok
}

// AuctionID tolerates servers that send the identifier as either a JSON
// string or a number.
type AuctionID string

func (id *AuctionID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty auction id")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = AuctionID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = AuctionID(n.String())
	return nil
}

func (id AuctionID) String() string { return string(id) }

// JoinRequest is the payload for join/leave requests.
type JoinRequest struct {
	AuctionID string `json:"auctionId"`
}

// ViewerCountPayload reports how many viewers are in the room.
type ViewerCountPayload struct {
	AuctionID AuctionID `json:"auctionId"`
	Count     int       `json:"count"`
}

// WireBid is the bid shape embedded in state and bid events.
type WireBid struct {
	Amount     float64   `json:"amount"`
	BidderName string    `json:"bidderName"`
	Timestamp  time.Time `json:"timestamp"`
}

// StatePayload is a full-state snapshot pushed by the server.
// EndsAt and LastBid are optional; absent fields leave the projection
// untouched.
type StatePayload struct {
	AuctionID    AuctionID  `json:"auctionId"`
	CurrentPrice float64    `json:"currentPrice"`
	EndsAt       *time.Time `json:"endsAt,omitempty"`
	Status       string     `json:"status"`
	LastBid      *WireBid   `json:"lastBid,omitempty"`
}

// NewBidPayload announces a bid. The server does not tag it with an
// auction id, so the guard in the reconciler only applies when one is set.
type NewBidPayload struct {
	AuctionID  AuctionID `json:"auctionId,omitempty"`
	Amount     float64   `json:"amount"`
	BidderName string    `json:"bidderName"`
	Timestamp  time.Time `json:"timestamp"`
}

// EndingSoonPayload carries the server's hard-deadline warning. This is
// independent of the local auto-close countdown.
type EndingSoonPayload struct {
	AuctionID        AuctionID `json:"auctionId"`
	SecondsRemaining int       `json:"secondsRemaining"`
}

// SoldPayload announces the terminal SOLD outcome.
type SoldPayload struct {
	AuctionID  AuctionID `json:"auctionId"`
	WinnerName string    `json:"winnerName"`
	FinalPrice float64   `json:"finalPrice"`
}

// ExpiredPayload announces the terminal EXPIRED outcome.
type ExpiredPayload struct {
	AuctionID AuctionID `json:"auctionId"`
}

// ParseEventPayload parses a transport event into its normalized payload
// struct for the canonical type.
func ParseEventPayload(eventType EventType, ev transport.Event) (interface{}, error) {
	switch eventType {
	case EventViewerCount:
		var payload ViewerCountPayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventState:
		var payload StatePayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventNewBid:
		var payload NewBidPayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventEndingSoon:
		var payload EndingSoonPayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventSold:
		var payload SoldPayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	case EventExpired:
		var payload ExpiredPayload
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return nil, err
		}
		return payload, nil

	default:
		return nil, nil
	}
}

// formatAmount renders a price for log fields.
func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
