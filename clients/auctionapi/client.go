package auctionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/auctionhall/bidroom/internal/auction"
)

// Client talks to the external auction catalog and bidding API. It never
// panics across the boundary: bid and balance calls report failures as
// structured results with a message.
type Client struct {
	base *BaseClient
}

func NewClient(baseURL string) *Client {
	return &Client{base: NewBaseClient(baseURL)}
}

// apiAuction mirrors the API's auction shape. Prices arrive as numeric
// strings.
type apiAuction struct {
	ID            int    `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	StartingPrice string `json:"startingPrice"`
	CurrentPrice  string `json:"currentPrice"`
	Status        string `json:"status"`
	WinnerID      *int   `json:"winnerId"`
	EndsAt        string `json:"endsAt"`
	CreatedAt     string `json:"createdAt"`
	Creator       struct {
		ID    int    `json:"id"`
		Email string `json:"email"`
	} `json:"creator"`
	BidHistory []apiBid `json:"bidHistory"`
}

type apiBid struct {
	ID         int     `json:"id"`
	BidderName string  `json:"bidderName"`
	Amount     float64 `json:"amount"`
	Timestamp  string  `json:"timestamp"`
}

type auctionsResponse struct {
	Auctions   []apiAuction `json:"auctions"`
	Pagination Pagination   `json:"pagination"`
}

// Pagination is the catalog paging envelope.
type Pagination struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

// BidResult is the structured outcome of a bid submission.
type BidResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DeductResult is the structured outcome of a balance deduction.
type DeductResult struct {
	Success    bool     `json:"success"`
	NewBalance *float64 `json:"newBalance,omitempty"`
	Message    string   `json:"message"`
}

// ListAuctions fetches the catalog page of auctions.
func (c *Client) ListAuctions(ctx context.Context) ([]auction.Listing, Pagination, error) {
	data, err := c.base.Get(ctx, "/auctions")
	if err != nil {
		return nil, Pagination{}, fmt.Errorf("list auctions: %w", err)
	}

	var resp auctionsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, Pagination{}, fmt.Errorf("decode auctions response: %w", err)
	}

	listings := make([]auction.Listing, 0, len(resp.Auctions))
	for _, a := range resp.Auctions {
		listings = append(listings, toListing(a))
	}
	return listings, resp.Pagination, nil
}

// GetAuction fetches one auction's detail view.
func (c *Client) GetAuction(ctx context.Context, id string) (*auction.Listing, error) {
	data, err := c.base.Get(ctx, "/auctions/"+id)
	if err != nil {
		return nil, fmt.Errorf("get auction %s: %w", id, err)
	}

	var a apiAuction
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode auction response: %w", err)
	}

	listing := toListing(a)
	return &listing, nil
}

// GetSnapshot fetches an auction and converts it to the snapshot shape
// used to seed a room projection.
func (c *Client) GetSnapshot(ctx context.Context, id string) (*auction.Snapshot, error) {
	data, err := c.base.Get(ctx, "/auctions/"+id)
	if err != nil {
		return nil, fmt.Errorf("get auction snapshot %s: %w", id, err)
	}

	var a apiAuction
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode auction response: %w", err)
	}

	snap := &auction.Snapshot{
		AuctionID:     strconv.Itoa(a.ID),
		CurrentPrice:  parsePrice(a.CurrentPrice),
		StartingPrice: parsePrice(a.StartingPrice),
		EndsAt:        parseTime(a.EndsAt),
		Status:        auction.NormalizeStatus(a.Status),
	}
	for _, b := range a.BidHistory {
		snap.BidHistory = append(snap.BidHistory, auction.Bid{
			ID:        strconv.Itoa(b.ID),
			Bidder:    b.BidderName,
			Amount:    b.Amount,
			Timestamp: parseTime(b.Timestamp),
		})
	}
	return snap, nil
}

// PlaceBid submits a bid with the session credential. API rejections come
// back as a failed result, not an error.
func (c *Client) PlaceBid(ctx context.Context, auctionID string, amount float64, token string) (BidResult, error) {
	body, err := json.Marshal(map[string]float64{"amount": amount})
	if err != nil {
		return BidResult{}, fmt.Errorf("encode bid request: %w", err)
	}

	headers := authHeaders(token)
	_, err = c.base.Post(ctx, "/auctions/"+auctionID+"/bid", bytes.NewReader(body), headers)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return BidResult{Success: false, Message: apiMessage(statusErr.Body, "Failed to place bid")}, nil
		}
		return BidResult{}, fmt.Errorf("place bid on auction %s: %w", auctionID, err)
	}

	return BidResult{Success: true, Message: "Bid placed successfully!"}, nil
}

// DeductBalance settles the winning price against the user's balance.
// Called by the winner-detection callback, at most once per auction.
func (c *Client) DeductBalance(ctx context.Context, amount float64, token string) (DeductResult, error) {
	body, err := json.Marshal(map[string]float64{"amount": amount})
	if err != nil {
		return DeductResult{}, fmt.Errorf("encode deduct request: %w", err)
	}

	headers := authHeaders(token)
	data, err := c.base.Post(ctx, "/users/balance/deduct", bytes.NewReader(body), headers)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			return DeductResult{Success: false, Message: apiMessage(statusErr.Body, "Failed to deduct balance")}, nil
		}
		return DeductResult{}, fmt.Errorf("deduct balance: %w", err)
	}

	var result DeductResult
	if err := json.Unmarshal(data, &result); err != nil {
		// Some deployments return an empty body on success.
		return DeductResult{Success: true, Message: "Balance updated"}, nil
	}
	result.Success = true
	return result, nil
}

func authHeaders(token string) map[string]string {
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

// apiMessage pulls the API's error message out of a failure body.
func apiMessage(body []byte, fallback string) string {
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return fallback
}

func parsePrice(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		log.Warn().Str("price", s).Msg("unparseable price in API response")
		return 0
	}
	return v
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		log.Warn().Str("timestamp", s).Msg("unparseable timestamp in API response")
		return time.Time{}
	}
	return t
}

func toListing(a apiAuction) auction.Listing {
	return auction.Listing{
		ID:            strconv.Itoa(a.ID),
		Title:         a.Title,
		Description:   a.Description,
		StartingPrice: parsePrice(a.StartingPrice),
		CurrentPrice:  parsePrice(a.CurrentPrice),
		Status:        auction.NormalizeStatus(a.Status),
		CreatorEmail:  a.Creator.Email,
		EndsAt:        parseTime(a.EndsAt),
		CreatedAt:     parseTime(a.CreatedAt),
	}
}
