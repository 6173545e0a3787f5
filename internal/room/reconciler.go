package room

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/auctionhall/bidroom/internal/auction"
	"github.com/auctionhall/bidroom/internal/transport"
)

// joinRetryInterval is how often a deferred room join is retried while
// the transport is not yet connected.
const joinRetryInterval = time.Second

// Emitter is what the reconciler needs from the transport layer.
// *transport.Manager satisfies it.
type Emitter interface {
	Emit(eventType string, payload interface{}) error
	Connected() bool
}

// Options configures a reconciler for one auction room.
type Options struct {
	AuctionID string

	// UserIdentity is the viewing user's identity, compared against the
	// SOLD winner name. Empty means winner detection never matches.
	UserIdentity string

	// Snapshot seeds the projection before live events arrive. Optional.
	Snapshot *auction.Snapshot

	// OnBalanceDeduct is invoked exactly once with the final price when
	// the current user is confirmed as winner. It must not block.
	OnBalanceDeduct func(amount float64)

	// OnUpdate is invoked with a copy of the projection after every
	// applied event or countdown tick. Optional.
	OnUpdate func(Projection)

	// Clock defaults to the real clock; tests inject a fake.
	Clock clockwork.Clock
}

// Reconciler owns the projection for one auction while it is being
// watched. All state mutation happens on the Run loop goroutine; other
// goroutines only read through Projection().
type Reconciler struct {
	emitter Emitter
	events  <-chan transport.Event

	auctionID string
	user      string
	clock     clockwork.Clock
	onDeduct  func(float64)
	onUpdate  func(Projection)

	mu      sync.RWMutex
	proj    Projection
	timer   *autoCloseTimer
	settled bool
	joined  bool
}

// NewReconciler creates a reconciler for the given auction, seeded from
// the snapshot when one is present.
func NewReconciler(emitter Emitter, events <-chan transport.Event, opts Options) *Reconciler {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Reconciler{
		emitter:   emitter,
		events:    events,
		auctionID: opts.AuctionID,
		user:      opts.UserIdentity,
		clock:     clock,
		onDeduct:  opts.OnBalanceDeduct,
		onUpdate:  opts.OnUpdate,
		proj:      newProjection(opts.AuctionID, opts.Snapshot),
		timer:     newAutoCloseTimer(clock),
	}
}

// Projection returns a copy of the current merged view.
func (r *Reconciler) Projection() Projection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.proj.clone()
}

// Join emits the join request for this room. When the transport is not
// connected the join is deferred rather than failed; re-joining while
// already joined is a no-op.
func (r *Reconciler) Join() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.joined {
		return nil
	}
	if !r.emitter.Connected() {
		log.Warn().Str("auction_id", r.auctionID).Msg("transport not connected, deferring room join")
		return nil
	}

	req := JoinRequest{AuctionID: r.auctionID}
	if err := r.emitter.Emit(RequestJoinRoom, req); err != nil {
		return err
	}
	r.joined = true

	// Legacy alias for older server builds; same room either way, so a
	// failed alias emit does not unwind the join.
	if err := r.emitter.Emit(RequestJoinLegacy, req); err != nil {
		log.Warn().Err(err).Str("auction_id", r.auctionID).Msg("legacy join alias emit failed")
	}

	log.Info().Str("auction_id", r.auctionID).Msg("joined auction room")
	return nil
}

// Leave stops the countdown and emits the leave request. It runs on every
// exit path so no timer or subscription outlives the room.
func (r *Reconciler) Leave() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.timer.Stop()
	r.proj.AutoCloseRemaining = 0

	if !r.joined {
		return
	}
	r.joined = false

	if err := r.emitter.Emit(RequestLeaveLegacy, JoinRequest{AuctionID: r.auctionID}); err != nil {
		log.Warn().Err(err).Str("auction_id", r.auctionID).Msg("failed to emit room leave")
		return
	}
	log.Info().Str("auction_id", r.auctionID).Msg("left auction room")
}

// Run joins the room and processes events and countdown ticks until the
// context ends or the transport closes the event channel. The loop is the
// single writer to the projection. A join deferred because the transport
// was not yet up is retried from here until it lands.
func (r *Reconciler) Run(ctx context.Context) error {
	if err := r.Join(); err != nil {
		log.Error().Err(err).Str("auction_id", r.auctionID).Msg("room join failed")
	}
	defer r.Leave()

	var joinRetry clockwork.Ticker
	defer func() {
		if joinRetry != nil {
			joinRetry.Stop()
		}
	}()

	for {
		r.mu.RLock()
		tickCh := r.timer.C()
		joined := r.joined
		r.mu.RUnlock()

		var retryCh <-chan time.Time
		if !joined {
			if joinRetry == nil {
				joinRetry = r.clock.NewTicker(joinRetryInterval)
			}
			retryCh = joinRetry.Chan()
		} else if joinRetry != nil {
			joinRetry.Stop()
			joinRetry = nil
		}

		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-r.events:
			if !ok {
				log.Info().Str("auction_id", r.auctionID).Msg("event channel closed, leaving room")
				return nil
			}
			if !joined {
				if err := r.Join(); err != nil {
					log.Warn().Err(err).Str("auction_id", r.auctionID).Msg("room join retry failed")
				}
			}
			r.apply(ev)
		case <-tickCh:
			r.handleTick()
		case <-retryCh:
			if err := r.Join(); err != nil {
				log.Warn().Err(err).Str("auction_id", r.auctionID).Msg("room join retry failed")
			}
		}
	}
}

// apply normalizes, guards, and merges one inbound event.
func (r *Reconciler) apply(ev transport.Event) {
	eventType, ok := CanonicalEventType(ev.Type)
	if !ok {
		log.Debug().Str("event_type", ev.Type).Msg("ignoring unknown event")
		return
	}
	if eventType == EventError {
		log.Error().Str("auction_id", r.auctionID).RawJSON("payload", errPayload(ev)).Msg("room error event")
		return
	}

	payload, err := ParseEventPayload(eventType, ev)
	if err != nil {
		log.Warn().Err(err).Str("event_type", ev.Type).Msg("dropping malformed event payload")
		return
	}

	r.mu.Lock()
	var deduct *float64
	changed := true

	switch p := payload.(type) {
	case ViewerCountPayload:
		changed = r.handleViewerCount(p)
	case StatePayload:
		changed = r.handleState(p)
	case NewBidPayload:
		changed = r.handleNewBid(p)
	case EndingSoonPayload:
		changed = r.handleEndingSoon(p)
	case SoldPayload:
		changed, deduct = r.handleSold(p)
	case ExpiredPayload:
		changed = r.handleExpired(p)
	default:
		changed = false
	}

	r.proj.AutoCloseRemaining = r.timer.Remaining()
	updated := r.proj.clone()
	r.mu.Unlock()

	// Side effects run outside the lock; the deduct call is
	// fire-and-forget from the reconciler's perspective.
	if deduct != nil && r.onDeduct != nil {
		r.onDeduct(*deduct)
	}
	if changed && r.onUpdate != nil {
		r.onUpdate(updated)
	}
}

// sameAuction guards against events for a previously watched auction
// still in flight. Payloads without an identifier cannot be guarded and
// are accepted.
func (r *Reconciler) sameAuction(id AuctionID) bool {
	return id == "" || string(id) == r.auctionID
}

func (r *Reconciler) handleViewerCount(p ViewerCountPayload) bool {
	if !r.sameAuction(p.AuctionID) {
		log.Debug().Str("event_auction", p.AuctionID.String()).Str("auction_id", r.auctionID).Msg("dropping stale viewer count")
		return false
	}
	r.proj.ViewerCount = p.Count
	return true
}

func (r *Reconciler) handleState(p StatePayload) bool {
	if !r.sameAuction(p.AuctionID) {
		log.Debug().Str("event_auction", p.AuctionID.String()).Str("auction_id", r.auctionID).Msg("dropping stale state snapshot")
		return false
	}

	status := auction.NormalizeStatus(p.Status)

	// A snapshot racing a newer bid must not drag the price backward
	// while the auction is live; the bid-driven price wins.
	if status == auction.StatusActive && p.CurrentPrice < r.proj.CurrentPrice {
		log.Warn().
			Str("auction_id", r.auctionID).
			Str("snapshot_price", formatAmount(p.CurrentPrice)).
			Str("current_price", formatAmount(r.proj.CurrentPrice)).
			Msg("snapshot price below current, keeping bid-driven price")
	} else {
		r.proj.CurrentPrice = p.CurrentPrice
	}

	r.proj.Status = status
	if p.EndsAt != nil {
		r.proj.EndsAt = *p.EndsAt
	}

	if p.LastBid != nil && status == auction.StatusActive {
		// Seed, not append: the snapshot replaces whatever history the
		// projection was carrying.
		r.proj.Bids = []auction.Bid{{
			ID:        uuid.New().String(),
			Bidder:    p.LastBid.BidderName,
			Amount:    p.LastBid.Amount,
			Timestamp: p.LastBid.Timestamp,
		}}
		r.timer.Arm()
	}

	if status == auction.StatusSold {
		r.timer.Stop()
	}
	return true
}

func (r *Reconciler) handleNewBid(p NewBidPayload) bool {
	if !r.sameAuction(p.AuctionID) {
		log.Debug().Str("event_auction", p.AuctionID.String()).Str("auction_id", r.auctionID).Msg("dropping stale bid")
		return false
	}

	// The same bid delivered under both wire names counts once.
	if len(r.proj.Bids) > 0 {
		head := r.proj.Bids[0]
		if head.Bidder == p.BidderName && head.Amount == p.Amount && head.Timestamp.Equal(p.Timestamp) {
			log.Debug().Str("auction_id", r.auctionID).Str("bidder", p.BidderName).Msg("ignoring duplicate bid event")
			return false
		}
	}

	r.proj.CurrentPrice = p.Amount
	r.proj.Status = auction.StatusActive
	r.proj.Bids = append([]auction.Bid{{
		ID:        uuid.New().String(),
		Bidder:    p.BidderName,
		Amount:    p.Amount,
		Timestamp: p.Timestamp,
	}}, r.proj.Bids...)

	r.timer.Arm()

	log.Info().
		Str("auction_id", r.auctionID).
		Str("bidder", p.BidderName).
		Str("amount", formatAmount(p.Amount)).
		Msg("new bid applied")
	return true
}

func (r *Reconciler) handleEndingSoon(p EndingSoonPayload) bool {
	if !r.sameAuction(p.AuctionID) {
		return false
	}
	secs := p.SecondsRemaining
	r.proj.EndingSoonSec = &secs
	return true
}

// handleSold applies the terminal SOLD outcome. Winner assignment, the
// current-user check, and the balance deduction all key off the one-time
// settled transition, so a duplicate SOLD under an alias changes nothing.
func (r *Reconciler) handleSold(p SoldPayload) (bool, *float64) {
	if !r.sameAuction(p.AuctionID) {
		log.Debug().Str("event_auction", p.AuctionID.String()).Str("auction_id", r.auctionID).Msg("dropping stale sold event")
		return false, nil
	}

	r.proj.Status = auction.StatusSold
	r.timer.Stop()

	if r.settled {
		return true, nil
	}
	r.settled = true

	r.proj.Winner = &auction.Winner{Name: p.WinnerName, Price: p.FinalPrice}

	var deduct *float64
	if r.user != "" && r.user == p.WinnerName {
		r.proj.CurrentUserWon = true
		price := p.FinalPrice
		deduct = &price
		log.Info().
			Str("auction_id", r.auctionID).
			Str("final_price", formatAmount(p.FinalPrice)).
			Msg("current user won auction")
	}

	log.Info().
		Str("auction_id", r.auctionID).
		Str("winner", p.WinnerName).
		Str("final_price", formatAmount(p.FinalPrice)).
		Msg("auction sold")
	return true, deduct
}

func (r *Reconciler) handleExpired(p ExpiredPayload) bool {
	if !r.sameAuction(p.AuctionID) {
		return false
	}
	if r.proj.Status == auction.StatusSold {
		// SOLD is terminal; a late expiry notice cannot undo it.
		log.Debug().Str("auction_id", r.auctionID).Msg("ignoring expiry after sale")
		return false
	}

	r.proj.Status = auction.StatusExpired
	r.timer.Stop()
	r.proj.AutoCloseRemaining = 0

	log.Info().Str("auction_id", r.auctionID).Msg("auction expired")
	return true
}

// handleTick advances the local countdown by one second.
func (r *Reconciler) handleTick() {
	r.mu.Lock()
	r.timer.Tick()
	r.proj.AutoCloseRemaining = r.timer.Remaining()
	updated := r.proj.clone()
	r.mu.Unlock()

	if r.onUpdate != nil {
		r.onUpdate(updated)
	}
}

// errPayload keeps error-event logging safe when the payload is absent.
func errPayload(ev transport.Event) []byte {
	if len(ev.Data) == 0 {
		return []byte("{}")
	}
	return ev.Data
}
