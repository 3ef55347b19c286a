package adapter

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vantagebot/tradesync/internal/domain"
)

// bfxOrder is one resting order in the raw (order-granular) book. Amount is
// signed the Bitfinex way: positive for bids, negative for asks.
type bfxOrder struct {
	price  decimal.Decimal
	amount decimal.Decimal
}

func (o bfxOrder) side() domain.Side {
	if o.amount.IsNegative() {
		return domain.SideSell
	}
	return domain.SideBuy
}

// bfxBookState is the per-pair aggregation table: every live order plus the
// running per-price aggregates it contributes to.
type bfxBookState struct {
	orders map[int64]bfxOrder
	bids   map[string]decimal.Decimal // price string -> aggregate amount
	asks   map[string]decimal.Decimal
	prices map[string]decimal.Decimal // price string -> exact decimal
}

func newBfxBookState() *bfxBookState {
	return &bfxBookState{
		orders: make(map[int64]bfxOrder),
		bids:   make(map[string]decimal.Decimal),
		asks:   make(map[string]decimal.Decimal),
		prices: make(map[string]decimal.Decimal),
	}
}

func (s *bfxBookState) levels(side domain.Side) map[string]decimal.Decimal {
	if side == domain.SideSell {
		return s.asks
	}
	return s.bids
}

// add folds an order into its price level and returns the level's new
// aggregate.
func (s *bfxBookState) add(id int64, o bfxOrder) decimal.Decimal {
	key := o.price.String()
	s.orders[id] = o
	s.prices[key] = o.price
	lv := s.levels(o.side())
	lv[key] = lv[key].Add(o.amount.Abs())
	return lv[key]
}

// remove subtracts an order's contribution and returns the level's new
// aggregate (zero when the level empties).
func (s *bfxBookState) remove(id int64) (bfxOrder, decimal.Decimal, bool) {
	o, ok := s.orders[id]
	if !ok {
		return bfxOrder{}, decimal.Zero, false
	}
	delete(s.orders, id)
	key := o.price.String()
	lv := s.levels(o.side())
	next := lv[key].Sub(o.amount.Abs())
	if next.IsPositive() {
		lv[key] = next
	} else {
		next = decimal.Zero
		delete(lv, key)
	}
	return o, next, true
}

// bfxFrame distinguishes the three channel frame shapes: snapshot
// [chanId, [[id, price, amount], ...], seq], update [chanId, [id, price,
// amount], seq] and heartbeat [chanId, "hb", seq].
type bfxFrame struct {
	chanID    int64
	seq       uint64
	snapshot  []bfxEntry
	update    *bfxEntry
	heartbeat bool
}

type bfxEntry struct {
	orderID int64
	price   decimal.Decimal
	amount  decimal.Decimal
}

// BitfinexAdapter normalizes Bitfinex's raw (R0) order-granular book feed.
// Each message carries a single order's change; the adapter folds it into the
// per-price aggregate and re-emits the level. Aggregation tables are keyed by
// trading pair.
type BitfinexAdapter struct {
	books map[string]*bfxBookState
}

// NewBitfinexAdapter creates the Bitfinex dialect adapter.
func NewBitfinexAdapter() *BitfinexAdapter {
	return &BitfinexAdapter{books: make(map[string]*bfxBookState)}
}

func (a *BitfinexAdapter) Exchange() string { return "bitfinex" }

// ApplySnapshot rebuilds the pair's aggregation table from the snapshot frame
// and emits the full book. The fresh table replaces the old one only after
// the whole payload parses, so a malformed frame leaves prior state intact.
func (a *BitfinexAdapter) ApplySnapshot(tradingPair string, payload []byte) (*domain.BookSnapshot, error) {
	frame, err := parseBfxFrame(payload)
	if err != nil {
		return nil, err
	}
	if frame.snapshot == nil {
		return nil, fmt.Errorf("bitfinex snapshot: frame is not a snapshot: %w", domain.ErrMalformedMessage)
	}

	state := newBfxBookState()
	for _, e := range frame.snapshot {
		if e.price.IsZero() {
			return nil, fmt.Errorf("bitfinex snapshot: zero price in snapshot entry: %w", domain.ErrMalformedMessage)
		}
		state.add(e.orderID, bfxOrder{price: e.price, amount: e.amount})
	}
	a.books[tradingPair] = state

	ts := nowSeconds()
	bids := rowsFromLevels(state.bids, state.prices, frame.seq, ts)
	asks := rowsFromLevels(state.asks, state.prices, frame.seq, ts)
	sortRows(bids, asks)

	return &domain.BookSnapshot{
		Exchange:    a.Exchange(),
		TradingPair: tradingPair,
		UpdateID:    frame.seq,
		Timestamp:   ts,
		Bids:        bids,
		Asks:        asks,
	}, nil
}

// ApplyDiff folds one order change into the pair's aggregation table and
// emits the affected price levels with their new absolute aggregates. A zero
// price deletes the order; an order moving price (or side) re-emits both the
// vacated and the new level. Heartbeats produce an empty diff carrying only
// the sequence number.
func (a *BitfinexAdapter) ApplyDiff(tradingPair string, payload []byte) (*domain.BookDiff, error) {
	frame, err := parseBfxFrame(payload)
	if err != nil {
		return nil, err
	}

	diff := &domain.BookDiff{
		Exchange:      a.Exchange(),
		TradingPair:   tradingPair,
		UpdateID:      frame.seq,
		FirstUpdateID: frame.seq,
		FinalUpdateID: frame.seq,
		Timestamp:     nowSeconds(),
	}
	if frame.heartbeat {
		return diff, nil
	}
	if frame.update == nil {
		return nil, fmt.Errorf("bitfinex diff: frame is not an update: %w", domain.ErrMalformedMessage)
	}

	state, ok := a.books[tradingPair]
	if !ok {
		state = newBfxBookState()
		a.books[tradingPair] = state
	}

	e := frame.update
	emit := func(side domain.Side, price, aggregate decimal.Decimal) {
		row := domain.PriceLevelRow{
			Price:     price,
			Amount:    aggregate,
			UpdateID:  frame.seq,
			Timestamp: diff.Timestamp,
		}
		if side == domain.SideSell {
			diff.Asks = append(diff.Asks, row)
		} else {
			diff.Bids = append(diff.Bids, row)
		}
	}

	// An existing order always vacates its current level first; a resize in
	// place folds back in below, a move re-emits the vacated level too.
	if old, remaining, existed := state.remove(e.orderID); existed {
		emit(old.side(), old.price, remaining)
	}

	if !e.price.IsZero() {
		o := bfxOrder{price: e.price, amount: e.amount}
		aggregate := state.add(e.orderID, o)
		// Collapse a vacate+refill of the same level into the final row.
		// Only the new order's side collapses: a sign flip at the same
		// price must still emit the vacated row on the opposite side.
		if o.side() == domain.SideSell {
			diff.Asks = dropPrice(diff.Asks, e.price)
		} else {
			diff.Bids = dropPrice(diff.Bids, e.price)
		}
		emit(o.side(), o.price, aggregate)
	}

	sortRows(diff.Bids, diff.Asks)
	return diff, nil
}

func dropPrice(rows []domain.PriceLevelRow, price decimal.Decimal) []domain.PriceLevelRow {
	out := rows[:0]
	for _, r := range rows {
		if !r.Price.Equal(price) {
			out = append(out, r)
		}
	}
	return out
}

func rowsFromLevels(levels, prices map[string]decimal.Decimal, updateID uint64, ts float64) []domain.PriceLevelRow {
	rows := make([]domain.PriceLevelRow, 0, len(levels))
	for key, amount := range levels {
		rows = append(rows, domain.PriceLevelRow{
			Price:     prices[key],
			Amount:    amount,
			UpdateID:  updateID,
			Timestamp: ts,
		})
	}
	return rows
}

func parseBfxFrame(payload []byte) (*bfxFrame, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(payload, &parts); err != nil {
		return nil, fmt.Errorf("bitfinex frame: %w: %w", domain.ErrMalformedMessage, err)
	}
	if len(parts) < 3 {
		return nil, fmt.Errorf("bitfinex frame: want [chanId, body, seq]: %w", domain.ErrMalformedMessage)
	}

	frame := &bfxFrame{}
	if err := json.Unmarshal(parts[0], &frame.chanID); err != nil {
		return nil, fmt.Errorf("bitfinex frame: bad channel id: %w", domain.ErrMalformedMessage)
	}
	if err := json.Unmarshal(parts[len(parts)-1], &frame.seq); err != nil {
		return nil, fmt.Errorf("bitfinex frame: bad sequence: %w", domain.ErrMalformedMessage)
	}

	body := parts[1]
	var hb string
	if err := json.Unmarshal(body, &hb); err == nil {
		if hb != "hb" {
			return nil, fmt.Errorf("bitfinex frame: unexpected body %q: %w", hb, domain.ErrMalformedMessage)
		}
		frame.heartbeat = true
		return frame, nil
	}

	// Snapshot bodies nest entry arrays; updates are a single entry.
	var nested [][]json.Number
	if err := json.Unmarshal(body, &nested); err == nil {
		frame.snapshot = make([]bfxEntry, 0, len(nested))
		for _, raw := range nested {
			entry, err := parseBfxEntry(raw)
			if err != nil {
				return nil, err
			}
			frame.snapshot = append(frame.snapshot, entry)
		}
		return frame, nil
	}

	var flat []json.Number
	if err := json.Unmarshal(body, &flat); err != nil {
		return nil, fmt.Errorf("bitfinex frame: unrecognized body: %w", domain.ErrMalformedMessage)
	}
	entry, err := parseBfxEntry(flat)
	if err != nil {
		return nil, err
	}
	frame.update = &entry
	return frame, nil
}

func parseBfxEntry(raw []json.Number) (bfxEntry, error) {
	if len(raw) != 3 {
		return bfxEntry{}, fmt.Errorf("bitfinex entry: want [id, price, amount]: %w", domain.ErrMalformedMessage)
	}
	id, err := raw[0].Int64()
	if err != nil {
		return bfxEntry{}, fmt.Errorf("bitfinex entry: bad order id %q: %w", raw[0], domain.ErrMalformedMessage)
	}
	price, err := decimal.NewFromString(raw[1].String())
	if err != nil {
		return bfxEntry{}, fmt.Errorf("bitfinex entry: bad price %q: %w", raw[1], domain.ErrMalformedMessage)
	}
	amount, err := decimal.NewFromString(raw[2].String())
	if err != nil {
		return bfxEntry{}, fmt.Errorf("bitfinex entry: bad amount %q: %w", raw[2], domain.ErrMalformedMessage)
	}
	return bfxEntry{orderID: id, price: price, amount: amount}, nil
}
