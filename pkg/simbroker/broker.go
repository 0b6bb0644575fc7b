// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package simbroker

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Broker is one backtest run's mutable state: pending orders, open and
// closed positions, the equity curve, and the seeded RNG slippage draws
// from. Safe for sequential use only — per spec, a single workflow's
// backtest is not internally parallelized.
type Broker struct {
	mu sync.Mutex

	cfg Config
	rng *rand.Rand

	balance   float64
	lastClose float64

	pending []*Order
	open    []*Position
	closed  []*Position
	equity  []EquityPoint

	orderSeq    int
	positionSeq int
}

// New creates a Broker over cfg, seeded deterministically from
// cfg.RNGSeed.
func New(cfg Config) *Broker {
	return &Broker{
		cfg:     cfg,
		rng:     rand.New(rand.NewPCG(cfg.RNGSeed, cfg.RNGSeed)),
		balance: cfg.StartingBalance,
	}
}

// PlaceOrder validates and queues request for fill at the next bar's
// open. Returns the order id even on rejection so callers can look up
// the rejection reason via GetPositions-adjacent bookkeeping.
func (b *Broker) PlaceOrder(request OrderRequest) (*Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.orderSeq++
	order := &Order{
		ID:         "order-" + strconv.Itoa(b.orderSeq),
		Side:       request.Side,
		Volume:     request.Volume,
		StopLoss:   request.StopLoss,
		TakeProfit: request.TakeProfit,
		Comment:    request.Comment,
		Status:     OrderPending,
	}

	if request.Side != SideLong && request.Side != SideShort {
		return b.reject(order, "missing or invalid side")
	}
	if request.Volume <= 0 {
		return b.reject(order, "non-positive volume")
	}

	if freeMargin := b.freeMarginLocked(b.lastClose) - b.requiredMarginLocked(request.Volume, b.lastClose); freeMargin < 0 {
		return b.reject(order, "insufficient free margin")
	}

	b.pending = append(b.pending, order)
	return order, nil
}

func (b *Broker) reject(order *Order, reason string) (*Order, error) {
	order.Status = OrderRejected
	order.RejectedReason = reason
	return order, fmt.Errorf("simbroker: order rejected: %s", reason)
}

// CancelOrder cancels order if it has not yet been filled.
func (b *Broker) CancelOrder(orderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, o := range b.pending {
		if o.ID == orderID {
			o.Status = OrderCancelled
			b.removePendingLocked(orderID)
			return nil
		}
	}
	return fmt.Errorf("simbroker: order %s not found or already filled", orderID)
}

func (b *Broker) removePendingLocked(orderID string) {
	kept := b.pending[:0]
	for _, o := range b.pending {
		if o.ID != orderID {
			kept = append(kept, o)
		}
	}
	b.pending = kept
}

// ClosePosition manually closes positionID at price.
func (b *Broker) ClosePosition(positionID string, price float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, p := range b.open {
		if p.ID == positionID {
			b.closePositionLocked(p, price, CloseManual, time.Now())
			b.open = append(b.open[:i], b.open[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("simbroker: position %s not open", positionID)
}

// StepBar advances the broker one bar: fills pending orders at open,
// walks open positions through the bar's intrabar sequence, computes
// equity and margin, applies margin-call/stop-out rules, and appends
// one EquityPoint. Returns every event the transition generated.
func (b *Broker) StepBar(bar Bar) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	var events []Event

	events = append(events, b.fillPendingLocked(bar)...)
	events = append(events, b.walkPositionsLocked(bar)...)

	equity, used, free, level := b.marginSnapshotLocked(bar.Close)

	if !math.IsInf(level, 1) && level < b.cfg.MarginCallLevel {
		events = append(events, Event{Kind: EventMarginCall, Timestamp: bar.Timestamp})
	}
	if !math.IsInf(level, 1) && level < b.cfg.StopOutLevel {
		events = append(events, b.stopOutLocked(bar)...)
		equity, used, free, level = b.marginSnapshotLocked(bar.Close)
	}

	b.equity = append(b.equity, EquityPoint{
		Timestamp:   bar.Timestamp,
		Balance:     b.balance,
		Equity:      equity,
		UsedMargin:  used,
		FreeMargin:  free,
		MarginLevel: level,
	})

	b.lastClose = bar.Close

	return events
}

func (b *Broker) fillPendingLocked(bar Bar) []Event {
	var events []Event
	pending := b.pending
	b.pending = nil

	for _, order := range pending {
		slip := b.entrySlippageLocked(bar.Open)
		fillPrice := bar.Open + slip
		if order.Side == SideShort {
			fillPrice = bar.Open - slip
		}

		commission := b.commissionLocked(order.Volume, fillPrice)

		order.Status = OrderFilled
		b.positionSeq++
		position := &Position{
			ID:         "position-" + strconv.Itoa(b.positionSeq),
			Side:       order.Side,
			Volume:     order.Volume,
			EntryPrice: fillPrice,
			EntryTime:  bar.Timestamp,
			StopLoss:   order.StopLoss,
			TakeProfit: order.TakeProfit,
			Open:       true,
			Commission: commission,
		}
		b.open = append(b.open, position)

		events = append(events,
			Event{Kind: EventOrderFilled, Timestamp: bar.Timestamp, OrderID: order.ID, PositionID: position.ID},
			Event{Kind: EventPositionOpened, Timestamp: bar.Timestamp, PositionID: position.ID},
		)
	}
	return events
}

// walkPositionsLocked traverses each open position through the bar
// using its side's documented intrabar sequence and closes it at the
// first SL/TP level reached. Positions are walked in their order in the
// open list: fill order, unless a stop-out has re-sorted it by floating
// P&L. A position that doesn't hit either level stays open.
func (b *Broker) walkPositionsLocked(bar Bar) []Event {
	var events []Event
	var stillOpen []*Position

	for _, p := range b.open {
		reason, price, hit := intrabarHit(p, bar)
		if !hit {
			stillOpen = append(stillOpen, p)
			continue
		}
		slip := b.exitSlippageLocked(price)
		closePrice := price - slip
		if p.Side == SideShort {
			closePrice = price + slip
		}
		b.closePositionLocked(p, closePrice, reason, bar.Timestamp)
		events = append(events, Event{Kind: EventPositionClosed, Timestamp: bar.Timestamp, PositionID: p.ID, Detail: string(reason)})
	}

	b.open = stillOpen
	return events
}

// intrabarHit determines whether p's SL or TP is hit within bar, per
// the side's fixed traversal order, and which is hit first.
//
// Long: open -> high -> low -> close. High is visited before low, so a
// reachable TP wins over a reachable SL within the same bar.
// Short: open -> low -> high -> close. Low is visited before high, so a
// reachable TP (price falling) wins over a reachable SL (price rising).
func intrabarHit(p *Position, bar Bar) (CloseReason, float64, bool) {
	if p.Side == SideLong {
		tpHit := p.TakeProfit > 0 && bar.High >= p.TakeProfit
		slHit := p.StopLoss > 0 && bar.Low <= p.StopLoss
		switch {
		case tpHit:
			return CloseTP, p.TakeProfit, true
		case slHit:
			return CloseSL, p.StopLoss, true
		default:
			return "", 0, false
		}
	}

	tpHit := p.TakeProfit > 0 && bar.Low <= p.TakeProfit
	slHit := p.StopLoss > 0 && bar.High >= p.StopLoss
	switch {
	case tpHit:
		return CloseTP, p.TakeProfit, true
	case slHit:
		return CloseSL, p.StopLoss, true
	default:
		return "", 0, false
	}
}

// stopOutLocked forcibly closes open positions, largest floating loss
// first, until margin_level recovers above StopOutLevel or none remain.
func (b *Broker) stopOutLocked(bar Bar) []Event {
	var events []Event

	for {
		_, _, _, level := b.marginSnapshotLocked(bar.Close)
		if len(b.open) == 0 || (!math.IsInf(level, 1) && level >= b.cfg.StopOutLevel) {
			return events
		}

		sort.SliceStable(b.open, func(i, j int) bool {
			return b.open[i].FloatingPnL(bar.Close, b.cfg.LotSize) < b.open[j].FloatingPnL(bar.Close, b.cfg.LotSize)
		})

		worst := b.open[0]
		b.closePositionLocked(worst, bar.Close, CloseMargin, bar.Timestamp)
		b.open = b.open[1:]
		events = append(events, Event{Kind: EventStopOut, Timestamp: bar.Timestamp, PositionID: worst.ID})
	}
}

// closePositionLocked finalizes p at price: charges exit commission,
// computes gross/net profit, credits balance (balance only ever
// changes here, on close), and appends the result to the closed list.
func (b *Broker) closePositionLocked(p *Position, price float64, reason CloseReason, ts time.Time) {
	exitCommission := b.commissionLocked(p.Volume, price)

	diff := price - p.EntryPrice
	if p.Side == SideShort {
		diff = -diff
	}
	gross := diff * p.Volume * b.cfg.LotSize
	totalCommission := p.Commission + exitCommission
	net := gross - totalCommission

	p.Open = false
	p.ClosePrice = price
	p.CloseTime = ts
	p.CloseReason = reason
	p.Commission = totalCommission
	p.GrossProfit = gross
	p.NetProfit = net

	b.balance += net

	b.closed = append(b.closed, p)
}

// GetPositions returns every currently open position.
func (b *Broker) GetPositions() []Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Position, len(b.open))
	for i, p := range b.open {
		out[i] = *p
	}
	return out
}

// GetAccount returns the current balance/equity/margin snapshot, using
// the last recorded bar's close for floating P&L.
func (b *Broker) GetAccount() Account {
	b.mu.Lock()
	defer b.mu.Unlock()
	equity, used, free, level := b.marginSnapshotLocked(b.lastClose)
	return Account{Balance: b.balance, Equity: equity, UsedMargin: used, FreeMargin: free, MarginLevel: level}
}

// GetTrades returns every closed position as a Trade, in close order.
func (b *Broker) GetTrades() []Trade {
	b.mu.Lock()
	defer b.mu.Unlock()
	trades := make([]Trade, len(b.closed))
	for i, p := range b.closed {
		trades[i] = Trade{
			PositionID:  p.ID,
			Side:        p.Side,
			Volume:      p.Volume,
			EntryPrice:  p.EntryPrice,
			EntryTime:   p.EntryTime,
			ExitPrice:   p.ClosePrice,
			ExitTime:    p.CloseTime,
			CloseReason: p.CloseReason,
			Commission:  p.Commission,
			GrossProfit: p.GrossProfit,
			NetProfit:   p.NetProfit,
		}
	}
	return trades
}

func (b *Broker) marginSnapshotLocked(price float64) (equity, used, free, level float64) {
	floating := 0.0
	for _, p := range b.open {
		floating += p.FloatingPnL(price, b.cfg.LotSize)
	}
	equity = b.balance + floating
	used = b.usedMarginLocked(price)
	free = equity - used
	if used <= 0 {
		level = math.Inf(1)
	} else {
		level = equity / used * 100
	}
	return equity, used, free, level
}

func (b *Broker) usedMarginLocked(price float64) float64 {
	if b.cfg.Leverage <= 0 {
		return 0
	}
	var used float64
	for _, p := range b.open {
		used += b.requiredMarginLocked(p.Volume, price)
	}
	return used
}

func (b *Broker) requiredMarginLocked(volume, price float64) float64 {
	if b.cfg.Leverage <= 0 {
		return 0
	}
	notional := volume * b.cfg.LotSize * price
	return notional / b.cfg.Leverage
}

func (b *Broker) freeMarginLocked(price float64) float64 {
	equity, used, _, _ := b.marginSnapshotLocked(price)
	return equity - used
}

// entrySlippageLocked and exitSlippageLocked both apply the configured
// model adversely; entry raises the fill price for longs (lowers for
// shorts is handled by the caller), exit lowers the close price for
// longs symmetrically.
func (b *Broker) entrySlippageLocked(price float64) float64 {
	return b.slippageLocked(price)
}

func (b *Broker) exitSlippageLocked(price float64) float64 {
	return b.slippageLocked(price)
}

func (b *Broker) slippageLocked(price float64) float64 {
	switch b.cfg.Slippage.Kind {
	case SlippageFixed:
		return b.cfg.Slippage.Points * b.cfg.PointSize
	case SlippageRandom:
		return b.rng.Float64() * b.cfg.Slippage.MaxPoints * b.cfg.PointSize
	case SlippagePercent:
		return price * b.cfg.Slippage.Pct
	default:
		return 0
	}
}

func (b *Broker) commissionLocked(volume, price float64) float64 {
	switch b.cfg.Commission.Kind {
	case CommissionPerLot:
		return volume * b.cfg.Commission.Value
	case CommissionPercent:
		return volume * b.cfg.LotSize * price * b.cfg.Commission.Value
	case CommissionFlat:
		return b.cfg.Commission.Value
	default:
		return 0
	}
}
