package guard

import (
	"context"
	"fmt"
	"sync"
)

// WalletOracle answers whether a subscription has sufficient funds. It is
// eventually consistent; a definitive "no" is authoritative for that one
// decision only (spec §6).
type WalletOracle interface {
	HasFunds(ctx context.Context, subscriptionID string) (bool, error)
}

// HostTerminal places an order on the brokerage terminal. Synchronous, may
// block up to a bounded timeout (spec §6).
type HostTerminal interface {
	PlaceOrder(ctx context.Context, order Order) (ticketID string, err error)
}

// Order is the parameter set passed to the host terminal on a successful
// admission (spec §6: "place_order({symbol, side, volume, price, sl, tp})").
type Order struct {
	Symbol string
	Side   string
	Volume float64
	Price  float64
	SL     float64
	TP     float64
}

// Quote is a symbol's live bid/ask, assumed fresh within low single-digit
// milliseconds (spec §6).
type Quote struct {
	Bid    float64
	Ask    float64
	Digits int
	Point  float64
}

// QuoteSource answers a symbol's current quote.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
}

// FakeWalletOracle is an in-memory WalletOracle for tests and the local
// demo binary, standing in for the out-of-scope wallet service.
type FakeWalletOracle struct {
	mu       sync.RWMutex
	balance  map[string]bool
	failNext bool
}

// NewFakeWalletOracle builds a FakeWalletOracle where every subscription
// has funds by default.
func NewFakeWalletOracle() *FakeWalletOracle {
	return &FakeWalletOracle{balance: make(map[string]bool)}
}

func (f *FakeWalletOracle) HasFunds(ctx context.Context, subscriptionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return false, fmt.Errorf("guard: simulated wallet oracle outage")
	}
	has, known := f.balance[subscriptionID]
	if !known {
		return true, nil
	}
	return has, nil
}

// SetFunds overrides the funded state for subscriptionID.
func (f *FakeWalletOracle) SetFunds(subscriptionID string, hasFunds bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance[subscriptionID] = hasFunds
}

// FailNextOutage causes the next HasFunds call to return an error, for
// exercising the fund guard's fail-closed-on-uncertainty path in tests.
func (f *FakeWalletOracle) FailNextOutage() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = true
}

// FakeHostTerminal is an in-memory HostTerminal recording every order it
// was asked to place.
type FakeHostTerminal struct {
	mu       sync.Mutex
	nextID   int
	orders   []Order
	failNext bool
}

// NewFakeHostTerminal builds an empty FakeHostTerminal.
func NewFakeHostTerminal() *FakeHostTerminal {
	return &FakeHostTerminal{}
}

func (f *FakeHostTerminal) PlaceOrder(ctx context.Context, order Order) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return "", fmt.Errorf("guard: simulated order placement failure")
	}
	f.nextID++
	f.orders = append(f.orders, order)
	return fmt.Sprintf("ticket-%d", f.nextID), nil
}

// FailNextOrder causes the next PlaceOrder call to fail, for exercising
// the crash-during-execute / rollback path in tests.
func (f *FakeHostTerminal) FailNextOrder() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = true
}

// Orders returns a copy of every order placed so far.
func (f *FakeHostTerminal) Orders() []Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Order, len(f.orders))
	copy(out, f.orders)
	return out
}

// FakeQuoteSource is an in-memory QuoteSource with a fixed quote per
// symbol, overridable per test.
type FakeQuoteSource struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewFakeQuoteSource builds a FakeQuoteSource with no quotes configured;
// Quote returns an error for unconfigured symbols.
func NewFakeQuoteSource() *FakeQuoteSource {
	return &FakeQuoteSource{quotes: make(map[string]Quote)}
}

// SetQuote configures the quote returned for symbol.
func (f *FakeQuoteSource) SetQuote(symbol string, q Quote) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.quotes[symbol] = q
}

func (f *FakeQuoteSource) Quote(ctx context.Context, symbol string) (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.quotes[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("guard: no quote configured for symbol %s", symbol)
	}
	return q, nil
}
