package risk

import (
	"fmt"
	"sync"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// Ledger tracks free and reserved capital per venue. Approval moves
// money from free to reserved; terminal arb states move it back,
// adjusted for what was actually spent and what came back from the
// merge or settlement. The engine loop reserves and coordinator
// goroutines release, so every mutation takes the lock, and multi-venue
// reservations are all-or-nothing under a single critical section.
//
// Invariant: for every venue, reserved >= 0 and reserved never exceeds
// the venue balance known at reservation time.
type Ledger struct {
	mu     sync.Mutex
	venues map[domain.Venue]*venueBalance
}

type venueBalance struct {
	free     domain.Micros
	reserved domain.Micros
}

// NewLedger creates an empty ledger. Balances arrive via SetBalance
// once the venue clients have authenticated.
func NewLedger() *Ledger {
	return &Ledger{venues: make(map[domain.Venue]*venueBalance)}
}

// SetBalance reconciles a venue's total balance from an authoritative
// source (REST balance endpoint, on-chain balanceOf). Outstanding
// reservations are preserved; free becomes total minus reserved.
func (l *Ledger) SetBalance(venue domain.Venue, total domain.Micros) {
	l.mu.Lock()
	defer l.mu.Unlock()
	vb := l.venue(venue)
	free := total - vb.reserved
	if free < 0 {
		free = 0
	}
	vb.free = free
}

// Reserve atomically sets aside capital on every listed venue. Either
// all venues are debited or none are.
func (l *Ledger) Reserve(amounts map[domain.Venue]domain.Micros) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for venue, amt := range amounts {
		if amt < 0 {
			return fmt.Errorf("risk: negative reservation for %s", venue)
		}
		if l.venue(venue).free < amt {
			return fmt.Errorf("risk: %s: %w: need %s free %s",
				venue, domain.ErrInsufficientFunds, amt, l.venue(venue).free)
		}
	}
	for venue, amt := range amounts {
		vb := l.venue(venue)
		vb.free -= amt
		vb.reserved += amt
	}
	return nil
}

// Release returns a reservation untouched, for aborted attempts where
// nothing was spent.
func (l *Ledger) Release(amounts map[domain.Venue]domain.Micros) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for venue, amt := range amounts {
		vb := l.venue(venue)
		vb.reserved -= amt
		vb.free += amt
	}
}

// Settle closes out a reservation with the realized cash flows: spent
// is what actually left each venue account (fills, fees, gas), credit
// is what came back (merge payout, settlement proceeds).
func (l *Ledger) Settle(amounts, spent, credit map[domain.Venue]domain.Micros) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for venue, amt := range amounts {
		vb := l.venue(venue)
		vb.reserved -= amt
		vb.free += amt - spent[venue] + credit[venue]
		if vb.free < 0 {
			// Spend exceeded the reservation; the periodic balance
			// refresh will reconcile against the venue's own number.
			vb.free = 0
		}
	}
}

// Balance returns a venue's current free and reserved amounts.
func (l *Ledger) Balance(venue domain.Venue) (free, reserved domain.Micros) {
	l.mu.Lock()
	defer l.mu.Unlock()
	vb := l.venue(venue)
	return vb.free, vb.reserved
}

// Snapshot returns all venue balances for the status endpoint.
func (l *Ledger) Snapshot() map[domain.Venue]struct{ Free, Reserved domain.Micros } {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[domain.Venue]struct{ Free, Reserved domain.Micros }, len(l.venues))
	for venue, vb := range l.venues {
		out[venue] = struct{ Free, Reserved domain.Micros }{vb.free, vb.reserved}
	}
	return out
}

func (l *Ledger) venue(v domain.Venue) *venueBalance {
	vb, ok := l.venues[v]
	if !ok {
		vb = &venueBalance{}
		l.venues[v] = vb
	}
	return vb
}
