package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

func TestLedgerReserveAndRelease(t *testing.T) {
	l := NewLedger()
	l.SetBalance(domain.VenuePolymarket, dollars(100))

	amounts := map[domain.Venue]domain.Micros{domain.VenuePolymarket: dollars(30)}
	require.NoError(t, l.Reserve(amounts))

	free, reserved := l.Balance(domain.VenuePolymarket)
	assert.Equal(t, dollars(70), free)
	assert.Equal(t, dollars(30), reserved)

	l.Release(amounts)
	free, reserved = l.Balance(domain.VenuePolymarket)
	assert.Equal(t, dollars(100), free)
	assert.Equal(t, domain.Micros(0), reserved)
}

func TestLedgerReserveIsAllOrNothing(t *testing.T) {
	l := NewLedger()
	l.SetBalance(domain.VenuePolymarket, dollars(100))
	l.SetBalance(domain.VenueKalshi, dollars(5))

	err := l.Reserve(map[domain.Venue]domain.Micros{
		domain.VenuePolymarket: dollars(50),
		domain.VenueKalshi:     dollars(50),
	})
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	// The fundable venue must be untouched after the failed attempt.
	free, reserved := l.Balance(domain.VenuePolymarket)
	assert.Equal(t, dollars(100), free)
	assert.Equal(t, domain.Micros(0), reserved)
}

func TestLedgerSettleAppliesSpendAndCredit(t *testing.T) {
	l := NewLedger()
	l.SetBalance(domain.VenuePolymarket, dollars(100))

	amounts := map[domain.Venue]domain.Micros{domain.VenuePolymarket: dollars(40)}
	require.NoError(t, l.Reserve(amounts))

	// Spent 38 on fills, fees and gas; the merge paid back 39.50.
	l.Settle(amounts,
		map[domain.Venue]domain.Micros{domain.VenuePolymarket: dollars(38)},
		map[domain.Venue]domain.Micros{domain.VenuePolymarket: dollars(39.50)},
	)

	free, reserved := l.Balance(domain.VenuePolymarket)
	assert.Equal(t, dollars(101.50), free)
	assert.Equal(t, domain.Micros(0), reserved)
}

func TestLedgerSetBalancePreservesReservations(t *testing.T) {
	l := NewLedger()
	l.SetBalance(domain.VenueKalshi, dollars(100))
	require.NoError(t, l.Reserve(map[domain.Venue]domain.Micros{domain.VenueKalshi: dollars(60)}))

	// A refresh reports the venue total including reserved capital.
	l.SetBalance(domain.VenueKalshi, dollars(90))
	free, reserved := l.Balance(domain.VenueKalshi)
	assert.Equal(t, dollars(30), free)
	assert.Equal(t, dollars(60), reserved)

	// A total below the outstanding reservation floors free at zero.
	l.SetBalance(domain.VenueKalshi, dollars(40))
	free, _ = l.Balance(domain.VenueKalshi)
	assert.Equal(t, domain.Micros(0), free)
}

func TestLedgerRejectsNegativeReservation(t *testing.T) {
	l := NewLedger()
	l.SetBalance(domain.VenueKalshi, dollars(10))
	err := l.Reserve(map[domain.Venue]domain.Micros{domain.VenueKalshi: -domain.Cent})
	assert.Error(t, err)
}
