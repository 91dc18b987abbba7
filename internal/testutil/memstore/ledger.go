package memstore

import (
	"context"
	"sort"

	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

func eligible(l repository.InventoryLot, asOf pgtype.Timestamptz) bool {
	return !l.ExpiresAt.Valid || l.ExpiresAt.Time.After(asOf.Time)
}

// LockAssetLedger is a no-op: RunInTx already serializes every transaction.
func (q *querier) LockAssetLedger(ctx context.Context, asset string) error {
	q.store.recordLock("ledger:" + asset)
	return nil
}

func (q *querier) InsertLot(ctx context.Context, arg repository.InsertLotParams) (repository.InventoryLot, error) {
	var out repository.InventoryLot
	err := q.with(func(st *state) error {
		now := q.store.ts()
		received := arg.ReceivedAt
		if !received.Valid {
			received = now
		}
		out = repository.InventoryLot{
			ID:              arg.ID,
			Asset:           arg.Asset,
			TotalAmount:     arg.TotalAmount,
			AvailableAmount: arg.TotalAmount,
			Source:          arg.Source,
			Reference:       arg.Reference,
			ReceivedAt:      received,
			ExpiresAt:       arg.ExpiresAt,
			CreatedAt:       now,
		}
		st.lots[id(arg.ID)] = out
		return nil
	})
	return out, err
}

func (q *querier) GetLot(ctx context.Context, lotID pgtype.UUID) (repository.InventoryLot, error) {
	var out repository.InventoryLot
	err := q.with(func(st *state) error {
		l, ok := st.lots[id(lotID)]
		if !ok {
			return pgx.ErrNoRows
		}
		out = l
		return nil
	})
	return out, err
}

func (q *querier) GetLotForUpdate(ctx context.Context, lotID pgtype.UUID) (repository.InventoryLot, error) {
	q.store.recordLock("lot:" + id(lotID).String())
	var out repository.InventoryLot
	err := q.with(func(st *state) error {
		l, ok := st.lots[id(lotID)]
		if !ok {
			return pgx.ErrNoRows
		}
		out = l
		return nil
	})
	return out, err
}

func (q *querier) ListAvailableLotsForUpdate(ctx context.Context, arg repository.ListAvailableLotsForUpdateParams) ([]repository.InventoryLot, error) {
	q.store.recordLock("lots:" + arg.Asset)
	out := []repository.InventoryLot{}
	err := q.with(func(st *state) error {
		for _, l := range st.lots {
			if l.Asset == arg.Asset && l.AvailableAmount.IsPositive() && eligible(l, arg.AsOf) {
				out = append(out, l)
			}
		}
		sort.Slice(out, func(i, j int) bool { return before(out[i].ReceivedAt, out[j].ReceivedAt, out[i].ID, out[j].ID) })
		return nil
	})
	return out, err
}

func (q *querier) ListLots(ctx context.Context, arg repository.ListLotsParams) ([]repository.InventoryLot, error) {
	var out []repository.InventoryLot
	err := q.with(func(st *state) error {
		lots := []repository.InventoryLot{}
		for _, l := range st.lots {
			if l.Asset == arg.Asset {
				lots = append(lots, l)
			}
		}
		sort.Slice(lots, func(i, j int) bool { return before(lots[j].ReceivedAt, lots[i].ReceivedAt, lots[i].ID, lots[j].ID) })
		out = page(lots, arg.Limit, arg.Offset)
		return nil
	})
	return out, err
}

func (q *querier) UpdateLotAvailable(ctx context.Context, arg repository.UpdateLotAvailableParams) (int64, error) {
	var rows int64
	err := q.with(func(st *state) error {
		l, ok := st.lots[id(arg.ID)]
		if !ok || arg.AvailableAmount.IsNegative() || arg.AvailableAmount.GreaterThan(l.TotalAmount) {
			return nil
		}
		l.AvailableAmount = arg.AvailableAmount
		st.lots[id(arg.ID)] = l
		rows = 1
		return nil
	})
	return rows, err
}

func (q *querier) AdjustLot(ctx context.Context, arg repository.AdjustLotParams) (int64, error) {
	var rows int64
	err := q.with(func(st *state) error {
		l, ok := st.lots[id(arg.ID)]
		if !ok || arg.AvailableAmount.IsNegative() || arg.AvailableAmount.GreaterThan(arg.TotalAmount) {
			return nil
		}
		l.TotalAmount = arg.TotalAmount
		l.AvailableAmount = arg.AvailableAmount
		st.lots[id(arg.ID)] = l
		rows = 1
		return nil
	})
	return rows, err
}

func (q *querier) SumEligibleBalance(ctx context.Context, arg repository.SumEligibleBalanceParams) (decimal.Decimal, error) {
	total := decimal.Zero
	err := q.with(func(st *state) error {
		for _, l := range st.lots {
			if l.Asset == arg.Asset && eligible(l, arg.AsOf) {
				total = total.Add(l.AvailableAmount)
			}
		}
		return nil
	})
	return total, err
}

func (q *querier) SumReservations(ctx context.Context, arg repository.SumReservationsParams) (decimal.Decimal, error) {
	total := decimal.Zero
	err := q.with(func(st *state) error {
		for _, r := range st.reservations {
			if r.Asset == arg.Asset && r.Status == arg.Status {
				total = total.Add(r.Amount)
			}
		}
		return nil
	})
	return total, err
}

func (q *querier) InsertReservation(ctx context.Context, arg repository.InsertReservationParams) (repository.InventoryReservation, error) {
	var out repository.InventoryReservation
	err := q.with(func(st *state) error {
		out = repository.InventoryReservation{
			ID:        arg.ID,
			OrderID:   arg.OrderID,
			Asset:     arg.Asset,
			Amount:    arg.Amount,
			Status:    domain.ReservationHeld,
			CreatedAt: q.store.ts(),
		}
		st.reservations[id(arg.ID)] = out
		return nil
	})
	return out, err
}

func (q *querier) GetReservationForUpdate(ctx context.Context, reservationID pgtype.UUID) (repository.InventoryReservation, error) {
	var out repository.InventoryReservation
	err := q.with(func(st *state) error {
		r, ok := st.reservations[id(reservationID)]
		if !ok {
			return pgx.ErrNoRows
		}
		out = r
		return nil
	})
	return out, err
}

func (q *querier) SettleReservation(ctx context.Context, arg repository.SettleReservationParams) (int64, error) {
	var rows int64
	err := q.with(func(st *state) error {
		r, ok := st.reservations[id(arg.ID)]
		if !ok || r.Status != domain.ReservationHeld {
			return nil
		}
		r.Status = arg.Status
		r.SettledAt = q.store.ts()
		st.reservations[id(arg.ID)] = r
		rows = 1
		return nil
	})
	return rows, err
}

func (q *querier) InsertReservationAllocation(ctx context.Context, arg repository.InsertReservationAllocationParams) error {
	return q.with(func(st *state) error {
		st.allocations = append(st.allocations, repository.ReservationAllocation{
			ReservationID: arg.ReservationID,
			LotID:         arg.LotID,
			Amount:        arg.Amount,
		})
		return nil
	})
}

func (q *querier) ListReservationAllocations(ctx context.Context, reservationID pgtype.UUID) ([]repository.ReservationAllocation, error) {
	out := []repository.ReservationAllocation{}
	err := q.with(func(st *state) error {
		for _, a := range st.allocations {
			if id(a.ReservationID) == id(reservationID) {
				out = append(out, a)
			}
		}
		return nil
	})
	return out, err
}
