// Package memstore is an in-memory implementation of repository.Querier for tests.
// Transactions are serialized by a single mutex and commit by swapping a cloned state,
// so a failed RunInTx leaves no trace.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

type state struct {
	orders       map[uuid.UUID]repository.FulfillmentOrder
	lots         map[uuid.UUID]repository.InventoryLot
	reservations map[uuid.UUID]repository.InventoryReservation
	allocations  []repository.ReservationAllocation
	attempts     map[uuid.UUID]repository.FulfillmentAttempt
	recs         map[uuid.UUID]repository.ReconciliationRecord
	settings     map[string]repository.SystemSetting
	audit        []repository.AuditLog
	idem         map[string]repository.IdempotencyKey
	auditSeq     int64
}

func newState() *state {
	return &state{
		orders:       map[uuid.UUID]repository.FulfillmentOrder{},
		lots:         map[uuid.UUID]repository.InventoryLot{},
		reservations: map[uuid.UUID]repository.InventoryReservation{},
		attempts:     map[uuid.UUID]repository.FulfillmentAttempt{},
		recs:         map[uuid.UUID]repository.ReconciliationRecord{},
		settings:     map[string]repository.SystemSetting{},
		idem:         map[string]repository.IdempotencyKey{},
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.lots {
		c.lots[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	c.allocations = append(c.allocations, s.allocations...)
	for k, v := range s.attempts {
		c.attempts[k] = v
	}
	for k, v := range s.recs {
		c.recs[k] = v
	}
	for k, v := range s.settings {
		c.settings[k] = v
	}
	c.audit = append(c.audit, s.audit...)
	for k, v := range s.idem {
		c.idem[k] = v
	}
	c.auditSeq = s.auditSeq
	return c
}

// Store mirrors repository.Store over in-memory tables.
type Store struct {
	mu    sync.Mutex
	st    *state
	clock sync.Mutex
	last  time.Time

	// Now overrides the wall clock used for NOW() columns.
	Now func() time.Time

	lockMu  sync.Mutex
	lockLog []string
}

// LockLog returns the row and advisory locks taken so far, in order.
func (s *Store) LockLog() []string {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	return append([]string(nil), s.lockLog...)
}

func (s *Store) recordLock(name string) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	s.lockLog = append(s.lockLog, name)
}

// New returns a store seeded with the default system settings.
func New() *Store {
	s := &Store{st: newState()}
	for key, value := range map[string]string{
		domain.SettingAutoSendEnabled:       "false",
		domain.SettingPayoutsPaused:         "false",
		domain.SettingUSDCPayoutsPaused:     "false",
		domain.SettingDailyBTCLimit:         "10",
		domain.SettingMaxTxBTCLimit:         "1",
		domain.SettingLowInventoryThreshold: "0.5",
	} {
		s.st.settings[key] = repository.SystemSetting{Key: key, Value: value, UpdatedAt: s.ts()}
	}
	return s
}

// ts returns a strictly increasing timestamp so ordering by created_at is deterministic.
func (s *Store) ts() pgtype.Timestamptz {
	s.clock.Lock()
	defer s.clock.Unlock()
	now := time.Now().UTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return pgtype.Timestamptz{Time: now, Valid: true}
}

// Queries returns an auto-committing querier.
func (s *Store) Queries() repository.Querier {
	return &querier{store: s, auto: true}
}

// RunInTx runs fn against a private copy of the state and publishes it only when fn succeeds.
func (s *Store) RunInTx(ctx context.Context, fn func(q repository.Querier) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.st.clone()
	if err := fn(&querier{store: s, st: tx}); err != nil {
		return err
	}
	s.st = tx
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

type querier struct {
	store *Store
	st    *state
	auto  bool
}

func (q *querier) with(fn func(st *state) error) error {
	if q.auto {
		q.store.mu.Lock()
		defer q.store.mu.Unlock()
		return fn(q.store.st)
	}
	return fn(q.st)
}

var _ repository.Querier = (*querier)(nil)

func id(u pgtype.UUID) uuid.UUID {
	return repository.FromPgUUID(u)
}

func page[T any](items []T, limit, offset int32) []T {
	if offset < 0 {
		offset = 0
	}
	if int(offset) >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit >= 0 && int(limit) < len(items) {
		items = items[:limit]
	}
	out := make([]T, len(items))
	copy(out, items)
	return out
}

func before(a, b pgtype.Timestamptz, ai, bi pgtype.UUID) bool {
	if !a.Time.Equal(b.Time) {
		return a.Time.Before(b.Time)
	}
	return id(ai).String() < id(bi).String()
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func (q *querier) sortedOrders(st *state, keep func(repository.FulfillmentOrder) bool) []repository.FulfillmentOrder {
	out := []repository.FulfillmentOrder{}
	for _, o := range st.orders {
		if keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	return out
}

// Orders

func (q *querier) InsertOrder(ctx context.Context, arg repository.InsertOrderParams) (repository.FulfillmentOrder, error) {
	var out repository.FulfillmentOrder
	err := q.with(func(st *state) error {
		for _, o := range st.orders {
			if o.ReferenceID == arg.ReferenceID {
				return pgx.ErrNoRows
			}
		}
		now := q.store.ts()
		out = repository.FulfillmentOrder{
			ID:          arg.ID,
			OrderType:   arg.OrderType,
			CustomerID:  arg.CustomerID,
			ReferenceID: arg.ReferenceID,
			Asset:       arg.Asset,
			UsdAmount:   arg.UsdAmount,
			AssetAmount: arg.AssetAmount,
			Destination: arg.Destination,
			Status:      arg.Status,
			KycStatus:   arg.KycStatus,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		st.orders[id(arg.ID)] = out
		return nil
	})
	return out, err
}

func (q *querier) getOrder(id uuid.UUID) (repository.FulfillmentOrder, error) {
	var out repository.FulfillmentOrder
	err := q.with(func(st *state) error {
		o, ok := st.orders[id]
		if !ok {
			return pgx.ErrNoRows
		}
		out = o
		return nil
	})
	return out, err
}

func (q *querier) GetOrder(ctx context.Context, orderID pgtype.UUID) (repository.FulfillmentOrder, error) {
	return q.getOrder(id(orderID))
}

func (q *querier) GetOrderForUpdate(ctx context.Context, orderID pgtype.UUID) (repository.FulfillmentOrder, error) {
	return q.getOrder(id(orderID))
}

func (q *querier) GetOrderByReference(ctx context.Context, referenceID string) (repository.FulfillmentOrder, error) {
	var out repository.FulfillmentOrder
	err := q.with(func(st *state) error {
		for _, o := range st.orders {
			if o.ReferenceID == referenceID {
				out = o
				return nil
			}
		}
		return pgx.ErrNoRows
	})
	return out, err
}

func (q *querier) ListOrdersByStatuses(ctx context.Context, arg repository.ListOrdersByStatusesParams) ([]repository.FulfillmentOrder, error) {
	var out []repository.FulfillmentOrder
	err := q.with(func(st *state) error {
		out = page(q.sortedOrders(st, func(o repository.FulfillmentOrder) bool {
			return len(arg.Statuses) == 0 || contains(arg.Statuses, o.Status)
		}), arg.Limit, arg.Offset)
		return nil
	})
	return out, err
}

func (q *querier) ListReadyToSendForUpdate(ctx context.Context, arg repository.ListReadyToSendForUpdateParams) ([]repository.FulfillmentOrder, error) {
	var out []repository.FulfillmentOrder
	err := q.with(func(st *state) error {
		out = page(q.sortedOrders(st, func(o repository.FulfillmentOrder) bool {
			return o.Status == domain.OrderStatusReadyToSend && contains(arg.Assets, o.Asset)
		}), arg.Limit, 0)
		return nil
	})
	return out, err
}

func (q *querier) ListStaleSending(ctx context.Context, arg repository.ListStaleSendingParams) ([]repository.FulfillmentOrder, error) {
	var out []repository.FulfillmentOrder
	err := q.with(func(st *state) error {
		stale := q.sortedOrders(st, func(o repository.FulfillmentOrder) bool {
			return o.Status == domain.OrderStatusSending && o.UpdatedAt.Time.Before(arg.UpdatedBefore.Time)
		})
		sort.SliceStable(stale, func(i, j int) bool { return stale[i].UpdatedAt.Time.Before(stale[j].UpdatedAt.Time) })
		out = page(stale, arg.Limit, 0)
		return nil
	})
	return out, err
}

func (q *querier) UpdateOrder(ctx context.Context, arg repository.UpdateOrderParams) (int64, error) {
	var rows int64
	err := q.with(func(st *state) error {
		o, ok := st.orders[id(arg.ID)]
		if !ok {
			return nil
		}
		if (arg.Status == domain.OrderStatusSent || arg.Status == domain.OrderStatusCompleted) && arg.TxHash == nil {
			return errors.New(`new row violates check constraint "sent_requires_tx_hash"`)
		}
		o.Status = arg.Status
		o.KycStatus = arg.KycStatus
		o.BlockedReason = arg.BlockedReason
		o.FailedReason = arg.FailedReason
		o.AssetAmount = arg.AssetAmount
		o.PriceUsd = arg.PriceUsd
		o.ReservationID = arg.ReservationID
		o.TxHash = arg.TxHash
		o.Attempt = arg.Attempt
		o.CompletedAt = arg.CompletedAt
		o.UpdatedAt = q.store.ts()
		st.orders[id(arg.ID)] = o
		rows = 1
		return nil
	})
	return rows, err
}

func (q *querier) SumCommittedSince(ctx context.Context, arg repository.SumCommittedSinceParams) (decimal.Decimal, error) {
	total := decimal.Zero
	err := q.with(func(st *state) error {
		for _, o := range st.orders {
			if o.Asset != arg.Asset || !o.AssetAmount.Valid {
				continue
			}
			switch o.Status {
			case domain.OrderStatusReadyToSend, domain.OrderStatusSending:
				total = total.Add(o.AssetAmount.Decimal)
			case domain.OrderStatusSent, domain.OrderStatusCompleted:
				if o.CompletedAt.Valid && !o.CompletedAt.Time.Before(arg.Since.Time) {
					total = total.Add(o.AssetAmount.Decimal)
				}
			}
		}
		return nil
	})
	return total, err
}

func (q *querier) CountOrdersByStatus(ctx context.Context) ([]repository.CountOrdersByStatusRow, error) {
	var out []repository.CountOrdersByStatusRow
	err := q.with(func(st *state) error {
		counts := map[string]int64{}
		for _, o := range st.orders {
			counts[o.Status]++
		}
		out = make([]repository.CountOrdersByStatusRow, 0, len(counts))
		for status, n := range counts {
			out = append(out, repository.CountOrdersByStatusRow{Status: status, Count: n})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Status < out[j].Status })
		return nil
	})
	return out, err
}
