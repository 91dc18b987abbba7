package memstore

import (
	"context"
	"sort"

	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/bitcard/fulfillment-engine/internal/repository"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Attempts

func (q *querier) InsertAttempt(ctx context.Context, arg repository.InsertAttemptParams) (repository.FulfillmentAttempt, error) {
	var out repository.FulfillmentAttempt
	err := q.with(func(st *state) error {
		out = repository.FulfillmentAttempt{
			ID:        arg.ID,
			OrderID:   arg.OrderID,
			AttemptNo: arg.AttemptNo,
			Status:    domain.AttemptSending,
			StartedAt: q.store.ts(),
		}
		st.attempts[id(arg.ID)] = out
		return nil
	})
	return out, err
}

func (q *querier) FinishAttempt(ctx context.Context, arg repository.FinishAttemptParams) (int64, error) {
	var rows int64
	err := q.with(func(st *state) error {
		a, ok := st.attempts[id(arg.ID)]
		if !ok || a.Status != domain.AttemptSending {
			return nil
		}
		a.Status = arg.Status
		a.TxHash = arg.TxHash
		a.FailedReason = arg.FailedReason
		a.FinishedAt = q.store.ts()
		st.attempts[id(arg.ID)] = a
		rows = 1
		return nil
	})
	return rows, err
}

func (q *querier) GetAttempt(ctx context.Context, attemptID pgtype.UUID) (repository.FulfillmentAttempt, error) {
	var out repository.FulfillmentAttempt
	err := q.with(func(st *state) error {
		a, ok := st.attempts[id(attemptID)]
		if !ok {
			return pgx.ErrNoRows
		}
		out = a
		return nil
	})
	return out, err
}

func (q *querier) attemptsFor(st *state, orderID pgtype.UUID) []repository.FulfillmentAttempt {
	out := []repository.FulfillmentAttempt{}
	for _, a := range st.attempts {
		if id(a.OrderID) == id(orderID) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNo < out[j].AttemptNo })
	return out
}

func (q *querier) GetLatestAttempt(ctx context.Context, orderID pgtype.UUID) (repository.FulfillmentAttempt, error) {
	var out repository.FulfillmentAttempt
	err := q.with(func(st *state) error {
		all := q.attemptsFor(st, orderID)
		if len(all) == 0 {
			return pgx.ErrNoRows
		}
		out = all[len(all)-1]
		return nil
	})
	return out, err
}

func (q *querier) ListAttempts(ctx context.Context, orderID pgtype.UUID) ([]repository.FulfillmentAttempt, error) {
	var out []repository.FulfillmentAttempt
	err := q.with(func(st *state) error {
		out = q.attemptsFor(st, orderID)
		return nil
	})
	return out, err
}

// Reconciliation

func (q *querier) InsertReconciliation(ctx context.Context, arg repository.InsertReconciliationParams) (repository.ReconciliationRecord, error) {
	var out repository.ReconciliationRecord
	err := q.with(func(st *state) error {
		out = repository.ReconciliationRecord{
			ID:              arg.ID,
			Asset:           arg.Asset,
			OnchainBalance:  arg.OnchainBalance,
			DatabaseBalance: arg.DatabaseBalance,
			Discrepancy:     arg.Discrepancy,
			DiscrepancyPct:  arg.DiscrepancyPct,
			Tolerance:       arg.Tolerance,
			Status:          arg.Status,
			CreatedAt:       q.store.ts(),
		}
		st.recs[id(arg.ID)] = out
		return nil
	})
	return out, err
}

func (q *querier) GetReconciliation(ctx context.Context, recID pgtype.UUID) (repository.ReconciliationRecord, error) {
	var out repository.ReconciliationRecord
	err := q.with(func(st *state) error {
		r, ok := st.recs[id(recID)]
		if !ok {
			return pgx.ErrNoRows
		}
		out = r
		return nil
	})
	return out, err
}

func (q *querier) GetReconciliationForUpdate(ctx context.Context, recID pgtype.UUID) (repository.ReconciliationRecord, error) {
	return q.GetReconciliation(ctx, recID)
}

func (q *querier) ResolveReconciliation(ctx context.Context, arg repository.ResolveReconciliationParams) (int64, error) {
	var rows int64
	err := q.with(func(st *state) error {
		r, ok := st.recs[id(arg.ID)]
		if !ok || (r.Status != domain.ReconciliationDiscrepancy && r.Status != domain.ReconciliationPending) {
			return nil
		}
		notes, by := arg.ResolutionNotes, arg.ResolvedBy
		r.Status = domain.ReconciliationResolved
		r.ResolutionNotes = &notes
		r.ResolvedBy = &by
		r.ResolvedAt = q.store.ts()
		st.recs[id(arg.ID)] = r
		rows = 1
		return nil
	})
	return rows, err
}

func (q *querier) ListReconciliations(ctx context.Context, arg repository.ListReconciliationsParams) ([]repository.ReconciliationRecord, error) {
	var out []repository.ReconciliationRecord
	err := q.with(func(st *state) error {
		recs := []repository.ReconciliationRecord{}
		for _, r := range st.recs {
			if (arg.Status == "" || r.Status == arg.Status) && (arg.Asset == "" || r.Asset == arg.Asset) {
				recs = append(recs, r)
			}
		}
		sort.Slice(recs, func(i, j int) bool { return before(recs[j].CreatedAt, recs[i].CreatedAt, recs[i].ID, recs[j].ID) })
		out = page(recs, arg.Limit, arg.Offset)
		return nil
	})
	return out, err
}

// Settings

func (q *querier) ListSettings(ctx context.Context) ([]repository.SystemSetting, error) {
	var out []repository.SystemSetting
	err := q.with(func(st *state) error {
		out = make([]repository.SystemSetting, 0, len(st.settings))
		for _, s := range st.settings {
			out = append(out, s)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
		return nil
	})
	return out, err
}

func (q *querier) GetSettingForUpdate(ctx context.Context, key string) (repository.SystemSetting, error) {
	var out repository.SystemSetting
	err := q.with(func(st *state) error {
		s, ok := st.settings[key]
		if !ok {
			return pgx.ErrNoRows
		}
		out = s
		return nil
	})
	return out, err
}

func (q *querier) UpsertSetting(ctx context.Context, arg repository.UpsertSettingParams) (repository.SystemSetting, error) {
	var out repository.SystemSetting
	err := q.with(func(st *state) error {
		out = repository.SystemSetting{Key: arg.Key, Value: arg.Value, UpdatedBy: arg.UpdatedBy, UpdatedAt: q.store.ts()}
		st.settings[arg.Key] = out
		return nil
	})
	return out, err
}

// Audit

func (q *querier) InsertAuditLog(ctx context.Context, arg repository.InsertAuditLogParams) (repository.AuditLog, error) {
	var out repository.AuditLog
	err := q.with(func(st *state) error {
		st.auditSeq++
		out = repository.AuditLog{
			ID:         st.auditSeq,
			ActorType:  arg.ActorType,
			ActorID:    arg.ActorID,
			Action:     arg.Action,
			EntityType: arg.EntityType,
			EntityID:   arg.EntityID,
			PrevState:  arg.PrevState,
			NextState:  arg.NextState,
			Metadata:   append([]byte(nil), arg.Metadata...),
			CreatedAt:  q.store.ts(),
		}
		st.audit = append(st.audit, out)
		return nil
	})
	return out, err
}

func (q *querier) ListAuditLogs(ctx context.Context, arg repository.ListAuditLogsParams) ([]repository.AuditLog, error) {
	var out []repository.AuditLog
	err := q.with(func(st *state) error {
		logs := []repository.AuditLog{}
		for _, l := range st.audit {
			if (arg.EntityType == "" || l.EntityType == arg.EntityType) && (arg.EntityID == "" || l.EntityID == arg.EntityID) {
				logs = append(logs, l)
			}
		}
		out = page(logs, arg.Limit, arg.Offset)
		return nil
	})
	return out, err
}

// Idempotency

func (q *querier) GetIdempotencyKey(ctx context.Context, key string) (repository.IdempotencyKey, error) {
	var out repository.IdempotencyKey
	err := q.with(func(st *state) error {
		k, ok := st.idem[key]
		if !ok {
			return pgx.ErrNoRows
		}
		out = k
		return nil
	})
	return out, err
}

func (q *querier) ReserveIdempotencyKey(ctx context.Context, arg repository.ReserveIdempotencyKeyParams) (repository.IdempotencyKey, error) {
	var out repository.IdempotencyKey
	err := q.with(func(st *state) error {
		if _, ok := st.idem[arg.IdempotencyKey]; ok {
			return pgx.ErrNoRows
		}
		now := q.store.ts()
		out = repository.IdempotencyKey{
			IdempotencyKey: arg.IdempotencyKey,
			RequestHash:    arg.RequestHash,
			Method:         arg.Method,
			Path:           arg.Path,
			InProgress:     true,
			ContentType:    "application/json",
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		st.idem[arg.IdempotencyKey] = out
		return nil
	})
	return out, err
}

func (q *querier) FinalizeIdempotencyKey(ctx context.Context, arg repository.FinalizeIdempotencyKeyParams) (repository.IdempotencyKey, error) {
	var out repository.IdempotencyKey
	err := q.with(func(st *state) error {
		k, ok := st.idem[arg.IdempotencyKey]
		if !ok || k.RequestHash != arg.RequestHash {
			return pgx.ErrNoRows
		}
		k.InProgress = false
		k.ResponseStatus = arg.ResponseStatus
		k.ResponseBody = append([]byte(nil), arg.ResponseBody...)
		k.ContentType = arg.ContentType
		k.UpdatedAt = q.store.ts()
		st.idem[arg.IdempotencyKey] = k
		out = k
		return nil
	})
	return out, err
}

func (q *querier) ReleaseIdempotencyKey(ctx context.Context, arg repository.ReleaseIdempotencyKeyParams) (int64, error) {
	var n int64
	err := q.with(func(st *state) error {
		k, ok := st.idem[arg.IdempotencyKey]
		if !ok || k.RequestHash != arg.RequestHash || !k.InProgress {
			return nil
		}
		delete(st.idem, arg.IdempotencyKey)
		n = 1
		return nil
	})
	return n, err
}
