package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/bitcard/fulfillment-engine/internal/api/problem"
	"github.com/bitcard/fulfillment-engine/internal/custody"
	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message)
}

// decodeJSON reads the body into dst and runs struct validation.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return false
	}
	if err := validate.Struct(dst); err != nil {
		problem.WriteDetails(w, r, problem.Details{
			Type:   problem.Type("request/validation-failed"),
			Status: http.StatusBadRequest,
			Detail: "request validation failed",
			Errors: fieldErrors(err),
		})
		return false
	}
	return true
}

func fieldErrors(err error) []problem.FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []problem.FieldError{{Message: err.Error()}}
	}
	out := make([]problem.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		msg := "failed " + fe.Tag()
		switch fe.Tag() {
		case "required":
			msg = "is required"
		case "oneof":
			msg = "must be one of: " + fe.Param()
		case "max":
			msg = "must be at most " + fe.Param() + " characters"
		}
		out = append(out, problem.FieldError{Field: fe.Field(), Message: msg})
	}
	return out
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-"+name, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// pagination reads limit and offset query parameters; services clamp them.
func pagination(r *http.Request) (int32, int32) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	return int32(limit), int32(offset)
}

type errorMapping struct {
	target error
	status int
	slug   string
}

var serviceErrors = []errorMapping{
	{domain.ErrUnauthorized, http.StatusUnauthorized, "auth/unauthorized"},
	{domain.ErrInvalidSignature, http.StatusUnauthorized, "webhook/invalid-signature"},
	{domain.ErrForbidden, http.StatusForbidden, "auth/insufficient-permissions"},
	{domain.ErrOrderNotFound, http.StatusNotFound, "order/not-found"},
	{domain.ErrReconciliationNotFound, http.StatusNotFound, "reconciliation/not-found"},
	{domain.ErrLotNotFound, http.StatusNotFound, "inventory/lot-not-found"},
	{domain.ErrReservationNotFound, http.StatusNotFound, "inventory/reservation-not-found"},
	{domain.ErrInvalidTransition, http.StatusConflict, "order/invalid-transition"},
	{domain.ErrReferenceConflict, http.StatusConflict, "order/reference-conflict"},
	{domain.ErrNotResolvable, http.StatusConflict, "reconciliation/not-resolvable"},
	{domain.ErrReservationSettled, http.StatusConflict, "inventory/reservation-settled"},
	{domain.ErrInsufficientInventory, http.StatusConflict, "inventory/insufficient"},
	{domain.ErrKycNotApproved, http.StatusConflict, "order/kyc-not-approved"},
	{domain.ErrLimitExceeded, http.StatusConflict, "order/limit-exceeded"},
	{domain.ErrPayoutsPaused, http.StatusConflict, "payouts/paused"},
	{domain.ErrSettlementFailure, http.StatusBadGateway, "settlement/failed"},
	{custody.ErrUnavailable, http.StatusServiceUnavailable, "custody/unavailable"},
	{domain.ErrInvalidOrder, http.StatusBadRequest, "order/invalid"},
	{domain.ErrInvalidAmount, http.StatusBadRequest, "request/invalid-amount"},
	{domain.ErrUnsupportedAsset, http.StatusBadRequest, "request/unsupported-asset"},
	{domain.ErrInvalidDestination, http.StatusBadRequest, "order/invalid-destination"},
	{domain.ErrUnknownSetting, http.StatusBadRequest, "settings/unknown"},
	{domain.ErrInvalidSetting, http.StatusBadRequest, "settings/invalid-value"},
	{domain.ErrNotesRequired, http.StatusBadRequest, "request/notes-required"},
	{domain.ErrInvalidDecision, http.StatusBadRequest, "request/invalid-decision"},
}

// respondServiceError maps domain errors onto problem responses and logs
// everything it cannot map.
func respondServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	for _, m := range serviceErrors {
		if errors.Is(err, m.target) {
			RespondError(w, r, m.status, m.slug, err.Error())
			return
		}
	}
	if status, slug, message, ok := mapDBError(err); ok {
		RespondError(w, r, status, slug, message)
		return
	}
	zap.L().Error(op+" failed", zap.Error(err))
	RespondError(w, r, http.StatusInternalServerError, "internal-server-error", op+" failed")
}

func mapDBError(err error) (status int, problemType, message string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return 0, "", "", false
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		return http.StatusConflict, "db/unique-violation", "resource already exists", true
	case "23503": // foreign_key_violation
		return http.StatusBadRequest, "db/foreign-key-violation", "invalid reference", true
	case "23514": // check_violation
		return http.StatusBadRequest, "db/check-violation", "request violates data constraints", true
	case "23502": // not_null_violation
		return http.StatusBadRequest, "db/not-null-violation", "missing required field", true
	default:
		return 0, "", "", false
	}
}
