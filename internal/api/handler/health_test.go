package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestReady(t *testing.T) {
	cases := []struct {
		name     string
		db       Pinger
		status   int
		database string
	}{
		{name: "ready", db: stubPinger{}, status: http.StatusOK, database: "ok"},
		{name: "database down", db: stubPinger{err: errors.New("refused")}, status: http.StatusServiceUnavailable, database: "unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			NewHealthHandler(tc.db, nil).Ready(w, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			require.Equal(t, tc.status, w.Code)
			var body readiness
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tc.database, body.Checks["database"])
			assert.Equal(t, "disabled", body.Checks["redis"])
		})
	}
}
