package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/receiptflow/receiptflow/internal/audit"
	"github.com/receiptflow/receiptflow/internal/billing"
	"github.com/receiptflow/receiptflow/internal/config"
	"github.com/receiptflow/receiptflow/internal/dbtest"
	"github.com/receiptflow/receiptflow/internal/http/api/admin/permissions"
	"github.com/receiptflow/receiptflow/internal/metering"
	"github.com/receiptflow/receiptflow/internal/models"
	"github.com/receiptflow/receiptflow/internal/plans"
	"github.com/receiptflow/receiptflow/internal/security"
	"github.com/receiptflow/receiptflow/internal/session"
	"github.com/receiptflow/receiptflow/internal/sessionlock"
	internalsettings "github.com/receiptflow/receiptflow/internal/settings"
	"github.com/receiptflow/receiptflow/internal/usage"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "admin-test-secret"

type testServer struct {
	engine *gin.Engine
	conn   *gorm.DB
	usage  *usage.Service
	limits *plans.Resolver
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	internalsettings.StoreDBConfig(time.Time{}, nil)
	t.Cleanup(func() { internalsettings.StoreDBConfig(time.Time{}, nil) })

	conn := dbtest.Open(t)
	limits := plans.NewResolver(map[string]int{"trial": 5, "lite": 30, "pro": 100})
	svc := usage.NewService(conn, limits)
	locks := sessionlock.NewManager(config.Defaults().SessionLock)

	r := gin.New()
	RegisterAdminRoutes(r, Deps{
		DB:       conn,
		Usage:    svc,
		Sessions: session.NewStore(conn, locks),
		Auditor:  audit.NewAuditor(conn, svc, nil, 2),
		Billing:  billing.NewService(conn, svc, locks),
		Gate:     metering.NewGate(svc, locks),
	}, config.JWTConfig{Secret: testSecret, Expiry: time.Hour})
	return &testServer{engine: r, conn: conn, usage: svc, limits: limits}
}

func superToken(t *testing.T) string {
	t.Helper()
	token, err := security.IssueAdminToken(testSecret, "ops", nil, true, time.Hour, time.Now())
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) charge(t *testing.T, userID uint64, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, s.conn.Transaction(func(tx *gorm.DB) error {
			_, errInc := s.usage.IncrementUsage(context.Background(), tx, userID, usage.KindProcessed, nil)
			return errInc
		}))
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthzIsPublic(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decode(t, rec)["status"])
}

func TestAdminRoutesRequireValidToken(t *testing.T) {
	s := newTestServer(t)
	user := dbtest.CreateUser(t, s.conn, "lite-1", models.PlanLite)
	path := fmt.Sprintf("/v0/admin/users/%d/usage", user.ID)

	require.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, path, "", nil).Code)
	require.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, path, "garbage", nil).Code)

	forged, err := security.IssueAdminToken("other-secret", "ops", nil, true, time.Hour, time.Now())
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, path, forged, nil).Code)
}

func TestAdminPermissionsGateRoutes(t *testing.T) {
	s := newTestServer(t)
	user := dbtest.CreateUser(t, s.conn, "lite-1", models.PlanLite)
	readOnly, err := security.IssueAdminToken(testSecret, "support", []string{
		permissions.Key(http.MethodGet, "/v0/admin/users/:id/usage"),
	}, false, time.Hour, time.Now())
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, fmt.Sprintf("/v0/admin/users/%d/usage", user.ID), readOnly, nil).Code)
	require.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, "/v0/admin/audit", readOnly, nil).Code)
}

func TestGetUsageReportsLiveAndCachedValues(t *testing.T) {
	s := newTestServer(t)
	user := dbtest.CreateUser(t, s.conn, "lite-1", models.PlanLite)
	s.charge(t, user.ID, 3)

	rec := s.do(t, http.MethodGet, fmt.Sprintf("/v0/admin/users/%d/usage", user.ID), superToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, float64(30), body["limit"])
	require.Equal(t, float64(30), body["plan_limit"])
	require.Equal(t, "lite", body["plan"])
	require.Equal(t, "lite", body["charge_bucket"])
	require.Equal(t, true, body["ledger_in_sync"])
	current := body["usage"].(map[string]any)
	require.Equal(t, float64(3), current["current_plan_total"])
	auth := body["authorization"].(map[string]any)
	require.Equal(t, true, auth["can_process"])
	require.Equal(t, float64(27), auth["remaining"])

	require.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v0/admin/users/9999/usage", superToken(t), nil).Code)
	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/v0/admin/users/abc/usage", superToken(t), nil).Code)
}

func TestChangePlanRecordsCarryover(t *testing.T) {
	s := newTestServer(t)
	user := dbtest.CreateUser(t, s.conn, "lite-1", models.PlanLite)
	require.NoError(t, s.conn.Model(&models.User{}).Where("id = ?", user.ID).
		Update("billing_cycle_end", time.Now().UTC().Add(72*time.Hour)).Error)
	s.charge(t, user.ID, 4)

	rec := s.do(t, http.MethodPost, fmt.Sprintf("/v0/admin/users/%d/plan", user.ID), superToken(t), map[string]any{"plan": "pro"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "pro", body["plan"])
	carryover := body["carryover"].(map[string]any)
	require.Equal(t, "lite", carryover["old_plan"])
	require.Equal(t, float64(4), carryover["old_plan_used"])

	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, fmt.Sprintf("/v0/admin/users/%d/plan", user.ID), superToken(t), map[string]any{"plan": "gold"}).Code)
	require.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/v0/admin/users/9999/plan", superToken(t), map[string]any{"plan": "pro"}).Code)
}

func TestSyncRepairsDriftedLedger(t *testing.T) {
	s := newTestServer(t)
	user := dbtest.CreateUser(t, s.conn, "lite-1", models.PlanLite)
	s.charge(t, user.ID, 2)
	require.NoError(t, s.conn.Model(&models.UsageLedger{}).Where("user_id = ?", user.ID).Update("total_count", 40).Error)

	rec := s.do(t, http.MethodPost, fmt.Sprintf("/v0/admin/users/%d/sync", user.ID), superToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, decode(t, rec)["fixed"])

	ledger, err := s.usage.Ledger(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), ledger.TotalCount)

	rec = s.do(t, http.MethodPost, "/v0/admin/audit", superToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, float64(1), decode(t, rec)["checked"])

	require.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v0/admin/audit/last", superToken(t), nil).Code)
}

func TestSessionRoutes(t *testing.T) {
	s := newTestServer(t)
	user := dbtest.CreateUser(t, s.conn, "lite-1", models.PlanLite)

	rec := s.do(t, http.MethodGet, fmt.Sprintf("/v0/admin/users/%d/session", user.ID), superToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "idle", decode(t, rec)["state"])

	rec = s.do(t, http.MethodPost, fmt.Sprintf("/v0/admin/users/%d/session/reset", user.ID), superToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/v0/admin/users/9999/session", superToken(t), nil).Code)
}

func TestSettingsOverridePlanLimit(t *testing.T) {
	s := newTestServer(t)
	path := "/v0/admin/settings/" + internalsettings.PlanLimitLiteKey

	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, path, superToken(t), map[string]any{"value": -3}).Code)
	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, path, superToken(t), map[string]any{"value": "many"}).Code)

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, path, superToken(t), map[string]any{"value": 45}).Code)
	require.Equal(t, 45, s.limits.LimitFor(models.PlanLite))

	require.Equal(t, http.StatusOK, s.do(t, http.MethodPut, path, superToken(t), map[string]any{"value": 50}).Code)
	require.Equal(t, 50, s.limits.LimitFor(models.PlanLite))

	rec := s.do(t, http.MethodGet, "/v0/admin/settings", superToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, decode(t, rec)["settings"], 1)

	require.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, path, superToken(t), nil).Code)
	require.Equal(t, 30, s.limits.LimitFor(models.PlanLite))
	require.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, path, superToken(t), nil).Code)
}

func TestChargeRoute(t *testing.T) {
	s := newTestServer(t)
	user := dbtest.CreateUser(t, s.conn, "trial-1", models.PlanTrial)
	path := fmt.Sprintf("/v0/admin/users/%d/charges", user.ID)

	for i := 1; i <= 5; i++ {
		rec := s.do(t, http.MethodPost, path, superToken(t), map[string]any{"kind": "processed"})
		require.Equal(t, http.StatusCreated, rec.Code)
		require.Equal(t, float64(i), decode(t, rec)["new_total"])
	}

	rec := s.do(t, http.MethodPost, path, superToken(t), map[string]any{"kind": "saved"})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	auth := decode(t, rec)["authorization"].(map[string]any)
	require.Equal(t, false, auth["can_process"])

	missing := s.do(t, http.MethodPost, "/v0/admin/users/999999/charges", superToken(t), map[string]any{"kind": "saved"})
	require.Equal(t, http.StatusPaymentRequired, missing.Code)

	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, path, superToken(t), map[string]any{"kind": "scanned"}).Code)
}

func TestCreateUser(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/v0/admin/users", superToken(t), map[string]any{"channel_id": "wa:+4915100", "display_name": "Ana"})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decode(t, rec)
	require.Equal(t, "trial", body["plan"])
	require.Equal(t, "trialing", body["subscription_status"])

	dup := s.do(t, http.MethodPost, "/v0/admin/users", superToken(t), map[string]any{"channel_id": "wa:+4915100", "plan": "lite"})
	require.Equal(t, http.StatusConflict, dup.Code)

	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v0/admin/users", superToken(t), map[string]any{"channel_id": "x", "plan": "gold"}).Code)
	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/v0/admin/users", superToken(t), map[string]any{"channel_id": " "}).Code)
}

func TestListPlans(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/v0/admin/plans", superToken(t), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode(t, rec)["plans"].([]any)
	require.Len(t, listed, len(models.AllPlans))
	limits := map[string]float64{}
	for _, item := range listed {
		entry := item.(map[string]any)
		limits[entry["plan"].(string)] = entry["limit"].(float64)
	}
	require.Equal(t, map[string]float64{"free": 0, "trial": 5, "lite": 30, "pro": 100}, limits)
}
