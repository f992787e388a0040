package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/service"
	"brickledger/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	repo := memory.NewSeeded()
	svc := service.New(repo, service.Options{Logger: logger})
	auth := NewAuthManager("test-secret-key", time.Hour, "123456", repo)

	return New(svc, auth, "*", logger)
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
	t.Helper()

	var body *bytes.Reader
	if payload == nil {
		body = bytes.NewReader(nil)
	} else {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func login(t *testing.T, handler http.Handler, username, password string) string {
	t.Helper()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: username, Password: password})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s failed, status %d (body: %s)", username, rec.Code, rec.Body.String())
	}
	var payload domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode login response failed: %v", err)
	}
	if strings.TrimSpace(payload.AccessToken) == "" {
		t.Fatalf("expected access token in login response")
	}
	return payload.AccessToken
}

func receiveRedBricks(t *testing.T, handler http.Handler, token string, code string, qty int, unitCost string) {
	t.Helper()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/lots", token, map[string]any{
		"code":  code,
		"lines": []map[string]any{{"piece_ref": "3001-RED", "quantity": qty, "unit_cost": unitCost}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("receive lot %s: expected 201, got %d (body: %s)", code, rec.Code, rec.Body.String())
	}
}

func pieceSale(reference string, qty int, net string) map[string]any {
	return map[string]any{
		"reference":         reference,
		"sale_type":         "PIECE",
		"sales_channel":     "market",
		"sale_date":         "2026-10-01",
		"net_seller_amount": net,
		"lines": []map[string]any{
			{"item_kind": "PIECE", "piece_ref": "3001-RED", "quantity": qty, "net_amount": net},
		},
	}
}

func TestHandleHealth(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_WrongPassword(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{Username: "admin", Password: "nope"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	handler := newTestAPI(t).Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/sales", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sales", "not-a-token", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", rec.Code)
	}
}

func TestClerkCannotUseAdminRoutes(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "clerk", "clerk123")

	rec := doJSON(t, handler, http.MethodPut, "/api/v1/pieces/3001-RED", token, map[string]any{"name": "Brick"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for clerk piece upsert, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/sets/S-HOUSE", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected clerk to read sets, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestSaleCreateAndCancelFlow(t *testing.T) {
	handler := newTestAPI(t).Handler()
	admin := login(t, handler, "admin", "admin123")
	clerk := login(t, handler, "clerk", "clerk123")

	receiveRedBricks(t, handler, admin, "LOT-A", 5, "1.00")
	receiveRedBricks(t, handler, admin, "LOT-B", 5, "2.00")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/pieces/3001-RED/allocation-preview?quantity=7", clerk, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("preview: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var preview struct {
		TotalCost string `json:"total_cost"`
		Chunks    []struct {
			Quantity int `json:"quantity"`
		} `json:"chunks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&preview); err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if preview.TotalCost != "9" || len(preview.Chunks) != 2 {
		t.Fatalf("expected 2 chunks costing 9, got %+v", preview)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", clerk, pieceSale("HTTP-1", 7, "20.00"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create sale: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var created domain.CreateSaleResult
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode create result: %v", err)
	}
	if !created.Success || created.SaleID == 0 {
		t.Fatalf("unexpected create result %+v", created)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", clerk, pieceSale("HTTP-1", 7, "20.00"))
	if rec.Code != http.StatusOK {
		t.Fatalf("replayed reference: expected 200, got %d", rec.Code)
	}

	salePath := fmt.Sprintf("/api/v1/sales/%d", created.SaleID)
	rec = doJSON(t, handler, http.MethodGet, salePath, clerk, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get sale: expected 200, got %d", rec.Code)
	}
	var detail domain.SaleDetail
	if err := json.NewDecoder(rec.Body).Decode(&detail); err != nil {
		t.Fatalf("decode sale detail: %v", err)
	}
	if detail.Sale.TotalCostAmount.String() != "9" {
		t.Fatalf("expected total cost 9, got %s", detail.Sale.TotalCostAmount)
	}

	rec = doJSON(t, handler, http.MethodPost, salePath+"/cancel", clerk, map[string]any{"reason": "returned", "manager_pin": "000000"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("cancel with wrong pin: expected 403, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, salePath+"/cancel", clerk, map[string]any{"reason": "returned", "manager_pin": "123456"})
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var cancelled domain.CancelSaleResult
	if err := json.NewDecoder(rec.Body).Decode(&cancelled); err != nil {
		t.Fatalf("decode cancel result: %v", err)
	}
	if !cancelled.OK || cancelled.MovementsCreated != 2 {
		t.Fatalf("unexpected cancel result %+v", cancelled)
	}

	rec = doJSON(t, handler, http.MethodPost, salePath+"/cancel", clerk, map[string]any{"reason": "again", "manager_pin": "123456"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", rec.Code)
	}
}

func TestCreateSaleFailures(t *testing.T) {
	handler := newTestAPI(t).Handler()
	admin := login(t, handler, "admin", "admin123")
	receiveRedBricks(t, handler, admin, "LOT-A", 3, "1.00")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", admin, pieceSale("HTTP-BIG", 4, "8.00"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("oversell: expected 409, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var failed domain.CreateSaleResult
	if err := json.NewDecoder(rec.Body).Decode(&failed); err != nil {
		t.Fatalf("decode failure: %v", err)
	}
	if failed.Success || !strings.Contains(failed.Error, "insufficient stock") {
		t.Fatalf("unexpected failure body %+v", failed)
	}

	bad := pieceSale("HTTP-BAD", 1, "8.00")
	bad["lines"] = []map[string]any{{"item_kind": "PIECE", "piece_ref": "3001-RED", "quantity": 1, "net_amount": "5.00"}}
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/sales", admin, bad)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("mismatched totals: expected 422, got %d", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&failed); err != nil {
		t.Fatalf("decode validation failure: %v", err)
	}
	if len(failed.ValidationErrors) != 1 || failed.ValidationErrors[0].Field != "lines" {
		t.Fatalf("expected one lines validation error, got %+v", failed.ValidationErrors)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/audit/orphan-movements", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("orphan audit: expected 200, got %d", rec.Code)
	}
	var orphans domain.OrphanMovementReport
	if err := json.NewDecoder(rec.Body).Decode(&orphans); err != nil {
		t.Fatalf("decode orphans: %v", err)
	}
	if orphans.Count != 0 {
		t.Fatalf("expected no orphan movements, got %d", orphans.Count)
	}
}

func TestGetSaleRejectsBadID(t *testing.T) {
	handler := newTestAPI(t).Handler()
	token := login(t, handler, "clerk", "clerk123")

	if rec := doJSON(t, handler, http.MethodGet, "/api/v1/sales/abc", token, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric id, got %d", rec.Code)
	}
	if rec := doJSON(t, handler, http.MethodGet, "/api/v1/sales/404", token, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown sale, got %d", rec.Code)
	}
}

func TestCOGSReportFormats(t *testing.T) {
	handler := newTestAPI(t).Handler()
	admin := login(t, handler, "admin", "admin123")
	receiveRedBricks(t, handler, admin, "LOT-A", 3, "1.50")

	if rec := doJSON(t, handler, http.MethodPost, "/api/v1/sales", admin, pieceSale("HTTP-R", 2, "6.00")); rec.Code != http.StatusCreated {
		t.Fatalf("create sale: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/reports/cogs?from=2026-10-01&to=2026-10-31", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("json report: expected 200, got %d", rec.Code)
	}
	var rep domain.CostReport
	if err := json.NewDecoder(rec.Body).Decode(&rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(rep.Sales) != 1 || rep.Sales[0].Sale.TotalCostAmount.String() != "3" {
		t.Fatalf("unexpected report %+v", rep)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/reports/cogs?from=2026-10-01&to=2026-10-31&format=xlsx", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("xlsx report: expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != xlsxContentType {
		t.Fatalf("unexpected content type %q", got)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected workbook bytes")
	}

	if rec := doJSON(t, handler, http.MethodGet, "/api/v1/reports/cogs?format=pdf", admin, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown format: expected 400, got %d", rec.Code)
	}
	if rec := doJSON(t, handler, http.MethodGet, "/api/v1/reports/cogs?from=2026-10-31&to=2026-10-01", admin, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("reversed range: expected 400, got %d", rec.Code)
	}
}

func TestClerkManagement(t *testing.T) {
	handler := newTestAPI(t).Handler()
	admin := login(t, handler, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/users/clerks", admin, domain.ClerkCreateRequest{Username: "counter2", Password: "pass1234"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create clerk: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/users/clerks", admin, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list clerks: expected 200, got %d", rec.Code)
	}
	var payload struct {
		Clerks []domain.ClerkUser `json:"clerks"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode clerks: %v", err)
	}
	if len(payload.Clerks) != 2 {
		t.Fatalf("expected seeded clerk plus counter2, got %+v", payload.Clerks)
	}

	login(t, handler, "counter2", "pass1234")
}
