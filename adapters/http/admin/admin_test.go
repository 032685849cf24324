package admin_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/artpar/featuregate/adapters/clock"
	"github.com/artpar/featuregate/adapters/hasher"
	"github.com/artpar/featuregate/adapters/http/admin"
	"github.com/artpar/featuregate/adapters/idgen"
	"github.com/artpar/featuregate/adapters/memory"
	"github.com/artpar/featuregate/app"
	"github.com/artpar/featuregate/core/events"
	"github.com/artpar/featuregate/domain/feature"
	"github.com/artpar/featuregate/pkg/jsonapi"
	"github.com/rs/zerolog"
)

const testToken = "s3cret-admin-token"

type fixture struct {
	handler   http.Handler
	admin     *admin.Handler
	overrides *memory.OverrideStore
	flow      *app.AdminFlow
}

func setupHandler(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewFakeDate(2025, time.January, 15)
	logger := zerolog.Nop()
	bus := events.NewBus(logger)

	features := memory.NewFeatureStore()
	overrides := memory.NewOverrideStore(features)
	tenants := memory.NewTenantStore()

	catalog := app.NewCatalog(features, tenants, clk, bus, logger)
	flow := app.NewAdminFlow(features, overrides, idgen.NewSequential("ovr"), clk, bus, logger, nil)

	if _, err := catalog.PutFeature(context.Background(), feature.Flag{
		Key:        "sales_module",
		PlanAccess: map[string]bool{"Standard": true, "Platinum": true},
	}); err != nil {
		t.Fatalf("seed feature: %v", err)
	}

	h := admin.NewHandler(admin.Deps{
		Catalog:   catalog,
		Flow:      flow,
		Hasher:    hasher.Plain{},
		TokenHash: testToken,
		Clock:     clk,
		Logger:    logger,
	})
	t.Cleanup(flow.Wait)

	return &fixture{handler: h.Router(), admin: h, overrides: overrides, flow: flow}
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

type resourceDoc struct {
	Data jsonapi.Resource `json:"data"`
}

type collectionDoc struct {
	Data []jsonapi.Resource `json:"data"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	doc := decode[jsonapi.Document](t, rec)
	if len(doc.Errors) == 0 {
		t.Fatalf("no errors in %s", rec.Body.String())
	}
	return doc.Errors[0].Code
}

func TestAuthMiddleware(t *testing.T) {
	fx := setupHandler(t)

	tests := []struct {
		name       string
		token      string
		wantStatus int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"wrong token", "guess", http.StatusUnauthorized},
		{"valid token", testToken, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, fx.handler, "GET", "/features", nil, tt.token)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestSetTokenHash(t *testing.T) {
	fx := setupHandler(t)

	fx.admin.SetTokenHash("rotated")

	if rec := doRequest(t, fx.handler, "GET", "/features", nil, testToken); rec.Code != http.StatusUnauthorized {
		t.Errorf("old token status = %d, want 401", rec.Code)
	}
	if rec := doRequest(t, fx.handler, "GET", "/features", nil, "rotated"); rec.Code != http.StatusOK {
		t.Errorf("new token status = %d, want 200", rec.Code)
	}
}

func TestEmptyTokenHashRejectsEverything(t *testing.T) {
	fx := setupHandler(t)
	fx.admin.SetTokenHash("")

	if rec := doRequest(t, fx.handler, "GET", "/features", nil, "anything"); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestFeatures_CRUD(t *testing.T) {
	fx := setupHandler(t)

	// Create
	rec := doRequest(t, fx.handler, "PUT", "/features/reports", admin.FeatureRequest{
		Description: "Reporting",
		Default:     true,
	}, testToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}

	// Replace
	rec = doRequest(t, fx.handler, "PUT", "/features/reports", admin.FeatureRequest{
		Default:    false,
		PlanAccess: map[string]bool{"Platinum": true},
	}, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[resourceDoc](t, rec)
	if got.Data.Attributes["default"] != false {
		t.Errorf("default = %v, want false", got.Data.Attributes["default"])
	}

	// List
	rec = doRequest(t, fx.handler, "GET", "/features", nil, testToken)
	list := decode[collectionDoc](t, rec)
	if len(list.Data) != 2 {
		t.Errorf("len(features) = %d, want 2", len(list.Data))
	}

	// Delete
	if rec := doRequest(t, fx.handler, "DELETE", "/features/reports", nil, testToken); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := doRequest(t, fx.handler, "GET", "/features/reports", nil, testToken); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestFeatures_Errors(t *testing.T) {
	fx := setupHandler(t)

	rec := doRequest(t, fx.handler, "PUT", "/features/Bad%20Key", admin.FeatureRequest{}, testToken)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("invalid key status = %d, want 422", rec.Code)
	}

	grant := doRequest(t, fx.handler, "POST", "/overrides", admin.GrantRequest{
		TenantID:   "pharmacy-1",
		FeatureKey: "sales_module",
	}, testToken)
	if grant.Code != http.StatusCreated {
		t.Fatalf("grant status = %d: %s", grant.Code, grant.Body.String())
	}

	rec = doRequest(t, fx.handler, "DELETE", "/features/sales_module", nil, testToken)
	if rec.Code != http.StatusConflict || errorCode(t, rec) != "feature_in_use" {
		t.Errorf("delete in use = %d %s", rec.Code, rec.Body.String())
	}
}

func TestTenants(t *testing.T) {
	fx := setupHandler(t)

	rec := doRequest(t, fx.handler, "PUT", "/tenants/acme", admin.TenantRequest{Plan: "Standard"}, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, fx.handler, "GET", "/tenants/acme", nil, testToken)
	got := decode[resourceDoc](t, rec)
	if got.Data.Attributes["plan"] != "Standard" {
		t.Errorf("plan = %v", got.Data.Attributes["plan"])
	}

	rec = doRequest(t, fx.handler, "PUT", "/tenants/acme", admin.TenantRequest{}, testToken)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty plan status = %d, want 422", rec.Code)
	}

	if rec := doRequest(t, fx.handler, "GET", "/tenants/nobody", nil, testToken); rec.Code != http.StatusNotFound {
		t.Errorf("missing tenant status = %d, want 404", rec.Code)
	}
}

func TestOverrides_GrantEditRevoke(t *testing.T) {
	fx := setupHandler(t)

	rec := doRequest(t, fx.handler, "POST", "/overrides", admin.GrantRequest{
		TenantID:      "pharmacy-1",
		FeatureKey:    "sales_module",
		WindowRequest: admin.WindowRequest{StartDate: "2025-01-01", ExpiryDate: "2025-01-31"},
	}, testToken)
	if rec.Code != http.StatusCreated {
		t.Fatalf("grant status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[resourceDoc](t, rec).Data
	if created.Attributes["enabled"] != true || created.Attributes["created_by"] != "admin" {
		t.Errorf("created = %+v", created.Attributes)
	}

	// List shows the override as active on Jan 15
	rec = doRequest(t, fx.handler, "GET", "/tenants/pharmacy-1/overrides", nil, testToken)
	list := decode[collectionDoc](t, rec)
	if len(list.Data) != 1 || list.Data[0].Meta["status"] != "active" || list.Data[0].Meta["pending"] != false {
		t.Fatalf("list = %+v", list.Data)
	}

	// Edit
	rec = doRequest(t, fx.handler, "PATCH", "/overrides/"+created.ID, admin.WindowRequest{
		StartDate:  "2025-02-01",
		ExpiryDate: "2025-02-28",
	}, testToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("edit status = %d: %s", rec.Code, rec.Body.String())
	}
	edited := decode[resourceDoc](t, rec).Data
	if edited.Attributes["start_date"] != "2025-02-01" {
		t.Errorf("edited start = %v", edited.Attributes["start_date"])
	}

	// Revoke twice, both succeed
	for i := 0; i < 2; i++ {
		if rec := doRequest(t, fx.handler, "DELETE", "/overrides/"+created.ID, nil, testToken); rec.Code != http.StatusNoContent {
			t.Errorf("revoke #%d status = %d", i+1, rec.Code)
		}
	}
	if fx.overrides.Count() != 0 {
		t.Errorf("store still has %d overrides", fx.overrides.Count())
	}
}

func TestOverrides_Errors(t *testing.T) {
	fx := setupHandler(t)

	first := doRequest(t, fx.handler, "POST", "/overrides", admin.GrantRequest{
		TenantID:      "pharmacy-1",
		FeatureKey:    "sales_module",
		WindowRequest: admin.WindowRequest{StartDate: "2025-01-01", ExpiryDate: "2025-01-31"},
	}, testToken)
	if first.Code != http.StatusCreated {
		t.Fatalf("grant status = %d", first.Code)
	}

	tests := []struct {
		name       string
		method     string
		path       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{
			name:   "overlapping window",
			method: "POST", path: "/overrides",
			body: admin.GrantRequest{TenantID: "pharmacy-1", FeatureKey: "sales_module",
				WindowRequest: admin.WindowRequest{StartDate: "2025-01-20", ExpiryDate: "2025-02-20"}},
			wantStatus: http.StatusConflict, wantCode: "overlapping_window",
		},
		{
			name:   "inverted window",
			method: "POST", path: "/overrides",
			body: admin.GrantRequest{TenantID: "pharmacy-1", FeatureKey: "sales_module",
				WindowRequest: admin.WindowRequest{StartDate: "2025-03-01", ExpiryDate: "2025-02-01"}},
			wantStatus: http.StatusBadRequest, wantCode: "invalid_window",
		},
		{
			name:   "malformed date",
			method: "POST", path: "/overrides",
			body: admin.GrantRequest{TenantID: "pharmacy-1", FeatureKey: "sales_module",
				WindowRequest: admin.WindowRequest{StartDate: "01/03/2025"}},
			wantStatus: http.StatusUnprocessableEntity, wantCode: "validation_error",
		},
		{
			name:   "unknown feature",
			method: "POST", path: "/overrides",
			body:       admin.GrantRequest{TenantID: "pharmacy-1", FeatureKey: "teleportation"},
			wantStatus: http.StatusNotFound, wantCode: "unknown_feature",
		},
		{
			name:   "missing tenant",
			method: "POST", path: "/overrides",
			body:       admin.GrantRequest{FeatureKey: "sales_module"},
			wantStatus: http.StatusUnprocessableEntity, wantCode: "validation_error",
		},
		{
			name:   "edit missing override",
			method: "PATCH", path: "/overrides/nope",
			body:       admin.WindowRequest{},
			wantStatus: http.StatusNotFound, wantCode: "not_found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, fx.handler, tt.method, tt.path, tt.body, testToken)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if code := errorCode(t, rec); code != tt.wantCode {
				t.Errorf("code = %s, want %s", code, tt.wantCode)
			}
		})
	}

	if fx.overrides.Count() != 1 {
		t.Errorf("rejected requests changed the store: %d overrides", fx.overrides.Count())
	}
}

func TestOverrides_ForcedDenyAndActor(t *testing.T) {
	fx := setupHandler(t)
	disabled := false

	req := httptest.NewRequest("POST", "/overrides", bytes.NewBufferString(
		`{"tenant_id":"pharmacy-2","feature_key":"sales_module","enabled":false}`))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("X-Actor", "ops@example.com")
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[resourceDoc](t, rec).Data
	if got.Attributes["enabled"] != disabled {
		t.Errorf("enabled = %v, want false", got.Attributes["enabled"])
	}
	if got.Attributes["created_by"] != "ops@example.com" {
		t.Errorf("created_by = %v", got.Attributes["created_by"])
	}
}
