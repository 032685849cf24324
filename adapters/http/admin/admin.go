// Package admin provides HTTP handlers for the Admin API.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/artpar/featuregate/adapters/metrics"
	"github.com/artpar/featuregate/app"
	"github.com/artpar/featuregate/domain/entitlement"
	"github.com/artpar/featuregate/domain/feature"
	"github.com/artpar/featuregate/domain/override"
	"github.com/artpar/featuregate/pkg/jsonapi"
	"github.com/artpar/featuregate/ports"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler provides admin API endpoints.
type Handler struct {
	catalog *app.Catalog
	flow    *app.AdminFlow
	hasher  ports.Hasher
	clock   ports.Clock
	metrics *metrics.Collector
	logger  zerolog.Logger

	mu        sync.RWMutex
	tokenHash []byte
}

// Deps contains dependencies for the admin handler.
type Deps struct {
	Catalog   *app.Catalog
	Flow      *app.AdminFlow
	Hasher    ports.Hasher
	TokenHash string // Hash of the bearer token; empty rejects every request
	Clock     ports.Clock
	Metrics   *metrics.Collector
	Logger    zerolog.Logger
}

// NewHandler creates a new admin API handler.
func NewHandler(deps Deps) *Handler {
	return &Handler{
		catalog:   deps.Catalog,
		flow:      deps.Flow,
		hasher:    deps.Hasher,
		clock:     deps.Clock,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With().Str("handler", "admin").Logger(),
		tokenHash: []byte(deps.TokenHash),
	}
}

// SetTokenHash replaces the accepted token hash (config reload).
func (h *Handler) SetTokenHash(hash string) {
	h.mu.Lock()
	h.tokenHash = []byte(hash)
	h.mu.Unlock()
}

// Router returns the admin API router.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(h.AuthMiddleware)

	// Features
	r.Get("/features", h.ListFeatures)
	r.Get("/features/{key}", h.GetFeature)
	r.Put("/features/{key}", h.PutFeature)
	r.Delete("/features/{key}", h.DeleteFeature)

	// Tenants
	r.Get("/tenants", h.ListTenants)
	r.Get("/tenants/{tenantID}", h.GetTenant)
	r.Put("/tenants/{tenantID}", h.PutTenant)
	r.Get("/tenants/{tenantID}/overrides", h.ListOverrides)

	// Overrides
	r.Post("/overrides", h.GrantOverride)
	r.Patch("/overrides/{id}", h.EditOverride)
	r.Delete("/overrides/{id}", h.RevokeOverride)

	return r
}

// -----------------------------------------------------------------------------
// Authentication
// -----------------------------------------------------------------------------

// AuthMiddleware requires "Authorization: Bearer <token>" matching the
// configured hash.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			h.metrics.AuthFailure("missing_token")
			jsonapi.WriteError(w, jsonapi.ErrUnauthorized("Bearer token required"))
			return
		}

		h.mu.RLock()
		hash := h.tokenHash
		h.mu.RUnlock()

		if !h.hasher.Compare(hash, token) {
			h.metrics.AuthFailure("invalid_token")
			jsonapi.WriteError(w, jsonapi.ErrUnauthorized("Invalid admin token"))
			return
		}

		actor := r.Header.Get("X-Actor")
		if actor == "" {
			actor = "admin"
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxActorKey, actor)))
	})
}

// Context keys
type ctxKey string

const ctxActorKey ctxKey = "actor"

func actorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxActorKey).(string); ok {
		return v
	}
	return "admin"
}

// -----------------------------------------------------------------------------
// Features API
// -----------------------------------------------------------------------------

// FeatureRequest is the body of PUT /admin/features/{key}.
type FeatureRequest struct {
	Description string          `json:"description"`
	Default     bool            `json:"default"`
	PlanAccess  map[string]bool `json:"plan_access"`
}

// ListFeatures lists every feature.
//
//	@Summary	List features
//	@Tags		Admin
//	@Produce	json
//	@Success	200	{object}	jsonapi.Document
//	@Security	BearerAuth
//	@Router		/admin/features [get]
func (h *Handler) ListFeatures(w http.ResponseWriter, r *http.Request) {
	flags, err := h.catalog.Features(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	resources := make([]jsonapi.Resource, 0, len(flags))
	for _, f := range flags {
		resources = append(resources, featureResource(f))
	}
	jsonapi.WriteCollection(w, http.StatusOK, resources)
}

// GetFeature returns one feature.
//
//	@Summary	Get a feature
//	@Tags		Admin
//	@Produce	json
//	@Param		key	path		string	true	"Feature key"
//	@Success	200	{object}	jsonapi.Document
//	@Failure	404	{object}	jsonapi.Document
//	@Security	BearerAuth
//	@Router		/admin/features/{key} [get]
func (h *Handler) GetFeature(w http.ResponseWriter, r *http.Request) {
	f, err := h.catalog.Feature(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	jsonapi.WriteResource(w, http.StatusOK, featureResource(f))
}

// PutFeature creates or replaces a feature definition.
//
//	@Summary	Create or replace a feature
//	@Tags		Admin
//	@Accept		json
//	@Produce	json
//	@Param		key		path		string			true	"Feature key"
//	@Param		body	body		FeatureRequest	true	"Definition"
//	@Success	200		{object}	jsonapi.Document
//	@Success	201		{object}	jsonapi.Document
//	@Failure	422		{object}	jsonapi.Document
//	@Security	BearerAuth
//	@Router		/admin/features/{key} [put]
func (h *Handler) PutFeature(w http.ResponseWriter, r *http.Request) {
	var req FeatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonapi.WriteBadRequest(w, "Invalid JSON body")
		return
	}

	f := feature.Flag{
		Key:            chi.URLParam(r, "key"),
		Description:    req.Description,
		DefaultEnabled: req.Default,
		PlanAccess:     req.PlanAccess,
	}
	created, err := h.catalog.PutFeature(r.Context(), f)
	if err != nil {
		h.writeError(w, err)
		return
	}

	saved, err := h.catalog.Feature(r.Context(), f.Key)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if created {
		jsonapi.WriteCreated(w, featureResource(saved), "/admin/features/"+f.Key)
		return
	}
	jsonapi.WriteResource(w, http.StatusOK, featureResource(saved))
}

// DeleteFeature removes a feature no override references.
//
//	@Summary	Delete a feature
//	@Tags		Admin
//	@Param		key	path	string	true	"Feature key"
//	@Success	204
//	@Failure	404	{object}	jsonapi.Document
//	@Failure	409	{object}	jsonapi.Document
//	@Security	BearerAuth
//	@Router		/admin/features/{key} [delete]
func (h *Handler) DeleteFeature(w http.ResponseWriter, r *http.Request) {
	if err := h.catalog.DeleteFeature(r.Context(), chi.URLParam(r, "key")); err != nil {
		h.writeError(w, err)
		return
	}
	jsonapi.WriteNoContent(w)
}

func featureResource(f feature.Flag) jsonapi.Resource {
	access := f.PlanAccess
	if access == nil {
		access = map[string]bool{}
	}
	return jsonapi.NewResource("features", f.Key).
		Attr("description", f.Description).
		Attr("default", f.DefaultEnabled).
		Attr("plan_access", access).
		AttrIf(!f.CreatedAt.IsZero(), "created_at", f.CreatedAt).
		AttrIf(!f.UpdatedAt.IsZero(), "updated_at", f.UpdatedAt).
		Build()
}

// -----------------------------------------------------------------------------
// Tenants API
// -----------------------------------------------------------------------------

// TenantRequest is the body of PUT /admin/tenants/{tenantID}.
type TenantRequest struct {
	Plan string `json:"plan"`
}

// ListTenants lists the tenant directory.
//
//	@Summary	List tenants
//	@Tags		Admin
//	@Produce	json
//	@Success	200	{object}	jsonapi.Document
//	@Security	BearerAuth
//	@Router		/admin/tenants [get]
func (h *Handler) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.catalog.Tenants(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	resources := make([]jsonapi.Resource, 0, len(tenants))
	for _, t := range tenants {
		resources = append(resources, tenantResource(t))
	}
	jsonapi.WriteCollection(w, http.StatusOK, resources)
}

// GetTenant returns one tenant.
//
//	@Summary	Get a tenant
//	@Tags		Admin
//	@Produce	json
//	@Param		tenantID	path		string	true	"Tenant ID"
//	@Success	200			{object}	jsonapi.Document
//	@Failure	404			{object}	jsonapi.Document
//	@Security	BearerAuth
//	@Router		/admin/tenants/{tenantID} [get]
func (h *Handler) GetTenant(w http.ResponseWriter, r *http.Request) {
	t, err := h.catalog.Tenant(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	jsonapi.WriteResource(w, http.StatusOK, tenantResource(t))
}

// PutTenant sets a tenant's plan.
//
//	@Summary	Set a tenant's plan
//	@Tags		Admin
//	@Accept		json
//	@Produce	json
//	@Param		tenantID	path		string			true	"Tenant ID"
//	@Param		body		body		TenantRequest	true	"Plan"
//	@Success	200			{object}	jsonapi.Document
//	@Failure	422			{object}	jsonapi.Document
//	@Security	BearerAuth
//	@Router		/admin/tenants/{tenantID} [put]
func (h *Handler) PutTenant(w http.ResponseWriter, r *http.Request) {
	var req TenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonapi.WriteBadRequest(w, "Invalid JSON body")
		return
	}
	t := entitlement.Tenant{ID: chi.URLParam(r, "tenantID"), Plan: req.Plan}
	if err := h.catalog.PutTenant(r.Context(), t); err != nil {
		h.writeError(w, err)
		return
	}
	jsonapi.WriteResource(w, http.StatusOK, tenantResource(t))
}

func tenantResource(t entitlement.Tenant) jsonapi.Resource {
	return jsonapi.NewResource("tenants", t.ID).Attr("plan", t.Plan).Build()
}

// -----------------------------------------------------------------------------
// Overrides API
// -----------------------------------------------------------------------------

// WindowRequest carries window bounds as YYYY-MM-DD. Empty or missing
// bounds are open.
type WindowRequest struct {
	StartDate  string `json:"start_date,omitempty" example:"2025-01-01"`
	ExpiryDate string `json:"expiry_date,omitempty" example:"2025-01-31"`
}

// GrantRequest is the body of POST /admin/overrides.
type GrantRequest struct {
	TenantID   string `json:"tenant_id"`
	FeatureKey string `json:"feature_key"`
	Enabled    *bool  `json:"enabled,omitempty"` // Default true
	CreatedBy  string `json:"created_by,omitempty"`
	WindowRequest
}

// ListOverrides re-fetches and returns a tenant's overrides with their status.
//
//	@Summary	List a tenant's overrides
//	@Tags		Admin
//	@Produce	json
//	@Param		tenantID	path		string	true	"Tenant ID"
//	@Success	200			{object}	jsonapi.Document
//	@Failure	503			{object}	jsonapi.Document
//	@Security	BearerAuth
//	@Router		/admin/tenants/{tenantID}/overrides [get]
func (h *Handler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	entries, err := h.flow.Refresh(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	resources := make([]jsonapi.Resource, 0, len(entries))
	for _, e := range entries {
		res := overrideResource(e.Override)
		res.Meta = jsonapi.Meta{"status": string(e.Status), "pending": e.Pending}
		resources = append(resources, res)
	}
	jsonapi.WriteCollection(w, http.StatusOK, resources)
}

// GrantOverride records a new override.
//
//	@Summary	Grant an override
//	@Tags		Admin
//	@Accept		json
//	@Produce	json
//	@Param		body	body		GrantRequest	true	"Override"
//	@Success	201		{object}	jsonapi.Document
//	@Failure	400		{object}	jsonapi.Document	"Invalid window"
//	@Failure	404		{object}	jsonapi.Document	"Unknown feature"
//	@Failure	409		{object}	jsonapi.Document	"Overlapping window"
//	@Security	BearerAuth
//	@Router		/admin/overrides [post]
func (h *Handler) GrantOverride(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonapi.WriteBadRequest(w, "Invalid JSON body")
		return
	}
	if req.TenantID == "" {
		jsonapi.WriteError(w, jsonapi.ErrValidation("tenant_id", "tenant_id is required"))
		return
	}
	window, ok := parseWindow(w, req.WindowRequest)
	if !ok {
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	createdBy := req.CreatedBy
	if createdBy == "" {
		createdBy = actorFrom(r.Context())
	}

	o, err := h.flow.Grant(r.Context(), app.GrantRequest{
		TenantID:   req.TenantID,
		FeatureKey: req.FeatureKey,
		Enabled:    enabled,
		Window:     window,
		CreatedBy:  createdBy,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	jsonapi.WriteCreated(w, overrideResource(o), "")
}

// EditOverride replaces an override's window.
//
//	@Summary	Replace an override's window
//	@Tags		Admin
//	@Accept		json
//	@Produce	json
//	@Param		id		path		string			true	"Override ID"
//	@Param		body	body		WindowRequest	true	"New window"
//	@Success	200		{object}	jsonapi.Document
//	@Failure	400		{object}	jsonapi.Document
//	@Failure	404		{object}	jsonapi.Document
//	@Failure	409		{object}	jsonapi.Document
//	@Security	BearerAuth
//	@Router		/admin/overrides/{id} [patch]
func (h *Handler) EditOverride(w http.ResponseWriter, r *http.Request) {
	var req WindowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonapi.WriteBadRequest(w, "Invalid JSON body")
		return
	}
	window, ok := parseWindow(w, req)
	if !ok {
		return
	}

	o, err := h.flow.Edit(r.Context(), chi.URLParam(r, "id"), window)
	if err != nil {
		h.writeError(w, err)
		return
	}
	jsonapi.WriteResource(w, http.StatusOK, overrideResource(o))
}

// RevokeOverride deletes an override. Revoking a missing override succeeds.
//
//	@Summary	Revoke an override
//	@Tags		Admin
//	@Param		id	path	string	true	"Override ID"
//	@Success	204
//	@Security	BearerAuth
//	@Router		/admin/overrides/{id} [delete]
func (h *Handler) RevokeOverride(w http.ResponseWriter, r *http.Request) {
	if err := h.flow.Revoke(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, err)
		return
	}
	jsonapi.WriteNoContent(w)
}

func parseWindow(w http.ResponseWriter, req WindowRequest) (override.Window, bool) {
	start, err := override.ParseDate(req.StartDate)
	if err != nil {
		jsonapi.WriteError(w, jsonapi.ErrValidation("start_date", "start_date must be formatted YYYY-MM-DD"))
		return override.Window{}, false
	}
	expiry, err := override.ParseDate(req.ExpiryDate)
	if err != nil {
		jsonapi.WriteError(w, jsonapi.ErrValidation("expiry_date", "expiry_date must be formatted YYYY-MM-DD"))
		return override.Window{}, false
	}
	return override.NewWindow(start, expiry), true
}

func overrideResource(o override.Override) jsonapi.Resource {
	return jsonapi.NewResource("overrides", o.ID).
		Attr("tenant_id", o.TenantID).
		Attr("feature_key", o.FeatureKey).
		Attr("enabled", o.Enabled).
		Attr("start_date", override.FormatDate(o.Window.Start, "")).
		Attr("expiry_date", override.FormatDate(o.Window.Expiry, "")).
		Attr("created_by", o.CreatedBy).
		AttrIf(!o.CreatedAt.IsZero(), "created_at", o.CreatedAt).
		AttrIf(!o.UpdatedAt.IsZero(), "updated_at", o.UpdatedAt).
		Link("/admin/overrides/" + o.ID).
		Build()
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// writeError maps domain errors to JSON:API errors.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, feature.ErrInvalidKey):
		jsonapi.WriteError(w, jsonapi.ErrValidation("key", err.Error()))
	case errors.Is(err, ports.ErrInvalidTenant):
		jsonapi.WriteError(w, jsonapi.ErrValidation("plan", err.Error()))
	case errors.Is(err, ports.ErrInvalidWindow):
		jsonapi.WriteError(w, jsonapi.NewError(http.StatusBadRequest, "invalid_window", "Invalid Window").
			Detail("start_date must not be after expiry_date").
			Build())
	case errors.Is(err, ports.ErrUnknownFeature):
		jsonapi.WriteError(w, jsonapi.NewError(http.StatusNotFound, "unknown_feature", "Unknown Feature").
			Detail(err.Error()).
			Build())
	case errors.Is(err, ports.ErrNotFound):
		jsonapi.WriteError(w, jsonapi.NewError(http.StatusNotFound, "not_found", "Not Found").
			Detail(err.Error()).
			Build())
	case errors.Is(err, ports.ErrOverlappingWindow):
		jsonapi.WriteError(w, jsonapi.ErrConflict("overlapping_window", err.Error()))
	case errors.Is(err, ports.ErrFeatureInUse):
		jsonapi.WriteError(w, jsonapi.ErrConflict("feature_in_use", err.Error()))
	case errors.Is(err, ports.ErrScopeChange):
		jsonapi.WriteError(w, jsonapi.ErrConflict("scope_change", err.Error()))
	case errors.Is(err, ports.ErrUpstreamUnavailable):
		h.logger.Error().Err(err).Msg("store unavailable")
		jsonapi.WriteError(w, jsonapi.ErrServiceUnavailable("Override store unavailable"))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The mutation keeps running after the caller gives up.
		jsonapi.WriteError(w, jsonapi.NewError(http.StatusGatewayTimeout, "timeout", "Gateway Timeout").
			Detail("Request ended before the change was confirmed; it will still be applied or rolled back").
			Build())
	default:
		h.logger.Error().Err(err).Msg("admin request failed")
		jsonapi.WriteError(w, jsonapi.ErrInternal(""))
	}
}
