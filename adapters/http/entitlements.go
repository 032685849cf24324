package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/artpar/featuregate/app"
	"github.com/artpar/featuregate/domain/entitlement"
	"github.com/artpar/featuregate/domain/override"
	"github.com/artpar/featuregate/pkg/jsonapi"
	"github.com/artpar/featuregate/ports"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Resolver is the read side the entitlement endpoints need.
type Resolver interface {
	Resolve(ctx context.Context, tenant entitlement.Tenant, featureKey string, asOf time.Time) (entitlement.Decision, error)
	ResolveAll(ctx context.Context, tenant entitlement.Tenant, asOf time.Time) ([]entitlement.Decision, error)
}

// DecisionAttributes documents the attributes of a "decisions" resource.
// Responses carry it inside a JSON:API document.
type DecisionAttributes struct {
	TenantID   string `json:"tenant_id" example:"acme"`
	Plan       string `json:"plan" example:"Standard"`
	FeatureKey string `json:"feature_key" example:"sales_module"`
	Allowed    bool   `json:"allowed" example:"true"`
	Reason     string `json:"reason" example:"PLAN_DEFAULT"`
	AsOf       string `json:"as_of" example:"2025-01-15"`
}

// CreateSessionRequest is the body of POST /api/v1/sessions.
type CreateSessionRequest struct {
	TenantID string `json:"tenant_id" example:"acme"`
	Plan     string `json:"plan,omitempty" example:"Standard"`
}

// EntitlementHandler serves decisions and resolution sessions.
type EntitlementHandler struct {
	resolver Resolver
	tenants  ports.TenantDirectory
	sessions *app.Sessions
	clock    ports.Clock
	logger   zerolog.Logger
}

// NewEntitlementHandler creates the handler. sessions may be nil, which
// disables the session endpoints.
func NewEntitlementHandler(
	resolver Resolver,
	tenants ports.TenantDirectory,
	sessions *app.Sessions,
	clock ports.Clock,
	logger zerolog.Logger,
) *EntitlementHandler {
	return &EntitlementHandler{
		resolver: resolver,
		tenants:  tenants,
		sessions: sessions,
		clock:    clock,
		logger:   logger.With().Str("handler", "entitlements").Logger(),
	}
}

// RegisterRoutes mounts the handler's routes on r.
func (h *EntitlementHandler) RegisterRoutes(r chi.Router) {
	r.Get("/tenants/{tenantID}/features", h.ResolveAll)
	r.Get("/tenants/{tenantID}/features/{key}", h.Resolve)

	if h.sessions == nil {
		return
	}
	r.Post("/sessions", h.CreateSession)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Delete("/", h.DeleteSession)
		r.Get("/features/{key}", h.CheckSession)
		r.Delete("/features/{key}", h.InvalidateFeature)
		r.Delete("/features", h.InvalidateSession)
	})
}

// Resolve returns one decision.
//
//	@Summary		Check a feature for a tenant
//	@Description	Resolves access using overrides, the plan matrix and the global default. Unknown features are denied with reason UNKNOWN_FEATURE.
//	@Tags			Entitlements
//	@Produce		json
//	@Param			tenantID	path		string	true	"Tenant ID"
//	@Param			key			path		string	true	"Feature key"
//	@Param			as_of		query		string	false	"Day to resolve at (YYYY-MM-DD, default today UTC)"
//	@Param			plan		query		string	false	"Plan to use instead of the directory entry"
//	@Success		200			{object}	jsonapi.Document{data=jsonapi.Resource{attributes=DecisionAttributes}}
//	@Failure		400			{object}	jsonapi.Document
//	@Failure		404			{object}	jsonapi.Document
//	@Failure		503			{object}	jsonapi.Document	"Store unavailable, access denied"
//	@Router			/api/v1/tenants/{tenantID}/features/{key} [get]
func (h *EntitlementHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.asOf(w, r)
	if !ok {
		return
	}
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	d, err := h.resolver.Resolve(r.Context(), tenant, chi.URLParam(r, "key"), asOf)
	if err != nil {
		h.writeResolveError(w, tenant, d, err)
		return
	}
	jsonapi.WriteResource(w, http.StatusOK, decisionResource(tenant, d, asOf))
}

// ResolveAll returns a decision for every registered feature.
//
//	@Summary		List a tenant's entitlements
//	@Tags			Entitlements
//	@Produce		json
//	@Param			tenantID	path		string	true	"Tenant ID"
//	@Param			as_of		query		string	false	"Day to resolve at (YYYY-MM-DD)"
//	@Param			plan		query		string	false	"Plan to use instead of the directory entry"
//	@Success		200			{object}	jsonapi.Document{data=[]jsonapi.Resource{attributes=DecisionAttributes}}
//	@Failure		503			{object}	jsonapi.Document
//	@Router			/api/v1/tenants/{tenantID}/features [get]
func (h *EntitlementHandler) ResolveAll(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.asOf(w, r)
	if !ok {
		return
	}
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}

	decisions, err := h.resolver.ResolveAll(r.Context(), tenant, asOf)
	if err != nil {
		h.writeResolveError(w, tenant, entitlement.Decision{}, err)
		return
	}

	resources := make([]jsonapi.Resource, 0, len(decisions))
	for _, d := range decisions {
		resources = append(resources, decisionResource(tenant, d, asOf))
	}
	jsonapi.WriteCollection(w, http.StatusOK, resources)
}

// CreateSession opens a resolution session bound to a tenant.
//
//	@Summary		Open a session
//	@Tags			Sessions
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateSessionRequest	true	"Tenant"
//	@Success		201		{object}	jsonapi.Document
//	@Failure		400		{object}	jsonapi.Document
//	@Failure		404		{object}	jsonapi.Document
//	@Router			/api/v1/sessions [post]
func (h *EntitlementHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonapi.WriteBadRequest(w, "Invalid JSON body")
		return
	}
	if req.TenantID == "" {
		jsonapi.WriteError(w, jsonapi.ErrValidation("tenant_id", "tenant_id is required"))
		return
	}

	tenant := entitlement.Tenant{ID: req.TenantID, Plan: req.Plan}
	if tenant.Plan == "" {
		t, err := h.tenants.Get(r.Context(), req.TenantID)
		if err != nil {
			h.writeTenantError(w, err)
			return
		}
		tenant = t
	}

	s := h.sessions.Create(tenant)
	jsonapi.WriteCreated(w, sessionResource(s), sessionPath(s))
}

// GetSession returns a session and its resolved decisions.
//
//	@Summary		Get a session
//	@Tags			Sessions
//	@Produce		json
//	@Param			sessionID	path		string	true	"Session ID"
//	@Success		200			{object}	jsonapi.Document
//	@Failure		404			{object}	jsonapi.Document
//	@Router			/api/v1/sessions/{sessionID} [get]
func (h *EntitlementHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	jsonapi.WriteLinked(w, http.StatusOK, sessionResource(s), sessionPath(s))
}

// DeleteSession closes a session.
//
//	@Summary		Close a session
//	@Tags			Sessions
//	@Param			sessionID	path	string	true	"Session ID"
//	@Success		204
//	@Failure		404	{object}	jsonapi.Document
//	@Router			/api/v1/sessions/{sessionID} [delete]
func (h *EntitlementHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if !h.sessions.Delete(chi.URLParam(r, "sessionID")) {
		jsonapi.WriteNotFound(w, "Session")
		return
	}
	jsonapi.WriteNoContent(w)
}

// CheckSession resolves a feature through the session cache. Concurrent
// checks of the same feature share one resolution.
//
//	@Summary		Check a feature within a session
//	@Tags			Sessions
//	@Produce		json
//	@Param			sessionID	path		string	true	"Session ID"
//	@Param			key			path		string	true	"Feature key"
//	@Success		200			{object}	jsonapi.Document{data=jsonapi.Resource{attributes=DecisionAttributes}}
//	@Failure		404			{object}	jsonapi.Document
//	@Failure		503			{object}	jsonapi.Document
//	@Failure		504			{object}	jsonapi.Document
//	@Router			/api/v1/sessions/{sessionID}/features/{key} [get]
func (h *EntitlementHandler) CheckSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}

	resolution, err := s.Cache.CheckResolution(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		h.writeResolveError(w, s.Tenant(), resolution.Decision, err)
		return
	}

	res := decisionResource(s.Tenant(), resolution.Decision, resolution.ResolvedAt)
	res.Meta = jsonapi.Meta{"session_id": s.ID}
	jsonapi.WriteLinked(w, http.StatusOK, res, r.URL.Path)
}

// InvalidateFeature drops one cached decision.
//
//	@Summary		Invalidate one cached decision
//	@Tags			Sessions
//	@Param			sessionID	path	string	true	"Session ID"
//	@Param			key			path	string	true	"Feature key"
//	@Success		204
//	@Router			/api/v1/sessions/{sessionID}/features/{key} [delete]
func (h *EntitlementHandler) InvalidateFeature(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Cache.Invalidate(chi.URLParam(r, "key"))
	jsonapi.WriteNoContent(w)
}

// InvalidateSession drops every cached decision of a session.
//
//	@Summary		Invalidate a session's cache
//	@Tags			Sessions
//	@Param			sessionID	path	string	true	"Session ID"
//	@Success		204
//	@Router			/api/v1/sessions/{sessionID}/features [delete]
func (h *EntitlementHandler) InvalidateSession(w http.ResponseWriter, r *http.Request) {
	s, ok := h.session(w, r)
	if !ok {
		return
	}
	s.Cache.InvalidateAll()
	jsonapi.WriteNoContent(w)
}

func (h *EntitlementHandler) session(w http.ResponseWriter, r *http.Request) (*app.Session, bool) {
	s, ok := h.sessions.Get(chi.URLParam(r, "sessionID"))
	if !ok {
		jsonapi.WriteNotFound(w, "Session")
	}
	return s, ok
}

// asOf parses the as_of query parameter, defaulting to now.
func (h *EntitlementHandler) asOf(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	raw := r.URL.Query().Get("as_of")
	if raw == "" {
		return h.clock.Now(), true
	}
	d, err := override.ParseDate(raw)
	if err != nil {
		jsonapi.WriteError(w, jsonapi.NewError(http.StatusBadRequest, "invalid_date", "Invalid Date").
			Detail("as_of must be formatted YYYY-MM-DD").
			Parameter("as_of").
			Build())
		return time.Time{}, false
	}
	return *d, true
}

// tenant resolves the tenant from the plan query parameter or the directory.
func (h *EntitlementHandler) tenant(w http.ResponseWriter, r *http.Request) (entitlement.Tenant, bool) {
	id := chi.URLParam(r, "tenantID")
	if plan := r.URL.Query().Get("plan"); plan != "" {
		return entitlement.Tenant{ID: id, Plan: plan}, true
	}
	t, err := h.tenants.Get(r.Context(), id)
	if err != nil {
		h.writeTenantError(w, err)
		return entitlement.Tenant{}, false
	}
	return t, true
}

func (h *EntitlementHandler) writeTenantError(w http.ResponseWriter, err error) {
	if errors.Is(err, ports.ErrNotFound) {
		jsonapi.WriteNotFound(w, "Tenant")
		return
	}
	h.logger.Error().Err(err).Msg("tenant lookup failed")
	jsonapi.WriteError(w, jsonapi.ErrServiceUnavailable("Tenant directory unavailable"))
}

// writeResolveError reports a failed resolution. The body always states
// that access is denied.
func (h *EntitlementHandler) writeResolveError(w http.ResponseWriter, tenant entitlement.Tenant, d entitlement.Decision, err error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		jsonapi.WriteError(w, jsonapi.NewError(http.StatusGatewayTimeout, "timeout", "Gateway Timeout").
			Detail("Resolution did not finish in time").
			Meta("allowed", false).
			Build())
	default:
		h.logger.Warn().Err(err).
			Str("tenant_id", tenant.ID).
			Str("feature", d.FeatureKey).
			Msg("resolution failed, denying")
		jsonapi.WriteError(w, jsonapi.NewError(http.StatusServiceUnavailable, "upstream_unavailable", "Service Unavailable").
			Detail("Entitlement store unavailable; access denied").
			Meta("allowed", false).
			Build())
	}
}

func decisionResource(tenant entitlement.Tenant, d entitlement.Decision, asOf time.Time) jsonapi.Resource {
	return jsonapi.NewResource("decisions", tenant.ID+":"+d.FeatureKey).
		Attr("tenant_id", tenant.ID).
		Attr("plan", tenant.Plan).
		Attr("feature_key", d.FeatureKey).
		Attr("allowed", d.Allowed).
		Attr("reason", string(d.Reason)).
		Attr("as_of", asOf.UTC().Format(override.DateLayout)).
		Build()
}

func sessionResource(s *app.Session) jsonapi.Resource {
	decisions := make(map[string]map[string]any)
	for key, r := range s.Cache.Snapshot() {
		decisions[key] = map[string]any{
			"allowed": r.Allowed,
			"reason":  string(r.Reason),
			"as_of":   r.ResolvedAt.UTC().Format(override.DateLayout),
		}
	}
	return jsonapi.NewResource("sessions", s.ID).
		Link(sessionPath(s)).
		Attr("tenant_id", s.Tenant().ID).
		Attr("plan", s.Tenant().Plan).
		Attr("created_at", s.CreatedAt.UTC().Format(time.RFC3339)).
		Attr("decisions", decisions).
		Build()
}

func sessionPath(s *app.Session) string {
	return "/api/v1/sessions/" + s.ID
}
