package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxSimulationBody = 1 << 20

type apiSummary struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	ContextPath    string   `json:"contextPath"`
	Type           string   `json:"type"`
	OrganizationID string   `json:"organizationId,omitempty"`
	Plans          []string `json:"plans"`
	ProductPlans   []string `json:"productPlans,omitempty"`
}

type statusResponse struct {
	Generation int64             `json:"generation"`
	APIs       []apiSummary      `json:"apis"`
	Breakers   map[string]string `json:"breakers"`
}

// adminHandler serves health, metrics, the deployed APIs and dry runs.
func (g *gateway) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", g.metrics.Handler())
	mux.HandleFunc("GET /apis", g.handleAPIs)
	mux.HandleFunc("POST /simulate", g.handleSimulate)
	mux.HandleFunc("POST /reload", g.handleReload)
	return otelhttp.NewHandler(mux, "polis.admin")
}

func (g *gateway) handleAPIs(w http.ResponseWriter, _ *http.Request) {
	apis := g.registry.List()
	resp := statusResponse{
		Generation: g.registry.Generation(),
		APIs:       make([]apiSummary, 0, len(apis)),
		Breakers:   g.breakers.States(),
	}
	for _, api := range apis {
		resp.APIs = append(resp.APIs, summarize(api))
	}
	writeJSON(w, http.StatusOK, resp)
}

func summarize(api *domain.API) apiSummary {
	return apiSummary{
		ID:             api.ID,
		Name:           api.Name,
		ContextPath:    api.ContextPath,
		Type:           string(api.Type),
		OrganizationID: api.OrganizationID,
		Plans:          api.PlanIDs(),
		ProductPlans:   productPlanIDs(api),
	}
}

func productPlanIDs(api *domain.API) []string {
	var ids []string
	for _, p := range api.ProductPlans {
		ids = append(ids, p.ID)
	}
	return ids
}

func (g *gateway) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req engine.SimulationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSimulationBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	resp, err := g.simulator.Simulate(r.Context(), req)
	switch {
	case errors.Is(err, domain.ErrAPINotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (g *gateway) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := g.provider.Reload(); err != nil {
		g.logger.Warn("manual reload failed", slog.Any("error", err))
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	if err := g.apply(r.Context(), g.provider.Current()); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"generation": g.registry.Generation()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
