package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/relgraph/relgraph/internal/engine"
	"github.com/relgraph/relgraph/internal/types"
)

// consistencyJSON is the wire form of the per-request selector.
type consistencyJSON struct {
	Mode        string `json:"mode"`
	MinRevision int64  `json:"min_revision,omitempty"`
}

func (c *consistencyJSON) toSelector() (*types.Consistency, error) {
	if c == nil {
		return nil, nil
	}
	mode, err := types.ParseConsistencyMode(c.Mode)
	if err != nil {
		return nil, err
	}
	return &types.Consistency{Mode: mode, MinRevision: c.MinRevision}, nil
}

type checkJSON struct {
	Tenant      string           `json:"tenant"`
	Subject     string           `json:"subject"`
	Permission  string           `json:"permission"`
	Object      string           `json:"object"`
	Zookie      string           `json:"zookie,omitempty"`
	Consistency *consistencyJSON `json:"consistency,omitempty"`
	Context     map[string]any   `json:"context,omitempty"`
}

type tupleJSON struct {
	Object   string            `json:"object"`
	Relation string            `json:"relation"`
	Subject  string            `json:"subject"`
	Caveat   *types.CaveatSpec `json:"caveat,omitempty"`
}

func (t tupleJSON) toTuple(tenant string) (types.Tuple, error) {
	obj, err := types.ParseEntityRef(t.Object)
	if err != nil {
		return types.Tuple{}, err
	}
	sub, err := types.ParseSubjectRef(t.Subject)
	if err != nil {
		return types.Tuple{}, err
	}
	return types.Tuple{
		Tenant:   tenant,
		Object:   obj,
		Relation: t.Relation,
		Subject:  sub,
		Caveat:   t.Caveat,
	}, nil
}

type writeJSON struct {
	Tenant  string      `json:"tenant"`
	Adds    []tupleJSON `json:"adds,omitempty"`
	Removes []tupleJSON `json:"removes,omitempty"`
}

type readJSON struct {
	Tenant      string            `json:"tenant"`
	Filter      types.TupleFilter `json:"filter"`
	Zookie      string            `json:"zookie,omitempty"`
	Consistency *consistencyJSON  `json:"consistency,omitempty"`
}

type expandJSON struct {
	Tenant      string           `json:"tenant"`
	Object      string           `json:"object"`
	Permission  string           `json:"permission"`
	Zookie      string           `json:"zookie,omitempty"`
	Consistency *consistencyJSON `json:"consistency,omitempty"`
}

type lookupJSON struct {
	Tenant       string           `json:"tenant"`
	Subject      string           `json:"subject"`
	Permission   string           `json:"permission"`
	ResourceType string           `json:"resource_type"`
	Zookie       string           `json:"zookie,omitempty"`
	Consistency  *consistencyJSON `json:"consistency,omitempty"`
}

func newAPIHandler(eng *engine.Engine, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /v1/check", func(w http.ResponseWriter, r *http.Request) {
		var req checkJSON
		if !decodeBody(w, r, &req) {
			return
		}
		obj, err := types.ParseEntityRef(req.Object)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		sub, err := types.ParseSubjectRef(req.Subject)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		selector, err := req.Consistency.toSelector()
		if err != nil {
			writeError(w, logger, err)
			return
		}
		resp, err := eng.CheckPermission(r.Context(), engine.CheckRequest{
			Tenant:        req.Tenant,
			Subject:       sub,
			Permission:    req.Permission,
			Object:        obj,
			Zookie:        req.Zookie,
			Consistency:   selector,
			CaveatContext: req.Context,
		})
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeBody(w, map[string]any{
			"allowed":  resp.Decision.Allowed(),
			"degraded": resp.Decision.Degraded,
			"zookie":   resp.Zookie,
		})
	})

	mux.HandleFunc("POST /v1/expand", func(w http.ResponseWriter, r *http.Request) {
		var req expandJSON
		if !decodeBody(w, r, &req) {
			return
		}
		obj, err := types.ParseEntityRef(req.Object)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		selector, err := req.Consistency.toSelector()
		if err != nil {
			writeError(w, logger, err)
			return
		}
		resp, err := eng.ExpandPermission(r.Context(), req.Tenant, obj, req.Permission, req.Zookie, selector)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		subjects := make([]string, len(resp.Subjects))
		for i, s := range resp.Subjects {
			subjects[i] = s.String()
		}
		writeBody(w, map[string]any{"subjects": subjects, "zookie": resp.Zookie})
	})

	mux.HandleFunc("POST /v1/lookup-resources", func(w http.ResponseWriter, r *http.Request) {
		var req lookupJSON
		if !decodeBody(w, r, &req) {
			return
		}
		sub, err := types.ParseSubjectRef(req.Subject)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		selector, err := req.Consistency.toSelector()
		if err != nil {
			writeError(w, logger, err)
			return
		}
		resp, err := eng.LookupResources(r.Context(), req.Tenant, sub, req.Permission, req.ResourceType, req.Zookie, selector)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeBody(w, map[string]any{"resource_ids": resp.ResourceIDs, "zookie": resp.Zookie})
	})

	mux.HandleFunc("POST /v1/relationships/write", func(w http.ResponseWriter, r *http.Request) {
		var req writeJSON
		if !decodeBody(w, r, &req) {
			return
		}
		adds, err := toTuples(req.Tenant, req.Adds)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		removes, err := toTuples(req.Tenant, req.Removes)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		zookie, err := eng.WriteRelationships(r.Context(), req.Tenant, adds, removes)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeBody(w, map[string]any{"zookie": zookie})
	})

	mux.HandleFunc("POST /v1/relationships/delete", func(w http.ResponseWriter, r *http.Request) {
		var req readJSON
		if !decodeBody(w, r, &req) {
			return
		}
		zookie, err := eng.DeleteRelationships(r.Context(), req.Tenant, req.Filter)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		writeBody(w, map[string]any{"zookie": zookie})
	})

	mux.HandleFunc("POST /v1/relationships/read", func(w http.ResponseWriter, r *http.Request) {
		var req readJSON
		if !decodeBody(w, r, &req) {
			return
		}
		selector, err := req.Consistency.toSelector()
		if err != nil {
			writeError(w, logger, err)
			return
		}
		tuples, err := eng.ReadRelationships(r.Context(), req.Tenant, req.Filter, req.Zookie, selector)
		if err != nil {
			writeError(w, logger, err)
			return
		}
		out := make([]tupleJSON, len(tuples))
		for i, tup := range tuples {
			out[i] = tupleJSON{
				Object:   tup.Object.String(),
				Relation: tup.Relation,
				Subject:  tup.Subject.String(),
				Caveat:   tup.Caveat,
			}
		}
		writeBody(w, map[string]any{"tuples": out})
	})

	return mux
}

func toTuples(tenant string, in []tupleJSON) ([]types.Tuple, error) {
	out := make([]types.Tuple, 0, len(in))
	for _, tj := range in {
		tup, err := tj.toTuple(tenant)
		if err != nil {
			return nil, err
		}
		out = append(out, tup)
	}
	return out, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		http.Error(w, `{"error":"malformed request body"}`, http.StatusBadRequest)
		return false
	}
	return true
}

func writeBody(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrInvalidRequest), errors.Is(err, types.ErrInvalidZookie):
		status = http.StatusBadRequest
	case types.IsConsistencyTimeout(err):
		status = http.StatusGatewayTimeout
	case errors.Is(err, types.ErrCircuitOpen), errors.Is(err, types.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logger.Error("request failed", zap.Error(err))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
