package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/loomdb/loom/internal/backup"
	"github.com/loomdb/loom/internal/errors"
	"github.com/loomdb/loom/internal/logging"
	"github.com/loomdb/loom/internal/query"
	"github.com/loomdb/loom/internal/surface"
	"github.com/loomdb/loom/internal/tablestore"
	"github.com/loomdb/loom/pkg/types"
)

// identityHeader names the caller for surface execution context.
const identityHeader = "X-Loom-Identity"

// Tenant bundles the per-tenant components the API operates on.
type Tenant struct {
	Store   tablestore.Store
	Surface *surface.Generator
	Dumper  *backup.Dumper
	Loader  surface.Loader
}

// TenantResolver resolves a tenant name to its components, creating the
// namespace on first use.
type TenantResolver func(ctx context.Context, name string) (Tenant, error)

// Handler serves the table store and query surface over HTTP.
type Handler struct {
	resolve TenantResolver
	logger  logging.Logger
}

// NewRouter builds the API router with the default middleware chain.
func NewRouter(resolve TenantResolver, logger logging.Logger) *mux.Router {
	h := &Handler{resolve: resolve, logger: logger}

	r := mux.NewRouter()
	r.Use(RecoveryMiddleware, RequestIDMiddleware, ContentTypeMiddleware)

	v1 := r.PathPrefix("/v1/{tenant}").Subrouter()
	v1.HandleFunc("/tables", h.createTable).Methods(http.MethodPost)
	v1.HandleFunc("/tables", h.listTables).Methods(http.MethodGet)
	v1.HandleFunc("/tables/{table}", h.defineTable).Methods(http.MethodGet)
	v1.HandleFunc("/tables/{table}", h.redefineTable).Methods(http.MethodPut)
	v1.HandleFunc("/tables/{table}", h.dropTable).Methods(http.MethodDelete)
	v1.HandleFunc("/tables/{table}/records", h.listRecords).Methods(http.MethodGet)
	v1.HandleFunc("/tables/{table}/records", h.addRecord).Methods(http.MethodPost)
	v1.HandleFunc("/tables/{table}/records/{id}", h.getRecord).Methods(http.MethodGet)
	v1.HandleFunc("/tables/{table}/records/{id}", h.putRecord).Methods(http.MethodPut)
	v1.HandleFunc("/tables/{table}/records/{id}", h.delRecord).Methods(http.MethodDelete)
	v1.HandleFunc("/tables/{table}/search", h.search).Methods(http.MethodPost)
	v1.HandleFunc("/tables/{table}/batch", h.batch).Methods(http.MethodPost)
	v1.HandleFunc("/types", h.declareTypes).Methods(http.MethodPost)
	v1.HandleFunc("/graphql", h.graphql).Methods(http.MethodPost)
	v1.HandleFunc("/backup", h.dump).Methods(http.MethodPost)
	v1.HandleFunc("/restore", h.restore).Methods(http.MethodPost)

	return r
}

func (h *Handler) tenant(w http.ResponseWriter, r *http.Request) (Tenant, bool) {
	name := mux.Vars(r)["tenant"]
	tenant, err := h.resolve(r.Context(), name)
	if err != nil {
		writeFailure(w, r, err)
		return Tenant{}, false
	}
	return tenant, true
}

func (h *Handler) table(w http.ResponseWriter, r *http.Request) (tablestore.Table, bool) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return nil, false
	}
	table, err := tenant.Store.Table(r.Context(), mux.Vars(r)["table"])
	if err != nil {
		writeFailure(w, r, err)
		return nil, false
	}
	return table, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("invalid request body: %v", err),
			RequestID: GetRequestID(r.Context()),
		})
		return false
	}
	return true
}

func (h *Handler) createTable(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var schema types.TableSchema
	if !decodeBody(w, r, &schema) {
		return
	}
	created, err := tenant.Store.Create(r.Context(), schema)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	tenant.Surface.Invalidate()
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) listTables(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	schemas, err := tenant.Store.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if schemas == nil {
		schemas = []types.TableSchema{}
	}
	writeJSON(w, http.StatusOK, schemas)
}

func (h *Handler) defineTable(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	schema, err := tenant.Store.Define(r.Context(), mux.Vars(r)["table"])
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, schema)
}

func (h *Handler) redefineTable(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var schema types.TableSchema
	if !decodeBody(w, r, &schema) {
		return
	}
	applied, err := tenant.Store.Redefine(r.Context(), mux.Vars(r)["table"], schema)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	tenant.Surface.Invalidate()
	writeJSON(w, http.StatusOK, applied)
}

func (h *Handler) dropTable(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	if err := tenant.Store.Drop(r.Context(), mux.Vars(r)["table"]); err != nil {
		writeFailure(w, r, err)
		return
	}
	tenant.Surface.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

// DeclareRequest carries an externally authored type declaration.
type DeclareRequest struct {
	Declaration string   `json:"declaration"`
	Stubs       []string `json:"stubs,omitempty"`
}

func (h *Handler) declareTypes(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req DeclareRequest
	if !decodeBody(w, r, &req) {
		return
	}
	schemas, err := tenant.Surface.RegisterTypes(r.Context(), req.Declaration, req.Stubs)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, schemas)
}

func (h *Handler) listRecords(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	var filter map[string]interface{}
	if raw := r.URL.Query().Get("filter"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &filter); err != nil {
			writeFailure(w, r, errors.Malformed(errors.CategoryQuery, "invalid filter: %v", err))
			return
		}
	}
	records, err := table.All(r.Context(), filter)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *Handler) addRecord(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	var rec types.Record
	if !decodeBody(w, r, &rec) {
		return
	}
	created, err := table.Add(r.Context(), rec)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getRecord(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	rec, err := table.One(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) putRecord(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	var rec types.Record
	if !decodeBody(w, r, &rec) {
		return
	}
	updated, err := table.Put(r.Context(), mux.Vars(r)["id"], rec)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *Handler) delRecord(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	if err := table.Del(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SearchRequest mirrors the table search parameters on the wire.
type SearchRequest struct {
	Skip       int                    `json:"skip,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
	Query      map[string]interface{} `json:"query,omitempty"`
	Sort       string                 `json:"sort,omitempty"`
	Projection []string               `json:"projection,omitempty"`
}

func (h *Handler) search(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	var req SearchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	opts := tablestore.SearchOptions{
		Skip:       req.Skip,
		Limit:      req.Limit,
		Sort:       req.Sort,
		Projection: req.Projection,
	}
	if len(req.Query) > 0 {
		q, err := query.Parse(req.Query)
		if err != nil {
			writeFailure(w, r, err)
			return
		}
		opts.Query = q
	}
	records, err := table.Search(r.Context(), opts)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// BatchRequest carries the ordered operations of one batch.
type BatchRequest struct {
	Operations []tablestore.BatchOp `json:"operations"`
}

func (h *Handler) batch(w http.ResponseWriter, r *http.Request) {
	table, ok := h.table(w, r)
	if !ok {
		return
	}
	var req BatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := table.Batch(r.Context(), req.Operations); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GraphQLRequest is a standard query document request.
type GraphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

func (h *Handler) graphql(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req GraphQLRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := tenant.Surface.Execute(r.Context(), req.Query, req.Variables, surface.ExecContext{
		Identity: r.Header.Get(identityHeader),
		Loader:   tenant.Loader,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// BackupRequest selects the object prefix a dump is written to or read
// from.
type BackupRequest struct {
	Prefix string `json:"prefix"`
}

func (h *Handler) dump(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req BackupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := tenant.Dumper.Dump(r.Context(), req.Prefix); err != nil {
		writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) restore(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenant(w, r)
	if !ok {
		return
	}
	var req BackupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := tenant.Dumper.Restore(r.Context(), req.Prefix); err != nil {
		writeFailure(w, r, err)
		return
	}
	tenant.Surface.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}
