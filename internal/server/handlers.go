package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/log"
	"github.com/roach88/databroker/internal/mds"
	"github.com/roach88/databroker/internal/query"
	"github.com/roach88/databroker/internal/registry"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// kindParam resolves the {kind} URL parameter to a run document kind.
func kindParam(r *http.Request) (document.Kind, error) {
	name := chi.URLParam(r, "kind")
	kind, err := document.ParseKind(name)
	if err != nil || !kind.IsRunKind() || kind.Collection() != name {
		return "", fmt.Errorf("unknown collection %q", name)
	}
	return kind, nil
}

func (s *Server) handleFind(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	pred, skip, limit, err := parseFindParams(r.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_query", err.Error())
		return
	}

	docs, err := s.store.Find(r.Context(), kind, pred)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, pageOf(docs, skip, limit))
}

// pageOf returns docs[skip:skip+limit], clamped to the slice. A negative
// limit means through the end. The result is never nil.
func pageOf(docs []document.Document, skip, limit int) []document.Document {
	lo := min(skip, len(docs))
	hi := len(docs)
	if limit >= 0 {
		hi = min(lo+limit, hi)
	}
	if lo >= hi {
		return []document.Document{}
	}
	return docs[lo:hi]
}

// parseFindParams reads the query and paging parameters. The query is the
// "query" parameter or, when that is absent, a sole bare parameter whose
// key is the JSON query itself.
func parseFindParams(u *url.URL) (pred query.Predicate, skip, limit int, err error) {
	params := u.Query()
	limit = -1
	if v := params.Get("skip"); v != "" {
		if skip, err = strconv.Atoi(v); err != nil || skip < 0 {
			return nil, 0, 0, fmt.Errorf("skip must be a non-negative integer, got %q", v)
		}
	}
	if v := params.Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			return nil, 0, 0, fmt.Errorf("limit must be a non-negative integer, got %q", v)
		}
	}
	params.Del("skip")
	params.Del("limit")

	raw := params.Get("query")
	if raw == "" {
		params.Del("query")
		if len(params) > 1 {
			return nil, 0, 0, errors.New("expected a single query parameter")
		}
		for key, values := range params {
			if len(values) > 0 && values[0] != "" {
				return nil, 0, 0, fmt.Errorf("unexpected parameter %q", key)
			}
			raw = key
		}
	}
	if raw == "" {
		return query.All{}, skip, limit, nil
	}
	pred, err = query.ParseJSON([]byte(raw))
	if err != nil {
		return nil, 0, 0, err
	}
	return pred, skip, limit, nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	doc, err := s.store.Get(r.Context(), kind, chi.URLParam(r, "uid"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleRetrieve reads the value behind a datum id. Datum ids may contain
// slashes, so the id is the rest of the path.
func (s *Server) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "*")
	if id == "" {
		writeError(w, http.StatusNotFound, "not_found", "missing datum id")
		return
	}
	v, err := s.retriever.Retrieve(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"datum_id": id, "value": v})
	case errors.Is(err, registry.ErrDatumNotFound), errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		log.FromContext(r.Context()).Warn().Err(err).Str("datum_id", id).Msg("datum retrieval failed")
		writeError(w, http.StatusBadGateway, "retrieval_failed", err.Error())
	}
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	kind, err := kindParam(r)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody()))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
		return
	}
	docs, err := document.DecodeMany(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_document", err.Error())
		return
	}
	if err := mds.BulkInsert(r.Context(), s.store, kind, docs); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	uids := make([]string, len(docs))
	for i, d := range docs {
		uids[i] = d.UID()
	}
	writeJSON(w, http.StatusCreated, map[string]any{"inserted": len(docs), "uids": uids})
}

func (s *Server) maxBody() int64 {
	if s.cfg.MaxBodyBytes > 0 {
		return s.cfg.MaxBodyBytes
	}
	return DefaultConfig().MaxBodyBytes
}

// writeStoreError maps store errors to HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *document.ValidationError
	switch {
	case errors.As(err, &verr):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(errorBody{
			Error:     "invalid_document",
			Detail:    verr.Message,
			Kind:      string(verr.Kind),
			Field:     verr.Field,
			RequestID: w.Header().Get(HeaderRequestID),
		})
	case errors.Is(err, mds.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, mds.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		log.FromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("store operation failed")
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
