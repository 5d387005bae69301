// Package client is a metadata store backend that talks to a databroker
// metadata server over HTTP.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/roach88/databroker/internal/config"
	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/log"
	"github.com/roach88/databroker/internal/mds"
	"github.com/roach88/databroker/internal/query"
)

// DefaultTimeout bounds each request made by a Store created without
// WithHTTPClient.
const DefaultTimeout = 30 * time.Second

func init() {
	mds.RegisterBackend("client", func(_ context.Context, cfg config.MDSConfig) (mds.Store, error) {
		if cfg.Config.URL == "" {
			return nil, errors.New("client metadatastore: config.url is required")
		}
		return New(cfg.Config.URL)
	})
}

// Store implements mds.Store against a remote metadata server.
type Store struct {
	base   *url.URL
	http   *http.Client
	logger zerolog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.http = c }
}

// WithLogger sets the request logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a Store for the server at baseURL.
func New(baseURL string, opts ...Option) (*Store, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url %q: scheme must be http or https", baseURL)
	}
	s := &Store{
		base:   u,
		http:   &http.Client{Timeout: DefaultTimeout},
		logger: log.WithComponent("client"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Insert posts one document.
func (s *Store) Insert(ctx context.Context, kind document.Kind, doc document.Document) error {
	return s.post(ctx, kind, doc)
}

// BulkInsert posts docs in one request. The server inserts them atomically
// when its backend supports it.
func (s *Store) BulkInsert(ctx context.Context, kind document.Kind, docs []document.Document) error {
	if len(docs) == 0 {
		return nil
	}
	return s.post(ctx, kind, docs)
}

// Get fetches one document by uid.
func (s *Store) Get(ctx context.Context, kind document.Kind, uid string) (document.Document, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	body, err := s.do(ctx, kind, http.MethodGet, s.endpoint(kind, uid, nil), nil)
	if err != nil {
		return nil, err
	}
	return document.Decode(body)
}

// Find sends pred as the server's query parameter.
func (s *Store) Find(ctx context.Context, kind document.Kind, pred query.Predicate) ([]document.Document, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	params := url.Values{}
	if _, all := pred.(query.All); pred != nil && !all {
		q, err := query.EncodeJSON(pred)
		if err != nil {
			return nil, fmt.Errorf("encode query: %w", err)
		}
		params.Set("query", string(q))
	}
	body, err := s.do(ctx, kind, http.MethodGet, s.endpoint(kind, "", params), nil)
	if err != nil {
		return nil, err
	}
	docs, err := document.DecodeMany(body)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []document.Document{}
	}
	return docs, nil
}

// Close releases idle connections.
func (s *Store) Close() error {
	s.http.CloseIdleConnections()
	return nil
}

func (s *Store) post(ctx context.Context, kind document.Kind, payload any) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	_, err = s.do(ctx, kind, http.MethodPost, s.endpoint(kind, "", nil), data)
	return err
}

func (s *Store) endpoint(kind document.Kind, uid string, params url.Values) string {
	elems := []string{kind.Collection()}
	if uid != "" {
		elems = append(elems, uid)
	}
	u := s.base.JoinPath(elems...)
	u.RawQuery = params.Encode()
	return u.String()
}

func (s *Store) do(ctx context.Context, kind document.Kind, method, target string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := log.RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	start := time.Now()
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	s.logger.Debug().
		Str("method", method).
		Str("url", target).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("metadata server request")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}
	return nil, statusError(kind, resp.StatusCode, data)
}

// apiError mirrors the server's error body.
type apiError struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
	Kind   string `json:"kind"`
	Field  string `json:"field"`
}

// statusError maps a non-2xx response to the mds error it stands for.
func statusError(kind document.Kind, status int, body []byte) error {
	var ae apiError
	if err := json.Unmarshal(body, &ae); err != nil || ae.Detail == "" {
		ae.Detail = strings.TrimSpace(string(body))
	}
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %s: %w", kind, ae.Detail, mds.ErrNotFound)
	case status == http.StatusConflict:
		return fmt.Errorf("%s: %s: %w", kind, ae.Detail, mds.ErrConflict)
	case status == http.StatusBadRequest && ae.Error == "invalid_document":
		k := kind
		if ae.Kind != "" {
			k = document.Kind(ae.Kind)
		}
		return &document.ValidationError{Kind: k, Field: ae.Field, Message: ae.Detail}
	default:
		return fmt.Errorf("metadata server returned %d: %s", status, ae.Detail)
	}
}

func checkKind(kind document.Kind) error {
	if !kind.IsRunKind() {
		return fmt.Errorf("client metadatastore does not store %s documents", kind)
	}
	return nil
}
