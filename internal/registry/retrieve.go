package registry

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/roach88/databroker/internal/document"
	"github.com/roach88/databroker/internal/metrics"
)

const datumCachePrefix = "datum:"

// Retrieve reads the external data a datum id points at.
func (r *Registry) Retrieve(ctx context.Context, datumID string) (any, error) {
	start := time.Now()
	v, err := r.retrieve(ctx, datumID)
	switch {
	case err == nil:
		metrics.RecordRetrieval("ok")
		metrics.DatumRetrievalDuration.Observe(time.Since(start).Seconds())
	case errors.Is(err, ErrDatumNotFound):
		metrics.RecordRetrieval("not_found")
	default:
		metrics.RecordRetrieval("error")
		r.logger.Warn().Err(err).Str("datum_id", datumID).Msg("datum retrieval failed")
	}
	return v, err
}

func (r *Registry) retrieve(ctx context.Context, datumID string) (any, error) {
	datum, err := r.cachedDatum(ctx, datumID)
	if err != nil {
		return nil, err
	}
	res, err := r.Resource(ctx, datum.String("resource"))
	if err != nil {
		return nil, fmt.Errorf("datum %s: %w", datumID, err)
	}
	h, err := r.handlerFor(res)
	if err != nil {
		return nil, err
	}
	kwargs, _ := datum.Object("datum_kwargs")
	v, err := h.Read(kwargs)
	if err != nil {
		return nil, fmt.Errorf("read datum %s: %w", datumID, err)
	}
	return v, nil
}

// cachedDatum returns a datum document from the datum cache, loading it
// from the database on a miss.
func (r *Registry) cachedDatum(ctx context.Context, datumID string) (document.Document, error) {
	key := datumCachePrefix + datumID
	if v, ok := r.datums.Get(key); ok {
		if doc, ok := asDocument(v); ok {
			metrics.RecordCacheLookup(true)
			return doc, nil
		}
		r.datums.Delete(key)
	}
	metrics.RecordCacheLookup(false)

	doc, err := r.Datum(ctx, datumID)
	if err != nil {
		return nil, err
	}
	r.datums.Set(key, doc, 0)
	return doc, nil
}

// asDocument accepts cached values as stored in memory or decoded back from
// JSON by a shared cache.
func asDocument(v any) (document.Document, bool) {
	switch d := v.(type) {
	case document.Document:
		return d, true
	case map[string]any:
		return document.Normalize(d), true
	}
	return nil, false
}

// handlerFor returns the cached handler of a resource, building it from
// the registered factory on first use. A handler built while the root map
// or the factories changed is discarded and rebuilt.
func (r *Registry) handlerFor(res document.Document) (Handler, error) {
	uid := res.UID()
	spec := res.String("spec")
	kwargs, _ := res.Object("resource_kwargs")

	for {
		r.mu.RLock()
		cached, ok := r.handlers[uid]
		factory, known := r.factories[spec]
		fullPath := r.fullPathLocked(res)
		gen := r.generation
		r.mu.RUnlock()
		if ok {
			return cached.handler, nil
		}
		if !known {
			return nil, fmt.Errorf("%w: spec %q of resource %s", ErrHandlerNotFound, spec, uid)
		}

		h, err := factory(fullPath, kwargs)
		if err != nil {
			return nil, fmt.Errorf("open resource %s with %s: %w", uid, spec, err)
		}

		r.mu.Lock()
		if r.generation != gen {
			r.mu.Unlock()
			continue
		}
		if existing, ok := r.handlers[uid]; ok {
			r.mu.Unlock()
			return existing.handler, nil
		}
		r.handlers[uid] = cachedHandler{spec: spec, handler: h}
		r.mu.Unlock()
		return h, nil
	}
}

// fullPathLocked joins the mapped root and the resource path.
func (r *Registry) fullPathLocked(res document.Document) string {
	return joinPath(r.mapRootLocked(res.String("root")), res.String("resource_path"))
}

func (r *Registry) mapRootLocked(root string) string {
	if mapped, ok := r.rootMap[root]; ok {
		return mapped
	}
	return root
}

func joinPath(root, resourcePath string) string {
	if root == "" {
		return filepath.FromSlash(resourcePath)
	}
	return filepath.Join(root, filepath.FromSlash(resourcePath))
}

// FullPath returns where a resource lives on disk under the current root
// map.
func (r *Registry) FullPath(ctx context.Context, resourceUID string) (string, error) {
	res, err := r.Resource(ctx, resourceUID)
	if err != nil {
		return "", err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fullPathLocked(res), nil
}

// FileList returns the absolute paths of the files backing a resource. The
// resource's handler must implement FileLister.
func (r *Registry) FileList(ctx context.Context, resourceUID string) ([]string, error) {
	res, err := r.Resource(ctx, resourceUID)
	if err != nil {
		return nil, err
	}
	h, err := r.handlerFor(res)
	if err != nil {
		return nil, err
	}
	lister, ok := h.(FileLister)
	if !ok {
		return nil, fmt.Errorf("handler for spec %q cannot list files", res.String("spec"))
	}

	datums, err := r.DatumsByResource(ctx, resourceUID)
	if err != nil {
		return nil, err
	}
	kwargs := make([]map[string]any, 0, len(datums))
	for _, d := range datums {
		kw, _ := d.Object("datum_kwargs")
		kwargs = append(kwargs, kw)
	}
	files, err := lister.Files(kwargs)
	if err != nil {
		return nil, fmt.Errorf("list files of resource %s: %w", resourceUID, err)
	}
	for i, f := range files {
		if files[i], err = filepath.Abs(f); err != nil {
			return nil, fmt.Errorf("resolve %s: %w", f, err)
		}
	}
	return files, nil
}
