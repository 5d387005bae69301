package registry

import (
	"bufio"
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/roach88/databroker/internal/document"
)

// Built-in handler specs.
const (
	SpecTextLine  = "TEXT_LINE"
	SpecJSONField = "JSON_FIELD"
)

// Handler reads the data of one datum from an opened resource.
type Handler interface {
	Read(datumKwargs map[string]any) (any, error)
}

// FileLister is implemented by handlers that can name the files backing a
// set of datums.
type FileLister interface {
	Files(datumKwargs []map[string]any) ([]string, error)
}

// Factory opens a resource. fullPath is the resource path after root
// mapping.
type Factory func(fullPath string, resourceKwargs map[string]any) (Handler, error)

var builtins = map[string]Factory{
	SpecTextLine:  newTextLineHandler,
	SpecJSONField: newJSONFieldHandler,
}

// Builtin returns the built-in factory with the given name.
func Builtin(name string) (Factory, bool) {
	f, ok := builtins[name]
	return f, ok
}

// RegisterHandler makes factory the handler for spec. Registering a spec
// that is already known fails with ErrHandlerExists unless overwrite is
// set. Overwriting drops handlers built by the previous factory.
func (r *Registry) RegisterHandler(spec string, factory Factory, overwrite bool) error {
	if factory == nil {
		return fmt.Errorf("register handler %q: nil factory", spec)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[spec]; ok && !overwrite {
		return fmt.Errorf("%w: %s", ErrHandlerExists, spec)
	}
	r.factories[spec] = factory
	r.dropHandlersLocked(spec)
	return nil
}

// DeregisterHandler removes the factory for spec and the handlers it built.
func (r *Registry) DeregisterHandler(spec string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.factories, spec)
	r.dropHandlersLocked(spec)
}

func (r *Registry) dropHandlersLocked(spec string) {
	r.generation++
	for uid, h := range r.handlers {
		if h.spec == spec {
			delete(r.handlers, uid)
		}
	}
}

// fileHandler is the single file a built-in handler reads.
type fileHandler struct {
	path string
}

func (f fileHandler) read() ([]byte, error) {
	// #nosec G304 -- resource paths come from the registry
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read resource file: %w", err)
	}
	return data, nil
}

func (f fileHandler) Files([]map[string]any) ([]string, error) {
	abs, err := filepath.Abs(f.path)
	if err != nil {
		return nil, err
	}
	return []string{abs}, nil
}

// textLineHandler returns one line of a text file. Datum kwarg "line" is
// the 0-indexed line number. A failed read is retried on the next call.
type textLineHandler struct {
	fileHandler
	mu    sync.Mutex
	lines []string
}

func newTextLineHandler(fullPath string, _ map[string]any) (Handler, error) {
	return &textLineHandler{fileHandler: fileHandler{path: fullPath}}, nil
}

func (h *textLineHandler) Read(kwargs map[string]any) (any, error) {
	n, err := intKwarg(kwargs, "line")
	if err != nil {
		return nil, err
	}
	lines, err := h.load()
	if err != nil {
		return nil, err
	}
	if n < 0 || n >= int64(len(lines)) {
		return nil, fmt.Errorf("line %d out of range: %s has %d lines", n, h.path, len(lines))
	}
	return lines[n], nil
}

func (h *textLineHandler) load() ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lines != nil {
		return h.lines, nil
	}
	data, err := h.read()
	if err != nil {
		return nil, err
	}
	h.lines = splitLines(data)
	return h.lines, nil
}

func splitLines(data []byte) []string {
	lines := []string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

// jsonFieldHandler returns a top-level value of a JSON object file. Datum
// kwarg "key" names the field. A failed read is retried on the next call.
type jsonFieldHandler struct {
	fileHandler
	mu  sync.Mutex
	doc document.Document
}

func newJSONFieldHandler(fullPath string, _ map[string]any) (Handler, error) {
	return &jsonFieldHandler{fileHandler: fileHandler{path: fullPath}}, nil
}

func (h *jsonFieldHandler) Read(kwargs map[string]any) (any, error) {
	key, ok := kwargs["key"].(string)
	if !ok {
		return nil, fmt.Errorf("datum kwarg %q: required string", "key")
	}
	doc, err := h.load()
	if err != nil {
		return nil, err
	}
	v, ok := doc[key]
	if !ok {
		return nil, fmt.Errorf("key %q not present in %s", key, h.path)
	}
	return v, nil
}

func (h *jsonFieldHandler) load() (document.Document, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.doc != nil {
		return h.doc, nil
	}
	data, err := h.read()
	if err != nil {
		return nil, err
	}
	doc, err := document.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", h.path, err)
	}
	h.doc = doc
	return doc, nil
}

func intKwarg(kwargs map[string]any, name string) (int64, error) {
	f, ok := document.AsFloat(kwargs[name])
	if !ok || f != math.Trunc(f) {
		return 0, fmt.Errorf("datum kwarg %q: required integer, got %v", name, kwargs[name])
	}
	return int64(f), nil
}
