package watermark

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps case-sensitive names to methods.
//
// Lookups may run concurrently with registration; a method becomes visible
// only once Register returns.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Method
}

// NewRegistry returns a registry holding the given methods. It fails if two
// methods share a name.
func NewRegistry(methods ...Method) (*Registry, error) {
	r := &Registry{methods: make(map[string]Method)}
	for _, m := range methods {
		if err := r.Register(m, false); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds m under m.Name(). An existing method with the same name is
// replaced only when overwrite is true.
func (r *Registry) Register(m Method, overwrite bool) error {
	if m == nil {
		return fmt.Errorf("%w: nil method", ErrUnknownMethod)
	}
	name := m.Name()
	if name == "" {
		return fmt.Errorf("%w: empty method name", ErrUnknownMethod)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.methods[name]; exists && !overwrite {
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	r.methods[name] = m
	return nil
}

// Resolve returns the method registered under ref when ref is a string, or
// ref itself when it already is a Method.
func (r *Registry) Resolve(ref any) (Method, error) {
	switch v := ref.(type) {
	case Method:
		return v, nil
	case string:
		r.mu.RLock()
		m, ok := r.methods[v]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, v)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unsupported reference %T", ErrUnknownMethod, ref)
	}
}

// Apply resolves ref and embeds secret into doc.
func (r *Registry) Apply(ref any, doc []byte, secret, key string, opts EmbedOptions) ([]byte, error) {
	m, err := r.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return m.Embed(doc, secret, key, opts)
}

// Read resolves ref and extracts the secret from doc.
func (r *Registry) Read(ref any, doc []byte, key string) (string, error) {
	m, err := r.Resolve(ref)
	if err != nil {
		return "", err
	}
	return m.Extract(doc, key)
}

// Applicable resolves ref and reports whether it can embed into doc.
func (r *Registry) Applicable(ref any, doc []byte) (bool, error) {
	m, err := r.Resolve(ref)
	if err != nil {
		return false, err
	}
	return m.IsApplicable(doc), nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns name and usage of every registered method, sorted by name.
func (r *Registry) Describe() []MethodInfo {
	names := r.Names()
	infos := make([]MethodInfo, 0, len(names))
	for _, name := range names {
		m, err := r.Resolve(name)
		if err != nil {
			continue
		}
		infos = append(infos, MethodInfo{Name: name, Usage: m.Usage()})
	}
	return infos
}
