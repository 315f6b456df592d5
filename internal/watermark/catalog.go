package watermark

import (
	"fmt"

	"watermarkd/internal/secretstore"
)

// Kind names a compiled-in watermarking algorithm.
type Kind string

const (
	KindEmailInProducer Kind = EmailInProducerName
	KindHashEOF         Kind = HashEOFName
)

// Spec declares a named instance of a compiled-in kind. An empty Context
// selects the kind's default domain-separation context.
type Spec struct {
	Name    string
	Kind    Kind
	Context string
}

// Catalog builds methods from specs. Only kinds compiled into the binary
// can be instantiated; nothing is loaded from serialized code.
type Catalog struct {
	store *secretstore.Store
}

// NewCatalog returns a catalog whose commitment methods use store. A nil
// store disables the email-in-producer kind.
func NewCatalog(store *secretstore.Store) *Catalog {
	return &Catalog{store: store}
}

// Kinds returns the kinds this catalog can build.
func (c *Catalog) Kinds() []Kind {
	if c.store == nil {
		return []Kind{KindHashEOF}
	}
	return []Kind{KindEmailInProducer, KindHashEOF}
}

// Build instantiates spec.
func (c *Catalog) Build(spec Spec) (Method, error) {
	if spec.Name == "" {
		spec.Name = string(spec.Kind)
	}
	switch spec.Kind {
	case KindEmailInProducer:
		if c.store == nil {
			return nil, fmt.Errorf("%w: %s needs a secret store", ErrUnknownMethod, spec.Kind)
		}
		ctx := spec.Context
		if ctx == "" {
			ctx = emailContext
		}
		return newEmailInProducer(spec.Name, ctx, c.store)
	case KindHashEOF:
		ctx := spec.Context
		if ctx == "" {
			ctx = hashEOFContext
		}
		return newHashEOF(spec.Name, ctx)
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnknownMethod, spec.Kind)
	}
}

// Load builds spec and registers the result in r.
func (c *Catalog) Load(r *Registry, spec Spec, overwrite bool) (Method, error) {
	m, err := c.Build(spec)
	if err != nil {
		return nil, err
	}
	if err := r.Register(m, overwrite); err != nil {
		return nil, err
	}
	return m, nil
}

// NewDefaultRegistry returns a registry holding every built-in kind under
// its default name.
func (c *Catalog) NewDefaultRegistry() (*Registry, error) {
	r, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	for _, kind := range c.Kinds() {
		if _, err := c.Load(r, Spec{Kind: kind}, false); err != nil {
			return nil, err
		}
	}
	return r, nil
}
