package worker

import (
	"context"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
	"github.com/JakeFAU/rdf-harvester/internal/hash"
)

// converter turns decoded statements into hashed store rows for one source.
// It remembers the subjects and resources it has seen so resources are only
// buffered once per harvest.
type converter struct {
	sourceURL string
	p         harvest.Persister
	subjects  map[int64]struct{}
	resources map[int64]struct{}
}

func newConverter(sourceURL string, p harvest.Persister) *converter {
	return &converter{
		sourceURL: sourceURL,
		p:         p,
		subjects:  make(map[int64]struct{}),
		resources: make(map[int64]struct{}),
	}
}

func (c *converter) termHash(value string, kind harvest.TermKind) int64 {
	if kind == harvest.TermBlank {
		return hash.Blank(c.sourceURL, value)
	}
	return hash.SPO(value)
}

func (c *converter) add(ctx context.Context, st harvest.Statement) error {
	t := harvest.Triple{
		Subject:       c.termHash(st.Subject, st.SubjectKind),
		AnonSubject:   st.SubjectKind == harvest.TermBlank,
		Predicate:     hash.SPO(st.Predicate),
		Object:        st.Object,
		ObjectHash:    c.termHash(st.Object, st.ObjectKind),
		ObjectLang:    st.Lang,
		LiteralObject: st.ObjectKind == harvest.TermLiteral,
		AnonObject:    st.ObjectKind == harvest.TermBlank,
	}
	if t.AnonObject {
		t.Object = "_:" + st.Object
	}
	c.subjects[t.Subject] = struct{}{}
	if err := c.p.AddTriple(ctx, t); err != nil {
		return err
	}
	if st.SubjectKind == harvest.TermIRI {
		if err := c.resource(ctx, st.Subject, t.Subject); err != nil {
			return err
		}
	}
	if st.ObjectKind == harvest.TermIRI {
		return c.resource(ctx, st.Object, t.ObjectHash)
	}
	return nil
}

func (c *converter) resource(ctx context.Context, uri string, uriHash int64) error {
	if _, ok := c.resources[uriHash]; ok {
		return nil
	}
	c.resources[uriHash] = struct{}{}
	return c.p.AddResource(ctx, uri, uriHash)
}

func (c *converter) distinctSubjects() int64 {
	return int64(len(c.subjects))
}
