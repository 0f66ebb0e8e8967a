// Package rdfsource decodes fetched or pushed RDF documents into statements.
//
// N-Triples, Turtle and RDF/XML are supported. The serialization is chosen
// from the Content-Type first, then the URL extension, then a look at the
// first bytes of the body.
package rdfsource

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/knakk/rdf"

	"github.com/JakeFAU/rdf-harvester/internal/harvest"
)

// Decoder implements harvest.Decoder with knakk/rdf.
type Decoder struct{}

var _ harvest.Decoder = Decoder{}

// New returns a Decoder.
func New() Decoder {
	return Decoder{}
}

// Decode streams every statement of doc into emit. It stops at the first
// syntax error, emit error or context cancellation.
func (Decoder) Decode(ctx context.Context, doc harvest.Document, emit func(harvest.Statement) error) error {
	format := DetectFormat(doc)
	dec := rdf.NewTripleDecoder(bytes.NewReader(doc.Body), format)
	for n := 0; ; n++ {
		if n%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("decode canceled: %w", err)
			}
		}
		tr, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("decode %s statement %d: %w", formatName(format), n+1, err)
		}
		if err := emit(statement(tr)); err != nil {
			return err
		}
	}
}

func statement(tr rdf.Triple) harvest.Statement {
	st := harvest.Statement{
		Subject:     termValue(tr.Subj),
		SubjectKind: termKind(tr.Subj),
		Predicate:   termValue(tr.Pred),
		Object:      termValue(tr.Obj),
		ObjectKind:  termKind(tr.Obj),
	}
	if lit, ok := tr.Obj.(rdf.Literal); ok {
		st.Lang = lit.Lang()
	}
	return st
}

func termKind(t rdf.Term) harvest.TermKind {
	switch t.Type() {
	case rdf.TermBlank:
		return harvest.TermBlank
	case rdf.TermLiteral:
		return harvest.TermLiteral
	default:
		return harvest.TermIRI
	}
}

// termValue returns the lexical form: the IRI, the literal text, or the blank
// node label without its "_:" prefix.
func termValue(t rdf.Term) string {
	if t.Type() == rdf.TermBlank {
		return strings.TrimPrefix(t.String(), "_:")
	}
	return t.String()
}

// DetectFormat picks the serialization of doc.
func DetectFormat(doc harvest.Document) rdf.Format {
	if f, ok := formatFromMediaType(doc.ContentType); ok {
		return f
	}
	if f, ok := formatFromExtension(doc.URL); ok {
		return f
	}
	return sniffFormat(doc.Body)
}

func formatFromMediaType(contentType string) (rdf.Format, bool) {
	if contentType == "" {
		return 0, false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return 0, false
	}
	switch mediaType {
	case "application/rdf+xml", "application/xml", "text/xml":
		return rdf.RDFXML, true
	case "text/turtle", "application/x-turtle", "text/n3", "text/rdf+n3":
		return rdf.Turtle, true
	case "application/n-triples":
		return rdf.NTriples, true
	default:
		return 0, false
	}
}

func formatFromExtension(rawURL string) (rdf.Format, bool) {
	u := harvest.CanonicalURL(rawURL)
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	switch strings.ToLower(path.Ext(u)) {
	case ".rdf", ".owl", ".xml":
		return rdf.RDFXML, true
	case ".ttl", ".n3":
		return rdf.Turtle, true
	case ".nt":
		return rdf.NTriples, true
	default:
		return 0, false
	}
}

func sniffFormat(body []byte) rdf.Format {
	head := body
	if len(head) > 1024 {
		head = head[:1024]
	}
	trimmed := bytes.TrimLeft(head, " \t\r\n\ufeff")
	switch {
	case bytes.HasPrefix(trimmed, []byte("<?xml")), bytes.HasPrefix(trimmed, []byte("<rdf:RDF")):
		return rdf.RDFXML
	case bytes.Contains(head, []byte("@prefix")), bytes.Contains(head, []byte("@base")),
		bytes.Contains(bytes.ToUpper(head), []byte("PREFIX ")):
		return rdf.Turtle
	default:
		return rdf.NTriples
	}
}

func formatName(f rdf.Format) string {
	switch f {
	case rdf.RDFXML:
		return "rdf/xml"
	case rdf.Turtle:
		return "turtle"
	case rdf.NTriples:
		return "n-triples"
	default:
		return "rdf"
	}
}
