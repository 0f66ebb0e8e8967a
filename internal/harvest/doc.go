// Package harvest defines the core types and collaborator interfaces shared by
// the scheduler, the workers, and the persistence layer.
//
// A harvest source is a remote RDF document identified by its canonical URL and
// the 64-bit content hash of that URL. Every execution attempt against a source
// is a Harvest; the triples it produces are stamped with a per-harvest
// generation time so a committed harvest can atomically replace the previous
// snapshot of the same source.
//
// This package must not import database drivers or concrete clients.
package harvest
