// Package entwire is a schema-driven entity mapping engine.
//
// It converts in-memory object graphs to and from a flat, field-oriented
// intermediate representation and, through codecs, to binary, XML or YAML
// streams. One-to-many relations are exposed as lazy, buffered lists over
// an external storage backend.
//
// # Packages
//
//	schema       per-type schemas, field factories, the schema registry
//	factory      field conversion strategies (primitive, nested, collection,
//	             relation, dynamic, secure)
//	serializer   the generic serializer orchestrating schemas and factories
//	relation     relation-backed lazy lists with write-behind batching
//	storage      the storage contract and memory, SQL and Badger backends
//	queue        the delayed-write queue
//	codec        msgpack, XML and YAML stream codecs
//
// # Errors
//
// This package defines the error taxonomy shared by every subpackage.
// Configuration and contract errors are fatal and propagate unmodified:
//
//	if entwire.IsSchemaConfiguration(err) { ... }
//	if errors.Is(err, entwire.ErrMissingIdentity) { ... }
package entwire
