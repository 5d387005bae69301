// Package document defines the documents a data broker stores and serves.
//
// A run is described by an ordered stream of documents:
//   - start: opens a run and carries free-form run metadata
//   - descriptor: declares the data keys of one event stream of the run
//   - event: one reading of every key in a descriptor, ordered by seq_num
//   - stop: closes the run with an exit status
//
// Data too large to live in an event is written elsewhere and referenced by
// datum id. A resource names the file (spec, root, resource_path) and a datum
// names one chunk inside it.
//
// Documents are plain JSON objects. Identity is carried by the uid field
// (datum_id for datums); content identity is the fingerprint computed from
// canonical JSON, so re-inserting an identical document can be detected
// independently of key order or number formatting.
package document
