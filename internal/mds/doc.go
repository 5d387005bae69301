// Package mds implements the metadata store: append-only storage for the
// documents of experiment runs (run start, run stop, event descriptor and
// event).
//
// Every backend enforces the same insert rules:
//
//   - documents are validated before anything is written
//   - re-inserting an identical document is a no-op
//   - re-using a uid for different content is a conflict
//   - stops and descriptors need their run start, events their descriptor
//   - a run has at most one stop, and seq_num is unique per descriptor
//
// and returns Find results in the order of query.SortDocuments, so callers
// see identical results whichever backend is configured.
package mds
