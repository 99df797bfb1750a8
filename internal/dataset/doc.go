// Package dataset models an indexed MR dataset as a tree of
// Project → Modality → Subject → Session → Run.
//
// Every level embeds Node, which keys children by name and keeps their
// insertion order. Each level accepts exactly one child kind; adding any
// other kind fails with ErrWrongChildType. Modality additionally tracks the
// reference protocols of its acquisitions, keyed by echo time, and a table
// of non-compliant parameters.
package dataset
