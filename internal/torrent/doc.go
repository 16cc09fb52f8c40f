// Package torrent defines the domain types shared across the dispatch
// pipeline: identifiers parsed from magnet links, dispatch tasks and their
// lifecycle states, category definitions, the error taxonomy, and the
// interfaces implemented by the downstream client, stores, and oracle.
package torrent
