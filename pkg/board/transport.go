// Package board implements the bulletin-board client every ceremony speaks
// through: path-addressed opaque blobs over an atomic pull/push transport.
// The client resolves push conflicts with a bounded pull-rebase-push loop
// and never interprets blob contents.
package board

import "errors"

// ErrConflict is returned by Transport.Push when the remote advanced past
// the base version the writes were staged on. The client resolves it by
// pulling and re-applying.
var ErrConflict = errors.New("board: push conflict")

// ErrPathExists is returned by Client.Post when the path already holds
// different content. Posting identical content is idempotent and succeeds.
var ErrPathExists = errors.New("board: path already exists with different content")

// Snapshot is one consistent view of the remote board.
type Snapshot struct {
	Version uint64
	Objects map[string][]byte
}

// Transport is the atomic pull/push primitive the board runs on. Pull
// fetches the whole remote state; Push publishes new paths on top of a
// pulled version and fails with ErrConflict if the remote moved.
//
// The transport itself (git remote, object store, anything with
// compare-and-swap semantics) is outside the core; the two backends here
// exist so the core can run without external infrastructure.
type Transport interface {
	Pull() (*Snapshot, error)
	Push(baseVersion uint64, writes map[string][]byte) error
}
