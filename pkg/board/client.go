package board

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/threshold-custody/core/pkg/custodyerr"
)

// pushAttempts bounds the pull-rebase-push loop before a conflict is
// surfaced as a transient transport error.
const pushAttempts = 3

// Client is the board client ceremonies use. It keeps a local working copy
// refreshed by Sync and publishes new paths with Post.
type Client struct {
	transport Transport
	snapshot  *Snapshot

	// Retries counts push attempts beyond the first, for metrics.
	Retries uint64
}

// NewClient wraps a transport. The working copy starts empty; the first
// Sync, Read, or Post populates it.
func NewClient(transport Transport) *Client {
	return &Client{
		transport: transport,
		snapshot:  &Snapshot{Objects: make(map[string][]byte)},
	}
}

// Sync refreshes the working copy from the remote. A pull of an empty
// remote is a no-op that leaves an empty working copy.
func (c *Client) Sync() error {
	snapshot, err := c.transport.Pull()
	if err != nil {
		return fmt.Errorf("board: %w: %v", custodyerr.ErrTransientTransport, err)
	}
	c.snapshot = snapshot
	return nil
}

// Read pulls and returns the blob at path, or nil if absent.
func (c *Client) Read(path string) ([]byte, error) {
	if err := c.Sync(); err != nil {
		return nil, err
	}
	blob, ok := c.snapshot.Objects[path]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), blob...), nil
}

// List pulls and returns all paths under prefix, sorted.
func (c *Client) List(prefix string) ([]string, error) {
	if err := c.Sync(); err != nil {
		return nil, err
	}
	var paths []string
	for path := range c.snapshot.Objects {
		if strings.HasPrefix(path, prefix) {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// Post publishes blob at path. Identical existing content is idempotent;
// different existing content is refused with ErrPathExists. Push conflicts
// are resolved by re-pulling and re-applying, up to the retry budget.
func (c *Client) Post(path string, blob []byte) error {
	for attempt := 0; attempt < pushAttempts; attempt++ {
		if attempt > 0 {
			c.Retries++
		}
		if err := c.Sync(); err != nil {
			continue
		}
		if existing, ok := c.snapshot.Objects[path]; ok {
			if bytes.Equal(existing, blob) {
				return nil
			}
			return fmt.Errorf("board: posting %s: %w", path, ErrPathExists)
		}
		err := c.transport.Push(c.snapshot.Version, map[string][]byte{path: blob})
		if err == nil {
			c.snapshot.Objects[path] = append([]byte(nil), blob...)
			c.snapshot.Version++
			return nil
		}
		if !errors.Is(err, ErrConflict) {
			continue
		}
	}
	return fmt.Errorf("board: posting %s after %d attempts: %w", path, pushAttempts, custodyerr.ErrTransientTransport)
}
