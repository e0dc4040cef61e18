package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threshold-custody/core/pkg/custodyerr"
)

func TestPostAndRead(t *testing.T) {
	transport := NewMemTransport()
	client := NewClient(transport)

	require.NoError(t, client.Post("identity/node1", []byte("hello")))

	other := NewClient(transport)
	blob, err := other.Read("identity/node1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), blob)

	missing, err := other.Read("identity/node9")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPostIsIdempotentOnIdenticalContent(t *testing.T) {
	client := NewClient(NewMemTransport())
	require.NoError(t, client.Post("a/b", []byte("same")))
	require.NoError(t, client.Post("a/b", []byte("same")))
}

func TestPostRefusesDifferentContent(t *testing.T) {
	client := NewClient(NewMemTransport())
	require.NoError(t, client.Post("a/b", []byte("one")))
	err := client.Post("a/b", []byte("two"))
	assert.ErrorIs(t, err, ErrPathExists)
}

func TestPostRebasesOnConflict(t *testing.T) {
	transport := NewMemTransport()
	first := NewClient(transport)
	second := NewClient(transport)

	// Both clients sync at version 0; the first push moves the remote so the
	// second client's push conflicts and must rebase.
	require.NoError(t, first.Sync())
	require.NoError(t, second.Sync())
	require.NoError(t, first.Post("x/1", []byte("one")))
	require.NoError(t, second.Post("x/2", []byte("two")))

	paths, err := first.List("x/")
	require.NoError(t, err)
	assert.Equal(t, []string{"x/1", "x/2"}, paths)
}

// conflictTransport rejects every push so the retry budget runs out.
type conflictTransport struct{ inner *MemTransport }

func (t *conflictTransport) Pull() (*Snapshot, error) { return t.inner.Pull() }

func (t *conflictTransport) Push(uint64, map[string][]byte) error { return ErrConflict }

func TestPostFailsAfterRetryBudget(t *testing.T) {
	client := NewClient(&conflictTransport{inner: NewMemTransport()})
	err := client.Post("a/b", []byte("blob"))
	assert.ErrorIs(t, err, custodyerr.ErrTransientTransport)
	assert.Equal(t, uint64(pushAttempts-1), client.Retries)
}

func TestListReturnsSortedPrefixMatches(t *testing.T) {
	client := NewClient(NewMemTransport())
	require.NoError(t, client.Post("dkg/demo/commitments/node2.json", []byte("b")))
	require.NoError(t, client.Post("dkg/demo/commitments/node1.json", []byte("a")))
	require.NoError(t, client.Post("dkg/demo/shares/node1_to_node2.enc", []byte("c")))

	paths, err := client.List("dkg/demo/commitments/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"dkg/demo/commitments/node1.json",
		"dkg/demo/commitments/node2.json",
	}, paths)
}

func TestSyncOfEmptyRemoteIsNoop(t *testing.T) {
	client := NewClient(NewMemTransport())
	require.NoError(t, client.Sync())
	paths, err := client.List("")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestBoltTransportRoundTrip(t *testing.T) {
	path := t.TempDir() + "/board.db"
	transport, err := OpenBolt(path)
	require.NoError(t, err)
	defer transport.Close()

	client := NewClient(transport)
	require.NoError(t, client.Post("identity/node1", []byte("hello")))

	blob, err := client.Read("identity/node1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), blob)

	snapshot, err := transport.Pull()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), snapshot.Version)

	err = transport.Push(0, map[string][]byte{"x": []byte("y")})
	assert.ErrorIs(t, err, ErrConflict)
}
