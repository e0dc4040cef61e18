package dkg

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threshold-custody/core/pkg/board"
	"github.com/threshold-custody/core/pkg/curve"
	"github.com/threshold-custody/core/pkg/custodyerr"
	"github.com/threshold-custody/core/pkg/identity"
	"github.com/threshold-custody/core/pkg/party"
	"github.com/threshold-custody/core/pkg/secretmodule"
	"github.com/threshold-custody/core/pkg/state"
	"github.com/threshold-custody/core/pkg/wire"
)

type testNode struct {
	id     party.ID
	module *secretmodule.Memory
	state  *state.Manager
	board  *board.Client
	engine *Engine
}

// newTestNode wires an initialised node against the shared transport: module
// logged in, identity keypair created and posted, state flags set.
func newTestNode(t *testing.T, id party.ID, transport *board.MemTransport) *testNode {
	t.Helper()

	module := secretmodule.NewMemory("", secretmodule.ModeDemo)
	require.NoError(t, module.Login("1234"))
	require.NoError(t, module.EnsureIdentityKey())
	_, err := module.InitNonceDerivation()
	require.NoError(t, err)

	manager, err := state.New(t.TempDir(), id)
	require.NoError(t, err)
	require.NoError(t, manager.Update(func(s *state.NodeState) error {
		s.Initialized = true
		s.IdentityPosted = true
		return nil
	}))

	client := board.NewClient(transport)
	pubPEM, err := module.IdentityPublicKeyPEM()
	require.NoError(t, err)
	blob, err := wire.Encode(&wire.Identity{
		NodeID:       id,
		PublicKeyPEM: string(pubPEM),
		CreatedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, client.Post(wire.IdentityPath(id), blob))

	return &testNode{
		id:     id,
		module: module,
		state:  manager,
		board:  client,
		engine: &Engine{NodeID: id, Board: client, State: manager, Module: module},
	}
}

func newTestNodes(t *testing.T, transport *board.MemTransport, ids ...party.ID) []*testNode {
	t.Helper()
	nodes := make([]*testNode, len(ids))
	for i, id := range ids {
		nodes[i] = newTestNode(t, id, transport)
	}
	return nodes
}

func runCeremony(t *testing.T, nodes []*testNode, roundID string, threshold int) {
	t.Helper()
	for _, n := range nodes {
		outcome, err := n.engine.Start(roundID, threshold, len(nodes))
		require.NoError(t, err)
		require.Equal(t, Done, outcome)
	}
	for _, n := range nodes {
		outcome, err := n.engine.Distribute(roundID)
		require.NoError(t, err)
		require.Equal(t, Done, outcome)
	}
	for _, n := range nodes {
		outcome, err := n.engine.Finalize(roundID)
		require.NoError(t, err)
		require.Equal(t, Done, outcome)
	}
}

func groupKeyOf(t *testing.T, n *testNode, roundID string) string {
	t.Helper()
	s, err := n.state.Load()
	require.NoError(t, err)
	round := s.Round(roundID)
	require.Equal(t, state.PhaseFinalized, round.Phase)
	return round.GroupPublicKeyHex
}

// Happy 2-of-3 ceremony: every node finalises with the same group key, and
// that key is the sum of the constant-term commitments.
func TestHappyTwoOfThree(t *testing.T) {
	transport := board.NewMemTransport()
	nodes := newTestNodes(t, transport, "node1", "node2", "node3")
	runCeremony(t, nodes, "demo", 2)

	groupKey := groupKeyOf(t, nodes[0], "demo")
	assert.Len(t, groupKey, 66)
	for _, n := range nodes[1:] {
		assert.Equal(t, groupKey, groupKeyOf(t, n, "demo"))
	}

	// Y == sum of every dealer's constant-term commitment.
	sum := curve.NewIdentityPoint()
	client := board.NewClient(transport)
	paths, err := client.List(wire.DKGCommitmentPrefix("demo"))
	require.NoError(t, err)
	require.Len(t, paths, 3)
	for _, path := range paths {
		blob, err := client.Read(path)
		require.NoError(t, err)
		var msg wire.DKGCommitment
		require.NoError(t, wire.Decode(blob, &msg))
		raw, err := hex.DecodeString(msg.Commitments[0])
		require.NoError(t, err)
		p, err := curve.Decompress(raw)
		require.NoError(t, err)
		sum.Add(sum, p)
	}
	compressed, err := sum.Compress()
	require.NoError(t, err)
	assert.Equal(t, groupKey, hex.EncodeToString(compressed))

	// Every node's share satisfies S_j*G == sum_i sum_k index(j)^k * C_{i,k}.
	participants := party.NewIDSlice([]party.ID{"node1", "node2", "node3"})
	for _, n := range nodes {
		shareRaw, err := n.module.GetSecret(secretmodule.DKGShareLabel("demo"))
		require.NoError(t, err)
		share, err := curve.ScalarFromBytes(shareRaw)
		require.NoError(t, err)

		expected := curve.NewIdentityPoint()
		for _, path := range paths {
			blob, _ := client.Read(path)
			var msg wire.DKGCommitment
			require.NoError(t, wire.Decode(blob, &msg))
			points := make([]*curve.Point, len(msg.Commitments))
			for k, h := range msg.Commitments {
				raw, _ := hex.DecodeString(h)
				points[k], err = curve.Decompress(raw)
				require.NoError(t, err)
			}
			x := participants.Scalar(n.id)
			acc := curve.NewIdentityPoint()
			acc.Add(acc, points[len(points)-1])
			for k := len(points) - 2; k >= 0; k-- {
				acc = x.Act(acc)
				acc.Add(acc, points[k])
			}
			expected.Add(expected, acc)
		}
		assert.True(t, share.ActOnBase().Equal(expected))
	}
}

func TestCoefficientsWipedAfterFinalize(t *testing.T) {
	transport := board.NewMemTransport()
	nodes := newTestNodes(t, transport, "node1", "node2")
	runCeremony(t, nodes, "demo", 2)

	for _, n := range nodes {
		has, err := n.module.HasSecret(secretmodule.DKGCoeffsLabel("demo"))
		require.NoError(t, err)
		assert.False(t, has, "polynomial coefficients must be wiped at finalise")
	}
}

func TestDistributeIsPendingUntilAllCommit(t *testing.T) {
	transport := board.NewMemTransport()
	nodes := newTestNodes(t, transport, "node1", "node2", "node3")

	outcome, err := nodes[0].engine.Start("demo", 2, 3)
	require.NoError(t, err)
	require.Equal(t, Done, outcome)

	outcome, err = nodes[0].engine.Distribute("demo")
	require.NoError(t, err)
	assert.Equal(t, Pending, outcome)
}

func TestPhasesRefuseToRunOutOfOrder(t *testing.T) {
	transport := board.NewMemTransport()
	n := newTestNode(t, "node1", transport)

	_, err := n.engine.Distribute("demo")
	assert.Error(t, err)
	_, err = n.engine.Finalize("demo")
	assert.Error(t, err)
}

func TestStartIsIdempotent(t *testing.T) {
	transport := board.NewMemTransport()
	n := newTestNode(t, "node1", transport)

	outcome, err := n.engine.Start("demo", 2, 3)
	require.NoError(t, err)
	require.Equal(t, Done, outcome)

	outcome, err = n.engine.Start("demo", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, AlreadyDone, outcome)
}

func TestStartRejectsChangedParameters(t *testing.T) {
	transport := board.NewMemTransport()
	n := newTestNode(t, "node1", transport)

	_, err := n.engine.Start("demo", 2, 3)
	require.NoError(t, err)
	_, err = n.engine.Start("demo", 3, 3)
	assert.ErrorIs(t, err, custodyerr.ErrParticipantMismatch)
}

func TestMismatchedParametersFailTheRound(t *testing.T) {
	transport := board.NewMemTransport()
	nodes := newTestNodes(t, transport, "node1", "node2")

	_, err := nodes[0].engine.Start("demo", 2, 2)
	require.NoError(t, err)
	_, err = nodes[1].engine.Start("demo", 1, 2)
	require.NoError(t, err)

	_, err = nodes[0].engine.Distribute("demo")
	assert.ErrorIs(t, err, custodyerr.ErrParticipantMismatch)
}

// A corrupted share is detected at finalise: the victim posts a complaint
// and refuses to finalise, and the complaint blocks other nodes from
// finalising on the accused dealer's material.
func TestBadShareDetectedAtFinalize(t *testing.T) {
	transport := board.NewMemTransport()
	nodes := newTestNodes(t, transport, "node1", "node2", "node3")
	node1, node2, node3 := nodes[0], nodes[1], nodes[2]

	for _, n := range nodes {
		_, err := n.engine.Start("demo", 2, 3)
		require.NoError(t, err)
	}

	// node2 deals node3 a share unrelated to its commitments. The crafted
	// blob lands first; node2's own distribute skips already-posted paths.
	identBlob, err := node3.board.Read(wire.IdentityPath("node3"))
	require.NoError(t, err)
	var ident wire.Identity
	require.NoError(t, wire.Decode(identBlob, &ident))
	bogus, err := curve.RandomScalar()
	require.NoError(t, err)
	ct, err := identity.EncryptForRecipient([]byte(ident.PublicKeyPEM), bogus.Bytes())
	require.NoError(t, err)
	require.NoError(t, node2.board.Post(wire.DKGSharePath("demo", "node2", "node3"), ct))

	for _, n := range nodes {
		_, err := n.engine.Distribute("demo")
		require.NoError(t, err)
	}

	_, err = node3.engine.Finalize("demo")
	assert.ErrorIs(t, err, custodyerr.ErrDKGVerificationFailed)

	complaintBlob, err := node3.board.Read(wire.ComplaintPath("demo", "node3", "node2"))
	require.NoError(t, err)
	require.NotNil(t, complaintBlob, "complaint artifact must be posted")
	var complaint wire.Complaint
	require.NoError(t, wire.Decode(complaintBlob, &complaint))
	assert.Equal(t, party.ID("node3"), complaint.Accuser)
	assert.Equal(t, party.ID("node2"), complaint.Accused)

	s, err := node3.state.Load()
	require.NoError(t, err)
	assert.Equal(t, state.PhaseDistributed, s.Round("demo").Phase, "round must not advance")

	// The standing complaint now gates everyone else's finalise too.
	_, err = node1.engine.Finalize("demo")
	assert.ErrorIs(t, err, custodyerr.ErrDKGVerificationFailed)
}

func TestFinalizeWaitsForShares(t *testing.T) {
	transport := board.NewMemTransport()
	nodes := newTestNodes(t, transport, "node1", "node2")

	for _, n := range nodes {
		_, err := n.engine.Start("demo", 2, 2)
		require.NoError(t, err)
	}
	_, err := nodes[0].engine.Distribute("demo")
	require.NoError(t, err)

	// node2 has not distributed yet, so node1 is missing a share.
	outcome, err := nodes[0].engine.Finalize("demo")
	require.NoError(t, err)
	assert.Equal(t, Pending, outcome)
}
