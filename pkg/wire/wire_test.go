package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threshold-custody/core/pkg/party"
)

func TestDecodeRejectsUnknownFields(t *testing.T) {
	blob := []byte(`{"participants":["node1"],"locked_by":"node1","timestamp":"2026-01-01T00:00:00Z","extra":true}`)
	var session Session
	err := Decode(blob, &session)
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := &Session{
		Participants: []party.ID{"node1", "node2"},
		LockedBy:     "node1",
		Timestamp:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	blob, err := Encode(in)
	require.NoError(t, err)

	var out Session
	require.NoError(t, Decode(blob, &out))
	assert.Equal(t, in.Participants, out.Participants)
	assert.Equal(t, in.LockedBy, out.LockedBy)
	assert.True(t, in.Timestamp.Equal(out.Timestamp))
}

func TestMessageCarriesRawBytes(t *testing.T) {
	in := &SigningRequest{
		RequestID:        "tx_a1cf0b1c",
		Message:          []byte("Pay 100 BTC to Satoshi"),
		MessageDigestHex: "00",
		Requester:        "node1",
		Threshold:        2,
		CreatedAt:        time.Now().UTC(),
	}
	blob, err := Encode(in)
	require.NoError(t, err)

	var out SigningRequest
	require.NoError(t, Decode(blob, &out))
	assert.Equal(t, in.Message, out.Message)
}

func TestPathLayout(t *testing.T) {
	assert.Equal(t, "identity/node1", IdentityPath("node1"))
	assert.Equal(t, "dkg/demo/commitments/node1.json", DKGCommitmentPath("demo", "node1"))
	assert.Equal(t, "dkg/demo/shares/node1_to_node2.enc", DKGSharePath("demo", "node1", "node2"))
	assert.Equal(t, "dkg/demo/complaints/node3_vs_node2.json", ComplaintPath("demo", "node3", "node2"))
	assert.Equal(t, "signing/tx_1/request.json", RequestPath("tx_1"))
	assert.Equal(t, "signing/tx_1/session.json", SessionPath("tx_1"))
	assert.Equal(t, "signing/tx_1/commitments/node1.json", SigningCommitmentPath("tx_1", "node1"))
	assert.Equal(t, "signing/tx_1/partials/node1.json", PartialPath("tx_1", "node1"))
	assert.Equal(t, "signing/tx_1/result.json", ResultPath("tx_1"))
}
