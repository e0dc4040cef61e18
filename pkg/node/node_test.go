package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threshold-custody/core/internal/config"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		NodeID:              "node1",
		Threshold:           2,
		Total:               3,
		OperationMode:       "demo",
		DataDir:             t.TempDir(),
		SecretModulePIN:     "1234",
		SecretModuleBackend: "memory",
		BoardBackend:        "memory",
	}
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.NodeID = ""
	_, err := New(cfg, nil)
	assert.Error(t, err)

	cfg = newTestConfig(t)
	cfg.Threshold = 4
	_, err = New(cfg, nil)
	assert.Error(t, err)

	cfg = newTestConfig(t)
	cfg.SecretModuleBackend = "hsm9000"
	_, err = New(cfg, nil)
	assert.Error(t, err)
}

func TestInitIsIdempotent(t *testing.T) {
	cfg := newTestConfig(t)
	n, err := New(cfg, nil)
	require.NoError(t, err)
	defer n.Close()

	created, err := n.Init()
	require.NoError(t, err)
	assert.True(t, created)

	created, err = n.Init()
	require.NoError(t, err)
	assert.False(t, created)

	st, err := n.Status()
	require.NoError(t, err)
	assert.True(t, st.Initialized)
	assert.True(t, st.IdentityPosted)
	assert.Contains(t, st.BoardIdentities, n.ID)
}

func TestAuditOnFreshNode(t *testing.T) {
	cfg := newTestConfig(t)
	n, err := New(cfg, nil)
	require.NoError(t, err)
	defer n.Close()

	_, err = n.Init()
	require.NoError(t, err)

	report, err := n.Audit()
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.Equal(t, uint64(0), report.Counter)
}
