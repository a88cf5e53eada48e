package ledger

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robalobadob/rhythm-mint/assets"
)

func TestParseArtifact(t *testing.T) {
	parsed, err := ParseArtifact(assets.ContractArtifact)
	require.NoError(t, err)
	for _, kind := range ActionKinds {
		_, ok := parsed.Methods[kind.Method()]
		assert.True(t, ok, "missing method for %s", kind)
	}
	status, ok := parsed.Methods["getPlayerStatus"]
	require.True(t, ok)
	require.Len(t, status.Outputs, len(playerStatusFields))
	for i, out := range status.Outputs {
		assert.Equal(t, playerStatusFields[i], out.Name)
	}
	assert.True(t, parsed.Methods["payToPlay"].IsPayable())
}

func TestParseArtifact_BareArray(t *testing.T) {
	parsed, err := ParseArtifact([]byte(`[{"type":"function","name":"startGame","stateMutability":"nonpayable","inputs":[],"outputs":[]}]`))
	require.NoError(t, err)
	_, ok := parsed.Methods["startGame"]
	assert.True(t, ok)
}

func TestClassifySubmit(t *testing.T) {
	assert.ErrorIs(t, classifySubmit(keystore.ErrLocked), ErrSubmitRejected)
	assert.ErrorIs(t, classifySubmit(errors.New("User denied transaction signature")), ErrSubmitRejected)

	err := classifySubmit(errors.New("insufficient funds for gas * price + value"))
	assert.ErrorIs(t, err, ErrSubmit)
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	err = classifySubmit(errors.New("nonce too low"))
	assert.ErrorIs(t, err, ErrSubmit)
	assert.NotErrorIs(t, err, ErrSubmitRejected)
}
