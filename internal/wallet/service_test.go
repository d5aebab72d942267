package wallet

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateMoneyReq(t *testing.T) {
	require.NoError(t, validateMoneyReq("owner", 1, "k"))
	require.Error(t, validateMoneyReq("", 1, "k"))
	require.Error(t, validateMoneyReq("owner", 0, "k"))
	require.Error(t, validateMoneyReq("owner", -5, "k"))
	require.Error(t, validateMoneyReq("owner", 1, ""))
}
