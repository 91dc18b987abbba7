package address

import (
	"testing"

	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateBTC(t *testing.T) {
	v, err := NewValidator("mainnet")
	require.NoError(t, err)

	cases := []struct {
		name string
		addr string
		ok   bool
	}{
		{name: "p2pkh", addr: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", ok: true},
		{name: "bech32", addr: "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", ok: true},
		{name: "testnet_on_mainnet", addr: "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", ok: false},
		{name: "garbage", addr: "not-an-address", ok: false},
		{name: "empty", addr: " ", ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(domain.AssetBTC, tc.addr)
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, domain.ErrInvalidDestination)
		})
	}
}

func TestValidateUSDC(t *testing.T) {
	v, err := NewValidator("mainnet")
	require.NoError(t, err)

	require.NoError(t, v.Validate(domain.AssetUSDC, "0x52908400098527886E0F7030069857D2E4169EE7"))
	require.ErrorIs(t, v.Validate(domain.AssetUSDC, "0x123"), domain.ErrInvalidDestination)
	require.ErrorIs(t, v.Validate(domain.AssetUSDC, "0x0000000000000000000000000000000000000000"), domain.ErrInvalidDestination)
}

func TestValidateUnsupportedAsset(t *testing.T) {
	v, err := NewValidator("")
	require.NoError(t, err)
	require.ErrorIs(t, v.Validate("DOGE", "D123"), domain.ErrUnsupportedAsset)
}

func TestNetworkParams(t *testing.T) {
	p, err := NetworkParams("regtest")
	require.NoError(t, err)
	assert.Equal(t, "regtest", p.Name)

	_, err = NetworkParams("moonnet")
	require.Error(t, err)
}
