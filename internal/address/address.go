package address

import (
	"fmt"
	"strings"

	"github.com/bitcard/fulfillment-engine/internal/domain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
)

// Validator checks payout destinations for the asset being delivered.
type Validator struct {
	btcParams *chaincfg.Params
}

// NewValidator returns a validator for the named bitcoin network (mainnet, testnet, signet or regtest).
func NewValidator(network string) (*Validator, error) {
	params, err := NetworkParams(network)
	if err != nil {
		return nil, err
	}
	return &Validator{btcParams: params}, nil
}

func NetworkParams(network string) (*chaincfg.Params, error) {
	switch strings.ToLower(strings.TrimSpace(network)) {
	case "", "mainnet", "main":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", network)
	}
}

// Validate returns domain.ErrInvalidDestination when addr cannot receive asset.
func (v *Validator) Validate(asset, addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("%w: empty address", domain.ErrInvalidDestination)
	}
	switch asset {
	case domain.AssetBTC:
		decoded, err := btcutil.DecodeAddress(addr, v.btcParams)
		if err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidDestination, err)
		}
		if !decoded.IsForNet(v.btcParams) {
			return fmt.Errorf("%w: address is not for %s", domain.ErrInvalidDestination, v.btcParams.Name)
		}
		return nil
	case domain.AssetUSDC, domain.AssetUSDCCompany:
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%w: not a hex address", domain.ErrInvalidDestination)
		}
		if common.HexToAddress(addr) == (common.Address{}) {
			return fmt.Errorf("%w: zero address", domain.ErrInvalidDestination)
		}
		return nil
	default:
		return fmt.Errorf("%w: %s", domain.ErrUnsupportedAsset, asset)
	}
}
