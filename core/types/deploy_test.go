package types

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/tos-network/go-highway/params"
)

const now = params.Timestamp(1_600_000_000_000)

func header(ts params.Timestamp, ttl params.TimeDiff) DeployHeader {
	return DeployHeader{Timestamp: ts, TTL: ttl, GasPrice: 2}
}

func TestDeployHeaderExpiry(t *testing.T) {
	h := header(now, 10_000)
	require.False(t, h.Expired(now))
	require.False(t, h.Expired(now.Add(10_000)), "boundary instant is not expired")
	require.True(t, h.Expired(now.Add(10_000)+1))
}

func TestDeployHeaderValidate(t *testing.T) {
	cfg := params.DefaultDeployConfig

	h := header(now, 10_000)
	require.NoError(t, h.Validate(&cfg, now.Add(1)))

	tooLong := header(now, cfg.MaxTTL+1)
	require.ErrorIs(t, tooLong.Validate(&cfg, now), ErrExcessiveTTL)

	future := header(now+1, 10_000)
	require.ErrorIs(t, future.Validate(&cfg, now), ErrFutureDeploy)

	expired := header(now, 1_000)
	require.ErrorIs(t, expired.Validate(&cfg, now.Add(2_000)), ErrDeployExpired)

	deps := header(now, 10_000)
	deps.Dependencies = make([]common.Hash, cfg.MaxDependencies+1)
	require.ErrorIs(t, deps.Validate(&cfg, now), ErrExcessiveDeps)
}

func TestPaymentGas(t *testing.T) {
	d := &DeployType{
		Kind:          WasmDeploy,
		Header:        header(now, 10_000),
		PaymentAmount: big.NewInt(10),
	}
	gas, err := d.PaymentGas()
	require.NoError(t, err)
	require.Equal(t, uint64(5), gas, "10 motes at gas price 2")

	d.Header.GasPrice = 0
	_, err = d.PaymentGas()
	require.ErrorIs(t, err, ErrGasPriceZero)

	d.Header.GasPrice = 1
	d.PaymentAmount = new(big.Int).Lsh(big.NewInt(1), 70)
	_, err = d.PaymentGas()
	require.ErrorIs(t, err, ErrGasConversion)
}

func TestProtoBlockHashAndValidation(t *testing.T) {
	empty := NewProtoBlock(nil, nil, now, false)
	require.False(t, empty.NeedsValidation())

	full := NewProtoBlock([]common.Hash{{0x01}}, []common.Hash{{0x02}}, now, true)
	require.True(t, full.NeedsValidation())
	require.Len(t, full.Deploys(), 2)
	require.Equal(t, common.Hash{0x01}, full.Deploys()[0], "wasm deploys come first")

	require.NotEqual(t, empty.Hash(), full.Hash())
	require.Equal(t, full.Hash(), full.Hash(), "hash is deterministic")
}
