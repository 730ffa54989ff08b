package signer

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	qt "github.com/frankban/quicktest"

	"github.com/relayforge/relay-node/crypto/ethereum"
)

func TestLocalSignTx(t *testing.T) {
	c := qt.New(t)
	key, err := ethereum.NewSigner()
	c.Assert(err, qt.IsNil)
	s := NewLocalFromKey(key)
	c.Assert(s.Address(), qt.Equals, key.Address())

	chainID := big.NewInt(31337)
	to := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	tx := gtypes.NewTx(&gtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     7,
		To:        &to,
		Gas:       100_000,
		GasFeeCap: big.NewInt(2_000_000_000),
		GasTipCap: big.NewInt(1_000_000_000),
	})

	signed, err := s.SignTx(context.Background(), chainID, tx)
	c.Assert(err, qt.IsNil)

	from, err := gtypes.Sender(gtypes.LatestSignerForChainID(chainID), signed)
	c.Assert(err, qt.IsNil)
	c.Assert(from, qt.Equals, s.Address())
}

func TestNewLocalRejectsBadKey(t *testing.T) {
	c := qt.New(t)
	_, err := NewLocal("not-a-key")
	c.Assert(err, qt.ErrorIs, ErrDenied)
}
