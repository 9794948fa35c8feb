package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shizukutanaka/seisan/internal/chain"
)

const liquidatorABIJSON = `[
	{"type":"function","name":"liquidate","stateMutability":"nonpayable",
	 "inputs":[{"name":"poolId","type":"uint256"},
	           {"name":"user","type":"address"},
	           {"name":"collateralAsset","type":"address"},
	           {"name":"debtAsset","type":"address"},
	           {"name":"debtToRepay","type":"uint256"},
	           {"name":"minCollateral","type":"uint256"},
	           {"name":"minSwapOut","type":"uint256"}],
	 "outputs":[]},
	{"type":"event","name":"LiquidationExecuted","inputs":[
	  {"name":"user","type":"address","indexed":true},
	  {"name":"collateralSeized","type":"uint256","indexed":false},
	  {"name":"swapProceeds","type":"uint256","indexed":false},
	  {"name":"debtRepaid","type":"uint256","indexed":false},
	  {"name":"flashFeePaid","type":"uint256","indexed":false}]},
	{"type":"event","name":"AlreadyLiquidated","inputs":[
	  {"name":"user","type":"address","indexed":true}]}
]`

// Submitter sends liquidation bundles through the deployed liquidator
// contract. The contract performs the flash borrow, the pool call, the swap
// and the repayment in one transaction; any failed step reverts the whole
// bundle.
type Submitter struct {
	client   *ethclient.Client
	contract common.Address
	abi      abi.ABI
	key      *ecdsa.PrivateKey
	sender   common.Address
	chainID  *big.Int
	logger   *zap.Logger

	// gasCostEstimate prices the transaction's gas in debt asset units for
	// profit accounting. Exact conversion needs the gas token's price at
	// confirmation time, which is not worth a second oracle round trip.
	gasCostEstimate decimal.Decimal
}

// NewSubmitter binds the liquidator contract and the signing key.
func NewSubmitter(
	client *ethclient.Client,
	contract common.Address,
	privateKeyHex string,
	gasCostEstimate decimal.Decimal,
	logger *zap.Logger,
) (*Submitter, error) {
	parsed, err := abi.JSON(strings.NewReader(liquidatorABIJSON))
	if err != nil {
		return nil, fmt.Errorf("liquidator abi: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("liquidator key: %w", err)
	}

	chainID, err := client.ChainID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}

	return &Submitter{
		client:          client,
		contract:        contract,
		abi:             parsed,
		key:             key,
		sender:          crypto.PubkeyToAddress(key.PublicKey),
		chainID:         chainID,
		logger:          logger,
		gasCostEstimate: gasCostEstimate,
	}, nil
}

func (s *Submitter) LiquidatorAddress() common.Address { return s.sender }

// Submit signs the bundle, sends it and waits for the receipt within the
// caller's deadline.
func (s *Submitter) Submit(ctx context.Context, bundle chain.Bundle) (chain.Receipt, error) {
	input, err := s.abi.Pack("liquidate",
		new(big.Int).SetUint64(bundle.Ref.PoolID),
		bundle.Ref.User,
		bundle.Ref.CollateralAsset,
		bundle.Ref.DebtAsset,
		toWad(bundle.DebtToRepay),
		toWad(bundle.MinCollateralToReceive),
		toWad(bundle.MinSwapOut),
	)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("pack liquidate: %w", err)
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.sender)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, s.contract, big.NewInt(0), bundle.GasLimit, gasPrice, input)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("sign: %w", err)
	}

	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return chain.Receipt{}, fmt.Errorf("send: %w", err)
	}

	s.logger.Info("liquidation bundle sent",
		zap.String("tx", signed.Hash().Hex()),
		zap.String("user", bundle.Ref.User.Hex()),
	)

	receipt, err := bind.WaitMined(ctx, s.client, signed)
	if err != nil {
		return chain.Receipt{}, fmt.Errorf("wait mined %s: %w", signed.Hash().Hex(), err)
	}

	return s.toChainReceipt(bundle, receipt), nil
}

// toChainReceipt maps the transaction receipt onto the engine's receipt,
// preferring the contract's execution log over the planned amounts.
func (s *Submitter) toChainReceipt(bundle chain.Bundle, r *types.Receipt) chain.Receipt {
	out := chain.Receipt{
		TxHash:    r.TxHash,
		Block:     r.BlockNumber.Uint64(),
		GasCost:   s.gasCostEstimate,
		Timestamp: time.Now(),
	}

	if r.Status != types.ReceiptStatusSuccessful {
		out.Status = chain.ReceiptReverted
		return out
	}

	executedID := s.abi.Events["LiquidationExecuted"].ID
	supersededID := s.abi.Events["AlreadyLiquidated"].ID

	for _, lg := range r.Logs {
		if lg.Address != s.contract || len(lg.Topics) == 0 {
			continue
		}
		switch lg.Topics[0] {
		case supersededID:
			out.Status = chain.ReceiptAlreadyLiquidated
			return out
		case executedID:
			values, err := s.abi.Unpack("LiquidationExecuted", lg.Data)
			if err != nil {
				s.logger.Warn("unparseable execution log, using planned amounts",
					zap.String("tx", r.TxHash.Hex()),
					zap.Error(err),
				)
				break
			}
			out.Status = chain.ReceiptConfirmed
			out.CollateralSeized = decimal.NewFromBigInt(values[0].(*big.Int), wadExp)
			out.SwapProceeds = decimal.NewFromBigInt(values[1].(*big.Int), wadExp)
			out.DebtRepaid = decimal.NewFromBigInt(values[2].(*big.Int), wadExp)
			out.FlashFeePaid = decimal.NewFromBigInt(values[3].(*big.Int), wadExp)
			return out
		}
	}

	// Succeeded but no recognised log; fall back to the bundle's own
	// amounts so accounting stays conservative.
	out.Status = chain.ReceiptConfirmed
	out.CollateralSeized = bundle.MinCollateralToReceive
	out.SwapProceeds = bundle.MinSwapOut
	out.DebtRepaid = bundle.DebtToRepay
	return out
}

// toWad converts a decimal amount to the contracts' 1e18 fixed point.
func toWad(d decimal.Decimal) *big.Int {
	return d.Shift(18).Truncate(0).BigInt()
}

var _ chain.BundleSubmitter = (*Submitter)(nil)
