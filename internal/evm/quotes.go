package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/shizukutanaka/seisan/internal/chain"
)

const lenderABIJSON = `[
	{"type":"function","name":"flashFee","stateMutability":"view",
	 "inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

const routerABIJSON = `[
	{"type":"function","name":"getAmountOut","stateMutability":"view",
	 "inputs":[{"name":"tokenIn","type":"address"},
	           {"name":"tokenOut","type":"address"},
	           {"name":"amountIn","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

// FlashLender quotes flash-loan fees from the lender contract.
type FlashLender struct {
	client   caller
	contract common.Address
	abi      abi.ABI
}

func NewFlashLender(client *ethclient.Client, addr common.Address) (*FlashLender, error) {
	parsed, err := abi.JSON(strings.NewReader(lenderABIJSON))
	if err != nil {
		return nil, fmt.Errorf("lender abi: %w", err)
	}
	return &FlashLender{client: client, contract: addr, abi: parsed}, nil
}

func (l *FlashLender) QuoteFee(ctx context.Context, asset common.Address, amount decimal.Decimal) (decimal.Decimal, error) {
	input, err := l.abi.Pack("flashFee", asset, toWad(amount))
	if err != nil {
		return decimal.Zero, fmt.Errorf("pack flashFee: %w", err)
	}
	raw, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &l.contract, Data: input}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("flashFee: %w", err)
	}
	out, err := l.abi.Unpack("flashFee", raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unpack flashFee: %w", err)
	}
	return decimal.NewFromBigInt(out[0].(*big.Int), wadExp), nil
}

// SwapRouter quotes collateral-to-debt swaps from the DEX router.
type SwapRouter struct {
	client   caller
	contract common.Address
	abi      abi.ABI
}

func NewSwapRouter(client *ethclient.Client, addr common.Address) (*SwapRouter, error) {
	parsed, err := abi.JSON(strings.NewReader(routerABIJSON))
	if err != nil {
		return nil, fmt.Errorf("router abi: %w", err)
	}
	return &SwapRouter{client: client, contract: addr, abi: parsed}, nil
}

func (r *SwapRouter) QuoteSwap(ctx context.Context, from, to common.Address, amountIn decimal.Decimal) (decimal.Decimal, error) {
	input, err := r.abi.Pack("getAmountOut", from, to, toWad(amountIn))
	if err != nil {
		return decimal.Zero, fmt.Errorf("pack getAmountOut: %w", err)
	}
	raw, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &r.contract, Data: input}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("getAmountOut: %w", err)
	}
	out, err := r.abi.Unpack("getAmountOut", raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("unpack getAmountOut: %w", err)
	}
	return decimal.NewFromBigInt(out[0].(*big.Int), wadExp), nil
}

var (
	_ chain.FlashLender = (*FlashLender)(nil)
	_ chain.SwapRouter  = (*SwapRouter)(nil)
)
