package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shizukutanaka/seisan/internal/chain"
)

const poolEventsABIJSON = `[
	{"type":"event","name":"Supplied","inputs":[
	  {"name":"poolId","type":"uint256","indexed":true},
	  {"name":"user","type":"address","indexed":true},
	  {"name":"collateralAsset","type":"address","indexed":false},
	  {"name":"debtAsset","type":"address","indexed":false},
	  {"name":"shares","type":"uint256","indexed":false}]},
	{"type":"event","name":"Withdrawn","inputs":[
	  {"name":"poolId","type":"uint256","indexed":true},
	  {"name":"user","type":"address","indexed":true},
	  {"name":"collateralAsset","type":"address","indexed":false},
	  {"name":"debtAsset","type":"address","indexed":false},
	  {"name":"shares","type":"uint256","indexed":false}]},
	{"type":"event","name":"Borrowed","inputs":[
	  {"name":"poolId","type":"uint256","indexed":true},
	  {"name":"user","type":"address","indexed":true},
	  {"name":"collateralAsset","type":"address","indexed":false},
	  {"name":"debtAsset","type":"address","indexed":false},
	  {"name":"nominalDebt","type":"uint256","indexed":false}]},
	{"type":"event","name":"Repaid","inputs":[
	  {"name":"poolId","type":"uint256","indexed":true},
	  {"name":"user","type":"address","indexed":true},
	  {"name":"collateralAsset","type":"address","indexed":false},
	  {"name":"debtAsset","type":"address","indexed":false},
	  {"name":"nominalDebt","type":"uint256","indexed":false}]},
	{"type":"event","name":"Liquidated","inputs":[
	  {"name":"poolId","type":"uint256","indexed":true},
	  {"name":"user","type":"address","indexed":true},
	  {"name":"collateralAsset","type":"address","indexed":false},
	  {"name":"debtAsset","type":"address","indexed":false},
	  {"name":"sharesSeized","type":"uint256","indexed":false},
	  {"name":"nominalDebtRepaid","type":"uint256","indexed":false}]}
]`

// logReader is the slice of ethclient the event feed needs.
type logReader interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EventFeed turns pool contract logs into position events. Live delivery
// polls FilterLogs so it works against plain HTTP endpoints.
type EventFeed struct {
	client       logReader
	contract     common.Address
	abi          abi.ABI
	logger       *zap.Logger
	pollInterval time.Duration
	batchBlocks  uint64
}

// NewEventFeed binds the pool's event surface at addr.
func NewEventFeed(client *ethclient.Client, addr common.Address, logger *zap.Logger) (*EventFeed, error) {
	return newEventFeed(client, addr, logger)
}

func newEventFeed(client logReader, addr common.Address, logger *zap.Logger) (*EventFeed, error) {
	parsed, err := abi.JSON(strings.NewReader(poolEventsABIJSON))
	if err != nil {
		return nil, fmt.Errorf("pool events abi: %w", err)
	}
	return &EventFeed{
		client:       client,
		contract:     addr,
		abi:          parsed,
		logger:       logger,
		pollInterval: 3 * time.Second,
		batchBlocks:  5000,
	}, nil
}

// Replay walks historical logs in bounded block ranges.
func (f *EventFeed) Replay(ctx context.Context, fromBlock uint64, fn func(chain.Event) error) error {
	head, err := f.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("head block: %w", err)
	}

	for from := fromBlock; from <= head; from += f.batchBlocks {
		to := from + f.batchBlocks - 1
		if to > head {
			to = head
		}
		logs, err := f.client.FilterLogs(ctx, f.query(from, to))
		if err != nil {
			return fmt.Errorf("filter logs %d..%d: %w", from, to, err)
		}
		for _, lg := range logs {
			ev, err := f.parse(lg)
			if err != nil {
				f.logger.Warn("unparseable pool log",
					zap.Uint64("block", lg.BlockNumber),
					zap.String("tx", lg.TxHash.Hex()),
					zap.Error(err),
				)
				continue
			}
			if err := fn(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

// Subscribe polls for new logs after afterBlock. The event channel closes
// when ctx ends; a fatal filter error is delivered on the error channel.
func (f *EventFeed) Subscribe(ctx context.Context, afterBlock uint64) (<-chan chain.Event, <-chan error, error) {
	evCh := make(chan chain.Event, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(evCh)
		defer close(errCh)

		cursor := afterBlock
		ticker := time.NewTicker(f.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			head, err := f.client.BlockNumber(ctx)
			if err != nil {
				f.logger.Warn("head poll failed", zap.Error(err))
				continue
			}
			if head <= cursor {
				continue
			}

			logs, err := f.client.FilterLogs(ctx, f.query(cursor+1, head))
			if err != nil {
				f.logger.Warn("log poll failed",
					zap.Uint64("from", cursor+1),
					zap.Uint64("to", head),
					zap.Error(err),
				)
				continue
			}

			for _, lg := range logs {
				ev, err := f.parse(lg)
				if err != nil {
					f.logger.Warn("unparseable pool log",
						zap.String("tx", lg.TxHash.Hex()),
						zap.Error(err),
					)
					continue
				}
				select {
				case evCh <- ev:
				case <-ctx.Done():
					return
				}
			}
			cursor = head
		}
	}()

	return evCh, errCh, nil
}

func (f *EventFeed) query(from, to uint64) ethereum.FilterQuery {
	topics := make([]common.Hash, 0, len(f.abi.Events))
	for _, ev := range f.abi.Events {
		topics = append(topics, ev.ID)
	}
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{f.contract},
		Topics:    [][]common.Hash{topics},
	}
}

// parse decodes one pool log into a position event with signed native deltas.
func (f *EventFeed) parse(lg types.Log) (chain.Event, error) {
	if len(lg.Topics) < 3 {
		return chain.Event{}, fmt.Errorf("log has %d topics", len(lg.Topics))
	}

	abiEv, err := f.abi.EventByID(lg.Topics[0])
	if err != nil {
		return chain.Event{}, err
	}

	values, err := f.abi.Unpack(abiEv.Name, lg.Data)
	if err != nil {
		return chain.Event{}, fmt.Errorf("unpack %s: %w", abiEv.Name, err)
	}

	ref := chain.PositionRef{
		PoolID:          new(big.Int).SetBytes(lg.Topics[1].Bytes()).Uint64(),
		User:            common.BytesToAddress(lg.Topics[2].Bytes()),
		CollateralAsset: values[0].(common.Address),
		DebtAsset:       values[1].(common.Address),
	}

	ev := chain.Event{
		Block:     lg.BlockNumber,
		TxIndex:   lg.TxIndex,
		LogIndex:  lg.Index,
		TxHash:    lg.TxHash,
		Ref:       ref,
		Timestamp: time.Now(),
	}

	amount := decimal.NewFromBigInt(values[2].(*big.Int), wadExp)

	switch abiEv.Name {
	case "Supplied":
		ev.Kind = chain.EventSupplied
		ev.CollateralDelta = amount
	case "Withdrawn":
		ev.Kind = chain.EventWithdrawn
		ev.CollateralDelta = amount.Neg()
	case "Borrowed":
		ev.Kind = chain.EventBorrowed
		ev.DebtDelta = amount
	case "Repaid":
		ev.Kind = chain.EventRepaid
		ev.DebtDelta = amount.Neg()
	case "Liquidated":
		ev.Kind = chain.EventLiquidated
		ev.CollateralDelta = amount.Neg()
		ev.DebtDelta = decimal.NewFromBigInt(values[3].(*big.Int), wadExp).Neg()
	default:
		return chain.Event{}, fmt.Errorf("unexpected event %s", abiEv.Name)
	}

	return ev, nil
}

var _ chain.EventSource = (*EventFeed)(nil)
