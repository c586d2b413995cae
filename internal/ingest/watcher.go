package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Event ABIs for the three memory contracts. Indexed params arrive in
// topics, the rest in data.
const (
	registryABI = `[
		{"type":"event","name":"PatternRegistered","inputs":[
			{"name":"patternHash","type":"bytes32","indexed":true},
			{"name":"name","type":"string","indexed":false},
			{"name":"description","type":"string","indexed":false},
			{"name":"severity","type":"uint8","indexed":false},
			{"name":"category","type":"string","indexed":false},
			{"name":"timestamp","type":"uint256","indexed":false}]},
		{"type":"event","name":"PatternOccurrence","inputs":[
			{"name":"patternHash","type":"bytes32","indexed":true},
			{"name":"detectedAddress","type":"address","indexed":true},
			{"name":"timestamp","type":"uint256","indexed":false}]},
		{"type":"event","name":"PatternDeactivated","inputs":[
			{"name":"patternHash","type":"bytes32","indexed":true},
			{"name":"timestamp","type":"uint256","indexed":false}]}]`

	oracleABI = `[
		{"type":"event","name":"RiskScoreUpdated","inputs":[
			{"name":"addr","type":"address","indexed":true},
			{"name":"newRiskScore","type":"uint8","indexed":false},
			{"name":"timestamp","type":"uint256","indexed":false}]},
		{"type":"event","name":"RiskDataUpdated","inputs":[
			{"name":"addr","type":"address","indexed":true},
			{"name":"totalTransactions","type":"uint256","indexed":false},
			{"name":"flaggedTransactions","type":"uint256","indexed":false},
			{"name":"timestamp","type":"uint256","indexed":false}]}]`

	permissionABI = `[
		{"type":"event","name":"PermissionGranted","inputs":[
			{"name":"permissionHash","type":"bytes32","indexed":true},
			{"name":"user","type":"address","indexed":true},
			{"name":"target","type":"address","indexed":true},
			{"name":"permissionType","type":"uint8","indexed":false},
			{"name":"expiresAt","type":"uint256","indexed":false},
			{"name":"timestamp","type":"uint256","indexed":false}]},
		{"type":"event","name":"PermissionRevoked","inputs":[
			{"name":"permissionHash","type":"bytes32","indexed":true},
			{"name":"reason","type":"string","indexed":false},
			{"name":"timestamp","type":"uint256","indexed":false}]}]`
)

// WatcherConfig configures the contract log poller.
type WatcherConfig struct {
	RPCURL            string
	RegistryContract  common.Address
	OracleContract    common.Address
	PermissionManager common.Address
	PollInterval      time.Duration
	StartBlock        uint64 // 0 = latest
}

// DefaultWatcherConfig returns sensible defaults.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		PollInterval: 15 * time.Second,
		StartBlock:   0,
	}
}

// ChainWatcher polls the memory contracts for logs and turns them into
// domain events on the ingestor channel. Store-level idempotency keys make
// replays after a restart harmless, so the watcher only checkpoints its
// last scanned block.
type ChainWatcher struct {
	client   *ethclient.Client
	config   WatcherConfig
	ingestor *Ingestor
	logger   *slog.Logger

	registry    abi.ABI
	oracle      abi.ABI
	permissions abi.ABI

	lastBlock uint64

	stop chan struct{}
	done chan struct{}
}

// NewChainWatcher connects to the RPC endpoint and prepares the ABIs.
func NewChainWatcher(cfg WatcherConfig, ingestor *Ingestor, logger *slog.Logger) (*ChainWatcher, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	registry, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse registry ABI: %w", err)
	}
	oracle, err := abi.JSON(strings.NewReader(oracleABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse oracle ABI: %w", err)
	}
	permissions, err := abi.JSON(strings.NewReader(permissionABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse permission ABI: %w", err)
	}

	return &ChainWatcher{
		client:      client,
		config:      cfg,
		ingestor:    ingestor,
		logger:      logger,
		registry:    registry,
		oracle:      oracle,
		permissions: permissions,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}, nil
}

// Start begins polling for contract logs.
func (w *ChainWatcher) Start(ctx context.Context) error {
	if w.config.StartBlock == 0 {
		block, err := w.client.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock - 1
	}

	w.logger.Info("chain watcher started",
		"registry", w.config.RegistryContract.Hex(),
		"oracle", w.config.OracleContract.Hex(),
		"permissions", w.config.PermissionManager.Hex(),
		"startBlock", w.lastBlock+1,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit.
func (w *ChainWatcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *ChainWatcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.scan(ctx); err != nil {
				w.logger.Error("log scan failed", "error", err)
			}
		}
	}
}

func (w *ChainWatcher) scan(ctx context.Context) error {
	currentBlock, err := w.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}
	if currentBlock <= w.lastBlock {
		return nil
	}

	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(w.lastBlock + 1)),
		ToBlock:   big.NewInt(int64(currentBlock)),
		Addresses: []common.Address{
			w.config.RegistryContract,
			w.config.OracleContract,
			w.config.PermissionManager,
		},
	}
	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, vLog := range logs {
		event, err := w.decode(vLog)
		if err != nil {
			w.logger.Error("failed to decode log",
				"tx", vLog.TxHash.Hex(),
				"index", vLog.Index,
				"error", err,
			)
			continue
		}
		if event == nil {
			continue
		}
		if err := w.ingestor.Submit(ctx, event); err != nil {
			// Ingestor shut down or ctx cancelled; do not advance the
			// checkpoint past unsubmitted logs.
			return fmt.Errorf("failed to submit event: %w", err)
		}
	}

	w.lastBlock = currentBlock
	return nil
}

// decode maps a raw log to a domain event, or nil for logs the contracts
// emit that the memory does not track.
func (w *ChainWatcher) decode(vLog types.Log) (Event, error) {
	if len(vLog.Topics) == 0 {
		return nil, nil
	}
	topic := vLog.Topics[0]

	switch vLog.Address {
	case w.config.RegistryContract:
		return w.decodeRegistry(topic, vLog)
	case w.config.OracleContract:
		return w.decodeOracle(topic, vLog)
	case w.config.PermissionManager:
		return w.decodePermission(topic, vLog)
	}
	return nil, nil
}

func (w *ChainWatcher) decodeRegistry(topic common.Hash, vLog types.Log) (Event, error) {
	switch topic {
	case w.registry.Events["PatternRegistered"].ID:
		vals, err := w.registry.Unpack("PatternRegistered", vLog.Data)
		if err != nil {
			return nil, err
		}
		return PatternRegistered{
			PatternHash: vLog.Topics[1].Hex(),
			Name:        vals[0].(string),
			Description: vals[1].(string),
			Severity:    int(vals[2].(uint8)),
			Category:    vals[3].(string),
			Timestamp:   unixTime(vals[4]),
		}, nil
	case w.registry.Events["PatternOccurrence"].ID:
		if len(vLog.Topics) < 3 {
			return nil, fmt.Errorf("occurrence log has %d topics", len(vLog.Topics))
		}
		vals, err := w.registry.Unpack("PatternOccurrence", vLog.Data)
		if err != nil {
			return nil, err
		}
		return OccurrenceDetected{
			PatternHash:     vLog.Topics[1].Hex(),
			DetectedAddress: strings.ToLower(common.HexToAddress(vLog.Topics[2].Hex()).Hex()),
			TxRef:           vLog.TxHash.Hex(),
			LogIndex:        vLog.Index,
			BlockNumber:     vLog.BlockNumber,
			Timestamp:       unixTime(vals[0]),
		}, nil
	case w.registry.Events["PatternDeactivated"].ID:
		vals, err := w.registry.Unpack("PatternDeactivated", vLog.Data)
		if err != nil {
			return nil, err
		}
		return PatternDeactivated{
			PatternHash: vLog.Topics[1].Hex(),
			Timestamp:   unixTime(vals[0]),
		}, nil
	}
	return nil, nil
}

func (w *ChainWatcher) decodeOracle(topic common.Hash, vLog types.Log) (Event, error) {
	switch topic {
	case w.oracle.Events["RiskScoreUpdated"].ID:
		vals, err := w.oracle.Unpack("RiskScoreUpdated", vLog.Data)
		if err != nil {
			return nil, err
		}
		return RiskScoreUpdated{
			Address:   strings.ToLower(common.HexToAddress(vLog.Topics[1].Hex()).Hex()),
			RiskScore: int(vals[0].(uint8)),
			Timestamp: unixTime(vals[1]),
		}, nil
	case w.oracle.Events["RiskDataUpdated"].ID:
		vals, err := w.oracle.Unpack("RiskDataUpdated", vLog.Data)
		if err != nil {
			return nil, err
		}
		return RiskDataUpdated{
			Address:             strings.ToLower(common.HexToAddress(vLog.Topics[1].Hex()).Hex()),
			TotalTransactions:   bigInt64(vals[0]),
			FlaggedTransactions: bigInt64(vals[1]),
			Timestamp:           unixTime(vals[2]),
		}, nil
	}
	return nil, nil
}

func (w *ChainWatcher) decodePermission(topic common.Hash, vLog types.Log) (Event, error) {
	switch topic {
	case w.permissions.Events["PermissionGranted"].ID:
		if len(vLog.Topics) < 4 {
			return nil, fmt.Errorf("grant log has %d topics", len(vLog.Topics))
		}
		vals, err := w.permissions.Unpack("PermissionGranted", vLog.Data)
		if err != nil {
			return nil, err
		}
		var expiresAt *time.Time
		if exp := bigInt64(vals[1]); exp > 0 {
			t := time.Unix(exp, 0).UTC()
			expiresAt = &t
		}
		return PermissionGranted{
			PermissionHash: vLog.Topics[1].Hex(),
			User:           strings.ToLower(common.HexToAddress(vLog.Topics[2].Hex()).Hex()),
			Target:         strings.ToLower(common.HexToAddress(vLog.Topics[3].Hex()).Hex()),
			TypeCode:       int(vals[0].(uint8)),
			ExpiresAt:      expiresAt,
			Timestamp:      unixTime(vals[2]),
		}, nil
	case w.permissions.Events["PermissionRevoked"].ID:
		vals, err := w.permissions.Unpack("PermissionRevoked", vLog.Data)
		if err != nil {
			return nil, err
		}
		return PermissionRevoked{
			PermissionHash: vLog.Topics[1].Hex(),
			Reason:         vals[0].(string),
			Timestamp:      unixTime(vals[1]),
		}, nil
	}
	return nil, nil
}

func bigInt64(v any) int64 {
	b, ok := v.(*big.Int)
	if !ok || b == nil {
		return 0
	}
	return b.Int64()
}

func unixTime(v any) time.Time {
	return time.Unix(bigInt64(v), 0).UTC()
}
