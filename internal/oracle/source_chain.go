package oracle

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const aggregatorABIJSON = `[{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"}]`

var aggregatorABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ChainSourceOptions parameterise the on-chain aggregator source.
type ChainSourceOptions struct {
	Name              string
	RPCURL            string
	AggregatorAddress string
}

// ChainSource reads a Chainlink-style price aggregator over Ethereum RPC.
type ChainSource struct {
	opts   ChainSourceOptions
	logger zerolog.Logger

	clientMux sync.Mutex
	client    *ethclient.Client

	decimalsMux sync.Mutex
	decimals    int32
	decimalsSet bool
}

// NewChainSource builds an on-chain price source.
func NewChainSource(opts ChainSourceOptions, logger zerolog.Logger) *ChainSource {
	return &ChainSource{
		opts:   opts,
		logger: logger.With().Str("component", "chain_source").Str("source", opts.Name).Logger(),
	}
}

func (s *ChainSource) Name() string { return s.opts.Name }

// Fetch reads latestRoundData from the aggregator contract.
func (s *ChainSource) Fetch(ctx context.Context) (decimal.Decimal, error) {
	if s.opts.RPCURL == "" {
		return decimal.Decimal{}, errors.New("ethereum rpc url not configured")
	}
	if s.opts.AggregatorAddress == "" {
		return decimal.Decimal{}, errors.New("aggregator contract address not configured")
	}

	client, err := s.getClient(ctx)
	if err != nil {
		return decimal.Decimal{}, err
	}

	addr := common.HexToAddress(s.opts.AggregatorAddress)

	scale, err := s.getDecimals(ctx, client, addr)
	if err != nil {
		return decimal.Decimal{}, err
	}

	payload, err := aggregatorABI.Pack("latestRoundData")
	if err != nil {
		return decimal.Decimal{}, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return decimal.Decimal{}, err
	}

	outputs, err := aggregatorABI.Unpack("latestRoundData", res)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if len(outputs) != 5 {
		return decimal.Decimal{}, errors.New("unexpected latestRoundData response")
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode aggregator answer")
	}

	return decimal.NewFromBigInt(answer, -scale), nil
}

func (s *ChainSource) getDecimals(ctx context.Context, client *ethclient.Client, addr common.Address) (int32, error) {
	s.decimalsMux.Lock()
	defer s.decimalsMux.Unlock()

	if s.decimalsSet {
		return s.decimals, nil
	}

	payload, err := aggregatorABI.Pack("decimals")
	if err != nil {
		return 0, err
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return 0, err
	}

	outputs, err := aggregatorABI.Unpack("decimals", res)
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, errors.New("unexpected decimals response")
	}

	value, ok := outputs[0].(uint8)
	if !ok {
		return 0, errors.New("failed to decode decimals output")
	}

	s.decimals = int32(value)
	s.decimalsSet = true
	return s.decimals, nil
}

func (s *ChainSource) getClient(ctx context.Context) (*ethclient.Client, error) {
	s.clientMux.Lock()
	defer s.clientMux.Unlock()

	if s.client != nil {
		return s.client, nil
	}

	client, err := ethclient.DialContext(ctx, s.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	s.client = client
	return client, nil
}

var _ Source = (*ChainSource)(nil)
