// Package chain is the Polygon leg of the executor: it reads USDC and
// conditional-token balances, manages transaction nonces, and settles
// matched Yes+No pairs by calling mergePositions on the Conditional
// Tokens Framework. Everything here speaks raw JSON-RPC through
// go-ethereum; contract calls are hand-packed against the handful of
// selectors the bot needs.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// Polygon mainnet deployments. USDC is the bridged USDC.e contract the
// Polymarket exchanges settle in; the CTF holds every outcome token;
// the neg-risk adapter wraps the CTF for multi-outcome conditions.
const (
	DefaultRPCURL = "https://polygon-rpc.com"

	USDCAddress           = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"
	CTFAddress            = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
	NegRiskAdapterAddress = "0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296"
)

// backend is the slice of the Ethereum JSON-RPC surface this package
// touches. *ethclient.Client satisfies it; tests substitute a fake.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Client wraps a Polygon RPC connection with the contract reads the
// bot needs: collateral balances, position balances, and operator
// approvals. All reads hit the latest block.
type Client struct {
	eth     backend
	closer  func()
	chainID *big.Int

	usdc    common.Address
	ctf     common.Address
	negRisk common.Address

	logger *slog.Logger
}

// Config selects the RPC endpoint and lets tests or a testnet override
// the contract addresses. Zero values take the Polygon mainnet
// defaults.
type Config struct {
	RPCURL                string
	USDCAddress           string
	CTFAddress            string
	NegRiskAdapterAddress string
}

// Dial connects to the RPC endpoint and verifies it serves the
// expected chain. A mismatch is fatal: a merge signed for chain 137
// and sent elsewhere would burn the nonce for nothing.
func Dial(ctx context.Context, cfg Config, chainID int64, logger *slog.Logger) (*Client, error) {
	url := cfg.RPCURL
	if url == "" {
		url = DefaultRPCURL
	}
	eth, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dialing %s: %w", url, err)
	}
	got, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain: reading chain id: %w", err)
	}
	if got.Int64() != chainID {
		eth.Close()
		return nil, fmt.Errorf("chain: rpc serves chain %d, want %d", got.Int64(), chainID)
	}
	c := newClient(eth, chainID, cfg, logger)
	c.closer = eth.Close
	return c, nil
}

func newClient(eth backend, chainID int64, cfg Config, logger *slog.Logger) *Client {
	pick := func(v, def string) common.Address {
		if v == "" {
			v = def
		}
		return common.HexToAddress(v)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		eth:     eth,
		chainID: big.NewInt(chainID),
		usdc:    pick(cfg.USDCAddress, USDCAddress),
		ctf:     pick(cfg.CTFAddress, CTFAddress),
		negRisk: pick(cfg.NegRiskAdapterAddress, NegRiskAdapterAddress),
		logger:  logger.With(slog.String("component", "chain")),
	}
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// USDCBalance reads the wallet's spendable collateral. USDC carries
// six decimals, so raw token units map one-to-one onto Micros.
func (c *Client) USDCBalance(ctx context.Context, owner common.Address) (domain.Micros, error) {
	out, err := c.call(ctx, c.usdc, packBalanceOf(owner))
	if err != nil {
		return 0, fmt.Errorf("chain: usdc balanceOf: %w", err)
	}
	raw := new(big.Int).SetBytes(out)
	if !raw.IsInt64() {
		return 0, fmt.Errorf("chain: usdc balance overflows int64: %s", raw)
	}
	return domain.Micros(raw.Int64()), nil
}

// PositionBalance reads the wallet's ERC-1155 balance for one outcome
// token and returns it in whole contracts, flooring any dust below one
// full token unit.
func (c *Client) PositionBalance(ctx context.Context, owner common.Address, tokenID *big.Int) (int64, error) {
	out, err := c.call(ctx, c.ctf, packBalanceOf1155(owner, tokenID))
	if err != nil {
		return 0, fmt.Errorf("chain: ctf balanceOf: %w", err)
	}
	raw := new(big.Int).SetBytes(out)
	raw.Quo(raw, big.NewInt(int64(domain.Dollar)))
	if !raw.IsInt64() {
		return 0, fmt.Errorf("chain: position balance overflows int64: %s", raw)
	}
	return raw.Int64(), nil
}

// IsApprovedForAll reports whether operator may move the owner's CTF
// positions. The neg-risk adapter needs this approval before it can
// merge on the wallet's behalf.
func (c *Client) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	out, err := c.call(ctx, c.ctf, packIsApprovedForAll(owner, operator))
	if err != nil {
		return false, fmt.Errorf("chain: ctf isApprovedForAll: %w", err)
	}
	return new(big.Int).SetBytes(out).Sign() != 0, nil
}

// PositionTokenID resolves the ERC-1155 id of one outcome slot under a
// binary condition: indexSet 1 is the Yes slot, 2 the No slot. Both
// lookups are CTF view calls against USDC collateral at the root
// collection.
func (c *Client) PositionTokenID(ctx context.Context, conditionID common.Hash, indexSet int64) (*big.Int, error) {
	col, err := c.call(ctx, c.ctf, packGetCollectionID(common.Hash{}, conditionID, indexSet))
	if err != nil {
		return nil, fmt.Errorf("chain: ctf getCollectionId: %w", err)
	}
	pos, err := c.call(ctx, c.ctf, packGetPositionID(c.usdc, common.BytesToHash(col)))
	if err != nil {
		return nil, fmt.Errorf("chain: ctf getPositionId: %w", err)
	}
	return new(big.Int).SetBytes(pos), nil
}

func (c *Client) call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	msg := ethereum.CallMsg{To: &to, Data: data}
	return c.eth.CallContract(ctx, msg, nil)
}
