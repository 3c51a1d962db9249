// Package eth implements domain.TokenBridge over live ERC-20 contracts using
// go-ethereum. Reads go through eth_call; transfers are signed with the
// operator key and waited to inclusion, so a nil return means the transfer is
// mined and a failed transaction surfaces as an error.
package eth

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/NEONdAPP/neon-core-go/internal/domain"
)

// erc20ABI covers the five ERC-20 methods the bridge uses.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"account","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

// Bridge talks to ERC-20 token contracts on the home chain. The operator
// wallet is the spender of record for owner authorizations and custodies the
// vault's holdings, so Transfer spends from it directly.
type Bridge struct {
	client *ethclient.Client
	abi    abi.ABI
	opts   *bind.TransactOpts
	addr   common.Address
	logger *slog.Logger

	// txMu serializes transactions so concurrent transfers cannot race on
	// the account nonce.
	txMu sync.Mutex
}

// New dials the RPC endpoint and builds a Bridge signing with the given
// hex-encoded operator key.
func New(ctx context.Context, rpcURL, privateKeyHex string, chainID uint64, logger *slog.Logger) (*Bridge, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("eth: dial %s: %w", rpcURL, err)
	}

	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("eth: parse operator key: %w", err)
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key, new(big.Int).SetUint64(chainID))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("eth: build transactor: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("eth: parse erc20 abi: %w", err)
	}

	return &Bridge{
		client: client,
		abi:    parsed,
		opts:   opts,
		addr:   ethcrypto.PubkeyToAddress(key.PublicKey),
		logger: logger,
	}, nil
}

// Address returns the operator wallet address.
func (b *Bridge) Address() common.Address {
	return b.addr
}

// Close releases the RPC connection.
func (b *Bridge) Close() {
	b.client.Close()
}

func (b *Bridge) contract(token common.Address) *bind.BoundContract {
	return bind.NewBoundContract(token, b.abi, b.client, b.client, b.client)
}

// BalanceOf implements domain.TokenBridge.
func (b *Bridge) BalanceOf(ctx context.Context, token, account common.Address) (*big.Int, error) {
	var out []interface{}
	if err := b.contract(token).Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", account); err != nil {
		return nil, fmt.Errorf("eth: balanceOf %s: %w", token.Hex(), err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// Allowance implements domain.TokenBridge. The spender of record is the
// operator wallet.
func (b *Bridge) Allowance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	var out []interface{}
	if err := b.contract(token).Call(&bind.CallOpts{Context: ctx}, &out, "allowance", owner, b.addr); err != nil {
		return nil, fmt.Errorf("eth: allowance %s: %w", token.Hex(), err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// Decimals implements domain.TokenBridge.
func (b *Bridge) Decimals(ctx context.Context, token common.Address) (uint8, error) {
	var out []interface{}
	if err := b.contract(token).Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, fmt.Errorf("eth: decimals %s: %w", token.Hex(), err)
	}
	return *abi.ConvertType(out[0], new(uint8)).(*uint8), nil
}

// Transfer implements domain.TokenBridge, spending the operator wallet's own
// holdings.
func (b *Bridge) Transfer(ctx context.Context, token, to common.Address, amount *big.Int) error {
	return b.transact(ctx, token, "transfer", to, amount)
}

// TransferFrom implements domain.TokenBridge, spending from's authorization
// to the operator wallet.
func (b *Bridge) TransferFrom(ctx context.Context, token, from, to common.Address, amount *big.Int) error {
	return b.transact(ctx, token, "transferFrom", from, to, amount)
}

func (b *Bridge) transact(ctx context.Context, token common.Address, method string, args ...interface{}) error {
	b.txMu.Lock()
	defer b.txMu.Unlock()

	opts := *b.opts
	opts.Context = ctx

	tx, err := b.contract(token).Transact(&opts, method, args...)
	if err != nil {
		return fmt.Errorf("eth: %s on %s: %w", method, token.Hex(), err)
	}

	b.logger.Debug("eth: transaction submitted",
		slog.String("method", method),
		slog.String("token", token.Hex()),
		slog.String("tx", tx.Hash().Hex()),
	)

	receipt, err := bind.WaitMined(ctx, b.client, tx)
	if err != nil {
		return fmt.Errorf("eth: wait %s tx %s: %w", method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("eth: %s tx %s reverted", method, tx.Hash().Hex())
	}
	return nil
}

// Compile-time interface check.
var _ domain.TokenBridge = (*Bridge)(nil)
