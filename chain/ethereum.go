package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agent402/agentpay"
)

// The node denominates in 18-decimal base units; the protocol speaks
// 8-decimal satoshis.
var weiPerSatoshi = big.NewInt(10_000_000_000)

const transferGasLimit = 21_000

// EthereumConfig describes how to reach an EVM-compatible node.
type EthereumConfig struct {
	RPCURL  string
	ChainID int64
}

// EthereumClient implements Client against an EVM-compatible RPC node
// (SmartBCH testnet in the reference deployment).
type EthereumClient struct {
	eth     *ethclient.Client
	chainID *big.Int
	signer  types.Signer
}

// NewEthereumClient dials the configured RPC endpoint.
func NewEthereumClient(ctx context.Context, cfg EthereumConfig) (*EthereumClient, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("rpc url is required")
	}
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial rpc node: %w", err)
	}
	chainID := big.NewInt(cfg.ChainID)
	return &EthereumClient{
		eth:     eth,
		chainID: chainID,
		signer:  types.LatestSignerForChainID(chainID),
	}, nil
}

// Close releases the underlying RPC connection.
func (c *EthereumClient) Close() {
	c.eth.Close()
}

// Balance returns the address balance in satoshis.
func (c *EthereumClient) Balance(ctx context.Context, address string) (agentpay.Satoshis, error) {
	wei, err := c.eth.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return 0, fmt.Errorf("balance query failed: %w", err)
	}
	return weiToSatoshis(wei), nil
}

// Send signs and broadcasts a plain value transfer from the key's address.
func (c *EthereumClient) Send(ctx context.Context, key *ecdsa.PrivateKey, to string, amount agentpay.Satoshis) (string, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("nonce query failed: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("gas price query failed: %w", err)
	}

	toAddr := common.HexToAddress(to)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &toAddr,
		Value:    satoshisToWei(amount),
		Gas:      transferGasLimit,
		GasPrice: gasPrice,
	})

	signed, err := types.SignTx(tx, c.signer, key)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("broadcast failed: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// Transfer looks up a transaction and recovers its on-chain sender.
func (c *EthereumClient) Transfer(ctx context.Context, txHash string) (*Transfer, error) {
	hash := common.HexToHash(txHash)

	tx, pending, err := c.eth.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, ErrTxNotFound
		}
		return nil, fmt.Errorf("transaction lookup failed: %w", err)
	}
	if tx.To() == nil {
		return nil, fmt.Errorf("transaction %s is not a value transfer", txHash)
	}

	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover sender: %w", err)
	}

	confirmed := false
	if !pending {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt lookup failed: %w", err)
		}
		confirmed = receipt != nil && receipt.Status == types.ReceiptStatusSuccessful
	}

	return &Transfer{
		TxHash:    txHash,
		From:      from.Hex(),
		To:        tx.To().Hex(),
		Amount:    weiToSatoshis(tx.Value()),
		Confirmed: confirmed,
	}, nil
}

func satoshisToWei(s agentpay.Satoshis) *big.Int {
	return new(big.Int).Mul(big.NewInt(int64(s)), weiPerSatoshi)
}

func weiToSatoshis(wei *big.Int) agentpay.Satoshis {
	return agentpay.Satoshis(new(big.Int).Div(wei, weiPerSatoshi).Int64())
}
