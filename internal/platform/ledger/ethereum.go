package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthBackend is the subset of *ethclient.Client the anchoring driver uses.
type EthBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EthereumConfig configures the Ethereum driver.
type EthereumConfig struct {
	RPCURL        string
	ChainID       int64
	PrivateKey    string
	AnchorAddress string
	Confirmations uint64
}

// EthereumClient anchors a commitment as the calldata of a zero-value
// transaction to AnchorAddress. The returned handle is the transaction hash.
type EthereumClient struct {
	backend       EthBackend
	key           *ecdsa.PrivateKey
	from          common.Address
	to            common.Address
	signer        types.Signer
	confirmations uint64

	// nonce allocation and send must not interleave
	sendMu sync.Mutex
}

// DialEthereum connects to cfg.RPCURL and returns a ready driver.
func DialEthereum(ctx context.Context, cfg EthereumConfig) (*EthereumClient, error) {
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	c, err := NewEthereumClient(rpc, cfg)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	return c, nil
}

// NewEthereumClient builds a driver over an existing backend.
func NewEthereumClient(backend EthBackend, cfg EthereumConfig) (*EthereumClient, error) {
	key, err := crypto.HexToECDSA(trim0x(strings.TrimSpace(cfg.PrivateKey)))
	if err != nil {
		return nil, fmt.Errorf("parse ledger private key: %w", err)
	}
	if !common.IsHexAddress(cfg.AnchorAddress) {
		return nil, fmt.Errorf("invalid anchor address %q", cfg.AnchorAddress)
	}
	if cfg.ChainID <= 0 {
		return nil, fmt.Errorf("invalid chain id %d", cfg.ChainID)
	}
	confirmations := cfg.Confirmations
	if confirmations == 0 {
		confirmations = 1
	}
	return &EthereumClient{
		backend:       backend,
		key:           key,
		from:          crypto.PubkeyToAddress(key.PublicKey),
		to:            common.HexToAddress(cfg.AnchorAddress),
		signer:        types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		confirmations: confirmations,
	}, nil
}

// From returns the account paying for anchoring transactions.
func (c *EthereumClient) From() common.Address { return c.from }

func (c *EthereumClient) Submit(ctx context.Context, consentID, commitment string) (string, error) {
	data, err := decodeCommitment(commitment)
	if err != nil {
		return "", err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}
	to := c.to
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data})
	if err != nil {
		return "", fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, c.signer, c.key)
	if err != nil {
		return "", fmt.Errorf("sign anchor tx: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send anchor tx for %s: %w", consentID, err)
	}
	return signed.Hash().Hex(), nil
}

func (c *EthereumClient) PollConfirmation(ctx context.Context, handle string) (Confirmation, error) {
	raw := trim0x(handle)
	if len(raw) != 2*common.HashLength {
		return Confirmation{}, fmt.Errorf("%w: %q", ErrUnknownHandle, handle)
	}
	hash := common.HexToHash(handle)

	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return Confirmation{State: StatePending}, nil
	}
	if err != nil {
		return Confirmation{}, fmt.Errorf("transaction receipt: %w", err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return Confirmation{State: StateFailed, Reason: "anchor transaction reverted"}, nil
	}
	if receipt.BlockNumber == nil {
		return Confirmation{State: StatePending}, nil
	}

	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return Confirmation{}, fmt.Errorf("block number: %w", err)
	}
	included := receipt.BlockNumber.Uint64()
	if head < included || head-included+1 < c.confirmations {
		return Confirmation{State: StatePending}, nil
	}
	return Confirmation{State: StateConfirmed, TxHash: hash.Hex(), BlockNumber: included}, nil
}
