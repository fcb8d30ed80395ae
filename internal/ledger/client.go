package ledger

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tokentrigger/engine/internal/config"
	"github.com/tokentrigger/engine/internal/connection"
	"github.com/tokentrigger/engine/pkg/utils"
)

// tokenABI is the slice of the token contract interface the engine uses.
const tokenABI = `[
	{"name":"safeTransferFrom","type":"function","inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"id","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"data","type":"bytes"}],"outputs":[]},
	{"name":"balanceOf","type":"function","stateMutability":"view","inputs":[{"name":"account","type":"address"},{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"uri","type":"function","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"string"}]},
	{"name":"totalSupply","type":"function","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"tokenIds","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256[]"}]},
	{"name":"holders","type":"function","stateMutability":"view","inputs":[{"name":"id","type":"uint256"}],"outputs":[{"name":"","type":"address[]"}]}
]`

// Client is the chain-backed Ledger implementation. It signs and submits
// transfer transactions itself and reports success only after the
// transaction is mined with a successful receipt.
type Client struct {
	connection connection.Manager
	config     *config.NodeConfig
	logger     *logrus.Logger

	abi     abi.ABI
	keyOnce sync.Once
	key     *ecdsa.PrivateKey
	keyErr  error
}

// NewClient creates a new chain-backed ledger client
func NewClient(conn connection.Manager, cfg *config.NodeConfig) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(tokenABI))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeInternal, "Failed to parse token ABI", err.Error())
	}

	return &Client{
		connection: conn,
		config:     cfg,
		logger:     utils.GetLogger(),
		abi:        parsed,
	}, nil
}

// signingKey parses the configured private key on first use. Reads work
// without a key; transfers do not.
func (c *Client) signingKey() (*ecdsa.PrivateKey, error) {
	c.keyOnce.Do(func() {
		if c.config.PrivateKey == "" {
			c.keyErr = utils.NewAppError(utils.ErrCodeConfiguration, "No signing key configured", "")
			return
		}
		c.key, c.keyErr = crypto.HexToECDSA(strings.TrimPrefix(c.config.PrivateKey, "0x"))
	})
	return c.key, c.keyErr
}

// Transfer moves tokens and waits for the transaction to be mined
func (c *Client) Transfer(ctx context.Context, contract, from, to common.Address, tokenID uint64, amount decimal.Decimal) (string, error) {
	key, err := c.signingKey()
	if err != nil {
		return "", err
	}

	client, err := c.connection.GetClient(ctx)
	if err != nil {
		return "", err
	}

	opts, err := bind.NewKeyedTransactorWithChainID(key, big.NewInt(c.config.ChainID))
	if err != nil {
		return "", utils.NewAppError(utils.ErrCodeLedger, "Failed to build transactor", err.Error())
	}
	opts.Context = ctx

	bound := bind.NewBoundContract(contract, c.abi, client, client, client)

	tx, err := bound.Transact(opts, "safeTransferFrom",
		from, to, new(big.Int).SetUint64(tokenID), amount.BigInt(), []byte{})
	if err != nil {
		return "", utils.NewAppError(utils.ErrCodeLedger, "Transfer call rejected", err.Error())
	}

	receipt, err := bind.WaitMined(ctx, client, tx)
	if err != nil {
		return "", utils.NewAppError(utils.ErrCodeLedger, "Transfer not confirmed", err.Error())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", utils.NewAppError(utils.ErrCodeLedger, "Transfer reverted", tx.Hash().Hex())
	}

	c.logger.WithFields(logrus.Fields{
		"tx":       tx.Hash().Hex(),
		"token_id": tokenID,
		"amount":   amount.String(),
	}).Info("Transfer confirmed")

	return tx.Hash().Hex(), nil
}

// ReadBalance returns the balance of an account for a token
func (c *Client) ReadBalance(ctx context.Context, contract, account common.Address, tokenID uint64) (decimal.Decimal, error) {
	var out []interface{}
	if err := c.call(ctx, contract, &out, "balanceOf", account, new(big.Int).SetUint64(tokenID)); err != nil {
		return decimal.Zero, err
	}

	balance, ok := out[0].(*big.Int)
	if !ok {
		return decimal.Zero, utils.NewAppError(utils.ErrCodeLedger, "Unexpected balanceOf result", "")
	}
	return decimal.NewFromBigInt(balance, 0), nil
}

// ReadTokenMetadata returns the URI and total supply of a token
func (c *Client) ReadTokenMetadata(ctx context.Context, contract common.Address, tokenID uint64) (*TokenMetadata, error) {
	id := new(big.Int).SetUint64(tokenID)

	var uriOut []interface{}
	if err := c.call(ctx, contract, &uriOut, "uri", id); err != nil {
		return nil, err
	}
	uri, ok := uriOut[0].(string)
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeLedger, "Unexpected uri result", "")
	}

	var supplyOut []interface{}
	if err := c.call(ctx, contract, &supplyOut, "totalSupply", id); err != nil {
		return nil, err
	}
	supply, ok := supplyOut[0].(*big.Int)
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeLedger, "Unexpected totalSupply result", "")
	}

	return &TokenMetadata{
		URI:         uri,
		TotalSupply: decimal.NewFromBigInt(supply, 0),
	}, nil
}

// ReadTokenIDs enumerates the token ids registered on the contract
func (c *Client) ReadTokenIDs(ctx context.Context, contract common.Address) ([]uint64, error) {
	var out []interface{}
	if err := c.call(ctx, contract, &out, "tokenIds"); err != nil {
		return nil, err
	}

	raw, ok := out[0].([]*big.Int)
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeLedger, "Unexpected tokenIds result", "")
	}

	ids := make([]uint64, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, id.Uint64())
	}
	return ids, nil
}

// ReadHolders enumerates the accounts holding a token
func (c *Client) ReadHolders(ctx context.Context, contract common.Address, tokenID uint64) ([]common.Address, error) {
	var out []interface{}
	if err := c.call(ctx, contract, &out, "holders", new(big.Int).SetUint64(tokenID)); err != nil {
		return nil, err
	}

	holders, ok := out[0].([]common.Address)
	if !ok {
		return nil, utils.NewAppError(utils.ErrCodeLedger, "Unexpected holders result", "")
	}
	return holders, nil
}

func (c *Client) call(ctx context.Context, contract common.Address, out *[]interface{}, method string, args ...interface{}) error {
	client, err := c.connection.GetClient(ctx)
	if err != nil {
		return err
	}

	bound := bind.NewBoundContract(contract, c.abi, client, client, client)
	if err := bound.Call(&bind.CallOpts{Context: ctx}, out, method, args...); err != nil {
		return utils.NewAppError(utils.ErrCodeLedger, "Contract read failed", method+": "+err.Error())
	}
	if len(*out) == 0 {
		return utils.NewAppError(utils.ErrCodeLedger, "Empty contract result", method)
	}
	return nil
}
