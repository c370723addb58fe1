// Package chain verifies USDC payments against an Ethereum JSON-RPC node.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"ivxp/internal/domain"
	"ivxp/internal/metrics"
)

// USDCDecimals is the token precision of USDC.
const USDCDecimals = 6

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ReceiptReader is the subset of ethclient.Client the verifier needs.
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Verifier struct {
	Client           ReceiptReader
	Token            common.Address
	MinConfirmations uint64
	Timeout          time.Duration
	Logger           zerolog.Logger
}

// Dial connects to rpcURL and returns a verifier for the given token.
func Dial(ctx context.Context, rpcURL, token string, minConfirmations uint64, timeout time.Duration, logger zerolog.Logger) (*Verifier, error) {
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("invalid token contract %q", token)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	return &Verifier{
		Client:           client,
		Token:            common.HexToAddress(token),
		MinConfirmations: minConfirmations,
		Timeout:          timeout,
		Logger:           logger,
	}, nil
}

func rejectf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrPaymentRejected, fmt.Sprintf(format, args...))
}

// ToBaseUnits converts a USDC amount into token base units, rounding up.
func ToBaseUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(USDCDecimals).Ceil().BigInt()
}

// Verify confirms that check.TxHash is a successful, sufficiently confirmed
// USDC transfer of at least check.Amount from check.From to check.To.
func (v *Verifier) Verify(ctx context.Context, check domain.PaymentCheck) (domain.TransactionRef, error) {
	start := time.Now()
	defer func() { metrics.PaymentVerifyDuration.Observe(time.Since(start).Seconds()) }()

	if v.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.Timeout)
		defer cancel()
	}
	if len(strings.TrimPrefix(check.TxHash, "0x")) != 64 {
		return domain.TransactionRef{}, rejectf("malformed tx hash %q", check.TxHash)
	}
	if !common.IsHexAddress(check.From) || !common.IsHexAddress(check.To) {
		return domain.TransactionRef{}, rejectf("malformed payer or payee address")
	}
	hash := common.HexToHash(check.TxHash)

	receipt, err := v.Client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return domain.TransactionRef{}, rejectf("transaction %s not found", check.TxHash)
	}
	if err != nil {
		return domain.TransactionRef{}, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return domain.TransactionRef{}, rejectf("transaction %s reverted", check.TxHash)
	}
	if receipt.BlockNumber == nil {
		return domain.TransactionRef{}, rejectf("transaction %s is pending", check.TxHash)
	}

	head, err := v.Client.BlockNumber(ctx)
	if err != nil {
		return domain.TransactionRef{}, fmt.Errorf("fetch head: %w", err)
	}
	block := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if head >= block {
		confirmations = head - block + 1
	}
	if confirmations < v.MinConfirmations {
		return domain.TransactionRef{}, rejectf("transaction %s has %d confirmations, need %d", check.TxHash, confirmations, v.MinConfirmations)
	}

	from := common.HexToAddress(check.From)
	to := common.HexToAddress(check.To)
	required := ToBaseUnits(check.Amount)
	var paid *big.Int
	for _, lg := range receipt.Logs {
		if lg == nil || lg.Address != v.Token || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		if common.BytesToAddress(lg.Topics[1].Bytes()) != from || common.BytesToAddress(lg.Topics[2].Bytes()) != to {
			continue
		}
		value := new(big.Int).SetBytes(lg.Data)
		if paid == nil || value.Cmp(paid) > 0 {
			paid = value
		}
	}
	if paid == nil {
		return domain.TransactionRef{}, rejectf("no USDC transfer from %s to %s in %s", check.From, check.To, check.TxHash)
	}
	if paid.Cmp(required) < 0 {
		return domain.TransactionRef{}, rejectf("transfer of %s base units is below the required %s", paid, required)
	}

	v.Logger.Debug().Str("tx_hash", check.TxHash).Uint64("block", block).Uint64("confirmations", confirmations).Msg("payment verified")
	return domain.TransactionRef{
		TxHash:        strings.ToLower(check.TxHash),
		BlockNumber:   block,
		Confirmations: confirmations,
		Amount:        decimal.NewFromBigInt(paid, -USDCDecimals),
	}, nil
}

// Static accepts every payment. It exists for local development with
// chain.skip_verification.
type Static struct{}

func (Static) Verify(_ context.Context, check domain.PaymentCheck) (domain.TransactionRef, error) {
	return domain.TransactionRef{TxHash: strings.ToLower(check.TxHash), Amount: check.Amount}, nil
}
