package chain

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BlocksPerHour at the 3s block interval; lock periods are given in blocks.
const BlocksPerHour = 1200

const sunPerTRX = 1_000_000

// Node is the raw node API the Client builds on.
type Node interface {
	NowBlock(ctx context.Context) (int64, error)
	AccountResource(ctx context.Context, address string) (*AccountResource, error)
	CanDelegatedMaxSize(ctx context.Context, owner, resource string) (int64, error)
	CreateDelegate(ctx context.Context, owner, receiver string, balance int64, resource string, lock bool, lockPeriod int64) (*Transaction, error)
	CreateUndelegate(ctx context.Context, owner, receiver string, balance int64, resource string) (*Transaction, error)
	Broadcast(ctx context.Context, tx *Transaction) error
	TransactionByID(ctx context.Context, txID string) (*Transaction, error)
	TransactionInfo(ctx context.Context, txID string) (*TransactionInfo, error)
	IncomingTransactions(ctx context.Context, address string, limit int) ([]Transaction, error)
}

type DelegateRequest struct {
	From          string
	To            string
	Energy        int64
	Lock          bool
	DurationHours int
}

type UndelegateRequest struct {
	From     string
	To       string
	Energy   int64
	StakeSun int64
}

type Receipt struct {
	TxID     string
	StakeSun int64
}

type Transfer struct {
	TxID      string
	From      string
	To        string
	Amount    int64
	Success   bool
	Timestamp time.Time
}

type TxStatus struct {
	TxID        string
	Success     bool
	BlockNumber int64
	Transfer    *Transfer
}

// Client signs and broadcasts resource delegations on behalf of the pooled
// accounts and reads incoming payments.
type Client struct {
	node     Node
	keys     *KeyRing
	resource string
	log      *zap.SugaredLogger
}

func NewClient(node Node, keys *KeyRing, resource string, log *zap.SugaredLogger) *Client {
	if resource == "" {
		resource = "ENERGY"
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Client{node: node, keys: keys, resource: strings.ToUpper(resource), log: log}
}

func (c *Client) Health(ctx context.Context) error {
	_, err := c.node.NowBlock(ctx)
	return err
}

func (c *Client) ValidateAddress(address string) error {
	return ValidateAddress(address)
}

// StakeForEnergy converts an energy amount into the stake, in sun, that
// yields it at the current network ratio. Rounded up, never below 1 TRX.
func StakeForEnergy(energy int64, res *AccountResource) (int64, error) {
	if res == nil || res.TotalEnergyLimit <= 0 || res.TotalEnergyWeight <= 0 {
		return 0, callErr("stake ratio", KindInvalidResponse, "network energy totals unavailable", nil)
	}
	sun := decimal.NewFromInt(energy).
		Mul(decimal.NewFromInt(res.TotalEnergyWeight)).
		Mul(decimal.NewFromInt(sunPerTRX)).
		Div(decimal.NewFromInt(res.TotalEnergyLimit)).
		Ceil()
	if sun.LessThan(decimal.NewFromInt(sunPerTRX)) {
		return sunPerTRX, nil
	}
	return sun.IntPart(), nil
}

// EnergyForStake is the inverse of StakeForEnergy, rounded down.
func EnergyForStake(sun int64, res *AccountResource) int64 {
	if res == nil || res.TotalEnergyLimit <= 0 || res.TotalEnergyWeight <= 0 {
		return 0
	}
	return decimal.NewFromInt(sun).
		Mul(decimal.NewFromInt(res.TotalEnergyLimit)).
		Div(decimal.NewFromInt(res.TotalEnergyWeight).Mul(decimal.NewFromInt(sunPerTRX))).
		Floor().IntPart()
}

func (c *Client) DelegateResource(ctx context.Context, req DelegateRequest) (*Receipt, error) {
	res, err := c.node.AccountResource(ctx, req.From)
	if err != nil {
		return nil, err
	}
	stake, err := StakeForEnergy(req.Energy, res)
	if err != nil {
		return nil, err
	}
	var lockPeriod int64
	if req.Lock {
		lockPeriod = int64(req.DurationHours) * BlocksPerHour
	}
	tx, err := c.node.CreateDelegate(ctx, req.From, req.To, stake, c.resource, req.Lock, lockPeriod)
	if err != nil {
		return nil, err
	}
	if err := c.signAndBroadcast(ctx, req.From, tx); err != nil {
		return nil, err
	}
	c.log.Infow("delegated resource", "from", req.From, "to", req.To, "energy", req.Energy, "stake_sun", stake, "tx", tx.TxID)
	return &Receipt{TxID: tx.TxID, StakeSun: stake}, nil
}

func (c *Client) UndelegateResource(ctx context.Context, req UndelegateRequest) (*Receipt, error) {
	stake := req.StakeSun
	if stake <= 0 {
		res, err := c.node.AccountResource(ctx, req.From)
		if err != nil {
			return nil, err
		}
		if stake, err = StakeForEnergy(req.Energy, res); err != nil {
			return nil, err
		}
	}
	tx, err := c.node.CreateUndelegate(ctx, req.From, req.To, stake, c.resource)
	if err != nil {
		return nil, err
	}
	if err := c.signAndBroadcast(ctx, req.From, tx); err != nil {
		return nil, err
	}
	c.log.Infow("undelegated resource", "from", req.From, "to", req.To, "stake_sun", stake, "tx", tx.TxID)
	return &Receipt{TxID: tx.TxID, StakeSun: stake}, nil
}

func (c *Client) signAndBroadcast(ctx context.Context, owner string, tx *Transaction) error {
	if c.keys == nil {
		return callErr("sign", KindSigning, "no key ring configured", nil)
	}
	sig, err := c.keys.Sign(owner, tx.TxID)
	if err != nil {
		return err
	}
	tx.Signature = []string{sig}
	return c.node.Broadcast(ctx, tx)
}

// GetTransaction returns the on-chain status of txID. An unknown id yields a
// CallError of kind not_found.
func (c *Client) GetTransaction(ctx context.Context, txID string) (*TxStatus, error) {
	tx, err := c.node.TransactionByID(ctx, txID)
	if err != nil {
		return nil, err
	}
	info, err := c.node.TransactionInfo(ctx, txID)
	if err != nil {
		return nil, err
	}
	st := &TxStatus{
		TxID:        tx.TxID,
		Success:     tx.succeeded() && info.BlockNumber > 0 && info.Result != "FAILED",
		BlockNumber: info.BlockNumber,
	}
	if from, to, amount, ok := tx.transfer(); ok {
		ts := info.BlockTimeStamp
		st.Transfer = &Transfer{
			TxID: tx.TxID, From: from, To: to, Amount: amount,
			Success: st.Success, Timestamp: time.UnixMilli(ts).UTC(),
		}
	}
	return st, nil
}

// maxIncomingWindow is the most transactions one account listing returns.
const maxIncomingWindow = 200

// ListIncomingTransfers returns plain TRX transfers into address, newest
// first. offset and limit count transfers, not raw transactions: the raw
// window grows until it holds offset+limit transfers or history runs out.
func (c *Client) ListIncomingTransfers(ctx context.Context, address string, limit, offset int) ([]Transfer, error) {
	if limit < 1 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	want := limit + offset
	window := want
	if window > maxIncomingWindow {
		window = maxIncomingWindow
	}
	var out []Transfer
	for {
		txs, err := c.node.IncomingTransactions(ctx, address, window)
		if err != nil {
			return nil, err
		}
		out = incomingTransfers(txs, address)
		if len(out) >= want || len(txs) < window || window >= maxIncomingWindow {
			break
		}
		window *= 2
		if window > maxIncomingWindow {
			window = maxIncomingWindow
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func incomingTransfers(txs []Transaction, address string) []Transfer {
	out := make([]Transfer, 0, len(txs))
	for i := range txs {
		from, to, amount, ok := txs[i].transfer()
		if !ok || to != address {
			continue
		}
		out = append(out, Transfer{
			TxID:      txs[i].TxID,
			From:      from,
			To:        to,
			Amount:    amount,
			Success:   txs[i].succeeded(),
			Timestamp: time.UnixMilli(txs[i].BlockTimestamp).UTC(),
		})
	}
	return out
}

// DelegatableEnergy is how much energy owner can still delegate right now.
func (c *Client) DelegatableEnergy(ctx context.Context, owner string) (int64, error) {
	sun, err := c.node.CanDelegatedMaxSize(ctx, owner, c.resource)
	if err != nil {
		return 0, err
	}
	res, err := c.node.AccountResource(ctx, owner)
	if err != nil {
		return 0, err
	}
	return EnergyForStake(sun, res), nil
}
