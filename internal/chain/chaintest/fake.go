// Package chaintest provides a programmable in-memory chain for tests.
package chaintest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"EnergyRental/internal/chain"
)

type Fake struct {
	mu sync.Mutex

	seq           int
	delegations   []chain.DelegateRequest
	undelegations []chain.UndelegateRequest

	delegateErr   map[string]error
	undelegateErr map[string]error
	transfers     map[string][]chain.Transfer
	txs           map[string]*chain.TxStatus
	delegatable   map[string]int64

	ListErr error
	// StakePerEnergy is the sun staked per unit of energy in receipts.
	StakePerEnergy int64
	// OnDelegate and OnUndelegate run after a successful broadcast.
	OnDelegate   func(chain.DelegateRequest)
	OnUndelegate func(chain.UndelegateRequest)
}

func NewFake() *Fake {
	return &Fake{
		delegateErr:    map[string]error{},
		undelegateErr:  map[string]error{},
		transfers:      map[string][]chain.Transfer{},
		txs:            map[string]*chain.TxStatus{},
		delegatable:    map[string]int64{},
		StakePerEnergy: 15,
	}
}

// FailDelegateFrom makes delegations from the source address fail. A nil
// err clears the failure.
func (f *Fake) FailDelegateFrom(from string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.delegateErr, from)
		return
	}
	f.delegateErr[from] = err
}

func (f *Fake) FailUndelegateFrom(from string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.undelegateErr, from)
		return
	}
	f.undelegateErr[from] = err
}

// AddTransfer records an incoming transfer and makes it visible to
// GetTransaction as well.
func (f *Fake) AddTransfer(t chain.Transfer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers[t.To] = append(f.transfers[t.To], t)
	tc := t
	f.txs[t.TxID] = &chain.TxStatus{TxID: t.TxID, Success: t.Success, BlockNumber: 1, Transfer: &tc}
}

func (f *Fake) SetDelegatable(owner string, energy int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delegatable[owner] = energy
}

func (f *Fake) Delegations() []chain.DelegateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chain.DelegateRequest(nil), f.delegations...)
}

func (f *Fake) Undelegations() []chain.UndelegateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chain.UndelegateRequest(nil), f.undelegations...)
}

func (f *Fake) ValidateAddress(address string) error {
	return chain.ValidateAddress(address)
}

func (f *Fake) DelegateResource(ctx context.Context, req chain.DelegateRequest) (*chain.Receipt, error) {
	f.mu.Lock()
	if err := f.delegateErr[req.From]; err != nil {
		f.mu.Unlock()
		return nil, &chain.CallError{Op: "delegate", Kind: chain.KindRejected, Err: err}
	}
	f.seq++
	f.delegations = append(f.delegations, req)
	rcpt := &chain.Receipt{TxID: fmt.Sprintf("delegate-%d", f.seq), StakeSun: req.Energy * f.StakePerEnergy}
	hook := f.OnDelegate
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return rcpt, nil
}

func (f *Fake) UndelegateResource(ctx context.Context, req chain.UndelegateRequest) (*chain.Receipt, error) {
	f.mu.Lock()
	if err := f.undelegateErr[req.From]; err != nil {
		f.mu.Unlock()
		return nil, &chain.CallError{Op: "undelegate", Kind: chain.KindRejected, Err: err}
	}
	f.seq++
	f.undelegations = append(f.undelegations, req)
	rcpt := &chain.Receipt{TxID: fmt.Sprintf("undelegate-%d", f.seq), StakeSun: req.StakeSun}
	hook := f.OnUndelegate
	f.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	return rcpt, nil
}

func (f *Fake) GetTransaction(ctx context.Context, txID string) (*chain.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.txs[txID]
	if !ok {
		return nil, &chain.CallError{Op: "gettransactionbyid", Kind: chain.KindNotFound, Detail: txID}
	}
	c := *st
	return &c, nil
}

func (f *Fake) ListIncomingTransfers(ctx context.Context, address string, limit, offset int) ([]chain.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := append([]chain.Transfer(nil), f.transfers[address]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *Fake) DelegatableEnergy(ctx context.Context, owner string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.delegatable[owner]
	if !ok {
		return 0, &chain.CallError{Op: "getcandelegatedmaxsize", Kind: chain.KindNotFound, Detail: owner}
	}
	return v, nil
}
