// Package ledger tracks pooled accounts' delegatable energy and the
// reservations held against it.
//
// Reserve is atomic per account: the sum of live reservations on an account
// never exceeds its available energy. A reservation ends either confirmed
// (converted into a permanent debit once the energy is delegated on-chain) or
// released.
package ledger

import (
	"fmt"
	"sort"

	"EnergyRental/internal/apperr"
	"EnergyRental/internal/models"
)

type Allocation struct {
	AccountID string
	Address   string
	Amount    int64
}

// FirstFitByPriority proposes how to split amount across accounts. Accounts
// are ordered by priority (highest first), then by free energy. The first
// account able to cover the whole amount is used alone; otherwise the amount
// is spread greedily in that order. minChunk drops accounts whose free
// energy is too small to be worth a separate delegation.
func FirstFitByPriority(accounts []models.PoolAccount, amount, minChunk int64) ([]Allocation, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("amount %d: %w", amount, apperr.ErrAllocation)
	}
	if minChunk <= 0 {
		minChunk = 1
	}

	candidates := make([]models.PoolAccount, 0, len(accounts))
	for _, a := range accounts {
		if a.Enabled && a.Free() >= minChunk {
			candidates = append(candidates, a)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		if candidates[i].Free() != candidates[j].Free() {
			return candidates[i].Free() > candidates[j].Free()
		}
		return candidates[i].AccountID < candidates[j].AccountID
	})

	for _, a := range candidates {
		if a.Free() >= amount {
			return []Allocation{{AccountID: a.AccountID, Address: a.Address, Amount: amount}}, nil
		}
	}

	var out []Allocation
	remaining := amount
	for _, a := range candidates {
		if remaining == 0 {
			break
		}
		take := a.Free()
		if take > remaining {
			take = remaining
		}
		// Never leave a remainder smaller than one chunk for the next account.
		if rest := remaining - take; rest > 0 && rest < minChunk {
			take -= minChunk - rest
			if take < minChunk {
				continue
			}
		}
		out = append(out, Allocation{AccountID: a.AccountID, Address: a.Address, Amount: take})
		remaining -= take
	}
	if remaining > 0 {
		return nil, fmt.Errorf("no feasible split for %d energy (short by %d): %w", amount, remaining, apperr.ErrAllocation)
	}
	return out, nil
}

// TotalFree sums the reservable energy of enabled accounts.
func TotalFree(accounts []models.PoolAccount) int64 {
	var total int64
	for _, a := range accounts {
		if a.Enabled && a.Free() > 0 {
			total += a.Free()
		}
	}
	return total
}
