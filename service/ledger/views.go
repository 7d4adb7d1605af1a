package ledger

import (
	"bytes"
	"fmt"
	"sort"
)

// DefaultListLimit caps list views when no limit is given.
const DefaultListLimit = 100

// GetDonation returns the donation with the given id.
func (l *Ledger) GetDonation(id uint64) (Donation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if id == 0 || id > uint64(len(l.donations)) {
		return Donation{}, fmt.Errorf("%w: donation %d", ErrNotFound, id)
	}
	return *l.donations[id-1], nil
}

// GetBeneficiary returns the beneficiary registered at addr.
func (l *Ledger) GetBeneficiary(addr Address) (Beneficiary, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	b, ok := l.beneficiaries[addr]
	if !ok {
		return Beneficiary{}, fmt.Errorf("%w: beneficiary %s", ErrNotFound, addr)
	}
	return b.clone(), nil
}

// GetMerchant returns the merchant registered at addr.
func (l *Ledger) GetMerchant(addr Address) (Merchant, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	m, ok := l.merchants[addr]
	if !ok {
		return Merchant{}, fmt.Errorf("%w: merchant %s", ErrNotFound, addr)
	}
	return m.clone(), nil
}

// GetTransaction returns the transaction with the given id.
func (l *Ledger) GetTransaction(id uint64) (Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	tx, err := l.transaction(id)
	if err != nil {
		return Transaction{}, err
	}
	return tx.clone(), nil
}

// Roles returns the capability set of addr. Unknown addresses hold no roles.
func (l *Ledger) Roles(addr Address) RoleSet {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.roles[addr]
}

// Stats returns the aggregate counters.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return Stats{
		TotalDonations:   l.totalDonations,
		DonationCount:    uint64(len(l.donations)),
		TransactionCount: uint64(len(l.transactions)),
		TotalReleased:    l.totalReleased,
		ContractBalance:  l.totalDonations - l.totalReleased,
	}
}

// TotalDonations returns the sum of all donation amounts.
func (l *Ledger) TotalDonations() int64 { return l.Stats().TotalDonations }

// DonationCount returns the number of donations.
func (l *Ledger) DonationCount() uint64 { return l.Stats().DonationCount }

// TransactionCount returns the number of voucher transactions.
func (l *Ledger) TransactionCount() uint64 { return l.Stats().TransactionCount }

// ContractBalance returns donations received minus value released to merchants.
func (l *Ledger) ContractBalance() int64 { return l.Stats().ContractBalance }

// DonationFilter narrows ListDonations.
type DonationFilter struct {
	Donor  *Address
	Limit  int
	Offset int
}

// ListDonations returns donations newest first.
func (l *Ledger) ListDonations(f DonationFilter) []Donation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Donation, 0)
	skipped := 0
	limit := normalizeLimit(f.Limit)
	for i := len(l.donations) - 1; i >= 0 && len(out) < limit; i-- {
		d := l.donations[i]
		if f.Donor != nil && d.Donor != *f.Donor {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, *d)
	}
	return out
}

// ListBeneficiaries returns beneficiaries ordered by registration time. A nil verified
// filter returns all of them.
func (l *Ledger) ListBeneficiaries(verified *bool) []Beneficiary {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Beneficiary, 0, len(l.beneficiaries))
	for _, b := range l.beneficiaries {
		if verified != nil && b.Verified != *verified {
			continue
		}
		out = append(out, b.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}

// ListMerchants returns merchants ordered by registration time. A nil approved filter
// returns all of them.
func (l *Ledger) ListMerchants(approved *bool) []Merchant {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Merchant, 0, len(l.merchants))
	for _, m := range l.merchants {
		if approved != nil && m.Approved != *approved {
			continue
		}
		out = append(out, m.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}

// TransactionFilter narrows ListTransactions.
type TransactionFilter struct {
	Beneficiary *Address
	Merchant    *Address
	Status      *Status
	Limit       int
	Offset      int
}

// ListTransactions returns matching transactions newest first.
func (l *Ledger) ListTransactions(f TransactionFilter) []Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Transaction, 0)
	skipped := 0
	limit := normalizeLimit(f.Limit)
	for i := len(l.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		tx := l.transactions[i]
		if f.Beneficiary != nil && tx.Beneficiary != *f.Beneficiary {
			continue
		}
		if f.Merchant != nil && tx.Merchant != *f.Merchant {
			continue
		}
		if f.Status != nil && tx.Status != *f.Status {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, tx.clone())
	}
	return out
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}
