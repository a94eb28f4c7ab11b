package cycles

import "sort"

// Balance is one person's net position across the debt graph.
type Balance struct {
	PersonID   string `json:"person_id"`
	TotalPaid  int64  `json:"total_paid"`
	TotalOwed  int64  `json:"total_owed"`
	NetBalance int64  `json:"net_balance"` // positive = owed money, negative = owes money
}

// Transfer is one payment of a settlement plan.
type Transfer struct {
	From   string `json:"from"` // person who owes
	To     string `json:"to"`   // person who is owed
	Amount int64  `json:"amount"`
}

// Balances computes net balances from the graph's edge amounts. A payer is
// owed what it paid; a payee owes what it received. People with no edges
// are omitted. The result is ordered by person ID.
func Balances(dg *DebtGraph) []Balance {
	byID := make(map[string]*Balance)
	get := func(id string) *Balance {
		b, ok := byID[id]
		if !ok {
			b = &Balance{PersonID: id}
			byID[id] = b
		}
		return b
	}
	for edge, amount := range dg.Amounts {
		get(edge[0]).TotalPaid += amount
		get(edge[1]).TotalOwed += amount
	}

	out := make([]Balance, 0, len(byID))
	for _, b := range byID {
		b.NetBalance = b.TotalPaid - b.TotalOwed
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonID < out[j].PersonID })
	return out
}

// Settle returns transfers that clear every balance, matching the largest
// debts with the largest credits first. Circular debts cancel out, so the
// plan never has more than n-1 transfers for n people with a non-zero
// balance.
func Settle(balances []Balance) []Transfer {
	type position struct {
		id     string
		amount int64
	}
	var debtors, creditors []position
	for _, b := range balances {
		switch {
		case b.NetBalance > 0:
			creditors = append(creditors, position{b.PersonID, b.NetBalance})
		case b.NetBalance < 0:
			debtors = append(debtors, position{b.PersonID, -b.NetBalance})
		}
	}
	largestFirst := func(ps []position) {
		sort.Slice(ps, func(i, j int) bool {
			if ps[i].amount != ps[j].amount {
				return ps[i].amount > ps[j].amount
			}
			return ps[i].id < ps[j].id
		})
	}
	largestFirst(debtors)
	largestFirst(creditors)

	transfers := []Transfer{}
	i, j := 0, 0
	for i < len(debtors) && j < len(creditors) {
		amount := min(debtors[i].amount, creditors[j].amount)
		transfers = append(transfers, Transfer{From: debtors[i].id, To: creditors[j].id, Amount: amount})

		debtors[i].amount -= amount
		creditors[j].amount -= amount
		if debtors[i].amount == 0 {
			i++
		}
		if creditors[j].amount == 0 {
			j++
		}
	}
	return transfers
}
