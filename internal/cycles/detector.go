package cycles

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mmynk/splitkeeper/internal/storage"
)

// DebtGraph is the payer -> payee graph over all transactions.
type DebtGraph struct {
	*Graph[string]

	// Amounts sums transaction amounts per edge.
	Amounts map[[2]string]int64

	// Names maps person IDs to display names. Unknown IDs are absent.
	Names map[string]string

	SelfPayments []SelfPayment
	Warnings     []string
}

// Name returns the display name of id, falling back to the ID.
func (d *DebtGraph) Name(id string) string {
	if n, ok := d.Names[id]; ok {
		return n
	}
	return id
}

// SelfPayment is a transaction whose payer is also its payee.
type SelfPayment struct {
	TransactionID string `json:"transaction_id"`
	PersonID      string `json:"person_id"`
	Amount        int64  `json:"amount"`
}

// Chain is one debt cycle.
type Chain struct {
	PersonIDs []string `json:"person_ids"`
	Names     []string `json:"names"`

	// CancellableAmount is the smallest edge amount along the cycle: every
	// debt in the chain can be reduced by it without changing net balances.
	CancellableAmount int64 `json:"cancellable_amount"`
}

// ChainReport is the result of DetectCircularTransactionChains.
type ChainReport struct {
	Cycles       []Chain       `json:"cycles"`
	Components   [][]string    `json:"components"`
	SelfPayments []SelfPayment `json:"self_payments"`
	Warnings     []string      `json:"warnings"`

	// Settlement clears all balances with the fewest transfers the greedy
	// matching finds. Set only when cycles exist.
	Settlement []Transfer `json:"settlement,omitempty"`
}

// HasCycles reports whether any debt cycle was found.
func (r *ChainReport) HasCycles() bool {
	return len(r.Components) > 0
}

// Detector reads the committed contents of the entity store and analyzes its
// debt graph. It never writes.
type Detector struct {
	store          storage.Store
	logger         *slog.Logger
	recursionLimit int
}

// NewDetector creates a Detector. A non-positive recursionLimit selects
// DefaultRecursionLimit.
func NewDetector(store storage.Store, recursionLimit int, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	if recursionLimit <= 0 {
		recursionLimit = DefaultRecursionLimit
	}
	return &Detector{
		store:          storage.ReadCommitted(store),
		logger:         logger.With("component", "cycles"),
		recursionLimit: recursionLimit,
	}
}

// BuildDebtGraph builds the payer -> payee graph. Transactions missing an
// endpoint are skipped with a warning; self-payments are listed separately
// and add no edge.
func (d *Detector) BuildDebtGraph(ctx context.Context) (*DebtGraph, error) {
	persons, err := storage.Persons(ctx, d.store, storage.All)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch persons: %w", err)
	}
	txs, err := storage.Transactions(ctx, d.store, storage.All)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transactions: %w", err)
	}

	dg := &DebtGraph{
		Graph:   NewGraph[string](),
		Amounts: make(map[[2]string]int64),
		Names:   make(map[string]string, len(persons)),
	}
	for _, p := range persons {
		dg.Names[p.ID] = p.DisplayName()
	}

	for _, t := range txs {
		payer, hasPayer := t.Payer.Get()
		payee, hasPayee := t.Payee.Get()
		if !hasPayer || !hasPayee {
			dg.Warnings = append(dg.Warnings, fmt.Sprintf("transaction %s is missing its payer or payee", t.ID))
			continue
		}
		if payer == payee {
			dg.SelfPayments = append(dg.SelfPayments, SelfPayment{TransactionID: t.ID, PersonID: payer, Amount: t.Amount})
			continue
		}
		dg.AddEdge(payer, payee)
		dg.Amounts[[2]string{payer, payee}] += t.Amount
	}
	return dg, nil
}

// DetectCircularTransactionChains reports the cycles of the debt graph.
// Tarjan's algorithm decides which people are in a cycle; the path-tracking
// DFS then supplies concrete paths for them.
func (d *Detector) DetectCircularTransactionChains(ctx context.Context) (*ChainReport, error) {
	dg, err := d.BuildDebtGraph(ctx)
	if err != nil {
		return nil, err
	}

	report := &ChainReport{
		SelfPayments: dg.SelfPayments,
		Warnings:     dg.Warnings,
		Components:   CyclicComponents(dg.Graph),
	}
	if len(report.Components) == 0 {
		return report, nil
	}

	for _, path := range FindCycles(dg.Graph) {
		chain := Chain{PersonIDs: path, Names: make([]string, len(path))}
		for i, id := range path {
			chain.Names[i] = dg.Name(id)
			amount := dg.Amounts[[2]string{id, path[(i+1)%len(path)]}]
			if i == 0 || amount < chain.CancellableAmount {
				chain.CancellableAmount = amount
			}
		}
		report.Cycles = append(report.Cycles, chain)
	}
	report.Settlement = Settle(Balances(dg))

	d.logger.Info("Debt cycles detected", "cycles", len(report.Cycles), "components", len(report.Components))
	return report, nil
}

// ValidateNewDebt checks that a transaction from payer to payee would not
// close a debt cycle. Self-payments add no edge and always pass.
func (d *Detector) ValidateNewDebt(ctx context.Context, payer, payee string) error {
	if payer == payee {
		return nil
	}
	dg, err := d.BuildDebtGraph(ctx)
	if err != nil {
		return err
	}
	return ValidateNewRelationship(dg.Graph, payer, payee)
}

// Downstream returns everyone personID transitively paid, bounded by the
// detector's recursion limit.
func (d *Detector) Downstream(ctx context.Context, personID string) ([]string, error) {
	dg, err := d.BuildDebtGraph(ctx)
	if err != nil {
		return nil, err
	}
	return Reachable(dg.Graph, personID, d.recursionLimit)
}
