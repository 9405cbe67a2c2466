/*
ledger.go - Read-side queries over a line's transaction history

PURPOSE:
  Payment ingestion has several "post at most once" rules: one allowable
  adjustment, one contractual write-off and one deductible per payer, and
  check numbers that must not be reused under a different token. History
  answers those questions over the already-persisted ledger plus whatever
  the current instruction has planned so far.

INVARIANTS:
  - History is ordered by Seq; planned transactions come after persisted ones.
  - History never mutates a Transaction.
*/
package billing

import "sort"

// History is an ordered view of one line's ledger.
type History []Transaction

// SortBySeq orders transactions by Seq, keeping insertion order for ties.
func SortBySeq(txs []Transaction) {
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].Seq < txs[j].Seq })
}

// With returns a new history with planned transactions appended.
func (h History) With(planned ...Transaction) History {
	out := make(History, 0, len(h)+len(planned))
	out = append(out, h...)
	return append(out, planned...)
}

// Has reports whether any transaction of kind was posted for payer.
func (h History) Has(kind TransactionKind, payer Payer) bool {
	for _, tx := range h {
		if tx.Kind == kind && tx.Owner == payer {
			return true
		}
	}
	return false
}

func isRemittance(k TransactionKind) bool { return k == KindPayment || k == KindDenied }

// ConflictingCheck returns the first Payment/Denied for payer that used
// check under a different token.
func (h History) ConflictingCheck(payer Payer, check, token string) *Transaction {
	if check == "" || token == "" {
		return nil
	}
	for i := range h {
		tx := &h[i]
		if isRemittance(tx.Kind) && tx.Owner == payer &&
			tx.CheckNumber == check && tx.IdempotencyToken != token {
			return tx
		}
	}
	return nil
}

// ByToken returns the Payment/Denied that carried token, if any.
func (h History) ByToken(token string) *Transaction {
	if token == "" {
		return nil
	}
	for i := range h {
		tx := &h[i]
		if isRemittance(tx.Kind) && tx.IdempotencyToken == token {
			return tx
		}
	}
	return nil
}

// Count returns how many transactions match kind.
func (h History) Count(kind TransactionKind) int {
	n := 0
	for _, tx := range h {
		if tx.Kind == kind {
			n++
		}
	}
	return n
}
