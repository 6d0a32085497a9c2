// Package credits provides a prepaid credit ledger with payment
// reconciliation for Go applications.
//
// Credits is designed as a library, not a service. Import it directly into
// your Go application. It provides:
//
//   - Atomic one-credit debits that never drive a balance negative
//   - An append-only ledger entry for every balance change
//   - Same-day deduplication of billable issuances
//   - Idempotent crediting of gateway payments, safe against duplicated,
//     reordered and concurrent webhooks
//   - Fixed-window rate limiting, in memory or shared through Redis
//   - Memory, SQLite, PostgreSQL, MongoDB and MySQL stores
//
// # Quick Start
//
//	import (
//	    "github.com/xraph/credits"
//	    "github.com/xraph/credits/store/memory"
//	)
//
//	l := credits.New(memory.New(), credits.WithGateway(gateway))
//	if err := l.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer l.Stop()
//
// # Spending credits
//
// RequestBillableAction rate limits the caller and pays for a subject at
// most once per server day:
//
//	res, err := l.RequestBillableAction(ctx, credits.BillableRequest{
//	    AccountID:  accountID,
//	    Origin:     clientIP,
//	    SubjectKey: "12345678000190",
//	})
//	if !res.Granted {
//	    // "no credits available, please purchase more"
//	}
//
// # Buying credits
//
// InitiatePurchase opens a gateway order whose external reference encodes
// the account and plan. The reconcile package turns the settlement webhook
// into a purchase entry:
//
//	r := reconcile.New(l, gateway)
//	outcome, err := r.Handle(ctx, notification)
//
// # Money
//
// Plan prices use integer arithmetic in the smallest currency unit
// (centavos for BRL).
//
// # TypeID
//
// Entries, issuances and validations use TypeID identifiers:
//
//	entry_01h2xcejqtf2nbrexx3vqjhp41  // Ledger entry
//	iss_01h455vb4pex5vsknk084sn02q    // Issuance
//
// Account IDs belong to the host application and plan IDs are UUIDs.
package credits
