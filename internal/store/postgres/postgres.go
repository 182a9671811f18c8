// Package postgres implements C12's store interfaces against the sqlx
// DB/Tx wrapper in internal/postgres, grounded on the teacher's
// pre-ent internal/repository/postgres layer (customer.go/wallet.go's
// NamedExecContext/NamedQueryContext idiom, generalized to this
// module's row-lock and append-only-insert primitives).
package postgres

import (
	"github.com/meteroid-oss/meteroid-sub001/internal/logger"
	pg "github.com/meteroid-oss/meteroid-sub001/internal/postgres"
	"github.com/meteroid-oss/meteroid-sub001/internal/store"
)

// Repositories bundles one concrete implementation per store interface
// plus the shared *pg.DB transactional boundary, matching store.Store's
// shape so it slots into NewStore unchanged.
type Repositories struct {
	db  *pg.DB
	log *logger.Logger
}

// New wires every C12 store interface against db.
func New(db *pg.DB, log *logger.Logger) *Repositories {
	return &Repositories{db: db, log: log}
}

// AsStore assembles the Store aggregate C8-C11 depend on.
func (r *Repositories) AsStore() *store.Store {
	return &store.Store{
		Tx:                     r.db,
		Subscriptions:          &subscriptionRepo{db: r.db},
		SubscriptionComponents: &subscriptionComponentRepo{db: r.db},
		SlotTransactions:       &slotTransactionRepo{db: r.db},
		ScheduledEvents:        &scheduledEventRepo{db: r.db},
		CreditNotes:            &creditNoteRepo{db: r.db, logger: r.log},
		Invoices:               &invoiceRepo{db: r.db},
		Bi:                     &biRepo{db: r.db},
		CustomerBalances:       &customerBalanceRepo{db: r.db},
	}
}
