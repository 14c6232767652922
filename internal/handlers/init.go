package handlers

import (
	"context"
	"database/sql"

	"kore/engine/internal/notify"
	"kore/engine/internal/providers/paystack"
	"kore/engine/pkg/clients/identity"
	"kore/engine/pkg/kafka"
	"kore/engine/pkg/logging"
)

var (
	db             *sql.DB
	logger         logging.Logger
	provider       *paystack.Client
	identityClient *identity.Client
	producer       *kafka.Producer
	emailService   *notify.EmailService
	debitRunner    DebitRunner
	sweepRunner    SweepRunner
)

// DebitRunner triggers one scheduler pass outside the ticker loop.
// Satisfied by scheduler.JobManager.
type DebitRunner interface {
	ExecuteDueDebits(ctx context.Context)
}

// SweepRunner triggers the reconciler sweeps outside the ticker loop.
// Satisfied by reconciler.Reconciler.
type SweepRunner interface {
	ApplyFailurePolicies(ctx context.Context)
	FailStuckTransactions(ctx context.Context)
	ExpirePendingMandates(ctx context.Context)
}

// Deps are the outbound dependencies the handlers call. Producer may be
// nil when Kafka is not configured; event publishing degrades to logs.
// Scheduler and Reconciler back the internal trigger endpoints.
type Deps struct {
	Provider   *paystack.Client
	Identity   *identity.Client
	Producer   *kafka.Producer
	Scheduler  DebitRunner
	Reconciler SweepRunner
}

// Init initializes the handlers with database, logger and dependencies
func Init(database *sql.DB, log logging.Logger, deps Deps) {
	db = database
	logger = log
	provider = deps.Provider
	identityClient = deps.Identity
	producer = deps.Producer
	debitRunner = deps.Scheduler
	sweepRunner = deps.Reconciler
	emailService = notify.NewEmailService(log)
}
