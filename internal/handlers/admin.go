package handlers

import (
	"net/http"

	koreapi "kore/engine/pkg/api/kore"
	"kore/engine/pkg/middleware"
)

// TriggerDebitRun runs one scheduler pass immediately. Service-token
// protected; the deterministic request_ref index makes a manual run
// safe alongside the ticker.
func TriggerDebitRun(c middleware.Context) {
	if debitRunner == nil {
		c.JSON(http.StatusServiceUnavailable, koreapi.ErrorResponse{Error: "Scheduler not available"})
		return
	}

	logger.Info("Manual debit run triggered")
	debitRunner.ExecuteDueDebits(c.Request.Context())

	c.JSON(http.StatusOK, middleware.H{"completed": true})
}

// TriggerReconcile runs the reconciler sweeps immediately. The
// reconciled_at claim keeps a manual run from double-applying policies.
func TriggerReconcile(c middleware.Context) {
	if sweepRunner == nil {
		c.JSON(http.StatusServiceUnavailable, koreapi.ErrorResponse{Error: "Reconciler not available"})
		return
	}

	logger.Info("Manual reconcile triggered")
	ctx := c.Request.Context()
	sweepRunner.FailStuckTransactions(ctx)
	sweepRunner.ApplyFailurePolicies(ctx)
	sweepRunner.ExpirePendingMandates(ctx)

	c.JSON(http.StatusOK, middleware.H{"completed": true})
}
