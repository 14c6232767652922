package handlers

import (
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	koreapi "kore/engine/pkg/api/kore"
	"kore/engine/pkg/middleware"
	"kore/engine/pkg/models"
	"kore/engine/pkg/validation"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

const transactionColumns = `id, user_id, rule_id, reference, transaction_type, status, amount,
	       bucket, custom_bucket_name, description, narration, request_ref, due_date, attempt,
	       provider_reference, failure_reason, reconciled_at, created_at, updated_at, completed_at`

func scanTransaction(row interface{ Scan(...interface{}) error }) (*models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.UserID, &t.RuleID, &t.Reference, &t.TransactionType, &t.Status,
		&t.Amount, &t.Bucket, &t.CustomBucketName, &t.Description, &t.Narration,
		&t.RequestRef, &t.DueDate, &t.Attempt, &t.ProviderReference, &t.FailureReason,
		&t.ReconciledAt, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransactions returns the user's ledger entries, newest first,
// filtered by status, type, or bucket.
func ListTransactions(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "User context required"})
		return
	}

	limit, offset := pageParams(c)

	where := "WHERE user_id = $1"
	args := []interface{}{userID}

	if status := c.Query("status"); status != "" {
		if !models.TransactionStatus(status).Valid() {
			c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "Unknown status filter"})
			return
		}
		args = append(args, status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if txType := c.Query("type"); txType != "" {
		if !models.TransactionType(txType).Valid() {
			c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "Unknown type filter"})
			return
		}
		args = append(args, txType)
		where += fmt.Sprintf(" AND transaction_type = $%d", len(args))
	}
	if bucket := c.Query("bucket"); bucket != "" {
		args = append(args, bucket)
		where += fmt.Sprintf(" AND bucket = $%d", len(args))
	}

	var total int
	if err := db.QueryRow("SELECT COUNT(*) FROM transactions "+where, args...).Scan(&total); err != nil {
		logger.WithError(err).Error("Failed to count transactions")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Failed to fetch transactions"})
		return
	}

	args = append(args, limit, offset)
	query := fmt.Sprintf(`SELECT %s FROM transactions %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		transactionColumns, where, len(args)-1, len(args))

	rows, err := db.Query(query, args...)
	if err != nil {
		logger.WithError(err).Error("Failed to fetch transactions")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Failed to fetch transactions"})
		return
	}
	defer rows.Close()

	transactions := []models.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			logger.WithError(err).Error("Error scanning transaction")
			continue
		}
		transactions = append(transactions, *t)
	}

	c.JSON(http.StatusOK, koreapi.TransactionListResponse{
		Transactions: transactions,
		Limit:        limit,
		Offset:       offset,
		Total:        total,
	})
}

// GetTransaction returns a single ledger entry by its reference
func GetTransaction(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "User context required"})
		return
	}

	reference := c.Param("reference")
	if reference == "summary" {
		GetSummary(c)
		return
	}
	if reference == "" {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "Transaction reference required"})
		return
	}

	row := db.QueryRow(`SELECT `+transactionColumns+`
		FROM transactions WHERE reference = $1 AND user_id = $2`, reference, userID)
	transaction, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, koreapi.ErrorResponse{Error: "Transaction not found"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to fetch transaction")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Failed to fetch transaction"})
		return
	}

	c.JSON(http.StatusOK, koreapi.TransactionResponse{Transaction: transaction})
}

// GetSummary aggregates the user's ledger over a period. Settled debits
// are split across buckets with the owning rule's allocation weights so
// the bucket totals add up to total_debited exactly.
func GetSummary(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "User context required"})
		return
	}

	period := c.DefaultQuery("period", "month")
	since, all, err := periodStart(period, time.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "period must be one of today, week, month, year, all"})
		return
	}

	where := "WHERE t.user_id = $1"
	args := []interface{}{userID}
	if !all {
		args = append(args, since)
		where += " AND t.created_at >= $2"
	}

	summary := &models.LedgerSummary{
		Period:        period,
		TotalDebited:  decimal.Zero,
		TotalCredited: decimal.Zero,
		ByBucket:      map[string]models.BucketSummary{},
		ByStatus:      map[string]int{},
	}

	rows, err := db.Query(`
		SELECT t.transaction_type, t.status, t.amount, r.allocations
		FROM transactions t
		LEFT JOIN debit_rules r ON r.id = t.rule_id
		`+where, args...)
	if err != nil {
		logger.WithError(err).Error("Failed to aggregate transactions")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Failed to build summary"})
		return
	}
	defer rows.Close()

	for rows.Next() {
		var (
			txType      models.TransactionType
			status      models.TransactionStatus
			amount      decimal.Decimal
			allocations models.AllocationList
		)
		if err := rows.Scan(&txType, &status, &amount, &allocations); err != nil {
			logger.WithError(err).Error("Error scanning summary row")
			continue
		}

		summary.Count++
		summary.ByStatus[string(status)]++

		if status != models.TxSuccessful {
			continue
		}

		switch txType {
		case models.TypeDebit:
			summary.TotalDebited = summary.TotalDebited.Add(amount)
			accumulateBuckets(summary, amount, allocations)
		case models.TypeCredit, models.TypeReversal:
			summary.TotalCredited = summary.TotalCredited.Add(amount)
		}
	}

	c.JSON(http.StatusOK, koreapi.SummaryResponse{Summary: summary})
}

func accumulateBuckets(summary *models.LedgerSummary, amount decimal.Decimal, allocations models.AllocationList) {
	if len(allocations) == 0 {
		return
	}
	shares := validation.SplitAmount(amount, allocations)
	for _, alloc := range allocations {
		key := validation.AllocationKey(alloc)
		entry, ok := summary.ByBucket[key]
		if !ok {
			entry = models.BucketSummary{Bucket: key, Total: decimal.Zero, Percentage: alloc.Percentage}
		}
		entry.Total = entry.Total.Add(shares[key])
		entry.Percentage = alloc.Percentage
		summary.ByBucket[key] = entry
	}
}

// periodStart maps a summary period to its inclusive lower bound.
// Calendar boundaries, not rolling windows: week starts Monday.
func periodStart(period string, now time.Time) (time.Time, bool, error) {
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	switch period {
	case "today":
		return midnight, false, nil
	case "week":
		offset := (int(now.Weekday()) + 6) % 7
		return midnight.AddDate(0, 0, -offset), false, nil
	case "month":
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()), false, nil
	case "year":
		return time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location()), false, nil
	case "all":
		return time.Time{}, true, nil
	}
	return time.Time{}, false, fmt.Errorf("unknown period %q", period)
}

func pageParams(c middleware.Context) (limit, offset int) {
	limit = defaultPageSize
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if raw := c.Query("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			offset = n
		}
	}
	return limit, offset
}
