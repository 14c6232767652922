package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	koreapi "kore/engine/pkg/api/kore"
	"kore/engine/pkg/database"
	"kore/engine/pkg/logging"
	"kore/engine/pkg/middleware"
	"kore/engine/pkg/models"
	"kore/engine/pkg/validation"
)

const dateLayout = "2006-01-02"

var errActiveRuleExists = errors.New("an active debit rule already exists")

const ruleColumns = `id, user_id, monthly_max_debit, single_max_debit, frequency,
	       amount_per_frequency, allocations, failure_action, start_date, end_date,
	       is_active, created_at, updated_at`

func scanRule(row interface{ Scan(...interface{}) error }) (*models.DebitRule, error) {
	var rule models.DebitRule
	err := row.Scan(&rule.ID, &rule.UserID, &rule.MonthlyMaxDebit, &rule.SingleMaxDebit,
		&rule.Frequency, &rule.AmountPerFrequency, &rule.Allocations, &rule.FailureAction,
		&rule.StartDate, &rule.EndDate, &rule.IsActive, &rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// CreateRule creates a debit rule for the authenticated user. A user
// can only hold one active rule; creating while one exists is a 409.
func CreateRule(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "User context required"})
		return
	}

	var req koreapi.CreateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "Invalid request body"})
		return
	}

	rule, verr := ruleFromCreateRequest(userID, &req)
	if verr.HasErrors() {
		c.JSON(http.StatusBadRequest, koreapi.ValidationErrorResponse{
			Error:      "Rule validation failed",
			Violations: verr.Errors,
		})
		return
	}

	if err := validation.ValidateRule(rule); err != nil {
		var ve *validation.ValidationErrors
		if errors.As(err, &ve) {
			c.JSON(http.StatusBadRequest, koreapi.ValidationErrorResponse{
				Error:      "Rule validation failed",
				Violations: ve.Errors,
			})
			return
		}
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: err.Error()})
		return
	}

	created, err := insertActiveRule(rule)
	if err == errActiveRuleExists {
		c.JSON(http.StatusConflict, koreapi.ErrorResponse{Error: "An active debit rule already exists"})
		return
	}
	if err != nil {
		logger.WithFields(logging.Fields{
			"user_id": userID,
			"error":   err.Error(),
		}).Error("Failed to create debit rule")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Failed to create rule"})
		return
	}

	logger.WithFields(logging.Fields{
		"user_id": userID,
		"rule_id": created.ID,
	}).Info("Debit rule created")
	countRuleOp("create", "ok")

	c.JSON(http.StatusCreated, koreapi.RuleResponse{Rule: created})
}

// insertActiveRule inserts a new active rule. The partial unique index
// on (user_id) WHERE is_active is the authority on the one-active-rule
// invariant; the pre-check only exists for a friendlier error path.
func insertActiveRule(rule *models.DebitRule) (*models.DebitRule, error) {
	var existing string
	err := db.QueryRow(`SELECT id FROM debit_rules WHERE user_id = $1 AND is_active`, rule.UserID).Scan(&existing)
	if err == nil {
		return nil, errActiveRuleExists
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	rule.ID = uuid.New().String()
	rule.IsActive = true

	row := db.QueryRow(`
		INSERT INTO debit_rules (id, user_id, monthly_max_debit, single_max_debit, frequency,
		                         amount_per_frequency, allocations, failure_action, start_date, end_date, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, true)
		RETURNING `+ruleColumns,
		rule.ID, rule.UserID, rule.MonthlyMaxDebit, rule.SingleMaxDebit, rule.Frequency,
		rule.AmountPerFrequency, rule.Allocations, rule.FailureAction, rule.StartDate, rule.EndDate)

	created, err := scanRule(row)
	if database.IsUniqueViolation(err, "debit_rules_one_active_per_user") {
		// Lost a race with a concurrent create
		return nil, errActiveRuleExists
	}
	if err != nil {
		return nil, err
	}
	return created, nil
}

// GetRule returns the authenticated user's active debit rule. 404 means
// the user has not set one up yet.
func GetRule(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "User context required"})
		return
	}

	row := db.QueryRow(`SELECT `+ruleColumns+` FROM debit_rules WHERE user_id = $1 AND is_active`, userID)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, koreapi.ErrorResponse{Error: "No active debit rule"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to fetch debit rule")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Failed to fetch rule"})
		return
	}

	c.JSON(http.StatusOK, koreapi.RuleResponse{Rule: rule})
}

// UpdateRule merges partial changes onto the active rule, re-validates
// the result, and snapshots the old version into history in the same
// transaction.
func UpdateRule(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "User context required"})
		return
	}

	var req koreapi.UpdateRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "Invalid request body"})
		return
	}

	tx, err := db.Begin()
	if err != nil {
		logger.WithError(err).Error("Failed to begin rule update")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Failed to update rule"})
		return
	}
	defer tx.Rollback()

	row := tx.QueryRow(`SELECT `+ruleColumns+` FROM debit_rules WHERE user_id = $1 AND is_active FOR UPDATE`, userID)
	rule, err := scanRule(row)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, koreapi.ErrorResponse{Error: "No active debit rule"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to fetch debit rule for update")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Failed to update rule"})
		return
	}

	snapshot := *rule

	verr := applyRuleUpdate(rule, &req)
	if verr.HasErrors() {
		c.JSON(http.StatusBadRequest, koreapi.ValidationErrorResponse{
			Error:      "Rule validation failed",
			Violations: verr.Errors,
		})
		return
	}

	if err := validation.ValidateRule(rule); err != nil {
		var ve *validation.ValidationErrors
		if errors.As(err, &ve) {
			c.JSON(http.StatusBadRequest, koreapi.ValidationErrorResponse{
				Error:      "Rule validation failed",
				Violations: ve.Errors,
			})
			return
		}
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: err.Error()})
		return
	}

	if err := snapshotRule(tx, &snapshot); err != nil {
		logger.WithError(err).Error("Failed to snapshot debit rule")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Failed to update rule"})
		return
	}

	row = tx.QueryRow(`
		UPDATE debit_rules
		SET monthly_max_debit = $1, single_max_debit = $2, frequency = $3,
		    amount_per_frequency = $4, allocations = $5, failure_action = $6,
		    end_date = $7, updated_at = NOW()
		WHERE id = $8
		RETURNING `+ruleColumns,
		rule.MonthlyMaxDebit, rule.SingleMaxDebit, rule.Frequency,
		rule.AmountPerFrequency, rule.Allocations, rule.FailureAction,
		rule.EndDate, rule.ID)

	updated, err := scanRule(row)
	if err != nil {
		logger.WithError(err).Error("Failed to update debit rule")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Failed to update rule"})
		return
	}

	if err := tx.Commit(); err != nil {
		logger.WithError(err).Error("Failed to commit rule update")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Failed to update rule"})
		return
	}

	logger.WithFields(logging.Fields{
		"user_id": userID,
		"rule_id": updated.ID,
	}).Info("Debit rule updated")
	countRuleOp("update", "ok")

	c.JSON(http.StatusOK, koreapi.RuleResponse{Rule: updated})
}

func snapshotRule(tx *sql.Tx, rule *models.DebitRule) error {
	_, err := tx.Exec(`
		INSERT INTO debit_rule_history (id, rule_id, user_id, snapshot)
		VALUES ($1, $2, $3, $4)`,
		uuid.New().String(), rule.ID, rule.UserID, models.RuleSnapshot(rule))
	return err
}

// DeactivateRule soft-deletes the active rule. History is retained and
// the scheduler stops picking the user up on its next tick.
func DeactivateRule(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "User context required"})
		return
	}

	result, err := db.Exec(`
		UPDATE debit_rules SET is_active = false, updated_at = NOW()
		WHERE user_id = $1 AND is_active`, userID)
	if err != nil {
		logger.WithError(err).Error("Failed to deactivate debit rule")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Failed to deactivate rule"})
		return
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		c.JSON(http.StatusNotFound, koreapi.ErrorResponse{Error: "No active debit rule"})
		return
	}

	logger.WithFields(logging.Fields{
		"user_id": userID,
	}).Info("Debit rule deactivated")
	countRuleOp("deactivate", "ok")

	c.Status(http.StatusNoContent)
}

// GetRuleHistory returns superseded versions of the user's rules,
// newest first.
func GetRuleHistory(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "User context required"})
		return
	}

	rows, err := db.Query(`
		SELECT id, rule_id, user_id, snapshot, superseded_at
		FROM debit_rule_history
		WHERE user_id = $1
		ORDER BY superseded_at DESC`, userID)
	if err != nil {
		logger.WithError(err).Error("Failed to fetch rule history")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Failed to fetch history"})
		return
	}
	defer rows.Close()

	var ruleID string
	versions := []models.DebitRuleVersion{}
	for rows.Next() {
		var v models.DebitRuleVersion
		var snapshot models.SnapshotColumn
		if err := rows.Scan(&v.ID, &v.RuleID, &v.UserID, &snapshot, &v.SupersededAt); err != nil {
			logger.WithError(err).Error("Error scanning rule version")
			continue
		}
		v.Snapshot = snapshot.Rule
		if ruleID == "" {
			ruleID = v.RuleID
		}
		versions = append(versions, v)
	}

	c.JSON(http.StatusOK, koreapi.RuleHistoryResponse{
		RuleID:   ruleID,
		Versions: versions,
	})
}

func ruleFromCreateRequest(userID string, req *koreapi.CreateRuleRequest) (*models.DebitRule, *validation.ValidationErrors) {
	verr := &validation.ValidationErrors{}

	rule := &models.DebitRule{
		UserID:        userID,
		Frequency:     models.DebitFrequency(req.Frequency),
		FailureAction: models.FailureAction(req.FailureAction),
		Allocations:   allocationsFromInput(req.Allocations),
	}

	rule.MonthlyMaxDebit = parseAmount("monthly_max_debit", req.MonthlyMaxDebit, verr)
	rule.SingleMaxDebit = parseAmount("single_max_debit", req.SingleMaxDebit, verr)
	rule.AmountPerFrequency = parseAmount("amount_per_frequency", req.AmountPerFrequency, verr)

	if req.StartDate == "" {
		verr.Errors = append(verr.Errors, validation.FieldError{Field: "start_date", Reason: "is required"})
	} else if start, err := time.Parse(dateLayout, req.StartDate); err != nil {
		verr.Errors = append(verr.Errors, validation.FieldError{Field: "start_date", Reason: "must be a YYYY-MM-DD date"})
	} else {
		rule.StartDate = start
	}

	if req.EndDate != "" {
		end, err := time.Parse(dateLayout, req.EndDate)
		if err != nil {
			verr.Errors = append(verr.Errors, validation.FieldError{Field: "end_date", Reason: "must be a YYYY-MM-DD date"})
		} else {
			rule.EndDate = &end
		}
	}

	return rule, verr
}

func applyRuleUpdate(rule *models.DebitRule, req *koreapi.UpdateRuleRequest) *validation.ValidationErrors {
	verr := &validation.ValidationErrors{}

	if req.MonthlyMaxDebit != nil {
		rule.MonthlyMaxDebit = parseAmount("monthly_max_debit", *req.MonthlyMaxDebit, verr)
	}
	if req.SingleMaxDebit != nil {
		rule.SingleMaxDebit = parseAmount("single_max_debit", *req.SingleMaxDebit, verr)
	}
	if req.AmountPerFrequency != nil {
		rule.AmountPerFrequency = parseAmount("amount_per_frequency", *req.AmountPerFrequency, verr)
	}
	if req.Frequency != nil {
		rule.Frequency = models.DebitFrequency(*req.Frequency)
	}
	if req.FailureAction != nil {
		rule.FailureAction = models.FailureAction(*req.FailureAction)
	}
	if req.EndDate != nil {
		if *req.EndDate == "" {
			rule.EndDate = nil
		} else if end, err := time.Parse(dateLayout, *req.EndDate); err != nil {
			verr.Errors = append(verr.Errors, validation.FieldError{Field: "end_date", Reason: "must be a YYYY-MM-DD date"})
		} else {
			rule.EndDate = &end
		}
	}
	if req.Allocations != nil {
		rule.Allocations = allocationsFromInput(*req.Allocations)
	}

	return verr
}

func allocationsFromInput(inputs []koreapi.AllocationInput) models.AllocationList {
	allocations := make(models.AllocationList, 0, len(inputs))
	for _, in := range inputs {
		allocations = append(allocations, models.BucketAllocation{
			Bucket:           models.Bucket(in.Bucket),
			CustomBucketName: in.CustomBucketName,
			Percentage:       in.Percentage,
		})
	}
	return allocations
}

func parseAmount(field, value string, verr *validation.ValidationErrors) decimal.Decimal {
	if value == "" {
		verr.Errors = append(verr.Errors, validation.FieldError{Field: field, Reason: "is required"})
		return decimal.Zero
	}
	amount, err := decimal.NewFromString(value)
	if err != nil {
		verr.Errors = append(verr.Errors, validation.FieldError{Field: field, Reason: "must be a decimal amount"})
		return decimal.Zero
	}
	return amount
}
