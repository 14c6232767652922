package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"kore/engine/internal/providers/paystack"
	koreapi "kore/engine/pkg/api/kore"
	"kore/engine/pkg/clients/identity"
	"kore/engine/pkg/config"
	"kore/engine/pkg/database"
	"kore/engine/pkg/logging"
	"kore/engine/pkg/middleware"
	"kore/engine/pkg/models"
)

// ErrPollTimeout is returned when mandate activation polling exhausts
// its attempts without the provider reaching a terminal answer. The
// mandate row is left untouched; the expiry sweep owns stale PENDING.
var ErrPollTimeout = errors.New("mandate activation polling timed out")

const mandateColumns = `id, user_id, status, mandate_reference, subscription_id, request_ref,
	       activation_url, provider_response_code, created_at, updated_at, cancelled_at`

func scanMandate(row interface{ Scan(...interface{}) error }) (*models.Mandate, error) {
	var m models.Mandate
	err := row.Scan(&m.ID, &m.UserID, &m.Status, &m.MandateReference, &m.SubscriptionID,
		&m.RequestRef, &m.ActivationURL, &m.ProviderResponseCode,
		&m.CreatedAt, &m.UpdatedAt, &m.CancelledAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateMandate initiates a direct-debit mandate with the provider.
// Requires a complete, BVN-verified profile and an active debit rule.
// Submitting the same request_ref twice returns the same mandate.
func CreateMandate(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "User context required"})
		return
	}

	var req koreapi.CreateMandateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "Invalid request body"})
		return
	}
	if req.BankCode == "" || req.AccountNumber == "" {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "bank_code and account_number are required"})
		return
	}
	if req.RequestRef == "" {
		req.RequestRef = uuid.New().String()
	}

	// An open mandate wins over everything else, including a fresh
	// request_ref. The client gets the existing one back.
	row := db.QueryRow(`SELECT `+mandateColumns+`
		FROM mandates WHERE user_id = $1 AND status IN ('PENDING', 'ACTIVE')`, userID)
	if existing, err := scanMandate(row); err == nil {
		c.JSON(http.StatusOK, koreapi.MandateCreateResponse{
			Mandate:       existing,
			ActivationURL: derefString(existing.ActivationURL),
		})
		return
	} else if err != sql.ErrNoRows {
		logger.WithError(err).Error("Failed to check open mandates")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Failed to create mandate"})
		return
	}

	profile, err := identityClient.GetProfile(c.Request.Context(), userID)
	if err == identity.ErrProfileNotFound {
		c.JSON(http.StatusPreconditionFailed, koreapi.ErrorResponse{Error: "Complete your profile before setting up auto-save"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Identity lookup failed")
		c.JSON(http.StatusBadGateway, koreapi.ErrorResponse{Error: "Profile service unavailable"})
		return
	}
	if !profile.Complete || !profile.BVNVerified {
		c.JSON(http.StatusPreconditionFailed, koreapi.ErrorResponse{Error: "Complete your profile and verify your BVN before setting up auto-save"})
		return
	}

	var ruleID string
	err = db.QueryRow(`SELECT id FROM debit_rules WHERE user_id = $1 AND is_active`, userID).Scan(&ruleID)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusPreconditionFailed, koreapi.ErrorResponse{Error: "Set up a debit rule before creating a mandate"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to check active rule")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Failed to create mandate"})
		return
	}

	auth, err := provider.InitiateMandate(c.Request.Context(), paystack.InitiateMandateRequest{
		CustomerEmail:     profile.Email,
		AccountNumber:     req.AccountNumber,
		BankCode:          req.BankCode,
		Reference:         req.RequestRef,
		AuthorizationType: req.AuthorizationType,
	})
	if errors.Is(err, context.DeadlineExceeded) {
		c.JSON(http.StatusGatewayTimeout, koreapi.ErrorResponse{Error: "Payment provider timed out"})
		return
	}
	if err != nil {
		logger.WithFields(logging.Fields{
			"user_id": userID,
			"error":   err.Error(),
		}).Error("Provider mandate initiation failed")
		c.JSON(http.StatusBadGateway, koreapi.ErrorResponse{Error: "Payment provider rejected the mandate request"})
		return
	}

	mandate, created, err := insertPendingMandate(userID, req.RequestRef, auth)
	if err != nil {
		logger.WithError(err).Error("Failed to store mandate")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Failed to create mandate"})
		return
	}
	if !created {
		// A concurrent create or a retried submission won; its row is
		// canonical and its poller is already running.
		c.JSON(http.StatusOK, koreapi.MandateCreateResponse{
			Mandate:       mandate,
			ActivationURL: derefString(mandate.ActivationURL),
		})
		return
	}

	logger.WithFields(logging.Fields{
		"user_id":     userID,
		"mandate_id":  mandate.ID,
		"request_ref": mandate.RequestRef,
	}).Info("Mandate initiated")
	countMandateOp("create", "ok")

	// Poll for activation in the background; the expiry sweep covers
	// mandates the user never authorizes.
	interval := config.GetEnvDuration("MANDATE_POLL_INTERVAL", 15*time.Second)
	attempts := config.GetEnvInt("MANDATE_POLL_ATTEMPTS", 40)
	go func(mandateID string) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(attempts+1)*interval)
		defer cancel()
		if err := PollMandateActivation(ctx, mandateID, interval, attempts); err != nil && err != ErrPollTimeout {
			logger.WithFields(logging.Fields{
				"mandate_id": mandateID,
				"error":      err.Error(),
			}).Warn("Mandate activation polling aborted")
		}
	}(mandate.ID)

	c.JSON(http.StatusCreated, koreapi.MandateCreateResponse{
		Mandate:       mandate,
		ActivationURL: auth.ActivationURL,
	})
}

// insertPendingMandate stores the PENDING row. ON CONFLICT on the
// request_ref unique index makes retried submissions land on the same
// row instead of a second mandate. Two concurrent creates with distinct
// request_refs race on the one-open-per-user index instead; the loser
// gets the winner's row back.
func insertPendingMandate(userID, requestRef string, auth *paystack.MandateAuthorization) (*models.Mandate, bool, error) {
	id := uuid.New().String()
	result, err := db.Exec(`
		INSERT INTO mandates (id, user_id, status, mandate_reference, request_ref, activation_url, provider_response_code)
		VALUES ($1, $2, 'PENDING', $3, $4, $5, $6)
		ON CONFLICT (request_ref) DO NOTHING`,
		id, userID, nullString(auth.MandateReference), requestRef,
		nullString(auth.ActivationURL), nullString(auth.ResponseCode))
	if database.IsUniqueViolation(err, "mandates_one_open_per_user") {
		row := db.QueryRow(`SELECT `+mandateColumns+`
			FROM mandates WHERE user_id = $1 AND status IN ('PENDING', 'ACTIVE')`, userID)
		mandate, scanErr := scanMandate(row)
		return mandate, false, scanErr
	}
	if err != nil {
		return nil, false, err
	}

	if affected, _ := result.RowsAffected(); affected == 0 {
		row := db.QueryRow(`SELECT `+mandateColumns+` FROM mandates WHERE request_ref = $1`, requestRef)
		mandate, scanErr := scanMandate(row)
		return mandate, false, scanErr
	}

	row := db.QueryRow(`SELECT `+mandateColumns+` FROM mandates WHERE id = $1`, id)
	mandate, scanErr := scanMandate(row)
	return mandate, true, scanErr
}

// GetCurrentMandate returns the user's most recent mandate
func GetCurrentMandate(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "User context required"})
		return
	}

	row := db.QueryRow(`SELECT `+mandateColumns+`
		FROM mandates WHERE user_id = $1
		ORDER BY created_at DESC LIMIT 1`, userID)
	mandate, err := scanMandate(row)
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, koreapi.ErrorResponse{Error: "No mandate on file"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to fetch mandate")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Failed to fetch mandate"})
		return
	}

	c.JSON(http.StatusOK, koreapi.MandateResponse{Mandate: mandate})
}

// CancelMandate cancels an ACTIVE mandate. Any other state is a 409;
// cancellation is the only user-driven exit from the state machine.
func CancelMandate(c middleware.Context) {
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, koreapi.ErrorResponse{Error: "User context required"})
		return
	}

	row := db.QueryRow(`
		UPDATE mandates
		SET status = 'CANCELLED', cancelled_at = NOW(), updated_at = NOW()
		WHERE user_id = $1 AND status = 'ACTIVE'
		RETURNING `+mandateColumns, userID)
	mandate, err := scanMandate(row)
	if err == sql.ErrNoRows {
		var status string
		lookupErr := db.QueryRow(`
			SELECT status FROM mandates WHERE user_id = $1
			ORDER BY created_at DESC LIMIT 1`, userID).Scan(&status)
		if lookupErr == sql.ErrNoRows {
			c.JSON(http.StatusNotFound, koreapi.ErrorResponse{Error: "No mandate on file"})
			return
		}
		c.JSON(http.StatusConflict, koreapi.ErrorResponse{Error: "Only an active mandate can be cancelled"})
		return
	}
	if err != nil {
		logger.WithError(err).Error("Failed to cancel mandate")
		c.JSON(http.StatusInternalServerError, koreapi.ErrorResponse{Error: "Failed to cancel mandate"})
		return
	}

	logger.WithFields(logging.Fields{
		"user_id":    userID,
		"mandate_id": mandate.ID,
	}).Info("Mandate cancelled")
	countMandateOp("cancel", "ok")

	c.JSON(http.StatusOK, koreapi.MandateResponse{Mandate: mandate})
}

// PollMandateActivation polls the provider until the mandate reaches a
// terminal answer, the attempts run out, or ctx is cancelled. The
// provider returning 404 means "authorization still in flight" and
// keeps the poll going; any other error aborts immediately.
func PollMandateActivation(ctx context.Context, mandateID string, interval time.Duration, maxAttempts int) error {
	row := db.QueryRow(`SELECT `+mandateColumns+` FROM mandates WHERE id = $1`, mandateID)
	mandate, err := scanMandate(row)
	if err != nil {
		return err
	}
	if mandate.Status != models.MandatePending {
		return nil
	}
	if mandate.MandateReference == nil {
		return errors.New("mandate has no provider reference")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		// Only "not found yet" keeps the poll going; any other
		// provider answer aborts and the expiry sweep takes over.
		state, err := provider.GetMandate(ctx, *mandate.MandateReference)
		if err == paystack.ErrMandateNotFound {
			continue
		}
		if err != nil {
			return err
		}

		switch state.Status {
		case "active":
			return transitionMandate(mandateID, models.MandatePending, models.MandateActive, state.ResponseCode)
		case "failed", "cancelled":
			return transitionMandate(mandateID, models.MandatePending, models.MandateFailed, state.ResponseCode)
		}
	}

	return ErrPollTimeout
}

// transitionMandate applies a guarded status transition. The WHERE
// clause on the current status makes concurrent transitions (webhook vs
// poller) collapse to one winner.
func transitionMandate(mandateID string, from, to models.MandateStatus, responseCode string) error {
	if !models.CanTransitionMandate(from, to) {
		return errors.New("invalid mandate transition")
	}

	result, err := db.Exec(`
		UPDATE mandates
		SET status = $1, provider_response_code = COALESCE($2, provider_response_code), updated_at = NOW()
		WHERE id = $3 AND status = $4`,
		string(to), nullString(responseCode), mandateID, string(from))
	if err != nil {
		return err
	}

	if affected, _ := result.RowsAffected(); affected > 0 {
		logger.WithFields(logging.Fields{
			"mandate_id": mandateID,
			"from":       string(from),
			"to":         string(to),
		}).Info("Mandate transitioned")
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
