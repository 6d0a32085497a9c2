package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/xraph/credits"
	"github.com/xraph/credits/payment"
	"github.com/xraph/credits/plan"
	"github.com/xraph/credits/reconcile"
)

// DefaultStatusLookback bounds purchase status polls without a since.
const DefaultStatusLookback = 24 * time.Hour

// ──────────────────────────────────────────────────
// Webhook
// ──────────────────────────────────────────────────

// WebhookResponse acknowledges a gateway notification.
type WebhookResponse struct {
	Outcome reconcile.Outcome `json:"outcome"`
}

// handleWebhook reconciles a gateway notification. The gateway puts the
// resource id both in the body and in the data.id query parameter; the
// query value is the one it signs.
func (s *Server) handleWebhook(c *fiber.Ctx) error {
	if s.reconciler == nil {
		return respond(c, fiber.StatusServiceUnavailable, "disabled", "webhooks are not enabled")
	}

	var n payment.Notification
	if len(c.Body()) > 0 {
		if err := json.Unmarshal(c.Body(), &n); err != nil {
			return respond(c, fiber.StatusBadRequest, "invalid_request", "malformed notification")
		}
	}
	if n.Type == "" {
		n.Type = c.Query("type")
	}
	if n.Data.ID == "" {
		n.Data.ID = c.Query("data.id")
	}

	if s.webhookSecret != "" {
		signedID := c.Query("data.id", n.Data.ID)
		err := payment.VerifySignature(s.webhookSecret, c.Get("x-signature"), c.Get("x-request-id"), signedID)
		if err != nil {
			s.logger.Warn("api: webhook signature rejected",
				"data_id", signedID,
				"request_id", c.Get("x-request-id"),
				"error", err,
			)
			return s.fail(c, err)
		}
	}

	outcome, err := s.reconciler.Handle(c.UserContext(), n)
	if !outcome.Acknowledge() {
		// Non-2xx makes the gateway redeliver.
		s.logger.Warn("api: webhook deferred",
			"data_id", n.Data.ID,
			"error", err,
		)
		return respond(c, fiber.StatusServiceUnavailable, "retry", "notification not processed, retry later")
	}
	return c.JSON(WebhookResponse{Outcome: outcome})
}

// ──────────────────────────────────────────────────
// Billable actions
// ──────────────────────────────────────────────────

// ActionRequest pays for one subject. Payload, when present, is stored
// with a newly created issuance.
type ActionRequest struct {
	SubjectKey string          `json:"subject_key" validate:"required,max=128"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (s *Server) handleAction(c *fiber.Ctx) error {
	var req ActionRequest
	if err := c.BodyParser(&req); err != nil {
		return respond(c, fiber.StatusBadRequest, "invalid_request", "invalid request body")
	}
	if err := s.validate.Struct(&req); err != nil {
		return s.fail(c, err)
	}

	var build credits.BuildFunc
	if len(req.Payload) > 0 {
		if !json.Valid(req.Payload) {
			return respond(c, fiber.StatusBadRequest, "invalid_request", "payload must be JSON")
		}
		payload := req.Payload
		build = func(context.Context) (json.RawMessage, error) { return payload, nil }
	}

	res, err := s.ledger.RequestBillableAction(c.UserContext(), credits.BillableRequest{
		AccountID:  accountID(c),
		Origin:     c.IP(),
		SubjectKey: req.SubjectKey,
		Build:      build,
	})
	if err != nil {
		return s.fail(c, err)
	}
	if !res.Granted {
		return respond(c, fiber.StatusPaymentRequired, "no_credits", MsgNoCredits)
	}

	status := fiber.StatusOK
	if res.IsNew {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(res)
}

// ──────────────────────────────────────────────────
// Purchases
// ──────────────────────────────────────────────────

// PurchaseRequest buys a plan.
type PurchaseRequest struct {
	PlanID       string         `json:"plan_id"      validate:"required"`
	Method       payment.Method `json:"method"       validate:"omitempty,oneof=pix credit_card"`
	CardToken    string         `json:"card_token"   validate:"required_if=Method credit_card"`
	Installments int            `json:"installments" validate:"omitempty,min=1,max=12"`
	Payer        payment.Payer  `json:"payer"`
}

func (s *Server) handlePurchase(c *fiber.Ctx) error {
	var req PurchaseRequest
	if err := c.BodyParser(&req); err != nil {
		return respond(c, fiber.StatusBadRequest, "invalid_request", "invalid request body")
	}
	if err := s.validate.Struct(&req); err != nil {
		return s.fail(c, err)
	}

	res, err := s.ledger.InitiatePurchase(c.UserContext(), credits.PurchaseRequest{
		AccountID:    accountID(c),
		Origin:       c.IP(),
		PlanID:       req.PlanID,
		Method:       req.Method,
		CardToken:    req.CardToken,
		Installments: req.Installments,
		Payer:        req.Payer,
	})
	if err != nil {
		return s.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(res)
}

func (s *Server) handlePurchaseStatus(c *fiber.Ctx) error {
	planID := c.Query("plan_id")
	if planID == "" {
		return respond(c, fiber.StatusBadRequest, "invalid_request", "plan_id is required")
	}

	since := s.ledger.Now().Add(-DefaultStatusLookback)
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return respond(c, fiber.StatusBadRequest, "invalid_request", "since must be RFC 3339")
		}
		since = t
	}

	st, err := s.ledger.PurchaseStatus(c.UserContext(), accountID(c), planID, since)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(st)
}

// ──────────────────────────────────────────────────
// Balance and history
// ──────────────────────────────────────────────────

func (s *Server) handleBalance(c *fiber.Ctx) error {
	bal, err := s.ledger.Balance(c.UserContext(), accountID(c))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(bal)
}

func (s *Server) handleHistory(c *fiber.Ctx) error {
	page, err := s.ledger.History(c.UserContext(), accountID(c),
		c.QueryInt("page", 1),
		c.QueryInt("page_size", credits.DefaultPageSize),
	)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"entries":   page.Entries,
		"page":      page.Page,
		"page_size": page.PageSize,
		"total":     page.Total,
		"has_more":  page.HasMore(),
	})
}

// ──────────────────────────────────────────────────
// Public pages
// ──────────────────────────────────────────────────

func (s *Server) handleListPlans(c *fiber.Ctx) error {
	plans, err := s.ledger.ListPlans(c.UserContext(), plan.ListOpts{ActiveOnly: true})
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{"plans": plans})
}

func (s *Server) handleVerifyIssuance(c *fiber.Ctx) error {
	iss, err := s.ledger.VerifyIssuance(c.UserContext(), c.Params("id"), c.IP(), c.Get(fiber.HeaderUserAgent))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(fiber.Map{
		"valid":       true,
		"issuance_id": iss.ID.String(),
		"subject_key": iss.SubjectKey,
		"issued_at":   iss.IssuedAt,
		"issued_day":  iss.IssuedDay,
	})
}
