// Package api exposes the credit ledger over HTTP with fiber: billable
// actions, purchases, balance and history for signed-in callers, the
// public issuance verification page and the payment gateway webhook.
package api

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/xraph/credits"
	"github.com/xraph/credits/reconcile"
)

// AccountHeader carries the caller's account when no AccountFunc is set.
const AccountHeader = "X-Account-ID"

// AccountFunc returns the authenticated account for a request. An empty
// id with a nil error means the caller is anonymous.
type AccountFunc func(c *fiber.Ctx) (string, error)

// HeaderAccount reads the account id from AccountHeader.
func HeaderAccount(c *fiber.Ctx) (string, error) {
	return strings.TrimSpace(c.Get(AccountHeader)), nil
}

// Server holds the handlers' dependencies.
type Server struct {
	ledger        *credits.Ledger
	reconciler    *reconcile.Reconciler
	validate      *validator.Validate
	account       AccountFunc
	webhookSecret string
	logger        *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithAccountFunc replaces the header-based account lookup.
func WithAccountFunc(fn AccountFunc) Option {
	return func(s *Server) {
		if fn != nil {
			s.account = fn
		}
	}
}

// WithWebhookSecret enables x-signature verification on the webhook.
func WithWebhookSecret(secret string) Option {
	return func(s *Server) { s.webhookSecret = secret }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New creates a Server. reconciler may be nil when the process does not
// receive gateway webhooks.
func New(l *credits.Ledger, r *reconcile.Reconciler, opts ...Option) *Server {
	s := &Server{
		ledger:     l,
		reconciler: r,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		account:    HeaderAccount,
		logger:     slog.Default(),
	}
	s.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register mounts every route on router.
func (s *Server) Register(router fiber.Router) {
	router.Post("/webhooks/mercadopago", s.handleWebhook)
	router.Get("/plans", s.handleListPlans)
	router.Get("/issuances/:id/verify", s.handleVerifyIssuance)

	router.Post("/actions", s.requireAccount, s.handleAction)
	router.Post("/purchases", s.requireAccount, s.handlePurchase)
	router.Get("/purchases/status", s.requireAccount, s.handlePurchaseStatus)
	router.Get("/balance", s.requireAccount, s.handleBalance)
	router.Get("/history", s.requireAccount, s.handleHistory)
}

// App returns a fiber app with the routes mounted and errors rendered as
// JSON.
func (s *Server) App(cfg ...fiber.Config) *fiber.App {
	c := fiber.Config{}
	if len(cfg) > 0 {
		c = cfg[0]
	}
	c.ErrorHandler = s.ErrorHandler
	app := fiber.New(c)
	s.Register(app)
	return app
}

const accountLocal = "credits.account_id"

func (s *Server) requireAccount(c *fiber.Ctx) error {
	acct, err := s.account(c)
	if err != nil {
		return err
	}
	if acct == "" {
		return respond(c, fiber.StatusUnauthorized, "unauthorized", "sign in to continue")
	}
	c.Locals(accountLocal, acct)
	return c.Next()
}

func accountID(c *fiber.Ctx) string {
	acct, _ := c.Locals(accountLocal).(string)
	return acct
}

// ErrorHandler renders handler errors as JSON. Use it as the
// fiber.Config ErrorHandler when mounting the routes on another app.
func (s *Server) ErrorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return respond(c, fe.Code, "http_error", fe.Message)
	}
	return s.fail(c, err)
}
