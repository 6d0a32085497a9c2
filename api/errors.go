package api

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/xraph/credits"
	"github.com/xraph/credits/ratelimit"
)

// MsgNoCredits is shown when an account has nothing left to spend.
const MsgNoCredits = "no credits available, please purchase more"

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func respond(c *fiber.Ctx, status int, code, msg string) error {
	return c.Status(status).JSON(ErrorResponse{Error: code, Message: msg})
}

func tooManyRequests(c *fiber.Ctx, rl *ratelimit.Error) error {
	secs := rl.RetryAfterSeconds()
	c.Set(fiber.HeaderRetryAfter, strconv.Itoa(secs))
	return respond(c, fiber.StatusTooManyRequests, "rate_limited",
		fmt.Sprintf("too many requests, wait %d seconds", secs))
}

// fail maps a ledger error onto a status code. Unknown errors are logged
// and hidden behind a generic 500.
func (s *Server) fail(c *fiber.Ctx, err error) error {
	if rl, ok := ratelimit.AsError(err); ok {
		return tooManyRequests(c, rl)
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return respond(c, fiber.StatusBadRequest, "invalid_request", describe(verrs))
	}
	var ve credits.ValidationError
	if errors.As(err, &ve) {
		return respond(c, fiber.StatusBadRequest, "invalid_request", ve.Field+" "+ve.Message)
	}

	switch {
	case errors.Is(err, credits.ErrInsufficientCredits):
		return respond(c, fiber.StatusPaymentRequired, "no_credits", MsgNoCredits)
	case errors.Is(err, credits.ErrInvalidInput):
		return respond(c, fiber.StatusBadRequest, "invalid_request", err.Error())
	case credits.IsNotFound(err):
		return respond(c, fiber.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, credits.ErrPlanInactive):
		return respond(c, fiber.StatusConflict, "plan_inactive", err.Error())
	case errors.Is(err, credits.ErrInvalidSignature):
		return respond(c, fiber.StatusUnauthorized, "invalid_signature", "signature mismatch")
	case errors.Is(err, credits.ErrGatewayUnavailable):
		return respond(c, fiber.StatusServiceUnavailable, "gateway_unavailable",
			"payment provider unavailable, try again shortly")
	}

	s.logger.Error("api: request failed",
		"method", c.Method(),
		"path", c.Path(),
		"error", err,
	)
	return respond(c, fiber.StatusInternalServerError, "internal", "internal error")
}

func describe(verrs validator.ValidationErrors) string {
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "oneof":
		return fe.Field() + " must be one of " + fe.Param()
	case "email":
		return fe.Field() + " must be an email address"
	default:
		return fe.Field() + " failed " + fe.Tag()
	}
}
