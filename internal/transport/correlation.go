package transport

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/notify-dispatch/internal/observability"
)

// RequestIDLocal is the fiber local the requestid middleware stores its value under.
const RequestIDLocal = "requestid"

// RequestID assigns every request an X-Request-ID, reusing the caller's when present.
func RequestID() fiber.Handler {
	return requestid.New(requestid.Config{
		ContextKey: RequestIDLocal,
	})
}

// Correlation copies the request id into the user context so services and
// queued tasks carry it as their correlation id. It must run after RequestID.
func Correlation() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if requestID, ok := c.Locals(RequestIDLocal).(string); ok && requestID != "" {
			c.SetUserContext(observability.WithCorrelationID(c.UserContext(), requestID))
		}
		return c.Next()
	}
}
