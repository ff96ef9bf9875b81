package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/joao-brasil/store-backend/internal/executor"
	"github.com/joao-brasil/store-backend/internal/pool"
	"github.com/joao-brasil/store-backend/internal/queue"
	"github.com/joao-brasil/store-backend/internal/sqlerr"
)

// ServerErrorDetail replaces the detail of every 5xx response.
const ServerErrorDetail = "Server Error, Please Try Again Later"

var errorTitles = map[int]string{
	fiber.StatusNoContent:            "No Content",
	fiber.StatusBadRequest:           "Bad Request",
	fiber.StatusUnauthorized:         "Unauthorized",
	fiber.StatusForbidden:            "Forbidden",
	fiber.StatusNotFound:             "Not Found",
	fiber.StatusMethodNotAllowed:     "Method Not Allowed",
	fiber.StatusUnsupportedMediaType: "Unsupported Media Type",
	fiber.StatusUnprocessableEntity:  "Unprocessable Entity",
	fiber.StatusTooManyRequests:      "Too Many Requests",
	fiber.StatusInternalServerError:  "Internal Server Error",
	fiber.StatusBadGateway:           "Service unavailable",
	fiber.StatusServiceUnavailable:   "Service unavailable",
}

// Meta carries response metadata.
type Meta struct {
	Timestamp string `json:"timestamp"`
}

// FailedResponse is the body of every error response.
type FailedResponse struct {
	ID     string `json:"id"`
	Meta   Meta   `json:"meta"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Code   int    `json:"code"`
	Detail string `json:"detail"`
}

// NewFailedResponse builds the body for code. An empty title is derived from
// the status code.
func NewFailedResponse(code int, detail, title string) FailedResponse {
	if title == "" {
		title = titleFor(code)
	}
	id, err := uuid.NewUUID()
	if err != nil {
		id = uuid.New()
	}
	return FailedResponse{
		ID:     strings.ReplaceAll(id.String(), "-", ""),
		Meta:   Meta{Timestamp: strconv.FormatInt(time.Now().UnixMicro(), 10)},
		Title:  title,
		Status: code,
		Code:   code,
		Detail: detail,
	}
}

func titleFor(code int) string {
	if t, ok := errorTitles[code]; ok {
		return t
	}
	if t := utils.StatusMessage(code); t != "" {
		return t
	}
	return fmt.Sprintf("Error %d", code)
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, executor.ErrInvalidRequest):
		return fiber.StatusBadRequest
	case sqlerr.IsUniqueViolation(err):
		return fiber.StatusConflict
	case errors.Is(err, pool.ErrPoolExhausted), errors.Is(err, pool.ErrPoolClosed):
		return fiber.StatusServiceUnavailable
	case queue.IsQueueUnavailable(err):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

// shouldNotify reports whether operators hear about a response with code.
func shouldNotify(code int) bool {
	return code == fiber.StatusTooManyRequests || code >= fiber.StatusInternalServerError
}

// ErrorHandler renders every error as a FailedResponse and queues an
// operator notification for 5xx and 429 responses.
func ErrorHandler(notifier *queue.Notifier, env string, log zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := StatusFor(err)

		detail := err.Error()
		var fe *fiber.Error
		if errors.As(err, &fe) {
			detail = fe.Message
		}
		if code >= fiber.StatusInternalServerError {
			detail = ServerErrorDetail
		}

		if code >= fiber.StatusInternalServerError {
			log.Error().Err(err).Int("status", code).Str("path", c.Path()).Msg("request failed")
		} else {
			log.Debug().Err(err).Int("status", code).Str("path", c.Path()).Msg("request rejected")
		}

		if shouldNotify(code) {
			notifier.Notify(c.UserContext(), queue.Notification{
				MsgBody: fmt.Sprintf("Timestamp: %s \nAPI Fail, Check Error Log \n %s %s -> %d: %v \n ENV: %s",
					time.Now().Format(time.RFC3339), c.Method(), c.Path(), code, err, env),
				TracebackVerbose: fmt.Sprintf("%+v", err),
			})
		}

		return c.Status(code).JSON(NewFailedResponse(code, detail, ""))
	}
}
