package server

import (
	"bytes"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/deskbridge/telegram"
)

// secretTokenHeader is the header the platform echoes back when a webhook is
// registered with a secret.
const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxWebhookBody = 1 << 20 // 1 MiB

type webhookResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
}

// handleWebhook is the single ingress. Malformed bodies get a 400 so the
// platform stops redelivering them; deliberate denials (duplicate, rate
// limited) return 200 because a redelivery would not change the outcome.
func (s *Server) handleWebhook(c echo.Context) error {
	if secret := s.deps.Profile.WebhookSecretToken; secret != "" {
		got := c.Request().Header.Get(secretTokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			return c.NoContent(http.StatusUnauthorized)
		}
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	upd, err := telegram.ParseUpdate(bytes.NewReader(body))
	if err != nil {
		return c.JSON(http.StatusBadRequest, webhookResponse{Status: "invalid"})
	}

	out, err := s.deps.Coordinator.Coordinate(c.Request().Context(), upd, body)
	if err != nil {
		if errors.Is(err, telegram.ErrInvalidUpdate) {
			return c.JSON(http.StatusBadRequest, webhookResponse{Status: "invalid"})
		}
		// Rejections (no bot, backend down) answer 503: the dedup lock was
		// released, so the platform's redelivery can succeed later.
		slog.Warn("server: coordination failed",
			slog.Int64("update", upd.UpdateID), slog.Any("err", err))
		return c.JSON(http.StatusServiceUnavailable, webhookResponse{
			Status:    string(out.Kind),
			MessageID: out.MessageID,
		})
	}

	return c.JSON(http.StatusOK, webhookResponse{
		Status:    string(out.Kind),
		MessageID: out.MessageID,
	})
}
