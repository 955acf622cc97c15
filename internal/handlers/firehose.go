package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/notiphier/notiphier/internal/firehose"
	"github.com/notiphier/notiphier/internal/logger"
)

// SignatureHeader carries Phabricator's HMAC-SHA256 of the raw request
// body, hex encoded.
const SignatureHeader = "X-Phabricator-Webhook-Signature"

// FirehoseHandler receives firehose webhook deliveries. Signature
// verification happens here, before any payload reaches the pipeline.
type FirehoseHandler struct {
	service *firehose.Service
	secret  string
	logger  *slog.Logger
}

// NewFirehoseHandler creates the webhook handler. secret is the shared
// HMAC key configured on the Phabricator webhook.
func NewFirehoseHandler(log *slog.Logger, service *firehose.Service, secret string) *FirehoseHandler {
	return &FirehoseHandler{
		service: service,
		secret:  secret,
		logger:  log.With(slog.String("handler", "firehose")),
	}
}

// Register mounts POST /firehose on the Echo instance.
func (h *FirehoseHandler) Register(e *echo.Echo) {
	e.POST("/firehose", h.Receive)
}

// Receive verifies the delivery signature, parses the payload, and
// hands it to the pipeline. Processing outcomes never change the
// response: a verified, well-formed delivery is always acknowledged
// with 200 so Phabricator does not redeliver.
func (h *FirehoseHandler) Receive(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	if !validSignature(h.secret, body, c.Request().Header.Get(SignatureHeader)) {
		h.logger.Warn("rejected delivery with bad signature",
			slog.String("remote_ip", c.RealIP()),
		)
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid signature")
	}

	var payload firehose.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed payload")
	}

	deliveryID := uuid.NewString()
	ctx := logger.WithContext(c.Request().Context(),
		h.logger.With(slog.String("delivery_id", deliveryID)))

	h.logger.Info("delivery received",
		slog.String("delivery_id", deliveryID),
		slog.String("object_type", payload.Object.Type),
		slog.String("object_phid", payload.Object.PHID),
		slog.Int("transactions", len(payload.Transactions)),
	)

	h.service.Handle(ctx, payload, body)
	return c.String(http.StatusOK, "OK\n")
}

// validSignature checks the hex HMAC-SHA256 of body against the
// header value in constant time.
func validSignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
