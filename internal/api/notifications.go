package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-event-pipeline/internal/notification"
)

type NotificationSender interface {
	Deliver(ctx context.Context, msg notification.Message) error
}

type SendNotificationRequest struct {
	Type        string `json:"type"`
	Destination string `json:"destination"`
	Subject     string `json:"subject"`
	Message     string `json:"message"`
}

type NotificationResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func sendNotificationHandler(sender NotificationSender, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SendNotificationRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		respond := func(status int, ok bool, msg string) {
			writeJSON(w, status, NotificationResponse{
				Success:   ok,
				Message:   msg,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
		}

		kind, err := notification.ParseKind(req.Type)
		if err != nil {
			respond(http.StatusBadRequest, false, "invalid notification type, use SMS or EMAIL")
			return
		}

		err = sender.Deliver(r.Context(), notification.Message{
			Kind:        kind,
			Destination: req.Destination,
			Subject:     req.Subject,
			Body:        req.Message,
		})
		switch {
		case err == nil:
			respond(http.StatusOK, true, string(kind)+" sent to "+req.Destination)
		case errors.Is(err, notification.ErrNoDestination):
			respond(http.StatusBadRequest, false, "destination is required")
		default:
			logger.Error().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("direct notification failed")
			respond(http.StatusBadGateway, false, "delivery failed: "+err.Error())
		}
	}
}
