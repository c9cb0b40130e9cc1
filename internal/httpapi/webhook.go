package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"tikplays-license-api/internal/apperr"
	"tikplays-license-api/internal/fulfillment"
	"tikplays-license-api/internal/metrics"

	"github.com/rs/zerolog/log"
)

const webhookBodyLimit = 1 << 20

type webhookResp struct {
	OK        bool   `json:"ok"`
	Ignored   bool   `json:"ignored,omitempty"`
	EventType string `json:"eventType,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
}

// handleWebhook verifies a PayPal delivery and hands it to the engine. Non-2xx
// answers make PayPal redeliver, so not-found and upstream failures are surfaced.
func (a *API) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequests.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	fail := func(err error, code int) {
		if code == 0 {
			code = apperr.From(err).HTTPStatus()
		}
		status = code
		writeError(w, err, code)
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, webhookBodyLimit))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			fail(apperr.New(apperr.BadRequest, "webhook body too large"), http.StatusRequestEntityTooLarge)
			return
		}
		fail(apperr.Wrap(apperr.BadRequest, "failed to read request body", err), 0)
		return
	}

	var evt fulfillment.Event
	if err := json.Unmarshal(payload, &evt); err != nil {
		fail(apperr.Wrap(apperr.BadRequest, "webhook body is not JSON", err), 0)
		return
	}

	if err := a.deps.Verifier.Verify(r.Context(), r.Header, payload); err != nil {
		log.Warn().Err(err).Str("event_id", evt.ID).Msg("webhook rejected")
		fail(err, 0)
		return
	}
	eventType = evt.Type()

	res, err := a.deps.Engine.HandleEvent(r.Context(), evt)
	if err != nil {
		log.Warn().Err(err).
			Str("event_id", evt.ID).
			Str("type", eventType).
			Msg("webhook processing failed")
		fail(err, 0)
		return
	}
	if res.Outcome == fulfillment.OutcomeIgnored {
		writeJSON(w, http.StatusOK, webhookResp{OK: true, Ignored: true, EventType: eventType})
		return
	}
	writeJSON(w, http.StatusOK, webhookResp{OK: true, Outcome: string(res.Outcome)})
}
