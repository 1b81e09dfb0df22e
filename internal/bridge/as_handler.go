package bridge

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/n42/matrix-rocketchat/internal/database"
	"github.com/n42/matrix-rocketchat/internal/matrix"
	"github.com/n42/matrix-rocketchat/internal/rocketchat"
	"github.com/n42/matrix-rocketchat/pkg/errors"
)

// livenessBody is returned on GET / so load balancers and monitoring can
// probe the service.
const livenessBody = "Your Rocket.Chat <-> Matrix application service is running\n"

// ASHandler implements the HTTP surface of the bridge: the Matrix application
// service endpoints driven by the homeserver and the webhook endpoint driven
// by Rocket.Chat outgoing integrations.
type ASHandler struct {
	log         *slog.Logger
	hsToken     string // token the homeserver authenticates with
	db          *database.Database
	eventRouter *EventRouter
	metrics     *Metrics
	mux         *http.ServeMux
}

// NewASHandler creates the HTTP handler for all inbound traffic.
func NewASHandler(log *slog.Logger, hsToken string, db *database.Database, router *EventRouter, metrics *Metrics) *ASHandler {
	h := &ASHandler{
		log:         log,
		hsToken:     hsToken,
		db:          db,
		eventRouter: router,
		metrics:     metrics,
		mux:         http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

func (h *ASHandler) registerRoutes() {
	// Transaction endpoint, receives event batches from the homeserver. Old
	// homeservers push to the unprefixed path.
	h.mux.HandleFunc("PUT /transactions/{txnId}", h.handleTransaction)
	h.mux.HandleFunc("PUT /_matrix/app/v1/transactions/{txnId}", h.handleTransaction)

	// Webhook endpoint, receives messages from Rocket.Chat.
	h.mux.HandleFunc("POST /rocketchat", h.handleWebhook)

	// Liveness probe.
	h.mux.HandleFunc("GET /{$}", h.handleLiveness)
}

// ServeHTTP implements http.Handler.
func (h *ASHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// authenticate verifies the homeserver token from the request. The token is
// taken from the access_token query parameter or the Authorization header.
func (h *ASHandler) authenticate(r *http.Request) bool {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.hsToken)) == 1
}

// handleTransaction processes a batch of events pushed by the homeserver.
// The transaction is acknowledged with 200 even when individual events fail,
// otherwise the homeserver would retry the whole batch forever.
func (h *ASHandler) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if !h.authenticate(r) {
		h.jsonError(w, http.StatusForbidden, "M_FORBIDDEN", "bad token")
		return
	}

	var txn matrix.Transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		h.jsonError(w, http.StatusBadRequest, "M_BAD_JSON", "invalid JSON")
		return
	}

	h.eventRouter.ProcessTransaction(r.Context(), r.PathValue("txnId"), &txn)
	h.jsonOK(w)
}

// handleWebhook admits a Rocket.Chat webhook payload and mirrors the message
// to Matrix. Admission rejects requests before any state is touched.
func (h *ASHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if h.metrics != nil {
		h.metrics.IncrWebhooksReceived()
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.rejectWebhook(w, errors.Wrap(errors.InternalServerError, err, "could not read the request body"))
		return
	}
	var msg rocketchat.WebhookMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		h.rejectWebhook(w, errors.Wrap(errors.InvalidJSON, err, "could not deserialize the request body"))
		return
	}
	if msg.Token == "" {
		h.rejectWebhook(w, errors.New(errors.MissingRocketchatToken, "the request is missing the token"))
		return
	}
	server, err := h.db.Servers.FindByToken(r.Context(), msg.Token)
	if err != nil {
		h.rejectWebhook(w, errors.Wrap(errors.InternalServerError, err, "could not look up the server for the token"))
		return
	}
	if server == nil {
		h.rejectWebhook(w, errors.New(errors.InvalidRocketchatToken, "no Rocket.Chat server is connected with this token"))
		return
	}

	if err := h.eventRouter.ProcessWebhook(r.Context(), server, &msg); err != nil {
		h.log.Error("failed to process webhook message",
			"server_id", server.ID, "channel_id", msg.ChannelID, "error", err)
		h.jsonError(w, http.StatusInternalServerError, string(errors.InternalServerError), "could not process the message")
		return
	}
	h.jsonOK(w)
}

// rejectWebhook answers an admission failure with the status for its kind.
func (h *ASHandler) rejectWebhook(w http.ResponseWriter, err *errors.Error) {
	if h.metrics != nil {
		h.metrics.IncrWebhooksRejected()
	}
	h.log.Warn("rejecting webhook request", "errcode", string(err.Kind), "error", err)
	h.jsonError(w, errors.HTTPStatus(err.Kind), string(err.Kind), err.Message)
}

// handleLiveness reports that the service is up.
func (h *ASHandler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, livenessBody)
}

func (h *ASHandler) jsonOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{}`)
}

func (h *ASHandler) jsonError(w http.ResponseWriter, status int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp, _ := json.Marshal(map[string]string{
		"errcode": errCode,
		"error":   message,
	})
	w.Write(resp)
}
