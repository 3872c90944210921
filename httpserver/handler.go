package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/did-credential-ledger/api"
	"github.com/ruteri/did-credential-ledger/auth"
	"github.com/ruteri/did-credential-ledger/checkpoint"
	"github.com/ruteri/did-credential-ledger/common"
	"github.com/ruteri/did-credential-ledger/interfaces"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// maxBodySize is the maximum allowed request body size (1MB).
	maxBodySize = 1024 * 1024

	defaultEventsLimit = 100
	maxEventsLimit     = 1000
)

// RequestError provides structured error information for HTTP responses.
// It includes both an HTTP status code and the underlying error.
type RequestError struct {
	// StatusCode is the HTTP status code to return.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error returns the error message from the underlying error.
func (e *RequestError) Error() string {
	return e.Err.Error()
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

func badRequest(format string, args ...any) *RequestError {
	return &RequestError{StatusCode: http.StatusBadRequest, Err: fmt.Errorf(format, args...)}
}

// Ledger is the ledger surface served over HTTP.
type Ledger interface {
	interfaces.Registry
	Events(ctx context.Context, fromSeq uint64, limit int) ([]interfaces.Event, error)

	// The *Committed commands return the event they appended, so responses
	// carry its Seq rather than a head read after the command.
	RegisterCommitted(ctx context.Context, account interfaces.Account, publicKey []byte) (interfaces.Event, error)
	IssueCommitted(ctx context.Context, issuer, holder interfaces.Account, hash interfaces.CredentialHash) (interfaces.Event, error)
	RevokeCommitted(ctx context.Context, holder interfaces.Account, hash interfaces.CredentialHash) (interfaces.Event, error)
}

// Checkpointer produces and reports signed checkpoints.
type Checkpointer interface {
	Archive(ctx context.Context) (*checkpoint.Checkpoint, interfaces.ContentID, error)
	Latest() (*checkpoint.Checkpoint, interfaces.ContentID, error)
}

// Handler serves the ledger API.
//
// When an Authorizer is configured every mutating request must carry a
// signature by the account the command acts for. Without one, commands are
// accepted unsigned and any signature present is ignored.
type Handler struct {
	ledger       Ledger
	checkpointer Checkpointer
	authorizer   *auth.Authorizer
	clock        func() time.Time
	tracer       trace.Tracer
	log          *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithCheckpointer enables the checkpoint routes.
func WithCheckpointer(c Checkpointer) HandlerOption {
	return func(h *Handler) { h.checkpointer = c }
}

// WithAuthorizer requires signed commands.
func WithAuthorizer(a *auth.Authorizer) HandlerOption {
	return func(h *Handler) { h.authorizer = a }
}

// WithHandlerClock overrides the time used to check signature deadlines.
func WithHandlerClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) { h.clock = clock }
}

func NewHandler(ledger Ledger, log *slog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		ledger: ledger,
		clock:  time.Now,
		tracer: otel.Tracer(common.PackageName + "/httpserver"),
		log:    log,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes mounts the API on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post(api.PathIdentities, h.HandleRegister)
	r.Get(api.PathIdentities+"/{account}", h.HandleResolve)
	r.Post(api.PathCredentials, h.HandleIssue)
	r.Get(api.PathCredentials+"/{holder}/{hash}", h.HandleVerify)
	r.Post(api.PathCredentials+"/{holder}/{hash}/revoke", h.HandleRevoke)
	r.Get(api.PathEvents, h.HandleEvents)
	r.Post(api.PathCheckpoints, h.HandleCreateCheckpoint)
	r.Get(api.PathLatestCheckpoint, h.HandleLatestCheckpoint)
}

// HandleRegister binds an account to the DID derived from its public key.
//
// URL format: POST /api/v1/identities
// Request body: api.RegisterRequest
// Response: api.RegisterResponse
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ledger.register")
	defer span.End()

	var req api.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, span, err)
		return
	}
	span.SetAttributes(attribute.String("account", req.Account.String()))

	cmd := auth.RegisterCommand(req.Account, req.PublicKey, time.Unix(req.Deadline, 0))
	if err := h.authorize(cmd, req.Signed); err != nil {
		h.fail(w, span, err)
		return
	}

	ev, err := h.ledger.RegisterCommitted(ctx, req.Account, req.PublicKey)
	if err != nil {
		h.fail(w, span, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, api.RegisterResponse{
		Account: req.Account,
		DID:     ev.DID,
		Seq:     ev.Seq,
	})
}

// HandleResolve returns the DID bound to an account. Unknown accounts are
// not an error: the response has an empty DID and Registered false.
//
// URL format: GET /api/v1/identities/{account}
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	account, err := interfaces.NewAccountFromHex(chi.URLParam(r, "account"))
	if err != nil {
		h.writeError(w, badRequest("invalid account: %w", err))
		return
	}

	resp := api.IdentityResponse{Account: account}
	if rec, ok := h.ledger.Identity(account); ok {
		resp.DID = rec.DID
		resp.PublicKey = rec.PublicKey
		resp.Registered = true
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleIssue records a credential from issuer to holder.
//
// URL format: POST /api/v1/credentials
// Request body: api.IssueRequest
// Response: api.CommandResponse
func (h *Handler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ledger.issue")
	defer span.End()

	var req api.IssueRequest
	if err := decodeBody(r, &req); err != nil {
		h.fail(w, span, err)
		return
	}
	span.SetAttributes(
		attribute.String("issuer", req.Issuer.String()),
		attribute.String("holder", req.Holder.String()),
		attribute.String("credential_hash", req.CredentialHash.String()))

	cmd := auth.IssueCommand(req.Issuer, req.Holder, req.CredentialHash, time.Unix(req.Deadline, 0))
	if err := h.authorize(cmd, req.Signed); err != nil {
		h.fail(w, span, err)
		return
	}

	ev, err := h.ledger.IssueCommitted(ctx, req.Issuer, req.Holder, req.CredentialHash)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, api.CommandResponse{Seq: ev.Seq})
}

// HandleVerify reports whether a credential is active.
//
// URL format: GET /api/v1/credentials/{holder}/{hash}
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	holder, hash, err := credentialParams(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := api.CredentialResponse{
		Holder:         holder,
		CredentialHash: hash,
		Valid:          h.ledger.Verify(holder, hash),
	}
	if rec, ok := h.ledger.Credential(holder, hash); ok {
		resp.Status = rec.Status
		issuer := rec.Issuer
		resp.Issuer = &issuer
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleRevoke marks a credential revoked.
//
// URL format: POST /api/v1/credentials/{holder}/{hash}/revoke
// Request body: api.RevokeRequest, may be empty when signatures are off
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ledger.revoke")
	defer span.End()

	holder, hash, err := credentialParams(r)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	span.SetAttributes(
		attribute.String("holder", holder.String()),
		attribute.String("credential_hash", hash.String()))

	var req api.RevokeRequest
	body, err := readBody(r)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			h.fail(w, span, badRequest("invalid request body: %w", err))
			return
		}
	}

	cmd := auth.RevokeCommand(holder, hash, time.Unix(req.Deadline, 0))
	if err := h.authorize(cmd, req.Signed); err != nil {
		h.fail(w, span, err)
		return
	}

	ev, err := h.ledger.RevokeCommitted(ctx, holder, hash)
	if err != nil {
		h.fail(w, span, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.CommandResponse{Seq: ev.Seq})
}

// HandleEvents returns a page of the event log.
//
// URL format: GET /api/v1/events?from={seq}&limit={n}
// from defaults to 1, limit to 100 and is capped at 1000.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	from := uint64(1)
	if v := r.URL.Query().Get("from"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			h.writeError(w, badRequest("invalid from: %w", err))
			return
		}
		from = max(parsed, 1)
	}

	limit := defaultEventsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			h.writeError(w, badRequest("invalid limit %q", v))
			return
		}
		limit = min(parsed, maxEventsLimit)
	}

	head := h.ledger.Head()
	events, err := h.ledger.Events(r.Context(), from, limit)
	if err != nil {
		h.log.Error("Failed to read events", "err", err, "from", from)
		h.writeError(w, err)
		return
	}
	if events == nil {
		events = []interfaces.Event{}
	}
	h.writeJSON(w, http.StatusOK, api.EventsResponse{Events: events, Head: head})
}

// HandleCreateCheckpoint archives the events since the last checkpoint.
// Responds 201 with the new checkpoint, or 200 with the latest one when
// nothing was appended since.
//
// URL format: POST /api/v1/checkpoints
func (h *Handler) HandleCreateCheckpoint(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "ledger.checkpoint")
	defer span.End()

	if h.checkpointer == nil {
		h.fail(w, span, errCheckpointsDisabled)
		return
	}

	cp, id, err := h.checkpointer.Archive(ctx)
	if checkpoint.IsEmpty(err) {
		cp, id, err = h.checkpointer.Latest()
		if err != nil {
			h.fail(w, span, err)
			return
		}
		h.writeJSON(w, http.StatusOK, api.CheckpointResponse{ID: id, Checkpoint: cp})
		return
	}
	if err != nil {
		h.fail(w, span, err)
		return
	}

	span.SetAttributes(attribute.String("checkpoint", id.String()), attribute.Int64("to_seq", int64(cp.ToSeq)))
	h.writeJSON(w, http.StatusCreated, api.CheckpointResponse{ID: id, Checkpoint: cp, Created: true})
}

// HandleLatestCheckpoint returns the most recent checkpoint.
//
// URL format: GET /api/v1/checkpoints/latest
func (h *Handler) HandleLatestCheckpoint(w http.ResponseWriter, r *http.Request) {
	if h.checkpointer == nil {
		h.writeError(w, errCheckpointsDisabled)
		return
	}
	cp, id, err := h.checkpointer.Latest()
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.CheckpointResponse{ID: id, Checkpoint: cp})
}

var errCheckpointsDisabled = &RequestError{
	StatusCode: http.StatusServiceUnavailable,
	Err:        errors.New("checkpoints are not enabled on this server"),
}

func (h *Handler) authorize(cmd auth.Command, signed api.Signed) error {
	if h.authorizer == nil {
		return nil
	}
	if len(signed.Signature) == 0 {
		return api.ErrSignatureRequired
	}
	_, err := h.authorizer.Authorize(cmd, signed.Signature, h.clock())
	return err
}

func credentialParams(r *http.Request) (interfaces.Account, interfaces.CredentialHash, error) {
	holder, err := interfaces.NewAccountFromHex(chi.URLParam(r, "holder"))
	if err != nil {
		return interfaces.Account{}, interfaces.CredentialHash{}, badRequest("invalid holder: %w", err)
	}
	hash, err := interfaces.NewCredentialHashFromHex(chi.URLParam(r, "hash"))
	if err != nil {
		return interfaces.Account{}, interfaces.CredentialHash{}, badRequest("invalid credential hash: %w", err)
	}
	return holder, hash, nil
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		return nil, badRequest("failed to read request body: %w", err)
	}
	if len(body) > maxBodySize {
		return nil, &RequestError{StatusCode: http.StatusRequestEntityTooLarge, Err: errors.New("request body too large")}
	}
	return body, nil
}

func decodeBody(r *http.Request, v any) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return badRequest("invalid request body: %w", err)
	}
	return nil
}

// statusFor maps an error to its HTTP status and API error code.
func statusFor(err error) (int, string) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.StatusCode {
		case http.StatusServiceUnavailable:
			return reqErr.StatusCode, api.CodeUnavailable
		default:
			return reqErr.StatusCode, api.CodeBadRequest
		}
	}

	code := api.ErrorCode(err)
	switch code {
	case api.CodeEmptyPublicKey:
		return http.StatusBadRequest, code
	case api.CodeIssuerNotRegistered, api.CodeHolderNotRegistered:
		return http.StatusUnprocessableEntity, code
	case api.CodeAlreadyRegistered, api.CodePermanentlyRevoked:
		return http.StatusConflict, code
	case api.CodeCredentialNotFound, api.CodeNoCheckpoint:
		return http.StatusNotFound, code
	case api.CodeSignatureRequired, api.CodeInvalidSignature, api.CodeSignatureExpired:
		return http.StatusUnauthorized, code
	case api.CodeUnauthorized:
		return http.StatusForbidden, code
	}
	return http.StatusInternalServerError, api.CodeInternal
}

// fail records err on the span and writes the error response.
func (h *Handler) fail(w http.ResponseWriter, span trace.Span, err error) {
	status, _ := statusFor(err)
	if status >= http.StatusInternalServerError {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	h.writeError(w, err)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("Request failed", "err", err)
		msg = "internal error"
	}
	h.writeJSON(w, status, api.ErrorResponse{Error: code, Message: msg})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}
