package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"x402.org/facilitator/internal/auth"
	"x402.org/facilitator/internal/ledger"
)

type agentRequest struct {
	Agent string `json:"agent" validate:"required,eth_addr"`
}

type createRequest struct {
	Recipient    string `json:"recipient" validate:"required,eth_addr"`
	Token        string `json:"token" validate:"omitempty,eth_addr"`
	Amount       string `json:"amount"`
	AmountNative string `json:"amount_native"`
	Deadline     int64  `json:"deadline"`
}

type executeRequest struct {
	Value       string `json:"value" validate:"excluded_with=ValueNative"`
	ValueNative string `json:"value_native"`
}

type receiptResponse struct {
	Version   uint64         `json:"version"`
	RequestID string         `json:"request_id,omitempty"`
	Events    []ledger.Event `json:"events"`
}

type paymentRequestResponse struct {
	ID           string    `json:"id"`
	Recipient    string    `json:"recipient"`
	Token        string    `json:"token"`
	Amount       string    `json:"amount"`
	AmountNative string    `json:"amount_native,omitempty"`
	Deadline     time.Time `json:"deadline"`
	Agent        string    `json:"agent"`
	Executed     bool      `json:"executed"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

type balanceResponse struct {
	Holder       string `json:"holder"`
	Token        string `json:"token"`
	Amount       string `json:"amount"`
	AmountNative string `json:"amount_native,omitempty"`
}

type listEventsResponse struct {
	Items     []ledger.Event `json:"items"`
	NextAfter uint64         `json:"next_after"`
	AsOf      time.Time      `json:"as_of"`
}

func (a *API) authorizeAgent(w http.ResponseWriter, r *http.Request) {
	var req agentRequest
	if err := a.decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rcpt, err := a.ledger.AuthorizeAgent(r.Context(), callerOf(r), common.HexToAddress(req.Agent))
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceipt(rcpt))
}

func (a *API) revokeAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rcpt, err := a.ledger.RevokeAgent(r.Context(), callerOf(r), agent)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceipt(rcpt))
}

func (a *API) isAuthorized(w http.ResponseWriter, r *http.Request) {
	agent, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ok, err := a.ledger.IsAuthorized(r.Context(), agent)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent":      agent.Hex(),
		"authorized": ok,
	})
}

func (a *API) createPaymentRequest(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := a.decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// An unparseable amount or missing deadline goes to the ledger as nil/zero
	// so authorization is still reported first.
	amount, amountErr := parseAmountPair(req.Amount, req.AmountNative)
	rcpt, err := a.ledger.CreatePaymentRequest(r.Context(), callerOf(r), ledger.CreateParams{
		Recipient: common.HexToAddress(req.Recipient),
		Token:     common.HexToAddress(req.Token),
		Amount:    amount,
		Deadline:  time.Unix(req.Deadline, 0).UTC(),
	})
	if errors.Is(err, ledger.ErrInvalidAmount) && amountErr != nil {
		err = fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, amountErr)
	}
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/payment-requests/"+rcpt.RequestID.Hex())
	writeJSON(w, http.StatusCreated, toReceipt(rcpt))
}

func (a *API) getPaymentRequest(w http.ResponseWriter, r *http.Request) {
	id, err := parseRequestID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.ledger.GetPaymentRequest(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	resp := paymentRequestResponse{
		ID:        p.ID.Hex(),
		Recipient: p.Recipient.Hex(),
		Token:     p.Token.Hex(),
		Amount:    p.Amount.String(),
		Deadline:  p.Deadline,
		Agent:     p.Agent.Hex(),
		Executed:  p.Executed,
		Status:    string(p.Status(a.now())),
		CreatedAt: p.CreatedAt,
	}
	if p.IsNative() {
		resp.AmountNative = ledger.FormatNative(p.Amount)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) executePayment(w http.ResponseWriter, r *http.Request) {
	id, err := parseRequestID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var req executeRequest
	if err := a.decodeValid(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	value := new(big.Int)
	if req.Value != "" || req.ValueNative != "" {
		value, err = parseAmountPair(req.Value, req.ValueNative)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "value: "+err.Error())
			return
		}
	}
	rcpt, err := a.ledger.ExecutePayment(r.Context(), callerOf(r), id, value)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceipt(rcpt))
}

func (a *API) balance(w http.ResponseWriter, r *http.Request) {
	holder, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token := ledger.NativeToken
	if raw := strings.TrimSpace(r.URL.Query().Get("token")); raw != "" {
		if token, err = parseAddress("token", raw); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}
	bal, err := a.ledger.Balance(r.Context(), holder, token)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	resp := balanceResponse{Holder: holder.Hex(), Token: token.Hex(), Amount: bal.String()}
	if token == ledger.NativeToken {
		resp.AmountNative = ledger.FormatNative(bal)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	var after uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}

	items, next, err := a.ledger.ListEvents(r.Context(), limit, after)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	if items == nil {
		items = []ledger.Event{}
	}
	writeJSON(w, http.StatusOK, listEventsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      a.now().UTC(),
	})
}

func toReceipt(rcpt ledger.Receipt) receiptResponse {
	out := receiptResponse{Version: rcpt.Version, Events: rcpt.Events}
	if rcpt.RequestID != (ledger.RequestID{}) {
		out.RequestID = rcpt.RequestID.Hex()
	}
	if out.Events == nil {
		out.Events = []ledger.Event{}
	}
	return out
}

// parseAmountPair accepts exactly one of a base-unit or a native-unit amount.
func parseAmountPair(base, native string) (*big.Int, error) {
	switch {
	case base != "" && native != "":
		return nil, errors.New("give either a base-unit or a native amount, not both")
	case native != "":
		return ledger.ParseNative(native)
	default:
		return ledger.ParseAmount(base)
	}
}

func parseAddress(field, raw string) (ledger.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) || (!strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X")) {
		return ledger.Address{}, fmt.Errorf("%s must be a 0x-prefixed 20-byte hex address", field)
	}
	return common.HexToAddress(raw), nil
}

func parseRequestID(raw string) (ledger.RequestID, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil || len(b) != common.HashLength {
		return ledger.RequestID{}, errors.New("id must be a 0x-prefixed 32-byte hex value")
	}
	return common.BytesToHash(b), nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, fmt.Errorf("limit must be between %d and %d", min, max)
	}
	return val, nil
}

var errEmptyBody = errors.New("request body is required")

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeValid decodes the body and runs the struct's validate tags.
func (a *API) decodeValid(_ http.ResponseWriter, r *http.Request, dst any) error {
	if err := decodeJSON(r, dst); err != nil {
		return err
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q validation", strings.ToLower(fe.Field()), fe.Tag())
		}
		return err
	}
	return nil
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var iv *ledger.IncorrectValueError
	switch {
	case errors.Is(err, auth.ErrInvalidToken):
		writeError(w, r, http.StatusUnauthorized, "invalid token")
	case errors.As(err, &iv):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      err.Error(),
			"reason":     ledger.Reason(err),
			"expected":   iv.Expected.String(),
			"actual":     iv.Actual.String(),
			"direction":  iv.Direction(),
			"request_id": middleware.GetReqID(r.Context()),
		})
	case errors.Is(err, ledger.ErrUnauthorized):
		writeReason(w, r, http.StatusForbidden, err)
	case errors.Is(err, ledger.ErrInvalidRecipient), errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidDeadline):
		writeReason(w, r, http.StatusBadRequest, err)
	case errors.Is(err, ledger.ErrRequestNotFound):
		writeReason(w, r, http.StatusNotFound, err)
	case errors.Is(err, ledger.ErrAlreadyExecuted):
		writeReason(w, r, http.StatusConflict, err)
	case errors.Is(err, ledger.ErrExpired):
		writeReason(w, r, http.StatusGone, err)
	case errors.Is(err, ledger.ErrTransferFailed):
		writeReason(w, r, http.StatusBadGateway, err)
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeReason(w http.ResponseWriter, r *http.Request, code int, err error) {
	payload := map[string]any{
		"error":  err.Error(),
		"reason": ledger.Reason(err),
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
