package httpapi

import (
	"errors"
	"net/http"
	"time"

	"x402.org/facilitator/internal/audit"
	"x402.org/facilitator/internal/auth"
	"x402.org/facilitator/internal/ledger"
)

const authHeader = "Authorization"

// requireCaller verifies the bearer token and stores the signing address as the caller.
func (a *API) requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.tokens == nil {
			unauthorized(w, r, "token authentication disabled")
			return
		}
		token, err := auth.ExtractBearer(r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, err.Error())
			return
		}
		claims, err := a.tokens.Verify(token)
		if err != nil {
			unauthorized(w, r, "invalid token")
			return
		}
		ctx := auth.ContextWithCaller(r.Context(), claims.Address())
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="x402-facilitator"`)
	writeError(w, r, http.StatusUnauthorized, msg)
}

func callerOf(r *http.Request) ledger.Address {
	caller, _ := auth.CallerFromContext(r.Context())
	return caller
}

type challengeResponse struct {
	Address  string `json:"address"`
	IssuedAt int64  `json:"issued_at"`
	Message  string `json:"message"`
}

type tokenRequest struct {
	Address   string `json:"address" validate:"required,eth_addr"`
	IssuedAt  int64  `json:"issued_at" validate:"required"`
	Signature string `json:"signature" validate:"required"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// authChallenge returns the message the address must sign to obtain a token.
func (a *API) authChallenge(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", r.URL.Query().Get("address"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	issued := a.now().UTC().Truncate(time.Second)
	writeJSON(w, http.StatusOK, challengeResponse{
		Address:  addr.Hex(),
		IssuedAt: issued.Unix(),
		Message:  auth.LoginMessage(addr, issued),
	})
}

func (a *API) authToken(w http.ResponseWriter, r *http.Request) {
	if a.tokens == nil {
		writeError(w, r, http.StatusServiceUnavailable, "token issuance disabled")
		return
	}
	var req tokenRequest
	if err := a.decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	addr, err := parseAddress("address", req.Address)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	sig, err := auth.DecodeSignature(req.Signature)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, err.Error())
		return
	}
	if err := auth.VerifyLogin(addr, time.Unix(req.IssuedAt, 0), sig, a.now()); err != nil {
		status := http.StatusUnauthorized
		if !errors.Is(err, auth.ErrInvalidSignature) && !errors.Is(err, auth.ErrStaleLogin) {
			status = http.StatusBadRequest
		}
		writeError(w, r, status, err.Error())
		return
	}

	token, exp, err := a.tokens.Issue(addr)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"address":    addr.Hex(),
		"expires_at": exp.Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: exp})
}
