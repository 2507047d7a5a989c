package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"hopeturtles/auth"
	"hopeturtles/session"
	"hopeturtles/users"
)

const maxTokenRequestBody = 64 << 10

// errAttemptExpired rejects a callback for a login attempt older than the pending TTL.
var errAttemptExpired = errors.New("login attempt expired")

// flowError is a rejection with a user-facing message already decided.
type flowError struct {
	status  int
	message string
	outcome string
	err     error
}

func (e *flowError) Error() string { return e.message }
func (e *flowError) Unwrap() error { return e.err }

func reject(status int, outcome, message string, err error) *flowError {
	return &flowError{status: status, message: message, outcome: outcome, err: err}
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	if a.Provider == nil {
		a.renderError(w, r, a.unconfigured())
		return
	}
	sess, err := a.Sessions.Load(r)
	if err != nil {
		a.renderError(w, r, err)
		return
	}

	attempt, err := auth.NewLoginAttempt(a.now())
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	sess.State = session.PendingLogin{Attempt: attempt}
	if err := a.Sessions.Save(r.Context(), w, sess); err != nil {
		a.renderError(w, r, reject(http.StatusInternalServerError, outcomeSessionError, "Session save failed.", err))
		return
	}

	a.Metrics.Outcome(outcomeStarted)
	a.Logger.Info("login.start", "request_id", RequestIDFromContext(r.Context()))
	http.Redirect(w, r, a.Provider.AuthCodeURL(attempt), http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		msg := q.Get("error_description")
		if msg == "" {
			msg = providerErr
		}
		a.renderError(w, r, reject(http.StatusBadRequest, outcomeProviderError, msg,
			fmt.Errorf("provider returned %s", providerErr)))
		return
	}
	code := q.Get("code")
	if code == "" {
		a.renderError(w, r, reject(http.StatusBadRequest, outcomeMissingCode, "No authorization code was returned.", nil))
		return
	}
	if a.Provider == nil {
		a.renderError(w, r, a.unconfigured())
		return
	}

	sess, err := a.Sessions.Load(r)
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	attempt, err := a.pendingAttempt(sess, q.Get("state"), true)
	if err != nil {
		a.renderError(w, r, err)
		return
	}

	state, err := a.completeLogin(r.Context(), code, attempt)
	if err != nil {
		a.renderError(w, r, err)
		return
	}
	if _, err := a.Sessions.Establish(r.Context(), w, sess, state); err != nil {
		a.renderError(w, r, err)
		return
	}

	a.loginSucceeded(r.Context(), state)
	http.Redirect(w, r, a.landingPath(), http.StatusFound)
}

// handleToken is the JSON variant of the callback for script clients. Without
// a code it returns the tokens of an already authenticated session.
func (a *App) handleToken(w http.ResponseWriter, r *http.Request) {
	code, state, err := tokenRequestParams(w, r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	sess, err := a.Sessions.Load(r)
	if err != nil {
		a.renderJSONError(w, r, err)
		return
	}

	if code == "" {
		current, ok := sess.Authenticated()
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
			return
		}
		setLogUser(r.Context(), current.User.BuwanaID)
		a.writeTokens(w, current)
		return
	}

	if a.Provider == nil {
		a.renderJSONError(w, r, a.unconfigured())
		return
	}
	attempt, err := a.pendingAttempt(sess, state, state != "")
	if err != nil {
		a.renderJSONError(w, r, err)
		return
	}
	result, err := a.completeLogin(r.Context(), code, attempt)
	if err != nil {
		a.renderJSONError(w, r, err)
		return
	}
	if _, err := a.Sessions.Establish(r.Context(), w, sess, result); err != nil {
		a.renderJSONError(w, r, err)
		return
	}
	a.loginSucceeded(r.Context(), result)
	a.writeTokens(w, result)
}

func (a *App) writeTokens(w http.ResponseWriter, s session.Authenticated) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  s.Tokens.AccessToken,
		IDToken:      s.Tokens.IDToken,
		TokenType:    s.Tokens.TokenType,
		ExpiresIn:    s.Tokens.ExpiresIn(a.now()),
		RefreshToken: s.Tokens.RefreshToken,
		User:         s.User,
		Claims:       s.Claims,
	})
}

// pendingAttempt returns the login attempt stored in sess. When checkState is
// set the returned state must match the stored one exactly.
func (a *App) pendingAttempt(sess *session.Session, state string, checkState bool) (auth.LoginAttempt, error) {
	pending, ok := sess.Pending()
	if !ok {
		return auth.LoginAttempt{}, reject(http.StatusBadRequest, outcomeStateMismatch,
			"Invalid or mismatched state parameter.", fmt.Errorf("%w: no login in progress", auth.ErrStateMismatch))
	}
	if checkState && !pending.Attempt.MatchState(state) {
		return auth.LoginAttempt{}, reject(http.StatusBadRequest, outcomeStateMismatch,
			"Invalid or mismatched state parameter.", auth.ErrStateMismatch)
	}
	if pending.Attempt.Expired(a.now(), a.Sessions.PendingTTL()) {
		return auth.LoginAttempt{}, reject(http.StatusBadRequest, outcomeExpired, "Login attempt expired.", errAttemptExpired)
	}
	return pending.Attempt, nil
}

// completeLogin exchanges code, validates the ID token, upserts the local
// user and returns the state to store in the session.
func (a *App) completeLogin(ctx context.Context, code string, attempt auth.LoginAttempt) (session.Authenticated, error) {
	start := time.Now()
	tokens, err := a.Provider.Exchange(ctx, code, attempt.CodeVerifier)
	a.Metrics.ObserveExchange(time.Since(start), err)
	if err != nil {
		return session.Authenticated{}, fmt.Errorf("exchange code: %w", err)
	}

	claims, err := a.Validator.Validate(ctx, tokens.IDToken, attempt.Nonce)
	if err != nil {
		return session.Authenticated{}, err
	}

	buwanaID, err := auth.ParseSubject(claims["sub"])
	if err != nil {
		return session.Authenticated{}, err
	}
	profile := auth.ProfileFromClaims(claims)

	ident, err := a.Users.Upsert(ctx, users.Update{
		BuwanaID:       buwanaID,
		Email:          profile.Email,
		FirstName:      profile.FirstName,
		LastName:       profile.LastName,
		FullName:       profile.FullName,
		Role:           profile.Role,
		EarthlingEmoji: profile.EarthlingEmoji,
	}, a.now())
	if err != nil {
		return session.Authenticated{}, fmt.Errorf("upsert user %d: %w", buwanaID, err)
	}

	return session.Authenticated{
		User:   userSnapshot(ident),
		Tokens: tokens,
		Claims: map[string]any(claims),
	}, nil
}

func userSnapshot(ident users.Identity) session.User {
	lastLogin := ident.LastLogin
	return session.User{
		ID:             ident.BuwanaID,
		BuwanaID:       ident.BuwanaID,
		Email:          ident.Email,
		Name:           ident.DisplayName(),
		FirstName:      ident.FirstName,
		Role:           ident.Role,
		LastLogin:      &lastLogin,
		EarthlingEmoji: ident.EarthlingEmoji,
	}
}

func (a *App) loginSucceeded(ctx context.Context, s session.Authenticated) {
	setLogUser(ctx, s.User.BuwanaID)
	setLogOutcome(ctx, outcomeSuccess)
	a.Metrics.Outcome(outcomeSuccess)
	a.Logger.Info("login.success", "buwana_id", s.User.BuwanaID, "request_id", RequestIDFromContext(ctx))
}

func (a *App) unconfigured() error {
	err := a.configErr
	if err == nil {
		err = auth.ErrConfiguration
	}
	return reject(http.StatusServiceUnavailable, outcomeUnconfigured,
		"Sign-in with Buwana is not available right now.", err)
}

// classify maps a flow failure to a status, a short message and a metrics outcome.
func classify(err error) *flowError {
	var fe *flowError
	if errors.As(err, &fe) {
		return fe
	}
	switch {
	case errors.Is(err, session.ErrPersistence):
		return reject(http.StatusInternalServerError, outcomeSessionError,
			"We could not save your session. Please try signing in again.", err)
	case errors.Is(err, auth.ErrStateMismatch):
		return reject(http.StatusBadRequest, outcomeStateMismatch, "Invalid or mismatched state parameter.", err)
	case errors.Is(err, auth.ErrExchangeFailed):
		return reject(http.StatusBadGateway, outcomeExchangeFailed, "Sign-in with Buwana failed. Please try again.", err)
	case errors.Is(err, auth.ErrMalformedTokenResponse),
		errors.Is(err, auth.ErrMalformedToken),
		errors.Is(err, auth.ErrTokenValidation):
		return reject(http.StatusBadGateway, outcomeInvalidToken, "Buwana returned a sign-in we could not verify.", err)
	case errors.Is(err, auth.ErrInvalidSubject):
		return reject(http.StatusBadGateway, outcomeInvalidSubject, "Your Buwana account could not be matched.", err)
	case errors.Is(err, auth.ErrConfiguration):
		return reject(http.StatusServiceUnavailable, outcomeUnconfigured, "Sign-in with Buwana is not available right now.", err)
	default:
		return reject(http.StatusInternalServerError, outcomeError, "Something went wrong. Please try again.", err)
	}
}

// renderError logs err and answers with the HTML error view, or with JSON
// under /api/.
func (a *App) renderError(w http.ResponseWriter, r *http.Request, err error) {
	fe := a.recordFailure(r, err)
	if isAPIPath(r.URL.Path) {
		writeJSON(w, fe.status, apiError{Message: fe.message})
		return
	}
	title := "Sign-in problem"
	if fe.status >= http.StatusInternalServerError {
		title = "Something went wrong"
	}
	renderView(w, fe.status, errorView, errorPage{Title: title, Message: fe.message})
}

func (a *App) renderJSONError(w http.ResponseWriter, r *http.Request, err error) {
	fe := a.recordFailure(r, err)
	writeJSON(w, fe.status, apiError{Message: fe.message})
}

func (a *App) recordFailure(r *http.Request, err error) *flowError {
	fe := classify(err)
	setLogOutcome(r.Context(), fe.outcome)
	if strings.HasPrefix(r.URL.Path, "/auth/") {
		a.Metrics.Outcome(fe.outcome)
	}

	attrs := []any{"outcome", fe.outcome, "status", fe.status, "request_id", RequestIDFromContext(r.Context())}
	if fe.err != nil {
		attrs = append(attrs, "error", fe.err)
	}
	var xe *auth.ExchangeError
	if errors.As(err, &xe) {
		attrs = append(attrs, "provider_status", xe.StatusCode, "provider_body", xe.Body)
	}
	event := failureEvent(r.URL.Path)
	if fe.status >= http.StatusInternalServerError {
		a.Logger.Error(event+".failed", attrs...)
	} else {
		a.Logger.Warn(event+".rejected", attrs...)
	}
	return fe
}

// failureEvent names the log event after the route: "callback" for
// /auth/callback, "token" for /auth/token, "request" elsewhere.
func failureEvent(path string) string {
	if name, ok := strings.CutPrefix(path, "/auth/"); ok && name != "" && !strings.Contains(name, "/") {
		return name
	}
	return "request"
}

// tokenRequestParams reads code and state from a JSON body, a form body or the query.
func tokenRequestParams(w http.ResponseWriter, r *http.Request) (code, state string, err error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTokenRequestBody)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Code  string `json:"code"`
			State string `json:"state"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			return "", "", err
		}
		code, state = body.Code, body.State
	} else {
		if err := r.ParseForm(); err != nil {
			return "", "", err
		}
		code, state = r.Form.Get("code"), r.Form.Get("state")
	}
	if code == "" {
		code = r.URL.Query().Get("code")
	}
	if state == "" {
		state = r.URL.Query().Get("state")
	}
	return code, state, nil
}
