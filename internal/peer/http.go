package peer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/putto11262002/chatsync/core"
)

// TokenTTL is the lifetime of tokens issued by the token endpoint.
const TokenTTL = 24 * time.Hour

type usernameKey struct{}

func contextWithUsername(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, usernameKey{}, username)
}

// UsernameFromRequest extracts the username from the request context.
// It must be called in handlers that are protected by the JWT middleware.
// It panics if the username is not found in the request context.
func UsernameFromRequest(r *http.Request) string {
	username, ok := r.Context().Value(usernameKey{}).(string)
	if !ok {
		panic("username not found in request context: call this function in handlers that are protected by JWTMiddleware")
	}
	return username
}

type JsonError struct {
	Code int    `json:"code"`
	Err  string `json:"error"`
}

func NewJsonError(code int, err string) JsonError {
	return JsonError{Code: code, Err: err}
}

func (e JsonError) Error() string {
	return e.Err
}

var defaultError = NewJsonError(http.StatusInternalServerError, "internal server error")

// HandlerFunc is a function that handles an HTTP request and returns an error.
// When the handler fails it should not write to the response writer; the
// returned error is mapped to a JSON error response.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

func (s *Server) handle(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		var resErr JsonError
		if !errors.As(err, &resErr) {
			s.logger.Error(err.Error(), slog.String("path", r.URL.Path))
			resErr = defaultError
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resErr.Code)
		json.NewEncoder(w).Encode(resErr)
	}
}

// JWTMiddleware verifies the auth cookie and attaches the username to the request context.
func (s *Server) JWTMiddleware(next http.Handler) http.Handler {
	authErr := NewJsonError(http.StatusUnauthorized, "unauthenticated")

	return s.handle(func(w http.ResponseWriter, r *http.Request) error {
		cookie, err := r.Cookie(core.AuthCookieName)
		if err != nil || cookie.Valid() != nil {
			return authErr
		}
		claims, err := VerifyToken(cookie.Value, s.secret)
		if err != nil {
			return authErr
		}
		next.ServeHTTP(w, r.WithContext(contextWithUsername(r.Context(), claims.Username)))
		return nil
	})
}

// Handler returns the HTTP surface of the server:
//
//	GET  /ws          websocket upgrade (auth cookie)
//	POST /api/token   issue a token for {"username": ...}
//	GET  /api/rooms   rooms of the authenticated user
func (s *Server) Handler(allowedOrigins []string) http.Handler {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.With(s.JWTMiddleware).Get("/ws", s.ServeWS)
	r.Route("/api", func(r chi.Router) {
		r.Post("/token", s.handle(s.TokenHandler))
		r.With(s.JWTMiddleware).Get("/rooms", s.handle(s.RoomsHandler))
	})
	return r
}

type tokenRequest struct {
	Username string `json:"username"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenHandler issues a token for any username. The server is meant for development.
func (s *Server) TokenHandler(w http.ResponseWriter, r *http.Request) error {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return NewJsonError(http.StatusBadRequest, "invalid body")
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" {
		return NewJsonError(http.StatusBadRequest, "username is a required field")
	}
	token, exp, err := NewToken(req.Username, TokenTTL, s.secret)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     core.AuthCookieName,
		Value:    token,
		Expires:  exp,
		HttpOnly: true,
		Path:     "/",
	})
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(tokenResponse{Token: token, ExpiresAt: exp})
}

func (s *Server) RoomsHandler(w http.ResponseWriter, r *http.Request) error {
	rooms := s.Rooms(UsernameFromRequest(r))
	if rooms == nil {
		rooms = []core.RoomSummary{}
	}
	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(rooms)
}
