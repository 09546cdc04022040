package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/scene-rooms/internal/types"
)

const (
	defaultJwtExpiration = time.Hour * 24
	tokenCookieKey       = "token"
)

const (
	userIdClaim   = "user-id"
	userNameClaim = "user-name"
	expClaim      = "exp"
)

type contextKey string

const userKey contextKey = "user"

type LoginRequest struct {
	UserId string `json:"userId"`
}

// WithUser returns a copy of ctx carrying the acting user.
func WithUser(ctx context.Context, user types.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFrom returns the acting user stored by the auth middleware.
func UserFrom(ctx context.Context) (types.User, bool) {
	user, ok := ctx.Value(userKey).(types.User)
	return user, ok && user.Id != ""
}

func (s *SceneApp) createJwtForSession(user types.User, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		userIdClaim:   user.Id,
		userNameClaim: user.Name,
		expClaim:      time.Now().Add(exp).Unix(),
	})

	return token.SignedString(s.signingKey)
}

func (s *SceneApp) verifyToken(tokenString string) (*jwt.Token, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return token, nil
}

func (s *SceneApp) extractUserFromToken(tokenString string) (types.User, error) {
	token, err := s.verifyToken(tokenString)
	if err != nil {
		return types.User{}, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return types.User{}, fmt.Errorf("invalid token claims")
	}

	id, ok := claims[userIdClaim].(string)
	if !ok || id == "" {
		return types.User{}, fmt.Errorf("invalid user id claim")
	}
	name, _ := claims[userNameClaim].(string)

	return types.User{Id: id, Name: name}, nil
}

func createJwtCookie(tokenString string, exp time.Duration) *http.Cookie {
	return &http.Cookie{
		Name:     tokenCookieKey,
		Value:    tokenString,
		Path:     "/",
		Expires:  time.Now().Add(exp),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	}
}

func (s *SceneApp) users(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, s.directory.Users())
}

func (s *SceneApp) login(w http.ResponseWriter, r *http.Request) {
	var lr LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&lr); err != nil || lr.UserId == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	user, ok := s.directory.Lookup(lr.UserId)
	if !ok {
		s.writeError(w, NewNotFoundError().WithMessage("user not found"))
		return
	}

	token, err := s.createJwtForSession(user, defaultJwtExpiration)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	http.SetCookie(w, createJwtCookie(token, defaultJwtExpiration))
	s.log.Printf("user %q logged in", user.Id)

	s.writeJson(w, http.StatusOK, user)
}

func (s *SceneApp) session(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFrom(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	s.writeJson(w, http.StatusOK, user)
}

func (s *SceneApp) logout(w http.ResponseWriter, _ *http.Request) {
	// instruct browser to delete cookie by overwriting it with an expired token
	http.SetCookie(w, createJwtCookie("", time.Duration(time.Unix(0, 0).Unix())))
	w.WriteHeader(http.StatusNoContent)
}
