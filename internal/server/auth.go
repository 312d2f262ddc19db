package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

type AuthConfig struct {
	// JWTSecret enables bearer-token auth. Empty disables authentication;
	// the actor then comes from the X-Actor-Id header or defaults.
	JWTSecret string
	Logger    *logrus.Logger
}

type Principal struct {
	ActorID string
	Roles   []string
	Source  string
}

type principalKey struct{}

func (c AuthConfig) logger() *logrus.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return logrus.StandardLogger()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

func authenticateJWT(token, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{ActorID: claims.Subject, Roles: claims.Roles, Source: "jwt"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath {
				next.ServeHTTP(w, req)
				return
			}

			if cfg.JWTSecret == "" {
				actor := req.Header.Get("X-Actor-Id")
				if actor == "" {
					actor = "anonymous"
				}
				ctx := withPrincipal(req.Context(), Principal{ActorID: actor, Source: "header"})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			token, ok := bearerToken(req.Header.Get("Authorization"))
			if !ok {
				writeAuthError(w, "bearer token required")
				return
			}
			principal, err := authenticateJWT(token, cfg.JWTSecret)
			if err != nil {
				cfg.logger().WithField("error", err.Error()).Warn("auth failed")
				writeAuthError(w, "invalid token")
				return
			}
			ctx := withPrincipal(req.Context(), principal)
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"error": apiErrorBody{Code: "unauthorized", Message: msg},
	})
}
