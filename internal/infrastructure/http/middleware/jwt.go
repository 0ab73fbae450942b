package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"fazendabrasil/gonfpe/internal/infrastructure/config"
	httperrors "fazendabrasil/gonfpe/internal/infrastructure/http"
)

type tokenKey struct{}

var allowedAlgorithms = []string{
	jwt.SigningMethodRS256.Alg(),
	jwt.SigningMethodRS384.Alg(),
	jwt.SigningMethodRS512.Alg(),
	jwt.SigningMethodPS256.Alg(),
	jwt.SigningMethodES256.Alg(),
}

// JWTAuthenticator verifies bearer tokens against the issuer's JWKS.
type JWTAuthenticator struct {
	cfg      config.AuthSettings
	log      *slog.Logger
	keyfunc  jwt.Keyfunc
	cancel   context.CancelFunc
	exact    map[string]struct{}
	prefixes []string
}

// NewJWTAuthenticator loads the JWKS when authentication is enabled.
// Bypass entries ending in "/*" match every path below the prefix.
func NewJWTAuthenticator(cfg config.AuthSettings, log *slog.Logger) (*JWTAuthenticator, error) {
	a := &JWTAuthenticator{
		cfg:   cfg,
		log:   log,
		exact: make(map[string]struct{}),
	}
	for _, p := range cfg.BypassPaths {
		switch {
		case p == "":
		case strings.HasSuffix(p, "/*"):
			a.prefixes = append(a.prefixes, strings.TrimSuffix(p, "*"))
		default:
			a.exact[p] = struct{}{}
		}
	}
	if !cfg.Enabled {
		return a, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	jwks, err := keyfunc.NewDefaultOverrideCtx(ctx, []string{cfg.JWKSetURI}, keyfunc.Override{
		RefreshInterval: 6 * time.Hour,
		HTTPTimeout:     10 * time.Second,
		RefreshErrorHandlerFunc: func(url string) func(context.Context, error) {
			return func(_ context.Context, err error) {
				log.Error("jwks refresh failed", "url", url, "error", err)
			}
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("load jwks: %w", err)
	}
	a.keyfunc = jwks.Keyfunc
	a.cancel = cancel
	return a, nil
}

// Middleware rejects requests without a valid token with 401.
func (a *JWTAuthenticator) Middleware(next http.Handler) http.Handler {
	if !a.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.bypassed(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := bearerToken(r.Header.Get("Authorization"))
		if err != nil {
			httperrors.WriteError(w, http.StatusUnauthorized, "Não autenticado", []string{"credenciais ausentes"}, a.log)
			return
		}
		token, err := jwt.Parse(raw, a.keyfunc,
			jwt.WithIssuer(a.cfg.IssuerURI),
			jwt.WithLeeway(a.cfg.ClockSkew),
			jwt.WithValidMethods(allowedAlgorithms),
		)
		if err != nil || !token.Valid {
			a.log.WarnContext(r.Context(), "rejected token", "path", r.URL.Path, "error", err)
			httperrors.WriteError(w, http.StatusUnauthorized, "Não autenticado", []string{"token inválido ou expirado"}, a.log)
			return
		}
		if info, ok := r.Context().Value(requestInfoKey{}).(*requestInfo); ok {
			info.subject, _ = token.Claims.GetSubject()
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenKey{}, token)))
	})
}

// Close stops the background JWKS refresh.
func (a *JWTAuthenticator) Close() {
	if a.cancel != nil {
		a.cancel()
	}
}

// Subject returns the "sub" claim of the verified token in ctx, if any.
func Subject(ctx context.Context) string {
	token, ok := ctx.Value(tokenKey{}).(*jwt.Token)
	if !ok {
		return ""
	}
	sub, _ := token.Claims.GetSubject()
	return sub
}

func (a *JWTAuthenticator) bypassed(path string) bool {
	if _, ok := a.exact[path]; ok {
		return true
	}
	for _, p := range a.prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("missing authorization header")
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" || strings.ContainsAny(token, " \t") {
		return "", errors.New("malformed authorization header")
	}
	return token, nil
}
