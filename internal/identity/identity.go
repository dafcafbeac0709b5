// Package identity resolves the identity a request acts as: a bearer token,
// the process bootstrap token, or an anonymous per-device cookie.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/careerpath/internal/domain"
	"github.com/ashureev/careerpath/internal/store"
	"github.com/golang-jwt/jwt/v5"
)

const (
	AnonCookieName   = "careerpath_anon_id"
	anonCookieMaxAge = 30 * 24 * time.Hour
)

var (
	ErrInvalidToken = errors.New("invalid identity token")
	ErrNoSecret     = errors.New("bearer tokens are not accepted: no signing secret configured")
)

type contextKey int

const (
	userIDKey contextKey = iota
	kindKey
)

var anonIDPattern = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// KindFromContext reports how the request identity was established.
func KindFromContext(ctx context.Context) domain.IdentityKind {
	if v, ok := ctx.Value(kindKey).(domain.IdentityKind); ok {
		return v
	}
	return ""
}

// WithUser returns a context carrying userID.
func WithUser(ctx context.Context, userID string, kind domain.IdentityKind) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, kindKey, kind)
}

// Claims are the claims read from identity tokens. The subject is the identity.
type Claims struct {
	jwt.RegisteredClaims
}

// Resolver maps requests to identities.
type Resolver struct {
	repo             store.Repository
	secret           []byte
	bootstrapSubject string
	isDev            bool
	logger           *slog.Logger
	now              func() time.Time
}

// NewResolver creates a resolver. secret verifies bearer tokens and, when set,
// the bootstrap token. A bootstrap token that cannot be read is logged and
// ignored, leaving requests to fall back to anonymous identities. A usable
// bootstrap token replaces anonymous identities for every request without a
// bearer token, including ones that carry an anonymous cookie; it is meant for
// single-tenant hosts.
func NewResolver(repo store.Repository, secret, bootstrapToken string, isDev bool, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		repo:   repo,
		secret: []byte(secret),
		isDev:  isDev,
		logger: logger,
		now:    time.Now,
	}
	if bootstrapToken != "" {
		subject, err := r.bootstrapIdentity(bootstrapToken)
		if err != nil {
			logger.Error("Bootstrap identity token rejected, using anonymous identities", "error", err)
		} else {
			r.bootstrapSubject = subject
			logger.Warn("Using bootstrap identity for all requests without a bearer token; single-tenant hosts only",
				"user_id", subject)
		}
	}
	return r
}

// BootstrapIdentity returns the identity taken from the bootstrap token, if any.
func (r *Resolver) BootstrapIdentity() string {
	return r.bootstrapSubject
}

// VerifyToken checks an HS256 token against the configured secret and returns
// its subject.
func (r *Resolver) VerifyToken(tokenString string) (string, error) {
	if len(r.secret) == 0 {
		return "", ErrNoSecret
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return r.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// bootstrapIdentity reads the subject of the token handed to the process at
// startup. Without a secret the token is trusted as issued by the host.
func (r *Resolver) bootstrapIdentity(tokenString string) (string, error) {
	if len(r.secret) > 0 {
		return r.VerifyToken(tokenString)
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(r.now()) {
		return "", fmt.Errorf("%w: token expired", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Resolve returns the identity for r, setting the anonymous cookie when one is
// minted or refreshed.
func (r *Resolver) Resolve(w http.ResponseWriter, req *http.Request) (string, domain.IdentityKind, error) {
	if header := req.Header.Get("Authorization"); header != "" {
		token, err := extractBearer(header)
		if err != nil {
			return "", "", err
		}
		subject, err := r.VerifyToken(token)
		if err != nil {
			return "", "", err
		}
		return subject, domain.IdentityCustom, nil
	}
	if r.bootstrapSubject != "" {
		return r.bootstrapSubject, domain.IdentityCustom, nil
	}
	id, err := getOrCreateAnonID(w, req, r.isDev)
	if err != nil {
		return "", "", err
	}
	return id, domain.IdentityAnonymous, nil
}

// Middleware resolves the request identity, records it and stores it in the
// request context.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		userID, kind, err := r.Resolve(w, req)
		if err != nil {
			if errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrNoSecret) {
				r.logger.Debug("Rejected identity token", "ip", IPFromRequest(req), "error", err)
				http.Error(w, `{"error":"invalid identity token"}`, http.StatusUnauthorized)
				return
			}
			http.Error(w, `{"error":"failed to establish identity"}`, http.StatusInternalServerError)
			return
		}

		if err := r.ensureUser(req.Context(), userID, kind); err != nil {
			r.logger.Error("Failed to record user", "user_id", userID, "error", err)
			http.Error(w, `{"error":"failed to initialize user"}`, http.StatusInternalServerError)
			return
		}

		next.ServeHTTP(w, req.WithContext(WithUser(req.Context(), userID, kind)))
	})
}

func (r *Resolver) ensureUser(ctx context.Context, userID string, kind domain.IdentityKind) error {
	user, err := r.repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if user != nil {
		return r.repo.UpdateLastSeen(ctx, userID, r.now())
	}

	now := r.now()
	return r.repo.UpsertUser(ctx, &domain.User{
		UserID:     userID,
		Kind:       kind,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	})
}

func extractBearer(header string) (string, error) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("%w: invalid authorization header format", ErrInvalidToken)
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	return token, nil
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	id := ""
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		id = c.Value
	} else {
		id, err = generateAnonID()
		if err != nil {
			return "", err
		}
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
	return id, nil
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
