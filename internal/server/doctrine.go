package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"heir/internal/doctrine"
)

// AuthConfig holds the operator-token settings for the schema ledger
// surface. Agent identity is never authenticated here; a request is
// trusted once its doctrine headers pass the grammar gate.
type AuthConfig struct {
	OperatorSecret string
	Logger         *log.Logger
}

func (c AuthConfig) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// Identity is the validated doctrine identity attached to a governed
// request.
type Identity struct {
	UniqueID       doctrine.UniqueID
	ProcessID      string
	BlueprintID    string
	Signature      doctrine.Signature
	APIDestination string
	OperationType  string
}

type identityKey struct{}
type operatorKey struct{}

func withIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

func identityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

func operatorFromContext(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(operatorKey{}).(string)
	return s, ok
}

// rejection is the transport contract for a failed doctrine gate.
type rejection struct {
	Status string         `json:"status"`
	Error  rejectionError `json:"error"`
}

type rejectionError struct {
	Code             string   `json:"code"`
	Message          string   `json:"message"`
	ValidationErrors []string `json:"validation_errors"`
}

func respondRejected(w http.ResponseWriter, verdict doctrine.Verdict) {
	body := rejection{
		Status: "REJECTED",
		Error: rejectionError{
			Code:             "MISSING_HEADERS",
			Message:          "Required doctrine headers not provided",
			ValidationErrors: verdict.Errors,
		},
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(body)
}

func headerSet(r *http.Request) map[string]string {
	h := map[string]string{}
	for _, key := range []string{
		doctrine.HeaderUniqueID,
		doctrine.HeaderProcessID,
		doctrine.HeaderAgentSignature,
		doctrine.HeaderBlueprintID,
		doctrine.HeaderAPIDestination,
		doctrine.HeaderOperationType,
	} {
		if v := strings.TrimSpace(r.Header.Get(key)); v != "" {
			h[key] = v
		}
	}
	return h
}

// newDoctrineMiddleware enforces the doctrine gate on governed
// (mutating) routes and the operator token on the schema ledger
// mutation surface. Reads and health stay open.
func newDoctrineMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	schemaPath := path.Join(basePath, "schema")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || req.Method == http.MethodGet {
				next.ServeHTTP(w, req)
				return
			}

			if strings.HasPrefix(req.URL.Path, schemaPath) {
				subject, err := operatorSubject(req, cfg.OperatorSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "operator token required", nil))
					return
				}
				ctx := context.WithValue(req.Context(), operatorKey{}, subject)
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			headers := headerSet(req)
			verdict := doctrine.ValidateHeaders(headers)
			if !verdict.Valid {
				cfg.logger().Printf("doctrine gate: rejected %s %s (%d violations)", req.Method, req.URL.Path, len(verdict.Errors))
				respondRejected(w, verdict)
				return
			}
			uid, _ := doctrine.ParseUniqueID(headers[doctrine.HeaderUniqueID])
			sig, _ := doctrine.ParseSignature(headers[doctrine.HeaderAgentSignature])
			ctx := withIdentity(req.Context(), Identity{
				UniqueID:       uid,
				ProcessID:      headers[doctrine.HeaderProcessID],
				BlueprintID:    headers[doctrine.HeaderBlueprintID],
				Signature:      sig,
				APIDestination: headers[doctrine.HeaderAPIDestination],
				OperationType:  headers[doctrine.HeaderOperationType],
			})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func operatorSubject(req *http.Request, secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("operator secret not configured")
	}
	token, ok := bearerToken(strings.TrimSpace(req.Header.Get("Authorization")))
	if !ok {
		return "", errors.New("bearer token required")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwt.RegisteredClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("subject claim required")
	}
	return claims.Subject, nil
}

// MintOperatorToken signs a short operator JWT for deployment tooling.
func MintOperatorToken(secret, subject string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("operator secret not configured")
	}
	if subject == "" {
		return "", errors.New("subject required")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: subject})
	return token.SignedString([]byte(secret))
}
