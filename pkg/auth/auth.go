// Package auth signs and validates the HTTP exchanges between bootstrap
// supervisors with an HMAC derived from the shared cluster secret.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	// HeaderNode carries the sending node's name.
	HeaderNode = "X-Bootstrap-Node"
	// HeaderTimestamp carries the Unix timestamp of the request.
	HeaderTimestamp = "X-Bootstrap-Timestamp"
	// HeaderSignature carries the HMAC-SHA256 signature.
	HeaderSignature = "X-Bootstrap-Signature"
	// MaxClockSkew is the maximum tolerated timestamp drift.
	MaxClockSkew = 30 * time.Second
)

// Authenticator signs outbound and validates inbound supervisor requests.
// An empty secret disables authentication entirely.
type Authenticator struct {
	nodeName string
	secret   string
}

// New creates an Authenticator for the given node and shared secret.
func New(nodeName, secret string) *Authenticator {
	return &Authenticator{nodeName: nodeName, secret: secret}
}

// SignRequest attaches authentication headers to an outbound request.
func (a *Authenticator) SignRequest(req *http.Request) {
	if a.secret == "" {
		return
	}

	timestamp := time.Now().Unix()
	req.Header.Set(HeaderNode, a.nodeName)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(timestamp, 10))
	req.Header.Set(HeaderSignature, a.sign(a.nodeName, req.Method, req.URL.Path, timestamp))
}

// ValidateRequest checks the authentication headers on an inbound request.
func (a *Authenticator) ValidateRequest(req *http.Request) error {
	if a.secret == "" {
		return nil
	}

	node := req.Header.Get(HeaderNode)
	if node == "" {
		return fmt.Errorf("missing node header")
	}

	timestampStr := req.Header.Get(HeaderTimestamp)
	if timestampStr == "" {
		return fmt.Errorf("missing timestamp header")
	}
	timestamp, err := strconv.ParseInt(timestampStr, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}

	skew := time.Now().Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > MaxClockSkew {
		return fmt.Errorf("timestamp outside allowed window (skew: %ds)", skew)
	}

	expected := a.sign(node, req.Method, req.URL.Path, timestamp)
	actual := req.Header.Get(HeaderSignature)
	if !hmac.Equal([]byte(expected), []byte(actual)) {
		return fmt.Errorf("invalid signature from node %s", node)
	}

	return nil
}

// Middleware wraps a handler with request validation.
func (a *Authenticator) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := a.ValidateRequest(r); err != nil {
			http.Error(w, fmt.Sprintf("Authentication failed: %v", err), http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (a *Authenticator) sign(node, method, path string, timestamp int64) string {
	message := fmt.Sprintf("%s:%s:%s:%d", node, method, path, timestamp)
	mac := hmac.New(sha256.New, []byte(a.secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
