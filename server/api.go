// clustermgr - cluster control plane for a distributed OLTP database manager
// License: GNU General Public License, version 3. Redistribution/reuse of
// this code is permitted under the GNU v3 license.
package server

import (
	"bytes"
	"context"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/codegangsta/negroni"
	"github.com/coreos/go-oidc/v3/oidc"
	jwt "github.com/dgrijalva/jwt-go"
	"github.com/dgrijalva/jwt-go/request"
	"github.com/gorilla/mux"
	"golang.org/x/oauth2"

	"github.com/pgxc-mgr/clustermgr/cluster"
)

var signingKey, verificationKey []byte

// initKeys generates an RSA keypair for signing session tokens when no
// http-jwt-signing-key file is configured, mirroring the teacher's
// dev-mode key generation in initKeys.
func (s *Supervisor) initKeys() error {
	if s.Conf.HTTPJWTSigningKey != "" {
		pem, err := os.ReadFile(s.Conf.HTTPJWTSigningKey)
		if err != nil {
			return err
		}
		signingKey = pem
		key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
		if err != nil {
			return err
		}
		pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			return err
		}
		verificationKey = pemEncode("RSA PUBLIC KEY", pubBytes)
		return nil
	}

	privKey, err := rsa.GenerateKey(cryptorand.Reader, 2048)
	if err != nil {
		return err
	}
	signingKey = pemEncode("RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(privKey))
	pubBytes, err := x509.MarshalPKIXPublicKey(&privKey.PublicKey)
	if err != nil {
		return err
	}
	verificationKey = pemEncode("RSA PUBLIC KEY", pubBytes)
	return nil
}

func pemEncode(blockType string, der []byte) []byte {
	buf := new(bytes.Buffer)
	pem.Encode(buf, &pem.Block{Type: blockType, Bytes: der})
	return buf.Bytes()
}

type tokenResponse struct {
	Token string `json:"token"`
}

type dispatchRequest struct {
	NodeID          string `json:"nodeId"`
	Kind            string `json:"kind"`
	ReplicationUser string `json:"replicationUser"`
	Force           bool   `json:"force"`
}

// Router builds the mux.Router clustermgrd binds http-listen-address
// to: one route per served verb (list, monitor, append, remove, drop,
// failover), each wrapped in a negroni chain that validates the bearer
// token before reaching the handler, plus the unauthenticated login
// routes.
func (s *Supervisor) Router() (http.Handler, error) {
	if err := s.initKeys(); err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/login", s.loginHandler).Methods(http.MethodPost)
	if s.Conf.OIDCIssuerURL != "" {
		r.HandleFunc("/api/auth/callback", s.oidcCallbackHandler).Methods(http.MethodGet)
	}
	r.Handle("/api/clusters/{cluster}/list", s.authed(s.handleList)).Methods(http.MethodGet)
	r.Handle("/api/clusters/{cluster}/monitor", s.authed(s.handleMonitor)).Methods(http.MethodGet)
	r.Handle("/api/clusters/{cluster}/append", s.authed(s.handleAppend)).Methods(http.MethodPost)
	r.Handle("/api/clusters/{cluster}/remove/{node}", s.authed(s.handleRemove)).Methods(http.MethodPost)
	r.Handle("/api/clusters/{cluster}/drop/{node}", s.authed(s.handleDrop)).Methods(http.MethodPost)
	r.Handle("/api/clusters/{cluster}/failover/{node}", s.authed(s.handleFailover)).Methods(http.MethodPost)
	return r, nil
}

func (s *Supervisor) authed(h http.HandlerFunc) http.Handler {
	return negroni.New(
		negroni.HandlerFunc(s.validateTokenMiddleware),
		negroni.Wrap(h),
	)
}

func (s *Supervisor) validateTokenMiddleware(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
	_, err := request.ParseFromRequest(r, request.AuthorizationHeaderExtractor, func(token *jwt.Token) (interface{}, error) {
		return jwt.ParseRSAPublicKeyFromPEM(verificationKey)
	})
	if err != nil {
		http.Error(w, "invalid or missing bearer token", http.StatusUnauthorized)
		return
	}
	next(w, r)
}

func (s *Supervisor) loginHandler(w http.ResponseWriter, r *http.Request) {
	var creds struct{ Username, Password string }
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	signingKeyParsed, err := jwt.ParseRSAPrivateKeyFromPEM(signingKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	claims := jwt.MapClaims{
		"sub": creds.Username,
		"exp": time.Now().Add(24 * time.Hour).Unix(),
	}
	signed := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	out, err := signed.SignedString(signingKeyParsed)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, tokenResponse{Token: out})
}

// oidcCallbackHandler exchanges an SSO authorization code for an ID
// token and, on success, issues the same RSA-signed session token the
// password login path does — so the rest of the API never needs to
// know which login method produced the caller's bearer token.
func (s *Supervisor) oidcCallbackHandler(w http.ResponseWriter, r *http.Request) {
	ctx := context.Background()
	provider, err := oidc.NewProvider(ctx, s.Conf.OIDCIssuerURL)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	oauthConf := oauth2.Config{
		ClientID: s.Conf.OIDCClientID,
		Endpoint: provider.Endpoint(),
		Scopes:   []string{oidc.ScopeOpenID, "profile", "email"},
	}
	oauthTok, err := oauthConf.Exchange(ctx, r.URL.Query().Get("code"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	rawIDToken, ok := oauthTok.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in OIDC response", http.StatusUnauthorized)
		return
	}
	verifier := provider.Verifier(&oidc.Config{ClientID: s.Conf.OIDCClientID})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	signingKeyParsed, err := jwt.ParseRSAPrivateKeyFromPEM(signingKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	signed := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": claims.Email,
		"exp": time.Now().Add(24 * time.Hour).Unix(),
	})
	out, err := signed.SignedString(signingKeyParsed)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, tokenResponse{Token: out})
}

func (s *Supervisor) clusterFromPath(w http.ResponseWriter, r *http.Request) (*cluster.Cluster, bool) {
	name := mux.Vars(r)["cluster"]
	c, err := s.Cluster(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	return c, true
}

func (s *Supervisor) handleList(w http.ResponseWriter, r *http.Request) {
	c, ok := s.clusterFromPath(w, r)
	if !ok {
		return
	}
	rows, err := c.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

func (s *Supervisor) handleMonitor(w http.ResponseWriter, r *http.Request) {
	c, ok := s.clusterFromPath(w, r)
	if !ok {
		return
	}
	rows, err := c.Monitor(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rows)
}

func (s *Supervisor) handleAppend(w http.ResponseWriter, r *http.Request) {
	c, ok := s.clusterFromPath(w, r)
	if !ok {
		return
	}
	var req dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, []cluster.Result{c.Append(r.Context(), req.Kind, req.NodeID, req.ReplicationUser)})
}

func (s *Supervisor) handleRemove(w http.ResponseWriter, r *http.Request) {
	c, ok := s.clusterFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, []cluster.Result{c.Remove(r.Context(), mux.Vars(r)["node"])})
}

func (s *Supervisor) handleDrop(w http.ResponseWriter, r *http.Request) {
	c, ok := s.clusterFromPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, []cluster.Result{c.Drop(r.Context(), mux.Vars(r)["node"])})
}

func (s *Supervisor) handleFailover(w http.ResponseWriter, r *http.Request) {
	c, ok := s.clusterFromPath(w, r)
	if !ok {
		return
	}
	force := strings.EqualFold(r.URL.Query().Get("force"), "true")
	writeJSON(w, []cluster.Result{c.Failover(r.Context(), mux.Vars(r)["node"], force)})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
