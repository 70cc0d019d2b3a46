// Package mockapi serves the authentication endpoints of the API from memory,
// including the server side of the SRP handshake, for tests and local runs.
package mockapi

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/danmuck/apisession/internal/apierr"
	"github.com/danmuck/apisession/internal/auth"
	"github.com/danmuck/apisession/internal/observability"
	"github.com/danmuck/apisession/internal/srp"
	"github.com/danmuck/apisession/internal/testutil/srptest"
	"github.com/gin-gonic/gin"
)

const authVersion = 4

// Full scopes granted once login (and 2FA when enabled) completes.
var fullScopes = []string{"full", "self", "password", "locked", "payments", "user", "vpn"}

// Config describes the single account served.
type Config struct {
	Username string
	Password string
	// TwoFactorCode, when set, puts new sessions behind a 2FA challenge.
	TwoFactorCode string
	// Metrics exposes /metrics.
	Metrics bool
}

// Failure is an injected error reply.
type Failure struct {
	Status  int
	Code    int
	Headers map[string]string
}

type account struct {
	username string
	salt     []byte
	verifier []byte
}

type session struct {
	uid          string
	refreshToken string
	scopes       []string
}

type fork struct {
	payload string
	scopes  []string
}

// Server is the mock API.
type Server struct {
	cfg           Config
	router        *gin.Engine
	signer        *srptest.Signer
	modulus       []byte
	signedModulus string
	account       account
	tokens        *auth.Tokens

	mu         sync.Mutex
	handshakes map[string]*srp.Server
	sessions   map[string]*session
	forks      map[string]fork
	failures   map[string][]Failure
	calls      map[string]int
}

func New(cfg Config) (*Server, error) {
	if cfg.Username == "" || cfg.Password == "" {
		return nil, fmt.Errorf("mockapi: username and password are required")
	}
	signer, err := srptest.NewSigner()
	if err != nil {
		return nil, err
	}
	modulus := srptest.Modulus()
	signed, err := signer.Sign(modulus)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, 10)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	verifier, err := srp.ComputeVerifier(cfg.Password, salt, modulus, authVersion)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:           cfg,
		signer:        signer,
		modulus:       modulus,
		signedModulus: signed,
		account:       account{username: cfg.Username, salt: salt, verifier: verifier},
		tokens:        auth.NewTokens(),
		handshakes:    make(map[string]*srp.Server),
		sessions:      make(map[string]*session),
		forks:         make(map[string]fork),
		failures:      make(map[string][]Failure),
		calls:         make(map[string]int),
	}
	s.router = s.newRouter()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ModulusVerifier trusts the key that signs this server's modulus.
func (s *Server) ModulusVerifier() (*srp.ModulusVerifier, error) {
	return s.signer.Verifier()
}

// ModulusKey returns the armored public key signing served moduli and its
// fingerprint.
func (s *Server) ModulusKey() (string, string) {
	return s.signer.ArmoredKey, s.signer.Fingerprint
}

// Fail queues failures returned, one per request, by method and path before
// any handler runs.
func (s *Server) Fail(method, path string, failures ...Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + path
	s.failures[key] = append(s.failures[key], failures...)
}

// Calls counts requests served for method and path, injected failures included.
func (s *Server) Calls(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method+" "+path]
}

// ExpireAccessTokens invalidates every access token. Refresh tokens stay valid.
func (s *Server) ExpireAccessTokens() {
	s.tokens.RevokeAll()
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) newRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestLogger(observability.Component("mockapi")))
	if s.cfg.Metrics {
		router.Use(observability.RequestMetricsMiddleware())
	}
	router.Use(s.countCalls(), s.injectFailures())
	s.registerRoutes(router)
	return router
}

func (s *Server) countCalls() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		s.calls[c.Request.Method+" "+c.Request.URL.Path]++
		s.mu.Unlock()
		c.Next()
	}
}

func (s *Server) injectFailures() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Request.Method + " " + c.Request.URL.Path
		s.mu.Lock()
		queue := s.failures[key]
		var failure *Failure
		if len(queue) > 0 {
			failure = &queue[0]
			s.failures[key] = queue[1:]
		}
		s.mu.Unlock()
		if failure == nil {
			c.Next()
			return
		}
		for k, v := range failure.Headers {
			c.Header(k, v)
		}
		abortWithCode(c, failure.Status, failure.Code, "injected failure")
	}
}

// requireSession checks the UID and bearer token headers.
func (s *Server) requireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		uid := c.GetHeader("x-pm-uid")
		token, _ := auth.BearerToken(c.GetHeader("Authorization"))
		if err := s.tokens.Validate(uid, token); err != nil {
			abortWithCode(c, http.StatusUnauthorized, 401, "Invalid access token")
			return
		}
		c.Set("uid", uid)
		c.Next()
	}
}

func abortWithCode(c *gin.Context, status, code int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"Code": code, "Error": message})
}

func reply(c *gin.Context, fields gin.H) {
	body := gin.H{"Code": apierr.CodeSuccess}
	for k, v := range fields {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// newSession registers a session and returns its credentials.
func (s *Server) newSession(scopes []string) (*session, string) {
	sess := &session{uid: auth.NewToken(), refreshToken: auth.NewToken(), scopes: slices.Clone(scopes)}
	access := auth.NewToken()
	s.mu.Lock()
	s.sessions[sess.uid] = sess
	s.mu.Unlock()
	s.tokens.Issue(sess.uid, access)
	return sess, access
}

func (s *Server) sessionFor(c *gin.Context) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[c.GetString("uid")]
}

func (s *Server) scopesFor(c *gin.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess := s.sessions[c.GetString("uid")]; sess != nil {
		return slices.Clone(sess.scopes)
	}
	return nil
}

func (s *Server) dropSession(uid string) {
	s.mu.Lock()
	delete(s.sessions, uid)
	s.mu.Unlock()
	s.tokens.Revoke(uid)
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func without(scopes []string, drop ...string) []string {
	return slices.DeleteFunc(slices.Clone(scopes), func(s string) bool {
		return slices.Contains(drop, strings.ToLower(s))
	})
}
