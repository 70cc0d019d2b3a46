package mockapi

import (
	"encoding/base64"
	"net/http"
	"slices"

	"github.com/danmuck/apisession/internal/apierr"
	"github.com/danmuck/apisession/internal/auth"
	"github.com/danmuck/apisession/internal/srp"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type authInfoRequest struct {
	Username string `json:"Username"`
}

type proofRequest struct {
	Username        string `json:"Username"`
	ClientEphemeral string `json:"ClientEphemeral"`
	ClientProof     string `json:"ClientProof"`
	SRPSession      string `json:"SRPSession"`
}

type refreshRequest struct {
	ResponseType string `json:"ResponseType"`
	GrantType    string `json:"GrantType"`
	RefreshToken string `json:"RefreshToken"`
	RedirectURI  string `json:"RedirectURI"`
}

type forkRequest struct {
	ChildClientID string `json:"ChildClientID"`
	Independent   int    `json:"Independent"`
	Payload       string `json:"Payload"`
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/tests/ping", func(c *gin.Context) {
		reply(c, nil)
	})
	if s.cfg.Metrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	router.POST("/auth/info", s.handleAuthInfo)
	router.POST("/auth", s.handleAuth)
	router.POST("/auth/refresh", s.handleRefresh)
	router.GET("/auth/v4/sessions/forks/:selector", s.handleImportFork)
	router.POST("/users/code", func(c *gin.Context) {
		reply(c, nil)
	})

	authed := router.Group("/", s.requireSession())
	authed.DELETE("/auth", s.handleLogout)
	authed.POST("/auth/2fa", s.handleTwoFactor)
	authed.GET("/auth/scopes", func(c *gin.Context) {
		reply(c, gin.H{"Scopes": s.scopesFor(c)})
	})
	authed.PUT("/users/lock", func(c *gin.Context) {
		sess := s.sessionFor(c)
		s.mu.Lock()
		sess.scopes = without(sess.scopes, "password", "locked")
		s.mu.Unlock()
		reply(c, nil)
	})
	authed.PUT("/users/unlock", s.handleUnlock)
	authed.POST("/auth/v4/sessions/forks", s.handleFork)
	authed.GET("/users", func(c *gin.Context) {
		if slices.Contains(s.scopesFor(c), "twofactor") {
			abortWithCode(c, http.StatusForbidden, 403, "Access token does not have sufficient scope")
			return
		}
		reply(c, gin.H{"User": gin.H{"Name": s.account.username}})
	})
}

func (s *Server) handleAuthInfo(c *gin.Context) {
	var req authInfoRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" {
		abortWithCode(c, http.StatusUnprocessableEntity, 2001, "Username is required")
		return
	}
	handshake, err := srp.NewServer(s.modulus, s.account.verifier)
	if err != nil {
		abortWithCode(c, http.StatusInternalServerError, 500, err.Error())
		return
	}
	id := auth.NewToken()
	s.mu.Lock()
	s.handshakes[id] = handshake
	s.mu.Unlock()
	reply(c, gin.H{
		"Modulus":         s.signedModulus,
		"ServerEphemeral": b64(handshake.Challenge()),
		"Version":         authVersion,
		"Salt":            b64(s.account.salt),
		"SRPSession":      id,
	})
}

// verifyProof completes a handshake and returns the server proof.
func (s *Server) verifyProof(c *gin.Context, req proofRequest) ([]byte, bool) {
	s.mu.Lock()
	handshake, found := s.handshakes[req.SRPSession]
	delete(s.handshakes, req.SRPSession)
	s.mu.Unlock()

	ephemeral, errA := base64.StdEncoding.DecodeString(req.ClientEphemeral)
	proof, errP := base64.StdEncoding.DecodeString(req.ClientProof)
	if !found || errA != nil || errP != nil {
		abortWithCode(c, http.StatusUnprocessableEntity, 2001, "Invalid SRP session")
		return nil, false
	}
	serverProof, err := handshake.VerifyProof(ephemeral, proof)
	if err != nil {
		abortWithCode(c, http.StatusUnprocessableEntity, apierr.CodeWrongCredentials, "Incorrect login credentials")
		return nil, false
	}
	return serverProof, true
}

func (s *Server) handleAuth(c *gin.Context) {
	var req proofRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Username != s.account.username {
		abortWithCode(c, http.StatusUnprocessableEntity, apierr.CodeWrongCredentials, "Incorrect login credentials")
		return
	}
	serverProof, valid := s.verifyProof(c, req)
	if !valid {
		return
	}
	scopes := fullScopes
	twoFactor := gin.H{"Enabled": 0}
	if s.cfg.TwoFactorCode != "" {
		scopes = []string{"twofactor"}
		twoFactor = gin.H{"Enabled": 1, "TOTP": 1}
	}
	sess, access := s.newSession(scopes)
	reply(c, gin.H{
		"UID":          sess.uid,
		"AccessToken":  access,
		"RefreshToken": sess.refreshToken,
		"TokenType":    "Bearer",
		"Scopes":       scopes,
		"ServerProof":  b64(serverProof),
		"2FA":          twoFactor,
	})
}

func (s *Server) handleTwoFactor(c *gin.Context) {
	var req struct {
		TwoFactorCode string `json:"TwoFactorCode"`
	}
	_ = c.ShouldBindJSON(&req)
	sess := s.sessionFor(c)
	if s.cfg.TwoFactorCode == "" || req.TwoFactorCode != s.cfg.TwoFactorCode {
		s.dropSession(sess.uid)
		abortWithCode(c, http.StatusUnprocessableEntity, apierr.CodeWrongCredentials, "Incorrect code")
		return
	}
	s.mu.Lock()
	sess.scopes = slices.Clone(fullScopes)
	scopes := slices.Clone(sess.scopes)
	s.mu.Unlock()
	reply(c, gin.H{"Scopes": scopes})
}

func (s *Server) handleRefresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.GrantType != "refresh_token" || req.ResponseType != "token" {
		abortWithCode(c, http.StatusBadRequest, 2001, "Invalid refresh request")
		return
	}
	uid := c.GetHeader("x-pm-uid")
	s.mu.Lock()
	sess, found := s.sessions[uid]
	if found && sess.refreshToken != req.RefreshToken {
		found = false
	}
	if found {
		sess.refreshToken = auth.NewToken()
	}
	s.mu.Unlock()
	if !found {
		abortWithCode(c, http.StatusUnprocessableEntity, 10013, "Invalid refresh token")
		return
	}
	access := auth.NewToken()
	s.tokens.Issue(uid, access)
	s.mu.Lock()
	refresh, scopes := sess.refreshToken, slices.Clone(sess.scopes)
	s.mu.Unlock()
	reply(c, gin.H{
		"UID":          uid,
		"AccessToken":  access,
		"RefreshToken": refresh,
		"TokenType":    "Bearer",
		"Scopes":       scopes,
	})
}

func (s *Server) handleLogout(c *gin.Context) {
	s.dropSession(c.GetString("uid"))
	reply(c, nil)
}

func (s *Server) handleUnlock(c *gin.Context) {
	var req proofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithCode(c, http.StatusUnprocessableEntity, 2001, "Invalid unlock request")
		return
	}
	serverProof, valid := s.verifyProof(c, req)
	if !valid {
		return
	}
	sess := s.sessionFor(c)
	s.mu.Lock()
	for _, scope := range []string{"password", "locked"} {
		if !slices.Contains(sess.scopes, scope) {
			sess.scopes = append(sess.scopes, scope)
		}
	}
	s.mu.Unlock()
	reply(c, gin.H{"ServerProof": b64(serverProof)})
}

func (s *Server) handleFork(c *gin.Context) {
	var req forkRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ChildClientID == "" {
		abortWithCode(c, http.StatusUnprocessableEntity, 2001, "ChildClientID is required")
		return
	}
	scopes := s.scopesFor(c)
	selector := auth.NewToken()
	s.mu.Lock()
	s.forks[selector] = fork{payload: req.Payload, scopes: scopes}
	s.mu.Unlock()
	reply(c, gin.H{"Selector": selector})
}

func (s *Server) handleImportFork(c *gin.Context) {
	selector := c.Param("selector")
	s.mu.Lock()
	f, found := s.forks[selector]
	delete(s.forks, selector)
	s.mu.Unlock()
	if !found {
		abortWithCode(c, http.StatusUnprocessableEntity, 2501, "Invalid selector")
		return
	}
	sess, access := s.newSession(f.scopes)
	reply(c, gin.H{
		"UID":          sess.uid,
		"AccessToken":  access,
		"RefreshToken": sess.refreshToken,
		"Scopes":       f.scopes,
		"Payload":      f.payload,
	})
}
