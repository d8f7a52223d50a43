// Package gateway hosts the single websocket endpoint, authenticates
// connections and routes client control messages.
package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errNoSubject = errors.New("token carries no subject")

// Server exposes GET /ws and nothing else.
type Server struct {
	router    *Router
	log       *zap.Logger
	jwtSecret string
	baseCtx   context.Context
	upgrader  websocket.Upgrader
}

// NewServer builds the websocket server. Client sessions outlive their HTTP
// upgrade request, so they run under baseCtx rather than the request context.
// An empty jwtSecret disables token verification; every client then connects
// anonymously.
func NewServer(baseCtx context.Context, router *Router, log *zap.Logger, jwtSecret string) *Server {
	return &Server{
		router:    router,
		log:       log,
		jwtSecret: jwtSecret,
		baseCtx:   baseCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes builds the gin engine: the ws path plus a 404 for everything else.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/ws", s.handleWS)
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return engine
}

func (s *Server) handleWS(c *gin.Context) {
	userID, err := s.authenticate(c.Query("token"))
	if err != nil {
		s.log.Warn("rejected ws connection", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	client := newClient(conn, userID, s.log)
	go s.router.Serve(s.baseCtx, client)
}

// authenticate verifies an optional HS256 token issued by the external auth
// service and extracts the user identity from it.
func (s *Server) authenticate(token string) (string, error) {
	if s.jwtSecret == "" || token == "" {
		return "", nil
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(s.jwtSecret), nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errNoSubject
	}
	if sub, _ := claims["sub"].(string); sub != "" {
		return sub, nil
	}
	if uid, _ := claims["user_id"].(string); uid != "" {
		return uid, nil
	}
	return "", errNoSubject
}
