// Package api provides a small read-only HTTP status/debug surface over
// a running node: peer list, pending deliveries, and identity lookups.
// It is an operational addition in the teacher's own style (not part of
// spec.md's application surface), grounded on
// pkg/meshstorage/api/server.go's Server/Config/NewServer shape and
// middleware.go's CORS/logging middleware, generalized from a mesh-
// storage REST API (upload/download/chunk status) to bitchat's much
// smaller read-only surface: every handler here only ever reads core
// state, never mutates it.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Latticeworks1/bitchat/pkg/identity"
	"github.com/Latticeworks1/bitchat/pkg/node"
)

// Config holds server configuration, mirroring
// pkg/meshstorage/api/server.go's Config.
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:         8088,
		EnableCORS:   true,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the HTTP status/debug API server for one node.
type Server struct {
	node       *node.Node
	router     *gin.Engine
	port       int
	httpServer *http.Server
}

// NewServer creates a new HTTP API server over n.
func NewServer(n *node.Node, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(loggingMiddleware())
	if config.EnableCORS {
		router.Use(corsMiddleware())
	}

	s := &Server{node: n, router: router, port: config.Port}
	s.setupRoutes()
	return s
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fmt.Printf("%d | %s %s | %v\n", c.Writer.Status(), c.Request.Method, c.Request.URL.Path, time.Since(start))
	}
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/peers", s.handlePeers)
		v1.GET("/identities/:fingerprint", s.handleIdentity)
		v1.GET("/deliveries/pending", s.handlePendingDeliveries)
	}
	s.router.GET("/health", s.handleHealth)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	counters := s.node.Router().Counters
	c.JSON(http.StatusOK, gin.H{
		"peer_id":         fmt.Sprintf("%x", s.node.MyPeerID()),
		"nickname":        s.node.Nickname(),
		"peer_count":      len(s.node.PeerList()),
		"pending_count":   s.node.Tracker().PendingCount(),
		"packets_parsed":  counters.Parsed,
		"packets_relayed": counters.Relayed,
		"dedup_dropped":   counters.DedupDropped,
		"parse_errors":    counters.ParseErrors,
	})
}

func (s *Server) handlePeers(c *gin.Context) {
	peers := s.node.PeerList()
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = fmt.Sprintf("%x", p)
	}
	c.JSON(http.StatusOK, gin.H{"peers": out})
}

func (s *Server) handleIdentity(c *gin.Context) {
	fp := identity.Fingerprint(c.Param("fingerprint"))
	id := s.node.IdentityStore().GetSocialIdentity(fp)
	c.JSON(http.StatusOK, gin.H{
		"fingerprint":      id.Fingerprint,
		"local_petname":    id.LocalPetname,
		"claimed_nickname": id.ClaimedNickname,
		"trust_level":      id.TrustLevel.String(),
		"is_favorite":      id.IsFavorite,
		"is_blocked":       id.IsBlocked,
	})
}

func (s *Server) handlePendingDeliveries(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending_count": s.node.Tracker().PendingCount()})
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully, mirroring pkg/meshstorage/api/server.go:Start.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
