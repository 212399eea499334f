package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"safechat/server/internal/auth"
	"safechat/server/internal/blob"
	"safechat/server/internal/directory"
	"safechat/server/internal/protocol"
	"safechat/server/internal/router"
	"safechat/server/internal/store"
	"safechat/server/internal/ws"
)

// Server is the Echo application fronting the chat core: the websocket
// endpoint plus liveness, admin, and backup-download routes.
type Server struct {
	echo  *echo.Echo
	dir   *directory.Directory
	store *store.Store
	auth  *auth.Manager
	blobs *blob.Store
	rt    *router.Router
}

// New constructs the Echo app and mounts every route. The context bounds the
// websocket sessions the app accepts.
func New(ctx context.Context, rt *router.Router, dir *directory.Directory,
	st *store.Store, am *auth.Manager, blobs *blob.Store, codec *protocol.Codec) *Server {

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogMethod: true,
		LogURI:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))

	s := &Server{echo: e, dir: dir, store: st, auth: am, blobs: blobs, rt: rt}
	s.registerRoutes(ctx, codec)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes(ctx context.Context, codec *protocol.Codec) {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/state", s.handleState)
	s.echo.GET("/api/stats", s.handleStats)
	if s.blobs != nil {
		s.echo.GET("/api/backups/:id", s.handleBackupDownload)
	}
	ws.NewHandler(ctx, s.rt, codec).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: s.dir.ConnCount(),
	})
}

type endpointView struct {
	IP        string `json:"ip,omitempty"`
	Port      int    `json:"port,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
}

type onlineUser struct {
	UserID   int64         `json:"user_id"`
	Username string        `json:"username"`
	Endpoint *endpointView `json:"endpoint,omitempty"`
}

type stateResponse struct {
	Connections []directory.ConnInfo `json:"connections"`
	Online      []onlineUser         `json:"online"`
}

func (s *Server) handleState(c echo.Context) error {
	conns := s.dir.Snapshot()

	seen := make(map[int64]bool, len(conns))
	online := make([]onlineUser, 0, len(conns))
	for _, ci := range conns {
		if ci.UserID == 0 || seen[ci.UserID] {
			continue
		}
		seen[ci.UserID] = true
		u := onlineUser{UserID: ci.UserID, Username: ci.Username}
		if ep, ok := s.dir.Endpoint(ci.UserID); ok {
			u.Endpoint = &endpointView{
				IP:        ep.IP,
				Port:      ep.Port,
				PublicKey: ep.PublicKey,
				UpdatedAt: ep.UpdatedAt,
			}
		}
		online = append(online, u)
	}

	return c.JSON(http.StatusOK, stateResponse{Connections: conns, Online: online})
}

type storeTotals struct {
	Users    int `json:"users"`
	Messages int `json:"messages"`
	Groups   int `json:"groups"`
	Sessions int `json:"sessions"`
}

type statsResponse struct {
	Router      router.Stats `json:"router"`
	Connections int          `json:"connections"`
	OnlineUsers int          `json:"online_users"`
	Totals      storeTotals  `json:"totals"`
}

func (s *Server) handleStats(c echo.Context) error {
	var t storeTotals
	var err error
	if t.Users, err = s.store.CountUsers(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("count users: %v", err))
	}
	if t.Messages, err = s.store.CountMessages(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("count messages: %v", err))
	}
	if t.Groups, err = s.store.CountGroups(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("count groups: %v", err))
	}
	if t.Sessions, err = s.store.CountSessions(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("count sessions: %v", err))
	}

	return c.JSON(http.StatusOK, statsResponse{
		Router:      s.rt.Stats(),
		Connections: s.dir.ConnCount(),
		OnlineUsers: len(s.dir.OnlineUserIDs()),
		Totals:      t,
	})
}

// handleBackupDownload streams a stored backup to its owner or the peer it
// was addressed to. Unlike websocket traffic, this route runs outside any
// connection state, so it verifies the session token on every request.
func (s *Server) handleBackupDownload(c echo.Context) error {
	token := sessionToken(c)
	if token == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "session token required")
	}
	user, err := s.auth.Authenticate(token)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired session")
	}

	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "backup id is required")
	}

	meta, f, err := s.blobs.Open(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "backup not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("open backup: %v", err))
	}
	defer f.Close()

	if meta.UserID != user.ID && meta.DestID != user.ID {
		return echo.NewHTTPError(http.StatusForbidden, "backup belongs to another account")
	}

	c.Response().Header().Set(echo.HeaderContentType, "application/octet-stream")
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(meta.Size, 10))
	c.Response().Header().Set(
		echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="backup-%s.bin"`, meta.ID),
	)
	c.Response().WriteHeader(http.StatusOK)
	_, copyErr := io.Copy(c.Response().Writer, f)
	return copyErr
}

// sessionToken pulls the session token from the Authorization header or the
// token query parameter.
func sessionToken(c echo.Context) string {
	h := c.Request().Header.Get(echo.HeaderAuthorization)
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return strings.TrimSpace(c.QueryParam("token"))
}
