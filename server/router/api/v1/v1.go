package v1

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/agentruntime/internal/profile"
	apperrors "github.com/hrygo/agentruntime/server/internal/errors"
	"github.com/hrygo/agentruntime/server/internal/observability"
	apimiddleware "github.com/hrygo/agentruntime/server/middleware"
	"github.com/hrygo/agentruntime/server/service/agent"
)

// APIV1Service serves the runtime HTTP API.
type APIV1Service struct {
	Profile *profile.Profile
	Runtime *agent.Runtime
	Metrics *observability.Metrics

	limiter *apimiddleware.RateLimiter
}

func NewAPIV1Service(profile *profile.Profile, runtime *agent.Runtime, metrics *observability.Metrics) *APIV1Service {
	if metrics == nil {
		metrics = observability.GlobalMetrics()
	}
	return &APIV1Service{
		Profile: profile,
		Runtime: runtime,
		Metrics: metrics,
		limiter: apimiddleware.NewRateLimiter(profile.RateLimit, profile.RateBurst),
	}
}

// RegisterRoutes mounts the API on echoServer.
func (s *APIV1Service) RegisterRoutes(echoServer *echo.Echo) {
	echoServer.GET("/api/health", s.Health)
	echoServer.GET("/api/health/ready", s.Ready)

	api := echoServer.Group("/api",
		middleware.CORS(),
		requestContext(),
		s.authenticate,
		apimiddleware.RateLimit(s.limiter),
	)

	api.POST("/agents/register", s.RegisterAgent)
	api.DELETE("/agents/:agentId", s.UnregisterAgent)
	api.GET("/agents/:agentId", s.GetAgent)
	api.GET("/agents", s.ListAgents)

	api.POST("/sessions/create", s.CreateSession)
	api.POST("/sessions/:sessionId/end", s.EndSession)
	api.GET("/sessions/:sessionId", s.GetSession)
	api.POST("/sessions/:sessionId/token", s.IssueToken)

	api.GET("/metrics/agent/:agentId", s.GetAgentMetrics)
	api.GET("/metrics/tenant/:tenantId", s.GetTenantMetrics)
	api.GET("/metrics/session/:sessionId", s.GetSessionMetrics)
	api.GET("/metrics/runtime", s.GetRuntimeMetrics)
}

// authenticate requires "Authorization: Bearer <key>" when an API key is configured.
func (s *APIV1Service) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.Profile.APIKey == "" {
			return next(c)
		}
		token, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.Profile.APIKey)) != 1 {
			return writeError(c, apperrors.Unauthorized("missing or invalid API key"))
		}
		return next(c)
	}
}

// requestContext attaches a RequestContext and logs each request once it completes.
func requestContext() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			reqCtx := observability.NewRequestContextWithID(slog.Default(),
				req.Header.Get(echo.HeaderXRequestID), req.Method+" "+c.Path())
			c.Response().Header().Set(echo.HeaderXRequestID, reqCtx.RequestID)
			c.SetRequest(req.WithContext(observability.WithRequestContext(req.Context(), reqCtx)))

			err := next(c)

			status := c.Response().Status
			attrs := []slog.Attr{slog.Int("status", status)}
			if status >= http.StatusInternalServerError {
				reqCtx.Warn("request failed", attrs...)
			} else {
				reqCtx.Debug("request completed", attrs...)
			}
			return err
		}
	}
}

// writeError renders err as {"error": ..., "code": ...} with the status of its code.
func writeError(c echo.Context, err error) error {
	code := apperrors.ErrCodeInternal
	message := "internal error"
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		code = appErr.Code
		message = appErr.Message
	}
	if code.HTTPStatus() >= http.StatusInternalServerError {
		if reqCtx, ok := observability.FromContext(c.Request().Context()); ok {
			reqCtx.Error("request error", err)
		} else {
			slog.Error("request error", slog.String("error", err.Error()))
		}
	}
	return c.JSON(code.HTTPStatus(), map[string]string{
		"error": message,
		"code":  string(code),
	})
}

func badRequest(c echo.Context, msg string) error {
	return writeError(c, apperrors.InvalidArgument(msg))
}
