// Package api is the HTTP front of the daemon: the scanner posts scan
// results to it and pulls map files from it.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/masa23/quarantined/config"
	"github.com/masa23/quarantined/mailope"
	"github.com/masa23/quarantined/mapsync"
	"github.com/masa23/quarantined/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const bodyLimit = "64M"

type Server struct {
	echo     *echo.Echo
	conf     *config.Config
	pipeline *mailope.Pipeline
	maps     *mapsync.Service
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func New(conf *config.Config, p *mailope.Pipeline, maps *mapsync.Service, log *slog.Logger, m *metrics.Metrics, g prometheus.Gatherer) (*Server, error) {
	allow, err := allowIPs(conf.Auth.AllowedIPs)
	if err != nil {
		return nil, err
	}

	s := &Server{conf: conf, pipeline: p, maps: maps, log: log, metrics: m}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	// the allow-list must see the peer, not a forwarded header
	e.IPExtractor = echo.ExtractIPDirect()
	e.Use(requestLogger(log))
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(bodyLimit))

	// ルーティング
	gate := []echo.MiddlewareFunc{allow}
	if conf.Auth.User != "" {
		gate = append(gate, basicAuth(conf.Auth))
	}
	e.POST("/api/ingest", s.ingest, gate...)
	e.Match([]string{http.MethodGet, http.MethodHead}, "/api/map", s.serveMap, gate...)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{})), allow)

	s.echo = e
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	s.log.Info("listening", "addr", s.conf.Listen)
	return s.echo.Start(s.conf.Listen)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func requestLogger(log *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogMethod:   true,
		LogURI:      true,
		LogRemoteIP: true,
		LogLatency:  true,
		LogError:    true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.String("remote_ip", v.RemoteIP),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			log.LogAttrs(c.Request().Context(), slog.LevelDebug, "request", attrs...)
			return nil
		},
	})
}

func basicAuth(conf config.Auth) echo.MiddlewareFunc {
	return middleware.BasicAuth(func(user, password string, c echo.Context) (bool, error) {
		okUser := subtle.ConstantTimeCompare([]byte(user), []byte(conf.User)) == 1
		okPass := subtle.ConstantTimeCompare([]byte(password), []byte(conf.Password)) == 1
		return okUser && okPass, nil
	})
}

// allowIPs admits peers inside one of the listed addresses or prefixes. An
// empty list admits everyone.
func allowIPs(list []string) (echo.MiddlewareFunc, error) {
	var prefixes []netip.Prefix
	for _, s := range list {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("invalid allowed ip %q: %w", s, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed ip %q: %w", s, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(a, a.BitLen()))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if len(prefixes) == 0 {
				return next(c)
			}
			addr, err := netip.ParseAddr(c.RealIP())
			if err == nil {
				addr = addr.Unmap()
				for _, p := range prefixes {
					if p.Contains(addr) {
						return next(c)
					}
				}
			}
			return c.String(http.StatusForbidden, "Forbidden")
		}
	}, nil
}
