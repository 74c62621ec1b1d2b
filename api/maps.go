package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/masa23/quarantined/mapsync"
)

// serveMap answers GET and HEAD /api/map?map=<name>. HEAD always gets the
// validators with a 200; GET gets a 304 when every validator the client
// sent still matches.
func (s *Server) serveMap(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()

	m, ok := s.conf.Maps.LookupMap(c.QueryParam("map"))
	if !ok {
		s.metrics.MapServed.WithLabelValues("", strconv.Itoa(http.StatusNotFound)).Inc()
		return c.String(http.StatusNotFound, "Unknown map")
	}

	pub, err := s.maps.Published(ctx, m)
	if err != nil {
		s.log.ErrorContext(ctx, "cannot serve map", "map", m.Name, "error", err)
		s.metrics.MapServed.WithLabelValues(m.Name, strconv.Itoa(http.StatusInternalServerError)).Inc()
		return c.String(http.StatusInternalServerError, "Map unavailable")
	}

	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/plain")
	h.Set("ETag", `"`+pub.ETag+`"`)
	h.Set(echo.HeaderLastModified, pub.LastModified.UTC().Format(http.TimeFormat))

	status := http.StatusOK
	switch {
	case req.Method == http.MethodHead:
	case mapsync.ClientCacheIsValid(req.Header.Get("If-None-Match"), req.Header.Get("If-Modified-Since"), pub.ETag, pub.LastModified):
		status = http.StatusNotModified
	}
	s.metrics.MapServed.WithLabelValues(m.Name, strconv.Itoa(status)).Inc()

	if status != http.StatusOK || req.Method == http.MethodHead {
		return c.NoContent(status)
	}
	return c.Blob(http.StatusOK, "text/plain", pub.Body())
}
