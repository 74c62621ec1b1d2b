package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/masa23/quarantined/mailope"
)

func (s *Server) ingest(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()
	env := mailope.Env{
		RemoteIP: c.RealIP(),
		Method:   req.Method,
		Path:     req.URL.Path,
		Headers:  req.Header.Clone(),
	}

	var err error
	if isMultipart(req.Header.Get(echo.HeaderContentType)) {
		metadata, message, perr := readMultipart(c)
		if perr != nil {
			err = s.pipeline.Reject(ctx, perr, env)
		} else {
			_, err = s.pipeline.IngestMultipart(ctx, metadata, message, env)
		}
	} else {
		body, rerr := io.ReadAll(req.Body)
		if rerr != nil {
			err = s.pipeline.Reject(ctx, fmt.Errorf("read body: %w", rerr), env)
		} else {
			_, err = s.pipeline.IngestHeaders(ctx, req.Header, body, env)
		}
	}
	if err != nil {
		return failure(c, err)
	}
	return c.String(http.StatusOK, mailope.MsgSaved)
}

func failure(c echo.Context, err error) error {
	var perr *mailope.Error
	if errors.As(err, &perr) {
		return c.String(perr.Status, perr.Message)
	}
	return c.String(http.StatusInternalServerError, mailope.MsgUnexpected)
}

func isMultipart(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "multipart/form-data"
}

// readMultipart returns the metadata field and the message file. Either
// may also arrive as the other kind of part.
func readMultipart(c echo.Context) (metadata, message []byte, err error) {
	form, err := c.MultipartForm()
	if err != nil {
		return nil, nil, fmt.Errorf("parse multipart form: %w", err)
	}
	if metadata, err = formPart(form.Value["metadata"], c, "metadata"); err != nil {
		return nil, nil, err
	}
	if metadata == nil {
		return nil, nil, errors.New("metadata part missing")
	}
	if message, err = formPart(form.Value["message"], c, "message"); err != nil {
		return nil, nil, err
	}
	return metadata, message, nil
}

func formPart(values []string, c echo.Context, name string) ([]byte, error) {
	fh, err := c.FormFile(name)
	if err == nil {
		fd, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s part: %w", name, err)
		}
		defer fd.Close()
		buf, err := io.ReadAll(fd)
		if err != nil {
			return nil, fmt.Errorf("read %s part: %w", name, err)
		}
		return buf, nil
	}
	if !errors.Is(err, http.ErrMissingFile) {
		return nil, fmt.Errorf("read %s part: %w", name, err)
	}
	if len(values) > 0 {
		return []byte(values[0]), nil
	}
	return nil, nil
}
