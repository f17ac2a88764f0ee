/*
Package logging configures structured logging for the server.

Records are JSON (log/slog). When the output is a terminal each record is
wrapped in an ANSI color chosen by level so warnings and errors stand out
during local runs; redirected output stays plain JSON.
*/
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/term"
)

const (
	colorBlue   = "\033[34m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorReset  = "\033[0m"
)

// ColorHandler wraps a JSON handler and colors whole records by level.
type ColorHandler struct {
	slog.Handler
	out     io.Writer
	mu      *sync.Mutex
	colored bool
}

// NewColorHandler colors output only when out is a terminal.
func NewColorHandler(out io.Writer, opts *slog.HandlerOptions) *ColorHandler {
	colored := false
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		colored = true
	}
	return &ColorHandler{
		Handler: slog.NewJSONHandler(out, opts),
		out:     out,
		mu:      &sync.Mutex{},
		colored: colored,
	}
}

func (h *ColorHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.colored {
		return h.Handler.Handle(ctx, r)
	}

	color := levelColor(r.Level)
	h.mu.Lock()
	defer h.mu.Unlock()
	if color != "" {
		io.WriteString(h.out, color)
		defer io.WriteString(h.out, colorReset)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ColorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorHandler{Handler: h.Handler.WithAttrs(attrs), out: h.out, mu: h.mu, colored: h.colored}
}

func (h *ColorHandler) WithGroup(name string) slog.Handler {
	return &ColorHandler{Handler: h.Handler.WithGroup(name), out: h.out, mu: h.mu, colored: h.colored}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return colorRed
	case l >= slog.LevelWarn:
		return colorYellow
	case l < slog.LevelInfo:
		return colorBlue
	}
	return ""
}

// ParseLevel maps debug, info, warn and error to slog levels. Anything else
// is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New builds a logger writing to out and installs it as the slog default.
func New(out io.Writer, level string) *slog.Logger {
	logger := slog.New(NewColorHandler(out, &slog.HandlerOptions{Level: ParseLevel(level)}))
	slog.SetDefault(logger)
	return logger
}

// Middleware logs one record per request with status, size and duration.
func Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(r.Context(), level, "request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
				slog.Int("status", status),
				slog.Int("size", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
