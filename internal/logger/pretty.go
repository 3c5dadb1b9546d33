package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorGray   = "\033[90m"
	colorCyan   = "\033[36m"
	colorGreen  = "\033[32m"
	colorBold   = "\033[1m"
)

// PrettyHandler renders records as
//
//	[15:04:05.000] INFO  [r1/4 n0] message key=value
//
// where the bracketed tag is built from the rank attributes set by ForRank.
type PrettyHandler struct {
	opts  slog.HandlerOptions
	w     io.Writer
	mu    *sync.Mutex
	group string
	attrs []slog.Attr
	ranks rankTag
}

type rankTag struct {
	rank, size, inter int
	set               bool
}

func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &PrettyHandler{
		opts: *opts,
		w:    w,
		mu:   &sync.Mutex{},
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)

	buf = append(buf, colorGray...)
	buf = append(buf, '[')
	buf = r.Time.AppendFormat(buf, "15:04:05.000")
	buf = append(buf, ']')
	buf = append(buf, colorReset...)
	buf = append(buf, ' ')

	buf = append(buf, levelColor(r.Level)...)
	buf = append(buf, colorBold...)
	buf = append(buf, fmt.Sprintf("%-5s", r.Level.String())...)
	buf = append(buf, colorReset...)
	buf = append(buf, ' ')

	tag := h.ranks
	attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		if h.group == "" && tag.absorb(a) {
			return true
		}
		attrs = append(attrs, a)
		return true
	})

	if tag.set {
		buf = append(buf, colorGreen...)
		buf = append(buf, '[', 'r')
		buf = strconv.AppendInt(buf, int64(tag.rank), 10)
		buf = append(buf, '/')
		buf = strconv.AppendInt(buf, int64(tag.size), 10)
		buf = append(buf, ' ', 'n')
		buf = strconv.AppendInt(buf, int64(tag.inter), 10)
		buf = append(buf, ']', ' ')
		buf = append(buf, colorReset...)
	}

	buf = append(buf, r.Message...)

	if len(attrs) > 0 {
		buf = append(buf, colorCyan...)
		for _, attr := range attrs {
			buf = append(buf, ' ')
			buf = appendAttr(buf, attr, h.group)
		}
		buf = append(buf, colorReset...)
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group == "" && next.ranks.absorb(a) {
			continue
		}
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		next.group = h.group + "." + name
	} else {
		next.group = name
	}
	return &next
}

// absorb consumes rank attributes into the tag. intra_rank is dropped: it is implied by rank and node.
func (t *rankTag) absorb(a slog.Attr) bool {
	if a.Value.Kind() != slog.KindInt64 {
		return false
	}
	v := int(a.Value.Int64())
	switch a.Key {
	case KeyRank:
		t.rank, t.set = v, true
	case KeySize:
		t.size = v
	case KeyInterRank:
		t.inter = v
	case KeyIntraRank:
	default:
		return false
	}
	return true
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return colorRed
	case level >= slog.LevelWarn:
		return colorYellow
	case level >= slog.LevelInfo:
		return colorBlue
	default:
		return colorGray
	}
}

func appendAttr(buf []byte, attr slog.Attr, group string) []byte {
	key := attr.Key
	if group != "" {
		key = group + "." + key
	}
	buf = append(buf, key...)
	buf = append(buf, '=')

	v := attr.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if needsQuoting(s) {
			buf = strconv.AppendQuote(buf, s)
		} else {
			buf = append(buf, s...)
		}
	case slog.KindDuration:
		buf = append(buf, v.Duration().String()...)
	case slog.KindTime:
		buf = v.Time().AppendFormat(buf, time.RFC3339)
	case slog.KindGroup:
		buf = append(buf, '{')
		for i, a := range v.Group() {
			if i > 0 {
				buf = append(buf, ' ')
			}
			buf = appendAttr(buf, a, "")
		}
		buf = append(buf, '}')
	default:
		buf = append(buf, fmt.Sprint(v.Any())...)
	}
	return buf
}

func needsQuoting(s string) bool {
	if s == "" {
		return true
	}
	for _, c := range s {
		if c == ' ' || c == '\t' || c == '\n' || c == '"' || c == '=' {
			return true
		}
	}
	return false
}
