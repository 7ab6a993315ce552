package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/journal"
)

// journalIdentifier tags every record so journalctl -t llmpool finds them.
const journalIdentifier = "llmpool"

// JournalHandler forwards slog records to the systemd journal with native
// priorities, so journalctl level filters work on server logs.
type JournalHandler struct {
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string // uppercased group path with trailing underscore
}

// NewJournalHandler creates a journal handler at the given level.
func NewJournalHandler(level slog.Leveler) *JournalHandler {
	return &JournalHandler{level: level}
}

// Enabled reports whether the handler handles records at the given level.
func (h *JournalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle sends the record to the journal. MESSAGE and PRIORITY travel as
// Send arguments; the vars map carries only the identifier and attributes.
func (h *JournalHandler) Handle(_ context.Context, r slog.Record) error {
	vars := map[string]string{"SYSLOG_IDENTIFIER": journalIdentifier}
	for _, attr := range h.attrs {
		putField(vars, h.prefix, attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		putField(vars, h.prefix, attr)
		return true
	})

	if err := journal.Send(r.Message, priorityFor(r.Level), vars); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to send to journal: %v\n", err)
		return err
	}
	return nil
}

// WithAttrs returns a new handler with additional attributes.
func (h *JournalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &JournalHandler{level: h.level, attrs: merged, prefix: h.prefix}
}

// WithGroup returns a new handler whose fields carry the group as a key prefix.
func (h *JournalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &JournalHandler{
		level:  h.level,
		attrs:  h.attrs,
		prefix: h.prefix + strings.ToUpper(name) + "_",
	}
}

// priorityFor maps slog levels onto syslog priorities.
func priorityFor(level slog.Level) journal.Priority {
	switch {
	case level >= slog.LevelError:
		return journal.PriErr
	case level >= slog.LevelWarn:
		return journal.PriWarning
	case level >= slog.LevelInfo:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}

// putField stores one attribute as an uppercased journal field. Groups
// flatten into underscore-joined key prefixes.
func putField(vars map[string]string, prefix string, attr slog.Attr) {
	if attr.Equal(slog.Attr{}) {
		return
	}
	key := prefix + strings.ToUpper(attr.Key)

	v := attr.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		vars[key] = v.String()
	case slog.KindInt64:
		vars[key] = strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		vars[key] = strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		vars[key] = strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		vars[key] = strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		vars[key] = v.Duration().String()
	case slog.KindTime:
		vars[key] = v.Time().Format(time.RFC3339Nano)
	case slog.KindGroup:
		for _, a := range v.Group() {
			putField(vars, key+"_", a)
		}
	default:
		vars[key] = v.String()
	}
}

// IsJournalAvailable reports whether the journal socket accepts writes.
func IsJournalAvailable() bool {
	return journal.Enabled()
}
