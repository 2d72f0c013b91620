package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/curtailr/curtailr/pkg/log"
	"github.com/curtailr/curtailr/pkg/types"
)

const (
	maxCallbackBody   = 64 << 10
	maxCallbackAudit  = 4 << 10
	redactedHeaderVal = "[redacted]"
)

// handleVendorCallback records whatever a vendor pushes to us. Vendors call
// this without our credentials so nothing here is trusted or acted upon.
func (s *Server) handleVendorCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	v, err := types.ParseVendor(r.PathValue("vendor"))
	if err != nil {
		writeJSONError(w, "unknown vendor", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		writeJSONError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to read callback body", slog.Any("error", err))
		writeJSONError(w, "failed to read body", http.StatusBadRequest)
		return
	}

	s.recorder.Append(ctx, string(v)+"_callback", callbackMessage(r, body))
	log.Ctx(ctx).InfoContext(ctx, "vendor callback received", slog.String("vendor", string(v)), slog.Int("bodyLen", len(body)))
	writeJSON(w, struct {
		OK bool `json:"ok"`
	}{OK: true})
}

func callbackMessage(r *http.Request, body []byte) string {
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)

	headers := make([]string, 0, len(names))
	for _, name := range names {
		val := strings.Join(r.Header.Values(name), ",")
		switch name {
		case "Authorization", "Cookie":
			val = redactedHeaderVal
		}
		headers = append(headers, name+"="+val)
	}

	b := string(truncateUTF8(body, maxCallbackAudit))
	return fmt.Sprintf(
		"Callback %s %s query=%q headers=[%s] body=%s",
		r.Method, r.URL.Path, r.URL.RawQuery, strings.Join(headers, "; "), b,
	)
}

// truncateUTF8 cuts b to at most n bytes on a rune boundary and marks the cut.
func truncateUTF8(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	for n > 0 && !utf8.RuneStart(b[n]) {
		n--
	}
	return append(b[:n:n], "..."...)
}
