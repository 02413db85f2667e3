package httptransport

import (
	"io"
	"net/http"

	"github.com/quay/zlog"

	"github.com/wheelsproxy/wheelsproxy/libresolve"
)

// maxRequirementsSize bounds compile and resolve request bodies.
const maxRequirementsSize = 1 << 20

// compile turns a requirements.in body into a pinned lock file.
func (h *HTTP) compile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	indexes, platform, ok := h.scope(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequirementsSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out, err := h.resolver.Compile(ctx, indexes, platform, string(body))
	switch {
	case libresolve.IsUserError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		zlog.Error(ctx).Err(err).Msg("compile failed")
		internalError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(out))
}

// resolve maps a pinned requirements body to artifact URLs, one per line.
func (h *HTTP) resolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	indexes, platform, ok := h.scope(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequirementsSize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	out, err := h.resolver.Resolve(ctx, indexes, platform, string(body))
	switch {
	case libresolve.IsUserError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		zlog.Error(ctx).Err(err).Msg("resolve failed")
		internalError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(out))
}
