package dispatcher

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/funnyzak/replaytap/pkg/request"
)

var errRequestBodyTooLarge = errors.New("request body exceeds configured limit")

// ServeHTTP dispatches r to the URL chosen by TargetFunc.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.ServeTarget(w, r, d.targetFunc(r))
}

// ServeTarget dispatches r as a call to target and writes the response
// exactly once.
func (d *Dispatcher) ServeTarget(w http.ResponseWriter, r *http.Request, target string) {
	start := time.Now()

	body, err := d.readRequestBody(r)
	if err != nil {
		d.handleBodyReadError(w, err)
		return
	}

	call := request.NewCall(r, target, body)
	res := d.Dispatch(r.Context(), call)
	writeResponse(w, r, res.Response)

	if d.observer == nil {
		return
	}
	latency := time.Since(start)
	d.procWG.Add(1)
	go func() {
		defer d.procWG.Done()
		defer func() {
			if rec := recover(); rec != nil {
				d.logger.Error("Recovered panic in call observer", "url", call.URL)
			}
		}()
		d.observer(call, res, latency)
	}()
}

// writeResponse writes resp. Seekable bodies go through http.ServeContent so
// Range and conditional requests work.
func writeResponse(w http.ResponseWriter, r *http.Request, resp *request.Response) {
	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = vs
	}

	if resp.Seekable && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		if h.Get("Content-Type") == "" {
			// an empty value stops ServeContent from sniffing
			h["Content-Type"] = nil
		}
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(resp.Body))
		return
	}

	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status != http.StatusNoContent && status != http.StatusNotModified {
		h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(status)
	if r.Method != http.MethodHead && len(resp.Body) > 0 && status != http.StatusNoContent {
		w.Write(resp.Body)
	}
}

func (d *Dispatcher) readRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	if d.maxBody <= 0 {
		return io.ReadAll(r.Body)
	}

	limited := io.LimitReader(r.Body, d.maxBody+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > d.maxBody {
		return nil, errRequestBodyTooLarge
	}
	return body, nil
}

func (d *Dispatcher) handleBodyReadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errRequestBodyTooLarge):
		d.logger.Warn("Request body exceeds configured limit",
			"limit_bytes", d.maxBody,
		)
		http.Error(w, "Payload Too Large", http.StatusRequestEntityTooLarge)
	default:
		d.logger.Error("Failed to read request body", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
