package inspector

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wilhg/rewind/pkg/action"
	"github.com/wilhg/rewind/pkg/errmodel"
	"github.com/wilhg/rewind/pkg/history"
	"github.com/wilhg/rewind/pkg/state"
	"github.com/wilhg/rewind/pkg/store"
)

// KeepAlive is the interval of SSE comment frames on idle streams.
var KeepAlive = 30 * time.Second

// CommitView is the wire form of a commit or jump outcome.
type CommitView struct {
	Sequence  int64          `json:"sequence"`
	Action    action.Action  `json:"action"`
	Snapshot  state.Snapshot `json:"snapshot"`
	Diff      state.Diff     `json:"diff,omitempty"`
	Discarded int            `json:"discarded,omitempty"`
}

func viewOf(c store.Commit) CommitView {
	return CommitView{Sequence: c.Sequence, Action: c.Action, Snapshot: c.Post, Diff: c.Diff, Discarded: c.Discarded}
}

// StateView is the wire form of GET /state.
type StateView struct {
	Cursor   int64          `json:"cursor"`
	Len      int            `json:"len"`
	Snapshot state.Snapshot `json:"snapshot"`
}

// JumpRequest is the body of POST /jump.
type JumpRequest struct {
	Sequence *int64 `json:"sequence"`
}

// DispatchRequest is the body of POST /dispatch. When Slice is set the
// slice's setter is dispatched with Value and Type is ignored.
type DispatchRequest struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	Slice   string         `json:"slice,omitempty"`
	Value   any            `json:"value,omitempty"`
}

// NewHandler returns the inspector HTTP API wrapped with otelhttp.
func NewHandler(in *Inspector) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /state", func(w http.ResponseWriter, _ *http.Request) {
		v := in.State()
		writeJSON(w, http.StatusOK, StateView{Cursor: v.Cursor, Len: v.Len, Snapshot: v.Snapshot})
	})
	mux.HandleFunc("GET /history", func(w http.ResponseWriter, r *http.Request) {
		f, err := history.ParseFormat(r.URL.Query().Get("format"))
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		w.Header().Set("Content-Type", f.ContentType())
		if err := history.Encode(w, f, in.History()); err != nil {
			in.log.Error().Err(err).Msg("encode history")
		}
	})
	mux.HandleFunc("POST /jump", func(w http.ResponseWriter, r *http.Request) {
		var req JumpRequest
		if err := decode(r, &req); err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		if req.Sequence == nil {
			errmodel.WriteHTTP(w, r, errmodel.Validation("missing_sequence", "sequence is required", nil))
			return
		}
		c, err := in.Jump(r.Context(), *req.Sequence)
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(c))
	})
	mux.HandleFunc("POST /dispatch", func(w http.ResponseWriter, r *http.Request) {
		var req DispatchRequest
		if err := decode(r, &req); err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		var (
			c   store.Commit
			err error
		)
		if req.Slice != "" {
			c, err = in.Set(r.Context(), req.Slice, req.Value)
		} else {
			c, err = in.Dispatch(r.Context(), action.New(req.Type, req.Payload))
		}
		if err != nil {
			errmodel.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(c))
	})
	mux.HandleFunc("GET /timeline", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, in.Timeline())
	})
	mux.HandleFunc("DELETE /timeline", func(w http.ResponseWriter, _ *http.Request) {
		in.ClearTimeline()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /events", in.serveEvents)
	return otelhttp.NewHandler(mux, "inspector")
}

// serveEvents streams store events as server-sent events. The first frame is
// the current state so a client can render before the next commit.
func (in *Inspector) serveEvents(w http.ResponseWriter, r *http.Request) {
	sub := in.Subscribe(0)
	defer sub.Close()
	v := in.State()
	streamEvents(w, r, in.log, StateView{Cursor: v.Cursor, Len: v.Len, Snapshot: v.Snapshot}, sub.C(),
		func(ev store.Event) string { return string(ev.Kind) })
}

// streamEvents writes first as a "state" frame, then every value of ch
// until the client leaves or ch closes.
func streamEvents[E any](w http.ResponseWriter, r *http.Request, log zerolog.Logger, first any, ch <-chan E, name func(E) string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		errmodel.WriteHTTP(w, r, errmodel.System("streaming_unsupported", "response writer cannot flush", nil, nil))
		return
	}
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		log.Debug().Err(err).Msg("sse: could not clear write deadline")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := writeEvent(w, "state", first); err != nil {
		return
	}
	flusher.Flush()
	log.Debug().Str("remote_addr", r.RemoteAddr).Msg("sse client connected")

	keepAlive := time.NewTicker(KeepAlive)
	defer keepAlive.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("remote_addr", r.RemoteAddr).Msg("sse client disconnected")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := writeEvent(w, name(ev), ev); err != nil {
				log.Debug().Err(err).Msg("sse write failed")
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			_, _ = fmt.Fprintf(w, ": keepalive %d\n\n", time.Now().Unix())
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errmodel.Validation("bad_json", "request body is not valid JSON", map[string]any{"error": err.Error()})
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
