package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/driftline/driftline/internal/broker"
	"github.com/driftline/driftline/internal/bus"
)

// framePreamble opens the hidden-iframe document. The padding comment defeats
// proxies that buffer small initial chunks.
const framePreamble = "<!DOCTYPE html>\r\n<html>\r\n<body>\r\n<script>var f=window.parent.frame;</script>\r\n"

// ServeForeverFrame streams envelopes into a hidden iframe: each drained
// batch becomes one <script> chunk invoking the client-side receive
// function. Behavior otherwise matches the SSE adapter: one long-lived
// response, keep-alive chunks when idle, client-initiated reconnect with the
// last cursor.
func ServeForeverFrame(w http.ResponseWriter, r *http.Request, sub *bus.Subscription, br *broker.Broker, opts Options) {
	opts.defaults()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	frameID := r.URL.Query().Get("frameId")
	if frameID == "" {
		frameID = "1"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprint(w, framePreamble, paddingComment()); err != nil {
		return
	}
	flusher.Flush()

	frames := make(chan []byte, 16)
	failed := make(chan error, 1)
	ctx := r.Context()

	// Same slow-client rule as the SSE adapter: a full queue fails the
	// subscription instead of blocking the broker worker draining it.
	sub.SetDeliver(func(_ context.Context, msgs []bus.Message, cursor string) error {
		env, err := buildEnvelope(sub, msgs, cursor, &opts)
		if err != nil {
			return err
		}
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("transport: marshal envelope: %w", err)
		}
		select {
		case frames <- data:
			return nil
		default:
			return ErrSlowClient
		}
	})

	if err := br.Register(sub, func(_ *bus.Subscription, err error) {
		select {
		case failed <- err:
		default:
		}
	}); err != nil {
		return
	}
	defer br.Deregister(sub)

	if err := writeScriptChunk(w, flusher, frameID, InitEnvelope(sub.Cursor())); err != nil {
		return
	}

	keepAlive := time.NewTicker(opts.KeepAlive)
	defer keepAlive.Stop()

	fatal := func(err error) {
		if err == bus.ErrDataLost {
			writeScriptChunk(w, flusher, frameID, ResetEnvelope()) //nolint:errcheck // stream is ending either way
		} else {
			opts.Logger.Printf("transport: forever frame %s failed: %v", sub.ID, err)
		}
	}

	for {
		select {
		case data := <-frames:
			if _, err := fmt.Fprintf(w, "<script>f.receive(%q,%s);</script>\r\n", frameID, data); err != nil {
				return
			}
			flusher.Flush()
			opts.alive()
			keepAlive.Reset(opts.KeepAlive)

		case <-keepAlive.C:
			if _, err := fmt.Fprintf(w, "<script>f.keepAlive(%q);</script>\r\n", frameID); err != nil {
				return
			}
			flusher.Flush()
			opts.alive()

		case err := <-failed:
			fatal(err)
			return

		case <-sub.Done():
			select {
			case err := <-failed:
				fatal(err)
			default:
				writeScriptChunk(w, flusher, frameID, Envelope{Reconnect: true}) //nolint:errcheck // stream is ending either way
			}
			return

		case <-ctx.Done():
			return
		}
	}
}

func writeScriptChunk(w http.ResponseWriter, flusher http.Flusher, frameID string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "<script>f.receive(%q,%s);</script>\r\n", frameID, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func paddingComment() string {
	return "<!-- " + strings.Repeat("-", 250) + " -->\r\n"
}
