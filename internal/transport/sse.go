package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/driftline/driftline/internal/broker"
	"github.com/driftline/driftline/internal/bus"
)

// ServeSSE streams envelopes over a single long-lived text/event-stream
// response. Each drained batch is written as one discrete "data:" frame; a
// comment frame is emitted as keep-alive whenever the stream has been idle
// past the keep-alive window. A client whose outbound queue fills is forced
// to reconnect rather than allowed to pin a broker worker. Reconnection
// after a drop is client-initiated with the last cursor.
func ServeSSE(w http.ResponseWriter, r *http.Request, sub *bus.Subscription, br *broker.Broker, opts Options) {
	opts.defaults()

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	frames := make(chan []byte, 16)
	failed := make(chan error, 1)
	ctx := r.Context()

	// A full queue means the write loop is stuck on a stalled client. That
	// is fatal to the subscription, never a blocked broker worker: the
	// client reconnects with its last received cursor.
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
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer br.Deregister(sub)

	// First frame: confirm the stream and hand the client its cursor.
	if err := writeSSEFrame(w, flusher, InitEnvelope(sub.Cursor())); err != nil {
		return
	}

	keepAlive := time.NewTicker(opts.KeepAlive)
	defer keepAlive.Stop()

	fatal := func(err error) {
		if err == bus.ErrDataLost {
			writeSSEFrame(w, flusher, ResetEnvelope()) //nolint:errcheck // stream is ending either way
		} else {
			opts.Logger.Printf("transport: sse %s failed: %v", sub.ID, err)
		}
	}

	for {
		select {
		case data := <-frames:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			opts.alive()
			keepAlive.Reset(opts.KeepAlive)

		case <-keepAlive.C:
			// Comment frame: keeps intermediaries from timing the stream out.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
			opts.alive()

		case err := <-failed:
			fatal(err)
			return

		case <-sub.Done():
			// Torn down server-side; end the stream so the client reconnects
			// instead of listening to a dead subscription. Drain failures
			// land here too and are queued before the teardown.
			select {
			case err := <-failed:
				fatal(err)
			default:
				writeSSEFrame(w, flusher, Envelope{Reconnect: true}) //nolint:errcheck // stream is ending either way
			}
			return

		case <-ctx.Done():
			return
		}
	}
}

func writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
