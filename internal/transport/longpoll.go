package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/driftline/driftline/internal/broker"
	"github.com/driftline/driftline/internal/bus"
)

// errPollTaken is returned from the delivery callback when a second drain
// races the single in-flight poll response. It is fatal to the (per-poll)
// subscription, which is about to be discarded anyway.
var errPollTaken = errors.New("transport: long poll response already taken")

type pollResult struct {
	env Envelope
	err error
}

// ServeLongPoll holds one poll request open until the subscription drains,
// the poll timeout elapses (empty response), or the client goes away. The
// caller owns the subscription's lifecycle; exactly one poll may be in
// flight per subscription.
func ServeLongPoll(w http.ResponseWriter, r *http.Request, sub *bus.Subscription, br *broker.Broker, opts Options) {
	opts.defaults()

	// The cursor as of poll start. A drain can race the poll timer: it
	// advances the subscription's cursor the moment its batch is queued, so
	// an empty response must echo the starting cursor or the client would
	// resume past a batch it never received.
	start := sub.Cursor()

	results := make(chan pollResult, 1)
	sub.SetDeliver(func(ctx context.Context, msgs []bus.Message, cursor string) error {
		env, err := buildEnvelope(sub, msgs, cursor, &opts)
		if err != nil {
			return err
		}
		select {
		case results <- pollResult{env: env}:
			return nil
		default:
			return errPollTaken
		}
	})

	if err := br.Register(sub, func(_ *bus.Subscription, err error) {
		select {
		case results <- pollResult{err: err}:
		default:
		}
	}); err != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer br.Deregister(sub)

	timer := time.NewTimer(opts.PollTimeout)
	defer timer.Stop()

	respond := func(res pollResult) {
		if res.err != nil {
			if errors.Is(res.err, bus.ErrDataLost) {
				writeEnvelope(w, ResetEnvelope(), opts)
				return
			}
			opts.Logger.Printf("transport: long poll %s failed: %v", sub.ID, res.err)
			http.Error(w, "subscription failed", http.StatusInternalServerError)
			return
		}
		writeEnvelope(w, res.env, opts)
	}

	select {
	case res := <-results:
		respond(res)
	case <-timer.C:
		// Poll timeout: empty response, client reissues immediately.
		writeEnvelope(w, Envelope{Cursor: start}, opts)
	case <-sub.Done():
		// Torn down server-side. A drain failure queues its result before
		// the teardown; prefer it, otherwise tell the client to come back
		// with the cursor it started from.
		select {
		case res := <-results:
			respond(res)
		default:
			writeEnvelope(w, Envelope{Cursor: start, Reconnect: true}, opts)
		}
	case <-r.Context().Done():
		// Client gave up; nothing to write.
	}
}

func writeEnvelope(w http.ResponseWriter, env Envelope, opts Options) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(env); err != nil {
		opts.Logger.Printf("transport: long poll write failed: %v", err)
	}
}
