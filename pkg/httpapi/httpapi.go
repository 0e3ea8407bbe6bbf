// Package httpapi realizes the broker's public and management HTTP
// surfaces. Routing itself is out of scope for the broker's core
// semantics; this package binds chi, the router the rest of the
// retrieved corpus reaches for, to the contract spec.md describes.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/d71dev/megaphone/pkg/agent"
	"github.com/d71dev/megaphone/pkg/apperrors"
	"github.com/d71dev/megaphone/pkg/broker"
	"github.com/d71dev/megaphone/pkg/channelid"
	"github.com/d71dev/megaphone/pkg/log"
	"github.com/d71dev/megaphone/pkg/metrics"
	"github.com/d71dev/megaphone/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// errorEnvelope is the wire shape of every non-2xx response.
type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ndjsonEvent is one line of a /read/{channel} NDJSON response body.
type ndjsonEvent struct {
	StreamID  string          `json:"sid"`
	EventID   string          `json:"eid"`
	Timestamp time.Time       `json:"ts"`
	Body      json.RawMessage `json:"body"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperrors.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(errorEnvelope{Code: string(kind), Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// metricsMiddleware records per-route request counts and latency,
// mirroring the teacher's reconcile-timer idiom applied to HTTP routes.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		timer.ObserveDurationVec(metrics.HTTPRequestDuration, route)
		metrics.HTTPRequestsTotal.WithLabelValues(route, http.StatusText(ww.Status())).Inc()
	})
}

// CORSOptions configures the public surface's CORS posture: permissive by
// default since producers/consumers are not authenticated (spec.md
// Non-goals).
type CORSOptions struct {
	AllowedOrigins []string
}

func cors(opts CORSOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := false
			for _, o := range opts.AllowedOrigins {
				if o == "*" || o == origin {
					allowed = true
					break
				}
			}
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PublicRouter builds the producer/consumer-facing surface: create,
// write, write-batch, read, and existence check.
func PublicRouter(b *broker.Broker, corsOpts CORSOptions) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(cors(corsOpts))

	r.Post("/create", handleCreate(b))
	r.Post("/write/{channel}/{stream}", handleWrite(b))
	r.Post("/write-batch", handleWriteBatch(b))
	r.Get("/read/{channel}", handleRead(b))
	r.Post("/channelsExists", handleChannelsExists(b))
	r.Handle("/metrics", metrics.Handler())

	return r
}

// ManagementRouter builds the operator surface served on the management
// Unix socket and the pod-internal TCP port: vagent lifecycle and channel
// inspection/deletion.
func ManagementRouter(reg *agent.Registry, b *broker.Broker) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	r.Get("/vagent/list", handleVagentList(reg, b))
	r.Post("/vagent/add", handleVagentAdd(reg))
	r.Post("/vagent/pipe", handleVagentPipe(reg))
	r.Get("/channel/list", handleChannelList(b))
	r.Delete("/channel/{id}", handleChannelDelete(b))

	return r
}

type createRequest struct {
	Protocols []string `json:"protocols"`
}

type createResponse struct {
	ChannelID        string   `json:"channelId"`
	AgentName        string   `json:"agentName"`
	ProducerAddress  string   `json:"producerAddress"`
	ConsumerAddress  string   `json:"consumerAddress"`
	Protocols        []string `json:"protocols"`
}

func handleCreate(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, apperrors.NewBadRequest("malformed JSON body"))
				return
			}
		}

		agentName, consumer, producer, accepted, err := b.CreateChannel(req.Protocols)
		if err != nil {
			writeError(w, err)
			return
		}
		// The consumer full-ID doubles as the channel's public identifier:
		// it's what /read/{channel}, /channelsExists and /channel/{id}
		// resolve against.
		writeJSON(w, http.StatusCreated, createResponse{
			ChannelID:       consumer,
			AgentName:       agentName,
			ProducerAddress: producer,
			ConsumerAddress: consumer,
			Protocols:       accepted,
		})
	}
}

func handleWrite(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel := chi.URLParam(r, "channel")
		stream := chi.URLParam(r, "stream")

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, apperrors.NewBadRequest("failed to read request body"))
			return
		}
		if !json.Valid(body) {
			writeError(w, apperrors.NewBadRequest("malformed JSON body"))
			return
		}

		event, err := newEvent(stream, body)
		if err != nil {
			writeError(w, err)
			return
		}

		if err := b.WriteIntoChannel(channel, event); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"status": "OK"})
	}
}

// writeMessage is one entry of a /write-batch request's shared messages
// list; event_id is always minted server-side, matching a single write.
type writeMessage struct {
	StreamID string          `json:"streamId"`
	Body     json.RawMessage `json:"body"`
}

type writeBatchRequest struct {
	Channels []string       `json:"channels"`
	Messages []writeMessage `json:"messages"`
}

type writeBatchFailure struct {
	Channel string `json:"channel"`
	Index   int    `json:"index"`
	Reason  string `json:"reason"`
}

func handleWriteBatch(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req writeBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.NewBadRequest("malformed JSON body"))
			return
		}

		// The same ordered messages list is broadcast into every channel
		// in req.Channels, so each message is minted into an event exactly
		// once and then replayed unchanged across channels.
		events := make([]types.Event, len(req.Messages))
		for i, m := range req.Messages {
			event, err := newEvent(m.StreamID, m.Body)
			if err != nil {
				writeError(w, err)
				return
			}
			events[i] = event
		}

		var out []writeBatchFailure
		for _, f := range b.WriteBatchIntoChannels(req.Channels, events) {
			out = append(out, writeBatchFailure{Channel: f.Channel, Index: f.Index, Reason: string(f.Reason)})
		}
		writeJSON(w, http.StatusCreated, map[string][]writeBatchFailure{"failures": out})
	}
}

func handleRead(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel := chi.URLParam(r, "channel")

		lease, err := b.ReadChannel(channel)
		if err != nil {
			writeError(w, err)
			return
		}
		defer lease.Release()

		metrics.ReadStreamsActive.Inc()
		defer metrics.ReadStreamsActive.Dec()

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher, canFlush := w.(http.Flusher)

		enc := json.NewEncoder(w)
		for {
			event, ok := lease.Next()
			if !ok {
				return
			}
			wire := ndjsonEvent{
				StreamID:  event.StreamID,
				EventID:   event.EventID,
				Timestamp: event.Timestamp,
				Body:      json.RawMessage(event.Body),
			}
			if err := enc.Encode(wire); err != nil {
				log.WithChannel(channel).Warn().Err(err).Msg("read stream write failed, client likely disconnected")
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
	}
}

type channelsExistsRequest struct {
	Channels []string `json:"channels"`
}

func handleChannelsExists(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req channelsExistsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.NewBadRequest("malformed JSON body"))
			return
		}
		exists := make(map[string]bool, len(req.Channels))
		for _, id := range req.Channels {
			exists[id] = b.Exists(id)
		}
		writeJSON(w, http.StatusOK, map[string]map[string]bool{"channels": exists})
	}
}

type vagentAddRequest struct {
	Name string `json:"name"`
}

func handleVagentAdd(reg *agent.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req vagentAddRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.NewBadRequest("malformed JSON body"))
			return
		}
		a, err := reg.AddMaster(req.Name)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"name": a.Name})
	}
}

func handleVagentList(reg *agent.Registry, b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		a, ok := reg.Get(name)
		if !ok {
			writeError(w, apperrors.NewNotFound("unknown agent"))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"name":          a.Name,
			"status":        a.Status.Kind,
			"distributed":   reg.IsAgentDistributed(a.Name),
			"channelsCount": b.CountByAgent(a.Name),
		})
	}
}

type vagentPipeRequest struct {
	Name   string `json:"name"`
	Target string `json:"target"`
}

func handleVagentPipe(reg *agent.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req vagentPipeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, apperrors.NewBadRequest("malformed JSON body"))
			return
		}
		// This handler only checks that the named agent exists and answers
		// 202 Accepted. It does not dial an outbound syncpipe forwarder,
		// and nothing in cmd/megaphone dials one for it.
		if _, ok := reg.Get(req.Name); !ok {
			writeError(w, apperrors.NewNotFound("unknown agent"))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func handleChannelList(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		skip := queryInt(r, "skip", 0)
		limit := queryInt(r, "limit", 0)
		writeJSON(w, http.StatusOK, b.ListChannels(skip, limit))
	}
}

func handleChannelDelete(b *broker.Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := b.DropChannel(id); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// newEvent builds a types.Event for an inbound write, always minting a
// fresh event_id server-side for receiver-side dedupe; callers never
// supply one.
func newEvent(streamID string, body json.RawMessage) (types.Event, error) {
	eventID, err := channelid.RandomToken(eventIDLen)
	if err != nil {
		return types.Event{}, apperrors.NewInternal("generate event id: " + err.Error())
	}
	return types.Event{StreamID: streamID, EventID: eventID, Timestamp: time.Now(), Body: body}, nil
}

// eventIDLen is the length of a generated event_id (spec.md §3: a 23-char
// random token).
const eventIDLen = 23
