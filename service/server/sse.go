package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/brojonat/ethgate/service/metrics"
	natspkg "github.com/brojonat/ethgate/service/nats"
)

const keepaliveInterval = 10 * time.Second

// SSEPublisher manages Server-Sent Events connections for transaction streaming.
type SSEPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSSEPublisher creates a new SSE publisher that subscribes to NATS internally.
func NewSSEPublisher(natsURL string, logger *slog.Logger) (*SSEPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("ethgate-sse-publisher"),
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("SSE publisher initialized", "nats_url", natsURL)

	return &SSEPublisher{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (p *SSEPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE publisher closed")
	}
	return nil
}

// eventStream writes SSE frames and flushes after each one.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func openEventStream(w http.ResponseWriter) *eventStream {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	s := &eventStream{w: w}
	s.flusher, _ = w.(http.Flusher)
	s.flush()
	return s
}

func (s *eventStream) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}

func (s *eventStream) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *eventStream) keepalive() {
	fmt.Fprintf(s.w, ": keepalive\n\n")
	s.flush()
}

func trackConnection(m *metrics.Metrics) func() {
	if m == nil {
		return func() {}
	}
	m.RecordSSEConnectionChange(1)
	return func() { m.RecordSSEConnectionChange(-1) }
}

// handleStreamBlocks streams every block-change the reader observes.
func handleStreamBlocks(l Ledger, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub := l.Blocks(16)
		defer sub.Unsubscribe()
		defer trackConnection(m)()

		stream := openEventStream(w)
		logger.DebugContext(r.Context(), "SSE block client connected", "remote_addr", r.RemoteAddr)

		stream.send("connected", map[string]string{"network": l.Network()})

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				stream.keepalive()

			case b, ok := <-sub.C:
				if !ok {
					return
				}
				if err := stream.send("block", natspkg.FromBlock(l.Network(), b)); err != nil {
					logger.DebugContext(r.Context(), "failed to write block event", "error", err)
					return
				}
				if m != nil {
					m.RecordSSEEventSent("block")
				}

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE block client disconnected", "remote_addr", r.RemoteAddr)
				return
			}
		}
	})
}

// handleStreamTransactions handles SSE streaming for synced transactions.
// Without an address path parameter every watched address is streamed.
func handleStreamTransactions(publisher *SSEPublisher, m *metrics.Metrics, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := natspkg.TransactionSubject("*")
		scope := "all addresses"
		if raw := r.PathValue("address"); raw != "" {
			address, err := normalizeAddress(raw)
			if err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			subject = natspkg.TransactionSubject(address)
			scope = address
		}

		// Ephemeral consumer, gone when the connection closes
		cons, err := publisher.js.CreateOrUpdateConsumer(r.Context(), natspkg.TransactionStream, jetstream.ConsumerConfig{
			FilterSubject: subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to create consumer",
				"scope", scope,
				"error", err,
			)
			writeError(w, "failed to subscribe", http.StatusServiceUnavailable)
			return
		}

		defer trackConnection(m)()
		stream := openEventStream(w)
		logger.DebugContext(r.Context(), "SSE client connected",
			"scope", scope,
			"remote_addr", r.RemoteAddr,
		)

		msgChan := make(chan jetstream.Msg, 10)
		doneChan := make(chan struct{})

		go func() {
			defer close(doneChan)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-r.Context().Done():
				}
			})
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to start consuming messages", "error", err)
				return
			}
			<-r.Context().Done()
			cc.Stop()
		}()

		stream.send("connected", map[string]string{"address": scope})

		keepalive := time.NewTicker(keepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				stream.keepalive()

			case msg := <-msgChan:
				var event natspkg.TransactionEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					logger.WarnContext(r.Context(), "failed to unmarshal event", "error", err)
					msg.Ack()
					continue
				}
				if err := stream.send("transaction", event); err != nil {
					logger.DebugContext(r.Context(), "failed to write transaction event", "error", err)
					return
				}
				msg.Ack()
				if m != nil {
					m.RecordSSEEventSent("transaction")
				}

				logger.DebugContext(r.Context(), "sent transaction event",
					"address", event.Address,
					"tx_id", event.TxID,
				)

			case <-r.Context().Done():
				logger.DebugContext(r.Context(), "SSE client disconnected",
					"scope", scope,
					"remote_addr", r.RemoteAddr,
				)
				return

			case <-doneChan:
				return
			}
		}
	})
}
