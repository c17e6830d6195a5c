// Package webhook exposes the inbound HTTP surface of the relay: the Twilio
// WhatsApp webhook plus health and metrics endpoints.
package webhook

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shamspias/whatsapp-voice-gpt/internal/health"
	"github.com/shamspias/whatsapp-voice-gpt/internal/observe"
	"github.com/shamspias/whatsapp-voice-gpt/internal/relay"
	"github.com/shamspias/whatsapp-voice-gpt/pkg/provider/stt"
)

const (
	// maxMediaBytes caps a fetched voice note. WhatsApp media tops out at
	// 16 MiB, anything larger is malformed or hostile.
	maxMediaBytes = 16 << 20

	mediaFetchTimeout = 30 * time.Second

	// channelPrefix is Twilio's address scheme for WhatsApp participants.
	channelPrefix = "whatsapp:"

	// emptyTwiML acknowledges a webhook without queueing a channel reply;
	// all outbound traffic goes through the REST dispatcher instead.
	emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
)

// Server handles inbound Twilio webhooks and routes each message into the
// turn pipeline. Voice notes are fetched from Twilio's media store and
// transcribed before dispatch.
type Server struct {
	controller  *relay.Controller
	dispatcher  *relay.Dispatcher
	transcriber stt.Transcriber
	health      *health.Handler
	metrics     *observe.Metrics

	mediaUser string
	mediaPass string

	httpClient *http.Client
	router     chi.Router
}

// Option configures a Server during construction.
type Option func(*Server)

// WithTranscriber enables voice-note handling. Without it, voice messages
// are answered with the apology text.
func WithTranscriber(t stt.Transcriber) Option {
	return func(s *Server) {
		s.transcriber = t
	}
}

// WithMediaAuth sets the HTTP basic-auth credentials for fetching media from
// Twilio, normally the account SID and auth token.
func WithMediaAuth(username, password string) Option {
	return func(s *Server) {
		s.mediaUser = username
		s.mediaPass = password
	}
}

// WithHealth mounts the given health handler's routes on the server.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithServerMetrics injects a metrics instance. Defaults to [observe.Default].
func WithServerMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithHTTPClient overrides the client used for media fetches, mainly for
// tests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) {
		s.httpClient = c
	}
}

// NewServer builds the HTTP surface around controller and dispatcher. The
// dispatcher is needed directly for failures that occur before a turn is
// dispatched, such as an unreadable voice note.
func NewServer(controller *relay.Controller, dispatcher *relay.Dispatcher, opts ...Option) *Server {
	s := &Server{
		controller: controller,
		dispatcher: dispatcher,
		httpClient: &http.Client{Timeout: mediaFetchTimeout},
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.Default()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(observe.Middleware(s.metrics))

	r.Post("/chat", s.handleInbound)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if s.health != nil {
		s.health.Register(r)
	}

	s.router = r
	return s
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// handleInbound processes one Twilio webhook delivery. Twilio posts
// application/x-www-form-urlencoded with From, Body, and media descriptors.
// The response is always an empty TwiML document; replies travel over the
// REST API so they can arrive after this request has finished.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}

	sender := strings.TrimPrefix(r.FormValue("From"), channelPrefix)
	if sender == "" {
		http.Error(w, "missing sender", http.StatusBadRequest)
		return
	}

	text := strings.TrimSpace(r.FormValue("Body"))
	log := observe.Logger(r.Context()).With("user_id", sender)

	if mediaURL := r.FormValue("MediaUrl0"); mediaURL != "" && isAudio(r.FormValue("MediaContentType0")) {
		transcript, err := s.transcribeMedia(r.Context(), mediaURL, r.FormValue("MediaContentType0"))
		if err != nil {
			log.Warn("voice note handling failed", "err", err)
			_ = s.dispatcher.SendFinal(r.Context(), sender, relay.MsgApology)
			s.respondTwiML(w)
			return
		}
		// Voice transcripts are normalised to lower case so commands spoken
		// aloud still classify.
		text = strings.ToLower(strings.TrimSpace(transcript))
	}

	if text == "" {
		log.Debug("ignoring webhook with no usable content")
		s.respondTwiML(w)
		return
	}

	if err := s.controller.HandleTurn(r.Context(), relay.Turn{Sender: sender, Text: text}); err != nil {
		// The controller has already apologised to the user where possible.
		log.Warn("turn failed", "err", err)
	}
	s.respondTwiML(w)
}

// transcribeMedia downloads one voice note and runs it through the
// transcriber.
func (s *Server) transcribeMedia(ctx context.Context, url, contentType string) (string, error) {
	if s.transcriber == nil {
		return "", fmt.Errorf("webhook: no transcriber configured")
	}

	audio, err := s.fetchMedia(ctx, url)
	if err != nil {
		return "", err
	}

	start := time.Now()
	transcript, err := s.transcriber.Transcribe(ctx, audio, contentType)
	s.metrics.TranscriptionDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("webhook: transcribe: %w", err)
	}
	return transcript, nil
}

// fetchMedia retrieves a media object from Twilio's store. Twilio media URLs
// require the same basic auth as the REST API.
func (s *Server) fetchMedia(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("webhook: build media request: %w", err)
	}
	if s.mediaUser != "" {
		req.SetBasicAuth(s.mediaUser, s.mediaPass)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook: fetch media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webhook: fetch media: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, fmt.Errorf("webhook: read media body: %w", err)
	}
	if len(body) > maxMediaBytes {
		return nil, fmt.Errorf("webhook: media exceeds %d bytes", maxMediaBytes)
	}
	return body, nil
}

// isAudio reports whether a Twilio media content type is a voice payload.
func isAudio(contentType string) bool {
	return strings.HasPrefix(contentType, "audio/")
}

// respondTwiML acknowledges the webhook with an empty TwiML document.
func (s *Server) respondTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, emptyTwiML)
}
