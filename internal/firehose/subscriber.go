package firehose

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/blackmichael/bluesky-analytics/internal/domain"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"
)

const (
	cursorServiceName  = "jetstream"
	cursorSaveInterval = 5 * time.Second

	// livenessWindow bounds how long a silent connection is trusted. No
	// frame within the window is treated as a disconnect.
	livenessWindow = 60 * time.Second

	pingInterval     = 30 * time.Second
	pingWriteTimeout = 10 * time.Second
)

// DefaultSafetyMarginMicros is how far the resume cursor is rewound on
// reconnect. It is a tunable re-delivery window, not a load-bearing constant.
const DefaultSafetyMarginMicros = 5_000_000

// Options are the subscription parameters encoded into the Jetstream
// connection handshake.
type Options struct {
	// URL is the Jetstream WebSocket endpoint.
	URL string

	// WantedCollections restricts commit events to these collection NSIDs.
	// Empty means all collections.
	WantedCollections []string

	// WantedDIDs restricts events to these repositories. Empty means all.
	WantedDIDs []string

	// MaxMessageSizeBytes caps the size of frames the server will send.
	// Zero means no cap.
	MaxMessageSizeBytes int

	// Compress requests zstd-compressed frames.
	Compress bool

	// ZSTDDictionary is the decoder dictionary used when Compress is set.
	// Optional; without it only dictionary-less frames decode.
	ZSTDDictionary []byte

	// RequireHello makes the server hold data until the client sends a
	// subscriber-options-update control frame after connecting.
	RequireHello bool

	// SafetyMarginMicros is the reconnect cursor rewind. Zero selects
	// DefaultSafetyMarginMicros.
	SafetyMarginMicros int64

	// Retry schedules reconnect waits. A zero Delay selects 5s.
	Retry RetryPolicy
}

// Scheduler accepts decoded events for processing, keyed by repository DID
// so per-repo arrival order can be preserved.
type Scheduler interface {
	AddWork(ctx context.Context, repo string, evt *Event) error
}

// helloFrame is the control message sent after connecting when the
// subscription was opened with requireHello.
type helloFrame struct {
	Type  string `json:"type"`
	Ready bool   `json:"ready"`
}

// Subscriber connects to the Jetstream firehose, decodes frames, and feeds
// events to the scheduler. It reconnects on any transport error, resuming
// from the last applied cursor rewound by the safety margin.
type Subscriber struct {
	opts    Options
	sched   Scheduler
	cursors domain.CursorRepository
	logger  *slog.Logger

	decoder *zstd.Decoder

	// lastApplied is the time_us of the most recent event handed to the
	// scheduler. Only the delivery path writes it.
	lastApplied atomic.Int64

	// onDecodeError, if set, observes dropped frames. Never fatal.
	onDecodeError func(data []byte, err error)
}

// NewSubscriber creates a new firehose subscriber.
func NewSubscriber(opts Options, sched Scheduler, cursors domain.CursorRepository, logger *slog.Logger) (*Subscriber, error) {
	if opts.SafetyMarginMicros == 0 {
		opts.SafetyMarginMicros = DefaultSafetyMarginMicros
	}
	if opts.Retry.Delay == 0 {
		opts.Retry.Delay = 5 * time.Second
	}

	s := &Subscriber{
		opts:    opts,
		sched:   sched,
		cursors: cursors,
		logger:  logger,
	}

	if opts.Compress {
		var (
			dec *zstd.Decoder
			err error
		)
		if len(opts.ZSTDDictionary) > 0 {
			dec, err = zstd.NewReader(nil, zstd.WithDecoderDicts(opts.ZSTDDictionary))
		} else {
			dec, err = zstd.NewReader(nil)
		}
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		s.decoder = dec
	}

	return s, nil
}

// OnDecodeError registers an observer for frames dropped on decode failure.
// Register before Start.
func (s *Subscriber) OnDecodeError(fn func(data []byte, err error)) {
	s.onDecodeError = fn
}

// Cursor returns the time_us of the last event handed to the scheduler.
func (s *Subscriber) Cursor() int64 {
	return s.lastApplied.Load()
}

// Start connects to the firehose and processes events until the context is
// cancelled. It reconnects on transient errors without bound; only context
// cancellation or a failed watermark read ends the loop.
func (s *Subscriber) Start(ctx context.Context) error {
	// Resume from the persisted watermark. Falling back to live here would
	// silently skip everything between the watermark and now, so an
	// unreachable store is fatal, same as a failed schema init.
	cursor, err := s.cursors.GetCursor(ctx, cursorServiceName)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	s.lastApplied.Store(cursor)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.subscribe(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt++
			reconnectsCounter.Inc()
			wait := s.opts.Retry.Next(attempt)
			s.logger.Error("firehose connection error, reconnecting",
				"error", err,
				"attempt", attempt,
				"wait", wait,
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	}
}

// buildURL encodes the subscription parameters. The cursor parameter is
// omitted entirely on cold start so the server begins at live.
func (s *Subscriber) buildURL(cursor int64) (string, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return "", fmt.Errorf("parse firehose url: %w", err)
	}
	q := u.Query()
	for _, c := range s.opts.WantedCollections {
		q.Add("wantedCollections", c)
	}
	for _, did := range s.opts.WantedDIDs {
		q.Add("wantedDids", did)
	}
	if s.opts.MaxMessageSizeBytes > 0 {
		q.Set("maxMessageSizeBytes", strconv.Itoa(s.opts.MaxMessageSizeBytes))
	}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	if s.opts.Compress {
		q.Set("compress", "true")
	}
	if s.opts.RequireHello {
		q.Set("requireHello", "true")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	resume := ResumeCursor(s.lastApplied.Load(), s.opts.SafetyMarginMicros)

	wsURL, err := s.buildURL(resume)
	if err != nil {
		return err
	}
	s.logger.Info("connecting to firehose", "url", wsURL, "resume_cursor", resume)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial firehose: %w", err)
	}
	defer conn.Close()

	if s.opts.RequireHello {
		hello, err := json.Marshal(helloFrame{Type: "subscriber-options-update", Ready: true})
		if err != nil {
			return fmt.Errorf("marshal hello frame: %w", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
			return fmt.Errorf("send hello frame: %w", err)
		}
	}

	s.logger.Info("connected to firehose")

	// Keep the connection alive and notice stalls: ping periodically, and
	// treat a pong (or any frame) as proof of life via the read deadline.
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(livenessWindow))
	})
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for {
			select {
			case <-pingCtx.Done():
				conn.Close()
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteTimeout)); err != nil {
					s.logger.Warn("failed to ping firehose", "error", err)
				}
			}
		}
	}()

	lastCursorSave := time.Now()
	var eventsReceived, framesDropped int64
	lastStatsLog := time.Now()

	for {
		select {
		case <-ctx.Done():
			s.SaveCursor(context.WithoutCancel(ctx))
			return ctx.Err()
		default:
		}

		if err := conn.SetReadDeadline(time.Now().Add(livenessWindow)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			s.SaveCursor(context.WithoutCancel(ctx))
			return fmt.Errorf("read message: %w", err)
		}
		bytesReceivedCounter.Add(float64(len(message)))

		if s.decoder != nil {
			decoded, err := s.decoder.DecodeAll(message, nil)
			if err != nil {
				s.dropFrame(message, fmt.Errorf("decompress frame: %w", err))
				framesDropped++
				continue
			}
			message = decoded
		}

		event, err := parseEvent(message)
		if err != nil {
			s.dropFrame(message, err)
			framesDropped++
			continue
		}
		if event.DID == "" && event.TimeUS == 0 {
			// Well-formed but not an event shape we know; skipped, not an
			// error.
			continue
		}

		eventsReceived++
		eventsReceivedCounter.WithLabelValues(event.Kind).Inc()
		lastEventTimeGauge.Set(float64(event.TimeUS))

		if err := s.sched.AddWork(ctx, event.DID, event); err != nil {
			// AddWork only fails on context cancellation.
			s.SaveCursor(context.WithoutCancel(ctx))
			return err
		}
		s.lastApplied.Store(event.TimeUS)

		if time.Since(lastStatsLog) >= 30*time.Second {
			s.logger.Info("firehose stats",
				"events_received", eventsReceived,
				"frames_dropped", framesDropped,
				"cursor", event.TimeUS,
			)
			lastStatsLog = time.Now()
		}

		if time.Since(lastCursorSave) >= cursorSaveInterval {
			s.SaveCursor(ctx)
			lastCursorSave = time.Now()
		}
	}
}

// dropFrame handles a frame that failed to decode: count it, report it,
// never terminate the connection for it.
func (s *Subscriber) dropFrame(data []byte, err error) {
	decodeErrorsCounter.Inc()
	s.logger.Error("dropping undecodable frame", "error", err)
	if s.onDecodeError != nil {
		s.onDecodeError(data, err)
	}
}

// SaveCursor flushes the in-memory watermark to the cursor store. The
// delivery path calls it periodically; main calls it once more after the
// shutdown drain.
func (s *Subscriber) SaveCursor(ctx context.Context) {
	cursor := s.lastApplied.Load()
	if cursor == 0 {
		return
	}
	if err := s.cursors.UpdateCursor(ctx, cursorServiceName, cursor); err != nil {
		s.logger.Error("failed to save cursor", "error", err)
	}
}
