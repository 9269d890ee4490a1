package haStream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zabeloliver/ha-companion/ha-api/haClient"
	"github.com/zabeloliver/ha-companion/ha-api/haNotify"
	"github.com/zabeloliver/ha-companion/ha-api/haStructs"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Open
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Open:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

const keepaliveData = "ping"

var (
	// ErrStreamDisconnect is reported when the push connection drops.
	ErrStreamDisconnect = errors.New("stream disconnected")
	errMissingEventType = errors.New("event envelope has no type")
)

// DecodeError is a stream frame whose data is not a valid event envelope.
type DecodeError struct {
	Event string
	Data  string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("unable to decode %q frame: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type StreamOption func(*HaStreamClient)

func WithBackoff(cfg BackoffConfig) StreamOption {
	return func(c *HaStreamClient) {
		c.backoff = NewBackoff(cfg)
	}
}

// WithStateObserver registers fn to be called on every state transition.
func WithStateObserver(fn func(State)) StreamOption {
	return func(c *HaStreamClient) {
		c.onState = fn
	}
}

func WithStreamHttpClient(client *http.Client) StreamOption {
	return func(c *HaStreamClient) {
		if client != nil {
			c.client = client
		}
	}
}

func WithBus(bus *Bus) StreamOption {
	return func(c *HaStreamClient) {
		if bus != nil {
			c.bus = bus
		}
	}
}

// HaStreamClient keeps a connection to {base}/api/stream open and publishes the
// decoded events on its Bus. It reconnects until stopped.
type HaStreamClient struct {
	config   haClient.ConnectionConfig
	client   *http.Client
	bus      *Bus
	backoff  *Backoff
	notifier haNotify.Notifier
	onState  func(State)
	logger   *zap.SugaredLogger

	state atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewHaStreamClient(config haClient.ConnectionConfig, notifier haNotify.Notifier, logger *zap.SugaredLogger, opts ...StreamOption) *HaStreamClient {
	if notifier == nil {
		notifier = haNotify.Nop
	}
	c := &HaStreamClient{
		config:   config,
		client:   &http.Client{},
		notifier: notifier,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.bus == nil {
		c.bus = NewBus(logger)
	}
	if c.backoff == nil {
		c.backoff = NewBackoff(BackoffConfig{Jitter: defaultJitter})
	}
	return c
}

func (c *HaStreamClient) Bus() *Bus {
	return c.bus
}

func (c *HaStreamClient) Subscribe(eventType string, handler Handler) *Subscription {
	return c.bus.Subscribe(eventType, handler)
}

func (c *HaStreamClient) Unsubscribe(sub *Subscription) {
	c.bus.Unsubscribe(sub)
}

func (c *HaStreamClient) State() State {
	return State(c.state.Load())
}

func (c *HaStreamClient) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	c.logger.Debugf("Event stream %s", s)
	if c.onState != nil {
		c.onState(s)
	}
}

// Start runs the connection loop in the background. Calling it again while running
// is a no-op.
func (c *HaStreamClient) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
}

// Stop tears the connection down and waits for the loop to exit.
func (c *HaStreamClient) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	c.logger.Info("Stopping event stream")
	cancel()
	<-done
}

// Run connects and reconnects until ctx is done.
func (c *HaStreamClient) Run(ctx context.Context) error {
	c.logger.Info("Starting event stream")
	defer c.setState(Disconnected)

	for {
		err := c.connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.handleError(err)

		delay := c.backoff.Next()
		c.logger.Infof("Reconnecting event stream in %s", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *HaStreamClient) handleError(err error) {
	c.setState(Disconnected)
	c.logger.Errorf("SSE: Error %v", err)
	c.notifier.Notify("SSE Error! " + err.Error())
}

func (c *HaStreamClient) connect(ctx context.Context) error {
	c.setState(Connecting)

	streamUrl, err := c.config.APIURL("stream")
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamUrl, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.config.Authorize(req)

	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("stream returned status %d", res.StatusCode)
	}

	c.setState(Open)
	c.backoff.Reset()
	c.logger.Info("SSE: Connection Opened")
	c.notifier.Notify("Connected to HA realtime API!")

	reader := NewFrameReader(res.Body)
	for {
		frame, err := reader.Next()
		if retry := reader.Retry(); retry > 0 {
			c.backoff.SetFloor(retry)
		}
		var frameErr *DecodeError
		if errors.As(err, &frameErr) {
			c.logger.Warnf("Dropping SSE message: %v", err)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrStreamDisconnect
			}
			return fmt.Errorf("%w: %v", ErrStreamDisconnect, err)
		}
		c.dispatch(frame)
	}
}

func (c *HaStreamClient) dispatch(frame Frame) {
	if strings.TrimSpace(frame.Data) == keepaliveData {
		c.logger.Debug("SSE: keepalive")
		return
	}
	event, err := DecodeFrame(frame)
	if err != nil {
		c.logger.Warnf("Unable to map this SSE message %s %s: %v", frame.Event, frame.Data, err)
		return
	}
	c.bus.Publish(event)
}

// DecodeFrame turns a frame's data into a StreamEvent.
func DecodeFrame(frame Frame) (haStructs.StreamEvent, error) {
	var envelope haStructs.StreamEnvelope
	if err := json.Unmarshal([]byte(frame.Data), &envelope); err != nil {
		return haStructs.StreamEvent{}, &DecodeError{Event: frame.Event, Data: frame.Data, Err: err}
	}
	name := envelope.Name()
	if name == "" {
		return haStructs.StreamEvent{}, &DecodeError{Event: frame.Event, Data: frame.Data, Err: errMissingEventType}
	}
	payload := envelope.Data
	if payload == nil {
		payload = map[string]any{}
	}
	return haStructs.StreamEvent{
		EventType: name,
		Payload:   payload,
		Origin:    envelope.Origin,
		TimeFired: envelope.TimeFired,
	}, nil
}
