package haLocation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	homeLat = 52.5200
	homeLon = 13.4050
)

type fakeDevice struct{}

func (fakeDevice) BatteryLevel() int { return 87 }
func (fakeDevice) Hostname() string  { return "kitchen-pi" }

type serviceCall struct {
	domain  string
	service string
	data    map[string]any
}

type recordingCaller struct {
	mu    sync.Mutex
	calls []serviceCall
	err   error
}

func (c *recordingCaller) CallService(ctx context.Context, domain, service string, data map[string]any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, serviceCall{domain, service, data})
	return nil, c.err
}

func (c *recordingCaller) Calls() []serviceCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]serviceCall(nil), c.calls...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(title string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.titles = append(n.titles, title)
}

func (n *recordingNotifier) Titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.titles...)
}

func newReporter(provider LocationProvider, caller ServiceCaller, cfg Config, opts ...Option) (*HaLocationReporter, *recordingNotifier) {
	notifier := &recordingNotifier{}
	if cfg.HomeLatitude == 0 {
		cfg.HomeLatitude, cfg.HomeLongitude = homeLat, homeLon
	}
	return NewHaLocationReporter(cfg, caller, provider, fakeDevice{}, notifier, zap.NewNop().Sugar(), opts...), notifier
}

func TestReportLocationPayload(t *testing.T) {
	caller := &recordingCaller{}
	reporter, notifier := newReporter(NewFeedProvider(), caller, Config{})

	reporter.ReportLocation("Manual", "phone", 1.5, 2.5, 30, "")
	reporter.ReportLocation("Manual", "phone", 1.5, 2.5, 30, "home")
	reporter.Wait()

	calls := caller.Calls()
	require.Len(t, calls, 2)
	for _, call := range calls {
		assert.Equal(t, "device_tracker", call.domain)
		assert.Equal(t, "see", call.service)
		assert.Equal(t, "phone", call.data["dev_id"])
		assert.Equal(t, []float64{1.5, 2.5}, call.data["gps"])
		assert.Equal(t, 30.0, call.data["gps_accuracy"])
		assert.Equal(t, 87, call.data["battery"])
		assert.Equal(t, "kitchen-pi", call.data["hostname"])
	}

	var withName, withoutName map[string]any
	for _, call := range calls {
		if _, ok := call.data["location_name"]; ok {
			withName = call.data
		} else {
			withoutName = call.data
		}
	}
	require.NotNil(t, withName)
	require.NotNil(t, withoutName)
	assert.Equal(t, "home", withName["location_name"])
	assert.NotContains(t, withoutName, "location_name")

	assert.Equal(t, []string{"Manual, alerting Home Assistant", "Manual, alerting Home Assistant"}, notifier.Titles())
}

func TestReportLocationNotifiesWhenCallFails(t *testing.T) {
	caller := &recordingCaller{err: errors.New("hub unreachable")}

	var mu sync.Mutex
	var observed []error
	reporter, notifier := newReporter(NewFeedProvider(), caller, Config{}, WithReportObserver(func(reason string, err error) {
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "Manual", reason)
		observed = append(observed, err)
	}))

	reporter.ReportLocation("Manual", "phone", 1, 2, 3, "")
	reporter.Wait()

	assert.Equal(t, []string{"Manual, alerting Home Assistant"}, notifier.Titles())
	require.Len(t, observed, 1)
	assert.EqualError(t, observed[0], "hub unreachable")
}

func TestStartTrackingReportsGeofenceTransitions(t *testing.T) {
	provider := NewFeedProvider()
	caller := &recordingCaller{}
	reporter, _ := newReporter(provider, caller, Config{})

	require.NoError(t, reporter.StartTracking("phone"))

	// at home: seeds the region state, first fix is a significant change
	provider.Feed(Fix{Latitude: homeLat, Longitude: homeLon, Accuracy: 20})
	reporter.Wait()
	// ~5.5 km north: leaves home
	provider.Feed(Fix{Latitude: homeLat + 0.05, Longitude: homeLon, Accuracy: 20})
	reporter.Wait()
	// back home
	provider.Feed(Fix{Latitude: homeLat + 0.001, Longitude: homeLon, Accuracy: 20})
	reporter.Wait()

	calls := caller.Calls()
	require.Len(t, calls, 5)

	var regionCalls []map[string]any
	significant := 0
	for _, call := range calls {
		if _, ok := call.data["location_name"]; ok {
			assert.Equal(t, []float64{homeLat, homeLon}, call.data["gps"])
			assert.Equal(t, 5000.0, call.data["gps_accuracy"])
			regionCalls = append(regionCalls, call.data)
		} else {
			significant++
		}
	}
	assert.Equal(t, 3, significant)
	require.Len(t, regionCalls, 2)
	assert.Equal(t, LocationNotHome, regionCalls[0]["location_name"])
	assert.Equal(t, LocationHome, regionCalls[1]["location_name"])
}

type failingSignificantProvider struct {
	*FeedProvider
}

func (failingSignificantProvider) SubscribeSignificantChanges(func(Fix), func(error)) (CancelFunc, error) {
	return nil, errors.New("significant location changes not available")
}

func TestStartTrackingRegistrationsAreIndependent(t *testing.T) {
	feed := NewFeedProvider()
	caller := &recordingCaller{}
	reporter, notifier := newReporter(failingSignificantProvider{feed}, caller, Config{})

	err := reporter.StartTracking("phone")
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 1)
	var lerr *LocationError
	require.True(t, errors.As(errs[0], &lerr))
	assert.Equal(t, "subscribe significant location changes", lerr.Op)
	assert.Len(t, notifier.Titles(), 1)

	feed.Feed(Fix{Latitude: homeLat + 0.05, Longitude: homeLon})
	feed.Feed(Fix{Latitude: homeLat, Longitude: homeLon})
	reporter.Wait()

	calls := caller.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, LocationHome, calls[0].data["location_name"])
}

func TestStopTracking(t *testing.T) {
	provider := NewFeedProvider()
	caller := &recordingCaller{}
	reporter, _ := newReporter(provider, caller, Config{})

	require.NoError(t, reporter.StartTracking("phone"))
	reporter.StopTracking()

	provider.Feed(Fix{Latitude: homeLat, Longitude: homeLon})
	provider.Feed(Fix{Latitude: homeLat + 0.05, Longitude: homeLon})
	reporter.Wait()

	assert.Empty(t, caller.Calls())
}

func TestSendOneshotLocation(t *testing.T) {
	provider := NewFeedProvider()
	caller := &recordingCaller{}
	reporter, notifier := newReporter(provider, caller, Config{DeviceId: "phone"})

	go func() {
		// too inaccurate for the oneshot request
		time.Sleep(10 * time.Millisecond)
		provider.Feed(Fix{Latitude: 1, Longitude: 1, Accuracy: 4000})
		time.Sleep(10 * time.Millisecond)
		provider.Feed(Fix{Latitude: 2, Longitude: 2, Accuracy: 65})
	}()

	ok, err := reporter.SendOneshotLocation(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	reporter.Wait()

	calls := caller.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, []float64{2, 2}, calls[0].data["gps"])
	assert.Equal(t, []string{ReasonOneshot + ", alerting Home Assistant"}, notifier.Titles())
}

func TestSendOneshotLocationTimeout(t *testing.T) {
	caller := &recordingCaller{}
	reporter, _ := newReporter(NewFeedProvider(), caller, Config{DeviceId: "phone", OneshotTimeout: 20 * time.Millisecond})

	ok, err := reporter.SendOneshotLocation(context.Background())
	assert.False(t, ok)
	var lerr *LocationError
	require.True(t, errors.As(err, &lerr))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, caller.Calls())
}

func TestSendOneshotLocationProviderFailure(t *testing.T) {
	provider := NewFeedProvider()
	reporter, _ := newReporter(provider, &recordingCaller{}, Config{DeviceId: "phone"})

	failure := errors.New("location services disabled")
	go func() {
		time.Sleep(10 * time.Millisecond)
		provider.Fail(failure)
	}()

	ok, err := reporter.SendOneshotLocation(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, failure)
}

func TestSendOneshotLocationWithoutDeviceId(t *testing.T) {
	reporter, _ := newReporter(NewFeedProvider(), &recordingCaller{}, Config{})
	ok, err := reporter.SendOneshotLocation(context.Background())
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNoDeviceId)
}

func TestStartTrackingRejectsEmptyDeviceId(t *testing.T) {
	provider := NewFeedProvider()
	caller := &recordingCaller{}
	reporter, notifier := newReporter(provider, caller, Config{})

	err := reporter.StartTracking("")
	assert.ErrorIs(t, err, ErrNoDeviceId)
	assert.Len(t, notifier.Titles(), 1)

	provider.Feed(Fix{Latitude: homeLat, Longitude: homeLon})
	reporter.Wait()
	assert.Empty(t, caller.Calls())
}

func TestStartTrackingTwiceRegistersOnce(t *testing.T) {
	provider := NewFeedProvider()
	caller := &recordingCaller{}
	reporter, _ := newReporter(provider, caller, Config{})

	require.NoError(t, reporter.StartTracking("phone"))
	require.NoError(t, reporter.StartTracking("phone"))

	provider.Feed(Fix{Latitude: homeLat, Longitude: homeLon, Accuracy: 20})
	reporter.Wait()
	assert.Len(t, caller.Calls(), 1)

	reporter.StopTracking()
	require.NoError(t, reporter.StartTracking("phone"))
	provider.Feed(Fix{Latitude: homeLat + 0.05, Longitude: homeLon, Accuracy: 20})
	reporter.Wait()

	// significant change plus the exit from home
	assert.Len(t, caller.Calls(), 3)
}

type capturingProvider struct {
	*FeedProvider
	mu       sync.Mutex
	onChange func(Fix)
}

func (p *capturingProvider) SubscribeSignificantChanges(onChange func(Fix), _ func(error)) (CancelFunc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = onChange
	return func() {}, nil
}

func (p *capturingProvider) deliver(fix Fix) {
	p.mu.Lock()
	onChange := p.onChange
	p.mu.Unlock()
	onChange(fix)
}

func TestCallbackAfterStopTrackingIsDropped(t *testing.T) {
	provider := &capturingProvider{FeedProvider: NewFeedProvider()}
	caller := &recordingCaller{}
	reporter, _ := newReporter(provider, caller, Config{})

	require.NoError(t, reporter.StartTracking("phone"))
	reporter.StopTracking()

	// the provider did not honour the cancel
	provider.deliver(Fix{Latitude: 1, Longitude: 2})
	reporter.Wait()
	assert.Empty(t, caller.Calls())

	require.NoError(t, reporter.StartTracking("phone"))
	provider.deliver(Fix{Latitude: 1, Longitude: 2})
	reporter.Wait()
	assert.Len(t, caller.Calls(), 1)
}

func TestReportLocationAfterClose(t *testing.T) {
	provider := NewFeedProvider()
	caller := &recordingCaller{}
	reporter, _ := newReporter(provider, caller, Config{})

	require.NoError(t, reporter.StartTracking("phone"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			provider.Feed(Fix{Latitude: homeLat + float64(i%2)*0.05, Longitude: homeLon})
		}
	}()
	reporter.Close()
	wg.Wait()

	settled := len(caller.Calls())
	assert.NotPanics(t, func() {
		reporter.ReportLocation("Manual", "phone", 1, 2, 3, "")
	})
	reporter.Wait()
	assert.Len(t, caller.Calls(), settled)
	assert.NoError(t, reporter.StartTracking("phone"))
	provider.Feed(Fix{Latitude: homeLat, Longitude: homeLon})
	reporter.Wait()
	assert.Len(t, caller.Calls(), settled)
}
