package haLocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zabeloliver/ha-companion/ha-api/haNotify"
	"github.com/zabeloliver/ha-companion/ha-api/haStructs"
)

const (
	HomeRegionId = "home_location"
	// HomeRadius is the geofence radius around the home coordinate, in meters.
	HomeRadius = 1000.0
	// region events report the home coordinate, not the device's position
	regionAccuracy = 5000.0

	DefaultOneshotAccuracy = 1000.0
	DefaultOneshotTimeout  = 20 * time.Second
	reportTimeout          = 30 * time.Second

	ReasonSignificantChange = "Significant location change detected"
	ReasonRegionEntered     = "Region entered"
	ReasonRegionExited      = "Region exited"
	ReasonOneshot           = "One off location update requested"

	LocationHome    = "home"
	LocationNotHome = "not_home"
)

var ErrNoDeviceId = errors.New("no device id configured")

// LocationError is a failure of the location provider to acquire or monitor a position.
type LocationError struct {
	Op  string
	Err error
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("location %s: %v", e.Op, e.Err)
}

func (e *LocationError) Unwrap() error { return e.Err }

// ServiceCaller is the part of the command service used to report locations.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) (any, error)
}

type Config struct {
	DeviceId        string
	HomeLatitude    float64
	HomeLongitude   float64
	OneshotAccuracy float64
	OneshotTimeout  time.Duration
}

type Option func(*HaLocationReporter)

// WithReportObserver is called after every device_tracker call finished.
func WithReportObserver(fn func(reason string, err error)) Option {
	return func(r *HaLocationReporter) {
		r.onReport = fn
	}
}

// HaLocationReporter turns location signals into device_tracker/see calls.
type HaLocationReporter struct {
	config   Config
	caller   ServiceCaller
	provider LocationProvider
	device   DeviceInfo
	notifier haNotify.Notifier
	onReport func(reason string, err error)
	logger   *zap.SugaredLogger

	mu         sync.Mutex
	cancels    []CancelFunc
	tracking   bool
	generation int
	closed     bool
	inflight   sync.WaitGroup
}

func NewHaLocationReporter(config Config, caller ServiceCaller, provider LocationProvider, device DeviceInfo,
	notifier haNotify.Notifier, logger *zap.SugaredLogger, opts ...Option) *HaLocationReporter {
	if config.OneshotAccuracy <= 0 {
		config.OneshotAccuracy = DefaultOneshotAccuracy
	}
	if config.OneshotTimeout <= 0 {
		config.OneshotTimeout = DefaultOneshotTimeout
	}
	if notifier == nil {
		notifier = haNotify.Nop
	}
	r := &HaLocationReporter{
		config:   config,
		caller:   caller,
		provider: provider,
		device:   device,
		notifier: notifier,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *HaLocationReporter) HomeRegion() Region {
	return Region{
		Identifier: HomeRegionId,
		Latitude:   r.config.HomeLatitude,
		Longitude:  r.config.HomeLongitude,
		Radius:     HomeRadius,
	}
}

// BuildLocationUpdate reads battery and hostname now and assembles the update.
func (r *HaLocationReporter) BuildLocationUpdate(deviceId string, lat, lon, accuracy float64, locationName string) haStructs.LocationUpdate {
	return haStructs.LocationUpdate{
		DeviceId:       deviceId,
		Latitude:       lat,
		Longitude:      lon,
		Accuracy:       accuracy,
		BatteryPercent: clampPercent(r.device.BatteryLevel()),
		Hostname:       r.device.Hostname(),
		LocationName:   locationName,
	}
}

// ReportLocation sends the position to the hub without waiting for the result and
// notifies the user about reason either way. It does nothing after Close.
func (r *HaLocationReporter) ReportLocation(reason, deviceId string, lat, lon, accuracy float64, locationName string) {
	r.report(-1, reason, deviceId, lat, lon, accuracy, locationName)
}

// report launches a device_tracker call. A non-negative generation ties the report to
// one StartTracking call and drops it once that tracking was stopped.
func (r *HaLocationReporter) report(generation int, reason, deviceId string, lat, lon, accuracy float64, locationName string) {
	if !r.beginReport(generation) {
		r.logger.Debugf("Dropping location report %q: reporter stopped", reason)
		return
	}
	data := r.BuildLocationUpdate(deviceId, lat, lon, accuracy, locationName).ServiceData()

	go func() {
		defer r.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		defer cancel()

		_, err := r.caller.CallService(ctx, "device_tracker", "see", data)
		if err != nil {
			r.logger.Errorf("Location update for %s failed: %v", deviceId, err)
		} else {
			r.logger.Infof("Device %s seen!", deviceId)
		}
		if r.onReport != nil {
			r.onReport(reason, err)
		}
	}()

	r.notifier.Notify(reason + ", alerting Home Assistant")
}

// beginReport registers an in-flight report under the same lock Close and
// StopTracking take.
func (r *HaLocationReporter) beginReport(generation int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if generation >= 0 && (!r.tracking || generation != r.generation) {
		return false
	}
	r.inflight.Add(1)
	return true
}

// Wait blocks until every report started so far has finished.
func (r *HaLocationReporter) Wait() {
	r.inflight.Wait()
}

// Close stops tracking, refuses further reports and waits for in-flight ones.
func (r *HaLocationReporter) Close() {
	r.StopTracking()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.inflight.Wait()
}

// StartTracking registers the significant-change subscription and the home geofence.
// A failing registration does not prevent the other one; all failures are returned.
// Calling it again while tracking is a no-op.
func (r *HaLocationReporter) StartTracking(deviceId string) error {
	if deviceId == "" {
		lerr := &LocationError{Op: "start tracking", Err: ErrNoDeviceId}
		r.locationFailed(lerr)
		return lerr
	}
	r.mu.Lock()
	if r.tracking || r.closed {
		r.mu.Unlock()
		return nil
	}
	r.tracking = true
	r.generation++
	generation := r.generation
	r.mu.Unlock()

	var (
		errs    error
		cancels []CancelFunc
	)

	cancel, err := r.provider.SubscribeSignificantChanges(
		func(fix Fix) {
			r.report(generation, ReasonSignificantChange, deviceId, fix.Latitude, fix.Longitude, fix.Accuracy, "")
		},
		func(err error) {
			r.locationFailed(&LocationError{Op: "significant location updates", Err: err})
		},
	)
	if err != nil {
		lerr := &LocationError{Op: "subscribe significant location changes", Err: err}
		r.locationFailed(lerr)
		errs = multierr.Append(errs, lerr)
	} else {
		cancels = append(cancels, cancel)
	}

	home := r.HomeRegion()
	cancel, err = r.provider.MonitorRegion(home,
		func(region Region) {
			r.logger.Infof("Region entered: %s", region.Identifier)
			r.report(generation, ReasonRegionEntered, deviceId, home.Latitude, home.Longitude, regionAccuracy, LocationHome)
		},
		func(region Region) {
			r.logger.Infof("Region exited: %s", region.Identifier)
			r.report(generation, ReasonRegionExited, deviceId, home.Latitude, home.Longitude, regionAccuracy, LocationNotHome)
		},
	)
	if err != nil {
		lerr := &LocationError{Op: "monitor home region", Err: err}
		r.locationFailed(lerr)
		errs = multierr.Append(errs, lerr)
	} else {
		cancels = append(cancels, cancel)
	}

	r.mu.Lock()
	current := r.tracking && r.generation == generation
	if current {
		r.cancels = append(r.cancels, cancels...)
		r.tracking = len(cancels) > 0
	}
	r.mu.Unlock()
	if !current {
		// stopped while registering
		for _, cancel := range cancels {
			cancel()
		}
	}
	return errs
}

// StopTracking removes every registration made by StartTracking.
func (r *HaLocationReporter) StopTracking() {
	r.mu.Lock()
	cancels := r.cancels
	r.cancels = nil
	r.tracking = false
	r.generation++
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if len(cancels) > 0 {
		r.logger.Info("Location tracking stopped")
	}
}

// SendOneshotLocation reports a single current fix. It gives up after the configured
// timeout.
func (r *HaLocationReporter) SendOneshotLocation(ctx context.Context) (bool, error) {
	if r.config.DeviceId == "" {
		return false, &LocationError{Op: "oneshot", Err: ErrNoDeviceId}
	}
	ctx, cancel := context.WithTimeout(ctx, r.config.OneshotTimeout)
	defer cancel()

	fix, err := r.provider.CurrentLocation(ctx, r.config.OneshotAccuracy)
	if err != nil {
		lerr := &LocationError{Op: "oneshot", Err: err}
		r.logger.Errorf("Error when trying to get a oneshot location: %v", err)
		return false, lerr
	}
	r.ReportLocation(ReasonOneshot, r.config.DeviceId, fix.Latitude, fix.Longitude, fix.Accuracy, "")
	return true, nil
}

func (r *HaLocationReporter) locationFailed(err *LocationError) {
	r.logger.Errorf("Location error: %v", err)
	r.notifier.Notify("Location error! " + err.Error())
}
