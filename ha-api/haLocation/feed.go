package haLocation

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	// SignificantChangeDistance is how far the device must move before
	// significant-change subscribers hear about it again.
	SignificantChangeDistance = 500.0
	freshFixAge               = time.Minute
)

var ErrInvalidRegion = errors.New("region radius must be positive")

type fixResult struct {
	fix Fix
	err error
}

type changeSubscriber struct {
	onChange func(Fix)
	onError  func(error)
}

type monitoredRegion struct {
	region  Region
	onEnter func(Region)
	onExit  func(Region)
	known   bool
	inside  bool
}

type fixWaiter struct {
	accuracy float64
	ch       chan fixResult
}

// FeedProvider is a LocationProvider for hosts without a location service. Fixes are
// pushed in with Feed; subscribers and region monitors run on the feeding goroutine.
type FeedProvider struct {
	mu      sync.Mutex
	nextId  int
	changes map[int]changeSubscriber
	regions map[int]*monitoredRegion
	waiters map[int]fixWaiter

	last            *Fix
	lastSignificant *Fix

	now func() time.Time
}

func NewFeedProvider() *FeedProvider {
	return &FeedProvider{
		changes: make(map[int]changeSubscriber),
		regions: make(map[int]*monitoredRegion),
		waiters: make(map[int]fixWaiter),
		now:     time.Now,
	}
}

func (p *FeedProvider) SubscribeSignificantChanges(onChange func(Fix), onError func(error)) (CancelFunc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextId
	p.nextId++
	p.changes[id] = changeSubscriber{onChange: onChange, onError: onError}
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.changes, id)
	}, nil
}

func (p *FeedProvider) MonitorRegion(region Region, onEnter, onExit func(Region)) (CancelFunc, error) {
	if region.Radius <= 0 {
		return nil, ErrInvalidRegion
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextId
	p.nextId++
	m := &monitoredRegion{region: region, onEnter: onEnter, onExit: onExit}
	if p.last != nil {
		m.known = true
		m.inside = region.Contains(p.last.Latitude, p.last.Longitude)
	}
	p.regions[id] = m
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.regions, id)
	}, nil
}

func (p *FeedProvider) CurrentLocation(ctx context.Context, accuracy float64) (Fix, error) {
	p.mu.Lock()
	if p.last != nil && p.now().Sub(p.last.Timestamp) < freshFixAge && accurateEnough(*p.last, accuracy) {
		fix := *p.last
		p.mu.Unlock()
		return fix, nil
	}
	id := p.nextId
	p.nextId++
	ch := make(chan fixResult, 1)
	p.waiters[id] = fixWaiter{accuracy: accuracy, ch: ch}
	p.mu.Unlock()

	select {
	case res := <-ch:
		return res.fix, res.err
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.waiters, id)
		p.mu.Unlock()
		return Fix{}, ctx.Err()
	}
}

// Feed publishes a new fix to subscribers, region monitors and pending
// CurrentLocation calls.
func (p *FeedProvider) Feed(fix Fix) {
	if fix.Timestamp.IsZero() {
		fix.Timestamp = p.now()
	}

	var calls []func()
	p.mu.Lock()
	p.last = &fix

	if p.lastSignificant == nil ||
		Distance(p.lastSignificant.Latitude, p.lastSignificant.Longitude, fix.Latitude, fix.Longitude) >= SignificantChangeDistance {
		p.lastSignificant = &fix
		for _, id := range sortedKeys(p.changes) {
			onChange := p.changes[id].onChange
			calls = append(calls, func() { onChange(fix) })
		}
	}

	for _, id := range sortedKeys(p.regions) {
		m := p.regions[id]
		inside := m.region.Contains(fix.Latitude, fix.Longitude)
		if !m.known {
			m.known, m.inside = true, inside
			continue
		}
		if inside == m.inside {
			continue
		}
		m.inside = inside
		region := m.region
		if inside {
			calls = append(calls, func() { m.onEnter(region) })
		} else {
			calls = append(calls, func() { m.onExit(region) })
		}
	}

	for id, w := range p.waiters {
		if accurateEnough(fix, w.accuracy) {
			w.ch <- fixResult{fix: fix}
			delete(p.waiters, id)
		}
	}
	p.mu.Unlock()

	for _, call := range calls {
		call()
	}
}

// Fail reports err to significant-change subscribers and pending CurrentLocation calls.
func (p *FeedProvider) Fail(err error) {
	var calls []func()
	p.mu.Lock()
	for _, id := range sortedKeys(p.changes) {
		if onError := p.changes[id].onError; onError != nil {
			calls = append(calls, func() { onError(err) })
		}
	}
	for id, w := range p.waiters {
		w.ch <- fixResult{err: err}
		delete(p.waiters, id)
	}
	p.mu.Unlock()

	for _, call := range calls {
		call()
	}
}

func accurateEnough(fix Fix, accuracy float64) bool {
	return accuracy <= 0 || fix.Accuracy <= accuracy
}

func sortedKeys[V any](m map[int]V) []int {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
