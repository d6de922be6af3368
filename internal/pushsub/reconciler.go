package pushsub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

type State string

const (
	StateUnknown       State = "unknown"
	StateUnsupported   State = "unsupported"
	StateIdle          State = "idle"
	StateSubscribing   State = "subscribing"
	StateSubscribed    State = "subscribed"
	StateUnsubscribing State = "unsubscribing"
	StateReconciling   State = "reconciling"
)

type StatusSource string

const (
	SourceNone   StatusSource = "none"
	SourceRemote StatusSource = "remote"
	SourceCache  StatusSource = "cache"
)

type StatusResult struct {
	Subscribed bool
	Endpoint   string
	Source     StatusSource
}

type Logger interface {
	Printf(format string, args ...any)
}

type ReconcilerOptions struct {
	Engine   Engine
	Registry RegistryClient
	Store    StatusStore
	Logger   Logger
}

type Reconciler struct {
	engine   Engine
	registry RegistryClient
	store    StatusStore
	logger   Logger

	opMu sync.Mutex

	stateMu        sync.Mutex
	state          State
	supportChecked bool
	supported      bool
	serverKey      []byte
}

func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("registry client is required")
	}
	store := opts.Store
	if store == nil {
		store = NewInMemoryStatusStore()
	}
	return &Reconciler{
		engine:   opts.Engine,
		registry: opts.Registry,
		store:    store,
		logger:   opts.Logger,
		state:    StateUnknown,
	}, nil
}

func (r *Reconciler) State() State {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.state
}

func (r *Reconciler) CheckSupport() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.supportChecked {
		return r.supported
	}
	r.supportChecked = true
	r.supported = r.engine.Supported()
	if !r.supported {
		r.state = StateUnsupported
	} else if r.state == StateUnknown {
		r.state = StateIdle
	}
	return r.supported
}

func (r *Reconciler) FetchServerKey(ctx context.Context) error {
	raw, err := r.registry.VapidPublicKey(ctx)
	if err != nil {
		return err
	}
	if raw == "" {
		return ErrConfigMissing
	}
	key, err := DecodeServerKey(raw)
	if err != nil {
		return err
	}
	r.stateMu.Lock()
	r.serverKey = key
	r.stateMu.Unlock()
	return nil
}

func (r *Reconciler) ServerKeyLoaded() bool {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return len(r.serverKey) > 0
}

func (r *Reconciler) Bootstrap(ctx context.Context) (StatusResult, error) {
	if !r.CheckSupport() {
		return StatusResult{Source: SourceNone}, nil
	}
	if err := r.FetchServerKey(ctx); err != nil {
		r.logf("server key unavailable: %v", err)
	}
	if cached, err := r.store.Load(); err == nil && cached != nil && cached.Subscribed {
		if sub, subErr := r.engine.Subscription(ctx); subErr == nil && sub != nil && sub.Endpoint == cached.Endpoint {
			r.setState(StateSubscribed)
		}
	}
	return r.Status(ctx)
}

func (r *Reconciler) Status(ctx context.Context) (StatusResult, error) {
	if !r.CheckSupport() {
		return StatusResult{Source: SourceNone}, nil
	}
	r.opMu.Lock()
	defer r.opMu.Unlock()
	r.setState(StateReconciling)
	result, err := r.statusLocked(ctx)
	if result.Subscribed {
		r.setState(StateSubscribed)
	} else {
		r.setState(StateIdle)
	}
	return result, err
}

func (r *Reconciler) statusLocked(ctx context.Context) (StatusResult, error) {
	sub, err := r.engine.Subscription(ctx)
	if err != nil {
		return StatusResult{Source: SourceNone}, fmt.Errorf("%w: %v", ErrPlatformFailure, err)
	}
	if sub == nil {
		if clearErr := r.store.Clear(); clearErr != nil {
			r.logf("clear cached status: %v", clearErr)
		}
		return StatusResult{Source: SourceNone}, nil
	}
	remotes, err := r.registry.ListSubscriptions(ctx)
	if err == nil {
		for _, remote := range remotes {
			if remote.Endpoint == sub.Endpoint && remote.Active {
				r.saveStatus(sub.Endpoint)
				return StatusResult{Subscribed: true, Endpoint: sub.Endpoint, Source: SourceRemote}, nil
			}
		}
		if clearErr := r.store.Clear(); clearErr != nil {
			r.logf("clear cached status: %v", clearErr)
		}
		return StatusResult{Endpoint: sub.Endpoint, Source: SourceRemote}, nil
	}
	r.logf("registry status unavailable, using cached status: %v", err)
	cached, loadErr := r.store.Load()
	if loadErr != nil {
		r.logf("load cached status: %v", loadErr)
	}
	if cached != nil && cached.Subscribed && cached.Endpoint == sub.Endpoint {
		return StatusResult{Subscribed: true, Endpoint: sub.Endpoint, Source: SourceCache}, nil
	}
	return StatusResult{Endpoint: sub.Endpoint, Source: SourceCache}, nil
}

func (r *Reconciler) Subscribe(ctx context.Context) (*Subscription, error) {
	if !r.CheckSupport() {
		return nil, ErrNotSupported
	}
	if !r.opMu.TryLock() {
		return nil, ErrBusy
	}
	defer r.opMu.Unlock()
	r.setState(StateSubscribing)
	sub, err := r.subscribeLocked(ctx)
	if err != nil {
		r.setState(StateIdle)
		return nil, err
	}
	r.setState(StateSubscribed)
	return sub, nil
}

func (r *Reconciler) subscribeLocked(ctx context.Context) (*Subscription, error) {
	if !r.ServerKeyLoaded() {
		if err := r.FetchServerKey(ctx); err != nil {
			if errors.Is(err, ErrInvalidServerKey) || errors.Is(err, ErrConfigMissing) {
				return nil, fmt.Errorf("%w: %v", ErrConfigMissing, err)
			}
			return nil, err
		}
	}
	perm, err := r.engine.RequestPermission(ctx)
	if err != nil {
		return nil, err
	}
	if perm != PermissionGranted {
		return nil, ErrPermissionDenied
	}

	existing, err := r.engine.Subscription(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlatformFailure, err)
	}
	if existing != nil {
		sub, handled, adoptErr := r.adoptExisting(ctx, existing)
		if handled {
			return sub, adoptErr
		}
	}

	key := r.serverKeySnapshot()
	created, err := r.createSubscription(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := r.register(ctx, created); err != nil {
		return nil, err
	}
	r.saveStatus(created.Endpoint)
	return created, nil
}

func (r *Reconciler) adoptExisting(ctx context.Context, existing *Subscription) (*Subscription, bool, error) {
	remotes, err := r.registry.ListSubscriptions(ctx)
	if err != nil {
		if errors.Is(err, ErrBackendUnreachable) {
			r.logf("registry unreachable, keeping existing subscription %s", existing.Endpoint)
			r.saveStatus(existing.Endpoint)
			return existing, true, nil
		}
		return nil, true, err
	}
	for _, remote := range remotes {
		if remote.Endpoint == existing.Endpoint && remote.Active {
			r.saveStatus(existing.Endpoint)
			return existing, true, nil
		}
	}
	if regErr := r.register(ctx, existing); regErr == nil {
		r.saveStatus(existing.Endpoint)
		return existing, true, nil
	} else if errors.Is(regErr, ErrBackendUnreachable) {
		return nil, true, regErr
	}
	r.logf("registry rejected existing subscription %s, recreating", existing.Endpoint)
	if unErr := r.engine.Unsubscribe(ctx); unErr != nil {
		return nil, true, fmt.Errorf("%w: %v", ErrPlatformFailure, unErr)
	}
	return nil, false, nil
}

func (r *Reconciler) createSubscription(ctx context.Context, key []byte) (*Subscription, error) {
	sub, err := r.engine.Subscribe(ctx, key)
	if err == nil {
		return sub, nil
	}
	var abortErr *AbortError
	if !errors.As(err, &abortErr) {
		return nil, fmt.Errorf("%w: %v", ErrPlatformFailure, err)
	}
	r.logf("push service aborted subscribe, retrying once: %v", err)
	if unErr := r.engine.Unsubscribe(ctx); unErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlatformFailure, unErr)
	}
	sub, err = r.engine.Subscribe(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlatformFailure, err)
	}
	return sub, nil
}

func (r *Reconciler) register(ctx context.Context, sub *Subscription) error {
	err := r.registry.CreateSubscription(ctx, *sub)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrEndpointConflict) {
		r.logf("endpoint %s already registered", sub.Endpoint)
		return nil
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusBadRequest {
		if actErr := r.registry.ActivateByEndpoint(ctx, sub.Endpoint); actErr == nil {
			r.logf("reactivated subscription for endpoint %s", sub.Endpoint)
			return nil
		}
	}
	return err
}

func (r *Reconciler) Unsubscribe(ctx context.Context) error {
	if !r.CheckSupport() {
		return ErrNotSupported
	}
	if !r.opMu.TryLock() {
		return ErrBusy
	}
	defer r.opMu.Unlock()
	r.setState(StateUnsubscribing)
	defer r.setState(StateIdle)

	sub, err := r.engine.Subscription(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPlatformFailure, err)
	}
	if sub != nil {
		if unregErr := r.registry.Unregister(ctx, sub.Endpoint); unregErr != nil {
			r.logf("unregister %s failed: %v", sub.Endpoint, unregErr)
		}
		if unErr := r.engine.Unsubscribe(ctx); unErr != nil {
			if clearErr := r.store.Clear(); clearErr != nil {
				r.logf("clear cached status: %v", clearErr)
			}
			return fmt.Errorf("%w: %v", ErrPlatformFailure, unErr)
		}
	}
	return r.store.Clear()
}

func (r *Reconciler) SendTestNotification(ctx context.Context) error {
	if !r.CheckSupport() {
		return ErrNotSupported
	}
	return r.registry.SendTestNotification(ctx)
}

func (r *Reconciler) saveStatus(endpoint string) {
	if err := r.store.Save(&CachedStatus{Subscribed: true, Endpoint: endpoint}); err != nil {
		r.logf("save cached status: %v", err)
	}
}

func (r *Reconciler) serverKeySnapshot() []byte {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	return r.serverKey
}

func (r *Reconciler) setState(state State) {
	r.stateMu.Lock()
	r.state = state
	r.stateMu.Unlock()
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
