// Package fleet ties the transport, resolver, dispatcher, reconciler
// and updater together behind the surface the CLI commands call.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hybo/ilidar-tool/internal/dispatch"
	"github.com/hybo/ilidar-tool/internal/firmware"
	"github.com/hybo/ilidar-tool/internal/logging"
	"github.com/hybo/ilidar-tool/internal/protocol"
	"github.com/hybo/ilidar-tool/internal/reconcile"
	"github.com/hybo/ilidar-tool/internal/resolve"
	"github.com/hybo/ilidar-tool/internal/transport"
)

// Options collects everything the CLI flags can tune. Zero values keep
// the transport defaults; DataPort 0 binds an ephemeral port, so callers
// that want the well-known sensor destination pass
// protocol.DefaultDataPort explicitly.
type Options struct {
	HostIP      string
	DataPort    int
	BroadcastIP string

	Window time.Duration
	Filter resolve.Filter

	Timeout time.Duration
	Retries int
}

// Fleet is a connected session with the local sensor network. Close it
// when done; a closed fleet cannot be reconnected.
type Fleet struct {
	mux        *transport.Mux
	resolver   *resolve.Resolver
	dispatcher *dispatch.Dispatcher
	log        *zap.Logger
}

// Connect binds the UDP sockets and starts the receive loop. The loop
// stops when ctx is cancelled or the fleet is closed.
func Connect(ctx context.Context, opts Options) (*Fleet, error) {
	mux, err := transport.NewMux(transport.Options{
		HostIP:      opts.HostIP,
		DataPort:    opts.DataPort,
		BroadcastIP: opts.BroadcastIP,
	})
	if err != nil {
		return nil, fmt.Errorf("fleet: %w", err)
	}

	f := &Fleet{
		mux:        mux,
		resolver:   resolve.New(mux, resolve.Options{Window: opts.Window, Filter: opts.Filter}),
		dispatcher: dispatch.New(mux, dispatch.Options{Timeout: opts.Timeout, Retries: opts.Retries}),
		log:        logging.GetLogger().Named("fleet"),
	}

	go func() {
		if err := mux.Run(ctx); err != nil && !errors.Is(err, transport.ErrClosed) && !errors.Is(err, context.Canceled) {
			f.log.Error("receive loop stopped", zap.Error(err))
		}
	}()

	f.log.Debug("connected", zap.String("data_addr", mux.LocalDataAddr().String()))
	return f, nil
}

// Close shuts the sockets down and stops the receive loop.
func (f *Fleet) Close() error {
	return f.mux.Close()
}

// Resolve expands target tokens (serials, IPs, "all") into the sensors
// that answered discovery. An empty token list means "all". Invalid
// tokens are an error rather than a silent skip: a typo in a serial must
// not turn a scoped command into a broader one.
func (f *Fleet) Resolve(ctx context.Context, tokens []string) (resolve.Resolution, error) {
	if len(tokens) == 0 {
		tokens = []string{"all"}
	}
	targets, invalid := resolve.ParseTargets(tokens)
	if len(invalid) > 0 {
		return resolve.Resolution{}, fmt.Errorf("fleet: invalid targets: %s", strings.Join(invalid, ", "))
	}
	return f.resolver.Resolve(ctx, targets)
}

// Scan runs a bare discovery round and returns everything that answered.
func (f *Fleet) Scan(ctx context.Context) ([]resolve.Identity, error) {
	return f.resolver.Discover(ctx)
}

// Command fans op out to the given sensors in parallel.
func (f *Fleet) Command(ctx context.Context, op protocol.Op, ids []resolve.Identity) []dispatch.Result {
	return f.dispatcher.Run(ctx, op, Targets(ids))
}

// Configure reconciles the given entries against the sensors in ids.
func (f *Fleet) Configure(ctx context.Context, entries []reconcile.Entry, ids []resolve.Identity, opts reconcile.Options) []reconcile.Result {
	return reconcile.New(f.mux, f.dispatcher).Apply(ctx, entries, ids, opts)
}

// Update flashes the given firmware images onto their matching sensors.
func (f *Fleet) Update(ctx context.Context, images []*firmware.Image, ids []resolve.Identity, opts firmware.Options) []firmware.Result {
	return firmware.NewUpdater(f.mux, f.dispatcher, f.resolver).UpdateAll(ctx, images, ids, opts)
}

// Targets converts resolved identities into dispatch targets.
func Targets(ids []resolve.Identity) []dispatch.Target {
	targets := make([]dispatch.Target, len(ids))
	for i, id := range ids {
		targets[i] = dispatch.Target{Serial: id.Serial, Addr: id.Addr}
	}
	return targets
}
