// Package instruct routes operator messages to workers. Delivery tries the
// worker's direct endpoint first and falls back to queueing on the relay,
// so a message always lands somewhere the worker will see it.
package instruct

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/buildd-ai/buildd-sub001/pkg/directconn"
	"github.com/buildd-ai/buildd-sub001/pkg/probe"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

// Via names the path a message actually took.
type Via string

const (
	ViaDirect Via = "direct"
	ViaRelay  Via = "relay"
)

// Receipt reports how a delivery ended.
type Receipt struct {
	Delivered bool
	Via       Via
	// InstructionID is set on the relay path, where the message is queued
	// until the worker picks it up.
	InstructionID int64
}

// WorkerSource resolves worker identity to its serving endpoint.
type WorkerSource interface {
	GetWorker(ctx context.Context, id string) (protocol.Worker, error)
}

// RelayQueue enqueues an instruction on the relay for later pickup.
type RelayQueue interface {
	Instruct(ctx context.Context, workerID string, req protocol.InstructRequest) (protocol.InstructResponse, error)
}

// DirectChannel is the push path to one worker endpoint.
type DirectChannel interface {
	Connect(ctx context.Context) directconn.Status
	Send(ctx context.Context, workerID, message string) bool
}

// Config tunes the Deliverer. The zero value works for relay-only setups.
type Config struct {
	Tokens      directconn.TokenSource
	Prober      *probe.Prober
	SendTimeout time.Duration
	Client      *http.Client

	// NewChannel overrides direct channel construction.
	NewChannel func(endpoint string) DirectChannel
}

// Deliverer sends instructions to workers, caching one direct channel per
// endpoint across calls.
type Deliverer struct {
	cfg     Config
	workers WorkerSource
	relay   RelayQueue

	mu       sync.Mutex
	channels map[string]DirectChannel
}

// New builds a Deliverer around a worker source and a relay queue.
func New(workers WorkerSource, relay RelayQueue, cfg Config) *Deliverer {
	d := &Deliverer{
		cfg:      cfg,
		workers:  workers,
		relay:    relay,
		channels: make(map[string]DirectChannel),
	}
	if d.cfg.NewChannel == nil {
		d.cfg.NewChannel = d.defaultChannel
	}
	return d
}

// Deliver pushes req to the worker. The direct endpoint is attempted first;
// any direct failure falls through to the relay queue. The returned Receipt
// says which path carried the message. An error means neither path did.
func (d *Deliverer) Deliver(ctx context.Context, workerID string, req protocol.InstructRequest) (Receipt, error) {
	if endpoint := d.endpointFor(ctx, workerID); endpoint != "" {
		ch := d.channel(endpoint)
		if ch.Connect(ctx) == directconn.StatusConnected && ch.Send(ctx, workerID, req.Message) {
			return Receipt{Delivered: true, Via: ViaDirect}, nil
		}
	}

	resp, err := d.relay.Instruct(ctx, workerID, req)
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{Delivered: true, Via: ViaRelay, InstructionID: resp.InstructionID}, nil
}

// endpointFor looks up the worker's endpoint. A failed lookup just means the
// direct path is unknown; the relay still gets its chance.
func (d *Deliverer) endpointFor(ctx context.Context, workerID string) string {
	worker, err := d.workers.GetWorker(ctx, workerID)
	if err != nil {
		return ""
	}
	return worker.Endpoint
}

func (d *Deliverer) channel(endpoint string) DirectChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.channels[endpoint]
	if !ok {
		ch = d.cfg.NewChannel(endpoint)
		d.channels[endpoint] = ch
	}
	return ch
}

func (d *Deliverer) defaultChannel(endpoint string) DirectChannel {
	return directconn.New(directconn.Config{
		Endpoint:    endpoint,
		Tokens:      d.cfg.Tokens,
		Prober:      d.cfg.Prober,
		SendTimeout: d.cfg.SendTimeout,
		Client:      d.cfg.Client,
	})
}
