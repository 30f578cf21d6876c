package pubsub

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/ipcfabric/shmipc"
	"github.com/ipcfabric/shmipc/pkg/config"
	"github.com/ipcfabric/shmipc/pkg/connection"
	"github.com/ipcfabric/shmipc/pkg/segment"
	"github.com/ipcfabric/shmipc/pkg/shmem"
)

// Sample is a received, zero-copy view into a publisher's data
// segment: Data aliases the publisher's bucket directly, no bytes
// copied (spec.md §8, "Zero-copy identity").
type Sample struct {
	Offset shmipc.PointerOffset
	Data   []byte
}

// Subscriber is the receiver-facing half of spec.md §4.6: it joins the
// topic's subscriber registry (so the publisher's reconciliation finds
// it), opens the Receiver port of the connection the publisher will
// create for that slot, and lazily maps the publisher's data segment.
type Subscriber struct {
	topic    string
	registry *Registry
	slot     int
	id       uuid.UUID

	receiver *connection.Receiver
	view     *segment.View
}

// NewSubscriber joins topicName's registry and opens its connection.
func NewSubscriber(topicName string, registry *Registry, cfg *config.Config, root string, logger *slog.Logger) (*Subscriber, error) {
	slot, id := registry.Join()

	name := connectionName(topicName, slot, id)
	b := connection.NewBuilder(name).WithConfig(cfg).WithRoot(root).WithLogger(logger)
	receiver, err := b.OpenReceiver()
	if err != nil {
		registry.Leave(slot)
		return nil, err
	}

	segPath := shmem.Name(root, "", topicName, shmem.DataSegmentSuffix)
	return &Subscriber{
		topic:    topicName,
		registry: registry,
		slot:     slot,
		id:       id,
		receiver: receiver,
		view:     segment.NewView(segPath),
	}, nil
}

// HasData reports whether a sample is waiting.
func (s *Subscriber) HasData() bool { return s.receiver.HasData() }

// Receive pops one offset, translates it through the data-segment
// view, and returns the resulting zero-copy Sample. ok is false if no
// sample was ready.
func (s *Subscriber) Receive(sampleSize uint64) (Sample, bool, error) {
	offset, ok, err := s.receiver.Receive()
	if err != nil {
		return Sample{}, false, err
	}
	if !ok {
		return Sample{}, false, nil
	}
	data, err := s.view.RegisterAndTranslateOffset(uint8(offset.Segment()), offset.Offset(), sampleSize)
	if err != nil {
		return Sample{}, true, err
	}
	return Sample{Offset: offset, Data: data}, true, nil
}

// Release returns a received Sample's offset to the publisher via the
// completion channel.
func (s *Subscriber) Release(offset shmipc.PointerOffset) error {
	return s.receiver.Release(offset)
}

// Close leaves the subscriber registry (signalling the publisher to
// tear down its side on next reconciliation), releases the Receiver
// port, and unmaps every data-segment view it opened.
func (s *Subscriber) Close() error {
	s.registry.Leave(s.slot)
	s.receiver.ReleasePort()
	return s.view.Close()
}
