package broker

import (
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Delivery is one pulled message. Only the processor settles it.
type Delivery interface {
	Subject() string
	Data() []byte
	Headers() map[string][]string
	DeliveryCount() int
	Ack() error
	Nak() error
	NakWithDelay(delay time.Duration) error
	InProgress() error
}

// jsDelivery adapts a jetstream message and refuses settlement once the
// owning connection has been shut down.
type jsDelivery struct {
	msg    jetstream.Msg
	closed func() bool
}

func newDelivery(msg jetstream.Msg, closed func() bool) *jsDelivery {
	if closed == nil {
		closed = func() bool { return false }
	}
	return &jsDelivery{msg: msg, closed: closed}
}

func (d *jsDelivery) Subject() string { return d.msg.Subject() }

func (d *jsDelivery) Data() []byte { return d.msg.Data() }

func (d *jsDelivery) Headers() map[string][]string { return d.msg.Headers() }

// DeliveryCount is the broker's redelivery counter, 1 when unavailable.
func (d *jsDelivery) DeliveryCount() int {
	md, err := d.msg.Metadata()
	if err != nil || md == nil || md.NumDelivered == 0 {
		return 1
	}
	return int(md.NumDelivered)
}

func (d *jsDelivery) Ack() error {
	if d.closed() {
		return ErrConnectionClosed
	}
	return d.msg.Ack()
}

func (d *jsDelivery) Nak() error {
	if d.closed() {
		return ErrConnectionClosed
	}
	return d.msg.Nak()
}

func (d *jsDelivery) NakWithDelay(delay time.Duration) error {
	if d.closed() {
		return ErrConnectionClosed
	}
	if delay <= 0 {
		return d.msg.Nak()
	}
	return d.msg.NakWithDelay(delay)
}

func (d *jsDelivery) InProgress() error {
	if d.closed() {
		return ErrConnectionClosed
	}
	return d.msg.InProgress()
}
