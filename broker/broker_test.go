package broker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeSettler struct {
	acked   bool
	nacked  bool
	requeue bool
	err     error
}

func (f *fakeSettler) Ack(multiple bool) error {
	f.acked = true
	return f.err
}

func (f *fakeSettler) Nack(multiple, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return f.err
}

func TestSettleAcksHandledDelivery(t *testing.T) {
	s := &fakeSettler{}
	settle(s, "recv_queue_index_1", nil)
	assert.True(t, s.acked)
	assert.False(t, s.nacked)
}

func TestSettleDropsRejectedDeliveryWithoutRequeue(t *testing.T) {
	s := &fakeSettler{}
	settle(s, "recv_queue_index_1", errors.New("malformed envelope"))
	assert.True(t, s.nacked)
	assert.False(t, s.requeue, "a poison message must not loop back onto the queue")
	assert.False(t, s.acked)
}

func TestSettleToleratesBrokenChannel(t *testing.T) {
	s := &fakeSettler{err: errors.New("channel closed")}
	settle(s, "recv_queue_index_1", nil)
	assert.True(t, s.acked)
}
