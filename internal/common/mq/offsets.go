package mq

import (
	"sync"

	"github.com/segmentio/kafka-go"
)

// offsetTracker lets handlers finish out of order while offsets are committed in order.
// Committing offset N tells the group everything before N is done, so a partition's
// commit only advances past a contiguous run of finished messages.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int][]*trackedOffset
}

type trackedOffset struct {
	msg  kafka.Message
	done bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int][]*trackedOffset)}
}

// track records a fetched message. Messages of one partition arrive in offset order.
func (t *offsetTracker) track(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partitions[msg.Partition] = append(t.partitions[msg.Partition], &trackedOffset{msg: msg})
}

// done marks msg finished and returns the message whose offset is now safe to commit.
func (t *offsetTracker) done(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pending := t.partitions[msg.Partition]
	for _, p := range pending {
		if p.msg.Offset == msg.Offset {
			p.done = true
			break
		}
	}

	var commit kafka.Message
	found := false
	for len(pending) > 0 && pending[0].done {
		commit = pending[0].msg
		found = true
		pending = pending[1:]
	}
	t.partitions[msg.Partition] = pending
	return commit, found
}

// inFlight reports how many tracked messages are not yet committable.
func (t *offsetTracker) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, pending := range t.partitions {
		n += len(pending)
	}
	return n
}
