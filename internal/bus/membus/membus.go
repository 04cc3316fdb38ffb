// Package membus is an in-process bus.Adapter double: enough of Kafka/NATS
// JetStream semantics (keyed partitioning, per-partition ordering,
// independent consumer groups, at-least-once redelivery until ack) to drive
// the Dispatch Engine and Worker Registry in tests without a broker.
package membus

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/swarmguard/controlplane/internal/bus"
)

const defaultPartitions = 12

type logEntry struct {
	key   string
	value []byte
}

type partitionLog struct {
	mu      sync.Mutex
	entries []logEntry
	cond    *sync.Cond
}

func newPartitionLog() *partitionLog {
	p := &partitionLog{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *partitionLog) append(e logEntry) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
	offset := int64(len(p.entries) - 1)
	p.cond.Broadcast()
	return offset
}

// waitFor blocks until entries[offset] exists or ctx is cancelled.
func (p *partitionLog) waitFor(ctx context.Context, offset int64) (logEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for int64(len(p.entries)) <= offset {
		if ctx.Err() != nil {
			return logEntry{}, false
		}
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			case <-done:
			}
		}()
		p.cond.Wait()
		close(done)
		if ctx.Err() != nil {
			return logEntry{}, false
		}
	}
	return p.entries[offset], true
}

type topic struct {
	partitions []*partitionLog
}

// Adapter is an in-memory bus.Adapter. Safe for concurrent use.
type Adapter struct {
	mu         sync.Mutex
	topics     map[string]*topic
	partitions int
}

var _ bus.Adapter = (*Adapter)(nil)

func New() *Adapter {
	return &Adapter{topics: make(map[string]*topic), partitions: defaultPartitions}
}

func (a *Adapter) topicFor(name string) *topic {
	a.mu.Lock()
	defer a.mu.Unlock()
	t, ok := a.topics[name]
	if !ok {
		t = &topic{partitions: make([]*partitionLog, a.partitions)}
		for i := range t.partitions {
			t.partitions[i] = newPartitionLog()
		}
		a.topics[name] = t
	}
	return t
}

func partitionFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % n
}

func (a *Adapter) Publish(_ context.Context, topicName, key string, value []byte) error {
	t := a.topicFor(topicName)
	idx := partitionFor(key, len(t.partitions))
	t.partitions[idx].append(logEntry{key: key, value: value})
	return nil
}

// Subscribe starts one goroutine per partition for this group, delivering
// messages in order starting from offset 0 and re-delivering the same
// offset until the handler acks it — the at-least-once contract spec §4.2
// requires.
func (a *Adapter) Subscribe(ctx context.Context, topicName, group string, handler bus.Handler) error {
	t := a.topicFor(topicName)
	for i, p := range t.partitions {
		go a.consumePartition(ctx, topicName, i, p, handler)
	}
	return nil
}

func (a *Adapter) consumePartition(ctx context.Context, topicName string, idx int, p *partitionLog, handler bus.Handler) {
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}
		e, ok := p.waitFor(ctx, offset)
		if !ok {
			return
		}
		acked := make(chan error, 1)
		msg := bus.Message{
			Topic:     topicName,
			Partition: idx,
			Offset:    offset,
			Key:       e.key,
			Value:     e.value,
		}
		handler(ctx, msg, func() error {
			select {
			case acked <- nil:
			default:
			}
			return nil
		})
		select {
		case <-acked:
			offset++
		default:
			// handler chose not to ack (e.g. paused admission); redeliver
			// the same offset on the next loop iteration, mirroring a
			// broker that withholds commit until the consumer is ready.
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (a *Adapter) Close() error { return nil }
