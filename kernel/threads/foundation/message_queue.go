package foundation

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/nmxmxh/sabproxy/kernel/threads/sab"
	"github.com/nmxmxh/sabproxy/kernel/threads/schema"
)

// Message slot layout
const (
	MESSAGE_SIZE         = 256
	MESSAGE_HEADER_SIZE  = 32
	MESSAGE_PAYLOAD_SIZE = MESSAGE_SIZE - MESSAGE_HEADER_SIZE
	MESSAGE_MAGIC        = 0x4D53475F45504F43

	slotMagic    = 0
	slotSequence = 8
	slotType     = 16
	slotSize     = 18
	slotChecksum = 20

	slotAlign = 64
)

var (
	ErrQueueFull       = errors.New("queue full")
	ErrQueueEmpty      = errors.New("queue empty")
	ErrQueueClosed     = errors.New("queue closed")
	ErrPayloadTooLarge = errors.New("payload exceeds slot")
	ErrCorrupt         = errors.New("corrupted message")
	ErrBadCapacity     = errors.New("capacity must be a non-zero power of two")
)

// MessageQueue is a single-producer single-consumer ring in a shared
// region. Its control block is a schema.ChannelConfig; the slots follow it
// at the next cache-line boundary. Positions are free-running and the slot
// index is position & (capacity-1).
type MessageQueue struct {
	cfg      schema.ChannelConfig
	slots    *sab.Region
	capacity uint32
	notify   *Epoch
	stats    QueueStats
}

// QueueStats tracks queue activity in this process.
type QueueStats struct {
	Enqueued atomic.Uint64
	Dequeued atomic.Uint64
	Dropped  atomic.Uint64
	MaxDepth atomic.Uint32
}

// Message is a received message. Payload is a copy.
type Message struct {
	Sequence uint64
	Type     uint8
	Payload  []byte
}

// QueueFootprint returns the bytes a queue of capacity slots occupies.
// Queues start on a 64-byte boundary.
func QueueFootprint(capacity uint32) uintptr {
	return slotsOffset(0) + uintptr(capacity)*MESSAGE_SIZE
}

func slotsOffset(base uintptr) uintptr {
	return sab.AlignOffset(base+schema.ChannelConfigType().Size, slotAlign)
}

// CreateMessageQueue lays out an empty queue at offset and stamps its
// control block.
func CreateMessageQueue(r *sab.Region, offset uintptr, capacity uint32) (*MessageQueue, error) {
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("capacity %d: %w", capacity, ErrBadCapacity)
	}
	mq, err := bindQueue(r, offset, capacity)
	if err != nil {
		return nil, err
	}
	mq.cfg.Store(schema.ChannelConfigValue{
		BufferSize: capacity,
		Sync:       schema.ChannelSyncValue{Generation: uint64(time.Now().UnixNano())},
	})
	return mq, nil
}

// OpenMessageQueue binds a queue another party created at offset.
func OpenMessageQueue(r *sab.Region, offset uintptr) (*MessageQueue, error) {
	cfg, err := schema.BindChannelConfig(r, offset)
	if err != nil {
		return nil, err
	}
	capacity := cfg.BufferSize
	if capacity == 0 || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("queue at %#x: capacity %d: %w", offset, capacity, ErrBadCapacity)
	}
	return bindQueue(r, offset, capacity)
}

func bindQueue(r *sab.Region, offset uintptr, capacity uint32) (*MessageQueue, error) {
	if offset%slotAlign != 0 {
		return nil, fmt.Errorf("queue at %#x: %w", offset, sab.ErrMisaligned)
	}
	cfg, err := schema.BindChannelConfig(r, offset)
	if err != nil {
		return nil, err
	}
	slots, err := r.Sub("queue-slots", slotsOffset(offset), uintptr(capacity)*MESSAGE_SIZE)
	if err != nil {
		return nil, fmt.Errorf("queue at %#x: %w", offset, err)
	}
	return &MessageQueue{cfg: cfg, slots: slots, capacity: capacity}, nil
}

// WithNotify makes Enqueue increment e and DequeueWait wait on it.
func (mq *MessageQueue) WithNotify(e *Epoch) *MessageQueue {
	mq.notify = e
	return mq
}

// Config returns the bound control block.
func (mq *MessageQueue) Config() schema.ChannelConfig {
	return mq.cfg
}

func (mq *MessageQueue) Stats() *QueueStats {
	return &mq.stats
}

func (mq *MessageQueue) Capacity() uint32 {
	return mq.capacity
}

// Len returns the number of unread messages.
func (mq *MessageQueue) Len() uint32 {
	return mq.cfg.Sync.Pending()
}

// Close marks the queue terminated. Pending messages can still be read.
func (mq *MessageQueue) Close() {
	mq.cfg.Sync.Terminate.StoreRelease(true)
	if mq.notify != nil {
		mq.notify.Increment()
	}
}

func (mq *MessageQueue) Closed() bool {
	return mq.cfg.Sync.Terminate.LoadAcquire()
}

// Attach registers a reader and returns the number attached.
func (mq *MessageQueue) Attach() uint32 {
	return mq.cfg.Sync.ActiveReaders.FetchAdd(1)
}

// Detach unregisters a reader.
func (mq *MessageQueue) Detach() uint32 {
	return mq.cfg.Sync.ActiveReaders.FetchSub(1)
}

// Enqueue copies payload into the next slot and publishes it. Only one
// goroutine or process may enqueue.
func (mq *MessageQueue) Enqueue(msgType uint8, payload []byte) (uint64, error) {
	if len(payload) > MESSAGE_PAYLOAD_SIZE {
		return 0, fmt.Errorf("%d bytes: %w", len(payload), ErrPayloadTooLarge)
	}
	if mq.Closed() {
		return 0, ErrQueueClosed
	}

	ctl := mq.cfg.Sync
	writer := ctl.WriterPosition.LoadRelaxed()
	reader := ctl.ReaderPosition.LoadAcquire()
	if writer-reader >= mq.capacity {
		mq.stats.Dropped.Add(1)
		return 0, ErrQueueFull
	}

	seq := mq.cfg.Sequence.FetchAdd(1)
	slot := mq.slot(writer)
	binary.LittleEndian.PutUint64(slot[slotMagic:], MESSAGE_MAGIC)
	binary.LittleEndian.PutUint64(slot[slotSequence:], seq)
	slot[slotType] = msgType
	binary.LittleEndian.PutUint16(slot[slotSize:], uint16(len(payload)))
	binary.LittleEndian.PutUint32(slot[slotChecksum:], checksum(payload))
	copy(slot[MESSAGE_HEADER_SIZE:], payload)

	ctl.WriterPosition.StoreRelease(writer + 1)
	mq.cfg.Balance.FetchAdd(int64(len(payload)))

	mq.stats.Enqueued.Add(1)
	mq.trackDepth(writer + 1 - reader)
	if mq.notify != nil {
		mq.notify.Increment()
	}
	return seq, nil
}

// Dequeue reads the oldest message. Only one goroutine or process may
// dequeue.
func (mq *MessageQueue) Dequeue() (Message, error) {
	ctl := mq.cfg.Sync
	reader := ctl.ReaderPosition.LoadRelaxed()
	writer := ctl.WriterPosition.LoadAcquire()
	if reader == writer {
		if mq.Closed() {
			return Message{}, ErrQueueClosed
		}
		return Message{}, ErrQueueEmpty
	}

	slot := mq.slot(reader)
	if binary.LittleEndian.Uint64(slot[slotMagic:]) != MESSAGE_MAGIC {
		return Message{}, fmt.Errorf("slot %d: bad magic: %w", reader&(mq.capacity-1), ErrCorrupt)
	}
	size := binary.LittleEndian.Uint16(slot[slotSize:])
	if size > MESSAGE_PAYLOAD_SIZE {
		return Message{}, fmt.Errorf("slot %d: size %d: %w", reader&(mq.capacity-1), size, ErrCorrupt)
	}
	msg := Message{
		Sequence: binary.LittleEndian.Uint64(slot[slotSequence:]),
		Type:     slot[slotType],
		Payload:  append([]byte(nil), slot[MESSAGE_HEADER_SIZE:MESSAGE_HEADER_SIZE+int(size)]...),
	}
	if checksum(msg.Payload) != binary.LittleEndian.Uint32(slot[slotChecksum:]) {
		return Message{}, fmt.Errorf("slot %d: checksum: %w", reader&(mq.capacity-1), ErrCorrupt)
	}

	ctl.ReaderPosition.StoreRelease(reader + 1)
	mq.cfg.Balance.FetchSub(int64(size))
	mq.stats.Dequeued.Add(1)
	return msg, nil
}

// DequeueWait is Dequeue that waits for a message while the queue is empty
// and open. Without a notify epoch it polls.
func (mq *MessageQueue) DequeueWait(ctx context.Context) (Message, error) {
	var cursor *Epoch
	if mq.notify != nil {
		cursor = mq.notify.Reader()
	}
	for {
		msg, err := mq.Dequeue()
		if !errors.Is(err, ErrQueueEmpty) {
			return msg, err
		}
		if cursor != nil {
			if _, err := cursor.WaitForChange(ctx, pollMax); err != nil {
				return Message{}, err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-time.After(pollMin):
		}
	}
}

func (mq *MessageQueue) slot(position uint32) []byte {
	off := uintptr(position&(mq.capacity-1)) * MESSAGE_SIZE
	return mq.slots.Bytes()[off : off+MESSAGE_SIZE]
}

func (mq *MessageQueue) trackDepth(depth uint32) {
	for {
		peak := mq.stats.MaxDepth.Load()
		if depth <= peak || mq.stats.MaxDepth.CompareAndSwap(peak, depth) {
			return
		}
	}
}

func checksum(payload []byte) uint32 {
	return uint32(xxhash.Sum64(payload))
}
