package collab

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cespare/xxhash/v2"

	"paramsync/backend/internal/observability"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - 不阻塞提交流程（引擎只负责入队）
// - Kafka 短暂阻塞时靠队列吸收
// - 队列满时允许丢弃，避免内存无限增长
// - 按 sessionId 哈希分片，每个分片一个 worker，同一会话的事件按入队顺序发送
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	shards []chan CommitEvent

	// 限制并发的 SendMessage 数量
	sendSem *SemaphoreControl

	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	logger  *slog.Logger
	metrics *observability.Metrics

	wg sync.WaitGroup
	// closed 之后 Enqueue 直接返回错误
	mu     sync.RWMutex
	closed bool
}

var (
	ErrDispatcherClosed = errors.New("kafka dispatcher closed")
	ErrQueueFull        = errors.New("kafka dispatcher queue full")
)

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, sendSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	perShard := (opt.QueueSize + opt.Workers - 1) / opt.Workers
	shards := make([]chan CommitEvent, opt.Workers)
	for i := range shards {
		shards[i] = make(chan CommitEvent, perShard)
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		shards:      shards,
		sendSem:     sendSem,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		logger:      opt.Logger.With("component", "kafka"),
		metrics:     opt.Metrics,
	}

	d.start()
	return d
}

func (d *KafkaDispatcher) shard(sessionID string) chan CommitEvent {
	return d.shards[xxhash.Sum64String(sessionID)%uint64(len(d.shards))]
}

// TryEnqueue 非阻塞入队，引擎在会话临界区内调用；分片已满时丢弃并返回 ErrQueueFull
func (d *KafkaDispatcher) TryEnqueue(evt CommitEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.shard(evt.SessionID) <- evt:
		return nil
	default:
		d.metrics.KafkaDropped()
		return ErrQueueFull
	}
}

// Enqueue 把事件放入本地队列。
// 队列满时等待直到 ctx 结束，然后返回错误（事件流不要求每条必达）
func (d *KafkaDispatcher) Enqueue(ctx context.Context, evt CommitEvent) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	q := d.shard(evt.SessionID)
	select {
	case q <- evt:
		return nil
	default:
	}
	select {
	case q <- evt:
		return nil
	case <-ctx.Done():
		d.metrics.KafkaDropped()
		return ctx.Err()
	}
}

// Close 停止接收并等待队列中剩余事件发送完毕
func (d *KafkaDispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		for _, q := range d.shards {
			close(q)
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *KafkaDispatcher) start() {
	for i := range d.shards {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// workerLoop 重试期间阻塞本分片，保证同一会话不乱序
func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.shards[workerID] {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt CommitEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.sendSem != nil {
			// worker 可以一直等
			_ = d.sendSem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.sendSem != nil {
			_ = d.sendSem.Release()
		}

		if err == nil {
			return
		}

		if attempt == d.maxRetry {
			d.metrics.KafkaDropped()
			d.logger.Warn("kafka send failed, drop event",
				"session", evt.SessionID, "seq", evt.Seq, "worker", workerID, "err", err)
			return
		}

		// 退避，每次 x2，封顶 maxBackoff
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if d.maxBackoff > 0 && backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt CommitEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.SessionID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
