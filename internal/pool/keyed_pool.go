package pool

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
)

// ErrPoolClosed 协程池已停止
var ErrPoolClosed = errors.New("pool closed")

// Task 池中执行的任务
type Task func(ctx context.Context)

// PanicHandler 任务 panic 时的回调
type PanicHandler func(key string, recovered interface{})

// KeyedPool 按键分片的协程池
//
// 同一个键的任务总是落在同一个工作协程上，按提交顺序串行执行；
// 不同键的任务在各工作协程间并行。每个分片有独立的有界队列。
type KeyedPool struct {
	shards  []chan keyedTask
	onPanic PanicHandler
	wg      sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	started bool
}

type keyedTask struct {
	key string
	run Task
}

// NewKeyedPool 创建协程池
//
// 参数:
//   - workers: 工作协程数（即分片数），<=0 时取 1
//   - queueSize: 每个分片的队列长度
//   - onPanic: 任务 panic 时的回调，可为 nil
func NewKeyedPool(workers, queueSize int, onPanic PanicHandler) *KeyedPool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &KeyedPool{
		shards:  make([]chan keyedTask, workers),
		onPanic: onPanic,
	}
	for i := range p.shards {
		p.shards[i] = make(chan keyedTask, queueSize)
	}
	return p
}

// Start 启动工作协程
//
// ctx 会传给每个任务；Stop 之前 ctx 被取消时，队列中剩余的任务仍会执行完。
func (p *KeyedPool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for _, shard := range p.shards {
		p.wg.Add(1)
		go p.worker(ctx, shard)
	}
}

// Submit 提交任务，队列满时阻塞，直到有空位或 ctx 结束
func (p *KeyedPool) Submit(ctx context.Context, key string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.shardFor(key) <- keyedTask{key: key, run: task}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit 尝试提交任务
//
// 如果队列已满或池已停止，立即返回 false
func (p *KeyedPool) TrySubmit(key string, task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	select {
	case p.shardFor(key) <- keyedTask{key: key, run: task}:
		return true
	default:
		return false
	}
}

// Pending 队列中等待执行的任务数
func (p *KeyedPool) Pending() int {
	n := 0
	for _, shard := range p.shards {
		n += len(shard)
	}
	return n
}

// Stop 停止接收新任务，等待已排队任务全部执行完
func (p *KeyedPool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, shard := range p.shards {
		close(shard)
	}
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *KeyedPool) shardFor(key string) chan keyedTask {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return p.shards[h.Sum32()%uint32(len(p.shards))]
}

// worker 工作协程，逐个执行分片中的任务直到分片关闭
func (p *KeyedPool) worker(ctx context.Context, shard <-chan keyedTask) {
	defer p.wg.Done()

	for t := range shard {
		p.run(ctx, t)
	}
}

// run 执行任务（捕获 panic）
func (p *KeyedPool) run(ctx context.Context, t keyedTask) {
	defer func() {
		if r := recover(); r != nil && p.onPanic != nil {
			p.onPanic(t.key, fmt.Sprint(r))
		}
	}()
	t.run(ctx)
}
