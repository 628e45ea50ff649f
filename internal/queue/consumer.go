package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patcher-go/internal/domain"
	"github.com/apk-analysis/apk-patcher-go/internal/patcherr"
	"github.com/apk-analysis/apk-patcher-go/internal/service"
	"github.com/apk-analysis/apk-patcher-go/internal/worker"
)

// ErrRedeliver 处理函数返回该错误时消息重新入队
var ErrRedeliver = errors.New("message should be redelivered")

// MessageHandler 消息处理函数
type MessageHandler func(ctx context.Context, msg *PatchMessage) error

// Broker Consumer 依赖的连接能力
type Broker interface {
	Consume() (<-chan amqp.Delivery, error)
	StartConnectionWatcher()
	ReconnectSignals() <-chan struct{}
	Reconnect(ctx context.Context) error
}

// Submitter 为外部系统的请求创建运行
type Submitter interface {
	Submit(ctx context.Context, req service.PatchRequest) (*domain.PatchRun, error)
}

// NewRunHandler 把消息转成运行并同步执行；运行本身的成败已落库，只有执行方暂时不可用时才重新投递
func NewRunHandler(svc Submitter, execute func(ctx context.Context, runID string) error) MessageHandler {
	return func(ctx context.Context, msg *PatchMessage) error {
		runID := msg.RunID
		if runID == "" {
			if msg.Request == nil {
				return fmt.Errorf("%w: message has neither run_id nor request", patcherr.ErrMalformed)
			}
			req := *msg.Request
			req.Source = domain.RunSourceQueue
			run, err := svc.Submit(ctx, req)
			if err != nil {
				if errors.Is(err, patcherr.ErrMalformed) {
					return err
				}
				return fmt.Errorf("%w: %v", ErrRedeliver, err)
			}
			runID = run.ID
		}

		err := execute(ctx, runID)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, worker.ErrPoolClosed), errors.Is(err, worker.ErrQueueFull):
			return fmt.Errorf("%w: %v", ErrRedeliver, err)
		case ctx.Err() != nil:
			// 进程退出中，运行已重置为 queued
			return fmt.Errorf("%w: %v", ErrRedeliver, err)
		default:
			return nil
		}
	}
}

// Consumer 消息消费者
type Consumer struct {
	broker        Broker
	logger        *logrus.Logger
	handler       MessageHandler
	workers       int
	workerWg      sync.WaitGroup
	activeWorkers int32
	handled       int64

	mu         sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
}

// NewConsumer 创建消费者
func NewConsumer(broker Broker, handler MessageHandler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		broker:  broker,
		logger:  logger,
		handler: handler,
		workers: workers,
	}
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.startWorkers(ctx); err != nil {
		return err
	}
	c.broker.StartConnectionWatcher()
	go c.handleReconnect(ctx)
	return nil
}

func (c *Consumer) startWorkers(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}

	msgs, err := c.broker.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.running = true

	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}

	c.logger.WithField("workers", c.workers).Info("Consumer started")
	return nil
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()
	atomic.AddInt32(&c.activeWorkers, 1)
	defer atomic.AddInt32(&c.activeWorkers, -1)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.WithField("consumer_worker", id).Warn("Message channel closed")
				return
			}
			c.processMessage(ctx, id, msg)
		}
	}
}

// processMessage 处理单条消息并确认
func (c *Consumer) processMessage(ctx context.Context, workerID int, delivery amqp.Delivery) {
	defer atomic.AddInt64(&c.handled, 1)
	startTime := time.Now()

	var msg PatchMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.WithError(err).Error("Failed to unmarshal message")
		delivery.Nack(false, false)
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"consumer_worker": workerID,
		"run_id":          msg.RunID,
	})
	log.Info("Processing message")

	if err := c.handler(ctx, &msg); err != nil {
		if errors.Is(err, ErrRedeliver) {
			log.WithError(err).Warn("Message returned to queue")
			delivery.Nack(false, true)
			return
		}
		log.WithError(err).Error("Message rejected")
		delivery.Nack(false, false)
		return
	}

	if err := delivery.Ack(false); err != nil {
		log.WithError(err).Error("Failed to acknowledge message")
	}
	log.WithField("duration", time.Since(startTime).Seconds()).Info("Message handled")
}

func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.broker.ReconnectSignals():
			c.logger.Warn("Connection lost, attempting to reconnect...")
			c.stopWorkers()

			if err := c.broker.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, will retry on next signal")
				continue
			}
			if err := c.startWorkers(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

// stopWorkers 停止所有 worker，最多等待 30 秒
func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		c.logger.Warn("Timeout waiting for consumer workers to stop")
	}
}

// Stop 停止消费者
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")
	c.stopWorkers()
	c.logger.Info("Consumer stopped")
}

// ActiveWorkers 活跃 worker 数量
func (c *Consumer) ActiveWorkers() int {
	return int(atomic.LoadInt32(&c.activeWorkers))
}

// Handled 已处理的消息数
func (c *Consumer) Handled() int64 {
	return atomic.LoadInt64(&c.handled)
}

// IsRunning 检查消费者是否正在运行
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
