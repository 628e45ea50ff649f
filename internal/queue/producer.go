package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/apk-patcher-go/internal/service"
)

// PatchMessage 队列消息：已有运行只带 RunID，外部系统新建运行时带 Request
type PatchMessage struct {
	RunID   string                `json:"run_id,omitempty"`
	Request *service.PatchRequest `json:"request,omitempty"`
}

// Publisher 发布原始消息
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 消息生产者
type Producer struct {
	pub     Publisher
	logger  *logrus.Logger
	timeout time.Duration
}

// NewProducer 创建生产者
func NewProducer(pub Publisher, logger *logrus.Logger) *Producer {
	return &Producer{
		pub:     pub,
		logger:  logger,
		timeout: 10 * time.Second,
	}
}

// Publish 发布补丁消息
func (p *Producer) Publish(ctx context.Context, msg *PatchMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.pub.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("run_id", msg.RunID).Error("Failed to publish run")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithField("run_id", msg.RunID).Info("Run published to queue")
	return nil
}

// Dispatch 投递已入库的运行，可直接作为 API 的投递函数和 worker 池的重新入队函数
func (p *Producer) Dispatch(runID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.Publish(ctx, &PatchMessage{RunID: runID})
}
