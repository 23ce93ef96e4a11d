package service

import (
	"context"
	"errors"

	"StoryPack-server/config"

	"github.com/cenkalti/backoff/v4"
)

// retryCall 按指数退避执行外部调用，返回总尝试次数。
// 超时、网络错误、5xx 都会重试；ProviderError 判为永久错误的不再重试。
func retryCall(ctx context.Context, p config.Pipeline, fn func() error) (int, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BackoffInterval()

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := fn()
		if err == nil {
			return nil
		}
		var pe *ProviderError
		if errors.As(err, &pe) && pe.Permanent() {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(p.MaxAttempts-1)), ctx))

	return attempts, err
}
