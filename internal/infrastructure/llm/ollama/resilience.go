package ollama

import (
	"context"

	"github.com/kirillkom/grounded-retrieval/internal/core/domain"
	"github.com/kirillkom/grounded-retrieval/internal/infrastructure/resilience"
)

func (c *Client) call(ctx context.Context, operation string, fn func(context.Context) error) error {
	var err error
	if c.executor == nil {
		err = fn(ctx)
	} else {
		err = c.executor.Execute(ctx, operation, fn, resilience.ClassifyTransport)
	}
	return wrapTemporaryIfNeeded(operation, err)
}

func wrapTemporaryIfNeeded(operation string, err error) error {
	if err == nil {
		return nil
	}
	if domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if resilience.IsTransient(err, resilience.ClassifyTransport) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}
