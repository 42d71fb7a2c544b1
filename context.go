package agentflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/deepnoodle-ai/agentflow/quota"
)

type ContextKey string

const (
	LoggerContextKey   ContextKey = "logger"
	GovernorContextKey ContextKey = "governor"
	NodeContextKey     ContextKey = "node"
)

// NodeInfo identifies the node attempt an agent is running in.
type NodeInfo struct {
	InstanceID string
	Definition string
	Node       string
	Attempt    int
	// Context is the routing context recorded when the instance started.
	Context map[string]any
}

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func WithGovernor(ctx context.Context, governor *quota.Governor) context.Context {
	return context.WithValue(ctx, GovernorContextKey, governor)
}

func WithNodeInfo(ctx context.Context, info NodeInfo) context.Context {
	return context.WithValue(ctx, NodeContextKey, info)
}

func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

func GetGovernorFromContext(ctx context.Context) (*quota.Governor, bool) {
	governor, ok := ctx.Value(GovernorContextKey).(*quota.Governor)
	return governor, ok
}

func GetNodeInfoFromContext(ctx context.Context) (NodeInfo, bool) {
	info, ok := ctx.Value(NodeContextKey).(NodeInfo)
	return info, ok
}

// Logger returns the context logger or one that discards everything.
func Logger(ctx context.Context) *slog.Logger {
	if logger, ok := GetLoggerFromContext(ctx); ok {
		return logger
	}
	return discardLogger()
}

// AcquireQuota asks the governor in ctx for cost units of service. Agents
// call it before each request to an external reasoning service. A denial is
// returned as a quota_exceeded error carrying the wait, which the
// supervisor turns into a deferral. Without a governor every call is granted.
func AcquireQuota(ctx context.Context, service string, cost int) error {
	governor, ok := GetGovernorFromContext(ctx)
	if !ok {
		return nil
	}
	decision, err := governor.TryAcquire(service, cost)
	if err != nil {
		if errors.Is(err, quota.ErrCostExceedsLimit) {
			return NewFatalError(err)
		}
		return err
	}
	if decision.Granted {
		return nil
	}
	return &WorkflowError{
		Type:       ErrorTypeQuotaExceeded,
		Cause:      fmt.Sprintf("quota for %q exhausted in %s window", service, decision.Window),
		Details:    map[string]any{"service": service, "cost": cost},
		RetryAfter: decision.RetryAfter,
	}
}
