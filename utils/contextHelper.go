package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/possync/appctx"
)

var (
	ContextKeyToken         = appctx.ContextKeyToken
	ContextKeyTerminalId    = appctx.ContextKeyTerminalId
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyIsPrimary     = appctx.ContextKeyIsPrimary
)

func GetTerminalIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyTerminalId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetIsPrimaryFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeyIsPrimary)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.Set(ctx, ContextKeyToken, token)
}

func SetTerminalIdInContext(ctx context.Context, terminalId string) context.Context {
	return appctx.Set(ctx, ContextKeyTerminalId, terminalId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetIsPrimaryInContext(ctx context.Context, isPrimary bool) context.Context {
	return appctx.Set(ctx, ContextKeyIsPrimary, isPrimary)
}
