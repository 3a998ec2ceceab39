package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxSubject ctxKey = iota
	ctxTenantID
	ctxRole
)

func WithIdentity(ctx context.Context, subject, tenantID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxSubject, subject)
	ctx = context.WithValue(ctx, ctxTenantID, tenantID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func Subject(ctx context.Context) (string, error) {
	return value(ctx, ctxSubject, "subject")
}

func TenantID(ctx context.Context) (string, error) {
	return value(ctx, ctxTenantID, "tenant_id")
}

func Role(ctx context.Context) (string, error) {
	return value(ctx, ctxRole, "role")
}

func value(ctx context.Context, k ctxKey, name string) (string, error) {
	if s, ok := ctx.Value(k).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New(name + " not in context")
}
