package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxUserType
)

func WithIdentity(ctx context.Context, userID string, userType UserType) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxUserType, userType)
	return ctx
}

func UserID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxUserID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("user_id not in context")
}

func UserTypeFrom(ctx context.Context) (UserType, error) {
	v := ctx.Value(ctxUserType)
	if s, ok := v.(UserType); ok && s != "" {
		return s, nil
	}
	return "", errors.New("user_type not in context")
}
