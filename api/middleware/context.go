package middleware

import "context"

type contextKey string

const (
	ctxDeviceID  contextKey = "device_id"
	ctxRequestID contextKey = "request_id"
)

// DeviceIDFromContext returns the device resolved by the Device middleware.
func DeviceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxDeviceID).(string); ok {
		return v
	}
	return ""
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(ctxRequestID).(string); ok {
		return v
	}
	return ""
}

// WithDeviceID injects the device identifier into the context.
func WithDeviceID(ctx context.Context, deviceID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxDeviceID, deviceID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxRequestID, requestID)
}
