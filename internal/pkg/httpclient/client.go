// internal/pkg/httpclient/client.go

package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// ErrServiceUnavailable 表示下游不可达或返回 5xx，调用方应视为可重试。
var ErrServiceUnavailable = errors.New("downstream service unavailable")

// StatusError 是下游返回的非 2xx、非 5xx 响应。
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("service %s returned status %d: %s", e.Service, e.StatusCode, e.Body)
}

// IsStatus 判断 err 是否为指定状态码的 StatusError。
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Resolver 把逻辑服务名解析为 base URL（如 "http://10.0.0.3:8080"）。
type Resolver interface {
	ResolveBaseURL(ctx context.Context, serviceName string) (string, error)
}

// StaticResolver 使用固定地址，未配置 Nacos 或测试时使用。
type StaticResolver map[string]string

func (r StaticResolver) ResolveBaseURL(_ context.Context, serviceName string) (string, error) {
	u, ok := r[serviceName]
	if !ok || u == "" {
		return "", fmt.Errorf("no static address for service %s", serviceName)
	}
	return strings.TrimRight(u, "/"), nil
}

// Client 是一个可追踪的、可注入的HTTP客户端
type Client struct {
	Tracer     trace.Tracer
	HTTPClient *http.Client
	Resolver   Resolver
}

// NewClient 创建客户端。http.Client 不设置 Timeout，超时完全由调用方的 context 控制。
func NewClient(tracer trace.Tracer, resolver Resolver) *Client {
	return &Client{
		Tracer: tracer,
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
			},
		},
		Resolver: resolver,
	}
}

// GetJSON 调用 serviceName 的 path，并把 2xx 响应体解码到 out。
func (c *Client) GetJSON(ctx context.Context, serviceName, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, serviceName, path, nil, out)
}

// PostJSON 以 JSON 发送 body，out 为 nil 时忽略响应体。
func (c *Client) PostJSON(ctx context.Context, serviceName, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, serviceName, path, body, out)
}

func (c *Client) do(ctx context.Context, method, serviceName, path string, body, out interface{}) error {
	ctx, span := c.Tracer.Start(ctx, "call-"+serviceName, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	baseURL, err := c.Resolver.ResolveBaseURL(ctx, serviceName)
	if err != nil {
		return fail(errors.Wrapf(ErrServiceUnavailable, "resolve %s: %v", serviceName, err))
	}
	target := baseURL + path

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fail(errors.Wrap(err, "marshal request body"))
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fail(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	span.SetAttributes(
		attribute.String("http.url", target),
		attribute.String("http.method", method),
	)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fail(errors.Wrapf(ErrServiceUnavailable, "%s %s: %v", method, target, err))
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode >= 500 {
		return fail(errors.Wrapf(ErrServiceUnavailable, "service %s returned status %s", serviceName, resp.Status))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fail(&StatusError{Service: serviceName, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))})
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fail(errors.Wrapf(err, "decode response from %s", serviceName))
	}
	return nil
}
