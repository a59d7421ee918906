package toolworker

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

func createTransport(cfg Config) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case TransportSTDIO:
		return createStdioTransport(cfg)
	case TransportSTREAM:
		return createStreamTransport(cfg)
	case TransportSSE:
		return createSSETransport(cfg)
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Transport)
	}
}

func createStdioTransport(cfg Config) (*mcpsdk.CommandTransport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("STDIO transport requires a command")
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)

	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env
	cmd.Stderr = os.Stderr

	return &mcpsdk.CommandTransport{Command: cmd}, nil
}

func createStreamTransport(cfg Config) (*mcpsdk.StreamableClientTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("STREAM transport requires a url")
	}
	transport := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	if cfg.BearerToken != "" || cfg.VerifySSL != nil || cfg.TimeoutSecs > 0 {
		transport.HTTPClient = buildHTTPClient(cfg)
	}
	return transport, nil
}

func createSSETransport(cfg Config) (*mcpsdk.SSEClientTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("SSE transport requires a url")
	}
	transport := &mcpsdk.SSEClientTransport{Endpoint: cfg.URL}
	if cfg.BearerToken != "" || cfg.VerifySSL != nil || cfg.TimeoutSecs > 0 {
		transport.HTTPClient = buildHTTPClient(cfg)
	}
	return transport, nil
}

func buildHTTPClient(cfg Config) *http.Client {
	httpTransport := http.DefaultTransport.(*http.Transport).Clone()

	if cfg.VerifySSL != nil && !*cfg.VerifySSL {
		httpTransport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // operator-configured per ToolServerConfig
			MinVersion:         tls.VersionTLS12,
		}
	}

	client := &http.Client{Transport: httpTransport}

	if cfg.BearerToken != "" {
		client.Transport = &bearerTokenTransport{base: client.Transport, token: cfg.BearerToken}
	}
	if cfg.TimeoutSecs > 0 {
		client.Timeout = time.Duration(cfg.TimeoutSecs) * time.Second
	}

	return client
}

type bearerTokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
