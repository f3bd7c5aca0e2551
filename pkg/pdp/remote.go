package pdp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// RemoteConfig configures the remote decision service adapter.
type RemoteConfig struct {
	// URL is the base URL of the decision service (e.g. "http://opa:8181").
	URL string
	// PolicyPath is the data path prefix rules live under (e.g. "warrant/authz").
	PolicyPath string
	// Timeout bounds each decision call. Default: DefaultTimeout.
	Timeout time.Duration
}

// Remote queries an OPA-style HTTP decision API:
// POST <url>/v1/data/<policy_path>/<rule> with {"input": ...}, expecting
// {"result": bool}. It also mirrors documents via PUT/DELETE on /v1/data.
type Remote struct {
	config RemoteConfig
	client *http.Client
	logger *slog.Logger
}

// NewRemote creates the remote gateway adapter.
func NewRemote(cfg RemoteConfig, logger *slog.Logger) *Remote {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.PolicyPath = strings.Trim(cfg.PolicyPath, "/")
	return &Remote{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type remoteRequest struct {
	Input map[string]any `json:"input"`
}

// remoteResponse distinguishes a missing result key from an explicit false.
type remoteResponse struct {
	Result *bool `json:"result"`
}

func (r *Remote) dataURL(parts ...string) string {
	segments := []string{strings.TrimRight(r.config.URL, "/"), "v1", "data"}
	if r.config.PolicyPath != "" {
		segments = append(segments, r.config.PolicyPath)
	}
	segments = append(segments, parts...)
	return strings.Join(segments, "/")
}

// Check implements Gateway. Undefined rules allow; transport failures deny.
func (r *Remote) Check(ctx context.Context, rule string, input map[string]any) Decision {
	payload, err := json.Marshal(remoteRequest{Input: input})
	if err != nil {
		return finalize(Decision{Rule: rule, ReasonCode: "DENY_MARSHAL_ERROR"})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.dataURL(rule), bytes.NewReader(payload))
	if err != nil {
		return finalize(Decision{Rule: rule, ReasonCode: "DENY_REQUEST_ERROR"})
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		// Fail-closed: timeout, connection refused, etc.
		return finalize(Decision{Rule: rule, ReasonCode: "DENY_REMOTE_UNREACHABLE"})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return finalize(Decision{Rule: rule, ReasonCode: reasonHTTP(resp.StatusCode)})
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return finalize(Decision{Rule: rule, ReasonCode: "DENY_REMOTE_READ_ERROR"})
	}

	var parsed remoteResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return finalize(Decision{Rule: rule, ReasonCode: "DENY_REMOTE_PARSE_ERROR"})
	}

	// Undefined rule: the service answered but has no opinion. Explicit
	// fallthrough to the local engine.
	if parsed.Result == nil {
		return finalize(Decision{Allow: true, Rule: rule, ReasonCode: "ALLOW_RULE_UNDEFINED"})
	}

	reason := "DENY_POLICY"
	if *parsed.Result {
		reason = "ALLOW"
	}
	return finalize(Decision{Allow: *parsed.Result, Rule: rule, ReasonCode: reason})
}

// PutData implements Gateway. Mirroring must not block resource writes.
func (r *Remote) PutData(ctx context.Context, path string, doc any) {
	payload, err := json.Marshal(doc)
	if err != nil {
		r.logger.Warn("pdp mirror marshal failed", "path", path, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, r.dataURL(strings.Trim(path, "/")), bytes.NewReader(payload))
	if err != nil {
		r.logger.Warn("pdp mirror request failed", "path", path, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	r.mirror(req, path)
}

// DeleteData implements Gateway. Best effort.
func (r *Remote) DeleteData(ctx context.Context, path string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.dataURL(strings.Trim(path, "/")), nil)
	if err != nil {
		r.logger.Warn("pdp mirror request failed", "path", path, "error", err)
		return
	}
	r.mirror(req, path)
}

func (r *Remote) mirror(req *http.Request, path string) {
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("pdp mirror call failed", "path", path, "error", err)
		return
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		r.logger.Warn("pdp mirror rejected", "path", path, "status", fmt.Sprint(resp.StatusCode))
	}
}
