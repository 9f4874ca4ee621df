// Package audit records security events (code requests, verifications,
// session issuance and revocation, denied admin access). Events are written
// to the audit_logs table and copied to any configured shippers so they can be
// routed to a SIEM independently of application logs.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/civic-directory/accessgate/internal/config"
)

// Event is a single audit record.
type Event struct {
	Timestamp    time.Time      `json:"timestamp"`
	Action       string         `json:"action"`
	ActorType    string         `json:"actor_type"`
	ActorID      string         `json:"actor_id,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Shipper delivers events to an external destination.
type Shipper interface {
	Ship(ctx context.Context, ev *Event) error
	Close() error
}

// MultiShipper fans events out to several shippers.
type MultiShipper struct {
	shippers []Shipper
	mu       sync.RWMutex
}

// NewMultiShipper builds the enabled shippers from configs.
func NewMultiShipper(configs []config.AuditShipperConfig) (*MultiShipper, error) {
	ms := &MultiShipper{shippers: make([]Shipper, 0, len(configs))}

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		var shipper Shipper
		var err error

		switch cfg.Type {
		case "webhook":
			if cfg.Webhook == nil {
				return nil, fmt.Errorf("webhook config is required for webhook shipper")
			}
			shipper, err = NewWebhookShipper(cfg.Webhook)
		case "file":
			if cfg.File == nil {
				return nil, fmt.Errorf("file config is required for file shipper")
			}
			shipper, err = NewFileShipper(cfg.File)
		default:
			return nil, fmt.Errorf("unknown shipper type: %s", cfg.Type)
		}

		if err != nil {
			_ = ms.Close()
			return nil, fmt.Errorf("failed to create %s shipper: %w", cfg.Type, err)
		}
		ms.shippers = append(ms.shippers, shipper)
	}

	return ms, nil
}

// Len reports how many shippers are active.
func (ms *MultiShipper) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.shippers)
}

// Ship sends ev to every shipper, continuing past failures. It returns the
// last error seen.
func (ms *MultiShipper) Ship(ctx context.Context, ev *Event) error {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var lastErr error
	for _, shipper := range ms.shippers {
		if err := shipper.Ship(ctx, ev); err != nil {
			lastErr = err
			slog.Warn("audit shipper error", "action", ev.Action, "error", err)
		}
	}
	return lastErr
}

// Close closes all shippers.
func (ms *MultiShipper) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var lastErr error
	for _, shipper := range ms.shippers {
		if err := shipper.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// WebhookShipper POSTs each event as JSON.
type WebhookShipper struct {
	cfg    *config.AuditWebhookConfig
	client *http.Client
}

// NewWebhookShipper creates a WebhookShipper. TimeoutSecs defaults to 10.
func NewWebhookShipper(cfg *config.AuditWebhookConfig) (*WebhookShipper, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook url is required")
	}
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookShipper{cfg: cfg, client: &http.Client{Timeout: timeout}}, nil
}

func (ws *WebhookShipper) Ship(ctx context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ws.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range ws.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := ws.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (ws *WebhookShipper) Close() error { return nil }

// FileShipper appends events to a file as JSON lines.
type FileShipper struct {
	file *os.File
	mu   sync.Mutex
}

// NewFileShipper opens (or creates) the target file for appending.
func NewFileShipper(cfg *config.AuditFileConfig) (*FileShipper, error) {
	file, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}
	return &FileShipper{file: file}, nil
}

func (fs *FileShipper) Ship(_ context.Context, ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, err := fs.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}

func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.file.Close()
}
