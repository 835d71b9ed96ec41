// Package push manages the push-notification subscription of this client:
// permission, subscribe/unsubscribe against the host platform, handing the
// subscription to the origin, and local notifications.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"offline0/internal/logx"
	"offline0/internal/upstream"
)

var (
	ErrUnsupported          = errors.New("push: notifications are not supported")
	ErrPermissionNotGranted = errors.New("push: notification permission not granted")
)

type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

type SubscribeOptions struct {
	UserVisibleOnly      bool
	ApplicationServerKey []byte
}

type Notification struct {
	Body               string `json:"body,omitempty"`
	Icon               string `json:"icon,omitempty"`
	Badge              string `json:"badge,omitempty"`
	Vibrate            []int  `json:"vibrate,omitempty"`
	Tag                string `json:"tag,omitempty"`
	Renotify           bool   `json:"renotify"`
	RequireInteraction bool   `json:"requireInteraction"`
	Data               any    `json:"data,omitempty"`
}

// DefaultNotification fills the fields a caller left empty.
func DefaultNotification(n Notification) Notification {
	if n.Icon == "" {
		n.Icon = "/logo192.png"
	}
	if n.Badge == "" {
		n.Badge = "/logo192.png"
	}
	if n.Vibrate == nil {
		n.Vibrate = []int{200, 100, 200}
	}
	if n.Tag == "" {
		n.Tag = "offline0-notification"
		n.Renotify = true
	}
	return n
}

// Platform is the host's notification and push API.
type Platform interface {
	Supported() bool
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Subscription(ctx context.Context) (*Subscription, error)
	Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error)
	Unsubscribe(ctx context.Context, sub *Subscription) error
	ShowNotification(ctx context.Context, title string, n Notification) error
}

type Manager struct {
	platform      Platform
	serverKey     string
	up            *upstream.Client
	subscribePath string
	log           *zap.Logger

	mu sync.Mutex
}

type Option func(*Manager)

func WithLogger(log *zap.Logger) Option { return func(m *Manager) { m.log = logx.OrNop(log) } }

// WithServer makes SendToServer post subscriptions to path on up.
func WithServer(up *upstream.Client, path string) Option {
	return func(m *Manager) {
		m.up = up
		m.subscribePath = path
	}
}

// NewManager wraps platform. serverKey is the base64url VAPID public key.
func NewManager(platform Platform, serverKey string, opts ...Option) *Manager {
	m := &Manager{platform: platform, serverKey: serverKey, log: zap.NewNop()}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) IsSupported() bool {
	return m.platform != nil && m.platform.Supported()
}

func (m *Manager) IsEnabled() bool {
	return m.IsSupported() && m.platform.Permission() == PermissionGranted
}

// RequestPermission asks the host for permission and reports whether it was
// granted. A denied permission is final: the host is not asked again.
func (m *Manager) RequestPermission(ctx context.Context) bool {
	if !m.IsSupported() {
		m.log.Info("push notifications are not supported")
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.platform.Permission() {
	case PermissionGranted:
		return true
	case PermissionDenied:
		return false
	}
	p, err := m.platform.RequestPermission(ctx)
	if err != nil {
		m.log.Warn("permission request failed", zap.Error(err))
		return false
	}
	return p == PermissionGranted
}

// Subscribe returns the current subscription, creating one if needed.
func (m *Manager) Subscribe(ctx context.Context) (*Subscription, error) {
	if !m.IsSupported() {
		return nil, ErrUnsupported
	}
	if m.platform.Permission() != PermissionGranted {
		return nil, ErrPermissionNotGranted
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, err := m.platform.Subscription(ctx)
	if err != nil {
		m.log.Error("failed to read push subscription", zap.Error(err))
		return nil, err
	}
	if sub != nil {
		return sub, nil
	}
	key, err := DecodeApplicationServerKey(m.serverKey)
	if err != nil {
		return nil, err
	}
	sub, err = m.platform.Subscribe(ctx, SubscribeOptions{UserVisibleOnly: true, ApplicationServerKey: key})
	if err != nil {
		m.log.Error("failed to subscribe to push notifications", zap.Error(err))
		return nil, err
	}
	return sub, nil
}

// Unsubscribe drops the current subscription. It reports false when there
// was none.
func (m *Manager) Unsubscribe(ctx context.Context) (bool, error) {
	if !m.IsSupported() {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, err := m.platform.Subscription(ctx)
	if err != nil {
		m.log.Error("failed to read push subscription", zap.Error(err))
		return false, err
	}
	if sub == nil {
		return false, nil
	}
	if err := m.platform.Unsubscribe(ctx, sub); err != nil {
		m.log.Error("failed to unsubscribe from push notifications", zap.Error(err))
		return false, err
	}
	return true, nil
}

// SendToServer registers sub with the origin and returns its reply body.
func (m *Manager) SendToServer(ctx context.Context, sub *Subscription) ([]byte, error) {
	if m.up == nil {
		return nil, errors.New("push: no server configured")
	}
	if sub == nil {
		return nil, errors.New("push: nil subscription")
	}
	resp, err := m.up.PostJSON(ctx, m.subscribePath, sub, nil)
	if err != nil {
		m.log.Error("failed to send subscription to server", zap.Error(err))
		return nil, fmt.Errorf("push: send subscription: %w", err)
	}
	return resp.Body, nil
}

// ShowNotification displays a local notification. It does nothing unless
// permission was granted.
func (m *Manager) ShowNotification(ctx context.Context, title string, n Notification) error {
	if !m.IsEnabled() {
		m.log.Debug("push notifications are not enabled", zap.String("title", title))
		return nil
	}
	if err := m.platform.ShowNotification(ctx, title, DefaultNotification(n)); err != nil {
		m.log.Error("failed to show notification", zap.Error(err))
		return err
	}
	return nil
}
