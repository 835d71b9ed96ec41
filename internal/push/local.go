package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"offline0/internal/logx"
)

// Local is an in-process Platform. Its permission prompt answers with the
// configured decision, its subscriptions carry freshly generated keys, and
// notifications are written to the log.
type Local struct {
	supported bool
	answer    Permission
	log       *zap.Logger

	mu         sync.Mutex
	permission Permission
	sub        *Subscription
}

// NewLocal returns a platform in the default permission state. answer is
// what a permission prompt resolves to.
func NewLocal(supported bool, answer Permission, log *zap.Logger) *Local {
	if answer != PermissionGranted {
		answer = PermissionDenied
	}
	return &Local{supported: supported, answer: answer, log: logx.OrNop(log), permission: PermissionDefault}
}

func (l *Local) Supported() bool { return l.supported }

func (l *Local) Permission() Permission {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.permission
}

func (l *Local) RequestPermission(context.Context) (Permission, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.permission == PermissionDefault {
		l.permission = l.answer
	}
	return l.permission, nil
}

func (l *Local) Subscription(context.Context) (*Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sub, nil
}

func (l *Local) Subscribe(_ context.Context, opts SubscribeOptions) (*Subscription, error) {
	if _, err := ecdh.P256().NewPublicKey(opts.ApplicationServerKey); err != nil {
		return nil, err
	}
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.permission != PermissionGranted {
		return nil, ErrPermissionNotGranted
	}
	if l.sub == nil {
		l.sub = &Subscription{
			Endpoint: "local:" + uuid.NewString(),
			P256dh:   priv.PublicKey().Bytes(),
			Auth:     auth,
		}
	}
	return l.sub, nil
}

func (l *Local) Unsubscribe(_ context.Context, sub *Subscription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub == nil || sub == nil || l.sub.Endpoint != sub.Endpoint {
		return errors.New("push: unknown subscription")
	}
	l.sub = nil
	return nil
}

func (l *Local) ShowNotification(_ context.Context, title string, n Notification) error {
	l.log.Info("notification", zap.String("title", title), zap.String("body", n.Body), zap.String("tag", n.Tag))
	return nil
}
