package push

import (
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var b64 = base64.URLEncoding.WithPadding(base64.NoPadding)

// Subscription is a push endpoint plus the client keys a sender encrypts to.
type Subscription struct {
	Endpoint string
	P256dh   []byte
	Auth     []byte
}

type subscriptionJSON struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// SubscriptionFromJSON parses the JSON form browsers produce for a push
// subscription.
func SubscriptionFromJSON(b []byte) (*Subscription, error) {
	var sub subscriptionJSON
	if err := json.Unmarshal(b, &sub); err != nil {
		return nil, err
	}
	if sub.Endpoint == "" {
		return nil, errors.New("push: subscription has no endpoint")
	}

	// Some browsers pad the key fields; strip it before decoding.
	key, err := b64.DecodeString(strings.TrimRight(sub.Keys.P256dh, "="))
	if err != nil {
		return nil, fmt.Errorf("push: p256dh: %w", err)
	}
	auth, err := b64.DecodeString(strings.TrimRight(sub.Keys.Auth, "="))
	if err != nil {
		return nil, fmt.Errorf("push: auth: %w", err)
	}
	return &Subscription{Endpoint: sub.Endpoint, P256dh: key, Auth: auth}, nil
}

func (s Subscription) MarshalJSON() ([]byte, error) {
	var out subscriptionJSON
	out.Endpoint = s.Endpoint
	out.Keys.P256dh = b64.EncodeToString(s.P256dh)
	out.Keys.Auth = b64.EncodeToString(s.Auth)
	return json.Marshal(out)
}

// DecodeApplicationServerKey turns the base64url VAPID public key into the
// raw uncompressed P-256 point a subscribe call needs. Padding is optional.
func DecodeApplicationServerKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("push: empty application server key")
	}
	s = strings.NewReplacer("+", "-", "/", "_").Replace(strings.TrimRight(s, "="))
	raw, err := b64.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("push: application server key: %w", err)
	}
	if _, err := ecdh.P256().NewPublicKey(raw); err != nil {
		return nil, fmt.Errorf("push: application server key: %w", err)
	}
	return raw, nil
}
