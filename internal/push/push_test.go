package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offline0/internal/upstream"
)

func serverKey(t *testing.T) (string, []byte) {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	raw := priv.PublicKey().Bytes()
	return base64.RawURLEncoding.EncodeToString(raw), raw
}

func TestDecodeApplicationServerKey(t *testing.T) {
	enc, raw := serverKey(t)

	got, err := DecodeApplicationServerKey(enc)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	padded := base64.URLEncoding.EncodeToString(raw)
	got, err = DecodeApplicationServerKey(padded)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	std := base64.StdEncoding.EncodeToString(raw)
	got, err = DecodeApplicationServerKey(std)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	_, err = DecodeApplicationServerKey("")
	assert.Error(t, err)
	_, err = DecodeApplicationServerKey("not*base64")
	assert.Error(t, err)
	_, err = DecodeApplicationServerKey(base64.RawURLEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestSubscriptionJSON(t *testing.T) {
	in := []byte(`{"endpoint":"https://push.example/abc","keys":{"p256dh":"AQID","auth":"BAU="}}`)
	sub, err := SubscriptionFromJSON(in)
	require.NoError(t, err)
	assert.Equal(t, "https://push.example/abc", sub.Endpoint)
	assert.Equal(t, []byte{1, 2, 3}, sub.P256dh)
	assert.Equal(t, []byte{4, 5}, sub.Auth)

	out, err := json.Marshal(sub)
	require.NoError(t, err)
	assert.JSONEq(t, `{"endpoint":"https://push.example/abc","keys":{"p256dh":"AQID","auth":"BAU"}}`, string(out))

	_, err = SubscriptionFromJSON([]byte(`{"keys":{}}`))
	assert.Error(t, err)
}

func TestManager_Unsupported(t *testing.T) {
	enc, _ := serverKey(t)
	m := NewManager(NewLocal(false, PermissionGranted, nil), enc)
	ctx := context.Background()

	assert.False(t, m.IsSupported())
	assert.False(t, m.IsEnabled())
	assert.False(t, m.RequestPermission(ctx))
	_, err := m.Subscribe(ctx)
	assert.ErrorIs(t, err, ErrUnsupported)
	ok, err := m.Unsubscribe(ctx)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_DeniedIsFinal(t *testing.T) {
	enc, _ := serverKey(t)
	p := NewLocal(true, PermissionDenied, nil)
	m := NewManager(p, enc)
	ctx := context.Background()

	assert.False(t, m.RequestPermission(ctx))
	assert.Equal(t, PermissionDenied, p.Permission())

	p.answer = PermissionGranted
	assert.False(t, m.RequestPermission(ctx))
	assert.False(t, m.IsEnabled())

	_, err := m.Subscribe(ctx)
	assert.ErrorIs(t, err, ErrPermissionNotGranted)
}

func TestManager_SubscribeReusesExisting(t *testing.T) {
	enc, _ := serverKey(t)
	m := NewManager(NewLocal(true, PermissionGranted, nil), enc)
	ctx := context.Background()

	_, err := m.Subscribe(ctx)
	assert.ErrorIs(t, err, ErrPermissionNotGranted)

	require.True(t, m.RequestPermission(ctx))
	assert.True(t, m.IsEnabled())

	first, err := m.Subscribe(ctx)
	require.NoError(t, err)
	assert.Len(t, first.P256dh, 65)
	assert.Len(t, first.Auth, 16)

	second, err := m.Subscribe(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Endpoint, second.Endpoint)

	ok, err := m.Unsubscribe(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.Unsubscribe(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_BadServerKey(t *testing.T) {
	m := NewManager(NewLocal(true, PermissionGranted, nil), "YOUR_PUBLIC_VAPID_KEY")
	ctx := context.Background()
	require.True(t, m.RequestPermission(ctx))
	_, err := m.Subscribe(ctx)
	assert.Error(t, err)
}

func TestManager_SendToServer(t *testing.T) {
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/notifications/subscribe", r.URL.Path)
		body, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	enc, _ := serverKey(t)
	m := NewManager(NewLocal(true, PermissionGranted, nil), enc,
		WithServer(upstream.New(srv.URL), "/api/notifications/subscribe"))
	ctx := context.Background()
	require.True(t, m.RequestPermission(ctx))
	sub, err := m.Subscribe(ctx)
	require.NoError(t, err)

	reply, err := m.SendToServer(ctx, sub)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(reply))

	sent, err := SubscriptionFromJSON(body)
	require.NoError(t, err)
	assert.Equal(t, sub.Endpoint, sent.Endpoint)
	assert.Equal(t, sub.P256dh, sent.P256dh)
}

type recordingPlatform struct {
	*Local
	shown []Notification
}

func (r *recordingPlatform) ShowNotification(_ context.Context, _ string, n Notification) error {
	r.shown = append(r.shown, n)
	return nil
}

func TestManager_ShowNotificationNeedsPermission(t *testing.T) {
	p := &recordingPlatform{Local: NewLocal(true, PermissionGranted, nil)}
	m := NewManager(p, "")
	ctx := context.Background()

	require.NoError(t, m.ShowNotification(ctx, "Sent", Notification{Body: "hi"}))
	assert.Empty(t, p.shown)

	require.True(t, m.RequestPermission(ctx))
	require.NoError(t, m.ShowNotification(ctx, "Sent", Notification{Body: "hi"}))
	require.Len(t, p.shown, 1)
	assert.Equal(t, "hi", p.shown[0].Body)
	assert.Equal(t, "/logo192.png", p.shown[0].Icon)
	assert.Equal(t, []int{200, 100, 200}, p.shown[0].Vibrate)
}
