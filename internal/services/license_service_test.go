package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keygate/internal/config"
	"keygate/internal/license"
	"keygate/internal/notify"
	"keygate/internal/store"
	"keygate/internal/websocket"
	apiv1 "keygate/pkg/contracts/api/v1"
	"keygate/pkg/contracts/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubNotifier records deliveries and signals each one so tests can wait
// for the fire-and-forget goroutine without sleeping.
type stubNotifier struct {
	mu    sync.Mutex
	calls []notify.Message
	err   error
	done  chan struct{}
}

func newStubNotifier() *stubNotifier {
	return &stubNotifier{done: make(chan struct{}, 16)}
}

func (n *stubNotifier) SendLicenseKey(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	n.calls = append(n.calls, msg)
	n.mu.Unlock()
	n.done <- struct{}{}
	return n.err
}

func (n *stubNotifier) sent() []notify.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Message(nil), n.calls...)
}

func (n *stubNotifier) waitForDelivery(t *testing.T) notify.Message {
	t.Helper()
	select {
	case <-n.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for key delivery")
	}
	msgs := n.sent()
	return msgs[len(msgs)-1]
}

func newLicenseFixture(t *testing.T, ids ...string) (LicenseService, *store.MemoryStore, *stubNotifier) {
	t.Helper()
	st := store.NewMemoryStore()
	if len(ids) > 0 {
		_, err := st.Seed(context.Background(), ids)
		require.NoError(t, err)
	}
	notifier := newStubNotifier()
	lc := license.NewLifecycle(st, st, nil, discardLogger())
	svc := NewLicenseService(lc, notifier, nil, nil, discardLogger())
	return svc, st, notifier
}

func TestLicenseService_Issue(t *testing.T) {
	svc, _, notifier := newLicenseFixture(t, "user-1")

	resp, err := svc.Issue(context.Background(), apiv1.LicenseIssueRequest{
		UserID: "user-1",
		Email:  "Alice@Example.com",
		Name:   "Alice",
	})
	require.NoError(t, err)

	assert.Regexp(t, license.KeyPattern, resp.LicenseKey)
	assert.Equal(t, "ASSIGNED", resp.Status)
	assert.False(t, resp.IssuedAt.IsZero())

	// Delivery runs detached; the recipient gets the raw key and the
	// normalized email from the persisted record.
	msg := notifier.waitForDelivery(t)
	assert.Equal(t, resp.LicenseKey, msg.LicenseKey)
	assert.Equal(t, "alice@example.com", msg.RecipientEmail)
	assert.Equal(t, "Alice", msg.RecipientName)
}

func TestLicenseService_Issue_Denials(t *testing.T) {
	svc, _, notifier := newLicenseFixture(t, "user-1")

	_, err := svc.Issue(context.Background(), apiv1.LicenseIssueRequest{
		UserID: "user-1", Email: "a@example.com", Name: "A",
	})
	require.NoError(t, err)
	notifier.waitForDelivery(t)

	tests := []struct {
		name    string
		userID  string
		wantErr error
	}{
		{name: "identity never provisioned", userID: "stranger", wantErr: license.ErrIdentityIneligible},
		{name: "identity already consumed", userID: "user-1", wantErr: license.ErrIdentityAlreadyConsumed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Issue(context.Background(), apiv1.LicenseIssueRequest{
				UserID: tt.userID, Email: "b@example.com", Name: "B",
			})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// Denied requests never reach the notifier.
	assert.Len(t, notifier.sent(), 1)
}

func TestLicenseService_Issue_DeliveryFailureKeepsRecord(t *testing.T) {
	svc, st, notifier := newLicenseFixture(t, "user-1")
	notifier.err = errors.New("relay rejected message")

	resp, err := svc.Issue(context.Background(), apiv1.LicenseIssueRequest{
		UserID: "user-1", Email: "a@example.com", Name: "A",
	})
	require.NoError(t, err)
	notifier.waitForDelivery(t)

	rec, err := st.FindByKey(context.Background(), resp.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, "user-1", rec.UserIdentity)
}

func TestLicenseService_Activate(t *testing.T) {
	svc, _, notifier := newLicenseFixture(t, "user-1")

	issued, err := svc.Issue(context.Background(), apiv1.LicenseIssueRequest{
		UserID: "user-1", Email: "a@example.com", Name: "A",
	})
	require.NoError(t, err)
	notifier.waitForDelivery(t)

	t.Run("first activation binds the machine", func(t *testing.T) {
		resp, err := svc.Activate(context.Background(), apiv1.LicenseActivateRequest{
			LicenseKey: issued.LicenseKey,
			Email:      "a@example.com",
			MachineID:  "machine-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "ACTIVATED", resp.Status)
		assert.False(t, resp.AlreadyActivated)
		assert.Equal(t, "machine-1", resp.MachineID)
		require.NotNil(t, resp.ActivatedAt)
	})

	t.Run("repeat from the bound machine is idempotent", func(t *testing.T) {
		resp, err := svc.Activate(context.Background(), apiv1.LicenseActivateRequest{
			LicenseKey: issued.LicenseKey,
			Email:      "a@example.com",
			MachineID:  "machine-1",
		})
		require.NoError(t, err)
		assert.True(t, resp.AlreadyActivated)
		assert.Equal(t, "machine-1", resp.MachineID)
	})

	t.Run("second machine is rejected", func(t *testing.T) {
		_, err := svc.Activate(context.Background(), apiv1.LicenseActivateRequest{
			LicenseKey: issued.LicenseKey,
			Email:      "a@example.com",
			MachineID:  "machine-2",
		})
		assert.ErrorIs(t, err, license.ErrMachineMismatch)
	})

	t.Run("wrong email is rejected", func(t *testing.T) {
		_, err := svc.Activate(context.Background(), apiv1.LicenseActivateRequest{
			LicenseKey: issued.LicenseKey,
			Email:      "intruder@example.com",
			MachineID:  "machine-1",
		})
		assert.ErrorIs(t, err, license.ErrEmailMismatch)
	})

	t.Run("unknown key is rejected", func(t *testing.T) {
		_, err := svc.Activate(context.Background(), apiv1.LicenseActivateRequest{
			LicenseKey: "ZZZZ-ZZZZ-ZZZZ",
			Email:      "a@example.com",
			MachineID:  "machine-1",
		})
		assert.ErrorIs(t, err, license.ErrRecordNotFound)
	})
}

func TestLicenseService_Status_MasksSensitiveFields(t *testing.T) {
	svc, _, notifier := newLicenseFixture(t, "user-1")

	issued, err := svc.Issue(context.Background(), apiv1.LicenseIssueRequest{
		UserID: "user-1", Email: "alice@example.com", Name: "Alice",
	})
	require.NoError(t, err)
	notifier.waitForDelivery(t)

	resp, err := svc.Status(context.Background(), issued.LicenseKey)
	require.NoError(t, err)
	assert.Equal(t, license.MaskKey(issued.LicenseKey), resp.LicenseKey)
	assert.Equal(t, "a****e@example.com", resp.OwnerEmail)
	assert.False(t, resp.MachineBound)
	assert.Nil(t, resp.ActivatedAt)

	_, err = svc.Activate(context.Background(), apiv1.LicenseActivateRequest{
		LicenseKey: issued.LicenseKey, Email: "alice@example.com", MachineID: "machine-1",
	})
	require.NoError(t, err)

	resp, err = svc.Status(context.Background(), issued.LicenseKey)
	require.NoError(t, err)
	assert.True(t, resp.MachineBound)
	assert.NotNil(t, resp.ActivatedAt)

	_, err = svc.Status(context.Background(), "ZZZZ-ZZZZ-ZZZZ")
	assert.ErrorIs(t, err, license.ErrRecordNotFound)
}

func TestLicenseService_EventsReachFeed(t *testing.T) {
	st := store.NewMemoryStore()
	_, err := st.Seed(context.Background(), []string{"user-1"})
	require.NoError(t, err)

	hub := websocket.NewHub(discardLogger(), nil)
	hub.Start()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(websocket.ServeWS(hub, config.WebSocketConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}, []string{"*"}, discardLogger()))
	t.Cleanup(srv.Close)

	conn, _, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	readEnvelope := func() events.Envelope {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var env events.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	}
	require.Equal(t, events.TypeConnection, readEnvelope().Type)

	notifier := newStubNotifier()
	lc := license.NewLifecycle(st, st, nil, discardLogger())
	svc := NewLicenseService(lc, notifier, hub, nil, discardLogger())

	issued, err := svc.Issue(context.Background(), apiv1.LicenseIssueRequest{
		UserID: "user-1", Email: "a@example.com", Name: "A",
	})
	require.NoError(t, err)
	notifier.waitForDelivery(t)

	env := readEnvelope()
	assert.Equal(t, events.TypeLicenseIssued, env.Type)
	var issuedEvt events.LicenseIssued
	require.NoError(t, json.Unmarshal(env.Payload, &issuedEvt))
	assert.Equal(t, license.MaskKey(issued.LicenseKey), issuedEvt.MaskedKey)
	assert.Equal(t, "user-1", issuedEvt.UserIdentity)
	assert.NotContains(t, string(env.Payload), issued.LicenseKey)

	_, err = svc.Activate(context.Background(), apiv1.LicenseActivateRequest{
		LicenseKey: issued.LicenseKey, Email: "a@example.com", MachineID: "machine-1",
	})
	require.NoError(t, err)

	env = readEnvelope()
	assert.Equal(t, events.TypeLicenseActivated, env.Type)
	var activatedEvt events.LicenseActivated
	require.NoError(t, json.Unmarshal(env.Payload, &activatedEvt))
	assert.Equal(t, "machine-1", activatedEvt.MachineID)
	assert.False(t, activatedEvt.AlreadyActivated)
}

func TestIssueDenialReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: license.ErrIdentityIneligible, want: "identity_ineligible"},
		{err: license.ErrIdentityAlreadyConsumed, want: "identity_consumed"},
		{err: license.ErrKeyCollision, want: "key_collision"},
		{err: errors.New("socket closed"), want: "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, issueDenialReason(tt.err))
	}
}

func TestActivationDenialReason(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{err: license.ErrRecordNotFound, want: "record_not_found"},
		{err: license.ErrEmailMismatch, want: "email_mismatch"},
		{err: license.ErrMachineMismatch, want: "machine_mismatch"},
		{err: errors.New("socket closed"), want: "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, activationDenialReason(tt.err))
	}
}
