package service

import (
	"context"
	"sync"
	"testing"

	"lopeswhatsapp/internal/gateway"
	"lopeswhatsapp/internal/models"
	"lopeswhatsapp/internal/repository"
	"lopeswhatsapp/internal/testutil"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.RealtimeEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.RealtimeEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) ofType(t models.RealtimeEventType) []models.RealtimeEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.RealtimeEvent
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}

type gatewayMock struct {
	mock.Mock
}

func (m *gatewayMock) Send(ctx context.Context, cmd gateway.SendCommand) (*gateway.SendResult, error) {
	args := m.Called(ctx, cmd)
	res, _ := args.Get(0).(*gateway.SendResult)
	return res, args.Error(1)
}

func (m *gatewayMock) FetchProfile(ctx context.Context, number string) (*gateway.Profile, error) {
	args := m.Called(ctx, number)
	p, _ := args.Get(0).(*gateway.Profile)
	return p, args.Error(1)
}

func (m *gatewayMock) ConnectionState(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

type harness struct {
	store      *repository.Store
	pub        *recordingPublisher
	registry   *PendingRegistry
	unread     *UnreadTracker
	reconciler *Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := repository.NewStore(testutil.NewTestDB(t))
	pub := &recordingPublisher{}
	registry := NewPendingRegistry(store, pub, 0)
	unread := NewUnreadTracker(store, nil, 0, pub)
	return &harness{
		store:      store,
		pub:        pub,
		registry:   registry,
		unread:     unread,
		reconciler: NewReconciler(store, registry, pub, WithUnreadTracker(unread)),
	}
}

func (h *harness) apply(t *testing.T, ev *models.NormalizedEvent) models.ReconcileResult {
	t.Helper()
	res, err := h.reconciler.Apply(context.Background(), ev)
	require.NoError(t, err)
	return res
}

func (h *harness) message(t *testing.T, convID, id string) *models.Message {
	t.Helper()
	msg, err := h.store.Chat.FindMessage(context.Background(), convID, id)
	require.NoError(t, err)
	return msg
}

func (h *harness) register(t *testing.T, convID, content string) *models.PendingSend {
	t.Helper()
	p, err := h.registry.Register(context.Background(), PendingInput{
		ConversationID: convID,
		Command:        string(gateway.CommandText),
		Content:        content,
	})
	require.NoError(t, err)
	return p
}

func inboundText(convID, id string, ts int64, text string) *models.NormalizedEvent {
	return &models.NormalizedEvent{
		Type:           models.EventMessage,
		ConversationID: convID,
		MessageID:      id,
		Timestamp:      ts,
		Kind:           models.KindText,
		Content:        text,
	}
}

func outboundText(convID, id string, ts int64, text string) *models.NormalizedEvent {
	ev := inboundText(convID, id, ts, text)
	ev.FromMe = true
	return ev
}

func statusUpdate(convID, id string, status models.MessageStatus) *models.NormalizedEvent {
	return &models.NormalizedEvent{
		Type:           models.EventStatus,
		ConversationID: convID,
		MessageID:      id,
		Status:         status,
	}
}
