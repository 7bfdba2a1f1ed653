package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"lopeswhatsapp/internal/gateway"
	"lopeswhatsapp/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const addrA = convA + "@s.whatsapp.net"

type stubMediaStore struct {
	saved [][]byte
}

func (s *stubMediaStore) Save(_ context.Context, data []byte, _, _ string) (string, error) {
	s.saved = append(s.saved, data)
	return "/media/upload.png", nil
}

func newDispatcher(h *harness, gw GatewayClient, opts ...DispatcherOption) *Dispatcher {
	return NewDispatcher(h.reconciler, h.registry, h.unread, gw, opts...)
}

func textTo(number string) interface{} {
	return mock.MatchedBy(func(cmd gateway.SendCommand) bool {
		return cmd.Kind == gateway.CommandText && cmd.Number == number
	})
}

func requireAppError(t *testing.T, err error, code string) *models.AppError {
	t.Helper()
	var appErr *models.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, code, appErr.Code)
	return appErr
}

func TestDispatcher_SendText(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gw := &gatewayMock{}
	gw.On("Send", mock.Anything, textTo(addrA)).
		Return(&gateway.SendResult{MessageID: "WA9", Status: models.StatusSent}, nil).Once()
	d := newDispatcher(h, gw)

	res, err := d.SendText(ctx, TextIntent{Target: convA, Text: "olá"})
	require.NoError(t, err)
	gw.AssertExpectations(t)

	assert.NotEmpty(t, res.Placeholder)
	assert.Equal(t, "WA9", res.MessageID)
	assert.Equal(t, convA, res.ConversationID)
	assert.Equal(t, models.StatusSent, res.Status)

	timeline, err := h.reconciler.Timeline(ctx, convA, 0, 0)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.Equal(t, "WA9", timeline[0].ExternalID)
	assert.Equal(t, "olá", timeline[0].Content)

	p, err := h.registry.Get(ctx, res.Placeholder)
	require.NoError(t, err)
	assert.Equal(t, "WA9", p.ResolvedID)
	assert.Equal(t, p.Seq, timeline[0].Seq)

	wm, err := h.unread.Watermark(ctx, convA)
	require.NoError(t, err)
	assert.Positive(t, wm)

	t.Run("the echo webhook is a duplicate", func(t *testing.T) {
		assert.Equal(t, models.ResultDuplicate, h.apply(t, outboundText(convA, "WA9", 1_000, "olá")))
	})
}

func TestDispatcher_SendWithoutID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gw := &gatewayMock{}
	gw.On("Send", mock.Anything, textTo(addrA)).Return(&gateway.SendResult{}, nil).Once()
	d := newDispatcher(h, gw)

	res, err := d.SendText(ctx, TextIntent{Target: addrA, Text: "olá"})
	require.NoError(t, err)
	assert.Empty(t, res.MessageID)
	assert.Equal(t, models.StatusPending, res.Status)

	pending, err := h.registry.ListUnresolved(ctx, convA)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	wm, err := h.unread.Watermark(ctx, convA)
	require.NoError(t, err)
	assert.Positive(t, wm, "an accepted send marks the conversation read")

	h.apply(t, outboundText(convA, "WA1", 1_000, "olá"))
	pending, err = h.registry.ListUnresolved(ctx, convA)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDispatcher_FirstSendSetsPreview(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	// Gateway timestamps have seconds precision, so they trail the clock.
	sentAt := time.Now().Add(-time.Second).Truncate(time.Second).UnixMilli()
	gw := &gatewayMock{}
	gw.On("Send", mock.Anything, textTo(addrA)).
		Return(&gateway.SendResult{MessageID: "WA1", Timestamp: sentAt, Status: models.StatusSent}, nil).Once()
	d := newDispatcher(h, gw)

	_, err := d.SendText(ctx, TextIntent{Target: convA, Text: "primeira"})
	require.NoError(t, err)

	conv, err := h.reconciler.GetConversation(ctx, convA)
	require.NoError(t, err)
	assert.Equal(t, "primeira", conv.LastMessagePreview)
	assert.Equal(t, sentAt, conv.LastActivityAt)
}

func TestDispatcher_GatewayFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gw := &gatewayMock{}
	gw.On("Send", mock.Anything, textTo(addrA)).
		Return(nil, &gateway.Error{Operation: "text", StatusCode: 500, Body: "boom"}).Once()
	d := newDispatcher(h, gw)

	_, err := d.SendText(ctx, TextIntent{Target: convA, Text: "olá"})
	appErr := requireAppError(t, err, models.CodeGatewayDispatchFailure)
	token := appErr.Details["placeholder"]
	require.NotEmpty(t, token)

	var gwErr *gateway.Error
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, 500, gwErr.StatusCode)

	p, err := h.registry.Get(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, models.PendingStateError, p.State)
	assert.False(t, p.TimedOut)
	assert.Len(t, h.pub.ofType(models.RealtimePendingFailed), 1)

	timeline, err := h.reconciler.Timeline(ctx, convA, 0, 0)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.Equal(t, models.StatusError, timeline[0].Status)
}

func TestDispatcher_TimeoutThenLateEcho(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gw := &gatewayMock{}
	gw.On("Send", mock.Anything, textTo(addrA)).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded).Once()
	d := newDispatcher(h, gw, WithGatewayTimeout(20*time.Millisecond))

	_, err := d.SendText(ctx, TextIntent{Target: convA, Text: "olá"})
	appErr := requireAppError(t, err, models.CodeGatewayTimeout)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	p, err := h.registry.Get(ctx, appErr.Details["placeholder"])
	require.NoError(t, err)
	assert.True(t, p.TimedOut)

	// The gateway delivered it after all.
	h.apply(t, outboundText(convA, "WA-LATE", 1_000, "olá"))

	p, err = h.registry.Get(ctx, p.Token)
	require.NoError(t, err)
	assert.Equal(t, "WA-LATE", p.ResolvedID)

	timeline, err := h.reconciler.Timeline(ctx, convA, 0, 0)
	require.NoError(t, err)
	require.Len(t, timeline, 1)
	assert.Equal(t, "WA-LATE", timeline[0].ExternalID)
	assert.Equal(t, p.Seq, timeline[0].Seq)
}

func TestDispatcher_Validation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gw := &gatewayMock{}
	d := newDispatcher(h, gw)

	_, err := d.SendText(ctx, TextIntent{Target: convA, Text: "  "})
	requireAppError(t, err, models.CodeValidation)

	_, err = d.SendText(ctx, TextIntent{Target: "", Text: "hi"})
	requireAppError(t, err, models.CodeValidation)

	_, err = d.SendPoll(ctx, PollIntent{Target: convA, Poll: models.Poll{Title: "?", Options: []string{"only"}}})
	requireAppError(t, err, models.CodeValidation)

	_, err = d.SendLocation(ctx, LocationIntent{Target: convA, Location: models.Location{Latitude: 120}})
	requireAppError(t, err, models.CodeValidation)

	_, err = d.SendMedia(ctx, MediaIntent{Target: convA, MediaKind: models.KindAudio, Media: "x"})
	requireAppError(t, err, models.CodeValidation)

	gw.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestDispatcher_SendMediaStoresUpload(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gw := &gatewayMock{}
	gw.On("Send", mock.Anything, mock.MatchedBy(func(cmd gateway.SendCommand) bool {
		return cmd.Kind == gateway.CommandMedia && cmd.MediaKind == models.KindImage && cmd.Media == "aGVsbG8="
	})).Return(&gateway.SendResult{}, nil).Once()
	media := &stubMediaStore{}
	d := newDispatcher(h, gw, WithMediaStore(media))

	_, err := d.SendMedia(ctx, MediaIntent{Target: convA, Media: "aGVsbG8=", Caption: "foto", MimeType: "image/png"})
	require.NoError(t, err)
	gw.AssertExpectations(t)

	require.Len(t, media.saved, 1)
	assert.Equal(t, "hello", string(media.saved[0]))

	pending, err := h.registry.ListUnresolved(ctx, convA)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "/media/upload.png", pending[0].MediaURL)
	assert.Equal(t, models.KindImage, pending[0].Kind)
}

func TestDispatcher_LocationAndPoll(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gw := &gatewayMock{}
	gw.On("Send", mock.Anything, mock.MatchedBy(func(cmd gateway.SendCommand) bool {
		return cmd.Kind == gateway.CommandLocation
	})).Return(&gateway.SendResult{MessageID: "LOC1"}, nil).Once()
	gw.On("Send", mock.Anything, mock.MatchedBy(func(cmd gateway.SendCommand) bool {
		return cmd.Kind == gateway.CommandPoll
	})).Return(&gateway.SendResult{MessageID: "POLL1"}, nil).Once()
	d := newDispatcher(h, gw)

	_, err := d.SendLocation(ctx, LocationIntent{Target: convA, Location: models.Location{Latitude: -23.5, Longitude: -46.6, Name: "Loja"}})
	require.NoError(t, err)
	loc := h.message(t, convA, "LOC1")
	assert.Equal(t, models.KindLocation, loc.Kind)
	assert.JSONEq(t, `{"location":{"latitude":-23.5,"longitude":-46.6,"name":"Loja"}}`, string(loc.Metadata))

	_, err = d.SendPoll(ctx, PollIntent{Target: convA, Poll: models.Poll{Title: "Horário?", Options: []string{"9h", "10h"}}})
	require.NoError(t, err)
	poll := h.message(t, convA, "POLL1")
	assert.Equal(t, models.KindPoll, poll.Kind)
	assert.Equal(t, "Horário?", poll.Content)
}

func TestDispatcher_Mutations(t *testing.T) {
	ctx := context.Background()

	t.Run("edit rejected by the gateway is flagged", func(t *testing.T) {
		h := newHarness(t)
		h.apply(t, outboundText(convA, "OUT1", 1_000, "old"))
		gw := &gatewayMock{}
		gw.On("Send", mock.Anything, mock.MatchedBy(func(cmd gateway.SendCommand) bool {
			return cmd.Kind == gateway.CommandEdit && cmd.TargetID == "OUT1" && cmd.TargetFromMe && cmd.Text == "new"
		})).Return(nil, &gateway.Error{Operation: "edit", StatusCode: 400}).Once()
		d := newDispatcher(h, gw)

		_, err := d.Edit(ctx, EditIntent{Target: convA, MessageID: "OUT1", Text: "new"})
		requireAppError(t, err, models.CodeGatewayDispatchFailure)

		msg := h.message(t, convA, "OUT1")
		assert.Equal(t, "new", msg.Content)
		assert.Equal(t, string(gateway.CommandEdit), msg.FailedAction)
	})

	t.Run("react", func(t *testing.T) {
		h := newHarness(t)
		h.apply(t, inboundText(convA, "IN1", 1_000, "oi"))
		gw := &gatewayMock{}
		gw.On("Send", mock.Anything, mock.MatchedBy(func(cmd gateway.SendCommand) bool {
			return cmd.Kind == gateway.CommandReact && cmd.TargetID == "IN1" && !cmd.TargetFromMe && cmd.Number == addrA
		})).Return(&gateway.SendResult{}, nil).Once()
		d := newDispatcher(h, gw)

		res, err := d.React(ctx, ReactIntent{Target: convA, MessageID: "IN1", Emoji: "❤️"})
		require.NoError(t, err)
		assert.Equal(t, "IN1", res.MessageID)
		assert.Equal(t, "❤️", h.message(t, convA, "IN1").Reaction)

		// Same reaction again is already applied.
		_, err = d.React(ctx, ReactIntent{Target: convA, MessageID: "IN1", Emoji: "❤️"})
		require.NoError(t, err)
		gw.AssertNumberOfCalls(t, "Send", 1)
	})

	t.Run("delete", func(t *testing.T) {
		h := newHarness(t)
		h.apply(t, outboundText(convA, "OUT1", 1_000, "oops"))
		gw := &gatewayMock{}
		gw.On("Send", mock.Anything, mock.MatchedBy(func(cmd gateway.SendCommand) bool {
			return cmd.Kind == gateway.CommandDelete && cmd.TargetID == "OUT1"
		})).Return(&gateway.SendResult{}, nil).Once()
		d := newDispatcher(h, gw)

		res, err := d.Delete(ctx, DeleteIntent{Target: convA, MessageID: "OUT1"})
		require.NoError(t, err)
		assert.Equal(t, models.StatusDeleted, res.Status)

		_, err = d.Edit(ctx, EditIntent{Target: convA, MessageID: "OUT1", Text: "back"})
		requireAppError(t, err, models.CodeValidation)
		gw.AssertNumberOfCalls(t, "Send", 1)
	})

	t.Run("inbound messages cannot be edited", func(t *testing.T) {
		h := newHarness(t)
		h.apply(t, inboundText(convA, "IN1", 1_000, "oi"))
		gw := &gatewayMock{}
		d := newDispatcher(h, gw)

		_, err := d.Edit(ctx, EditIntent{Target: convA, MessageID: "IN1", Text: "x"})
		requireAppError(t, err, models.CodeValidation)
		gw.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
	})

	t.Run("unknown message", func(t *testing.T) {
		h := newHarness(t)
		d := newDispatcher(h, &gatewayMock{})
		_, err := d.Delete(ctx, DeleteIntent{Target: convA, MessageID: "NOPE"})
		requireAppError(t, err, models.CodeNotFound)
	})
}

func TestDispatcher_ReplyAndForward(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.apply(t, inboundText(convB, "IN1", 1_000, "promoção"))
	gw := &gatewayMock{}
	d := newDispatcher(h, gw)

	gw.On("Send", mock.Anything, mock.MatchedBy(func(cmd gateway.SendCommand) bool {
		return cmd.Kind == gateway.CommandText && cmd.QuotedID == "IN1" && cmd.Text == "quero"
	})).Return(&gateway.SendResult{MessageID: "R1"}, nil).Once()
	_, err := d.Reply(ctx, ReplyIntent{Target: convB, MessageID: "IN1", Text: "quero"})
	require.NoError(t, err)
	assert.Equal(t, "IN1", h.message(t, convB, "R1").QuotedID)

	gw.On("Send", mock.Anything, mock.MatchedBy(func(cmd gateway.SendCommand) bool {
		return cmd.Kind == gateway.CommandText && cmd.Number == addrA && cmd.Text == "promoção"
	})).Return(&gateway.SendResult{MessageID: "F1"}, nil).Once()
	res, err := d.Forward(ctx, ForwardIntent{From: convB, MessageID: "IN1", Target: convA})
	require.NoError(t, err)
	assert.Equal(t, convA, res.ConversationID)
	gw.AssertExpectations(t)

	t.Run("reply to an unconfirmed placeholder", func(t *testing.T) {
		p := h.register(t, convB, "pending")
		_, err := d.Reply(ctx, ReplyIntent{Target: convB, MessageID: p.Token, Text: "x"})
		requireAppError(t, err, models.CodeValidation)
	})
}

func TestProfileSync_Refresh(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	gw := &gatewayMock{}
	ps := NewProfileSync(h.reconciler, gw, time.Second)

	_, err := ps.Refresh(ctx, convA)
	requireAppError(t, err, models.CodeNotFound)
	gw.AssertNotCalled(t, "FetchProfile", mock.Anything, mock.Anything)

	h.apply(t, inboundText(convA, "IN1", 1_000, "oi"))
	gw.On("FetchProfile", mock.Anything, convA).
		Return(&gateway.Profile{Number: convA, Name: "Maria", PictureURL: "https://pps.example/m.jpg"}, nil).Once()

	conv, err := ps.Refresh(ctx, convA)
	require.NoError(t, err)
	assert.Equal(t, "Maria", conv.Name)
	assert.Equal(t, "https://pps.example/m.jpg", conv.AvatarURL)

	gw.On("FetchProfile", mock.Anything, convA).Return(nil, errors.New("unreachable")).Once()
	_, err = ps.Refresh(ctx, convA)
	requireAppError(t, err, models.CodeGatewayDispatchFailure)
}

func TestDispatcher_ConnectionState(t *testing.T) {
	h := newHarness(t)
	gw := &gatewayMock{}
	gw.On("ConnectionState", mock.Anything).Return("open", nil).Once()
	d := newDispatcher(h, gw)

	state, err := d.ConnectionState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "open", state)
}
