package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/example/sessioncore/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueue(t *testing.T) (*Queue, *testutil.Clock) {
	t.Helper()
	log, _ := testutil.NewLogger()
	q := NewQueue(testutil.NewSQLite(t), Config{}, log)
	clock := testutil.NewClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	q.now = clock.Now
	return q, clock
}

func TestDrainOrderPriorityThenFIFO(t *testing.T) {
	ctx := context.Background()
	q, clock := newQueue(t)

	publish := func(p Payload, pr Priority) *Event {
		e, err := q.Publish(ctx, Message{UserID: "u1", Type: TypeSecurity, Payload: p, Priority: pr})
		require.NoError(t, err)
		clock.Advance(time.Second)
		return e
	}
	low := publish(EmailVerified{At: clock.Now()}, PriorityLow)
	first := publish(ForceLogout{Reason: ReasonTokenReuse, FamilyID: "f1"}, PriorityUrgent)
	normal := publish(PasswordChanged{At: clock.Now(), Via: "change"}, PriorityNormal)
	second := publish(ForceLogout{Reason: ReasonLogoutAll}, PriorityUrgent)

	events, err := q.DrainUnprocessed(ctx, "u1")
	require.NoError(t, err)
	var ids []string
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{first.ID, second.ID, normal.ID, low.ID}, ids)

	fl, ok := events[0].Payload.(ForceLogout)
	require.True(t, ok)
	assert.Equal(t, "f1", fl.FamilyID)
	assert.Equal(t, PriorityUrgent, events[0].Priority)
	assert.Equal(t, EventForceLogout, events[0].Name)

	// Drain does not consume.
	again, err := q.DrainUnprocessed(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, again, 4)
}

func TestMarkProcessedAndHasUnprocessed(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	has, err := q.HasUnprocessed(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, has)

	e, err := q.Publish(ctx, Message{UserID: "u1", Payload: TwoFactorDisabled{}})
	require.NoError(t, err)
	has, err = q.HasUnprocessed(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, has)

	n, err := q.MarkProcessed(ctx, "u2", e.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = q.MarkProcessed(ctx, "u1", e.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	has, err = q.HasUnprocessed(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestDefaultTTLs(t *testing.T) {
	ctx := context.Background()
	q, clock := newQueue(t)

	urgent, err := q.Publish(ctx, Message{UserID: "u1", Payload: ForceLogout{}, Priority: PriorityUrgent})
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, urgent.ExpiresAt.Sub(clock.Now()))

	normal, err := q.Publish(ctx, Message{UserID: "u1", Payload: EmailVerified{}})
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, normal.ExpiresAt.Sub(clock.Now()))
	assert.Equal(t, PriorityNormal, normal.Priority)

	custom, err := q.Publish(ctx, Message{UserID: "u1", Payload: EmailVerified{}, TTL: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, custom.ExpiresAt.Sub(clock.Now()))

	clock.Advance(73 * time.Hour)
	events, err := q.DrainUnprocessed(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, events, 1, "only the urgent event outlives three days")
	assert.Equal(t, urgent.ID, events[0].ID)
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	q, clock := newQueue(t)

	_, err := q.Publish(ctx, Message{UserID: "u1", Payload: EmailVerified{}, TTL: time.Hour})
	require.NoError(t, err)
	done, err := q.Publish(ctx, Message{UserID: "u1", Payload: ForceLogout{}, Priority: PriorityUrgent})
	require.NoError(t, err)
	_, err = q.MarkProcessed(ctx, "u1", done.ID)
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)
	expired, processed, err := q.Purge(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, expired)
	assert.Zero(t, processed)

	clock.Advance(31 * 24 * time.Hour)
	_, processed, err = q.Purge(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, processed)
}

func TestSubscribeWakesOnPublish(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)

	ch, cancel := q.Subscribe("u1")
	other, cancelOther := q.Subscribe("u2")
	defer cancelOther()

	_, err := q.Publish(ctx, Message{UserID: "u1", Payload: EmailVerified{}})
	require.NoError(t, err)
	_, err = q.Publish(ctx, Message{UserID: "u1", Payload: EmailVerified{}})
	require.NoError(t, err)

	select {
	case <-ch:
	default:
		t.Fatal("expected a wake-up")
	}
	select {
	case <-other:
		t.Fatal("unrelated user woken")
	default:
	}

	cancel()
	cancel()
	q.mu.Lock()
	_, still := q.subs["u1"]
	q.mu.Unlock()
	assert.False(t, still)
}

func TestPublishValidation(t *testing.T) {
	q, _ := newQueue(t)
	_, err := q.Publish(context.Background(), Message{Payload: EmailVerified{}})
	assert.Error(t, err)
	_, err = q.Publish(context.Background(), Message{UserID: "u1"})
	assert.Error(t, err)
	_, err = q.Publish(context.Background(), Message{UserID: "u1", Payload: Generic{}})
	assert.Error(t, err)
}

func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload(EventForceLogout, []byte(`{"reason":"password_changed"}`))
	require.NoError(t, err)
	assert.Equal(t, ForceLogout{Reason: ReasonPasswordChanged}, p)
	assert.True(t, p.(ForceLogout).Targets("any"))
	assert.False(t, ForceLogout{FamilyID: "a"}.Targets("b"))

	p, err = DecodePayload("login_alert", []byte(`{"ip":"1.2.3.4"}`))
	require.NoError(t, err)
	g, ok := p.(Generic)
	require.True(t, ok)
	assert.Equal(t, "login_alert", g.EventName())
	assert.JSONEq(t, `{"ip":"1.2.3.4"}`, string(g.Data))

	_, err = DecodePayload(EventPasswordChanged, []byte(`[]`))
	assert.Error(t, err)
	_, err = DecodePayload("x", []byte(`nope`))
	assert.Error(t, err)
}

func TestGenericRoundTripsThroughTheQueue(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t)
	_, err := q.Publish(ctx, Message{UserID: "u1", Type: TypeNotification,
		Payload: Generic{Name: "new_device", Data: json.RawMessage(`{"ua":"x"}`)}})
	require.NoError(t, err)

	events, err := q.DrainUnprocessed(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	b, err := json.Marshal(events[0])
	require.NoError(t, err)

	var wire struct {
		Event    string          `json:"event"`
		Type     string          `json:"type"`
		Priority string          `json:"priority"`
		Payload  json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(b, &wire))
	assert.Equal(t, "new_device", wire.Event)
	assert.Equal(t, "notification", wire.Type)
	assert.Equal(t, "normal", wire.Priority)
	assert.JSONEq(t, `{"ua":"x"}`, string(wire.Payload))
}
