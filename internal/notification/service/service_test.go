package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/impactledger/internal/clock"
	"github.com/smallbiznis/impactledger/internal/notification/domain"
	"github.com/smallbiznis/impactledger/internal/notification/repository"
	"github.com/smallbiznis/impactledger/internal/notification/service"
	"github.com/smallbiznis/impactledger/internal/realtime"
	"github.com/smallbiznis/impactledger/internal/storetest"
	"github.com/smallbiznis/impactledger/pkg/db/pagination"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type sentMail struct {
	to       []string
	template string
	data     map[string]any
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (f *fakeMailer) Send(ctx context.Context, to []string, subject, html string) error {
	return f.err
}

func (f *fakeMailer) SendTemplate(ctx context.Context, to []string, name string, data map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{to: to, template: name, data: data})
	return f.err
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	svc    domain.Service
	hub    *realtime.Hub
	mailer *fakeMailer
	clock  *clock.FakeClock
	node   *snowflake.Node
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	f := &fixture{
		hub:    realtime.NewHub(),
		mailer: &fakeMailer{},
		clock:  clock.NewFakeClock(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)),
		node:   node,
	}
	f.svc = service.New(service.Params{
		DB:        storetest.Open(t),
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     f.clock,
		Repo:      repository.Provide(),
		Email:     f.mailer,
		Publisher: f.hub,
	})
	return f
}

func (f *fixture) notice() domain.PurchaseNotice {
	return domain.PurchaseNotice{
		UserID:          f.node.Generate(),
		Email:           "buyer@example.com",
		PurchaseID:      f.node.Generate(),
		TokenID:         1,
		TxRef:           "tx_1_01HZX",
		InitiativeID:    f.node.Generate(),
		InitiativeTitle: "Plant a forest",
	}
}

func TestNotifyPurchaseIsOncePerPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	notice := f.notice()

	sub, err := f.hub.Subscribe(realtime.UserTopic(notice.UserID.String()))
	require.NoError(t, err)
	defer sub.Close()

	first, err := f.svc.NotifyPurchase(ctx, notice)
	require.NoError(t, err)
	require.Equal(t, domain.TypePurchaseConfirmed, first.Type)

	second, err := f.svc.NotifyPurchase(ctx, notice)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	resp, err := f.svc.List(ctx, domain.ListRequest{UserID: notice.UserID})
	require.NoError(t, err)
	require.Len(t, resp.Notifications, 1)
	require.Equal(t, int64(1), resp.UnreadCount)

	require.Equal(t, 1, f.mailer.count())
	require.Equal(t, "purchase_confirmed", f.mailer.sent[0].template)
	require.Equal(t, []string{"buyer@example.com"}, f.mailer.sent[0].to)

	select {
	case event := <-sub.Events():
		require.Equal(t, realtime.EventNotificationNew, event.Name)
	case <-time.After(time.Second):
		t.Fatalf("expected notification:new event")
	}
	select {
	case event := <-sub.Events():
		t.Fatalf("unexpected second event %s", event.Name)
	default:
	}
}

func TestNotifyPurchaseSwallowsEmailFailure(t *testing.T) {
	f := newFixture(t)
	f.mailer.err = errors.New("smtp down")

	n, err := f.svc.NotifyPurchase(context.Background(), f.notice())
	require.NoError(t, err)
	require.NotNil(t, n)
	require.Equal(t, 1, f.mailer.count())
}

func TestNotifyPurchaseRequiresUser(t *testing.T) {
	f := newFixture(t)
	notice := f.notice()
	notice.UserID = 0

	_, err := f.svc.NotifyPurchase(context.Background(), notice)
	require.ErrorIs(t, err, domain.ErrInvalidUser)
}

func TestListPagesNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := f.notice()

	var ids []snowflake.ID
	for i := 0; i < 5; i++ {
		notice := base
		notice.PurchaseID = f.node.Generate()
		notice.TokenID = uint64(i + 1)
		n, err := f.svc.NotifyPurchase(ctx, notice)
		require.NoError(t, err)
		ids = append(ids, n.ID)
	}

	page1, err := f.svc.List(ctx, domain.ListRequest{UserID: base.UserID, Pagination: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, page1.Notifications, 2)
	require.True(t, page1.PageInfo.HasMore)
	require.Equal(t, ids[4], page1.Notifications[0].ID)
	require.Equal(t, ids[3], page1.Notifications[1].ID)

	page2, err := f.svc.List(ctx, domain.ListRequest{UserID: base.UserID, Pagination: pagination.Pagination{PageSize: 2, PageToken: page1.PageInfo.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, page2.Notifications, 2)
	require.Equal(t, ids[2], page2.Notifications[0].ID)

	page3, err := f.svc.List(ctx, domain.ListRequest{UserID: base.UserID, Pagination: pagination.Pagination{PageSize: 2, PageToken: page2.PageInfo.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, page3.Notifications, 1)
	require.False(t, page3.PageInfo.HasMore)
	require.Empty(t, page3.PageInfo.NextPageToken)

	_, err = f.svc.List(ctx, domain.ListRequest{UserID: base.UserID, Pagination: pagination.Pagination{PageToken: "%%%"}})
	require.ErrorIs(t, err, domain.ErrInvalidPageToken)
}

func TestMarkReadAndMarkAllRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := f.notice()

	first, err := f.svc.NotifyPurchase(ctx, base)
	require.NoError(t, err)
	other := base
	other.PurchaseID = f.node.Generate()
	_, err = f.svc.NotifyPurchase(ctx, other)
	require.NoError(t, err)

	require.NoError(t, f.svc.MarkRead(ctx, base.UserID, first.ID))
	require.NoError(t, f.svc.MarkRead(ctx, base.UserID, first.ID))
	require.ErrorIs(t, f.svc.MarkRead(ctx, base.UserID, f.node.Generate()), domain.ErrNotificationNotFound)
	require.ErrorIs(t, f.svc.MarkRead(ctx, f.node.Generate(), first.ID), domain.ErrNotificationNotFound)

	unread, err := f.svc.List(ctx, domain.ListRequest{UserID: base.UserID, UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, unread.Notifications, 1)
	require.Equal(t, int64(1), unread.UnreadCount)

	updated, err := f.svc.MarkAllRead(ctx, base.UserID)
	require.NoError(t, err)
	require.Equal(t, int64(1), updated)

	all, err := f.svc.List(ctx, domain.ListRequest{UserID: base.UserID})
	require.NoError(t, err)
	require.Len(t, all.Notifications, 2)
	require.Equal(t, int64(0), all.UnreadCount)
}
