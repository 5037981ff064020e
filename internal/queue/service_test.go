package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/notifyd/internal/content"
	"github.com/hitoshi/notifyd/internal/model"
	"github.com/hitoshi/notifyd/internal/repository"
	"github.com/hitoshi/notifyd/internal/resolver"
	"github.com/hitoshi/notifyd/internal/scheduler"
)

// mockTriggerRepo はTriggerRepositoryのモック。
type mockTriggerRepo struct {
	trigger *model.Trigger
}

func (m *mockTriggerRepo) FindByKeyAndChannel(ctx context.Context, key string, channel model.Channel) (*model.Trigger, error) {
	if m.trigger != nil && m.trigger.Key == key && m.trigger.Channel == channel {
		return m.trigger, nil
	}
	return nil, nil
}

func (m *mockTriggerRepo) FindByID(ctx context.Context, id int64) (*model.Trigger, error) {
	if m.trigger != nil && m.trigger.ID == id {
		return m.trigger, nil
	}
	return nil, nil
}

func (m *mockTriggerRepo) Ensure(ctx context.Context, key string, channel model.Channel) (*model.Trigger, error) {
	return m.trigger, nil
}

// mockSettingRepo は設定なしで応答するSettingRepositoryのモック。
type mockSettingRepo struct{}

func (m *mockSettingRepo) NetworkSettings(ctx context.Context, triggerID int64, recipientIDs []string) (map[string]bool, error) {
	return nil, nil
}

func (m *mockSettingRepo) TenantSettings(ctx context.Context, tenantID string, triggerID int64, recipientIDs []string) (map[string]bool, error) {
	return nil, nil
}

func (m *mockSettingRepo) TermSettings(ctx context.Context, termIDs []string, triggerID int64, recipientIDs []string) ([]repository.TermSettingRow, error) {
	return nil, nil
}

func (m *mockSettingRepo) ContentItemSettings(ctx context.Context, contentID string, triggerID int64, recipientIDs []string) (map[string]bool, error) {
	return nil, nil
}

func (m *mockSettingRepo) NetworkPair(ctx context.Context, recipientID string, postTriggerID, commentTriggerID int64) (*bool, *bool, error) {
	return nil, nil, nil
}

func (m *mockSettingRepo) UpsertNetworkPair(ctx context.Context, recipientID string, postTriggerID, commentTriggerID int64, postMuted, commentMuted bool) error {
	return nil
}

func (m *mockSettingRepo) DeleteNetworkPair(ctx context.Context, recipientID string, postTriggerID, commentTriggerID int64) error {
	return nil
}

func (m *mockSettingRepo) Upsert(ctx context.Context, scope model.Scope, recipientID, scopeKey string, triggerID int64, muted bool) error {
	return nil
}

func (m *mockSettingRepo) Delete(ctx context.Context, scope model.Scope, recipientID, scopeKey string, triggerID int64) error {
	return nil
}

// mockMembership はMembershipServiceのモック。
type mockMembership struct {
	members []string
}

func (m *mockMembership) MembersOf(ctx context.Context, tenantID string) ([]string, error) {
	return m.members, nil
}

// mockContentService はContentServiceのモック。
type mockContentService struct{}

func (m *mockContentService) GetContent(ctx context.Context, contentType, contentID, tenantID string) (*model.Content, error) {
	return nil, nil
}

// mockIdentity はIdentityServiceのモック。
type mockIdentity struct{}

func (m *mockIdentity) ResolveMention(ctx context.Context, name string) (string, error) {
	return "", nil
}

func (m *mockIdentity) UsersByIDs(ctx context.Context, ids []string) ([]model.Recipient, error) {
	return nil, nil
}

// mockQueueRepo は挿入された行を記録するQueueRepositoryのモック。
type mockQueueRepo struct {
	inserted    []*model.QueueItem
	failForUser string // この受信者の挿入でエラーを返す
}

var errInsert = errors.New("insert error")

func (m *mockQueueRepo) Insert(ctx context.Context, item *model.QueueItem) error {
	if m.failForUser != "" && item.RecipientID == m.failForUser {
		return errInsert
	}
	m.inserted = append(m.inserted, item)
	return nil
}

func (m *mockQueueRepo) ListDueGroups(ctx context.Context, limit int) ([]model.QueueGroup, error) {
	return nil, nil
}

func (m *mockQueueRepo) ClaimGroup(ctx context.Context, g model.QueueGroup) ([]*model.QueueItem, error) {
	return nil, nil
}

func (m *mockQueueRepo) MarkSent(ctx context.Context, ids []string, sentAt time.Time) error {
	return nil
}

func (m *mockQueueRepo) MarkPending(ctx context.Context, ids []string) error { return nil }

func (m *mockQueueRepo) MarkFailed(ctx context.Context, ids []string) error { return nil }

func (m *mockQueueRepo) MarkOrphaned(ctx context.Context, ids []string) error { return nil }

func (m *mockQueueRepo) ResetStuck(ctx context.Context, threshold time.Duration) (int64, int64, error) {
	return 0, 0, nil
}

func (m *mockQueueRepo) MoveFailedToPending(ctx context.Context) (int64, error) { return 0, nil }

func (m *mockQueueRepo) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *mockQueueRepo) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// mockScheduleRepo はScheduleRepositoryのモック。
type mockScheduleRepo struct {
	prefs map[string]model.SchedulePreference
}

func (m *mockScheduleRepo) Find(ctx context.Context, recipientID, tenantID string, channel model.Channel) (*model.SchedulePreference, error) {
	return nil, nil
}

func (m *mockScheduleRepo) FindForRecipients(ctx context.Context, tenantID string, channel model.Channel, recipientIDs []string) (map[string]model.SchedulePreference, error) {
	return m.prefs, nil
}

func (m *mockScheduleRepo) Upsert(ctx context.Context, pref *model.SchedulePreference) error {
	return nil
}

// nopCollector はメトリクス収集の無効実装。
type nopCollector struct{}

func (nopCollector) RecordEnqueued(count int)                   {}
func (nopCollector) RecordSent(count int)                       {}
func (nopCollector) RecordFailed(count int)                     {}
func (nopCollector) RecordOrphaned(count int)                   {}
func (nopCollector) RecordCycleDuration(duration time.Duration) {}
func (nopCollector) RecordChunkLatency(duration time.Duration)  {}
func (nopCollector) RecordStuckReset(count int)                 {}

type serviceFixture struct {
	triggerRepo  *mockTriggerRepo
	queueRepo    *mockQueueRepo
	scheduleRepo *mockScheduleRepo
	membership   *mockMembership
}

func newServiceFixture() *serviceFixture {
	return &serviceFixture{
		triggerRepo: &mockTriggerRepo{
			trigger: &model.Trigger{ID: 1, Key: "post-post", Channel: model.ChannelMail},
		},
		queueRepo:    &mockQueueRepo{},
		scheduleRepo: &mockScheduleRepo{},
		membership:   &mockMembership{members: []string{"user-a", "user-b", "user-c"}},
	}
}

func (f *serviceFixture) build() *Service {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	res := resolver.New(f.triggerRepo, &mockSettingRepo{}, f.membership,
		&mockContentService{}, &mockIdentity{}, nil, content.NewTextExtractor(), true, logger)
	sched := scheduler.New(scheduler.DefaultConfig(), logger)
	return NewService(f.triggerRepo, f.queueRepo, f.scheduleRepo, res, sched, nopCollector{}, logger)
}

func testEvent() *model.Event {
	return &model.Event{
		Kind:        model.EventKindPost,
		TenantID:    "tenant-1",
		ContentID:   "post-100",
		ContentType: "post",
		AuthorID:    "user-c",
		Body:        "本文",
	}
}

func TestEnqueue_OneRowPerRecipient(t *testing.T) {
	f := newServiceFixture()
	s := f.build()

	count, err := s.Enqueue(context.Background(), testEvent(), "new-post", 1, model.DispatchMeta{})
	if err != nil {
		t.Fatalf("エラーが返されるべきでない: %v", err)
	}
	// user-cは著者のため除外され、user-aとuser-bの2行が挿入される。
	if count != 2 {
		t.Errorf("挿入件数: 期待値 2, 実際 %d", count)
	}
	if len(f.queueRepo.inserted) != 2 {
		t.Fatalf("挿入行数: 期待値 2, 実際 %d", len(f.queueRepo.inserted))
	}

	for _, item := range f.queueRepo.inserted {
		if item.Status != model.StatusPending {
			t.Errorf("状態はpendingであるべき, 実際 %s", item.Status)
		}
		if item.Cadence != model.CadenceImmediate {
			t.Errorf("設定なしの受信者はimmediateであるべき, 実際 %s", item.Cadence)
		}
		if item.ScheduledAt != nil {
			t.Errorf("即時配信のscheduled_atはnilであるべき, 実際 %v", item.ScheduledAt)
		}
		if item.ID == "" {
			t.Error("IDが採番されるべき")
		}
	}
}

func TestEnqueue_DailyCadenceSetsScheduledAt(t *testing.T) {
	f := newServiceFixture()
	f.scheduleRepo.prefs = map[string]model.SchedulePreference{
		"user-a": {
			RecipientID: "user-a",
			Cadence:     model.CadenceDaily,
			Timezone:    model.Timezone{Name: "Asia/Tokyo"},
		},
	}
	s := f.build()

	_, err := s.Enqueue(context.Background(), testEvent(), "new-post", 1, model.DispatchMeta{})
	if err != nil {
		t.Fatalf("エラーが返されるべきでない: %v", err)
	}

	for _, item := range f.queueRepo.inserted {
		if item.RecipientID == "user-a" {
			if item.Cadence != model.CadenceDaily {
				t.Errorf("期待値 daily, 実際 %s", item.Cadence)
			}
			if item.ScheduledAt == nil {
				t.Fatal("日次配信のscheduled_atは設定されるべき")
			}
			if !item.ScheduledAt.After(item.CreatedAt) {
				t.Error("scheduled_atは作成時刻より後であるべき")
			}
		} else {
			if item.ScheduledAt != nil {
				t.Errorf("設定なしの受信者のscheduled_atはnilであるべき, 実際 %v", item.ScheduledAt)
			}
		}
	}
}

func TestEnqueue_PartialInsertFailureDoesNotAbort(t *testing.T) {
	f := newServiceFixture()
	f.queueRepo.failForUser = "user-a"
	s := f.build()

	count, err := s.Enqueue(context.Background(), testEvent(), "new-post", 1, model.DispatchMeta{})
	if err != nil {
		t.Fatalf("行単位の失敗で全体が失敗すべきでない: %v", err)
	}
	if count != 1 {
		t.Errorf("挿入件数: 期待値 1, 実際 %d", count)
	}
}

func TestEnqueue_TriggerNotFound(t *testing.T) {
	f := newServiceFixture()
	s := f.build()

	_, err := s.Enqueue(context.Background(), testEvent(), "new-post", 99, model.DispatchMeta{})
	if err == nil {
		t.Fatal("未登録のトリガーIDはエラーになるべき")
	}
}

func TestAccept_ResolvesTriggerByKeyAndChannel(t *testing.T) {
	f := newServiceFixture()
	s := f.build()

	count, err := s.Accept(context.Background(), testEvent(), "new-post", model.ChannelMail)
	if err != nil {
		t.Fatalf("エラーが返されるべきでない: %v", err)
	}
	if count != 2 {
		t.Errorf("挿入件数: 期待値 2, 実際 %d", count)
	}
}

func TestAccept_UnknownTriggerKey(t *testing.T) {
	f := newServiceFixture()
	s := f.build()

	event := testEvent()
	event.ContentType = "unknown-type"
	_, err := s.Accept(context.Background(), event, "new-post", model.ChannelMail)
	if err == nil {
		t.Fatal("未登録のトリガーキーはエラーになるべき")
	}
	var nerr *model.NotifyError
	if !errors.As(err, &nerr) || nerr.Code != model.ErrCodeTriggerNotFound {
		t.Errorf("TRIGGER_NOT_FOUNDが返されるべき: %v", err)
	}
}

func TestEnqueue_ZeroRecipients(t *testing.T) {
	f := newServiceFixture()
	f.membership.members = []string{"user-c"} // 著者のみ
	s := f.build()

	count, err := s.Enqueue(context.Background(), testEvent(), "new-post", 1, model.DispatchMeta{})
	if err != nil {
		t.Fatalf("0人への解決はエラーではない: %v", err)
	}
	if count != 0 {
		t.Errorf("挿入件数: 期待値 0, 実際 %d", count)
	}
	if len(f.queueRepo.inserted) != 0 {
		t.Errorf("挿入行数: 期待値 0, 実際 %d", len(f.queueRepo.inserted))
	}
}
