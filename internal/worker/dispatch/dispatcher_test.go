package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/notifyd/internal/content"
	"github.com/hitoshi/notifyd/internal/mailer"
	"github.com/hitoshi/notifyd/internal/model"
	"github.com/hitoshi/notifyd/internal/platform"
)

// mockQueueRepo は配信キューの状態遷移を記録するモック。
type mockQueueRepo struct {
	groups      []model.QueueGroup
	claimable   map[string][]*model.QueueItem // キーはcontent_id
	claimErr    error
	sentIDs     []string
	failedIDs   []string
	orphanedIDs []string
	pendingIDs  []string
	resetCount  int64
	finalCount  int64
	movedCount  int64
}

func (m *mockQueueRepo) Insert(ctx context.Context, item *model.QueueItem) error { return nil }

func (m *mockQueueRepo) ListDueGroups(ctx context.Context, limit int) ([]model.QueueGroup, error) {
	if len(m.groups) > limit {
		return m.groups[:limit], nil
	}
	return m.groups, nil
}

func (m *mockQueueRepo) ClaimGroup(ctx context.Context, g model.QueueGroup) ([]*model.QueueItem, error) {
	if m.claimErr != nil {
		return nil, m.claimErr
	}
	return m.claimable[g.ContentID], nil
}

func (m *mockQueueRepo) MarkSent(ctx context.Context, ids []string, sentAt time.Time) error {
	m.sentIDs = append(m.sentIDs, ids...)
	return nil
}

func (m *mockQueueRepo) MarkPending(ctx context.Context, ids []string) error {
	m.pendingIDs = append(m.pendingIDs, ids...)
	return nil
}

func (m *mockQueueRepo) MarkFailed(ctx context.Context, ids []string) error {
	m.failedIDs = append(m.failedIDs, ids...)
	return nil
}

func (m *mockQueueRepo) MarkOrphaned(ctx context.Context, ids []string) error {
	m.orphanedIDs = append(m.orphanedIDs, ids...)
	return nil
}

func (m *mockQueueRepo) ResetStuck(ctx context.Context, threshold time.Duration) (int64, int64, error) {
	return m.resetCount, m.finalCount, nil
}

func (m *mockQueueRepo) MoveFailedToPending(ctx context.Context) (int64, error) {
	return m.movedCount, nil
}

func (m *mockQueueRepo) DeleteSentBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (m *mockQueueRepo) DeleteFailedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

// mockTriggerRepo はTriggerRepositoryのモック。
type mockTriggerRepo struct {
	trigger *model.Trigger
}

func (m *mockTriggerRepo) FindByKeyAndChannel(ctx context.Context, key string, channel model.Channel) (*model.Trigger, error) {
	return m.trigger, nil
}

func (m *mockTriggerRepo) FindByID(ctx context.Context, id int64) (*model.Trigger, error) {
	return m.trigger, nil
}

func (m *mockTriggerRepo) Ensure(ctx context.Context, key string, channel model.Channel) (*model.Trigger, error) {
	return m.trigger, nil
}

// mockContentService はContentServiceのモック。
type mockContentService struct {
	obj *model.Content
	err error
}

func (m *mockContentService) GetContent(ctx context.Context, contentType, contentID, tenantID string) (*model.Content, error) {
	return m.obj, m.err
}

// mockIdentity は指定したIDのみ実在するものとして応答するモック。
type mockIdentity struct {
	known map[string]model.Recipient
}

func (m *mockIdentity) ResolveMention(ctx context.Context, name string) (string, error) {
	return "", nil
}

func (m *mockIdentity) UsersByIDs(ctx context.Context, ids []string) ([]model.Recipient, error) {
	var out []model.Recipient
	for _, id := range ids {
		if rec, ok := m.known[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// mockTransport はSendBlindの呼び出しを記録するモック。
type mockTransport struct {
	calls [][]string // 呼び出しごとの宛先リスト
	err   error
}

func (m *mockTransport) SendBlind(ctx context.Context, addresses []string, subject, body string, headers map[string]string) error {
	m.calls = append(m.calls, addresses)
	return m.err
}

// mockChunkHook はChunkOverrideのモック。
type mockChunkHook struct {
	handled bool
	calls   int
}

func (m *mockChunkHook) SendChunk(ctx context.Context, users []model.Recipient, obj *model.Content, item *model.QueueItem) (bool, error) {
	m.calls++
	return m.handled, nil
}

// mockChannelSender はChannelSenderのモック。
type mockChannelSender struct {
	result platform.ChannelResult
	err    error
}

func (m *mockChannelSender) Send(ctx context.Context, channel model.Channel, users []model.Recipient, obj *model.Content, items []*model.QueueItem) (platform.ChannelResult, error) {
	return m.result, m.err
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

type dispatchFixture struct {
	queueRepo   *mockQueueRepo
	triggerRepo *mockTriggerRepo
	contentSvc  *mockContentService
	identity    *mockIdentity
	transport   *mockTransport
	chunkHook   platform.ChunkOverride
	sender      platform.ChannelSender
	opts        Options
}

func newDispatchFixture() *dispatchFixture {
	items := []*model.QueueItem{
		{ID: "item-1", RecipientID: "user-a", ContentID: "post-100", Status: model.StatusProcessing},
		{ID: "item-2", RecipientID: "user-b", ContentID: "post-100", Status: model.StatusProcessing},
	}
	return &dispatchFixture{
		queueRepo: &mockQueueRepo{
			groups: []model.QueueGroup{
				{TenantID: "tenant-1", ContentID: "post-100", ContentType: "post", TriggerID: 1, Reason: "new-post", Cadence: model.CadenceImmediate},
			},
			claimable: map[string][]*model.QueueItem{"post-100": items},
		},
		triggerRepo: &mockTriggerRepo{
			trigger: &model.Trigger{ID: 1, Key: "post-post", Channel: model.ChannelMail},
		},
		contentSvc: &mockContentService{
			obj: &model.Content{ID: "post-100", Type: "post", Title: "タイトル", Body: "本文"},
		},
		identity: &mockIdentity{
			known: map[string]model.Recipient{
				"user-a": {ID: "user-a", Address: "a@example.com"},
				"user-b": {ID: "user-b", Address: "b@example.com"},
			},
		},
		transport: &mockTransport{},
		opts:      Options{GroupLimit: 20, ChunkSize: 300, TimeBudget: time.Minute},
	}
}

func (f *dispatchFixture) build() *Dispatcher {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	builder := mailer.NewMessageBuilder("example.com", content.NewTextExtractor())
	return NewDispatcher(f.queueRepo, f.triggerRepo, f.contentSvc, f.identity,
		f.transport, builder, f.chunkHook, f.sender, nopCollector{}, logger, f.opts)
}

func TestRunOnce_SendsAndMarksSent(t *testing.T) {
	f := newDispatchFixture()
	d := f.build()

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("エラーが返されるべきでない: %v", err)
	}

	if len(f.transport.calls) != 1 {
		t.Fatalf("送信回数: 期待値 1, 実際 %d", len(f.transport.calls))
	}
	if len(f.transport.calls[0]) != 2 {
		t.Errorf("宛先数: 期待値 2, 実際 %d", len(f.transport.calls[0]))
	}
	if len(f.queueRepo.sentIDs) != 2 {
		t.Errorf("sent行数: 期待値 2, 実際 %v", f.queueRepo.sentIDs)
	}
	if len(f.queueRepo.failedIDs) != 0 {
		t.Errorf("failed行はないべき: %v", f.queueRepo.failedIDs)
	}
}

func TestRunOnce_MissingContentOrphansWholeGroup(t *testing.T) {
	f := newDispatchFixture()
	f.contentSvc.obj = nil
	d := f.build()

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("エラーが返されるべきでない: %v", err)
	}

	if len(f.queueRepo.orphanedIDs) != 2 {
		t.Errorf("orphaned行数: 期待値 2, 実際 %v", f.queueRepo.orphanedIDs)
	}
	if len(f.transport.calls) != 0 {
		t.Error("コンテンツ消失時は送信されるべきでない")
	}
	if len(f.queueRepo.failedIDs) != 0 {
		t.Errorf("orphanedとfailedは区別されるべき: %v", f.queueRepo.failedIDs)
	}
}

func TestRunOnce_MissingRecipientOrphansOnlyThatRow(t *testing.T) {
	f := newDispatchFixture()
	delete(f.identity.known, "user-b")
	d := f.build()

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("エラーが返されるべきでない: %v", err)
	}

	if len(f.queueRepo.orphanedIDs) != 1 || f.queueRepo.orphanedIDs[0] != "item-2" {
		t.Errorf("item-2のみorphanedになるべき: %v", f.queueRepo.orphanedIDs)
	}
	if len(f.queueRepo.sentIDs) != 1 || f.queueRepo.sentIDs[0] != "item-1" {
		t.Errorf("item-1は送信されるべき: %v", f.queueRepo.sentIDs)
	}
}

func TestRunOnce_TransportFailureMarksFailed(t *testing.T) {
	f := newDispatchFixture()
	f.transport.err = errors.New("smtp error")
	d := f.build()

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("行単位の失敗でバッチが失敗すべきでない: %v", err)
	}

	if len(f.queueRepo.failedIDs) != 2 {
		t.Errorf("failed行数: 期待値 2, 実際 %v", f.queueRepo.failedIDs)
	}
	if len(f.queueRepo.sentIDs) != 0 {
		t.Errorf("sent行はないべき: %v", f.queueRepo.sentIDs)
	}
}

func TestRunOnce_SplitsIntoChunks(t *testing.T) {
	f := newDispatchFixture()
	f.opts.ChunkSize = 2

	items := make([]*model.QueueItem, 0, 5)
	known := map[string]model.Recipient{}
	for _, suffix := range []string{"a", "b", "c", "d", "e"} {
		id := "user-" + suffix
		items = append(items, &model.QueueItem{ID: "item-" + suffix, RecipientID: id, ContentID: "post-100"})
		known[id] = model.Recipient{ID: id, Address: id + "@example.com"}
	}
	f.queueRepo.claimable["post-100"] = items
	f.identity.known = known
	d := f.build()

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("エラーが返されるべきでない: %v", err)
	}

	// 5宛先はチャンクサイズ2で3回に分割される。
	if len(f.transport.calls) != 3 {
		t.Fatalf("送信回数: 期待値 3, 実際 %d", len(f.transport.calls))
	}
	if len(f.queueRepo.sentIDs) != 5 {
		t.Errorf("sent行数: 期待値 5, 実際 %d", len(f.queueRepo.sentIDs))
	}
}

func TestRunOnce_TimeBudgetLeavesRemainingPending(t *testing.T) {
	f := newDispatchFixture()
	f.opts.ChunkSize = 1
	f.opts.TimeBudget = 10 * time.Second
	d := f.build()

	// 1チャンク送信するたびに時計を時間予算の先まで進める。
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	calls := 0
	d.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 6 * time.Second)
	}

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("エラーが返されるべきでない: %v", err)
	}

	// 予算超過後の未送信行はpendingに戻され、次回実行に持ち越される。
	if len(f.queueRepo.pendingIDs) == 0 {
		t.Error("予算超過時は未送信行がpendingに戻されるべき")
	}
	if len(f.queueRepo.sentIDs)+len(f.queueRepo.pendingIDs) != 2 {
		t.Errorf("sent+pendingが全行をカバーすべき: sent=%v pending=%v",
			f.queueRepo.sentIDs, f.queueRepo.pendingIDs)
	}
}

func TestRunOnce_ChunkOverrideSkipsDefaultSend(t *testing.T) {
	f := newDispatchFixture()
	hook := &mockChunkHook{handled: true}
	f.chunkHook = hook
	d := f.build()

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("エラーが返されるべきでない: %v", err)
	}

	if hook.calls != 1 {
		t.Errorf("拡張ポイントの呼び出し回数: 期待値 1, 実際 %d", hook.calls)
	}
	if len(f.transport.calls) != 0 {
		t.Error("拡張ポイントが引き受けた場合は既定の送信は行われないべき")
	}
	if len(f.queueRepo.sentIDs) != 2 {
		t.Errorf("sent行数: 期待値 2, 実際 %v", f.queueRepo.sentIDs)
	}
}

func TestRunOnce_ChunkOverrideFallsThrough(t *testing.T) {
	f := newDispatchFixture()
	hook := &mockChunkHook{handled: false}
	f.chunkHook = hook
	d := f.build()

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("エラーが返されるべきでない: %v", err)
	}

	if len(f.transport.calls) != 1 {
		t.Error("拡張ポイントが引き受けなかった場合は既定の送信にフォールバックすべき")
	}
}

func TestRunOnce_CustomChannelDisjointSets(t *testing.T) {
	f := newDispatchFixture()
	f.triggerRepo.trigger = &model.Trigger{ID: 1, Key: "post-post", Channel: model.Channel("push")}
	f.sender = &mockChannelSender{
		result: platform.ChannelResult{
			Succeeded:    []string{"user-a"},
			NotProcessed: []string{"user-b"},
		},
	}
	d := f.build()

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("エラーが返されるべきでない: %v", err)
	}

	if len(f.queueRepo.sentIDs) != 1 || f.queueRepo.sentIDs[0] != "item-1" {
		t.Errorf("item-1がsentになるべき: %v", f.queueRepo.sentIDs)
	}
	// 未処理の受信者もfailedとして記録される。
	if len(f.queueRepo.failedIDs) != 1 || f.queueRepo.failedIDs[0] != "item-2" {
		t.Errorf("item-2がfailedになるべき: %v", f.queueRepo.failedIDs)
	}
	if len(f.transport.calls) != 0 {
		t.Error("カスタムチャネルでメール送信は行われないべき")
	}
}

func TestRunOnce_CustomChannelWithoutSenderFails(t *testing.T) {
	f := newDispatchFixture()
	f.triggerRepo.trigger = &model.Trigger{ID: 1, Key: "post-post", Channel: model.Channel("push")}
	d := f.build()

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("エラーが返されるべきでない: %v", err)
	}

	if len(f.queueRepo.failedIDs) != 2 {
		t.Errorf("拡張未設定のカスタムチャネルは全行failedになるべき: %v", f.queueRepo.failedIDs)
	}
}

func TestRunOnce_EmptyClaimSkipsGroup(t *testing.T) {
	// 並行する別の実行が先にグループを取得した場合、このランは0行を取得して
	// 何もせずスキップする。
	f := newDispatchFixture()
	f.queueRepo.claimable = map[string][]*model.QueueItem{}
	d := f.build()

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("エラーが返されるべきでない: %v", err)
	}

	if len(f.transport.calls) != 0 {
		t.Error("取得行が0件のグループは送信されるべきでない")
	}
	if len(f.queueRepo.sentIDs)+len(f.queueRepo.failedIDs) != 0 {
		t.Error("取得行が0件のグループで状態遷移は起きないべき")
	}
}

func TestRunOnce_ClaimFailureLeavesGroupPending(t *testing.T) {
	f := newDispatchFixture()
	f.queueRepo.claimErr = errors.New("claim error")
	d := f.build()

	if err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("グループ単位の失敗でバッチが失敗すべきでない: %v", err)
	}

	if len(f.transport.calls) != 0 {
		t.Error("取得に失敗したグループは送信されるべきでない")
	}
}

func TestMaintenanceRun_ReportsRecoveredCounts(t *testing.T) {
	repo := &mockQueueRepo{resetCount: 3, finalCount: 1}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	j := NewMaintenanceJob(repo, nopCollector{}, logger, time.Hour)

	if err := j.Run(context.Background()); err != nil {
		t.Fatalf("エラーが返されるべきでない: %v", err)
	}
}

func TestMaintenanceRetryFailed(t *testing.T) {
	repo := &mockQueueRepo{movedCount: 4}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	j := NewMaintenanceJob(repo, nopCollector{}, logger, time.Hour)

	moved, err := j.RetryFailed(context.Background())
	if err != nil {
		t.Fatalf("エラーが返されるべきでない: %v", err)
	}
	if moved != 4 {
		t.Errorf("再投入件数: 期待値 4, 実際 %d", moved)
	}
}
