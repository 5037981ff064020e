// Package resolver はコンテンツイベントから最終的な通知先集合を計算する。
//
// 解決は現在の設定ストアとメンバーシップのスナップショットに対して決定的であり、
// 永続状態を持たない。スコープ設定はスコープごとに1クエリで一括取得し、
// 優先順位の判定はcombinator.goの純粋関数で行う。
package resolver

import (
	"context"
	"log/slog"
	"regexp"
	"sort"

	"github.com/hitoshi/notifyd/internal/content"
	"github.com/hitoshi/notifyd/internal/model"
	"github.com/hitoshi/notifyd/internal/platform"
	"github.com/hitoshi/notifyd/internal/repository"
)

// mentionPattern は本文中の@メンションを抽出する。
// @の後に英数字・ハイフン・アンダースコアが続くものをメンション名とみなす。
var mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// Result は解決の結果を表す。
// 解決失敗（トリガー未設定、参照失敗）は空集合に潰さずFailureとして区別する。
// Failureがnilで受信者が空の場合は「正当に0人に解決された」ことを意味する。
type Result struct {
	Trigger      *model.Trigger
	RecipientIDs []string
	Failure      *model.NotifyError
}

// Resolver はイベントと設定ストアから通知先集合を計算する。
type Resolver struct {
	triggerRepo   repository.TriggerRepository
	settingRepo   repository.SettingRepository
	membership    platform.MembershipService
	contentSvc    platform.ContentService
	identity      platform.IdentityService
	filter        platform.RecipientFilter // nil可。拡張ポイント未設定を意味する。
	extractor     content.TextExtractor
	defaultNotify bool
	logger        *slog.Logger
}

// New はResolverの新しいインスタンスを生成する。filterはnilでもよい。
func New(
	triggerRepo repository.TriggerRepository,
	settingRepo repository.SettingRepository,
	membership platform.MembershipService,
	contentSvc platform.ContentService,
	identity platform.IdentityService,
	filter platform.RecipientFilter,
	extractor content.TextExtractor,
	defaultNotify bool,
	logger *slog.Logger,
) *Resolver {
	return &Resolver{
		triggerRepo:   triggerRepo,
		settingRepo:   settingRepo,
		membership:    membership,
		contentSvc:    contentSvc,
		identity:      identity,
		filter:        filter,
		extractor:     extractor,
		defaultNotify: defaultNotify,
		logger:        logger,
	}
}

// Resolve はイベントとチャネルから最終的な通知先の受信者ID集合を計算する。
//
// アルゴリズム:
//  1. イベントからトリガーキーを導出し、(キー, チャネル)でトリガーを解決する。
//  2. テナントメンバーシップから候補プールを取得する。
//  3. 各候補の最終ミュート状態をスコープの狭い順に評価する。
//  4. 著者を除いた候補リストをフィルタ拡張ポイントに渡す。
//  5. 本文の@メンションを解決して無条件にユニオンする（明示的ミュートにも勝つ）。
//  6. 最後にイベントの著者を除外する。著者は自分をメンションしても通知されない。
//
// 戻り値の受信者IDは決定性のためソート済み。
func (r *Resolver) Resolve(ctx context.Context, event *model.Event, channel model.Channel) *Result {
	key := event.TriggerKey()

	trigger, err := r.triggerRepo.FindByKeyAndChannel(ctx, key, channel)
	if err != nil {
		r.logger.Error("トリガーの取得に失敗しました",
			slog.String("trigger_key", key),
			slog.String("channel", string(channel)),
			slog.String("error", err.Error()),
		)
		return &Result{Failure: model.NewTriggerLookupError(key, channel, err)}
	}
	if trigger == nil {
		r.logger.Warn("トリガーが設定されていません",
			slog.String("trigger_key", key),
			slog.String("channel", string(channel)),
		)
		return &Result{Failure: model.NewTriggerNotFoundError(key, channel)}
	}

	members, err := r.membership.MembersOf(ctx, event.TenantID)
	if err != nil {
		r.logger.Error("テナントメンバーの取得に失敗しました",
			slog.String("tenant_id", event.TenantID),
			slog.String("error", err.Error()),
		)
		return &Result{Trigger: trigger, Failure: model.NewMembershipLookupError(event.TenantID, err)}
	}
	if len(members) == 0 {
		r.logger.Info("テナントにメンバーがいないため通知先は0人です",
			slog.String("tenant_id", event.TenantID),
		)
		return &Result{Trigger: trigger, RecipientIDs: []string{}}
	}

	subject := r.fetchSubject(ctx, event)
	snap, failure := r.fetchScopeSnapshot(ctx, event, subject, trigger.ID, members)
	if failure != nil {
		return &Result{Trigger: trigger, Failure: failure}
	}

	candidates := make([]string, 0, len(members))
	for _, id := range members {
		if id == "" || id == event.AuthorID {
			continue
		}
		if shouldNotify(finalMuteState(id, snap), r.defaultNotify) {
			candidates = append(candidates, id)
		}
	}

	if r.filter != nil {
		filtered, err := r.filter.FilterRecipients(ctx, candidates, subject)
		if err != nil {
			r.logger.Warn("受信者フィルタがエラーを返したため適用をスキップします",
				slog.String("error", err.Error()),
			)
		} else {
			candidates = filtered
		}
	}

	// メンションは全てのミュート判定に優先して無条件にユニオンする。
	mentioned := r.resolveMentions(ctx, event.Body)
	final := unionExcluding(candidates, mentioned, event.AuthorID)

	return &Result{Trigger: trigger, RecipientIDs: final}
}

// fetchSubject は設定解決の対象コンテンツオブジェクトを取得する。
// 消失している場合や取得に失敗した場合はnilを返し、解決自体は続行させる。
func (r *Resolver) fetchSubject(ctx context.Context, event *model.Event) *model.Content {
	obj, err := r.contentSvc.GetContent(ctx, event.SubjectContentType(), event.SubjectContentID(), event.TenantID)
	if err != nil {
		r.logger.Warn("コンテンツの取得に失敗したためタームスコープをスキップします",
			slog.String("content_id", event.SubjectContentID()),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return obj
}

// fetchScopeSnapshot は候補受信者全員分のスコープ設定を一括取得する。
// タームIDは対象コンテンツオブジェクトから取得する。コンテンツが消失している場合は
// タームスコープなしで解決を続行する。
func (r *Resolver) fetchScopeSnapshot(ctx context.Context, event *model.Event, subject *model.Content, triggerID int64, members []string) (*scopeSnapshot, *model.NotifyError) {
	snap := &scopeSnapshot{}

	if event.Kind == model.EventKindComment {
		settings, err := r.settingRepo.ContentItemSettings(ctx, event.SubjectContentID(), triggerID, members)
		if err != nil {
			r.logger.Error("コンテンツアイテム設定の取得に失敗しました",
				slog.String("content_id", event.SubjectContentID()),
				slog.String("error", err.Error()),
			)
			return nil, model.NewSettingsLookupError(model.ScopeContentItem, err)
		}
		snap.contentItem = settings
	}

	var termIDs []string
	if subject != nil {
		termIDs = subject.TermIDs
	}
	if len(termIDs) > 0 {
		rows, err := r.settingRepo.TermSettings(ctx, termIDs, triggerID, members)
		if err != nil {
			r.logger.Error("ターム設定の取得に失敗しました",
				slog.String("error", err.Error()),
			)
			return nil, model.NewSettingsLookupError(model.ScopeTerm, err)
		}
		snap.termStates = aggregateTermStates(rows)
	}

	tenant, err := r.settingRepo.TenantSettings(ctx, event.TenantID, triggerID, members)
	if err != nil {
		r.logger.Error("テナント設定の取得に失敗しました",
			slog.String("tenant_id", event.TenantID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewSettingsLookupError(model.ScopeTenant, err)
	}
	snap.tenant = tenant

	network, err := r.settingRepo.NetworkSettings(ctx, triggerID, members)
	if err != nil {
		r.logger.Error("ネットワーク設定の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, model.NewSettingsLookupError(model.ScopeNetwork, err)
	}
	snap.network = network

	return snap, nil
}

// resolveMentions は本文から@メンション名を抽出し、受信者IDに解決する。
// HTML本文はタグ除去後のプレーンテキストに対して解析する。
// 解決できない名前は無視する（失敗してもイベント全体は落とさない）。
func (r *Resolver) resolveMentions(ctx context.Context, body string) []string {
	if body == "" {
		return nil
	}

	text := r.extractor.ExtractText(body)
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	var ids []string
	for _, m := range matches {
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true

		id, err := r.identity.ResolveMention(ctx, name)
		if err != nil {
			r.logger.Warn("メンションの解決に失敗しました",
				slog.String("name", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// unionExcluding は2つの受信者IDリストの重複を除いたユニオンを作り、
// 除外対象のIDを取り除いてソートして返す。
func unionExcluding(a, b []string, exclude string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, id := range a {
		if id != "" && id != exclude {
			set[id] = true
		}
	}
	for _, id := range b {
		if id != "" && id != exclude {
			set[id] = true
		}
	}

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
