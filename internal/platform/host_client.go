package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/notifyd/internal/model"
)

// compile-time interface check
var (
	_ MembershipService = (*HostClient)(nil)
	_ ContentService    = (*HostClient)(nil)
	_ IdentityService   = (*HostClient)(nil)
)

// HostClient はホストプラットフォームの内部APIに対するHTTPクライアント。
// メンバーシップ・コンテンツ・アイデンティティの3つの参照インターフェースを実装する。
type HostClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// NewHostClient はHostClientの新しいインスタンスを生成する。
func NewHostClient(httpClient *http.Client, baseURL string, logger *slog.Logger) *HostClient {
	return &HostClient{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// MembersOf はテナントのメンバーである受信者IDの集合を返す。
// アーカイブ済み・削除済みテナントに対してホスト側は空集合を返す。
func (c *HostClient) MembersOf(ctx context.Context, tenantID string) ([]string, error) {
	var payload struct {
		MemberIDs []string `json:"member_ids"`
	}
	reqURL := fmt.Sprintf("%s/tenants/%s/members", c.baseURL, url.PathEscape(tenantID))
	if err := c.getJSON(ctx, reqURL, &payload); err != nil {
		return nil, err
	}
	return payload.MemberIDs, nil
}

// contentPayload はホストAPIのコンテンツ表現。
type contentPayload struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	TenantID   string   `json:"tenant_id"`
	AuthorID   string   `json:"author_id"`
	Title      string   `json:"title"`
	Body       string   `json:"body"`
	TermIDs    []string `json:"term_ids"`
	ParentID   string   `json:"parent_id"`
	ParentType string   `json:"parent_type"`
}

// GetContent は指定コンテンツを取得する。404は消失を意味しnilを返す。
func (c *HostClient) GetContent(ctx context.Context, contentType, contentID, tenantID string) (*model.Content, error) {
	reqURL := fmt.Sprintf("%s/contents/%s/%s?tenant_id=%s",
		c.baseURL, url.PathEscape(contentType), url.PathEscape(contentID), url.QueryEscape(tenantID))

	var payload contentPayload
	found, err := c.getJSONMaybe(ctx, reqURL, &payload)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	return &model.Content{
		ID:         payload.ID,
		Type:       payload.Type,
		TenantID:   payload.TenantID,
		AuthorID:   payload.AuthorID,
		Title:      payload.Title,
		Body:       payload.Body,
		TermIDs:    payload.TermIDs,
		ParentID:   payload.ParentID,
		ParentType: payload.ParentType,
	}, nil
}

// ResolveMention は@メンション名を受信者IDに解決する。404は該当なしを意味し空文字を返す。
func (c *HostClient) ResolveMention(ctx context.Context, name string) (string, error) {
	var payload struct {
		RecipientID string `json:"recipient_id"`
	}
	reqURL := fmt.Sprintf("%s/identity/mentions/%s", c.baseURL, url.PathEscape(name))
	found, err := c.getJSONMaybe(ctx, reqURL, &payload)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	return payload.RecipientID, nil
}

// UsersByIDs は受信者IDの集合からユーザーレコードを一括取得する。
// 存在しないIDはレスポンスに含まれない。
func (c *HostClient) UsersByIDs(ctx context.Context, ids []string) ([]model.Recipient, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	reqURL, err := url.Parse(c.baseURL + "/identity/users")
	if err != nil {
		return nil, fmt.Errorf("エンドポイントURLのパースに失敗しました: %w", err)
	}
	q := reqURL.Query()
	for _, id := range ids {
		q.Add("id", id)
	}
	reqURL.RawQuery = q.Encode()

	var payload []struct {
		ID          string `json:"id"`
		Address     string `json:"address"`
		DisplayName string `json:"display_name"`
	}
	if err := c.getJSON(ctx, reqURL.String(), &payload); err != nil {
		return nil, err
	}

	out := make([]model.Recipient, 0, len(payload))
	for _, p := range payload {
		out = append(out, model.Recipient{
			ID:          p.ID,
			Address:     p.Address,
			DisplayName: p.DisplayName,
		})
	}
	return out, nil
}

// getJSON はGETリクエストを実行してJSONをデコードする。404もエラーとして扱う。
func (c *HostClient) getJSON(ctx context.Context, reqURL string, out any) error {
	found, err := c.getJSONMaybe(ctx, reqURL, out)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("ホストAPIがステータス %d を返しました", http.StatusNotFound)
	}
	return nil
}

// getJSONMaybe はGETリクエストを実行してJSONをデコードする。
// 404の場合は(false, nil)を返し、呼び出し側が「存在しない」として扱う。
func (c *HostClient) getJSONMaybe(ctx context.Context, reqURL string, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false, fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("ホストAPIの呼び出しに失敗しました",
			slog.String("url", reqURL),
			slog.String("error", err.Error()),
		)
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("ホストAPIがエラーステータスを返しました",
			slog.String("url", reqURL),
			slog.Int("http_status", resp.StatusCode),
		)
		return false, fmt.Errorf("ホストAPIがステータス %d を返しました", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return false, fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return true, nil
}
