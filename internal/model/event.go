package model

// EventKind はコンテンツイベントの種別を表す。
type EventKind string

const (
	// EventKindPost は記事の公開イベント。
	EventKindPost EventKind = "post"
	// EventKindComment はコメントの投稿イベント。
	EventKindComment EventKind = "comment"
)

// Event は「トリガー識別子が判明しているコンテンツイベント」を表す。
// イベント検出そのものはこのコアの範囲外であり、呼び出し側が構築して渡す。
type Event struct {
	Kind        EventKind
	TenantID    string
	ContentID   string // 新規オブジェクトのID（記事IDまたはコメントID）
	ContentType string // 記事イベントでは記事の種別（"post"、"page"等）
	AuthorID    string // 記事の著者またはコメントの投稿者
	Body        string // メンション解析と本文構築に使う生テキスト（HTML可）

	// コメントイベントのみ。設定解決の対象となる親コンテンツを指す。
	ParentID   string
	ParentType string
}

// TriggerKey はイベントからトリガーキーを導出する。
func (e *Event) TriggerKey() string {
	if e.Kind == EventKindComment {
		return CommentTriggerKey(e.ParentType)
	}
	return PostTriggerKey(e.ContentType)
}

// SubjectContentID は設定解決の対象となるコンテンツアイテムのIDを返す。
// 記事イベントでは記事自身、コメントイベントではコメント先の親コンテンツ。
func (e *Event) SubjectContentID() string {
	if e.Kind == EventKindComment {
		return e.ParentID
	}
	return e.ContentID
}

// SubjectContentType はSubjectContentIDに対応するコンテンツ種別を返す。
func (e *Event) SubjectContentType() string {
	if e.Kind == EventKindComment {
		return e.ParentType
	}
	return e.ContentType
}

// Content はホストプラットフォームから取得したコンテンツオブジェクトを表す。
// 配信時の本文構築と孤立判定に使用する。
type Content struct {
	ID       string
	Type     string
	TenantID string
	AuthorID string
	Title    string
	Body     string
	TermIDs  []string // 付与されたタクソノミータームのID

	// コメントの場合のみ。スレッドヘッダの紐付けに使う。
	ParentID   string
	ParentType string
}
