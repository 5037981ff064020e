package repository

import (
	"testing"

	"github.com/hitoshi/notifyd/internal/model"
)

// PostgresTriggerRepoはTriggerRepositoryインターフェースを満たすことを検証
func TestPostgresTriggerRepo_ImplementsInterface(t *testing.T) {
	var _ TriggerRepository = (*PostgresTriggerRepo)(nil)
}

// NewPostgresTriggerRepoが正しく初期化されることを検証
func TestNewPostgresTriggerRepo_Initializes(t *testing.T) {
	repo := NewPostgresTriggerRepo(nil)
	if repo == nil {
		t.Fatal("expected non-nil repo")
	}
}

// トリガーキーの導出規則を検証
func TestTriggerKeys(t *testing.T) {
	if got := model.PostTriggerKey("post"); got != "post-post" {
		t.Errorf("PostTriggerKey(post) = %q, want %q", got, "post-post")
	}
	if got := model.CommentTriggerKey("post"); got != "comment-post" {
		t.Errorf("CommentTriggerKey(post) = %q, want %q", got, "comment-post")
	}
	if got := model.PostTriggerKey("newsletter"); got != "post-newsletter" {
		t.Errorf("PostTriggerKey(newsletter) = %q, want %q", got, "post-newsletter")
	}
}
