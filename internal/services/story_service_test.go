// internal/services/story_service_test.go
package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Corphon/ChapterForgeMCP/internal/config"
	apperrors "github.com/Corphon/ChapterForgeMCP/internal/errors"
	"github.com/Corphon/ChapterForgeMCP/internal/models"
	"github.com/Corphon/ChapterForgeMCP/internal/storage"
)

func newStoryFixture(t *testing.T) (*StoryService, *storage.FileStorage) {
	t.Helper()

	fileStorage, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}
	locks := NewLockManager()
	t.Cleanup(locks.Stop)

	return NewStoryService(fileStorage, locks, nil), fileStorage
}

func TestCreateStory(t *testing.T) {
	svc, _ := newStoryFixture(t)

	if _, err := svc.CreateStory("   ", models.StoryConfig{}); !apperrors.IsValidationError(err) {
		t.Errorf("空标题应该返回验证错误，实际: %v", err)
	}

	story, err := svc.CreateStory("雾都旧事", models.StoryConfig{
		SystemPrompts: models.SystemPrompts{Assistant: "你是写作助手"},
		Worldbuilding: "北地常年积雪",
	})
	if err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}
	if !strings.HasPrefix(story.ID, "story_") {
		t.Errorf("故事ID前缀不对: %s", story.ID)
	}
	if story.Characters == nil || story.Raters == nil || story.Chapters == nil {
		t.Error("新故事的集合字段应当初始化")
	}
	if story.CreatedAt.IsZero() || story.UpdatedAt.IsZero() {
		t.Error("新故事的时间戳应当填充")
	}

	reloaded, err := svc.LoadStoryContent(story.ID)
	if err != nil {
		t.Fatalf("重新读取故事失败: %v", err)
	}
	if reloaded.Title != "雾都旧事" || reloaded.Config.Worldbuilding != "北地常年积雪" {
		t.Errorf("落盘后的故事内容不符: %+v", reloaded)
	}
}

func TestLoadStoryContentValidation(t *testing.T) {
	svc, _ := newStoryFixture(t)

	if _, err := svc.LoadStoryContent("  "); !apperrors.IsValidationError(err) {
		t.Errorf("空故事ID应该返回验证错误，实际: %v", err)
	}
	if _, err := svc.LoadStoryContent("story_missing"); !errors.Is(err, ErrStoryNotFound) {
		t.Errorf("不存在的故事应该返回ErrStoryNotFound，实际: %v", err)
	}
}

// 反序列化后缺失的集合字段要补齐，旧存档里这些键可能不存在
func TestNormalizeStoryOnLoad(t *testing.T) {
	svc, fileStorage := newStoryFixture(t)

	raw := map[string]interface{}{"id": "story_raw", "title": "裸故事"}
	if err := fileStorage.SaveJSONFile("story_raw", "story.json", raw); err != nil {
		t.Fatalf("写入裸故事失败: %v", err)
	}

	story, err := svc.LoadStoryContent("story_raw")
	if err != nil {
		t.Fatalf("读取裸故事失败: %v", err)
	}
	if story.Characters == nil || story.Raters == nil || story.Chapters == nil {
		t.Error("缺失的集合字段应当在读取时补齐")
	}
}

func TestUpdateStory(t *testing.T) {
	svc, _ := newStoryFixture(t)

	if _, err := svc.UpdateStory("story_missing", "新标题", nil); !errors.Is(err, ErrStoryNotFound) {
		t.Errorf("不存在的故事应该返回ErrStoryNotFound，实际: %v", err)
	}

	story, err := svc.CreateStory("雾都旧事", models.StoryConfig{
		SystemPrompts: models.SystemPrompts{Assistant: "你是写作助手", Outline: "你负责大纲"},
		Worldbuilding: "北地常年积雪",
	})
	if err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}

	// 空标题保持原值，nil配置不动配置
	updated, err := svc.UpdateStory(story.ID, "", nil)
	if err != nil {
		t.Fatalf("更新故事失败: %v", err)
	}
	if updated.Title != "雾都旧事" {
		t.Errorf("空标题不应覆盖原标题: %s", updated.Title)
	}

	// 配置合并只覆盖非空字段
	updated, err = svc.UpdateStory(story.ID, "雾都旧事（修订）", &models.StoryConfig{
		Summary:  "少年出山",
		Language: "zh",
	})
	if err != nil {
		t.Fatalf("更新故事失败: %v", err)
	}
	if updated.Title != "雾都旧事（修订）" {
		t.Errorf("标题未更新: %s", updated.Title)
	}
	if updated.Config.Summary != "少年出山" || updated.Config.Language != "zh" {
		t.Errorf("新配置字段未写入: %+v", updated.Config)
	}
	if updated.Config.SystemPrompts.Assistant != "你是写作助手" ||
		updated.Config.SystemPrompts.Outline != "你负责大纲" ||
		updated.Config.Worldbuilding != "北地常年积雪" {
		t.Errorf("未提供的配置字段不应被清空: %+v", updated.Config)
	}

	updated, err = svc.UpdateStory(story.ID, "", &models.StoryConfig{
		SystemPrompts: models.SystemPrompts{Assistant: "你是严格的编辑"},
	})
	if err != nil {
		t.Fatalf("更新故事失败: %v", err)
	}
	if updated.Config.SystemPrompts.Assistant != "你是严格的编辑" {
		t.Errorf("非空字段应当覆盖: %s", updated.Config.SystemPrompts.Assistant)
	}
	if updated.Config.Summary != "少年出山" {
		t.Errorf("先前写入的字段应当保留: %s", updated.Config.Summary)
	}
}

func TestDeleteStory(t *testing.T) {
	svc, _ := newStoryFixture(t)

	if err := svc.DeleteStory(" "); !apperrors.IsValidationError(err) {
		t.Errorf("空故事ID应该返回验证错误，实际: %v", err)
	}
	if err := svc.DeleteStory("story_missing"); !errors.Is(err, ErrStoryNotFound) {
		t.Errorf("不存在的故事应该返回ErrStoryNotFound，实际: %v", err)
	}

	story, err := svc.CreateStory("雾都旧事", models.StoryConfig{})
	if err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}
	if err := svc.DeleteStory(story.ID); err != nil {
		t.Fatalf("删除故事失败: %v", err)
	}
	if _, err := svc.LoadStoryContent(story.ID); !errors.Is(err, ErrStoryNotFound) {
		t.Errorf("删除后读取应该返回ErrStoryNotFound，实际: %v", err)
	}

	entries, err := svc.ListStories()
	if err != nil {
		t.Fatalf("列出故事失败: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("删除后索引应为空, 实际 %d 条", len(entries))
	}
}

func TestListStories(t *testing.T) {
	svc, fileStorage := newStoryFixture(t)

	entries, err := svc.ListStories()
	if err != nil {
		t.Fatalf("列出故事失败: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("空目录应该返回空索引, 实际 %d 条", len(entries))
	}

	storyA, err := svc.CreateStory("甲故事", models.StoryConfig{})
	if err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}
	time.Sleep(3 * time.Millisecond)
	storyB, err := svc.CreateStory("乙故事", models.StoryConfig{})
	if err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}

	// 数据根下的非故事目录不进索引
	if err := fileStorage.SaveJSONFile("exports", "bundle.json", map[string]string{"note": "占位"}); err != nil {
		t.Fatalf("写入占位文件失败: %v", err)
	}

	// 给乙故事补上章节和创作状态，索引要能聚合出来
	loaded, err := svc.LoadStoryContent(storyB.ID)
	if err != nil {
		t.Fatalf("读取故事失败: %v", err)
	}
	loaded.Chapters = []models.Chapter{
		{Number: 1, Title: "入城", WordCount: 1000},
		{Number: 2, Title: "雨夜", WordCount: 500},
	}
	loaded.ChapterCompose = &models.ChapterComposeState{CurrentPhase: models.PhaseChapterDetail}
	if err := svc.SaveStoryContent(loaded); err != nil {
		t.Fatalf("保存故事失败: %v", err)
	}

	entries, err = svc.ListStories()
	if err != nil {
		t.Fatalf("列出故事失败: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("索引条数应为2, 实际 %d", len(entries))
	}
	// 按更新时间倒序，刚保存的乙故事排最前
	if entries[0].ID != storyB.ID || entries[1].ID != storyA.ID {
		t.Errorf("索引未按更新时间倒序: %s, %s", entries[0].Title, entries[1].Title)
	}
	if entries[0].ChapterCount != 2 || entries[0].WordCount != 1500 {
		t.Errorf("章节聚合不符: count=%d words=%d", entries[0].ChapterCount, entries[0].WordCount)
	}
	if entries[0].CurrentPhase != models.PhaseChapterDetail {
		t.Errorf("当前阶段不符: %s", entries[0].CurrentPhase)
	}
	if entries[1].ChapterCount != 0 || entries[1].CurrentPhase != "" {
		t.Errorf("甲故事的索引形态不对: %+v", entries[1])
	}
}

func TestFeedbackCollection(t *testing.T) {
	svc, _ := newStoryFixture(t)

	// 空列表直接返回，不要求故事存在
	if err := svc.AppendFeedback("story_missing", nil); err != nil {
		t.Errorf("空反馈列表应该是无操作，实际: %v", err)
	}
	if err := svc.AppendFeedback("story_missing", []models.FeedbackItem{{Content: "好"}}); !errors.Is(err, ErrStoryNotFound) {
		t.Errorf("不存在的故事应该返回ErrStoryNotFound，实际: %v", err)
	}

	story, err := svc.CreateStory("雾都旧事", models.StoryConfig{})
	if err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}

	err = svc.AppendFeedback(story.ID, []models.FeedbackItem{
		{ID: "fb_custom", Source: "rater", Author: "节奏评委", Content: "中段偏慢", Score: 6},
		{Source: "character", Author: "赵铁衣", Content: "对白太文了"},
	})
	if err != nil {
		t.Fatalf("追加反馈失败: %v", err)
	}

	loaded, err := svc.LoadStoryContent(story.ID)
	if err != nil {
		t.Fatalf("读取故事失败: %v", err)
	}
	if len(loaded.Feedback) != 2 {
		t.Fatalf("反馈条数应为2, 实际 %d", len(loaded.Feedback))
	}
	if loaded.Feedback[0].ID != "fb_custom" {
		t.Errorf("带ID的反馈不应被改写: %s", loaded.Feedback[0].ID)
	}
	if !strings.HasPrefix(loaded.Feedback[1].ID, "feedback_") {
		t.Errorf("缺失的反馈ID应当补齐: %s", loaded.Feedback[1].ID)
	}
	if loaded.Feedback[1].CreatedAt.IsZero() {
		t.Error("缺失的反馈时间戳应当补齐")
	}

	if err := svc.ClearFeedback(story.ID); err != nil {
		t.Fatalf("清空反馈失败: %v", err)
	}
	loaded, err = svc.LoadStoryContent(story.ID)
	if err != nil {
		t.Fatalf("读取故事失败: %v", err)
	}
	if len(loaded.Feedback) != 0 {
		t.Errorf("清空后反馈应为空, 实际 %d 条", len(loaded.Feedback))
	}
}

func TestCharacterRoster(t *testing.T) {
	svc, _ := newStoryFixture(t)
	story, err := svc.CreateStory("雾都旧事", models.StoryConfig{})
	if err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}

	if _, err := svc.AddCharacter(story.ID, models.Character{Name: "  "}); !apperrors.IsValidationError(err) {
		t.Errorf("空角色名应该返回验证错误，实际: %v", err)
	}

	created, err := svc.AddCharacter(story.ID, models.Character{
		Name:        "赵铁衣",
		Description: "北镇抚司百户",
		Traits:      []string{"谨慎", "多疑"},
	})
	if err != nil {
		t.Fatalf("添加角色失败: %v", err)
	}
	if !strings.HasPrefix(created.ID, "char_") {
		t.Errorf("角色ID前缀不对: %s", created.ID)
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Error("角色时间戳应当填充")
	}

	if _, err := svc.UpdateCharacter(story.ID, "char_missing", models.Character{Name: "谁"}); !apperrors.IsNotFoundError(err) {
		t.Errorf("不存在的角色应该返回未找到错误，实际: %v", err)
	}

	// 空字段保持原值，非nil的列表整体替换
	updated, err := svc.UpdateCharacter(story.ID, created.ID, models.Character{
		Description: "已调任南镇抚司",
	})
	if err != nil {
		t.Fatalf("更新角色失败: %v", err)
	}
	if updated.Name != "赵铁衣" {
		t.Errorf("未提供的角色名不应被清空: %s", updated.Name)
	}
	if updated.Description != "已调任南镇抚司" {
		t.Errorf("角色描述未更新: %s", updated.Description)
	}
	if len(updated.Traits) != 2 {
		t.Errorf("nil列表不应覆盖原性格标签: %v", updated.Traits)
	}

	updated, err = svc.UpdateCharacter(story.ID, created.ID, models.Character{
		Traits: []string{"果决"},
	})
	if err != nil {
		t.Fatalf("更新角色失败: %v", err)
	}
	if len(updated.Traits) != 1 || updated.Traits[0] != "果决" {
		t.Errorf("非nil列表应当整体替换: %v", updated.Traits)
	}

	if err := svc.DeleteCharacter(story.ID, "char_missing"); !apperrors.IsNotFoundError(err) {
		t.Errorf("删除不存在的角色应该返回未找到错误，实际: %v", err)
	}
	if err := svc.DeleteCharacter(story.ID, created.ID); err != nil {
		t.Fatalf("删除角色失败: %v", err)
	}
	loaded, err := svc.LoadStoryContent(story.ID)
	if err != nil {
		t.Fatalf("读取故事失败: %v", err)
	}
	if len(loaded.Characters) != 0 {
		t.Errorf("删除后角色表应为空, 实际 %d 个", len(loaded.Characters))
	}
}

func TestRaterRoster(t *testing.T) {
	svc, _ := newStoryFixture(t)
	story, err := svc.CreateStory("雾都旧事", models.StoryConfig{})
	if err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}

	if _, err := svc.AddRater(story.ID, models.Rater{Name: " "}); !apperrors.IsValidationError(err) {
		t.Errorf("空评审人名应该返回验证错误，实际: %v", err)
	}
	if _, err := svc.AddRater(story.ID, models.Rater{Name: "毒舌", Strictness: 11}); !apperrors.IsValidationError(err) {
		t.Errorf("严格度超限应该返回验证错误，实际: %v", err)
	}
	if _, err := svc.AddRater(story.ID, models.Rater{Name: "毒舌", Strictness: -1}); !apperrors.IsValidationError(err) {
		t.Errorf("负严格度应该返回验证错误，实际: %v", err)
	}

	created, err := svc.AddRater(story.ID, models.Rater{
		Name:       "节奏评委",
		Persona:    "只看节奏，不留情面",
		Focus:      []string{"节奏", "张力"},
		Strictness: 10,
	})
	if err != nil {
		t.Fatalf("添加评审人失败: %v", err)
	}
	if !strings.HasPrefix(created.ID, "rater_") {
		t.Errorf("评审人ID前缀不对: %s", created.ID)
	}

	if err := svc.DeleteRater(story.ID, "rater_missing"); !apperrors.IsNotFoundError(err) {
		t.Errorf("删除不存在的评审人应该返回未找到错误，实际: %v", err)
	}
	if err := svc.DeleteRater(story.ID, created.ID); err != nil {
		t.Fatalf("删除评审人失败: %v", err)
	}
}

// TestFinalizeChapter 走完整的三阶段流程后定稿，
// 校验章节收录、创作状态与反馈的清理，以及各个失败闸口。
func TestFinalizeChapter(t *testing.T) {
	fileStorage, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}
	locks := NewLockManager()
	t.Cleanup(locks.Stop)
	storySvc := NewStoryService(fileStorage, locks, nil)
	composeSvc := NewComposeService(storySvc, locks)
	t.Cleanup(composeSvc.Close)
	ctx := context.Background()

	story, err := storySvc.CreateStory("雾都旧事", models.StoryConfig{})
	if err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}

	if _, err := storySvc.FinalizeChapter(story.ID, ""); !apperrors.IsNotFoundError(err) {
		t.Errorf("未初始化创作时定稿应该返回未找到错误，实际: %v", err)
	}

	if _, err := composeSvc.InitializeCompose(ctx, story.ID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}
	if _, err := storySvc.FinalizeChapter(story.ID, ""); !apperrors.IsValidationError(err) {
		t.Errorf("大纲阶段定稿应该返回验证错误，实际: %v", err)
	}

	advanceToDetail(t, composeSvc, story.ID)
	if _, err := composeSvc.ApplyGeneratedDraft(ctx, story.ID, strings.Repeat("雪", 520), "初稿"); err != nil {
		t.Fatalf("写入草稿失败: %v", err)
	}
	result, err := composeSvc.AdvanceToNext(ctx, story.ID)
	if err != nil || !result.Success {
		t.Fatalf("推进到润色阶段失败: err=%v result=%+v", err, result)
	}

	// 定稿要把本轮反馈一并清掉
	if err := storySvc.AppendFeedback(story.ID, []models.FeedbackItem{{Source: "editor", Content: "节奏不错"}}); err != nil {
		t.Fatalf("追加反馈失败: %v", err)
	}

	chapter, err := storySvc.FinalizeChapter(story.ID, "")
	if err != nil {
		t.Fatalf("章节定稿失败: %v", err)
	}
	if chapter.Number != 1 || chapter.Title != "第1章" {
		t.Errorf("默认章节标题不对: %d %s", chapter.Number, chapter.Title)
	}
	if chapter.WordCount != 520 {
		t.Errorf("章节字数应为520, 实际 %d", chapter.WordCount)
	}
	if chapter.Summary == "" {
		t.Error("章节摘要应取大纲阶段的梗概")
	}

	loaded, err := storySvc.LoadStoryContent(story.ID)
	if err != nil {
		t.Fatalf("读取故事失败: %v", err)
	}
	if len(loaded.Chapters) != 1 {
		t.Fatalf("章节列表应有1章, 实际 %d", len(loaded.Chapters))
	}
	if loaded.ChapterCompose != nil {
		t.Error("定稿后创作状态应当清空")
	}
	if len(loaded.Feedback) != 0 {
		t.Error("定稿后反馈应当清空")
	}

	// 同一章号重复定稿
	if _, err := composeSvc.InitializeCompose(ctx, story.ID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}
	advanceToDetail(t, composeSvc, story.ID)
	if _, err := composeSvc.ApplyGeneratedDraft(ctx, story.ID, strings.Repeat("雪", 520), ""); err != nil {
		t.Fatalf("写入草稿失败: %v", err)
	}
	if result, err = composeSvc.AdvanceToNext(ctx, story.ID); err != nil || !result.Success {
		t.Fatalf("推进到润色阶段失败: err=%v", err)
	}
	if _, err := storySvc.FinalizeChapter(story.ID, "重复章"); !apperrors.IsConflictError(err) {
		t.Errorf("重复章号定稿应该返回冲突错误，实际: %v", err)
	}

	// 第二章：润色阶段的定稿文本优先于草稿
	if _, err := composeSvc.InitializeCompose(ctx, story.ID, 2); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}
	advanceToDetail(t, composeSvc, story.ID)
	if _, err := composeSvc.ApplyGeneratedDraft(ctx, story.ID, strings.Repeat("雾", 510), ""); err != nil {
		t.Fatalf("写入草稿失败: %v", err)
	}
	if result, err = composeSvc.AdvanceToNext(ctx, story.ID); err != nil || !result.Success {
		t.Fatalf("推进到润色阶段失败: err=%v", err)
	}
	if _, err := composeSvc.SetFinalContent(ctx, story.ID, strings.Repeat("霜", 505), models.OriginUser); err != nil {
		t.Fatalf("设置定稿文本失败: %v", err)
	}

	second, err := storySvc.FinalizeChapter(story.ID, "雪夜")
	if err != nil {
		t.Fatalf("第二章定稿失败: %v", err)
	}
	if second.Title != "雪夜" || second.Number != 2 {
		t.Errorf("第二章形态不对: %d %s", second.Number, second.Title)
	}
	if second.WordCount != 505 || !strings.HasPrefix(second.Content, "霜") {
		t.Errorf("定稿应取润色阶段的文本: words=%d", second.WordCount)
	}

	loaded, err = storySvc.LoadStoryContent(story.ID)
	if err != nil {
		t.Fatalf("读取故事失败: %v", err)
	}
	if len(loaded.Chapters) != 2 || loaded.Chapters[0].Number != 1 || loaded.Chapters[1].Number != 2 {
		t.Errorf("章节列表应按编号有序: %+v", loaded.Chapters)
	}

	// 润色阶段却拿不出任何文本
	loaded.ChapterCompose = &models.ChapterComposeState{
		StoryID:       story.ID,
		ChapterNumber: 3,
		CurrentPhase:  models.PhaseFinalEdit,
	}
	if err := storySvc.SaveStoryContent(loaded); err != nil {
		t.Fatalf("保存故事失败: %v", err)
	}
	if _, err := storySvc.FinalizeChapter(story.ID, ""); !apperrors.IsValidationError(err) {
		t.Errorf("无内容定稿应该返回验证错误，实际: %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("LOG_DIR", t.TempDir())
	t.Setenv("STORAGE_LIMIT_MB", "512")
	if err := config.InitConfig(t.TempDir()); err != nil {
		t.Fatalf("初始化配置失败: %v", err)
	}

	srcStorage, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}
	locks := NewLockManager()
	t.Cleanup(locks.Stop)
	src := NewStoryService(srcStorage, locks, nil)
	srcConv := NewConversationService(srcStorage, locks)

	storyA, err := src.CreateStory("甲故事", models.StoryConfig{Summary: "第一部"})
	if err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}
	if _, err := src.CreateStory("乙故事", models.StoryConfig{}); err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}
	thread, err := srcConv.CreateThread(storyA.ID, models.PhasePlotOutline)
	if err != nil {
		t.Fatalf("创建线程失败: %v", err)
	}
	if _, err := srcConv.AddMessage(storyA.ID, thread.ID, models.MessageRoleUser, "先定基调", nil); err != nil {
		t.Fatalf("追加消息失败: %v", err)
	}

	archive, err := src.ExportAll()
	if err != nil {
		t.Fatalf("导出存档失败: %v", err)
	}
	if archive.Version != models.ArchiveVersion {
		t.Errorf("存档版本不对: %d", archive.Version)
	}
	if len(archive.Stories) != 2 {
		t.Fatalf("存档应含2个故事, 实际 %d", len(archive.Stories))
	}
	if archive.Stories[0].ID >= archive.Stories[1].ID {
		t.Error("存档内故事应按ID升序")
	}
	if len(archive.Threads) != 1 || archive.Threads[0].ID != thread.ID {
		t.Errorf("存档应含1条线程: %+v", archive.Threads)
	}
	// 密钥不出库，设置只带提供商与模型名
	if archive.Settings["llm_provider"] != "openai" || archive.Settings["default_model"] != "gpt-4o" {
		t.Errorf("存档设置不符: %v", archive.Settings)
	}
	if _, ok := archive.Settings["api_key"]; ok {
		t.Error("存档不应携带API密钥")
	}

	// 导入到全新的存储
	dstStorage, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}
	dst := NewStoryService(dstStorage, locks, nil)
	dstConv := NewConversationService(dstStorage, locks)

	result, err := dst.ImportArchive(archive, false)
	if err != nil {
		t.Fatalf("导入存档失败: %v", err)
	}
	if result.Imported != 2 || result.Skipped != 0 || result.Overwrote != 0 {
		t.Errorf("首次导入计数不对: %+v", result)
	}
	imported, err := dst.LoadStoryContent(storyA.ID)
	if err != nil {
		t.Fatalf("读取导入的故事失败: %v", err)
	}
	if imported.Title != "甲故事" || imported.Config.Summary != "第一部" {
		t.Errorf("导入的故事内容不符: %+v", imported)
	}
	importedThread, err := dstConv.GetThread(storyA.ID, thread.ID)
	if err != nil {
		t.Fatalf("读取导入的线程失败: %v", err)
	}
	if len(importedThread.Messages) != 1 {
		t.Errorf("导入的线程消息数不对: %d", len(importedThread.Messages))
	}

	// 不覆盖时已存在的故事与线程全部跳过
	again, err := dst.ImportArchive(archive, false)
	if err != nil {
		t.Fatalf("重复导入失败: %v", err)
	}
	if again.Imported != 0 || again.Overwrote != 0 || again.Skipped != 3 {
		t.Errorf("重复导入计数不对: %+v", again)
	}
	if len(again.Warnings) < 2 {
		t.Errorf("重复导入应产生跳过警告: %v", again.Warnings)
	}

	force, err := dst.ImportArchive(archive, true)
	if err != nil {
		t.Fatalf("覆盖导入失败: %v", err)
	}
	if force.Overwrote != 2 || force.Imported != 0 || force.Skipped != 0 {
		t.Errorf("覆盖导入计数不对: %+v", force)
	}

	if _, err := dst.ImportArchive(nil, false); !apperrors.IsValidationError(err) {
		t.Errorf("空存档应该返回验证错误，实际: %v", err)
	}
	high := &models.StoryArchive{Version: models.ArchiveVersion + 1}
	if _, err := dst.ImportArchive(high, false); !apperrors.IsValidationError(err) {
		t.Errorf("高版本存档应该返回验证错误，实际: %v", err)
	}

	// 缺字段的条目只告警不中断
	messy := &models.StoryArchive{
		Version: models.ArchiveVersion,
		Stories: []models.Story{{ID: "", Title: "无名"}},
		Threads: []models.ConversationThread{{ID: "thread_orphan", StoryID: "story_missing"}},
	}
	partial, err := dst.ImportArchive(messy, false)
	if err != nil {
		t.Fatalf("导入残缺存档失败: %v", err)
	}
	if partial.Imported != 0 || len(partial.Warnings) != 2 {
		t.Errorf("残缺存档的处理不对: %+v", partial)
	}
	if !hasMessage(partial.Warnings, "跳过缺少ID或标题的故事") {
		t.Errorf("缺失字段的警告未上报: %v", partial.Warnings)
	}
	if !hasMessage(partial.Warnings, "找不到所属故事") {
		t.Errorf("孤儿线程的警告未上报: %v", partial.Warnings)
	}
}

func TestGetQuota(t *testing.T) {
	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("LOG_DIR", t.TempDir())
	t.Setenv("STORAGE_LIMIT_MB", "512")
	if err := config.InitConfig(t.TempDir()); err != nil {
		t.Fatalf("初始化配置失败: %v", err)
	}

	svc, _ := newStoryFixture(t)
	if _, err := svc.CreateStory("甲故事", models.StoryConfig{Worldbuilding: "北地常年积雪"}); err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}
	if _, err := svc.CreateStory("乙故事", models.StoryConfig{}); err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}

	quota, err := svc.GetQuota()
	if err != nil {
		t.Fatalf("统计配额失败: %v", err)
	}
	if quota.UsedBytes <= 0 {
		t.Errorf("已用字节应大于0, 实际 %d", quota.UsedBytes)
	}
	if quota.StoryCount != 2 {
		t.Errorf("故事数应为2, 实际 %d", quota.StoryCount)
	}
	limit := int64(512) * 1024 * 1024
	if quota.UsedBytes+quota.AvailableBytes != limit {
		t.Errorf("已用加可用应等于上限: used=%d available=%d", quota.UsedBytes, quota.AvailableBytes)
	}
	if quota.Percent <= 0 || quota.Percent >= 100 {
		t.Errorf("占用百分比不在合理区间: %f", quota.Percent)
	}
}

// 写回故事要让它的上下文片段缓存失效
func TestSaveInvalidatesContextCache(t *testing.T) {
	ctxSvc := newContextFixture(t)

	fileStorage, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}
	locks := NewLockManager()
	t.Cleanup(locks.Stop)
	svc := NewStoryService(fileStorage, locks, ctxSvc)

	story, err := svc.CreateStory("雾都旧事", models.StoryConfig{
		SystemPrompts: models.SystemPrompts{Assistant: "你是写作助手"},
	})
	if err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}

	if res := ctxSvc.BuildSystemPromptsContext(story, DefaultBuildOptions()); res.FromCache {
		t.Fatal("首次构建不应命中缓存")
	}
	if res := ctxSvc.BuildSystemPromptsContext(story, DefaultBuildOptions()); !res.FromCache {
		t.Fatal("第二次构建应命中缓存")
	}

	updated, err := svc.UpdateStory(story.ID, "雾都旧事（修订）", nil)
	if err != nil {
		t.Fatalf("更新故事失败: %v", err)
	}
	if res := ctxSvc.BuildSystemPromptsContext(updated, DefaultBuildOptions()); res.FromCache {
		t.Error("保存故事后旧缓存应当失效")
	}
}
