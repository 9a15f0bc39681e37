// internal/services/compose_service_test.go
package services

import (
	"context"
	"strings"
	"testing"
	"time"

	apperrors "github.com/Corphon/ChapterForgeMCP/internal/errors"
	"github.com/Corphon/ChapterForgeMCP/internal/models"
	"github.com/Corphon/ChapterForgeMCP/internal/storage"
)

// 搭建一套落在临时目录上的创作服务，随用例结束自动回收
func newComposeFixture(t *testing.T) (*ComposeService, string) {
	t.Helper()

	fileStorage, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}

	locks := NewLockManager()
	t.Cleanup(locks.Stop)

	storyService := NewStoryService(fileStorage, locks, nil)
	composeService := NewComposeService(storyService, locks)
	t.Cleanup(composeService.Close)

	story, err := storyService.CreateStory("雾都旧事", models.StoryConfig{})
	if err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}

	return composeService, story.ID
}

// 满足大纲阶段的前进条件并推进到正文阶段
func advanceToDetail(t *testing.T, svc *ComposeService, storyID string) {
	t.Helper()
	ctx := context.Background()

	if _, err := svc.AddOutlineItem(ctx, storyID, "主角抵达雾都", "开篇第一幕", models.OriginUser); err != nil {
		t.Fatalf("添加大纲条目失败: %v", err)
	}
	if _, err := svc.SetDraftSummary(ctx, storyID, "主角初到雾都，结识引路人，埋下旧案伏笔"); err != nil {
		t.Fatalf("设置章节梗概失败: %v", err)
	}

	result, err := svc.AdvanceToNext(ctx, storyID)
	if err != nil {
		t.Fatalf("推进到正文阶段失败: %v", err)
	}
	if !result.Success {
		t.Fatalf("推进到正文阶段应该成功，未满足项: %v", result.ValidationErrors)
	}
}

// TestInitializeCompose 测试创作状态的初始形状
func TestInitializeCompose(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	state, err := svc.InitializeCompose(ctx, storyID, 1)
	if err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}

	if state.CurrentPhase != models.PhasePlotOutline {
		t.Errorf("初始阶段应该是大纲阶段，实际: %s", state.CurrentPhase)
	}
	if state.Phases.PlotOutline.Status != models.PhaseStatusActive {
		t.Errorf("大纲阶段初始应该是active，实际: %s", state.Phases.PlotOutline.Status)
	}
	if state.Phases.ChapterDetail.Status != models.PhaseStatusPaused {
		t.Errorf("正文阶段初始应该是paused，实际: %s", state.Phases.ChapterDetail.Status)
	}
	if state.Phases.FinalEdit.Status != models.PhaseStatusPaused {
		t.Errorf("润色阶段初始应该是paused，实际: %s", state.Phases.FinalEdit.Status)
	}
	if state.Phases.ChapterDetail.Draft.Status != models.DraftStatusDrafting {
		t.Errorf("草稿初始状态应该是drafting，实际: %s", state.Phases.ChapterDetail.Draft.Status)
	}
	if state.SharedContext.TargetWordCount != defaultTargetWordCount {
		t.Errorf("默认目标字数应该是%d，实际: %d", defaultTargetWordCount, state.SharedContext.TargetWordCount)
	}
	if len(state.Navigation.PhaseHistory) != 1 || state.Navigation.PhaseHistory[0] != models.PhasePlotOutline {
		t.Errorf("历史栈初始应该只含大纲阶段，实际: %v", state.Navigation.PhaseHistory)
	}
	if state.Navigation.CanGoBack {
		t.Error("初始状态不应该允许后退")
	}
	if state.Navigation.CanGoForward {
		t.Error("空大纲不应该允许前进")
	}
	if state.Metadata.SchemaVersion != models.ComposeSchemaVersion {
		t.Errorf("结构版本不正确，实际: %d", state.Metadata.SchemaVersion)
	}
	if state.OverallProgress.CurrentStep != 1 || state.OverallProgress.TotalSteps != 3 {
		t.Errorf("总体进度步数不正确，实际: %d/%d",
			state.OverallProgress.CurrentStep, state.OverallProgress.TotalSteps)
	}

	// 重新读取应该拿到持久化后的同样状态
	loaded, err := svc.GetCompose(ctx, storyID)
	if err != nil {
		t.Fatalf("读取创作状态失败: %v", err)
	}
	if loaded.ChapterNumber != 1 {
		t.Errorf("章节编号不正确，实际: %d", loaded.ChapterNumber)
	}
}

// TestInitializeComposeValidation 测试初始化的入参校验
func TestInitializeComposeValidation(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	if _, err := svc.InitializeCompose(ctx, "", 1); !apperrors.IsValidationError(err) {
		t.Errorf("空故事ID应该返回验证错误，实际: %v", err)
	}
	if _, err := svc.InitializeCompose(ctx, storyID, 0); !apperrors.IsValidationError(err) {
		t.Errorf("章节编号0应该返回验证错误，实际: %v", err)
	}
	if _, err := svc.InitializeCompose(ctx, "story_不存在", 1); err == nil {
		t.Error("不存在的故事应该初始化失败")
	}
}

// TestInitializeComposeOverwrite 测试重复初始化覆盖旧状态
func TestInitializeComposeOverwrite(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	if _, err := svc.InitializeCompose(ctx, storyID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}
	if _, err := svc.AddOutlineItem(ctx, storyID, "旧章节的大纲", "", models.OriginUser); err != nil {
		t.Fatalf("添加大纲条目失败: %v", err)
	}

	state, err := svc.InitializeCompose(ctx, storyID, 2)
	if err != nil {
		t.Fatalf("重新初始化失败: %v", err)
	}
	if state.ChapterNumber != 2 {
		t.Errorf("章节编号应该更新为2，实际: %d", state.ChapterNumber)
	}
	if len(state.Phases.PlotOutline.OutlineItems) != 0 {
		t.Errorf("重新初始化后大纲应该清空，实际条目数: %d", len(state.Phases.PlotOutline.OutlineItems))
	}
}

// TestGetComposeBeforeInit 测试未初始化时的读取
func TestGetComposeBeforeInit(t *testing.T) {
	svc, storyID := newComposeFixture(t)

	_, err := svc.GetCompose(context.Background(), storyID)
	if !apperrors.IsNotFoundError(err) {
		t.Errorf("未初始化时读取应该返回未找到错误，实际: %v", err)
	}
}

// TestAdvanceBlockedByValidation 测试前进校验失败时状态分毫不动
func TestAdvanceBlockedByValidation(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	if _, err := svc.InitializeCompose(ctx, storyID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}

	result, err := svc.AdvanceToNext(ctx, storyID)
	if err != nil {
		t.Fatalf("校验失败不应该是Go错误: %v", err)
	}
	if result.Success {
		t.Fatal("空大纲不应该允许前进")
	}
	if result.FromPhase != models.PhasePlotOutline || result.ToPhase != models.PhaseChapterDetail {
		t.Errorf("失败结果应该标明来源与目标阶段，实际: %s -> %s", result.FromPhase, result.ToPhase)
	}
	if len(result.ValidationErrors) != 2 {
		t.Fatalf("应该同时报出条目和梗概两个问题，实际: %v", result.ValidationErrors)
	}
	joined := strings.Join(result.ValidationErrors, "; ")
	if !strings.Contains(joined, "at least one item") {
		t.Errorf("应该报出大纲条目缺失，实际: %s", joined)
	}
	if !strings.Contains(joined, "summary is empty") {
		t.Errorf("应该报出梗概缺失，实际: %s", joined)
	}

	// 失败的前进不留任何痕迹
	state, err := svc.GetCompose(ctx, storyID)
	if err != nil {
		t.Fatalf("读取创作状态失败: %v", err)
	}
	if state.CurrentPhase != models.PhasePlotOutline {
		t.Errorf("失败后阶段不应该变化，实际: %s", state.CurrentPhase)
	}
	if len(state.Navigation.PhaseHistory) != 1 {
		t.Errorf("失败后历史栈不应该变化，实际: %v", state.Navigation.PhaseHistory)
	}
	if state.Phases.ChapterDetail.Status != models.PhaseStatusPaused {
		t.Errorf("失败后正文阶段应该保持paused，实际: %s", state.Phases.ChapterDetail.Status)
	}
}

// TestAdvanceThroughAllPhases 测试三个阶段的完整推进链路
func TestAdvanceThroughAllPhases(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	if _, err := svc.InitializeCompose(ctx, storyID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}
	advanceToDetail(t, svc, storyID)

	state, err := svc.GetCompose(ctx, storyID)
	if err != nil {
		t.Fatalf("读取创作状态失败: %v", err)
	}
	if state.CurrentPhase != models.PhaseChapterDetail {
		t.Fatalf("当前应该处于正文阶段，实际: %s", state.CurrentPhase)
	}
	if state.Phases.PlotOutline.Status != models.PhaseStatusCompleted {
		t.Errorf("大纲阶段应该标记完成，实际: %s", state.Phases.PlotOutline.Status)
	}
	if state.Phases.ChapterDetail.Status != models.PhaseStatusActive {
		t.Errorf("正文阶段应该激活，实际: %s", state.Phases.ChapterDetail.Status)
	}

	// 空草稿挡在润色阶段门外
	result, err := svc.AdvanceToNext(ctx, storyID)
	if err != nil {
		t.Fatalf("校验失败不应该是Go错误: %v", err)
	}
	if result.Success {
		t.Fatal("空草稿不应该允许进入润色阶段")
	}
	if !strings.Contains(strings.Join(result.ValidationErrors, "; "), "draft is empty") {
		t.Errorf("应该报出草稿为空，实际: %v", result.ValidationErrors)
	}

	// 字数不足同样被拦下
	if _, err := svc.UpdateDraftContent(ctx, storyID, strings.Repeat("雾", 120), models.OriginUser); err != nil {
		t.Fatalf("更新草稿失败: %v", err)
	}
	result, err = svc.AdvanceToNext(ctx, storyID)
	if err != nil {
		t.Fatalf("校验失败不应该是Go错误: %v", err)
	}
	if result.Success {
		t.Fatal("120字的草稿不应该允许进入润色阶段")
	}
	if !strings.Contains(strings.Join(result.ValidationErrors, "; "), "120 words") {
		t.Errorf("字数提示应该带上实际字数，实际: %v", result.ValidationErrors)
	}

	// 达到字数门槛后放行
	if _, err := svc.UpdateDraftContent(ctx, storyID, strings.Repeat("雾", 520), models.OriginUser); err != nil {
		t.Fatalf("更新草稿失败: %v", err)
	}
	result, err = svc.AdvanceToNext(ctx, storyID)
	if err != nil {
		t.Fatalf("推进到润色阶段失败: %v", err)
	}
	if !result.Success {
		t.Fatalf("520字的草稿应该允许前进，未满足项: %v", result.ValidationErrors)
	}
	if result.FromPhase != models.PhaseChapterDetail || result.ToPhase != models.PhaseFinalEdit {
		t.Errorf("切换方向不正确: %s -> %s", result.FromPhase, result.ToPhase)
	}

	state, err = svc.GetCompose(ctx, storyID)
	if err != nil {
		t.Fatalf("读取创作状态失败: %v", err)
	}
	if len(state.Navigation.PhaseHistory) != 3 {
		t.Errorf("历史栈应该记录三个阶段，实际: %v", state.Navigation.PhaseHistory)
	}

	// 最后阶段没有下一步，属于调用方缺陷
	_, err = svc.AdvanceToNext(ctx, storyID)
	if !apperrors.IsConflictError(err) {
		t.Errorf("润色阶段之后前进应该返回冲突错误，实际: %v", err)
	}
}

// TestRevertPreservesAbandonedWork 测试回退保留被放弃阶段的内容
func TestRevertPreservesAbandonedWork(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	if _, err := svc.InitializeCompose(ctx, storyID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}
	advanceToDetail(t, svc, storyID)

	draftText := strings.Repeat("夜", 30)
	if _, err := svc.UpdateDraftContent(ctx, storyID, draftText, models.OriginUser); err != nil {
		t.Fatalf("更新草稿失败: %v", err)
	}

	result, err := svc.RevertToPrevious(ctx, storyID)
	if err != nil {
		t.Fatalf("回退失败: %v", err)
	}
	if !result.Success || result.ToPhase != models.PhasePlotOutline {
		t.Fatalf("应该回退到大纲阶段，实际: %+v", result)
	}

	state, err := svc.GetCompose(ctx, storyID)
	if err != nil {
		t.Fatalf("读取创作状态失败: %v", err)
	}
	if state.CurrentPhase != models.PhasePlotOutline {
		t.Errorf("当前阶段应该是大纲阶段，实际: %s", state.CurrentPhase)
	}
	if state.Phases.PlotOutline.Status != models.PhaseStatusActive {
		t.Errorf("回退目标阶段应该重新激活，实际: %s", state.Phases.PlotOutline.Status)
	}
	if state.Phases.ChapterDetail.Status != models.PhaseStatusPaused {
		t.Errorf("被放弃的阶段应该回到paused，实际: %s", state.Phases.ChapterDetail.Status)
	}
	if state.Phases.ChapterDetail.Draft.Content != draftText {
		t.Error("回退不应该清掉已写的草稿内容")
	}
	if len(state.Navigation.PhaseHistory) != 1 {
		t.Errorf("历史栈应该弹出到只剩大纲阶段，实际: %v", state.Navigation.PhaseHistory)
	}

	// 回退不重新校验前进条件，条目和梗概都在，随时可以再前进
	if !svc.CanAdvance(state) {
		t.Error("回退后满足条件时应该仍然可以前进")
	}
}

// TestRevertAtFirstPhase 测试第一阶段无处可退
func TestRevertAtFirstPhase(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	if _, err := svc.InitializeCompose(ctx, storyID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}

	_, err := svc.RevertToPrevious(ctx, storyID)
	if !apperrors.IsConflictError(err) {
		t.Errorf("大纲阶段回退应该返回冲突错误，实际: %v", err)
	}
}

// TestOutlineItemLifecycle 测试大纲条目的增改删与重排
func TestOutlineItemLifecycle(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	if _, err := svc.InitializeCompose(ctx, storyID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}

	if _, err := svc.AddOutlineItem(ctx, storyID, "  ", "空标题", models.OriginUser); !apperrors.IsValidationError(err) {
		t.Errorf("空标题应该返回验证错误，实际: %v", err)
	}

	first, err := svc.AddOutlineItem(ctx, storyID, "码头接头", "雾夜交货", "")
	if err != nil {
		t.Fatalf("添加大纲条目失败: %v", err)
	}
	if !strings.HasPrefix(first.ID, "outline_") {
		t.Errorf("条目ID前缀不正确: %s", first.ID)
	}
	if first.Order != 1 {
		t.Errorf("第一个条目的序号应该是1，实际: %d", first.Order)
	}
	if first.Status != models.OutlineItemDraft {
		t.Errorf("新条目状态应该是draft，实际: %s", first.Status)
	}
	if first.CreatedBy != models.OriginUser {
		t.Errorf("空来源应该落为用户，实际: %s", first.CreatedBy)
	}

	second, err := svc.AddOutlineItem(ctx, storyID, "仓库对峙", "", models.OriginAI)
	if err != nil {
		t.Fatalf("添加大纲条目失败: %v", err)
	}
	if second.Order != 2 {
		t.Errorf("第二个条目的序号应该是2，实际: %d", second.Order)
	}

	// 未知状态直接拒绝
	if _, err := svc.UpdateOutlineItem(ctx, storyID, first.ID, "", "", "烧掉"); !apperrors.IsValidationError(err) {
		t.Errorf("未知条目状态应该返回验证错误，实际: %v", err)
	}

	// 空字段保持原值
	updated, err := svc.UpdateOutlineItem(ctx, storyID, first.ID, "", "改在凌晨交货", models.OutlineItemApproved)
	if err != nil {
		t.Fatalf("更新大纲条目失败: %v", err)
	}
	if updated.Title != "码头接头" {
		t.Errorf("空标题应该保持原值，实际: %s", updated.Title)
	}
	if updated.Description != "改在凌晨交货" {
		t.Errorf("描述应该已更新，实际: %s", updated.Description)
	}
	if updated.Status != models.OutlineItemApproved {
		t.Errorf("状态应该已更新为approved，实际: %s", updated.Status)
	}

	if _, err := svc.UpdateOutlineItem(ctx, storyID, "outline_不存在", "x", "", ""); !apperrors.IsNotFoundError(err) {
		t.Errorf("更新不存在的条目应该返回未找到错误，实际: %v", err)
	}

	// 删除后剩余条目重排
	state, err := svc.RemoveOutlineItem(ctx, storyID, first.ID)
	if err != nil {
		t.Fatalf("删除大纲条目失败: %v", err)
	}
	items := state.Phases.PlotOutline.OutlineItems
	if len(items) != 1 {
		t.Fatalf("删除后应该剩一个条目，实际: %d", len(items))
	}
	if items[0].ID != second.ID || items[0].Order != 1 {
		t.Errorf("剩余条目应该重排为序号1，实际: %s 序号%d", items[0].ID, items[0].Order)
	}

	if _, err := svc.RemoveOutlineItem(ctx, storyID, first.ID); !apperrors.IsNotFoundError(err) {
		t.Errorf("重复删除应该返回未找到错误，实际: %v", err)
	}
}

// TestDraftVersionLifecycle 测试草稿版本的保存、删除与恢复
func TestDraftVersionLifecycle(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	if _, err := svc.InitializeCompose(ctx, storyID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}

	// 空草稿存不了版本
	if _, err := svc.SaveDraftVersion(ctx, storyID, "初稿", models.OriginUser); !apperrors.IsValidationError(err) {
		t.Errorf("空草稿保存版本应该返回验证错误，实际: %v", err)
	}

	firstText := strings.Repeat("晨", 40)
	if _, err := svc.UpdateDraftContent(ctx, storyID, firstText, models.OriginUser); err != nil {
		t.Fatalf("更新草稿失败: %v", err)
	}
	v1, err := svc.SaveDraftVersion(ctx, storyID, "初稿", "")
	if err != nil {
		t.Fatalf("保存草稿版本失败: %v", err)
	}
	if !strings.HasPrefix(v1.ID, "version_") {
		t.Errorf("版本ID前缀不正确: %s", v1.ID)
	}
	if v1.Source != models.OriginUser {
		t.Errorf("空来源应该落为用户，实际: %s", v1.Source)
	}
	if v1.WordCount != 40 {
		t.Errorf("版本字数应该是40，实际: %d", v1.WordCount)
	}

	secondText := strings.Repeat("夜", 60)
	if _, err := svc.UpdateDraftContent(ctx, storyID, secondText, models.OriginUser); err != nil {
		t.Fatalf("更新草稿失败: %v", err)
	}
	v2, err := svc.SaveDraftVersion(ctx, storyID, "改稿", models.OriginUser)
	if err != nil {
		t.Fatalf("保存草稿版本失败: %v", err)
	}

	state, err := svc.GetCompose(ctx, storyID)
	if err != nil {
		t.Fatalf("读取创作状态失败: %v", err)
	}
	if len(state.Phases.ChapterDetail.Draft.Versions) != 2 {
		t.Fatalf("应该有两个版本，实际: %d", len(state.Phases.ChapterDetail.Draft.Versions))
	}
	if state.Phases.ChapterDetail.Draft.ActiveVersionID != v2.ID {
		t.Errorf("最新保存的版本应该是活动版本，实际: %s", state.Phases.ChapterDetail.Draft.ActiveVersionID)
	}

	// 删除活动版本后，指针移到最新的剩余版本
	state, err = svc.DeleteDraftVersion(ctx, storyID, v2.ID)
	if err != nil {
		t.Fatalf("删除草稿版本失败: %v", err)
	}
	draft := state.Phases.ChapterDetail.Draft
	if len(draft.Versions) != 1 {
		t.Fatalf("删除后应该剩一个版本，实际: %d", len(draft.Versions))
	}
	if draft.ActiveVersionID != v1.ID {
		t.Errorf("活动指针应该移到剩余版本，实际: %s", draft.ActiveVersionID)
	}
	// 版本删除不影响草稿正文本身
	if draft.Content != secondText {
		t.Error("删除版本不应该改动当前草稿内容")
	}

	// 最后一个版本不许删
	if _, err := svc.DeleteDraftVersion(ctx, storyID, v1.ID); !apperrors.IsConflictError(err) {
		t.Errorf("删除仅剩的版本应该返回冲突错误，实际: %v", err)
	}
	if _, err := svc.DeleteDraftVersion(ctx, storyID, "version_不存在"); !apperrors.IsNotFoundError(err) {
		t.Errorf("删除不存在的版本应该返回未找到错误，实际: %v", err)
	}

	// 恢复把正文和字数拉回历史版本
	state, err = svc.RestoreDraftVersion(ctx, storyID, v1.ID)
	if err != nil {
		t.Fatalf("恢复草稿版本失败: %v", err)
	}
	draft = state.Phases.ChapterDetail.Draft
	if draft.Content != firstText {
		t.Error("恢复后草稿内容应该回到第一版")
	}
	if draft.WordCount != 40 {
		t.Errorf("恢复后字数应该是40，实际: %d", draft.WordCount)
	}
	if draft.ActiveVersionID != v1.ID {
		t.Errorf("恢复后活动版本应该是v1，实际: %s", draft.ActiveVersionID)
	}

	if _, err := svc.RestoreDraftVersion(ctx, storyID, "version_不存在"); !apperrors.IsNotFoundError(err) {
		t.Errorf("恢复不存在的版本应该返回未找到错误，实际: %v", err)
	}
}

// TestReviewItemLifecycle 测试润色建议的添加与处理
func TestReviewItemLifecycle(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	if _, err := svc.InitializeCompose(ctx, storyID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}

	if _, err := svc.AddReviewItem(ctx, storyID, "雾太浓了", "  ", "", models.OriginAI); !apperrors.IsValidationError(err) {
		t.Errorf("空建议内容应该返回验证错误，实际: %v", err)
	}

	item, err := svc.AddReviewItem(ctx, storyID, "雾太浓了", "开头的环境描写可以更克制", "节奏", "")
	if err != nil {
		t.Fatalf("添加润色建议失败: %v", err)
	}
	if !strings.HasPrefix(item.ID, "review_") {
		t.Errorf("建议ID前缀不正确: %s", item.ID)
	}
	if item.Source != models.OriginAI {
		t.Errorf("空来源应该落为AI，实际: %s", item.Source)
	}
	if item.Status != models.ReviewItemPending {
		t.Errorf("新建议状态应该是pending，实际: %s", item.Status)
	}
	if item.Order != 1 {
		t.Errorf("第一条建议序号应该是1，实际: %d", item.Order)
	}

	// 未知的处理方式与缺失的改写文本都被拒绝
	if _, err := svc.ResolveReviewItem(ctx, storyID, item.ID, "烧掉", ""); !apperrors.IsValidationError(err) {
		t.Errorf("未知处理方式应该返回验证错误，实际: %v", err)
	}
	if _, err := svc.ResolveReviewItem(ctx, storyID, item.ID, models.ReviewItemModified, " "); !apperrors.IsValidationError(err) {
		t.Errorf("改写处理缺少文本应该返回验证错误，实际: %v", err)
	}
	if _, err := svc.ResolveReviewItem(ctx, storyID, "review_不存在", models.ReviewItemAccepted, ""); !apperrors.IsNotFoundError(err) {
		t.Errorf("处理不存在的建议应该返回未找到错误，实际: %v", err)
	}

	resolved, err := svc.ResolveReviewItem(ctx, storyID, item.ID, models.ReviewItemModified, "雾像一层薄纱贴在河面上")
	if err != nil {
		t.Fatalf("处理润色建议失败: %v", err)
	}
	if resolved.Status != models.ReviewItemModified {
		t.Errorf("处理后状态应该是modified，实际: %s", resolved.Status)
	}
	if resolved.ModifiedText == "" {
		t.Error("改写处理应该记录改写后的文本")
	}
	if resolved.ResolvedAt.IsZero() {
		t.Error("处理时间应该已记录")
	}

	accepted, err := svc.AddReviewItem(ctx, storyID, "", "结尾留一个钩子", "", models.OriginUser)
	if err != nil {
		t.Fatalf("添加润色建议失败: %v", err)
	}
	if accepted.Order != 2 {
		t.Errorf("第二条建议序号应该是2，实际: %d", accepted.Order)
	}
	if _, err := svc.ResolveReviewItem(ctx, storyID, accepted.ID, models.ReviewItemAccepted, ""); err != nil {
		t.Fatalf("接受建议失败: %v", err)
	}
}

// TestApplyGeneratedOutline 测试生成结果并入大纲阶段
func TestApplyGeneratedOutline(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	if _, err := svc.InitializeCompose(ctx, storyID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}
	if _, err := svc.AddOutlineItem(ctx, storyID, "用户手写的开头", "", models.OriginUser); err != nil {
		t.Fatalf("添加大纲条目失败: %v", err)
	}

	state, err := svc.ApplyGeneratedOutline(ctx, storyID, []GeneratedOutlineItem{
		{Title: "旧案重提", Description: "档案馆的线索"},
		{Title: "   "},
		{Title: "深夜来客", Description: "不速之客敲门"},
	}, "三条线索在本章交汇")
	if err != nil {
		t.Fatalf("并入生成大纲失败: %v", err)
	}

	items := state.Phases.PlotOutline.OutlineItems
	if len(items) != 3 {
		t.Fatalf("空标题应该被跳过，条目总数应该是3，实际: %d", len(items))
	}
	if items[1].Title != "旧案重提" || items[1].Order != 2 {
		t.Errorf("生成条目应该接在已有条目之后，实际: %s 序号%d", items[1].Title, items[1].Order)
	}
	if items[1].CreatedBy != models.OriginAI {
		t.Errorf("生成条目的来源应该是AI，实际: %s", items[1].CreatedBy)
	}
	if state.Phases.PlotOutline.DraftSummary != "三条线索在本章交汇" {
		t.Errorf("梗概应该已写入，实际: %s", state.Phases.PlotOutline.DraftSummary)
	}

	// 空梗概不覆盖已有内容
	state, err = svc.ApplyGeneratedOutline(ctx, storyID, []GeneratedOutlineItem{{Title: "补一场过渡"}}, "")
	if err != nil {
		t.Fatalf("并入生成大纲失败: %v", err)
	}
	if state.Phases.PlotOutline.DraftSummary != "三条线索在本章交汇" {
		t.Error("空梗概不应该覆盖已有梗概")
	}
	if len(state.Phases.PlotOutline.OutlineItems) != 4 {
		t.Errorf("条目总数应该是4，实际: %d", len(state.Phases.PlotOutline.OutlineItems))
	}
}

// TestApplyGeneratedDraft 测试生成正文落入草稿并留版本
func TestApplyGeneratedDraft(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	if _, err := svc.InitializeCompose(ctx, storyID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}

	if _, err := svc.ApplyGeneratedDraft(ctx, storyID, "  ", "空结果"); !apperrors.IsValidationError(err) {
		t.Errorf("空生成正文应该返回验证错误，实际: %v", err)
	}

	content := strings.Repeat("灯", 80)
	state, err := svc.ApplyGeneratedDraft(ctx, storyID, content, "第一次生成")
	if err != nil {
		t.Fatalf("并入生成草稿失败: %v", err)
	}

	draft := state.Phases.ChapterDetail.Draft
	if draft.Content != content {
		t.Error("草稿内容应该是生成的正文")
	}
	if draft.WordCount != 80 {
		t.Errorf("草稿字数应该是80，实际: %d", draft.WordCount)
	}
	if len(draft.Versions) != 1 {
		t.Fatalf("应该自动留下一个版本，实际: %d", len(draft.Versions))
	}
	version := draft.Versions[0]
	if version.Source != models.OriginAI {
		t.Errorf("生成版本的来源应该是AI，实际: %s", version.Source)
	}
	if version.Note != "第一次生成" {
		t.Errorf("版本备注不正确: %s", version.Note)
	}
	if draft.ActiveVersionID != version.ID {
		t.Error("生成版本应该成为活动版本")
	}
}

// TestApplyEditorReview 测试编辑审校结果并入润色阶段
func TestApplyEditorReview(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	if _, err := svc.InitializeCompose(ctx, storyID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}

	state, err := svc.ApplyEditorReview(ctx, storyID, "整体节奏稳，开头偏慢", []GeneratedReviewSuggestion{
		{Excerpt: "雾气弥漫", Suggestion: "第一段压缩到三句以内", Reason: "入戏太慢"},
		{Suggestion: "   "},
		{Suggestion: "对话里补一次称呼变化"},
	})
	if err != nil {
		t.Fatalf("并入审校结果失败: %v", err)
	}

	final := state.Phases.FinalEdit
	if final.OverallAssessment != "整体节奏稳，开头偏慢" {
		t.Errorf("总体评价应该已写入，实际: %s", final.OverallAssessment)
	}
	if len(final.ReviewItems) != 2 {
		t.Fatalf("空建议应该被跳过，建议总数应该是2，实际: %d", len(final.ReviewItems))
	}
	for i, item := range final.ReviewItems {
		if item.Status != models.ReviewItemPending {
			t.Errorf("并入的建议应该是pending，实际: %s", item.Status)
		}
		if item.Source != models.OriginAI {
			t.Errorf("并入建议的来源应该是AI，实际: %s", item.Source)
		}
		if item.Order != i+1 {
			t.Errorf("建议序号应该连续，第%d条实际: %d", i+1, item.Order)
		}
	}

	// 空评价保留旧值
	state, err = svc.ApplyEditorReview(ctx, storyID, "", []GeneratedReviewSuggestion{{Suggestion: "再读一遍结尾"}})
	if err != nil {
		t.Fatalf("并入审校结果失败: %v", err)
	}
	if state.Phases.FinalEdit.OverallAssessment != "整体节奏稳，开头偏慢" {
		t.Error("空评价不应该覆盖已有评价")
	}
	if len(state.Phases.FinalEdit.ReviewItems) != 3 {
		t.Errorf("建议总数应该是3，实际: %d", len(state.Phases.FinalEdit.ReviewItems))
	}
}

// TestProgressRecompute 测试进度随内容重算
func TestProgressRecompute(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	if _, err := svc.InitializeCompose(ctx, storyID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}
	if _, err := svc.SetSharedContext(ctx, storyID, models.SharedContext{TargetWordCount: 1000}); err != nil {
		t.Fatalf("设置共享上下文失败: %v", err)
	}

	// 大纲：两个条目批准一个，加上梗概，80*1/2 + 20 = 60
	itemA, err := svc.AddOutlineItem(ctx, storyID, "开场", "", models.OriginUser)
	if err != nil {
		t.Fatalf("添加大纲条目失败: %v", err)
	}
	if _, err := svc.AddOutlineItem(ctx, storyID, "转折", "", models.OriginUser); err != nil {
		t.Fatalf("添加大纲条目失败: %v", err)
	}
	if _, err := svc.UpdateOutlineItem(ctx, storyID, itemA.ID, "", "", models.OutlineItemApproved); err != nil {
		t.Fatalf("批准大纲条目失败: %v", err)
	}
	if _, err := svc.SetDraftSummary(ctx, storyID, "一句话梗概"); err != nil {
		t.Fatalf("设置章节梗概失败: %v", err)
	}

	// 正文：500字对1000字目标，50%
	if _, err := svc.UpdateDraftContent(ctx, storyID, strings.Repeat("火", 500), models.OriginUser); err != nil {
		t.Fatalf("更新草稿失败: %v", err)
	}

	// 润色：两条建议处理一条，50%
	r1, err := svc.AddReviewItem(ctx, storyID, "", "删掉第一段的形容词", "", models.OriginAI)
	if err != nil {
		t.Fatalf("添加润色建议失败: %v", err)
	}
	if _, err := svc.AddReviewItem(ctx, storyID, "", "把雨改成雪", "", models.OriginAI); err != nil {
		t.Fatalf("添加润色建议失败: %v", err)
	}
	if _, err := svc.ResolveReviewItem(ctx, storyID, r1.ID, models.ReviewItemRejected, ""); err != nil {
		t.Fatalf("处理润色建议失败: %v", err)
	}

	state, err := svc.GetCompose(ctx, storyID)
	if err != nil {
		t.Fatalf("读取创作状态失败: %v", err)
	}
	if state.OverallProgress.PlotOutline != 60 {
		t.Errorf("大纲进度应该是60，实际: %d", state.OverallProgress.PlotOutline)
	}
	if state.OverallProgress.ChapterDetail != 50 {
		t.Errorf("正文进度应该是50，实际: %d", state.OverallProgress.ChapterDetail)
	}
	if state.OverallProgress.FinalEdit != 50 {
		t.Errorf("润色进度应该是50，实际: %d", state.OverallProgress.FinalEdit)
	}
	if state.OverallProgress.CurrentStep != 1 {
		t.Errorf("当前步应该是1，实际: %d", state.OverallProgress.CurrentStep)
	}
	outlineProgress := state.Phases.PlotOutline.Progress
	if outlineProgress.TotalItems != 2 || outlineProgress.CompletedItems != 1 {
		t.Errorf("大纲计数不正确: %d/%d", outlineProgress.CompletedItems, outlineProgress.TotalItems)
	}

	// 超出目标字数后封顶在100
	if _, err := svc.UpdateDraftContent(ctx, storyID, strings.Repeat("火", 1500), models.OriginUser); err != nil {
		t.Fatalf("更新草稿失败: %v", err)
	}
	state, err = svc.GetCompose(ctx, storyID)
	if err != nil {
		t.Fatalf("读取创作状态失败: %v", err)
	}
	if state.OverallProgress.ChapterDetail != 100 {
		t.Errorf("超出目标后正文进度应该封顶100，实际: %d", state.OverallProgress.ChapterDetail)
	}
}

// TestUpdatePhaseProgressPatch 测试进度补丁只合并非零字段
func TestUpdatePhaseProgressPatch(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	if _, err := svc.InitializeCompose(ctx, storyID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}

	if _, err := svc.UpdatePhaseProgress(ctx, storyID, "校对", models.PhaseProgress{Percent: 10}); !apperrors.IsValidationError(err) {
		t.Errorf("未知阶段应该返回验证错误，实际: %v", err)
	}

	state, err := svc.UpdatePhaseProgress(ctx, storyID, models.PhasePlotOutline, models.PhaseProgress{
		Percent: 150,
		Note:    "生成中",
	})
	if err != nil {
		t.Fatalf("更新阶段进度失败: %v", err)
	}
	progress := state.Phases.PlotOutline.Progress
	if progress.Percent != 100 {
		t.Errorf("超过100的进度应该封顶，实际: %d", progress.Percent)
	}
	if progress.Note != "生成中" {
		t.Errorf("进度备注应该已写入，实际: %s", progress.Note)
	}

	// 零值字段不清掉已有数值
	state, err = svc.UpdatePhaseProgress(ctx, storyID, models.PhasePlotOutline, models.PhaseProgress{TotalItems: 5})
	if err != nil {
		t.Fatalf("更新阶段进度失败: %v", err)
	}
	progress = state.Phases.PlotOutline.Progress
	if progress.Percent != 100 {
		t.Errorf("零值补丁不应该清掉进度，实际: %d", progress.Percent)
	}
	if progress.TotalItems != 5 {
		t.Errorf("条目总数应该已更新为5，实际: %d", progress.TotalItems)
	}
	if progress.Note != "生成中" {
		t.Errorf("空备注不应该清掉已有备注，实际: %s", progress.Note)
	}
}

// TestSharedContextUpdate 测试共享上下文的整体替换与目标字数保底
func TestSharedContextUpdate(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	if _, err := svc.InitializeCompose(ctx, storyID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}

	if _, err := svc.SetSharedContext(ctx, storyID, models.SharedContext{TargetWordCount: -1}); !apperrors.IsValidationError(err) {
		t.Errorf("负的目标字数应该返回验证错误，实际: %v", err)
	}

	state, err := svc.SetSharedContext(ctx, storyID, models.SharedContext{
		TargetWordCount: 2000,
		Genre:           "悬疑",
		Tone:            "阴郁",
	})
	if err != nil {
		t.Fatalf("设置共享上下文失败: %v", err)
	}
	if state.SharedContext.TargetWordCount != 2000 || state.SharedContext.Genre != "悬疑" {
		t.Errorf("共享上下文未正确写入: %+v", state.SharedContext)
	}

	// 目标字数为零时保留旧值，其余字段整体替换
	state, err = svc.SetSharedContext(ctx, storyID, models.SharedContext{Genre: "冒险"})
	if err != nil {
		t.Fatalf("设置共享上下文失败: %v", err)
	}
	if state.SharedContext.TargetWordCount != 2000 {
		t.Errorf("零目标字数应该保留旧值2000，实际: %d", state.SharedContext.TargetWordCount)
	}
	if state.SharedContext.Genre != "冒险" {
		t.Errorf("体裁应该已替换，实际: %s", state.SharedContext.Genre)
	}
	if state.SharedContext.Tone != "" {
		t.Errorf("未提供的基调应该被整体替换清空，实际: %s", state.SharedContext.Tone)
	}
}

// TestPhaseThreadBinding 测试会话线程挂到阶段子状态
func TestPhaseThreadBinding(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	if _, err := svc.InitializeCompose(ctx, storyID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}

	if _, err := svc.SetPhaseThread(ctx, storyID, "编辑部", "thread_x"); !apperrors.IsValidationError(err) {
		t.Errorf("未知阶段应该返回验证错误，实际: %v", err)
	}

	state, err := svc.SetPhaseThread(ctx, storyID, models.PhaseFinalEdit, "thread_final")
	if err != nil {
		t.Fatalf("绑定线程失败: %v", err)
	}
	if state.Phases.FinalEdit.ThreadID != "thread_final" {
		t.Errorf("润色阶段线程未绑定，实际: %s", state.Phases.FinalEdit.ThreadID)
	}
	if state.Phases.PlotOutline.ThreadID != "" {
		t.Error("其他阶段的线程不应该被改动")
	}
}

// TestBranchNavigation 测试分支导航的切换轨迹
func TestBranchNavigation(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	if _, err := svc.InitializeCompose(ctx, storyID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}

	state, err := svc.UpdateBranchNavigation(ctx, storyID, "branch_a", []string{"main", "branch_a"})
	if err != nil {
		t.Fatalf("更新分支导航失败: %v", err)
	}
	if state.Navigation.CurrentBranchID != "branch_a" {
		t.Errorf("当前分支不正确: %s", state.Navigation.CurrentBranchID)
	}
	if len(state.Navigation.BranchHistory) != 1 || state.Navigation.BranchHistory[0] != "branch_a" {
		t.Errorf("切换轨迹应该记录branch_a，实际: %v", state.Navigation.BranchHistory)
	}
	if len(state.Navigation.AvailableBranches) != 2 {
		t.Errorf("可用分支数不正确: %v", state.Navigation.AvailableBranches)
	}

	// 重复设置同一分支不再追加轨迹
	state, err = svc.UpdateBranchNavigation(ctx, storyID, "branch_a", []string{"main", "branch_a"})
	if err != nil {
		t.Fatalf("更新分支导航失败: %v", err)
	}
	if len(state.Navigation.BranchHistory) != 1 {
		t.Errorf("重复切换不应该追加轨迹，实际: %v", state.Navigation.BranchHistory)
	}

	state, err = svc.UpdateBranchNavigation(ctx, storyID, "branch_b", nil)
	if err != nil {
		t.Fatalf("更新分支导航失败: %v", err)
	}
	if len(state.Navigation.BranchHistory) != 2 {
		t.Errorf("切换到新分支应该追加轨迹，实际: %v", state.Navigation.BranchHistory)
	}
	if len(state.Navigation.AvailableBranches) != 0 {
		t.Errorf("可用分支应该被替换为空，实际: %v", state.Navigation.AvailableBranches)
	}
}

// TestSubscribeReceivesUpdates 测试状态变更推送给订阅者
func TestSubscribeReceivesUpdates(t *testing.T) {
	svc, storyID := newComposeFixture(t)
	ctx := context.Background()

	updates, unsubscribe := svc.Subscribe(storyID)
	defer unsubscribe()

	if _, err := svc.InitializeCompose(ctx, storyID, 1); err != nil {
		t.Fatalf("初始化章节创作失败: %v", err)
	}
	if _, err := svc.AddOutlineItem(ctx, storyID, "开场", "", models.OriginUser); err != nil {
		t.Fatalf("添加大纲条目失败: %v", err)
	}

	expected := []string{"compose_initialized", "outline_item_added"}
	for _, event := range expected {
		select {
		case update := <-updates:
			if update.Event != event {
				t.Errorf("事件顺序不正确，期望: %s，实际: %s", event, update.Event)
			}
			if update.StoryID != storyID {
				t.Errorf("事件的故事ID不正确: %s", update.StoryID)
			}
			if update.State == nil {
				t.Error("事件应该携带状态快照")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("等待事件 %s 超时", event)
		}
	}

	// 退订是幂等的，重复调用不会panic
	unsubscribe()
	unsubscribe()
}

// TestSubscribeAfterClose 测试服务关闭后的订阅行为
func TestSubscribeAfterClose(t *testing.T) {
	svc, storyID := newComposeFixture(t)

	svc.Close()
	// 幂等关闭
	svc.Close()

	updates, unsubscribe := svc.Subscribe(storyID)
	defer unsubscribe()

	select {
	case _, ok := <-updates:
		if ok {
			t.Error("关闭后的订阅通道不应该还有数据")
		}
	case <-time.After(time.Second):
		t.Error("关闭后的订阅通道应该立即返回")
	}
}

// TestPhaseTransitionRules 测试阶段切换校验规则
func TestPhaseTransitionRules(t *testing.T) {
	longDraft := strings.Repeat("雪", 500)
	shortDraft := strings.Repeat("雪", 499)

	tests := []struct {
		name     string
		state    *models.ChapterComposeState
		target   models.ComposePhase
		problems int
		contains string
	}{
		{
			name: "空大纲两项都缺",
			state: &models.ChapterComposeState{
				CurrentPhase: models.PhasePlotOutline,
			},
			target:   models.PhaseChapterDetail,
			problems: 2,
		},
		{
			name: "有条目缺梗概",
			state: &models.ChapterComposeState{
				CurrentPhase: models.PhasePlotOutline,
				Phases: models.ComposePhases{
					PlotOutline: models.PlotOutlinePhase{
						OutlineItems: []models.OutlineItem{{ID: "outline_1", Title: "开场"}},
					},
				},
			},
			target:   models.PhaseChapterDetail,
			problems: 1,
			contains: "summary is empty",
		},
		{
			name: "空草稿同时报空与字数",
			state: &models.ChapterComposeState{
				CurrentPhase: models.PhaseChapterDetail,
			},
			target:   models.PhaseFinalEdit,
			problems: 2,
			contains: "draft is empty",
		},
		{
			name: "差一个字也不放行",
			state: &models.ChapterComposeState{
				CurrentPhase: models.PhaseChapterDetail,
				Phases: models.ComposePhases{
					ChapterDetail: models.ChapterDetailPhase{
						Draft: models.ChapterDraft{Content: shortDraft, WordCount: 499},
					},
				},
			},
			target:   models.PhaseFinalEdit,
			problems: 1,
			contains: "499 words",
		},
		{
			name: "达标草稿放行",
			state: &models.ChapterComposeState{
				CurrentPhase: models.PhaseChapterDetail,
				Phases: models.ComposePhases{
					ChapterDetail: models.ChapterDetailPhase{
						Draft: models.ChapterDraft{Content: longDraft, WordCount: 500},
					},
				},
			},
			target:   models.PhaseFinalEdit,
			problems: 0,
		},
		{
			name: "跳阶段直接拒绝",
			state: &models.ChapterComposeState{
				CurrentPhase: models.PhasePlotOutline,
			},
			target:   models.PhaseFinalEdit,
			problems: 1,
			contains: "cannot transition",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problems := validatePhaseTransition(tt.state, tt.target)
			if len(problems) != tt.problems {
				t.Fatalf("问题数不正确，期望: %d，实际: %v", tt.problems, problems)
			}
			if tt.contains != "" && !strings.Contains(strings.Join(problems, "; "), tt.contains) {
				t.Errorf("问题列表应该包含 %q，实际: %v", tt.contains, problems)
			}
		})
	}
}

// TestNormalizeComposeStateRepairs 测试反序列化后的状态整形
func TestNormalizeComposeStateRepairs(t *testing.T) {
	// 非法阶段回落到大纲阶段，缺失的集合补齐
	state := &models.ChapterComposeState{
		StoryID:      "story_x",
		CurrentPhase: "空中楼阁",
	}
	normalizeComposeState(state)

	if state.CurrentPhase != models.PhasePlotOutline {
		t.Errorf("非法阶段应该回落到大纲阶段，实际: %s", state.CurrentPhase)
	}
	if state.Phases.PlotOutline.OutlineItems == nil {
		t.Error("大纲条目集合应该被补齐")
	}
	if state.Phases.ChapterDetail.Draft.Versions == nil {
		t.Error("草稿版本集合应该被补齐")
	}
	if state.Phases.FinalEdit.ReviewItems == nil {
		t.Error("润色建议集合应该被补齐")
	}
	if len(state.Navigation.PhaseHistory) != 1 || state.Navigation.PhaseHistory[0] != models.PhasePlotOutline {
		t.Errorf("历史栈应该补成当前阶段，实际: %v", state.Navigation.PhaseHistory)
	}
	if state.Metadata.SchemaVersion != models.ComposeSchemaVersion {
		t.Errorf("结构版本应该被补齐，实际: %d", state.Metadata.SchemaVersion)
	}

	// 历史栈与当前阶段不一致时以历史栈为准
	state = &models.ChapterComposeState{
		StoryID:      "story_x",
		CurrentPhase: models.PhaseFinalEdit,
		Navigation: models.ComposeNavigation{
			PhaseHistory: []models.ComposePhase{models.PhasePlotOutline, models.PhaseChapterDetail},
		},
	}
	normalizeComposeState(state)

	if state.CurrentPhase != models.PhaseChapterDetail {
		t.Errorf("当前阶段应该修正为历史栈顶，实际: %s", state.CurrentPhase)
	}
}
