// internal/services/export_service_test.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Corphon/ChapterForgeMCP/internal/config"
	apperrors "github.com/Corphon/ChapterForgeMCP/internal/errors"
	"github.com/Corphon/ChapterForgeMCP/internal/models"
	"github.com/Corphon/ChapterForgeMCP/internal/storage"
)

func newExportFixture(t *testing.T) (*ExportService, *StoryService) {
	t.Helper()

	t.Setenv("DATA_DIR", t.TempDir())
	t.Setenv("LOG_DIR", t.TempDir())
	if err := config.InitConfig(t.TempDir()); err != nil {
		t.Fatalf("初始化配置失败: %v", err)
	}

	fileStorage, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}
	locks := NewLockManager()
	t.Cleanup(locks.Stop)

	storySvc := NewStoryService(fileStorage, locks, nil)
	return NewExportService(storySvc), storySvc
}

// 凑一个定稿章节、角色表和创作中状态俱全的故事
func exportTestStory(t *testing.T, svc *StoryService) *models.Story {
	t.Helper()

	story, err := svc.CreateStory("雾都旧事", models.StoryConfig{
		Summary:       "少年出山寻亲",
		Worldbuilding: "北地常年积雪",
		Language:      "zh",
	})
	if err != nil {
		t.Fatalf("创建故事失败: %v", err)
	}

	loaded, err := svc.LoadStoryContent(story.ID)
	if err != nil {
		t.Fatalf("读取故事失败: %v", err)
	}
	loaded.Characters = map[string]models.Character{
		"char_zhao": {ID: "char_zhao", Name: "赵铁衣", Description: "北镇抚司百户|带刀"},
		"char_li":   {ID: "char_li", Name: "李慕白", Description: "游方郎中<隐世>"},
	}
	loaded.Chapters = []models.Chapter{
		{Number: 1, Title: "入城", Content: "主角入城。\n街面冷清。", WordCount: 1200, Summary: "主角抵达",
			CreatedAt: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)},
		{Number: 2, Title: "雨夜", Content: "雨下了整夜", WordCount: 800,
			CreatedAt: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)},
	}
	loaded.ChapterCompose = &models.ChapterComposeState{
		StoryID:       story.ID,
		ChapterNumber: 3,
		CurrentPhase:  models.PhaseChapterDetail,
		Phases: models.ComposePhases{
			PlotOutline: models.PlotOutlinePhase{
				OutlineItems: []models.OutlineItem{
					{ID: "o1", Title: "钟楼对峙", Description: "旧案线索现身", Status: models.OutlineItemApproved, Order: 1},
					{ID: "o2", Title: "雪夜追逃", Status: models.OutlineItemDraft, Order: 2},
				},
				DraftSummary: "第三章主线",
			},
			ChapterDetail: models.ChapterDetailPhase{
				Draft: models.ChapterDraft{
					Content:   "草稿正文",
					WordCount: 400,
					Versions:  []models.DraftVersion{{ID: "version_1"}},
				},
			},
			FinalEdit: models.FinalEditPhase{
				ReviewItems: []models.ReviewItem{
					{ID: "r1", Suggestion: "开头收紧", Status: models.ReviewItemPending},
					{ID: "r2", Suggestion: "结尾加一拍", Status: models.ReviewItemAccepted},
				},
			},
		},
	}
	if err := svc.SaveStoryContent(loaded); err != nil {
		t.Fatalf("保存故事失败: %v", err)
	}
	return loaded
}

func TestExportStoryValidation(t *testing.T) {
	exportSvc, _ := newExportFixture(t)
	ctx := context.Background()

	if _, err := exportSvc.ExportStoryAsDocument(ctx, "", "json"); !apperrors.IsValidationError(err) {
		t.Errorf("空故事ID应该返回验证错误，实际: %v", err)
	}
	if _, err := exportSvc.ExportStoryAsDocument(ctx, "story_x", "docx"); !apperrors.IsValidationError(err) {
		t.Errorf("不支持的格式应该返回验证错误，实际: %v", err)
	}
	if _, err := exportSvc.ExportStoryAsDocument(ctx, "story_missing", "json"); !errors.Is(err, ErrStoryNotFound) {
		t.Errorf("不存在的故事应该返回ErrStoryNotFound，实际: %v", err)
	}
}

func TestExportFormatAliases(t *testing.T) {
	exportSvc, storySvc := newExportFixture(t)
	story := exportTestStory(t, storySvc)
	ctx := context.Background()

	cases := []struct {
		input string
		want  string
	}{
		{"text", "txt"},
		{"md", "markdown"},
		{"", "json"},
		{"JSON", "json"},
		{"  html  ", "html"},
	}
	for _, tc := range cases {
		result, err := exportSvc.ExportStoryAsDocument(ctx, story.ID, tc.input)
		if err != nil {
			t.Fatalf("导出格式 %q 失败: %v", tc.input, err)
		}
		if result.Format != tc.want {
			t.Errorf("格式 %q 应归一化为 %q, 实际 %q", tc.input, tc.want, result.Format)
		}
		if result.Content == "" {
			t.Errorf("格式 %q 的导出内容为空", tc.input)
		}
	}
}

func TestExportStoryAsJSON(t *testing.T) {
	exportSvc, storySvc := newExportFixture(t)
	story := exportTestStory(t, storySvc)

	result, err := exportSvc.ExportStoryAsDocument(context.Background(), story.ID, "json")
	if err != nil {
		t.Fatalf("JSON导出失败: %v", err)
	}
	if result.StoryID != story.ID || result.Title != "雾都旧事" {
		t.Errorf("导出结果元信息不符: %+v", result)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(result.Content), &doc); err != nil {
		t.Fatalf("导出内容不是合法JSON: %v", err)
	}

	info, ok := doc["story_info"].(map[string]interface{})
	if !ok || info["title"] != "雾都旧事" {
		t.Errorf("story_info不符: %v", doc["story_info"])
	}

	characters, ok := doc["characters"].([]interface{})
	if !ok || len(characters) != 2 {
		t.Fatalf("角色数组不符: %v", doc["characters"])
	}
	// 角色按名字排序，导出结果稳定
	first, _ := characters[0].(map[string]interface{})
	if first["name"] != "李慕白" {
		t.Errorf("角色应按名称排序: %v", first["name"])
	}

	chapters, ok := doc["chapters"].([]interface{})
	if !ok || len(chapters) != 2 {
		t.Fatalf("章节数组不符: %v", doc["chapters"])
	}

	stats, ok := doc["statistics"].(map[string]interface{})
	if !ok || stats["total_word_count"] != float64(2400) {
		t.Errorf("统计数据不符: %v", doc["statistics"])
	}

	composeState, ok := doc["compose_state"].(map[string]interface{})
	if !ok || composeState["chapter_number"] != float64(3) {
		t.Errorf("创作状态快照不符: %v", doc["compose_state"])
	}

	// 成功落盘时返回路径与大小
	if result.FilePath == "" || !strings.HasSuffix(result.FilePath, ".json") {
		t.Errorf("导出文件路径不对: %s", result.FilePath)
	}
	if result.FileSize <= 0 {
		t.Errorf("导出文件大小应大于0: %d", result.FileSize)
	}
	if _, err := os.Stat(result.FilePath); err != nil {
		t.Errorf("导出文件未落盘: %v", err)
	}
}

func TestExportStoryAsMarkdown(t *testing.T) {
	exportSvc, storySvc := newExportFixture(t)
	story := exportTestStory(t, storySvc)

	result, err := exportSvc.ExportStoryAsDocument(context.Background(), story.ID, "markdown")
	if err != nil {
		t.Fatalf("Markdown导出失败: %v", err)
	}
	content := result.Content

	wantFragments := []string{
		"# 雾都旧事",
		"- **已定稿章节**: 2 章",
		"- **总字数**: 2400 字",
		"- **登场角色**: 2 位",
		"- **创作中章节阶段**: 章节正文",
		"| 李慕白 | 游方郎中<隐世> |",
		"### 入城",
		"> 主角抵达",
		"## ✍️ 创作中: 第3章",
		"[x] **钟楼对峙**",
		"[ ] **雪夜追逃**",
		"### 草稿（400字，1个版本）",
		"### 修改建议（2条，1条待处理）",
		"待处理",
		"已采纳",
	}
	for _, fragment := range wantFragments {
		if !strings.Contains(content, fragment) {
			t.Errorf("Markdown导出缺少片段 %q", fragment)
		}
	}

	// 表格单元格里的竖线要转义
	if !strings.Contains(content, "北镇抚司百户\\|带刀") {
		t.Error("表格单元格的竖线未转义")
	}
	if !strings.HasSuffix(result.FilePath, ".md") {
		t.Errorf("Markdown导出文件后缀应为.md: %s", result.FilePath)
	}
}

func TestExportStoryAsText(t *testing.T) {
	exportSvc, storySvc := newExportFixture(t)
	story := exportTestStory(t, storySvc)

	result, err := exportSvc.ExportStoryAsDocument(context.Background(), story.ID, "txt")
	if err != nil {
		t.Fatalf("文本导出失败: %v", err)
	}
	content := result.Content

	wantFragments := []string{
		"    雾都旧事",
		"已定稿章节: 2 章",
		"总字数: 2400 字",
		"李慕白: 游方郎中<隐世>",
		"    入城",
		"雨下了整夜",
		"创作中: 第3章（章节正文）",
		"1. 钟楼对峙 - 旧案线索现身",
		"本章梗概: 第三章主线",
		"草稿正文",
	}
	for _, fragment := range wantFragments {
		if !strings.Contains(content, fragment) {
			t.Errorf("文本导出缺少片段 %q", fragment)
		}
	}
}

func TestExportStoryAsHTML(t *testing.T) {
	exportSvc, storySvc := newExportFixture(t)
	story := exportTestStory(t, storySvc)

	result, err := exportSvc.ExportStoryAsDocument(context.Background(), story.ID, "html")
	if err != nil {
		t.Fatalf("HTML导出失败: %v", err)
	}
	content := result.Content

	// 用户文本要经过HTML转义
	if !strings.Contains(content, "游方郎中&lt;隐世&gt;") {
		t.Error("角色描述未做HTML转义")
	}
	if strings.Contains(content, "游方郎中<隐世>") {
		t.Error("HTML导出泄露了未转义的用户文本")
	}

	// 正文按空行拆段
	if !strings.Contains(content, "<p>主角入城。</p>") || !strings.Contains(content, "<p>街面冷清。</p>") {
		t.Error("章节正文未按行拆分为段落")
	}

	wantFragments := []string{
		"<h3>入城</h3>",
		`<div class="stat-number">2400</div>`,
		"第3章",
		"章节正文",
	}
	for _, fragment := range wantFragments {
		if !strings.Contains(content, fragment) {
			t.Errorf("HTML导出缺少片段 %q", fragment)
		}
	}
	if !strings.HasSuffix(result.FilePath, ".html") {
		t.Errorf("HTML导出文件后缀应为.html: %s", result.FilePath)
	}
}

func TestAnalyzeStoryStatistics(t *testing.T) {
	exportSvc, storySvc := newExportFixture(t)
	story := exportTestStory(t, storySvc)

	stats := exportSvc.analyzeStoryStatistics(story)
	if stats.ChapterCount != 2 || stats.CharacterCount != 2 {
		t.Errorf("章节或角色计数不符: %+v", stats)
	}
	// 定稿章节加创作中草稿
	if stats.TotalWordCount != 2400 {
		t.Errorf("总字数应为2400, 实际 %d", stats.TotalWordCount)
	}
	if stats.CurrentPhase != string(models.PhaseChapterDetail) {
		t.Errorf("当前阶段不符: %s", stats.CurrentPhase)
	}
	if stats.OutlineItemCount != 2 || stats.ReviewItemCount != 2 {
		t.Errorf("大纲或建议计数不符: %+v", stats)
	}
	want := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	if !stats.FirstChapterAt.Equal(want) {
		t.Errorf("首章时间应取最早的章节: %v", stats.FirstChapterAt)
	}
}
