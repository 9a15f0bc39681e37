// internal/services/export_service.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Corphon/ChapterForgeMCP/internal/config"
	apperrors "github.com/Corphon/ChapterForgeMCP/internal/errors"
	"github.com/Corphon/ChapterForgeMCP/internal/models"
	"github.com/Corphon/ChapterForgeMCP/internal/utils"
)

// ExportService 把单个故事渲染成可下载的文档
// 全量备份走StoryService.ExportAll，这里只管阅读用的成品文档
type ExportService struct {
	Story *StoryService
}

// NewExportService 创建导出服务实例
func NewExportService(storyService *StoryService) *ExportService {
	return &ExportService{
		Story: storyService,
	}
}

var supportedExportFormats = []string{"json", "markdown", "txt", "html"}

// ExportStoryAsDocument 把故事导出为指定格式的文档并落盘到导出目录
func (s *ExportService) ExportStoryAsDocument(ctx context.Context, storyID string, format string) (*models.ExportResult, error) {
	if storyID == "" {
		return nil, apperrors.NewValidationError("故事ID不能为空", nil)
	}

	format = normalizeExportFormat(format)
	if !containsString(supportedExportFormats, format) {
		return nil, apperrors.NewValidationError(
			fmt.Sprintf("不支持的导出格式: %s，支持的格式: %v", format, supportedExportFormats), nil)
	}

	story, err := s.Story.LoadStoryContent(storyID)
	if err != nil {
		return nil, err
	}

	stats := s.analyzeStoryStatistics(story)

	content, err := s.formatStoryExportContent(story, stats, format)
	if err != nil {
		return nil, apperrors.NewProcessingError("渲染导出文档失败", err)
	}

	result := &models.ExportResult{
		StoryID:     story.ID,
		Title:       story.Title,
		Format:      format,
		Content:     content,
		GeneratedAt: time.Now(),
		Stats:       stats,
	}

	filePath, fileSize, err := s.saveExportToDataDir(result)
	if err != nil {
		// 落盘失败不影响内容返回，调用方仍可直接下载
		utils.GetLogger().Warn("导出文档落盘失败", map[string]interface{}{
			"story_id": storyID,
			"format":   format,
			"error":    err.Error(),
		})
	} else {
		result.FilePath = filePath
		result.FileSize = fileSize
	}

	utils.GetLogger().Info("故事文档导出完成", map[string]interface{}{
		"story_id": storyID,
		"format":   format,
		"chapters": stats.ChapterCount,
		"words":    stats.TotalWordCount,
	})

	return result, nil
}

// analyzeStoryStatistics 汇总文档附带的统计数据
func (s *ExportService) analyzeStoryStatistics(story *models.Story) *models.StoryExportStats {
	stats := &models.StoryExportStats{
		ChapterCount:   len(story.Chapters),
		CharacterCount: len(story.Characters),
		LastUpdatedAt:  story.UpdatedAt,
	}

	for _, chapter := range story.Chapters {
		stats.TotalWordCount += chapter.WordCount
		if stats.FirstChapterAt.IsZero() || chapter.CreatedAt.Before(stats.FirstChapterAt) {
			stats.FirstChapterAt = chapter.CreatedAt
		}
	}

	if compose := story.ChapterCompose; compose != nil {
		stats.CurrentPhase = string(compose.CurrentPhase)
		stats.OutlineItemCount = len(compose.Phases.PlotOutline.OutlineItems)
		stats.ReviewItemCount = len(compose.Phases.FinalEdit.ReviewItems)
		// 创作中的草稿字数也计入总量
		stats.TotalWordCount += compose.Phases.ChapterDetail.Draft.WordCount
	}

	return stats
}

func (s *ExportService) formatStoryExportContent(
	story *models.Story,
	stats *models.StoryExportStats,
	format string) (string, error) {

	switch format {
	case "json":
		return s.formatStoryAsJSON(story, stats)
	case "markdown":
		return s.formatStoryAsMarkdown(story, stats)
	case "txt":
		return s.formatStoryAsText(story, stats)
	case "html":
		return s.formatStoryAsHTML(story, stats)
	default:
		return "", fmt.Errorf("不支持的格式: %s", format)
	}
}

// formatStoryAsJSON JSON格式导出故事
func (s *ExportService) formatStoryAsJSON(story *models.Story, stats *models.StoryExportStats) (string, error) {
	if story == nil {
		return "", fmt.Errorf("故事数据不能为空")
	}

	chapters := make([]map[string]interface{}, 0, len(story.Chapters))
	for _, chapter := range story.Chapters {
		chapters = append(chapters, map[string]interface{}{
			"number":     chapter.Number,
			"title":      chapter.Title,
			"summary":    chapter.Summary,
			"word_count": chapter.WordCount,
			"content":    chapter.Content,
			"created_at": chapter.CreatedAt,
		})
	}

	characters := make([]map[string]interface{}, 0, len(story.Characters))
	for _, character := range sortedCharacters(story) {
		characters = append(characters, map[string]interface{}{
			"name":        character.Name,
			"description": character.Description,
			"background":  character.Background,
			"traits":      character.Traits,
			"voice_notes": character.VoiceNotes,
		})
	}

	exportData := map[string]interface{}{
		"story_info": map[string]interface{}{
			"id":         story.ID,
			"title":      story.Title,
			"language":   story.Config.Language,
			"created_at": story.CreatedAt,
			"updated_at": story.UpdatedAt,
		},
		"worldbuilding": story.Config.Worldbuilding,
		"summary":       story.Config.Summary,
		"characters":    characters,
		"chapters":      chapters,
		"statistics":    stats,
		"export_info": map[string]interface{}{
			"generated_at": time.Now(),
			"format":       "json",
			"export_type":  "story_document",
			"version":      "1.0",
		},
	}

	if compose := story.ChapterCompose; compose != nil {
		exportData["compose_state"] = map[string]interface{}{
			"chapter_number": compose.ChapterNumber,
			"current_phase":  compose.CurrentPhase,
			"progress":       compose.OverallProgress,
			"outline_items":  compose.Phases.PlotOutline.OutlineItems,
			"draft_summary":  compose.Phases.PlotOutline.DraftSummary,
			"draft_words":    compose.Phases.ChapterDetail.Draft.WordCount,
			"review_items":   compose.Phases.FinalEdit.ReviewItems,
		}
	}

	jsonData, err := json.MarshalIndent(exportData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("JSON序列化失败: %w", err)
	}

	return string(jsonData), nil
}

// formatStoryAsMarkdown Markdown格式导出故事
func (s *ExportService) formatStoryAsMarkdown(story *models.Story, stats *models.StoryExportStats) (string, error) {
	if story == nil {
		return "", fmt.Errorf("故事数据不能为空")
	}

	var content strings.Builder

	content.WriteString(fmt.Sprintf("# %s\n\n", story.Title))

	// 统计概览
	content.WriteString("## 📊 作品统计\n\n")
	content.WriteString(fmt.Sprintf("- **已定稿章节**: %d 章\n", stats.ChapterCount))
	content.WriteString(fmt.Sprintf("- **总字数**: %d 字\n", stats.TotalWordCount))
	content.WriteString(fmt.Sprintf("- **登场角色**: %d 位\n", stats.CharacterCount))
	if stats.CurrentPhase != "" {
		content.WriteString(fmt.Sprintf("- **创作中章节阶段**: %s\n", phaseDisplayName(stats.CurrentPhase)))
	}
	if !stats.FirstChapterAt.IsZero() {
		content.WriteString(fmt.Sprintf("- **首章完成时间**: %s\n", stats.FirstChapterAt.Format("2006-01-02 15:04")))
	}
	content.WriteString(fmt.Sprintf("- **最后更新**: %s\n", stats.LastUpdatedAt.Format("2006-01-02 15:04")))
	content.WriteString("\n")

	// 作品设定
	if story.Config.Summary != "" || story.Config.Worldbuilding != "" {
		content.WriteString("## 🌍 作品设定\n\n")
		if story.Config.Summary != "" {
			content.WriteString("### 故事梗概\n\n")
			content.WriteString(story.Config.Summary + "\n\n")
		}
		if story.Config.Worldbuilding != "" {
			content.WriteString("### 世界观\n\n")
			content.WriteString(story.Config.Worldbuilding + "\n\n")
		}
	}

	// 角色表
	if len(story.Characters) > 0 {
		content.WriteString("## 👥 角色\n\n")
		content.WriteString("| 角色 | 简介 |\n")
		content.WriteString("|------|------|\n")
		for _, character := range sortedCharacters(story) {
			content.WriteString(fmt.Sprintf("| %s | %s |\n",
				character.Name, markdownCell(character.Description)))
		}
		content.WriteString("\n")
	}

	// 正文
	if len(story.Chapters) > 0 {
		content.WriteString("## 📖 正文\n\n")
		for _, chapter := range story.Chapters {
			title := chapter.Title
			if title == "" {
				title = fmt.Sprintf("第%d章", chapter.Number)
			}
			content.WriteString(fmt.Sprintf("### %s\n\n", title))
			if chapter.Summary != "" {
				content.WriteString(fmt.Sprintf("> %s\n\n", chapter.Summary))
			}
			content.WriteString(chapter.Content + "\n\n")
		}
	}

	// 创作中章节快照
	if compose := story.ChapterCompose; compose != nil {
		content.WriteString(fmt.Sprintf("## ✍️ 创作中: 第%d章\n\n", compose.ChapterNumber))
		content.WriteString(fmt.Sprintf("- **当前阶段**: %s\n", phaseDisplayName(string(compose.CurrentPhase))))
		content.WriteString(fmt.Sprintf("- **阶段进度**: 大纲 %d%% / 正文 %d%% / 润色 %d%%\n",
			compose.OverallProgress.PlotOutline,
			compose.OverallProgress.ChapterDetail,
			compose.OverallProgress.FinalEdit))
		content.WriteString("\n")

		outline := compose.Phases.PlotOutline
		if len(outline.OutlineItems) > 0 {
			content.WriteString("### 情节大纲\n\n")
			for i, item := range outline.OutlineItems {
				marker := " "
				if item.Status == models.OutlineItemApproved {
					marker = "x"
				}
				content.WriteString(fmt.Sprintf("%d. [%s] **%s** %s\n", i+1, marker, item.Title, markdownCell(item.Description)))
			}
			content.WriteString("\n")
		}
		if outline.DraftSummary != "" {
			content.WriteString("### 本章梗概\n\n")
			content.WriteString(outline.DraftSummary + "\n\n")
		}

		draft := compose.Phases.ChapterDetail.Draft
		if draft.Content != "" {
			content.WriteString(fmt.Sprintf("### 草稿（%d字，%d个版本）\n\n", draft.WordCount, len(draft.Versions)))
			content.WriteString(draft.Content + "\n\n")
		}

		finalEdit := compose.Phases.FinalEdit
		if len(finalEdit.ReviewItems) > 0 {
			pending := 0
			for _, item := range finalEdit.ReviewItems {
				if item.Status == models.ReviewItemPending {
					pending++
				}
			}
			content.WriteString(fmt.Sprintf("### 修改建议（%d条，%d条待处理）\n\n", len(finalEdit.ReviewItems), pending))
			for i, item := range finalEdit.ReviewItems {
				content.WriteString(fmt.Sprintf("%d. **%s** — %s\n", i+1, reviewStatusDisplayName(item.Status), markdownCell(item.Suggestion)))
			}
			content.WriteString("\n")
		}
	}

	// 导出信息
	content.WriteString("## 📄 导出信息\n\n")
	content.WriteString(fmt.Sprintf("- **导出时间**: %s\n", time.Now().Format("2006-01-02 15:04:05")))
	content.WriteString("- **导出格式**: Markdown\n")
	content.WriteString("- **导出类型**: 故事文档\n")
	content.WriteString("- **数据来源**: ChapterForgeMCP 故事服务\n")
	content.WriteString("- **版本**: v1.0\n")

	return content.String(), nil
}

// formatStoryAsText 纯文本格式导出故事
func (s *ExportService) formatStoryAsText(story *models.Story, stats *models.StoryExportStats) (string, error) {
	if story == nil {
		return "", fmt.Errorf("故事数据不能为空")
	}

	var content strings.Builder

	content.WriteString(strings.Repeat("=", 60) + "\n")
	content.WriteString(fmt.Sprintf("    %s\n", story.Title))
	content.WriteString(strings.Repeat("=", 60) + "\n\n")

	content.WriteString("作品统计\n")
	content.WriteString(strings.Repeat("-", 30) + "\n")
	content.WriteString(fmt.Sprintf("已定稿章节: %d 章\n", stats.ChapterCount))
	content.WriteString(fmt.Sprintf("总字数: %d 字\n", stats.TotalWordCount))
	content.WriteString(fmt.Sprintf("登场角色: %d 位\n", stats.CharacterCount))
	if stats.CurrentPhase != "" {
		content.WriteString(fmt.Sprintf("创作中章节阶段: %s\n", phaseDisplayName(stats.CurrentPhase)))
	}
	content.WriteString(fmt.Sprintf("最后更新: %s\n", stats.LastUpdatedAt.Format("2006-01-02 15:04")))
	content.WriteString("\n")

	if story.Config.Summary != "" {
		content.WriteString("故事梗概\n")
		content.WriteString(strings.Repeat("-", 30) + "\n")
		content.WriteString(story.Config.Summary + "\n\n")
	}

	if len(story.Characters) > 0 {
		content.WriteString("角色\n")
		content.WriteString(strings.Repeat("-", 30) + "\n")
		for _, character := range sortedCharacters(story) {
			content.WriteString(fmt.Sprintf("%s: %s\n", character.Name, character.Description))
		}
		content.WriteString("\n")
	}

	for _, chapter := range story.Chapters {
		title := chapter.Title
		if title == "" {
			title = fmt.Sprintf("第%d章", chapter.Number)
		}
		content.WriteString(strings.Repeat("=", 60) + "\n")
		content.WriteString(fmt.Sprintf("    %s\n", title))
		content.WriteString(strings.Repeat("=", 60) + "\n\n")
		content.WriteString(chapter.Content + "\n\n")
	}

	if compose := story.ChapterCompose; compose != nil {
		content.WriteString(strings.Repeat("=", 60) + "\n")
		content.WriteString(fmt.Sprintf("    创作中: 第%d章（%s）\n", compose.ChapterNumber, phaseDisplayName(string(compose.CurrentPhase))))
		content.WriteString(strings.Repeat("=", 60) + "\n\n")

		outline := compose.Phases.PlotOutline
		for i, item := range outline.OutlineItems {
			content.WriteString(fmt.Sprintf("%d. %s - %s\n", i+1, item.Title, item.Description))
		}
		if len(outline.OutlineItems) > 0 {
			content.WriteString("\n")
		}
		if outline.DraftSummary != "" {
			content.WriteString("本章梗概: " + outline.DraftSummary + "\n\n")
		}
		if draft := compose.Phases.ChapterDetail.Draft; draft.Content != "" {
			content.WriteString(draft.Content + "\n\n")
		}
	}

	content.WriteString(strings.Repeat("-", 60) + "\n")
	content.WriteString(fmt.Sprintf("导出时间: %s | 数据来源: ChapterForgeMCP\n", time.Now().Format("2006-01-02 15:04:05")))

	return content.String(), nil
}

// formatStoryAsHTML HTML格式导出故事
func (s *ExportService) formatStoryAsHTML(story *models.Story, stats *models.StoryExportStats) (string, error) {
	if story == nil {
		return "", fmt.Errorf("故事数据不能为空")
	}

	var content strings.Builder

	content.WriteString(`<!DOCTYPE html>
<html lang="zh-CN">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>`)
	content.WriteString(html.EscapeString(story.Title) + " - 故事文档")
	content.WriteString(`</title>
    <style>
        body {
            font-family: 'Microsoft YaHei', Arial, sans-serif;
            margin: 20px;
            line-height: 1.8;
            color: #333;
            background-color: #f5f5f5;
        }
        .container {
            max-width: 900px;
            margin: 0 auto;
            background: white;
            padding: 30px;
            border-radius: 10px;
            box-shadow: 0 2px 10px rgba(0,0,0,0.1);
        }
        .header {
            text-align: center;
            background: linear-gradient(135deg, #667eea 0%, #764ba2 100%);
            color: white;
            padding: 30px;
            margin: -30px -30px 30px -30px;
            border-radius: 10px 10px 0 0;
        }
        .header h1 { margin: 0; font-size: 2.5em; }
        .section { margin-bottom: 30px; }
        .section h2 {
            color: #2c3e50;
            border-bottom: 2px solid #3498db;
            padding-bottom: 10px;
        }
        .stats-grid {
            display: grid;
            grid-template-columns: repeat(auto-fit, minmax(160px, 1fr));
            gap: 15px;
            margin: 20px 0;
        }
        .stat-card {
            background: #f8f9fa;
            padding: 15px;
            text-align: center;
            border-radius: 8px;
            border: 1px solid #dee2e6;
        }
        .stat-number { font-size: 2em; font-weight: bold; color: #3498db; }
        .stat-label { color: #6c757d; font-size: 0.9em; }
        .character-card {
            background: #f8f9fa;
            padding: 15px 20px;
            margin: 10px 0;
            border-radius: 8px;
            border-left: 4px solid #3498db;
        }
        .chapter {
            margin: 30px 0;
        }
        .chapter h3 {
            color: #2c3e50;
            text-align: center;
        }
        .chapter-summary {
            color: #6c757d;
            font-style: italic;
            text-align: center;
            margin-bottom: 20px;
        }
        .chapter-body p { text-indent: 2em; margin: 0.8em 0; }
        .compose-section {
            background: #fdf6ec;
            padding: 20px;
            border-radius: 8px;
            border-left: 4px solid #f39c12;
        }
        .footer {
            color: #6c757d;
            font-size: 0.85em;
            text-align: center;
            border-top: 1px solid #dee2e6;
            padding-top: 15px;
        }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>`)
	content.WriteString(html.EscapeString(story.Title))
	content.WriteString(`</h1>
        </div>
`)

	// 统计卡片
	content.WriteString(`        <div class="section">
            <div class="stats-grid">
`)
	statCards := []struct {
		number string
		label  string
	}{
		{fmt.Sprintf("%d", stats.ChapterCount), "已定稿章节"},
		{fmt.Sprintf("%d", stats.TotalWordCount), "总字数"},
		{fmt.Sprintf("%d", stats.CharacterCount), "登场角色"},
	}
	for _, card := range statCards {
		content.WriteString(fmt.Sprintf(`                <div class="stat-card">
                    <div class="stat-number">%s</div>
                    <div class="stat-label">%s</div>
                </div>
`, card.number, card.label))
	}
	content.WriteString(`            </div>
        </div>
`)

	// 作品设定
	if story.Config.Summary != "" {
		content.WriteString(`        <div class="section">
            <h2>故事梗概</h2>
`)
		content.WriteString("            <p>" + html.EscapeString(story.Config.Summary) + "</p>\n")
		content.WriteString("        </div>\n")
	}

	// 角色
	if len(story.Characters) > 0 {
		content.WriteString(`        <div class="section">
            <h2>角色</h2>
`)
		for _, character := range sortedCharacters(story) {
			content.WriteString(fmt.Sprintf(`            <div class="character-card">
                <strong>%s</strong>
                <p>%s</p>
            </div>
`, html.EscapeString(character.Name), html.EscapeString(character.Description)))
		}
		content.WriteString("        </div>\n")
	}

	// 正文
	if len(story.Chapters) > 0 {
		content.WriteString(`        <div class="section">
            <h2>正文</h2>
`)
		for _, chapter := range story.Chapters {
			title := chapter.Title
			if title == "" {
				title = fmt.Sprintf("第%d章", chapter.Number)
			}
			content.WriteString(`            <div class="chapter">
`)
			content.WriteString("                <h3>" + html.EscapeString(title) + "</h3>\n")
			if chapter.Summary != "" {
				content.WriteString(`                <div class="chapter-summary">` + html.EscapeString(chapter.Summary) + "</div>\n")
			}
			content.WriteString(`                <div class="chapter-body">
`)
			for _, paragraph := range splitParagraphs(chapter.Content) {
				content.WriteString("                    <p>" + html.EscapeString(paragraph) + "</p>\n")
			}
			content.WriteString(`                </div>
            </div>
`)
		}
		content.WriteString("        </div>\n")
	}

	// 创作中章节
	if compose := story.ChapterCompose; compose != nil {
		content.WriteString(`        <div class="section">
            <h2>创作中章节</h2>
            <div class="compose-section">
`)
		content.WriteString(fmt.Sprintf("                <p><strong>第%d章</strong>，当前阶段：%s</p>\n",
			compose.ChapterNumber, phaseDisplayName(string(compose.CurrentPhase))))
		content.WriteString(fmt.Sprintf("                <p>大纲 %d%% · 正文 %d%% · 润色 %d%%</p>\n",
			compose.OverallProgress.PlotOutline,
			compose.OverallProgress.ChapterDetail,
			compose.OverallProgress.FinalEdit))
		if draft := compose.Phases.ChapterDetail.Draft; draft.WordCount > 0 {
			content.WriteString(fmt.Sprintf("                <p>草稿 %d 字，%d 个版本</p>\n", draft.WordCount, len(draft.Versions)))
		}
		content.WriteString(`            </div>
        </div>
`)
	}

	// 页脚
	content.WriteString(`        <div class="footer">
`)
	content.WriteString(fmt.Sprintf("            导出时间: %s · ChapterForgeMCP 故事服务 · v1.0\n", time.Now().Format("2006-01-02 15:04:05")))
	content.WriteString(`        </div>
    </div>
</body>
</html>`)

	return content.String(), nil
}

// saveExportToDataDir 把渲染结果写入导出目录，返回路径与大小
func (s *ExportService) saveExportToDataDir(result *models.ExportResult) (string, int64, error) {
	exportDir := filepath.Join(config.GetCurrentConfig().DataDir, "exports", "stories")
	if err := os.MkdirAll(exportDir, 0755); err != nil {
		return "", 0, fmt.Errorf("创建导出目录失败: %w", err)
	}

	timestamp := result.GeneratedAt.Format("20060102_150405")
	fileName := fmt.Sprintf("%s_story_document_%s.%s",
		result.StoryID, timestamp, exportFileExtension(result.Format))

	filePath := filepath.Join(exportDir, fileName)

	if err := os.WriteFile(filePath, []byte(result.Content), 0644); err != nil {
		return "", 0, fmt.Errorf("写入导出文件失败: %w", err)
	}

	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return "", 0, fmt.Errorf("获取文件信息失败: %w", err)
	}

	return filePath, fileInfo.Size(), nil
}

// normalizeExportFormat 统一格式别名，text/txt视为同一种
func normalizeExportFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "text":
		return "txt"
	case "md":
		return "markdown"
	case "":
		return "json"
	default:
		return format
	}
}

func exportFileExtension(format string) string {
	switch format {
	case "markdown":
		return "md"
	default:
		return format
	}
}

// sortedCharacters 角色按名字排序，导出结果保持稳定
func sortedCharacters(story *models.Story) []models.Character {
	characters := make([]models.Character, 0, len(story.Characters))
	for _, character := range story.Characters {
		characters = append(characters, character)
	}
	sort.Slice(characters, func(i, j int) bool {
		return characters[i].Name < characters[j].Name
	})
	return characters
}

// markdownCell 压平换行并转义表格分隔符，避免撑破Markdown表格
func markdownCell(text string) string {
	text = strings.ReplaceAll(text, "\n", " ")
	text = strings.ReplaceAll(text, "|", "\\|")
	return text
}

func splitParagraphs(text string) []string {
	lines := strings.Split(text, "\n")
	paragraphs := make([]string, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" {
			paragraphs = append(paragraphs, line)
		}
	}
	return paragraphs
}

func phaseDisplayName(phase string) string {
	switch phase {
	case "plot_outline":
		return "情节大纲"
	case "chapter_detail":
		return "章节正文"
	case "final_edit":
		return "最终润色"
	default:
		return phase
	}
}

func reviewStatusDisplayName(status models.ReviewItemStatus) string {
	switch status {
	case models.ReviewItemPending:
		return "待处理"
	case models.ReviewItemAccepted:
		return "已采纳"
	case models.ReviewItemRejected:
		return "已拒绝"
	case models.ReviewItemModified:
		return "已改写采纳"
	default:
		return string(status)
	}
}

func containsString(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}
	return false
}
