// cmd/demo/main.go
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Corphon/ChapterForgeMCP/internal/app"
	"github.com/Corphon/ChapterForgeMCP/internal/config"
	"github.com/Corphon/ChapterForgeMCP/internal/di"
	"github.com/Corphon/ChapterForgeMCP/internal/models"
	"github.com/Corphon/ChapterForgeMCP/internal/services"
	"github.com/Corphon/ChapterForgeMCP/internal/utils"
)

func main() {
	fmt.Println("🚀 ChapterForgeMCP Console App")
	fmt.Println("=================================")

	// 选择语言
	selectLanguage()

	// 初始化配置
	baseConfig, err := config.Load()
	if err != nil {
		log.Printf("❌ 加载基础配置失败: %v", err)
		return
	}

	// 初始化日志系统
	logFile := fmt.Sprintf("logs/console_%s.log", time.Now().Format("2006-01-02"))
	if err := utils.InitLogger(logFile); err != nil {
		log.Printf("⚠️ 无法初始化结构化日志: %v", err)
		log.Println("继续运行...")
	} else {
		logger := utils.GetLogger()
		logger.Info("Console app starting", nil)
	}

	// 初始化环境
	initializeEnvironment(baseConfig)

	for {
		showMenu()
		choice := getUserInput(T("input_prompt"))

		switch choice {
		case "1", "llm", "ai":
			configureLLM()
		case "2", "stories":
			manageStories()
		case "3", "cast":
			manageCast()
		case "4", "compose":
			manageCompose()
		case "5", "threads":
			manageThreads()
		case "6", "generate", "gen":
			runGeneration()
		case "7", "export":
			exportStory()
		case "8", "config":
			viewConfig()
		case "9", "status", "stat":
			displayServiceStatus()
		case "10", "services":
			listServices()
		case "0", "quit", "exit":
			fmt.Println(T("goodbye"))
			return
		default:
			fmt.Println(T("invalid_choice"))
		}
		fmt.Println()
	}
}

// 显示菜单
func showMenu() {
	printBox("", fmt.Sprintf("%s\n  %s\n  %s\n  %s\n  %s\n  %s\n  %s\n  %s\n  %s\n  %s\n  %s\n  %s",
		T("menu_title"),
		T("menu_llm"),
		T("menu_stories"),
		T("menu_cast"),
		T("menu_compose"),
		T("menu_threads"),
		T("menu_generate"),
		T("menu_export"),
		T("menu_config"),
		T("menu_status"),
		T("menu_services"),
		T("menu_exit")))
}

// 获取用户输入
func getUserInput(prompt string) string {
	fmt.Print(prompt)
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	return scanner.Text()
}

// 获取用户输入 (带默认值)
func getUserInputWithDefault(prompt, defaultValue string) string {
	if defaultValue != "" {
		fmt.Printf("%s [默认: %s]: ", prompt, defaultValue)
	} else {
		fmt.Printf("%s: ", prompt)
	}
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Scan()
	input := strings.TrimSpace(scanner.Text())
	if input == "" {
		return defaultValue
	}
	return input
}

// 获取多行输入，单独一行 "." 结束。
// 章节正文和世界观设定经常超过一行，普通的单行输入不够用。
func getMultilineInput(prompt string) string {
	fmt.Println(prompt)
	fmt.Println("(输入内容，单独一行 \".\" 结束)")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "." {
			break
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// 1. 初始化项目环境
func initializeEnvironment(cfg *config.Config) {
	fmt.Println("🔧 正在初始化项目环境...")

	// 创建必要的目录
	dirs := []string{
		cfg.DataDir,
		cfg.LogDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Printf("❌ 创建目录失败 %s: %v", dir, err)
			fmt.Printf("❌ 创建目录失败: %s\n", dir)
			return
		}
	}

	// 初始化配置系统
	if err := config.InitConfig(cfg.DataDir); err != nil {
		log.Printf("❌ 初始化配置系统失败: %v", err)
		fmt.Printf("❌ 初始化配置系统失败: %v\n", err)
		return
	}

	// 初始化服务
	if err := app.InitServices(); err != nil {
		log.Printf("❌ 初始化服务失败: %v", err)
		fmt.Printf("❌ 初始化服务失败: %v\n", err)
		return
	}

	fmt.Println("✅ 项目环境初始化成功！")
	utils.GetLogger().Info("Environment initialized successfully", map[string]interface{}{
		"datadir": cfg.DataDir,
	})
}

// 2. 管理故事
func manageStories() {
	fmt.Println(T("story_manage"))
	container := di.GetContainer()
	storyService, _ := container.Get("story").(*services.StoryService)
	if storyService == nil {
		fmt.Println("❌ 故事服务未初始化")
		return
	}

	// 读取现有故事
	stories, err := storyService.ListStories()
	if err != nil {
		fmt.Printf("❌ 读取故事失败: %v\n", err)
		return
	}

	fmt.Printf("\n当前共有 %d 个故事:\n", len(stories))
	if len(stories) > 0 {
		for i, entry := range stories {
			phase := phaseLabel(entry.CurrentPhase)
			fmt.Printf("  %d) %s [%d章 / %d字] 阶段: %s\n", i+1, entry.Title, entry.ChapterCount, entry.WordCount, phase)
		}
	} else {
		fmt.Println("  (暂无故事)")
	}

	fmt.Println("\n故事操作:")
	fmt.Println("  c) 创建新故事")
	fmt.Println("  v) 查看故事详情")
	fmt.Println("  u) 更新故事设定")
	fmt.Println("  d) 删除故事")
	fmt.Println("  a) 导出全量存档 (所有故事打包为单个JSON)")
	fmt.Println("  q) 查看存储配额")
	fmt.Println("  b) 返回主菜单")
	fmt.Println()

	choice := getUserInput("请选择操作: ")

	switch strings.ToLower(choice) {
	case "c":
		title := getUserInput("故事标题: ")
		if title == "" {
			fmt.Println("❌ 故事标题不能为空")
			return
		}
		worldbuilding := getMultilineInput("世界观设定:")
		summary := getMultilineInput("故事梗概:")
		assistant := getUserInputWithDefault("写作助手提示词", "你是一位经验丰富的小说写作助手，擅长根据世界观和大纲撰写章节正文。")
		language := getUserInputWithDefault("语言 (zh/en，留空自动检测)", "")

		storyConfig := models.StoryConfig{
			SystemPrompts: models.SystemPrompts{Assistant: assistant},
			Worldbuilding: worldbuilding,
			Summary:       summary,
			Language:      language,
		}
		story, err := storyService.CreateStory(title, storyConfig)
		if err != nil {
			fmt.Printf("❌ 创建故事失败: %v\n", err)
		} else {
			fmt.Printf("✅ 故事创建成功！ID: %s\n", story.ID)
			fmt.Println("💡 提示: 在 '章节创作' 菜单中初始化章节即可开始三阶段创作")
		}
	case "v":
		index := pickStoryIndex(stories, "输入故事编号查看详情: ")
		if index < 0 {
			return
		}
		story, err := storyService.LoadStoryContent(stories[index].ID)
		if err != nil {
			fmt.Printf("❌ 读取故事失败: %v\n", err)
			return
		}

		fmt.Printf("\n=== 故事详情 ===\n")
		fmt.Printf("ID: %s\n", story.ID)
		fmt.Printf("标题: %s\n", story.Title)
		if story.Config.Language != "" {
			fmt.Printf("语言: %s\n", story.Config.Language)
		}
		fmt.Printf("世界观: %s\n", utils.Excerpt(story.Config.Worldbuilding, 80))
		fmt.Printf("梗概: %s\n", utils.Excerpt(story.Config.Summary, 80))
		fmt.Printf("角色数: %d\n", len(story.Characters))
		fmt.Printf("评审人数: %d\n", len(story.Raters))
		fmt.Printf("反馈数: %d\n", len(story.Feedback))
		fmt.Printf("创建时间: %s\n", story.CreatedAt.Format("2006-01-02 15:04:05"))
		fmt.Printf("更新时间: %s\n", story.UpdatedAt.Format("2006-01-02 15:04:05"))

		fmt.Printf("\n已定稿章节 (%d个):\n", len(story.Chapters))
		for _, chapter := range story.Chapters {
			fmt.Printf("  第%d章 %s [%d字]\n", chapter.Number, chapter.Title, chapter.WordCount)
		}
		if story.ChapterCompose != nil {
			fmt.Printf("\n创作中: 第%d章，当前阶段 %s\n",
				story.ChapterCompose.ChapterNumber, phaseLabel(story.ChapterCompose.CurrentPhase))
		} else {
			fmt.Println("\n创作中: (无)")
		}
	case "u":
		index := pickStoryIndex(stories, "输入要更新的故事编号: ")
		if index < 0 {
			return
		}
		story, err := storyService.LoadStoryContent(stories[index].ID)
		if err != nil {
			fmt.Printf("❌ 读取故事失败: %v\n", err)
			return
		}

		title := getUserInputWithDefault("故事标题", story.Title)
		worldbuilding := getUserInput("世界观设定 (留空保持不变): ")
		summary := getUserInput("故事梗概 (留空保持不变): ")
		language := getUserInputWithDefault("语言 (zh/en)", story.Config.Language)

		patch := &models.StoryConfig{
			Worldbuilding: worldbuilding,
			Summary:       summary,
			Language:      language,
		}
		if _, err := storyService.UpdateStory(story.ID, title, patch); err != nil {
			fmt.Printf("❌ 更新故事失败: %v\n", err)
		} else {
			fmt.Println(T("update_success"))
		}
	case "d":
		index := pickStoryIndex(stories, "输入要删除的故事编号: ")
		if index < 0 {
			return
		}
		storyToDelete := stories[index]
		confirm := getUserInput(fmt.Sprintf(T("confirm_delete"), storyToDelete.Title))
		if strings.ToLower(confirm) == "y" || strings.ToLower(confirm) == "yes" {
			if err := storyService.DeleteStory(storyToDelete.ID); err != nil {
				fmt.Printf("❌ 删除故事失败: %v\n", err)
			} else {
				fmt.Printf("✅ 故事 '%s' 删除成功！\n", storyToDelete.Title)
			}
		} else {
			fmt.Println(T("op_cancel"))
		}
	case "a":
		archive, err := storyService.ExportAll()
		if err != nil {
			fmt.Printf("❌ 导出存档失败: %v\n", err)
			return
		}
		data, err := json.MarshalIndent(archive, "", "  ")
		if err != nil {
			fmt.Printf("❌ 序列化存档失败: %v\n", err)
			return
		}

		dataDir := "data"
		if cfg := config.GetCurrentConfig(); cfg != nil && cfg.DataDir != "" {
			dataDir = cfg.DataDir
		}
		exportDir := filepath.Join(dataDir, "exports")
		if err := os.MkdirAll(exportDir, 0755); err != nil {
			fmt.Printf("❌ 创建导出目录失败: %v\n", err)
			return
		}
		archivePath := filepath.Join(exportDir, fmt.Sprintf("archive_%s.json", time.Now().Format("20060102_150405")))
		if err := os.WriteFile(archivePath, data, 0644); err != nil {
			fmt.Printf("❌ 写入存档文件失败: %v\n", err)
			return
		}
		fmt.Printf("✅ 存档导出成功！共 %d 个故事, %d 个会话线程\n", len(archive.Stories), len(archive.Threads))
		fmt.Printf("文件路径: %s\n", archivePath)
	case "q":
		quota, err := storyService.GetQuota()
		if err != nil {
			fmt.Printf("❌ 读取存储配额失败: %v\n", err)
			return
		}
		fmt.Println("\n存储配额:")
		fmt.Printf("  故事数量: %d\n", quota.StoryCount)
		fmt.Printf("  已用空间: %.2f MB\n", float64(quota.UsedBytes)/1024/1024)
		fmt.Printf("  剩余空间: %.2f MB\n", float64(quota.AvailableBytes)/1024/1024)
		fmt.Printf("  使用率: %.1f%%\n", quota.Percent)
	case "b":
		fmt.Println(T("return_menu"))
		return
	}
}

// 3. 管理角色与评审人
func manageCast() {
	fmt.Println(T("cast_manage"))
	container := di.GetContainer()
	storyService, _ := container.Get("story").(*services.StoryService)
	if storyService == nil {
		fmt.Println("❌ 故事服务未初始化")
		return
	}

	fmt.Println("角色与评审人菜单:")
	fmt.Println("  l) 列出角色与评审人")
	fmt.Println("  c) 添加角色")
	fmt.Println("  u) 更新角色")
	fmt.Println("  d) 删除角色")
	fmt.Println("  r) 添加评审人")
	fmt.Println("  x) 删除评审人")
	fmt.Println("  b) 返回主菜单")

	choice := getUserInput("请选择操作: ")

	switch strings.ToLower(choice) {
	case "l":
		storyID := getUserInput(T("enter_story_id"))
		if storyID == "" {
			fmt.Println(T("story_id_empty"))
			return
		}

		story, err := storyService.LoadStoryContent(storyID)
		if err != nil {
			fmt.Printf(T("read_fail")+"\n", err)
			return
		}

		fmt.Printf("\n角色 (%d个):\n", len(story.Characters))
		if len(story.Characters) == 0 {
			fmt.Println("  (暂无角色)")
		}
		for _, character := range story.Characters {
			fmt.Printf("  - %s [%s]\n", character.Name, character.ID)
			fmt.Printf("    %s\n", utils.Excerpt(character.Description, 60))
			if len(character.Traits) > 0 {
				fmt.Printf("    特征: %s\n", strings.Join(character.Traits, "、"))
			}
		}

		fmt.Printf("\n评审人 (%d个):\n", len(story.Raters))
		if len(story.Raters) == 0 {
			fmt.Println("  (暂无评审人)")
		}
		for _, rater := range story.Raters {
			fmt.Printf("  - %s [%s] 严格度: %d\n", rater.Name, rater.ID, rater.Strictness)
			fmt.Printf("    %s\n", utils.Excerpt(rater.Persona, 60))
			if len(rater.Focus) > 0 {
				fmt.Printf("    关注: %s\n", strings.Join(rater.Focus, "、"))
			}
		}
	case "c":
		storyID := getUserInput(T("enter_story_id"))
		if storyID == "" {
			fmt.Println(T("story_id_empty"))
			return
		}

		name := getUserInput("角色名称: ")
		description := getUserInput("角色描述: ")
		traitsInput := getUserInput("性格特征 (逗号分隔，可留空): ")
		voiceNotes := getUserInput("语言风格备注 (可留空): ")

		character, err := storyService.AddCharacter(storyID, models.Character{
			Name:        name,
			Description: description,
			Traits:      splitListInput(traitsInput),
			VoiceNotes:  voiceNotes,
		})
		if err != nil {
			fmt.Printf("❌ 添加角色失败: %v\n", err)
		} else {
			fmt.Printf("✅ 角色添加成功！ID: %s\n", character.ID)
		}
	case "u":
		storyID := getUserInput(T("enter_story_id"))
		if storyID == "" {
			fmt.Println(T("story_id_empty"))
			return
		}
		characterID := getUserInput("角色ID: ")
		if characterID == "" {
			fmt.Println("❌ 角色ID不能为空")
			return
		}

		name := getUserInput("新名称 (留空保持不变): ")
		description := getUserInput("新描述 (留空保持不变): ")
		traitsInput := getUserInput("新性格特征 (逗号分隔，留空保持不变): ")
		voiceNotes := getUserInput("新语言风格备注 (留空保持不变): ")

		character, err := storyService.UpdateCharacter(storyID, characterID, models.Character{
			Name:        name,
			Description: description,
			Traits:      splitListInput(traitsInput),
			VoiceNotes:  voiceNotes,
		})
		if err != nil {
			fmt.Printf("❌ 更新角色失败: %v\n", err)
		} else {
			fmt.Printf("✅ 角色 '%s' 更新成功！\n", character.Name)
		}
	case "d":
		storyID := getUserInput(T("enter_story_id"))
		if storyID == "" {
			fmt.Println(T("story_id_empty"))
			return
		}
		characterID := getUserInput("要删除的角色ID: ")
		if characterID == "" {
			fmt.Println("❌ 角色ID不能为空")
			return
		}

		if err := storyService.DeleteCharacter(storyID, characterID); err != nil {
			fmt.Printf("❌ 删除角色失败: %v\n", err)
		} else {
			fmt.Println(T("delete_success"))
		}
	case "r":
		storyID := getUserInput(T("enter_story_id"))
		if storyID == "" {
			fmt.Println(T("story_id_empty"))
			return
		}

		name := getUserInput("评审人名称: ")
		persona := getUserInput("评审人设定 (例如: 资深网文编辑，毒舌但中肯): ")
		focusInput := getUserInput("关注维度 (逗号分隔，例如: 节奏,人物,文风): ")
		strictnessInput := getUserInputWithDefault("严格度 (1-10)", "5")

		strictness := 0
		if _, err := fmt.Sscanf(strictnessInput, "%d", &strictness); err != nil {
			fmt.Println("❌ 无效的严格度")
			return
		}

		rater, err := storyService.AddRater(storyID, models.Rater{
			Name:       name,
			Persona:    persona,
			Focus:      splitListInput(focusInput),
			Strictness: strictness,
		})
		if err != nil {
			fmt.Printf("❌ 添加评审人失败: %v\n", err)
		} else {
			fmt.Printf("✅ 评审人添加成功！ID: %s\n", rater.ID)
		}
	case "x":
		storyID := getUserInput(T("enter_story_id"))
		if storyID == "" {
			fmt.Println(T("story_id_empty"))
			return
		}
		raterID := getUserInput("要删除的评审人ID: ")
		if raterID == "" {
			fmt.Println("❌ 评审人ID不能为空")
			return
		}

		if err := storyService.DeleteRater(storyID, raterID); err != nil {
			fmt.Printf("❌ 删除评审人失败: %v\n", err)
		} else {
			fmt.Println(T("delete_success"))
		}
	case "b":
		fmt.Println(T("return_menu"))
		return
	}
}

// 4. 章节创作
func manageCompose() {
	fmt.Println(T("compose_manage"))
	container := di.GetContainer()
	composeService, _ := container.Get("compose").(*services.ComposeService)
	storyService, _ := container.Get("story").(*services.StoryService)
	if composeService == nil || storyService == nil {
		fmt.Println("❌ 创作服务未初始化")
		return
	}

	storyID := getUserInput(T("enter_story_id"))
	if storyID == "" {
		fmt.Println(T("story_id_empty"))
		return
	}

	ctx := context.Background()
	state, err := composeService.GetCompose(ctx, storyID)
	if err != nil {
		fmt.Printf("⚠️  当前没有进行中的章节创作: %v\n", err)
		fmt.Println("💡 提示: 选择 'i' 初始化一个新章节")
	} else {
		printComposeSnapshot(composeService, state)
	}

	fmt.Println("\n创作操作:")
	fmt.Println("  i) 初始化章节创作")
	fmt.Println("  s) 查看创作状态详情")
	fmt.Println("  n) 推进到下一阶段")
	fmt.Println("  p) 回退到上一阶段")
	fmt.Println("  o) 添加大纲条目")
	fmt.Println("  m) 更新大纲条目状态")
	fmt.Println("  x) 删除大纲条目")
	fmt.Println("  w) 编辑章节草稿")
	fmt.Println("  v) 保存草稿版本")
	fmt.Println("  r) 恢复草稿版本")
	fmt.Println("  f) 设置定稿内容")
	fmt.Println("  e) 处理润色建议")
	fmt.Println("  c) 设置共享创作参数")
	fmt.Println("  z) 章节定稿归档")
	fmt.Println("  b) 返回主菜单")
	fmt.Println()

	choice := getUserInput("请选择操作: ")

	switch strings.ToLower(choice) {
	case "i":
		numberInput := getUserInputWithDefault("章节编号", "1")
		chapterNumber := 0
		if _, err := fmt.Sscanf(numberInput, "%d", &chapterNumber); err != nil {
			fmt.Println("❌ 无效的章节编号")
			return
		}
		state, err := composeService.InitializeCompose(ctx, storyID, chapterNumber)
		if err != nil {
			fmt.Printf("❌ 初始化章节创作失败: %v\n", err)
			return
		}
		fmt.Printf("✅ 第%d章创作已初始化，当前阶段: %s\n", state.ChapterNumber, phaseLabel(state.CurrentPhase))
		fmt.Println("💡 提示: 先在大纲阶段搭好结构，再推进到正文阶段")
	case "s":
		if state == nil {
			fmt.Println("❌ 没有进行中的章节创作")
			return
		}
		printComposeDetail(state)
	case "n":
		result, err := composeService.AdvanceToNext(ctx, storyID)
		if err != nil {
			fmt.Printf("❌ 推进阶段失败: %v\n", err)
			return
		}
		if !result.Success {
			fmt.Println("❌ 当前阶段尚未满足推进条件:")
			for _, msg := range result.ValidationErrors {
				fmt.Printf("   - %s\n", msg)
			}
			return
		}
		fmt.Printf("✅ 已从 %s 推进到 %s\n", phaseLabel(result.FromPhase), phaseLabel(result.ToPhase))
	case "p":
		result, err := composeService.RevertToPrevious(ctx, storyID)
		if err != nil {
			fmt.Printf("❌ 回退阶段失败: %v\n", err)
			return
		}
		if !result.Success {
			fmt.Println("❌ 无法回退:")
			for _, msg := range result.ValidationErrors {
				fmt.Printf("   - %s\n", msg)
			}
			return
		}
		fmt.Printf("✅ 已从 %s 回退到 %s\n", phaseLabel(result.FromPhase), phaseLabel(result.ToPhase))
	case "o":
		title := getUserInput("条目标题: ")
		description := getUserInput("条目描述: ")
		item, err := composeService.AddOutlineItem(ctx, storyID, title, description, models.OriginUser)
		if err != nil {
			fmt.Printf("❌ 添加大纲条目失败: %v\n", err)
			return
		}
		fmt.Printf("✅ 大纲条目添加成功！ID: %s (第%d位)\n", item.ID, item.Order)
	case "m":
		if state == nil {
			fmt.Println("❌ 没有进行中的章节创作")
			return
		}
		items := state.Phases.PlotOutline.OutlineItems
		if len(items) == 0 {
			fmt.Println("❌ 大纲为空")
			return
		}
		for i, item := range items {
			fmt.Printf("  %d) [%s] %s\n", i+1, item.Status, item.Title)
		}
		numInput := getUserInput("输入条目编号: ")
		itemIndex := 0
		if _, err := fmt.Sscanf(numInput, "%d", &itemIndex); err != nil || itemIndex < 1 || itemIndex > len(items) {
			fmt.Println("❌ 无效的条目编号")
			return
		}
		statusInput := getUserInputWithDefault("新状态 (draft/reviewed/approved)", "approved")
		item, err := composeService.UpdateOutlineItem(ctx, storyID, items[itemIndex-1].ID, "", "", models.OutlineItemStatus(statusInput))
		if err != nil {
			fmt.Printf("❌ 更新大纲条目失败: %v\n", err)
			return
		}
		fmt.Printf("✅ 条目 '%s' 状态已更新为 %s\n", item.Title, item.Status)
	case "x":
		itemID := getUserInput("要删除的条目ID: ")
		if itemID == "" {
			fmt.Println("❌ 条目ID不能为空")
			return
		}
		if _, err := composeService.RemoveOutlineItem(ctx, storyID, itemID); err != nil {
			fmt.Printf("❌ 删除大纲条目失败: %v\n", err)
		} else {
			fmt.Println(T("delete_success"))
		}
	case "w":
		content := getMultilineInput("章节草稿内容:")
		if strings.TrimSpace(content) == "" {
			fmt.Println("❌ 草稿内容不能为空")
			return
		}
		state, err := composeService.UpdateDraftContent(ctx, storyID, content, models.OriginUser)
		if err != nil {
			fmt.Printf("❌ 更新草稿失败: %v\n", err)
			return
		}
		fmt.Printf("✅ 草稿已更新，当前 %d 字\n", state.Phases.ChapterDetail.Draft.WordCount)
	case "v":
		note := getUserInput("版本备注 (可留空): ")
		version, err := composeService.SaveDraftVersion(ctx, storyID, note, models.OriginUser)
		if err != nil {
			fmt.Printf("❌ 保存草稿版本失败: %v\n", err)
			return
		}
		fmt.Printf("✅ 草稿版本已保存！ID: %s [%d字]\n", version.ID, version.WordCount)
	case "r":
		if state == nil {
			fmt.Println("❌ 没有进行中的章节创作")
			return
		}
		versions := state.Phases.ChapterDetail.Draft.Versions
		if len(versions) == 0 {
			fmt.Println("❌ 没有可恢复的草稿版本")
			return
		}
		for i, version := range versions {
			fmt.Printf("  %d) %s [%d字] %s %s\n", i+1, version.ID, version.WordCount,
				version.CreatedAt.Format("01-02 15:04"), version.Note)
		}
		numInput := getUserInput("输入版本编号: ")
		versionIndex := 0
		if _, err := fmt.Sscanf(numInput, "%d", &versionIndex); err != nil || versionIndex < 1 || versionIndex > len(versions) {
			fmt.Println("❌ 无效的版本编号")
			return
		}
		restored, err := composeService.RestoreDraftVersion(ctx, storyID, versions[versionIndex-1].ID)
		if err != nil {
			fmt.Printf("❌ 恢复草稿版本失败: %v\n", err)
			return
		}
		fmt.Printf("✅ 草稿已恢复到版本 %s，当前 %d 字\n", versions[versionIndex-1].ID, restored.Phases.ChapterDetail.Draft.WordCount)
	case "f":
		content := getMultilineInput("定稿内容 (留空则沿用当前草稿):")
		if strings.TrimSpace(content) == "" {
			if state == nil || strings.TrimSpace(state.Phases.ChapterDetail.Draft.Content) == "" {
				fmt.Println("❌ 当前没有可用的草稿")
				return
			}
			content = state.Phases.ChapterDetail.Draft.Content
		}
		if _, err := composeService.SetFinalContent(ctx, storyID, content, models.OriginUser); err != nil {
			fmt.Printf("❌ 设置定稿内容失败: %v\n", err)
			return
		}
		fmt.Println("✅ 定稿内容已设置")
	case "e":
		if state == nil {
			fmt.Println("❌ 没有进行中的章节创作")
			return
		}
		var pending []models.ReviewItem
		for _, item := range state.Phases.FinalEdit.ReviewItems {
			if item.Status == models.ReviewItemPending {
				pending = append(pending, item)
			}
		}
		if len(pending) == 0 {
			fmt.Println("✅ 没有待处理的润色建议")
			return
		}
		for i, item := range pending {
			fmt.Printf("  %d) %s\n", i+1, item.Suggestion)
			if item.Excerpt != "" {
				fmt.Printf("     原文: %s\n", utils.Excerpt(item.Excerpt, 40))
			}
			if item.Reason != "" {
				fmt.Printf("     理由: %s\n", item.Reason)
			}
		}
		numInput := getUserInput("输入建议编号: ")
		itemIndex := 0
		if _, err := fmt.Sscanf(numInput, "%d", &itemIndex); err != nil || itemIndex < 1 || itemIndex > len(pending) {
			fmt.Println("❌ 无效的建议编号")
			return
		}
		resolution := getUserInputWithDefault("处理方式 (accepted/rejected/modified)", "accepted")
		modifiedText := ""
		if resolution == "modified" {
			modifiedText = getMultilineInput("改写后的文本:")
		}
		resolved, err := composeService.ResolveReviewItem(ctx, storyID, pending[itemIndex-1].ID, models.ReviewItemStatus(resolution), modifiedText)
		if err != nil {
			fmt.Printf("❌ 处理润色建议失败: %v\n", err)
			return
		}
		fmt.Printf("✅ 建议已处理: %s\n", resolved.Status)
	case "c":
		wordCountInput := getUserInputWithDefault("目标字数", "3000")
		targetWordCount := 0
		if _, err := fmt.Sscanf(wordCountInput, "%d", &targetWordCount); err != nil {
			fmt.Println("❌ 无效的目标字数")
			return
		}
		genre := getUserInput("题材 (可留空): ")
		tone := getUserInput("基调 (可留空): ")
		pov := getUserInput("叙事视角 (可留空，例如: 第三人称限知): ")

		if _, err := composeService.SetSharedContext(ctx, storyID, models.SharedContext{
			TargetWordCount: targetWordCount,
			Genre:           genre,
			Tone:            tone,
			PointOfView:     pov,
		}); err != nil {
			fmt.Printf("❌ 设置共享创作参数失败: %v\n", err)
			return
		}
		fmt.Println("✅ 共享创作参数已更新，所有阶段均可读取")
	case "z":
		title := getUserInput("章节标题: ")
		if title == "" {
			fmt.Println("❌ 章节标题不能为空")
			return
		}
		confirm := getUserInput("定稿后本轮创作状态将被清空，确认归档? (y/N): ")
		if strings.ToLower(confirm) != "y" && strings.ToLower(confirm) != "yes" {
			fmt.Println(T("op_cancel"))
			return
		}
		chapter, err := storyService.FinalizeChapter(storyID, title)
		if err != nil {
			fmt.Printf("❌ 章节定稿失败: %v\n", err)
			fmt.Println("💡 提示: 只有处于最终润色阶段且已设置定稿内容的章节才能归档")
			return
		}
		fmt.Printf("✅ 第%d章 '%s' 已归档 [%d字]\n", chapter.Number, chapter.Title, chapter.WordCount)
	case "b":
		fmt.Println(T("return_menu"))
		return
	}
}

// 创作状态一行式摘要
func printComposeSnapshot(composeService *services.ComposeService, state *models.ChapterComposeState) {
	draft := state.Phases.ChapterDetail.Draft
	pendingReviews := 0
	for _, item := range state.Phases.FinalEdit.ReviewItems {
		if item.Status == models.ReviewItemPending {
			pendingReviews++
		}
	}

	content := fmt.Sprintf("第%d章 · 当前阶段: %s\n大纲条目: %d  草稿: %d字 (%d个版本)  待处理建议: %d\n可推进: %t  可回退: %t",
		state.ChapterNumber, phaseLabel(state.CurrentPhase),
		len(state.Phases.PlotOutline.OutlineItems), draft.WordCount, len(draft.Versions), pendingReviews,
		composeService.CanAdvance(state), composeService.CanRevert(state))
	printBox("📝 创作进度", content)
}

// 创作状态全量展示
func printComposeDetail(state *models.ChapterComposeState) {
	fmt.Printf("\n=== 第%d章创作状态 ===\n", state.ChapterNumber)
	fmt.Printf("当前阶段: %s (第%d/%d步)\n", phaseLabel(state.CurrentPhase),
		state.OverallProgress.CurrentStep, state.OverallProgress.TotalSteps)
	fmt.Printf("阶段进度: 大纲%d%% 正文%d%% 润色%d%%\n",
		state.OverallProgress.PlotOutline, state.OverallProgress.ChapterDetail, state.OverallProgress.FinalEdit)

	shared := state.SharedContext
	fmt.Printf("共享参数: 目标%d字", shared.TargetWordCount)
	if shared.Genre != "" {
		fmt.Printf(" · %s", shared.Genre)
	}
	if shared.Tone != "" {
		fmt.Printf(" · %s", shared.Tone)
	}
	if shared.PointOfView != "" {
		fmt.Printf(" · %s", shared.PointOfView)
	}
	fmt.Println()

	outline := state.Phases.PlotOutline
	fmt.Printf("\n[%s] 情节大纲 (%d条):\n", outline.Status, len(outline.OutlineItems))
	for _, item := range outline.OutlineItems {
		fmt.Printf("  %d. [%s] %s: %s\n", item.Order, item.Status, item.Title, utils.Excerpt(item.Description, 40))
	}
	if outline.DraftSummary != "" {
		fmt.Printf("  本章概要: %s\n", utils.Excerpt(outline.DraftSummary, 80))
	}

	detail := state.Phases.ChapterDetail
	fmt.Printf("\n[%s] 章节正文: %d字, %d个历史版本\n", detail.Status, detail.Draft.WordCount, len(detail.Draft.Versions))
	if detail.Draft.Content != "" {
		fmt.Printf("  草稿预览: %s\n", utils.Excerpt(detail.Draft.Content, 120))
	}

	final := state.Phases.FinalEdit
	fmt.Printf("\n[%s] 最终润色: 定稿%d字, %d条建议\n", final.Status,
		utils.CountWords(final.FinalContent), len(final.ReviewItems))
	for _, item := range final.ReviewItems {
		fmt.Printf("  - [%s] %s\n", item.Status, utils.Excerpt(item.Suggestion, 50))
	}
	if final.OverallAssessment != "" {
		fmt.Printf("  编辑总评: %s\n", utils.Excerpt(final.OverallAssessment, 80))
	}

	if len(state.Navigation.PhaseHistory) > 0 {
		labels := make([]string, 0, len(state.Navigation.PhaseHistory))
		for _, phase := range state.Navigation.PhaseHistory {
			labels = append(labels, phaseLabel(phase))
		}
		fmt.Printf("\n阶段轨迹: %s\n", strings.Join(labels, " → "))
	}
}

// 5. 会话线程
func manageThreads() {
	fmt.Println(T("threads_manage"))
	container := di.GetContainer()
	conversationService, _ := container.Get("conversation").(*services.ConversationService)
	composeService, _ := container.Get("compose").(*services.ComposeService)
	if conversationService == nil {
		fmt.Println("❌ 会话服务未初始化")
		return
	}

	storyID := getUserInput(T("enter_story_id"))
	if storyID == "" {
		fmt.Println(T("story_id_empty"))
		return
	}

	threads, err := conversationService.ListThreads(storyID)
	if err != nil {
		fmt.Printf("❌ 读取会话线程失败: %v\n", err)
		return
	}

	fmt.Printf("\n当前共有 %d 个会话线程:\n", len(threads))
	if len(threads) > 0 {
		for i, thread := range threads {
			fmt.Printf("  %d) %s [%s] %d条消息, %d个分支, 当前分支: %s\n",
				i+1, thread.ID, phaseLabel(thread.Phase), len(thread.Messages), len(thread.Branches), thread.CurrentBranchID)
		}
	} else {
		fmt.Println("  (暂无线程)")
	}

	fmt.Println("\n会话操作:")
	fmt.Println("  c) 创建线程并绑定到创作阶段")
	fmt.Println("  v) 查看当前分支消息")
	fmt.Println("  m) 追加消息")
	fmt.Println("  f) 从某条消息创建分支 (探索另一种写法)")
	fmt.Println("  w) 切换当前分支")
	fmt.Println("  x) 删除分支")
	fmt.Println("  d) 删除线程")
	fmt.Println("  b) 返回主菜单")
	fmt.Println()

	choice := getUserInput("请选择操作: ")
	ctx := context.Background()

	switch strings.ToLower(choice) {
	case "c":
		phaseInput := getUserInputWithDefault("创作阶段 (plot_outline/chapter_detail/final_edit)", "plot_outline")
		phase := models.ComposePhase(phaseInput)
		if !models.IsValidPhase(phase) {
			fmt.Println("❌ 无效的创作阶段")
			return
		}
		thread, err := conversationService.CreateThread(storyID, phase)
		if err != nil {
			fmt.Printf("❌ 创建线程失败: %v\n", err)
			return
		}
		fmt.Printf("✅ 线程创建成功！ID: %s, 主分支: %s\n", thread.ID, thread.CurrentBranchID)

		// 顺手挂到创作状态上，生成时就会带上这个阶段的会话上下文
		if composeService != nil {
			if _, err := composeService.SetPhaseThread(ctx, storyID, phase, thread.ID); err == nil {
				fmt.Printf("🔗 已绑定到 %s 阶段\n", phaseLabel(phase))
			}
		}
	case "v":
		thread := pickThread(threads)
		if thread == nil {
			return
		}
		messages, err := conversationService.BranchMessages(storyID, thread.ID, thread.CurrentBranchID)
		if err != nil {
			fmt.Printf("❌ 读取消息失败: %v\n", err)
			return
		}
		fmt.Printf("\n分支 '%s' 共 %d 条消息:\n", thread.CurrentBranchID, len(messages))
		for _, msg := range messages {
			fmt.Printf("  [%s] %s: %s\n", msg.CreatedAt.Format("15:04:05"), msg.Role, utils.Excerpt(msg.Content, 80))
		}
	case "m":
		thread := pickThread(threads)
		if thread == nil {
			return
		}
		roleInput := getUserInputWithDefault("角色 (user/assistant)", "user")
		content := getMultilineInput("消息内容:")
		if strings.TrimSpace(content) == "" {
			fmt.Println("❌ 消息内容不能为空")
			return
		}
		message, err := conversationService.AddMessage(storyID, thread.ID, models.MessageRole(roleInput), content, nil)
		if err != nil {
			fmt.Printf("❌ 追加消息失败: %v\n", err)
			return
		}
		fmt.Printf("✅ 消息已追加到分支 %s！ID: %s\n", message.BranchID, message.ID)
	case "f":
		thread := pickThread(threads)
		if thread == nil {
			return
		}
		messages, err := conversationService.BranchMessages(storyID, thread.ID, thread.CurrentBranchID)
		if err != nil {
			fmt.Printf("❌ 读取消息失败: %v\n", err)
			return
		}
		if len(messages) == 0 {
			fmt.Println("❌ 当前分支没有消息，无法分叉")
			return
		}
		for i, msg := range messages {
			fmt.Printf("  %d) %s: %s\n", i+1, msg.Role, utils.Excerpt(msg.Content, 50))
		}
		numInput := getUserInput("从第几条消息分叉: ")
		msgIndex := 0
		if _, err := fmt.Sscanf(numInput, "%d", &msgIndex); err != nil || msgIndex < 1 || msgIndex > len(messages) {
			fmt.Println("❌ 无效的消息编号")
			return
		}
		name := getUserInputWithDefault("分支名称", "另一种写法")
		branch, err := conversationService.CreateBranch(storyID, thread.ID, name, messages[msgIndex-1].ID)
		if err != nil {
			fmt.Printf("❌ 创建分支失败: %v\n", err)
			return
		}
		fmt.Printf("✅ 分支 '%s' 创建成功并已切换！ID: %s (继承%d条消息)\n", branch.Name, branch.ID, len(branch.MessageIDs))
	case "w":
		thread := pickThread(threads)
		if thread == nil {
			return
		}
		fmt.Println("可用分支:")
		for id, branch := range thread.Branches {
			marker := " "
			if id == thread.CurrentBranchID {
				marker = "*"
			}
			fmt.Printf("  %s %s (%s) %d条消息\n", marker, id, branch.Name, len(branch.MessageIDs))
		}
		branchID := getUserInput("切换到分支ID: ")
		if branchID == "" {
			return
		}
		if err := conversationService.SwitchBranch(storyID, thread.ID, branchID); err != nil {
			fmt.Printf("❌ 切换分支失败: %v\n", err)
			return
		}
		fmt.Printf("✅ 当前分支已切换到 %s\n", branchID)
	case "x":
		thread := pickThread(threads)
		if thread == nil {
			return
		}
		branchID := getUserInput("要删除的分支ID: ")
		if branchID == "" {
			return
		}
		if err := conversationService.DeleteBranch(storyID, thread.ID, branchID); err != nil {
			fmt.Printf("❌ 删除分支失败: %v\n", err)
			return
		}
		fmt.Println(T("delete_success"))
	case "d":
		thread := pickThread(threads)
		if thread == nil {
			return
		}
		confirm := getUserInput(fmt.Sprintf(T("confirm_delete"), thread.ID))
		if strings.ToLower(confirm) == "y" || strings.ToLower(confirm) == "yes" {
			if err := conversationService.DeleteThread(storyID, thread.ID); err != nil {
				fmt.Printf("❌ 删除线程失败: %v\n", err)
			} else {
				fmt.Println(T("delete_success"))
			}
		} else {
			fmt.Println(T("op_cancel"))
		}
	case "b":
		fmt.Println(T("return_menu"))
		return
	}
}

// 6. AI生成
func runGeneration() {
	fmt.Println(T("generate_title"))
	container := di.GetContainer()
	generationService, _ := container.Get("generation").(*services.GenerationService)
	composeService, _ := container.Get("compose").(*services.ComposeService)
	llmService, _ := container.Get("llm").(*services.LLMService)
	if generationService == nil {
		fmt.Println("❌ 生成服务未初始化")
		return
	}

	if llmService == nil || !llmService.IsReady() {
		fmt.Println("⚠️  LLM服务未就绪")
		fmt.Println("💡 提示: 请先选择菜单选项 1 配置LLM")
		return
	}

	storyID := getUserInput(T("enter_story_id"))
	if storyID == "" {
		fmt.Println(T("story_id_empty"))
		return
	}

	fmt.Println("\n生成操作:")
	fmt.Println("  1) 生成章节大纲 (结果自动并入大纲阶段)")
	fmt.Println("  2) 生成章节正文 (结果自动存为草稿版本)")
	fmt.Println("  3) 按指示修改当前草稿")
	fmt.Println("  4) 角色视角反馈")
	fmt.Println("  5) 评审人打分")
	fmt.Println("  6) 编辑审校 (建议自动并入润色阶段)")
	fmt.Println("  0) 返回主菜单")
	fmt.Println()

	choice := getUserInput("请选择操作: ")
	ctx := context.Background()

	switch choice {
	case "1":
		plotPoint := getUserInput("本章情节要点 (可留空，留空则完全依据库存设定): ")
		fmt.Println("\n正在生成章节大纲...")
		fmt.Println("💡 提示: 此过程需要AI分析，请稍候...")

		resp, taskID, err := generationService.GenerateOutline(ctx, storyID, buildGenerationRequest(plotPoint))
		if err != nil {
			printGenerationFailure(err)
			return
		}
		fmt.Printf("\n✅ 大纲生成成功！(任务: %s)\n", taskID)
		fmt.Printf("📋 共 %d 个情节单元:\n", len(resp.OutlineItems))
		for i, item := range resp.OutlineItems {
			fmt.Printf("  %d. %s — %s\n", i+1, item.Title, utils.Excerpt(item.Description, 50))
		}
		if resp.DraftSummary != "" {
			printBox("本章概要", resp.DraftSummary)
		}
	case "2":
		fmt.Println("\n正在生成章节正文...")
		fmt.Println("💡 提示: 正文生成耗时较长，请耐心等待...")

		resp, taskID, err := generationService.GenerateChapter(ctx, storyID, nil)
		if err != nil {
			printGenerationFailure(err)
			return
		}
		fmt.Printf("\n✅ 正文生成成功！(任务: %s) 共 %d 字\n", taskID, utils.CountWords(resp.ChapterText))
		if resp.TitleSuggestion != "" {
			fmt.Printf("建议标题: %s\n", resp.TitleSuggestion)
		}
		printBox("正文预览", utils.Excerpt(resp.ChapterText, 300))
	case "3":
		instructions := getUserInput("修改指示 (例如: 把结尾改得更克制): ")
		if strings.TrimSpace(instructions) == "" {
			fmt.Println("❌ 修改指示不能为空")
			return
		}
		fmt.Println("\n正在修改草稿...")

		resp, taskID, err := generationService.ModifyChapter(ctx, storyID, nil, instructions)
		if err != nil {
			printGenerationFailure(err)
			return
		}
		fmt.Printf("\n✅ 修改完成！(任务: %s) 修改后 %d 字\n", taskID, resp.WordCount)
		if resp.ChangesSummary != "" {
			printBox("修改说明", resp.ChangesSummary)
		}
		printBox("修改后预览", utils.Excerpt(resp.ModifiedChapter, 300))

		// 修改结果不会自动写回，需要用户确认
		apply := getUserInputWithDefault("是否应用到草稿? (y/N)", "n")
		if strings.ToLower(apply) == "y" || strings.ToLower(apply) == "yes" {
			if composeService == nil {
				fmt.Println("❌ 创作服务未初始化")
				return
			}
			if _, err := composeService.UpdateDraftContent(ctx, storyID, resp.ModifiedChapter, models.OriginAI); err != nil {
				fmt.Printf("❌ 应用修改失败: %v\n", err)
			} else {
				fmt.Println("✅ 修改已应用到草稿")
			}
		} else {
			fmt.Println("修改结果已丢弃，草稿保持原样")
		}
	case "4":
		fmt.Println("\n正在收集角色视角反馈...")

		resp, taskID, err := generationService.RequestCharacterFeedback(ctx, storyID, nil)
		if err != nil {
			printGenerationFailure(err)
			return
		}
		fmt.Printf("\n✅ 角色反馈生成成功！(任务: %s)\n", taskID)
		for _, fb := range resp.Feedback {
			fmt.Printf("\n👤 %s:\n", fb.CharacterName)
			fmt.Printf("   %s\n", fb.Reaction)
			if fb.InVoiceQuote != "" {
				fmt.Printf("   「%s」\n", fb.InVoiceQuote)
			}
			for _, concern := range fb.Concerns {
				fmt.Printf("   ⚠ %s\n", concern)
			}
		}
		fmt.Println("\n💡 反馈已追加到故事反馈列表，生成正文时会自动带上")
	case "5":
		fmt.Println("\n正在请求评审人打分...")

		resp, taskID, err := generationService.RequestRaterFeedback(ctx, storyID, nil)
		if err != nil {
			printGenerationFailure(err)
			return
		}
		fmt.Printf("\n✅ 评审完成！(任务: %s)\n", taskID)
		fmt.Printf("🏅 %s 总分: %d/10\n", resp.RaterName, resp.OverallScore)
		for _, score := range resp.Scores {
			fmt.Printf("   %s: %d", score.Dimension, score.Score)
			if score.Comment != "" {
				fmt.Printf(" — %s", score.Comment)
			}
			fmt.Println()
		}
		if len(resp.Strengths) > 0 {
			fmt.Printf("   亮点: %s\n", strings.Join(resp.Strengths, "；"))
		}
		if len(resp.Weaknesses) > 0 {
			fmt.Printf("   不足: %s\n", strings.Join(resp.Weaknesses, "；"))
		}
		if resp.Summary != "" {
			printBox("评审总结", resp.Summary)
		}
	case "6":
		fmt.Println("\n正在进行编辑审校...")

		resp, taskID, err := generationService.RequestEditorReview(ctx, storyID, nil)
		if err != nil {
			printGenerationFailure(err)
			return
		}
		fmt.Printf("\n✅ 审校完成！(任务: %s) 共 %d 条建议\n", taskID, len(resp.Suggestions))
		for i, suggestion := range resp.Suggestions {
			fmt.Printf("  %d. %s\n", i+1, suggestion.Suggestion)
		}
		if resp.OverallAssessment != "" {
			printBox("编辑总评", resp.OverallAssessment)
		}
		fmt.Println("\n💡 建议已并入润色阶段，在 '章节创作' 菜单中逐条处理")
	case "0":
		fmt.Println(T("return_menu"))
		return
	default:
		fmt.Println(T("invalid_choice"))
	}
}

// 7. 导出故事
func exportStory() {
	fmt.Println(T("export_title"))
	container := di.GetContainer()
	exportService, _ := container.Get("export").(*services.ExportService)
	if exportService == nil {
		fmt.Println("❌ 导出服务未初始化")
		return
	}

	storyID := getUserInput(T("enter_story_id"))
	if storyID == "" {
		fmt.Println(T("story_id_empty"))
		return
	}

	format := getUserInputWithDefault("导出格式 (json/markdown/text/html)", "markdown")

	fmt.Println("正在导出...")
	result, err := exportService.ExportStoryAsDocument(context.Background(), storyID, format)
	if err != nil {
		fmt.Printf("❌ 导出失败: %v\n", err)
		return
	}

	fmt.Printf("✅ 导出成功！\n文件路径: %s\n大小: %d 字节\n", result.FilePath, result.FileSize)
	if result.Stats != nil {
		fmt.Printf("章节数: %d, 总字数: %d\n", result.Stats.ChapterCount, result.Stats.TotalWordCount)
	}
}

func configureLLM() {
	fmt.Println(T("llm_config"))
	fmt.Println()

	// 从配置文件加载现有配置
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		fmt.Println("❌ 配置未加载")
		return
	}

	hasAPIKey := printLLMConfigStatus(cfg)

	fmt.Println()
	fmt.Println("选项:")
	fmt.Println("  1) 交互式配置 (Interactive Config)")
	fmt.Println("  2) 从 config.json 重载 (Reload from config.json)")
	fmt.Println("  0) 返回 (Return)")

	choice := getUserInput("请选择: ")
	if choice == "2" {
		if _, err := config.Load(); err != nil {
			fmt.Printf("❌ 加载配置失败: %v\n", err)
			return
		}
		// 重新初始化LLM服务
		if err := app.ReinitializeLLMService(); err != nil {
			fmt.Printf("⚠️  LLM服务重初始化失败: %v\n", err)
		} else {
			fmt.Println("✅ 配置已重载，服务已更新")
			if updatedCfg := config.GetCurrentConfig(); updatedCfg != nil {
				cfg = updatedCfg
			}
			printLLMConfigStatus(cfg)
		}
		return
	} else if choice == "0" {
		return
	}

	fmt.Println()
	fmt.Println("支持的LLM提供商:")
	fmt.Println("  - openai (OpenAI GPT系列)")
	fmt.Println("  - anthropic (Claude系列)")
	fmt.Println("  - glm (智谱AI)")
	fmt.Println("  - google (Gemini)")
	fmt.Println("  - qwen (通义千问)")
	fmt.Println("  - grok (xAI Grok)")
	fmt.Println("  - githubmodels (GitHub Models)")
	fmt.Println("  - openrouter (OpenRouter)")
	fmt.Println()

	currentProvider := cfg.LLMProvider
	if currentProvider == "" {
		currentProvider = "openai" // 默认提供商
	}
	provider := getUserInputWithDefault("LLM 提供商", currentProvider)

	model := cfg.LLMConfig["default_model"]
	if model == "" {
		// 根据提供商设置默认模型
		defaultModels := map[string]string{
			"openai":       "gpt-4.1",
			"anthropic":    "claude-3-5-haiku-20241022",
			"glm":          "glm-4.5-air",
			"google":       "gemini-2.5-flash",
			"qwen":         "qwen2.5-max",
			"githubmodels": "gpt-4.1-mini",
			"grok":         "grok-3",
			"openrouter":   "google/gemma-3-27b-it:free",
		}
		if defaultModel, exists := defaultModels[provider]; exists {
			model = defaultModel
		} else {
			model = "gpt-4.1"
		}
	}
	newModel := getUserInputWithDefault("模型名称", model)

	// 处理API密钥
	var apiKey string
	if hasAPIKey {
		fmt.Println()
		fmt.Println("当前已有API密钥配置")
		updateKey := getUserInputWithDefault("是否更新API密钥? (y/N)", "n")
		if strings.ToLower(updateKey) == "y" || strings.ToLower(updateKey) == "yes" {
			apiKey = getUserInput("请输入新的API密钥: ")
		} else {
			// 保持原有密钥
			apiKey = cfg.LLMConfig["api_key"]
		}
	} else {
		fmt.Println()
		apiKey = getUserInput("请输入API密钥: ")
	}

	if apiKey == "" {
		fmt.Println("❌ API密钥不能为空")
		return
	}

	llmConfig := make(map[string]string)
	llmConfig["default_model"] = newModel
	llmConfig["api_key"] = apiKey

	fmt.Println()
	fmt.Println("正在保存配置...")
	if err := config.UpdateLLMConfig(provider, llmConfig); err != nil {
		fmt.Printf("❌ 配置LLM失败: %v\n", err)
		return
	}

	// 重新初始化LLM服务以应用新配置
	fmt.Println("正在初始化LLM服务...")
	if err := app.ReinitializeLLMService(); err != nil {
		fmt.Printf("⚠️  LLM服务重初始化失败: %v\n", err)
		fmt.Println("⚠️  某些功能可能仍不可用，建议重启应用")
	} else {
		fmt.Println("🔄 LLM服务已成功初始化")
	}

	fmt.Println()
	fmt.Println("✅ LLM配置成功！")
	fmt.Printf("   提供商: %s\n", provider)
	fmt.Printf("   模型: %s\n", newModel)
	fmt.Println("   API密钥: 已配置 ✓")
}

func printLLMConfigStatus(cfg *config.AppConfig) bool {
	fmt.Println("当前配置状态:")
	if cfg == nil {
		fmt.Println("  提供商: 未配置")
		fmt.Println("  API密钥: 未配置 ✗")
		return false
	}

	if cfg.LLMProvider != "" {
		fmt.Printf("  提供商: %s\n", cfg.LLMProvider)
	} else {
		fmt.Println("  提供商: 未配置")
	}

	hasAPIKey := cfg.LLMConfig != nil && cfg.LLMConfig["api_key"] != ""
	if hasAPIKey {
		fmt.Println("  API密钥: 已配置 ✓")
	} else {
		fmt.Println("  API密钥: 未配置 ✗")
	}

	return hasAPIKey
}

// 显示当前服务状态
func displayServiceStatus() {
	fmt.Println(T("status_title"))
	fmt.Println()

	// 显示配置信息
	cfg := config.GetCurrentConfig()
	if cfg != nil {
		fmt.Println("系统配置:")
		fmt.Printf("  服务端口: %s\n", cfg.Port)
		fmt.Printf("  数据目录: %s\n", cfg.DataDir)
		fmt.Printf("  日志目录: %s\n", cfg.LogDir)
		fmt.Printf("  调试模式: %t\n", cfg.DebugMode)
		fmt.Printf("  存储上限: %d MB\n", cfg.StorageLimitMB)
		fmt.Println()

		// 显示LLM配置状态
		fmt.Println("LLM 服务配置:")
		if cfg.LLMProvider != "" {
			fmt.Printf("  提供商: %s\n", cfg.LLMProvider)
		} else {
			fmt.Println("  提供商: 未配置 ✗")
		}

		if cfg.LLMConfig != nil {
			if model := cfg.LLMConfig["default_model"]; model != "" {
				fmt.Printf("  默认模型: %s\n", model)
			}
			if cfg.LLMConfig["api_key"] != "" {
				fmt.Println("  API密钥: 已配置 ✓")
			} else {
				fmt.Println("  API密钥: 未配置 ✗")
			}
		} else {
			fmt.Println("  配置: 未初始化 ✗")
		}
	} else {
		fmt.Println("配置: 未初始化")
	}

	fmt.Println()

	// 检查依赖注入容器中注册的服务
	container := di.GetContainer()
	if container != nil {
		serviceNames := container.GetNames()
		fmt.Printf("已注册服务数量: %d\n", len(serviceNames))

		// 检查LLM服务状态
		if llmService, ok := container.Get("llm").(*services.LLMService); ok && llmService != nil {
			fmt.Println()
			fmt.Println("LLM 服务状态:")
			if llmService.IsReady() {
				fmt.Println("  状态: 就绪 ✓")
				fmt.Printf("  提供商: %s\n", llmService.GetProviderName())
			} else {
				fmt.Println("  状态: 未就绪 ✗")
				fmt.Printf("  原因: %s\n", llmService.GetReadyState())
			}
		}

		// 存储用量
		if storyService, ok := container.Get("story").(*services.StoryService); ok && storyService != nil {
			if quota, err := storyService.GetQuota(); err == nil {
				fmt.Println()
				fmt.Println("存储用量:")
				fmt.Printf("  故事数量: %d\n", quota.StoryCount)
				fmt.Printf("  已用空间: %.2f MB (%.1f%%)\n", float64(quota.UsedBytes)/1024/1024, quota.Percent)
			}
		}

		if len(serviceNames) > 0 {
			fmt.Println()
			fmt.Println("已注册的服务:")
			for _, name := range serviceNames {
				fmt.Printf("  - %s\n", name)
			}
		}
	} else {
		fmt.Println("依赖注入容器: 未初始化")
	}
}

// 查看当前配置
func viewConfig() {
	fmt.Println(T("config_view"))
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		fmt.Println("  配置未初始化")
		return
	}

	fmt.Printf("  端口: %s\n", cfg.Port)
	fmt.Printf("  数据目录: %s\n", cfg.DataDir)
	fmt.Printf("  日志目录: %s\n", cfg.LogDir)
	fmt.Printf("  调试模式: %t\n", cfg.DebugMode)
	fmt.Printf("  存储上限: %d MB\n", cfg.StorageLimitMB)
	fmt.Printf("  LLM 提供商: %s\n", cfg.LLMProvider)

	if cfg.LLMConfig != nil {
		fmt.Println("  LLM 配置:")
		for k, v := range cfg.LLMConfig {
			if k == "api_key" {
				fmt.Printf("    %s: [已配置但已隐藏]\n", k)
			} else {
				fmt.Printf("    %s: %s\n", k, v)
			}
		}
	} else {
		fmt.Println("  LLM 配置: 未设置")
	}
}

// 列出所有服务
func listServices() {
	fmt.Println(T("services_list"))
	container := di.GetContainer()
	if container == nil {
		fmt.Println("  依赖注入容器未初始化")
		return
	}

	serviceNames := container.GetNames()
	if len(serviceNames) == 0 {
		fmt.Println("  暂无注册的服务")
		return
	}

	for _, name := range serviceNames {
		service := container.Get(name)
		if service != nil {
			fmt.Printf("  - %s (%T)\n", name, service)
		} else {
			fmt.Printf("  - %s (nil)\n", name)
		}
	}
}

// ----------------------------------------------------------------
// 辅助函数
// ----------------------------------------------------------------

// 从列表中按编号选一个故事，返回索引，-1 表示取消或无效
func pickStoryIndex(stories []models.StoryIndexEntry, prompt string) int {
	if len(stories) == 0 {
		fmt.Println("❌ 没有可用的故事")
		return -1
	}
	numStr := getUserInput(prompt)
	if numStr == "" {
		return -1
	}

	index := 0
	if _, err := fmt.Sscanf(numStr, "%d", &index); err != nil {
		fmt.Println("❌ 无效的故事编号")
		return -1
	}
	index-- // 转换为0基索引

	if index < 0 || index >= len(stories) {
		fmt.Println("❌ 故事编号超出范围")
		return -1
	}
	return index
}

// 从列表中按编号选一个会话线程
func pickThread(threads []*models.ConversationThread) *models.ConversationThread {
	if len(threads) == 0 {
		fmt.Println("❌ 没有可用的线程")
		return nil
	}
	numStr := getUserInput("输入线程编号: ")
	if numStr == "" {
		return nil
	}

	index := 0
	if _, err := fmt.Sscanf(numStr, "%d", &index); err != nil {
		fmt.Println("❌ 无效的线程编号")
		return nil
	}
	index--

	if index < 0 || index >= len(threads) {
		fmt.Println("❌ 线程编号超出范围")
		return nil
	}
	return threads[index]
}

// 中英文逗号都当分隔符
func splitListInput(input string) []string {
	var result []string
	for _, part := range strings.FieldsFunc(input, func(r rune) bool { return r == ',' || r == '，' }) {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

// 阶段的展示名
func phaseLabel(phase models.ComposePhase) string {
	switch phase {
	case models.PhasePlotOutline:
		return "情节大纲"
	case models.PhaseChapterDetail:
		return "章节正文"
	case models.PhaseFinalEdit:
		return "最终润色"
	case "":
		return "未开始"
	default:
		return string(phase)
	}
}

// 把情节要点包成生成请求，留空则让服务端完全依据库存数据组装
func buildGenerationRequest(plotPoint string) json.RawMessage {
	if strings.TrimSpace(plotPoint) == "" {
		return nil
	}
	raw, err := json.Marshal(map[string]string{"plot_point": plotPoint})
	if err != nil {
		return nil
	}
	return raw
}

func printGenerationFailure(err error) {
	fmt.Printf("\n❌ 生成失败: %v\n", err)
	fmt.Println()
	fmt.Println("💡 可能的原因:")
	fmt.Println("   1. LLM服务未配置 - 请选择菜单选项 1 配置LLM")
	fmt.Println("   2. API密钥无效 - 请检查您的API密钥是否正确")
	fmt.Println("   3. 网络连接问题 - 请检查网络连接")
	fmt.Println("   4. 配额不足 - 请检查您的API配额")
}

// ----------------------------------------------------------------
// 界面
// ----------------------------------------------------------------

var currentLanguage = "zh"

var translations = map[string]map[string]string{
	"zh": {
		"menu_title":     "请选择功能:",
		"menu_llm":       "1) 配置LLM (大语言模型)",
		"menu_stories":   "2) 管理故事 (Stories)",
		"menu_cast":      "3) 管理角色与评审人 (Cast)",
		"menu_compose":   "4) 章节创作 (Compose)",
		"menu_threads":   "5) 会话线程 (Threads)",
		"menu_generate":  "6) AI生成 (Generate)",
		"menu_export":    "7) 导出故事",
		"menu_config":    "8) 查看当前配置",
		"menu_status":    "9) 显示当前服务状态",
		"menu_services":  "10) 列出所有服务",
		"menu_exit":      "0) 退出",
		"input_prompt":   "请选择操作 (输入数字或命令): ",
		"invalid_choice": "❌ 无效选择，请重新输入！",
		"goodbye":        "👋 感谢使用 ChapterForgeMCP 控制台应用程序！",
		"story_manage":   "📚 管理故事",
		"cast_manage":    "👥 管理角色与评审人",
		"compose_manage": "📝 章节创作",
		"threads_manage": "💬 会话线程",
		"generate_title": "🤖 AI生成",
		"export_title":   "📤 导出故事",
		"llm_config":     "🤖 配置LLM",
		"status_title":   "📊 当前服务状态:",
		"services_list":  "📦 已注册的服务:",
		"config_view":    "⚙️  当前配置信息:",
		"enter_story_id": "请输入故事ID: ",
		"story_id_empty": "❌ 故事ID不能为空",
		"read_fail":      "❌ 读取失败: %v",
		"update_success": "✅ 更新成功！",
		"delete_success": "✅ 删除成功！",
		"op_cancel":      "❌ 操作已取消",
		"confirm_delete": "确认删除 '%s' (y/N): ",
		"return_menu":    "🔙 返回主菜单",
	},
	"en": {
		"menu_title":     "Please select a function:",
		"menu_llm":       "1) Configure LLM",
		"menu_stories":   "2) Manage Stories",
		"menu_cast":      "3) Manage Cast",
		"menu_compose":   "4) Chapter Compose",
		"menu_threads":   "5) Conversation Threads",
		"menu_generate":  "6) AI Generate",
		"menu_export":    "7) Export Story",
		"menu_config":    "8) View Configuration",
		"menu_status":    "9) Show Service Status",
		"menu_services":  "10) List All Services",
		"menu_exit":      "0) Exit",
		"input_prompt":   "Select operation (number or command): ",
		"invalid_choice": "❌ Invalid choice, please try again!",
		"goodbye":        "👋 Thank you for using ChapterForgeMCP Console App!",
		"story_manage":   "📚 Manage Stories",
		"cast_manage":    "👥 Manage Cast",
		"compose_manage": "📝 Chapter Compose",
		"threads_manage": "💬 Conversation Threads",
		"generate_title": "🤖 AI Generate",
		"export_title":   "📤 Export Story",
		"llm_config":     "🤖 Configure LLM",
		"status_title":   "📊 Current Service Status:",
		"services_list":  "📦 Registered Services:",
		"config_view":    "⚙️  Current Configuration:",
		"enter_story_id": "Enter Story ID: ",
		"story_id_empty": "❌ Story ID cannot be empty",
		"read_fail":      "❌ Read failed: %v",
		"update_success": "✅ Updated successfully!",
		"delete_success": "✅ Deleted successfully!",
		"op_cancel":      "❌ Operation cancelled",
		"confirm_delete": "Confirm delete '%s' (y/N): ",
		"return_menu":    "🔙 Return to Main Menu",
	},
}

func T(key string, args ...interface{}) string {
	langMap, ok := translations[currentLanguage]
	if !ok {
		langMap = translations["zh"]
	}
	val, ok := langMap[key]
	if !ok {
		return key
	}
	if len(args) > 0 {
		return fmt.Sprintf(val, args...)
	}
	return val
}

func selectLanguage() {
	fmt.Println("Select Language / 选择语言:")
	fmt.Println("  1) English")
	fmt.Println("  2) 中文 (Chinese)")
	choice := getUserInput("Choice/选择 [2]: ")
	if choice == "1" {
		currentLanguage = "en"
	} else {
		currentLanguage = "zh"
	}
	fmt.Printf("Language set to %s\n\n", currentLanguage)
}

const cliBoxMaxWidth = 90

func printBox(title, content string) {
	wrappedLines := wrapContentForBox(content, cliBoxMaxWidth)
	maxWidth := utf8.RuneCountInString(title)
	for _, line := range wrappedLines {
		if w := utf8.RuneCountInString(line); w > maxWidth {
			maxWidth = w
		}
	}
	if maxWidth < 0 {
		maxWidth = 0
	}
	border := strings.Repeat("─", maxWidth+2)
	fmt.Println("┌" + border + "┐")
	if title != "" {
		fmt.Printf("│ %s │\n", padRight(title, maxWidth))
		fmt.Println("├" + border + "┤")
	}
	if len(wrappedLines) == 0 {
		wrappedLines = []string{""}
	}
	for _, line := range wrappedLines {
		fmt.Printf("│ %s │\n", padRight(line, maxWidth))
	}
	fmt.Println("└" + border + "┘")
}

func wrapContentForBox(content string, maxWidth int) []string {
	if maxWidth <= 0 {
		return []string{content}
	}
	var result []string
	for _, rawLine := range strings.Split(content, "\n") {
		line := strings.TrimRight(rawLine, " ")
		runes := []rune(line)
		for len(runes) > maxWidth {
			result = append(result, string(runes[:maxWidth]))
			runes = runes[maxWidth:]
		}
		result = append(result, string(runes))
	}
	return result
}

func padRight(text string, width int) string {
	current := utf8.RuneCountInString(text)
	if current >= width {
		return text
	}
	return text + strings.Repeat(" ", width-current)
}
