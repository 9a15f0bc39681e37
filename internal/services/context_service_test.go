// internal/services/context_service_test.go
package services

import (
	"strings"
	"testing"
	"time"

	"github.com/Corphon/ChapterForgeMCP/internal/models"
)

func newContextFixture(t *testing.T) *ContextService {
	t.Helper()

	svc, err := NewContextService()
	if err != nil {
		t.Fatalf("创建上下文服务失败: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

// 上下文构建不依赖存储层，直接构造故事对象
func contextTestStory(id string) *models.Story {
	now := time.Now()
	return &models.Story{
		ID:    id,
		Title: "雾都旧事",
		Config: models.StoryConfig{
			SystemPrompts: models.SystemPrompts{
				Assistant: "你是一位长篇小说写作助手",
				Outline:   "你负责整理大纲",
			},
			Worldbuilding: "北地常年积雪",
			Summary:       "少年出山寻亲",
		},
		Characters: map[string]models.Character{
			"char_zhao": {ID: "char_zhao", Name: "赵铁衣", Description: "北镇抚司百户", VoiceNotes: "说话短促"},
			"char_li":   {ID: "char_li", Name: "李慕白", Description: "游方郎中", Traits: []string{"谨慎"}},
		},
		Chapters: []models.Chapter{
			{Number: 2, Title: "雨夜", Content: "雨下了整夜"},
			{Number: 1, Title: "入城", Content: "主角入城", WordCount: 1200},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func hasMessage(list []string, substr string) bool {
	for _, item := range list {
		if strings.Contains(item, substr) {
			return true
		}
	}
	return false
}

func TestBuildSystemPromptsContext(t *testing.T) {
	svc := newContextFixture(t)

	res := svc.BuildSystemPromptsContext(nil, DefaultBuildOptions())
	if res.Success {
		t.Error("story为nil时应当返回结构性失败")
	}
	if !hasMessage(res.Errors, "story is nil") {
		t.Errorf("结构性失败的错误内容不对: %v", res.Errors)
	}

	story := contextTestStory("story_sp")
	res = svc.BuildSystemPromptsContext(story, DefaultBuildOptions())
	if !res.Success {
		t.Fatalf("构建系统提示词片段失败: %v", res.Errors)
	}
	if res.FromCache {
		t.Error("首次构建不应命中缓存")
	}
	frag := res.Data
	if frag.AssistantPrompt != "你是一位长篇小说写作助手" || frag.OutlinePrompt != "你负责整理大纲" {
		t.Errorf("提示词内容不符: %+v", frag)
	}
	if frag.WordCount != 19 {
		t.Errorf("提示词合计字数应为19, 实际 %d", frag.WordCount)
	}
	if !frag.IsValid || len(res.Errors) != 0 {
		t.Errorf("完整提示词应当有效: valid=%v errors=%v", frag.IsValid, res.Errors)
	}

	// 助手提示词缺失是语义错误，信封仍然成功且片段照常返回
	blank := contextTestStory("story_sp_blank")
	blank.Config.SystemPrompts.Assistant = "   "
	res = svc.BuildSystemPromptsContext(blank, DefaultBuildOptions())
	if !res.Success {
		t.Error("语义校验失败不应导致结构性失败")
	}
	if res.Data == nil || res.Data.IsValid {
		t.Error("空白助手提示词应当标记片段无效")
	}
	if !hasMessage(res.Errors, "assistant system prompt is empty") {
		t.Errorf("缺少助手提示词的错误未上报: %v", res.Errors)
	}
}

func TestBuildWorldbuildingContext(t *testing.T) {
	svc := newContextFixture(t)
	story := contextTestStory("story_world")

	res := svc.BuildWorldbuildingContext(story, DefaultBuildOptions())
	if !res.Success || res.Data == nil {
		t.Fatalf("构建世界观片段失败: %v", res.Errors)
	}
	if res.Data.Content != "北地常年积雪" || res.Data.WordCount != 6 {
		t.Errorf("世界观内容或字数不符: %+v", res.Data)
	}
	if !res.Data.LastModified.Equal(story.UpdatedAt) {
		t.Error("LastModified应取故事的更新时间")
	}
	if !res.Data.IsValid || len(res.Warnings) != 0 {
		t.Errorf("非空世界观不应有警告: %v", res.Warnings)
	}

	empty := contextTestStory("story_world_empty")
	empty.Config.Worldbuilding = ""
	res = svc.BuildWorldbuildingContext(empty, DefaultBuildOptions())
	if !res.Success {
		t.Error("世界观为空走警告而不是失败")
	}
	if res.Data.IsValid {
		t.Error("空世界观片段应当标记无效")
	}
	if !hasMessage(res.Warnings, "worldbuilding is empty") {
		t.Errorf("缺少空世界观警告: %v", res.Warnings)
	}
	if len(res.Errors) != 0 {
		t.Errorf("空世界观不应产生错误: %v", res.Errors)
	}
}

func TestBuildStorySummaryContext(t *testing.T) {
	svc := newContextFixture(t)

	story := contextTestStory("story_sum")
	res := svc.BuildStorySummaryContext(story, DefaultBuildOptions())
	if !res.Success || !res.Data.IsValid {
		t.Fatalf("构建梗概片段失败: %+v", res)
	}
	if res.Data.Summary != "少年出山寻亲" || res.Data.WordCount != 6 {
		t.Errorf("梗概内容或字数不符: %+v", res.Data)
	}

	empty := contextTestStory("story_sum_empty")
	empty.Config.Summary = " "
	res = svc.BuildStorySummaryContext(empty, DefaultBuildOptions())
	if !res.Success {
		t.Error("梗概缺失是语义错误，信封应当成功")
	}
	if res.Data.IsValid || !hasMessage(res.Errors, "story summary is empty") {
		t.Errorf("空梗概应当报错并标记无效: %+v", res)
	}
}

func TestBuildCharacterContextSortsByName(t *testing.T) {
	svc := newContextFixture(t)
	story := contextTestStory("story_chars")

	res := svc.BuildCharacterContext(story, DefaultBuildOptions())
	if !res.Success || res.Data == nil {
		t.Fatalf("构建角色片段失败: %v", res.Errors)
	}
	frag := res.Data
	if frag.Count != 2 || len(frag.Characters) != 2 {
		t.Fatalf("角色数量应为2, 实际 %d", frag.Count)
	}
	// map遍历顺序不定，输出必须按名称排序
	if frag.Characters[0].Name != "李慕白" || frag.Characters[1].Name != "赵铁衣" {
		t.Errorf("角色未按名称排序: %s, %s", frag.Characters[0].Name, frag.Characters[1].Name)
	}
	if frag.WordCount != 14 {
		t.Errorf("角色简介合计字数应为14, 实际 %d", frag.WordCount)
	}
	if !frag.IsValid {
		t.Error("有角色时片段应当有效")
	}

	empty := contextTestStory("story_chars_empty")
	empty.Characters = nil
	res = svc.BuildCharacterContext(empty, DefaultBuildOptions())
	if res.Data.IsValid || !hasMessage(res.Warnings, "no characters defined") {
		t.Errorf("无角色时应当给出警告: %+v", res)
	}
}

func TestBuildChapterContext(t *testing.T) {
	svc := newContextFixture(t)
	story := contextTestStory("story_chapters")

	res := svc.BuildChapterContext(story, DefaultBuildOptions())
	if !res.Success || res.Data == nil {
		t.Fatalf("构建章节片段失败: %v", res.Errors)
	}
	frag := res.Data
	if frag.Count != 2 {
		t.Fatalf("章节数量应为2, 实际 %d", frag.Count)
	}
	if frag.Chapters[0].Number != 1 || frag.Chapters[1].Number != 2 {
		t.Errorf("章节未按编号排序: %+v", frag.Chapters)
	}
	// 零字数章节按正文重新统计
	if frag.Chapters[1].WordCount != 5 {
		t.Errorf("零字数章节应按正文回填, 实际 %d", frag.Chapters[1].WordCount)
	}
	if frag.TotalWordCount != 1205 {
		t.Errorf("总字数应为1205, 实际 %d", frag.TotalWordCount)
	}

	empty := contextTestStory("story_chapters_empty")
	empty.Chapters = nil
	res = svc.BuildChapterContext(empty, DefaultBuildOptions())
	if res.Data.IsValid || !hasMessage(res.Warnings, "no completed chapters") {
		t.Errorf("无章节时应当给出警告: %+v", res)
	}
}

func TestBuildPlotContext(t *testing.T) {
	svc := newContextFixture(t)
	story := contextTestStory("story_plot")
	story.ChapterCompose = &models.ChapterComposeState{
		StoryID:       story.ID,
		ChapterNumber: 1,
		CurrentPhase:  models.PhasePlotOutline,
		Phases: models.ComposePhases{
			PlotOutline: models.PlotOutlinePhase{
				OutlineItems: []models.OutlineItem{
					{ID: "outline_1", Title: "主角抵达雾都", Description: "码头接头人失约", Order: 1},
					{ID: "outline_2", Title: "雨夜追踪", Order: 2},
				},
				DraftSummary: "第一章主线确定",
			},
		},
	}

	res := svc.BuildPlotContext(story, "主角在旧钟楼发现线索", DefaultBuildOptions())
	if !res.Success || res.Data == nil {
		t.Fatalf("构建情节片段失败: %v", res.Errors)
	}
	frag := res.Data
	if frag.PlotPoint != "主角在旧钟楼发现线索" || !frag.IsValid {
		t.Errorf("情节点内容不符: %+v", frag)
	}
	if len(frag.OutlineItems) != 2 ||
		frag.OutlineItems[0] != "主角抵达雾都: 码头接头人失约" ||
		frag.OutlineItems[1] != "雨夜追踪" {
		t.Errorf("大纲条目渲染不符: %v", frag.OutlineItems)
	}
	if frag.DraftSummary != "第一章主线确定" {
		t.Errorf("草稿摘要不符: %s", frag.DraftSummary)
	}

	// 情节点参与缓存键，不同情节点互不命中
	second := svc.BuildPlotContext(story, "反派初次露面", DefaultBuildOptions())
	if second.FromCache {
		t.Error("不同情节点不应共用缓存")
	}
	if second.Data.PlotPoint != "反派初次露面" {
		t.Errorf("第二个情节点内容不符: %s", second.Data.PlotPoint)
	}
	replay := svc.BuildPlotContext(story, "主角在旧钟楼发现线索", DefaultBuildOptions())
	if !replay.FromCache || replay.Data.PlotPoint != "主角在旧钟楼发现线索" {
		t.Errorf("相同情节点应命中缓存: fromCache=%v", replay.FromCache)
	}

	blank := svc.BuildPlotContext(story, "  ", DefaultBuildOptions())
	if !blank.Success {
		t.Error("空情节点是语义错误，信封应当成功")
	}
	if blank.Data.IsValid || !hasMessage(blank.Errors, "plot point is empty") {
		t.Errorf("空情节点应报错并标记无效: %+v", blank)
	}
}

func TestContextCacheReplay(t *testing.T) {
	svc := newContextFixture(t)
	story := contextTestStory("story_cache")
	story.Config.SystemPrompts.Assistant = ""

	first := svc.BuildSystemPromptsContext(story, DefaultBuildOptions())
	if first.FromCache {
		t.Fatal("首次构建不应命中缓存")
	}
	if !hasMessage(first.Errors, "assistant system prompt is empty") {
		t.Fatalf("首次构建应给出校验错误: %v", first.Errors)
	}

	// 命中缓存时校验结论一并回放
	replay := svc.BuildSystemPromptsContext(story, DefaultBuildOptions())
	if !replay.FromCache {
		t.Fatal("第二次构建应命中缓存")
	}
	if replay.CacheAge < 0 {
		t.Errorf("缓存年龄不应为负: %f", replay.CacheAge)
	}
	if !hasMessage(replay.Errors, "assistant system prompt is empty") {
		t.Errorf("缓存回放丢失了校验错误: %v", replay.Errors)
	}
	if replay.Data == nil || replay.Data.IsValid {
		t.Error("缓存回放的片段应保持无效标记")
	}

	// 关闭缓存的构建既不读也不写
	bypass := svc.BuildSystemPromptsContext(story, BuildOptions{UseCache: false})
	if bypass.FromCache {
		t.Error("UseCache=false不应命中缓存")
	}
	fresh := contextTestStory("story_cache_nowrite")
	if res := svc.BuildSystemPromptsContext(fresh, BuildOptions{UseCache: false}); res.FromCache {
		t.Error("UseCache=false的首次构建不应命中缓存")
	}
	if res := svc.BuildSystemPromptsContext(fresh, DefaultBuildOptions()); res.FromCache {
		t.Error("UseCache=false的构建不应写入缓存")
	}

	// MaxCacheAge限制命中年龄，超龄条目按未命中处理并重建
	aged := contextTestStory("story_cache_aged")
	if res := svc.BuildWorldbuildingContext(aged, DefaultBuildOptions()); res.FromCache {
		t.Fatal("首次构建不应命中缓存")
	}
	time.Sleep(5 * time.Millisecond)
	strict := BuildOptions{UseCache: true, MaxCacheAge: time.Millisecond}
	if res := svc.BuildWorldbuildingContext(aged, strict); res.FromCache {
		t.Error("超过MaxCacheAge的条目不应命中")
	}
	if res := svc.BuildWorldbuildingContext(aged, DefaultBuildOptions()); !res.FromCache {
		t.Error("重建后的条目应当再次命中")
	}
}

func TestClearStoryCache(t *testing.T) {
	svc := newContextFixture(t)
	storyA := contextTestStory("story_clear_a")
	storyB := contextTestStory("story_clear_b")

	svc.BuildSystemPromptsContext(storyA, DefaultBuildOptions())
	svc.BuildWorldbuildingContext(storyA, DefaultBuildOptions())
	svc.BuildStorySummaryContext(storyB, DefaultBuildOptions())

	if n := svc.ClearStoryCache("story_clear_a"); n != 2 {
		t.Errorf("应清除2个片段, 实际 %d", n)
	}
	if res := svc.BuildSystemPromptsContext(storyA, DefaultBuildOptions()); res.FromCache {
		t.Error("清除后的故事不应再命中缓存")
	}
	// 只影响指定故事
	if res := svc.BuildStorySummaryContext(storyB, DefaultBuildOptions()); !res.FromCache {
		t.Error("清除不应波及其他故事的缓存")
	}

	if n := svc.ClearStoryCache("story_missing"); n != 0 {
		t.Errorf("不存在的故事应清除0个片段, 实际 %d", n)
	}

	svc.ClearCache()
	if res := svc.BuildStorySummaryContext(storyB, DefaultBuildOptions()); res.FromCache {
		t.Error("全量清空后不应命中缓存")
	}
}

func TestBuildFeedbackContext(t *testing.T) {
	svc := newContextFixture(t)
	story := contextTestStory("story_fb")

	nilRes := svc.BuildFeedbackContext(nil, nil)
	if nilRes.Success || !hasMessage(nilRes.Errors, "story is nil") {
		t.Errorf("story为nil时应结构性失败: %+v", nilRes)
	}

	items := []models.FeedbackItem{
		{ID: "fb_1", Source: "character", Author: "赵铁衣", Content: "对白太文了"},
		{ID: "fb_2", Source: "rater", Author: "节奏评委", Content: "中段偏慢", Score: 6},
	}
	res := svc.BuildFeedbackContext(story, items)
	if !res.Success || res.Data.Count != 2 || !res.Data.IsValid {
		t.Fatalf("构建反馈片段失败: %+v", res)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("有反馈时不应有警告: %v", res.Warnings)
	}

	// 反馈随时在变，不走缓存
	again := svc.BuildFeedbackContext(story, items)
	if again.FromCache {
		t.Error("反馈片段不应命中缓存")
	}

	emptyRes := svc.BuildFeedbackContext(story, nil)
	if emptyRes.Data.IsValid || !hasMessage(emptyRes.Warnings, "no feedback available") {
		t.Errorf("无反馈时应当给出警告: %+v", emptyRes)
	}
}

func TestBuildConversationContext(t *testing.T) {
	svc := newContextFixture(t)

	res := svc.BuildConversationContext(nil, 0)
	if !res.Success {
		t.Fatal("缺少会话线程不是失败")
	}
	if !hasMessage(res.Warnings, "no conversation thread") {
		t.Errorf("缺少线程的警告未上报: %v", res.Warnings)
	}
	if res.Data == nil || res.Data.IsValid || res.Data.TotalCount != 0 {
		t.Errorf("空线程片段形态不对: %+v", res.Data)
	}

	thread := &models.ConversationThread{
		ID:      "thread_ctx",
		StoryID: "story_conv",
		Messages: []models.ChatMessage{
			{ID: "m1", BranchID: models.MainBranchID, Role: models.MessageRoleUser, Content: "先定大纲"},
			{ID: "m2", BranchID: models.MainBranchID, Role: models.MessageRoleAssistant, Content: "好的，我列三个情节点"},
			{ID: "m3", BranchID: models.MainBranchID, Role: models.MessageRoleUser, Content: "第二点展开讲"},
			{ID: "m4", BranchID: "branch_alt", Role: models.MessageRoleUser, Content: "换个方向"},
		},
		Branches: map[string]models.ConversationBranch{
			models.MainBranchID: {ID: models.MainBranchID, Name: "main", MessageIDs: []string{"m1", "m2", "m3"}},
			"branch_alt":        {ID: "branch_alt", Name: "branch-1", ParentMessageID: "m1", MessageIDs: []string{"m4"}},
		},
		CurrentBranchID: models.MainBranchID,
	}

	full := svc.BuildConversationContext(thread, 2)
	if !full.Success || full.Data == nil {
		t.Fatalf("构建会话片段失败: %+v", full)
	}
	frag := full.Data
	if frag.TotalCount != 3 || len(frag.Messages) != 3 {
		t.Fatalf("主分支消息总数应为3, 实际 %d", frag.TotalCount)
	}
	if len(frag.RecentMessages) != 2 {
		t.Fatalf("近期窗口应只保留2条, 实际 %d", len(frag.RecentMessages))
	}
	if frag.RecentMessages[0].ID != "m2" || frag.RecentMessages[1].ID != "m3" {
		t.Errorf("近期窗口应取最后两条: %s, %s", frag.RecentMessages[0].ID, frag.RecentMessages[1].ID)
	}

	// 切到分支后只看到分叉点之前的祖先链加自身消息
	thread.CurrentBranchID = "branch_alt"
	alt := svc.BuildConversationContext(thread, 0)
	if alt.Data.TotalCount != 2 {
		t.Fatalf("分支视图消息总数应为2, 实际 %d", alt.Data.TotalCount)
	}
	if alt.Data.Messages[0].ID != "m1" || alt.Data.Messages[1].ID != "m4" {
		t.Errorf("分支消息链不符: %+v", alt.Data.Messages)
	}

	// maxRecent非正时使用默认窗口
	if all := svc.BuildConversationContext(thread, -1); len(all.Data.RecentMessages) != 2 {
		t.Errorf("默认窗口应覆盖全部2条消息, 实际 %d", len(all.Data.RecentMessages))
	}

	emptyThread := &models.ConversationThread{
		ID: "thread_empty",
		Branches: map[string]models.ConversationBranch{
			models.MainBranchID: {ID: models.MainBranchID, Name: "main", MessageIDs: []string{}},
		},
		CurrentBranchID: models.MainBranchID,
	}
	emptyRes := svc.BuildConversationContext(emptyThread, 0)
	if emptyRes.Data.IsValid || !hasMessage(emptyRes.Warnings, "conversation thread is empty") {
		t.Errorf("空会话应当给出警告: %+v", emptyRes)
	}
}

func TestBuildChapterGenerationContext(t *testing.T) {
	svc := newContextFixture(t)

	nilRes := svc.BuildChapterGenerationContext(nil, "情节", nil, nil, DefaultBuildOptions())
	if nilRes.Success || !hasMessage(nilRes.Errors, "story is nil") {
		t.Errorf("story为nil时应结构性失败: %+v", nilRes)
	}

	story := contextTestStory("story_composite")
	feedback := []models.FeedbackItem{{ID: "fb_1", Source: "editor", Content: "开头略拖"}}

	first := svc.BuildChapterGenerationContext(story, "主角夜探码头", feedback, nil, DefaultBuildOptions())
	if !first.Success {
		t.Fatalf("复合上下文构建失败: %v", first.Errors)
	}
	composite := first.Data
	if composite.SystemPrompts == nil || composite.Worldbuilding == nil || composite.StorySummary == nil ||
		composite.Characters == nil || composite.Chapters == nil || composite.Plot == nil ||
		composite.Feedback == nil || composite.Conversation == nil {
		t.Fatal("复合上下文的八个片段都应装配")
	}
	if first.FromCache {
		t.Error("首轮装配不应整体命中缓存")
	}
	if !hasMessage(first.Warnings, "conversation: no conversation thread") {
		t.Errorf("会话警告应带片段前缀: %v", first.Warnings)
	}

	// 六个可缓存片段全部命中时整体才算命中，反馈与会话不参与判定
	second := svc.BuildChapterGenerationContext(story, "主角夜探码头", feedback, nil, DefaultBuildOptions())
	if !second.FromCache {
		t.Error("第二轮装配应整体命中缓存")
	}
	if second.CacheAge < 0 {
		t.Errorf("整体缓存年龄不应为负: %f", second.CacheAge)
	}

	// 换情节点打掉一个片段的命中，整体就不算命中
	third := svc.BuildChapterGenerationContext(story, "反派先行一步", feedback, nil, DefaultBuildOptions())
	if third.FromCache {
		t.Error("任一片段未命中时整体不应算命中")
	}

	// 语义错误带片段名前缀汇总，信封不失败
	broken := contextTestStory("story_composite_broken")
	broken.Config.SystemPrompts.Assistant = ""
	broken.Config.Summary = ""
	res := svc.BuildChapterGenerationContext(broken, "", nil, nil, DefaultBuildOptions())
	if !res.Success {
		t.Errorf("语义错误不应导致整体失败: %v", res.Errors)
	}
	if !hasMessage(res.Errors, "system_prompts: assistant system prompt is empty") {
		t.Errorf("系统提示词错误未带前缀汇总: %v", res.Errors)
	}
	if !hasMessage(res.Errors, "story_summary: story summary is empty") {
		t.Errorf("梗概错误未带前缀汇总: %v", res.Errors)
	}
	if !hasMessage(res.Errors, "plot: plot point is empty") {
		t.Errorf("情节点错误未带前缀汇总: %v", res.Errors)
	}
}
