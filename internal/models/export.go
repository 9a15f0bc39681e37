// internal/models/export.go
package models

import (
	"time"
)

// ExportResult 单个故事的文档导出结果
type ExportResult struct {
	StoryID     string            `json:"story_id"`
	Title       string            `json:"title"`
	Format      string            `json:"format"` // json / markdown / text / html
	Content     string            `json:"content"`
	GeneratedAt time.Time         `json:"generated_at"`
	FilePath    string            `json:"file_path,omitempty"` // 落盘后的文件路径
	FileSize    int64             `json:"file_size,omitempty"`
	Stats       *StoryExportStats `json:"stats,omitempty"`
}

// StoryExportStats 导出文档附带的统计
type StoryExportStats struct {
	ChapterCount     int       `json:"chapter_count"`
	TotalWordCount   int       `json:"total_word_count"`
	CharacterCount   int       `json:"character_count"`
	OutlineItemCount int       `json:"outline_item_count"`
	ReviewItemCount  int       `json:"review_item_count"`
	CurrentPhase     string    `json:"current_phase,omitempty"`
	FirstChapterAt   time.Time `json:"first_chapter_at,omitempty"`
	LastUpdatedAt    time.Time `json:"last_updated_at,omitempty"`
}

// StoryIndexEntry 故事列表索引项，由存储层派生
type StoryIndexEntry struct {
	ID           string       `json:"id"`
	Title        string       `json:"title"`
	UpdatedAt    time.Time    `json:"updated_at"`
	ChapterCount int          `json:"chapter_count"`
	WordCount    int          `json:"word_count"`
	CurrentPhase ComposePhase `json:"current_phase,omitempty"`
}

// ArchiveVersion 全量存档的格式版本
const ArchiveVersion = 1

// StoryArchive 全量导出/导入的单一JSON存档：
// 所有故事的内容、创作状态与生成设置快照。
type StoryArchive struct {
	Version    int                  `json:"version"`
	ExportedAt time.Time            `json:"exported_at"`
	Stories    []Story              `json:"stories"`
	Threads    []ConversationThread `json:"threads,omitempty"`
	Settings   map[string]string    `json:"settings,omitempty"`
}

// ImportResult 导入存档的结果
type ImportResult struct {
	Imported  int      `json:"imported"`
	Skipped   int      `json:"skipped"`
	Overwrote int      `json:"overwrote"`
	Warnings  []string `json:"warnings,omitempty"`
}

// StorageQuota 存储配额观测值，供UI在超限前预警
type StorageQuota struct {
	UsedBytes      int64   `json:"used_bytes"`
	AvailableBytes int64   `json:"available_bytes"`
	Percent        float64 `json:"percent"`
	StoryCount     int     `json:"story_count"`
}
