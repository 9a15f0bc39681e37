// internal/storage/file_storage_test.go
package storage

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func newTestStorage(t *testing.T) *FileStorage {
	t.Helper()
	fs, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}
	t.Cleanup(fs.StopCacheCleanup)
	return fs
}

func TestSaveLoadTextFile(t *testing.T) {
	fs := newTestStorage(t)

	if err := fs.SaveTextFile("story_a", "notes.txt", []byte("雨下了整夜")); err != nil {
		t.Fatalf("保存文本文件失败: %v", err)
	}

	content, err := fs.LoadTextFile("story_a", "notes.txt")
	if err != nil {
		t.Fatalf("读取文本文件失败: %v", err)
	}
	if string(content) != "雨下了整夜" {
		t.Errorf("读取内容不符: %s", content)
	}

	fullPath := filepath.Join(fs.BaseDir, "story_a", "notes.txt")
	if _, err := os.Stat(fullPath); err != nil {
		t.Errorf("文件未写入磁盘: %v", err)
	}
	// 原子写入不留临时文件
	if _, err := os.Stat(fullPath + ".tmp"); !os.IsNotExist(err) {
		t.Error("写入完成后临时文件未清理")
	}

	if _, err := fs.LoadTextFile("story_a", "missing.txt"); err == nil || !strings.Contains(err.Error(), "读取文件失败") {
		t.Errorf("读取不存在的文件应该报错: %v", err)
	}
}

func TestSaveLoadJSONFile(t *testing.T) {
	fs := newTestStorage(t)

	type note struct {
		Title string   `json:"title"`
		Tags  []string `json:"tags"`
	}

	saved := note{Title: "入城", Tags: []string{"主线", "伏笔"}}
	if err := fs.SaveJSONFile("story_a", "note.json", saved); err != nil {
		t.Fatalf("保存JSON文件失败: %v", err)
	}

	var loaded note
	if err := fs.LoadJSONFile("story_a", "note.json", &loaded); err != nil {
		t.Fatalf("读取JSON文件失败: %v", err)
	}
	if !reflect.DeepEqual(saved, loaded) {
		t.Errorf("JSON往返不一致: %+v", loaded)
	}

	// 落盘格式为带缩进JSON，便于人工查看
	raw, err := os.ReadFile(filepath.Join(fs.BaseDir, "story_a", "note.json"))
	if err != nil {
		t.Fatalf("直接读取落盘文件失败: %v", err)
	}
	if !strings.Contains(string(raw), "\n  \"title\"") {
		t.Errorf("JSON文件应带两空格缩进:\n%s", raw)
	}

	if err := fs.SaveTextFile("story_a", "broken.json", []byte("{{{")); err != nil {
		t.Fatalf("写入损坏文件失败: %v", err)
	}
	var out note
	if err := fs.LoadJSONFile("story_a", "broken.json", &out); err == nil || !strings.Contains(err.Error(), "解析JSON失败") {
		t.Errorf("损坏JSON应该返回解析错误: %v", err)
	}
}

func TestLoadTextFileUsesCache(t *testing.T) {
	fs := newTestStorage(t)

	if err := fs.SaveTextFile("story_a", "draft.txt", []byte("初稿")); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	if _, err := fs.LoadTextFile("story_a", "draft.txt"); err != nil {
		t.Fatalf("首次读取失败: %v", err)
	}

	// 绕过存储层直接改磁盘，读取仍应命中缓存里的旧内容
	fullPath := filepath.Join(fs.BaseDir, "story_a", "draft.txt")
	if err := os.WriteFile(fullPath, []byte("外部改动"), 0644); err != nil {
		t.Fatalf("直接写磁盘失败: %v", err)
	}
	cached, err := fs.LoadTextFile("story_a", "draft.txt")
	if err != nil {
		t.Fatalf("缓存读取失败: %v", err)
	}
	if string(cached) != "初稿" {
		t.Errorf("应该命中缓存返回旧内容，实际: %s", cached)
	}

	// 经存储层写入会使缓存失效
	if err := fs.SaveTextFile("story_a", "draft.txt", []byte("二稿")); err != nil {
		t.Fatalf("覆盖保存失败: %v", err)
	}
	fresh, err := fs.LoadTextFile("story_a", "draft.txt")
	if err != nil {
		t.Fatalf("覆盖后读取失败: %v", err)
	}
	if string(fresh) != "二稿" {
		t.Errorf("覆盖保存后应读到新内容，实际: %s", fresh)
	}
}

func TestDeleteFile(t *testing.T) {
	fs := newTestStorage(t)

	if err := fs.SaveTextFile("story_a", "tmp.txt", []byte("x")); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	if !fs.FileExists("story_a", "tmp.txt") {
		t.Fatal("文件应该存在")
	}
	if _, err := fs.LoadTextFile("story_a", "tmp.txt"); err != nil {
		t.Fatalf("读取失败: %v", err)
	}

	if err := fs.DeleteFile("story_a", "tmp.txt"); err != nil {
		t.Fatalf("删除文件失败: %v", err)
	}
	if fs.FileExists("story_a", "tmp.txt") {
		t.Error("删除后文件不应存在")
	}
	if err := fs.DeleteFile("story_a", "tmp.txt"); err == nil || !strings.Contains(err.Error(), "文件不存在") {
		t.Errorf("重复删除应该报文件不存在: %v", err)
	}

	// 删除同时清掉缓存条目
	fullPath := filepath.Join(fs.BaseDir, "story_a", "tmp.txt")
	if err := os.WriteFile(fullPath, []byte("重建"), 0644); err != nil {
		t.Fatalf("重建文件失败: %v", err)
	}
	content, err := fs.LoadTextFile("story_a", "tmp.txt")
	if err != nil {
		t.Fatalf("重建后读取失败: %v", err)
	}
	if string(content) != "重建" {
		t.Errorf("删除后缓存应被清理，实际读到: %s", content)
	}
}

func TestDeleteDir(t *testing.T) {
	fs := newTestStorage(t)

	if err := fs.SaveTextFile("story_b", "a.txt", []byte("甲")); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	if err := fs.SaveTextFile("story_b", "b.txt", []byte("乙")); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	if _, err := fs.LoadTextFile("story_b", "a.txt"); err != nil {
		t.Fatalf("读取失败: %v", err)
	}
	if !fs.DirExists("story_b") {
		t.Fatal("目录应该存在")
	}

	if err := fs.DeleteDir("story_b"); err != nil {
		t.Fatalf("删除目录失败: %v", err)
	}
	if fs.DirExists("story_b") {
		t.Error("删除后目录不应存在")
	}
	if err := fs.DeleteDir("story_b"); err == nil || !strings.Contains(err.Error(), "目录不存在") {
		t.Errorf("重复删除应该报目录不存在: %v", err)
	}

	// 目录下的缓存条目按前缀一并清除
	if err := os.MkdirAll(filepath.Join(fs.BaseDir, "story_b"), 0755); err != nil {
		t.Fatalf("重建目录失败: %v", err)
	}
	if err := os.WriteFile(filepath.Join(fs.BaseDir, "story_b", "a.txt"), []byte("丙"), 0644); err != nil {
		t.Fatalf("重建文件失败: %v", err)
	}
	content, err := fs.LoadTextFile("story_b", "a.txt")
	if err != nil {
		t.Fatalf("重建后读取失败: %v", err)
	}
	if string(content) != "丙" {
		t.Errorf("目录删除后缓存应被清理，实际读到: %s", content)
	}
}

func TestExistenceChecks(t *testing.T) {
	fs := newTestStorage(t)

	if fs.DirExists("nowhere") {
		t.Error("不存在的目录不应返回true")
	}
	if fs.FileExists("nowhere", "nothing.txt") {
		t.Error("不存在的文件不应返回true")
	}

	if err := fs.SaveTextFile("story_c", "f.txt", []byte("x")); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	if !fs.DirExists("story_c") {
		t.Error("已创建的目录应返回true")
	}
	// 普通文件不算目录
	if fs.DirExists(filepath.Join("story_c", "f.txt")) {
		t.Error("文件路径不应被当作目录")
	}
}

func TestListFiles(t *testing.T) {
	fs := newTestStorage(t)

	// 目录尚不存在时返回空，不报错
	files, err := fs.ListFiles("lib", ".json")
	if err != nil {
		t.Fatalf("列举不存在的目录不应报错: %v", err)
	}
	if files != nil {
		t.Errorf("不存在的目录应返回空列表: %v", files)
	}

	for name, body := range map[string]string{
		"b.json":    "{}",
		"a.json":    "{}",
		"notes.txt": "随手记",
	} {
		if err := fs.SaveTextFile("lib", name, []byte(body)); err != nil {
			t.Fatalf("保存 %s 失败: %v", name, err)
		}
	}
	// 子目录不应出现在文件列表里
	if err := fs.SaveTextFile(filepath.Join("lib", "sub"), "x.json", []byte("{}")); err != nil {
		t.Fatalf("保存子目录文件失败: %v", err)
	}

	jsonFiles, err := fs.ListFiles("lib", ".json")
	if err != nil {
		t.Fatalf("按后缀列举失败: %v", err)
	}
	if !reflect.DeepEqual(jsonFiles, []string{"a.json", "b.json"}) {
		t.Errorf("JSON文件列表应按名称排序: %v", jsonFiles)
	}

	all, err := fs.ListFiles("lib", "")
	if err != nil {
		t.Fatalf("列举全部文件失败: %v", err)
	}
	if !reflect.DeepEqual(all, []string{"a.json", "b.json", "notes.txt"}) {
		t.Errorf("全部文件列表不符: %v", all)
	}
}

func TestListDirs(t *testing.T) {
	fs := newTestStorage(t)

	if _, err := fs.ListDirs("nowhere"); err == nil || !strings.Contains(err.Error(), "读取目录失败") {
		t.Errorf("列举不存在的目录应该报错: %v", err)
	}

	if err := fs.SaveTextFile("s1", "f.txt", []byte("x")); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	if err := fs.SaveTextFile("s2", "f.txt", []byte("x")); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	if err := fs.SaveTextFile("", "root.txt", []byte("x")); err != nil {
		t.Fatalf("保存根文件失败: %v", err)
	}

	dirs, err := fs.ListDirs("")
	if err != nil {
		t.Fatalf("列举根目录失败: %v", err)
	}
	if !reflect.DeepEqual(dirs, []string{"s1", "s2"}) {
		t.Errorf("子目录列表应只含目录且有序: %v", dirs)
	}
}

func TestDirSize(t *testing.T) {
	fs := newTestStorage(t)

	size, err := fs.DirSize("nowhere")
	if err != nil {
		t.Fatalf("统计不存在的目录不应报错: %v", err)
	}
	if size != 0 {
		t.Errorf("不存在的目录大小应为0: %d", size)
	}

	if err := fs.SaveTextFile("q", "a.bin", make([]byte, 100)); err != nil {
		t.Fatalf("保存失败: %v", err)
	}
	if err := fs.SaveTextFile(filepath.Join("q", "sub"), "b.bin", make([]byte, 50)); err != nil {
		t.Fatalf("保存失败: %v", err)
	}

	size, err = fs.DirSize("q")
	if err != nil {
		t.Fatalf("统计目录大小失败: %v", err)
	}
	if size != 150 {
		t.Errorf("目录大小应为150字节, 实际 %d", size)
	}
}

func TestStopCacheCleanupIdempotent(t *testing.T) {
	fs, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("创建文件存储失败: %v", err)
	}
	fs.StopCacheCleanup()
	fs.StopCacheCleanup()
}
