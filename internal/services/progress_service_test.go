// internal/services/progress_service_test.go
package services

import (
	"testing"
	"time"
)

func recvUpdate(t *testing.T, ch chan ProgressUpdate) ProgressUpdate {
	t.Helper()
	select {
	case update := <-ch:
		return update
	case <-time.After(time.Second):
		t.Fatal("等待进度更新超时")
		return ProgressUpdate{}
	}
}

func TestProgressTrackerLifecycle(t *testing.T) {
	svc := NewProgressService()

	tracker := svc.CreateTracker("task_1")
	if tracker.Status != TaskStatusRunning || tracker.Progress != 0 {
		t.Fatalf("新任务初始状态不符: %+v", tracker)
	}
	if again := svc.CreateTracker("task_1"); again != tracker {
		t.Error("相同任务ID应复用已有跟踪器")
	}
	if _, ok := svc.GetTracker("task_1"); !ok {
		t.Error("已创建的跟踪器应能查到")
	}
	if _, ok := svc.GetTracker("task_x"); ok {
		t.Error("未创建的任务不应查到")
	}

	// 进度只增不减
	tracker.UpdateProgress(50, "正文生成中")
	tracker.UpdateProgress(30, "")
	if tracker.Progress != 50 {
		t.Errorf("进度不应回退: %d", tracker.Progress)
	}
	if tracker.Message != "正文生成中" {
		t.Errorf("空消息不应覆盖原消息: %s", tracker.Message)
	}

	tracker.Complete("")
	if tracker.Status != TaskStatusCompleted || tracker.Progress != 100 {
		t.Errorf("完成后状态不符: %+v", tracker)
	}
	if tracker.Message != "任务已完成" {
		t.Errorf("缺省完成消息不符: %s", tracker.Message)
	}
	select {
	case <-tracker.Done:
	default:
		t.Error("完成后Done通道应已关闭")
	}

	// 终态后的更新与重复完成都被忽略
	tracker.UpdateProgress(10, "迟到的更新")
	tracker.Complete("再次完成")
	tracker.Fail("再次失败")
	if tracker.Status != TaskStatusCompleted || tracker.Message != "任务已完成" {
		t.Errorf("终态后状态不应再变: %+v", tracker)
	}
}

func TestProgressTrackerFail(t *testing.T) {
	svc := NewProgressService()
	tracker := svc.CreateTracker("task_fail")

	tracker.UpdateProgress(40, "生成中")
	tracker.Fail("上游超时")

	if tracker.Status != TaskStatusFailed {
		t.Errorf("失败状态不符: %s", tracker.Status)
	}
	if tracker.Message != "任务失败: 上游超时" {
		t.Errorf("失败消息不符: %s", tracker.Message)
	}
	if tracker.Progress != 40 {
		t.Errorf("失败不应改动进度: %d", tracker.Progress)
	}
	select {
	case <-tracker.Done:
	default:
		t.Error("失败后Done通道应已关闭")
	}
}

func TestProgressSubscribe(t *testing.T) {
	svc := NewProgressService()
	tracker := svc.CreateTracker("task_sub")
	tracker.UpdateProgress(20, "大纲生成中")

	ch := tracker.Subscribe()
	// 订阅时立即收到当前快照
	snapshot := recvUpdate(t, ch)
	if snapshot.Progress != 20 || snapshot.Status != TaskStatusRunning {
		t.Errorf("订阅快照不符: %+v", snapshot)
	}

	tracker.UpdateProgress(60, "正文生成中")
	update := recvUpdate(t, ch)
	if update.Progress != 60 || update.Message != "正文生成中" {
		t.Errorf("进度广播不符: %+v", update)
	}

	tracker.Complete("全部完成")
	final := recvUpdate(t, ch)
	if final.Progress != 100 || final.Status != TaskStatusCompleted {
		t.Errorf("完成广播不符: %+v", final)
	}

	tracker.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Error("取消订阅后通道应关闭")
	}
	// 重复取消订阅不应崩溃
	tracker.Unsubscribe(ch)
}

func TestCleanupCompletedTasks(t *testing.T) {
	svc := NewProgressService()

	finished := svc.CreateTracker("task_old")
	finished.Complete("")
	finished.mutex.Lock()
	finished.UpdateTime = time.Now().Add(-time.Hour)
	finished.mutex.Unlock()

	svc.CreateTracker("task_live")

	svc.CleanupCompletedTasks(30 * time.Minute)

	if _, ok := svc.GetTracker("task_old"); ok {
		t.Error("完成且过期的任务应被清理")
	}
	if _, ok := svc.GetTracker("task_live"); !ok {
		t.Error("运行中的任务不应被清理")
	}
}
