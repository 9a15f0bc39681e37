// internal/services/lock_manager_test.go
package services

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestExecuteWithStoryLockSerializes(t *testing.T) {
	lm := NewLockManager()
	t.Cleanup(lm.Stop)

	const goroutines = 8
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lm.ExecuteWithStoryLock("story_a", func() error {
				// 非原子的读改写，锁失效时必然丢更新
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
		}()
	}
	wg.Wait()

	if counter != goroutines {
		t.Errorf("同一故事的写操作应串行执行, 计数 %d, 期望 %d", counter, goroutines)
	}
}

func TestStoryLocksAreIndependent(t *testing.T) {
	lm := NewLockManager()
	t.Cleanup(lm.Stop)

	aInside := make(chan struct{})
	aRelease := make(chan struct{})
	aDone := make(chan struct{})
	go func() {
		_ = lm.ExecuteWithStoryLock("story_a", func() error {
			close(aInside)
			<-aRelease
			return nil
		})
		close(aDone)
	}()
	<-aInside

	bDone := make(chan struct{})
	go func() {
		_ = lm.ExecuteWithStoryLock("story_b", func() error { return nil })
		close(bDone)
	}()

	select {
	case <-bDone:
	case <-time.After(time.Second):
		t.Error("不同故事的锁不应互相阻塞")
	}

	close(aRelease)
	<-aDone
}

func TestExecuteWithStoryLockPropagatesError(t *testing.T) {
	lm := NewLockManager()
	t.Cleanup(lm.Stop)

	sentinel := errors.New("写入失败")
	if err := lm.ExecuteWithStoryLock("story_a", func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Errorf("回调错误应原样返回: %v", err)
	}
	if err := lm.ExecuteWithStoryReadLock("story_a", func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Errorf("读锁回调错误应原样返回: %v", err)
	}
}

func TestReadLocksShareWriteLockBlocks(t *testing.T) {
	lm := NewLockManager()
	t.Cleanup(lm.Stop)

	rInside := make(chan struct{})
	rRelease := make(chan struct{})
	rDone := make(chan struct{})
	go func() {
		_ = lm.ExecuteWithStoryReadLock("story_a", func() error {
			close(rInside)
			<-rRelease
			return nil
		})
		close(rDone)
	}()
	<-rInside

	// 第二个读锁不等第一个释放
	secondRead := make(chan struct{})
	go func() {
		_ = lm.ExecuteWithStoryReadLock("story_a", func() error { return nil })
		close(secondRead)
	}()
	select {
	case <-secondRead:
	case <-time.After(time.Second):
		t.Error("读锁之间不应互斥")
	}

	// 写锁要等读锁全部释放
	writeDone := make(chan struct{})
	go func() {
		_ = lm.ExecuteWithStoryLock("story_a", func() error { return nil })
		close(writeDone)
	}()
	select {
	case <-writeDone:
		t.Error("读锁未释放时写锁不应获得")
	case <-time.After(50 * time.Millisecond):
	}

	close(rRelease)
	<-rDone
	select {
	case <-writeDone:
	case <-time.After(time.Second):
		t.Error("读锁释放后写锁应获得")
	}
}

func TestLockManagerStopIdempotent(t *testing.T) {
	lm := NewLockManager()
	lm.Stop()
	lm.Stop()
}
