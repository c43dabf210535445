// Package debounce は取り消し可能な単発の遅延タスクを提供します。
package debounce

import (
	"sync"
	"time"
)

// Timer は同時に高々1つの保留タスクだけを持つデバウンスタイマーです。
// Schedule のたびに前のタスクは取り消され、新しいタスクに置き換わります。
type Timer struct {
	mu      sync.Mutex
	delay   time.Duration
	t       *time.Timer
	seq     uint64
	pending func()
}

// New は delay 後に発火するタイマーを返します。
func New(delay time.Duration) *Timer {
	return &Timer{delay: delay}
}

// Delay は設定済みの遅延を返します。
func (d *Timer) Delay() time.Duration {
	return d.delay
}

// Schedule は保留中のタスクを取り消し、fn を delay 後に実行するよう予約します。
func (d *Timer) Schedule(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopLocked()
	d.seq++
	seq := d.seq
	d.pending = fn
	d.t = time.AfterFunc(d.delay, func() {
		d.fire(seq)
	})
}

// Cancel は保留中のタスクを実行せずに破棄します。破棄したものがあれば true を返します。
func (d *Timer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	had := d.pending != nil
	d.stopLocked()
	d.seq++
	return had
}

// Flush は保留中のタスクがあれば呼び出し元のゴルーチンで即座に実行します。
func (d *Timer) Flush() bool {
	d.mu.Lock()
	fn := d.pending
	d.stopLocked()
	d.seq++
	d.mu.Unlock()

	if fn == nil {
		return false
	}
	fn()
	return true
}

// Pending は保留中のタスクがあるかどうかを返します。
func (d *Timer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

func (d *Timer) fire(seq uint64) {
	d.mu.Lock()
	// Stop が間に合わず発火した古いタスクはここで弾く
	if seq != d.seq || d.pending == nil {
		d.mu.Unlock()
		return
	}
	fn := d.pending
	d.pending = nil
	d.t = nil
	d.mu.Unlock()

	fn()
}

func (d *Timer) stopLocked() {
	if d.t != nil {
		d.t.Stop()
		d.t = nil
	}
	d.pending = nil
}
