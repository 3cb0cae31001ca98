package onboarding

import "sync"

// stepLocks はユーザー単位の非ブロッキングロック。
// 同一ユーザーの送信処理が実行中の場合、後続の送信は待たずに失敗させる。
type stepLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newStepLocks() *stepLocks {
	return &stepLocks{held: make(map[string]struct{})}
}

// tryLock はロックを取得できた場合に解放関数とtrueを返す。
func (l *stepLocks) tryLock(subject string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[subject]; busy {
		return nil, false
	}
	l.held[subject] = struct{}{}

	return func() {
		l.mu.Lock()
		delete(l.held, subject)
		l.mu.Unlock()
	}, true
}
