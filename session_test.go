package alljoyn

import "testing"

func TestLostSessionsBounded(t *testing.T) {
	c := NewConn(Options{})
	defer c.Close()

	for id := SessionID(1); id <= 3*maxLostSessions; id++ {
		c.sessionLostSignal(id, SessionLostRemoteEndLeftSession)
	}
	c.mu.Lock()
	n := c.lost.len()
	c.mu.Unlock()
	if n != maxLostSessions {
		t.Errorf("remembering %d lost sessions, want %d", n, maxLostSessions)
	}
	if c.sessionLost(1) {
		t.Error("oldest lost session still remembered")
	}
	if !c.sessionLost(3 * maxLostSessions) {
		t.Error("newest lost session forgotten")
	}
}

func TestLostSessionsRemove(t *testing.T) {
	var l lostSessions
	l.add(1)
	l.add(2)
	l.remove(1)
	l.add(1)
	for id := SessionID(3); id < maxLostSessions+2; id++ {
		l.add(id)
	}
	// 2 is now the oldest, and was evicted. 1 was re-added later.
	if l.has(2) {
		t.Error("evicted session 2 still present")
	}
	if !l.has(1) {
		t.Error("re-added session 1 evicted early")
	}
	if got := l.len(); got != maxLostSessions {
		t.Errorf("len = %d, want %d", got, maxLostSessions)
	}
}
