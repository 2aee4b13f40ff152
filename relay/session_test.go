package relay

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionModifyMerges(t *testing.T) {
	tests := []struct {
		name     string
		run      func(s *Session, id SubID)
		wantKind taskKind
		check    func(t *testing.T, task *outboxTask)
	}{
		{
			name: "relays then filters is a full modification",
			run: func(s *Session, id SubID) {
				s.ModifyRelays(id, []string{relayB})
				s.ModifyFilters(id, kinds(4))
			},
			wantKind: taskModifyFull,
			check: func(t *testing.T, task *outboxTask) {
				assert.Contains(t, task.relays, relayB)
				assert.Equal(t, []int{4}, task.filters[0].Kinds)
			},
		},
		{
			name: "filters then relays is a full modification",
			run: func(s *Session, id SubID) {
				s.ModifyFilters(id, kinds(4))
				s.ModifyRelays(id, []string{relayB})
			},
			wantKind: taskModifyFull,
		},
		{
			name: "unsubscribe then modify filters",
			run: func(s *Session, id SubID) {
				s.Unsubscribe(id)
				s.ModifyFilters(id, kinds(4))
			},
			wantKind: taskModifyFilters,
		},
		{
			name: "modify then unsubscribe",
			run: func(s *Session, id SubID) {
				s.ModifyFilters(id, kinds(4))
				s.Unsubscribe(id)
			},
			wantKind: taskUnsubscribeSub,
		},
		{
			name: "empty filters unsubscribe",
			run: func(s *Session, id SubID) {
				s.ModifyFilters(id, nostr.Filters{{}})
			},
			wantKind: taskUnsubscribeSub,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPool(t, nil)
			s := p.StartSession()
			tt.run(s, 7)

			task, ok := s.tasks[7]
			require.True(t, ok)
			assert.Equal(t, tt.wantKind, task.kind)
			assert.Equal(t, []SubID{7}, s.order)
			if tt.check != nil {
				tt.check(t, task)
			}
		})
	}
}

func TestSessionModifyPendingSubscribe(t *testing.T) {
	p := newTestPool(t, nil)
	s := p.StartSession()

	id := s.Subscribe(kinds(1), mustPkg(t, relayA))
	s.ModifyFilters(id, kinds(2))
	s.ModifyRelays(id, []string{relayB, "http://bad"})

	task := s.tasks[id]
	assert.Equal(t, taskSubscribe, task.kind)
	assert.Equal(t, []int{2}, task.filters[0].Kinds)
	assert.Equal(t, []string{relayB}, task.pkg.Sorted())

	oneshot := s.Oneshot(kinds(1), mustPkg(t, relayA))
	s.ModifyFilters(oneshot, kinds(3))
	s.ModifyRelays(oneshot, []string{relayB})
	task = s.tasks[oneshot]
	assert.Equal(t, taskOneshot, task.kind)
	assert.Equal(t, []int{1}, task.filters[0].Kinds)
	assert.Equal(t, []string{relayA}, task.pkg.Sorted())
}

func TestSessionCommitResets(t *testing.T) {
	p := newTestPool(t, nil)
	s := p.StartSession()
	first := s.Subscribe(kinds(1), mustPkg(t, relayA))
	s.Commit()

	assert.Empty(t, s.order)
	assert.Empty(t, s.tasks)
	assert.Equal(t, 1, p.Len())

	second := s.Subscribe(kinds(2), mustPkg(t, relayA))
	assert.NotEqual(t, first, second)
	s.Commit()
	assert.Equal(t, 2, p.Len())
}

func TestWithSessionCommitsOnPanic(t *testing.T) {
	p := newTestPool(t, nil)

	assert.Panics(t, func() {
		p.WithSession(func(s *Session) {
			s.Subscribe(kinds(1), mustPkg(t, relayA))
			panic("boom")
		})
	})
	assert.Equal(t, 1, p.Len())
}

func TestSessionIDsAreUnique(t *testing.T) {
	p := newTestPool(t, nil)
	seen := make(map[SubID]bool)
	for i := 0; i < 3; i++ {
		p.WithSession(func(s *Session) {
			for j := 0; j < 10; j++ {
				id := s.Subscribe(nostr.Filters{{}}, mustPkg(t, relayA))
				require.False(t, seen[id])
				seen[id] = true
			}
		})
	}
}
