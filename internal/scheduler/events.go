package scheduler

import (
	"strings"
	"time"

	"github.com/antoniostano/miniond/internal/minion"
)

type EventType string

const (
	EventTaskCreated     EventType = "task_created"
	EventTaskQueued      EventType = "task_queued"
	EventTaskStarted     EventType = "task_started"
	EventTaskReminder    EventType = "task_reminder"
	EventTaskReported    EventType = "task_reported"
	EventTaskHandoff     EventType = "task_handoff"
	EventTaskInterrupted EventType = "task_interrupted"
	EventTaskResumed     EventType = "task_resumed"
	EventTaskTerminated  EventType = "task_terminated"
	EventTaskRemoved     EventType = "task_removed"
	EventAutoResume      EventType = "auto_resume"
	EventArtifact        EventType = "artifact"
)

type Event struct {
	Type         EventType     `json:"type"`
	TaskID       string        `json:"task_id,omitempty"`
	RootMinionID string        `json:"root_minion_id,omitempty"`
	AgentID      string        `json:"agent_id,omitempty"`
	Status       minion.Status `json:"status,omitempty"`
	Detail       string        `json:"detail,omitempty"`
	At           time.Time     `json:"at"`
}

// Subscribe returns a channel of scheduler events scoped to one root minion,
// plus its cancel func. Slow consumers drop events rather than block the
// scheduler.
func (s *Scheduler) Subscribe(rootMinionID string) (<-chan Event, func()) {
	rootMinionID = strings.TrimSpace(rootMinionID)
	if rootMinionID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, 256)
	s.mu.Lock()
	s.nextSubID++
	id := s.nextSubID
	if _, ok := s.subscribers[rootMinionID]; !ok {
		s.subscribers[rootMinionID] = make(map[int]chan Event)
	}
	s.subscribers[rootMinionID][id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subscribers[rootMinionID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
		}
		if len(subs) == 0 {
			delete(s.subscribers, rootMinionID)
		}
	}
}

// Events returns the recent event history for one task.
func (s *Scheduler) Events(taskID string, limit int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.eventsByTask[taskID]
	if len(events) == 0 {
		return []Event{}
	}
	start := 0
	if limit > 0 && limit < len(events) {
		start = len(events) - limit
	}
	out := make([]Event, len(events)-start)
	copy(out, events[start:])
	return out
}

func (s *Scheduler) publish(evt Event) {
	if evt.At.IsZero() {
		evt.At = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if taskID := strings.TrimSpace(evt.TaskID); taskID != "" {
		s.eventsByTask[taskID] = append(s.eventsByTask[taskID], evt)
		if len(s.eventsByTask[taskID]) > defaultEventHistoryLimit {
			trimFrom := len(s.eventsByTask[taskID]) - defaultEventHistoryLimit
			s.eventsByTask[taskID] = append([]Event(nil), s.eventsByTask[taskID][trimFrom:]...)
		}
	}

	subs := s.subscribers[evt.RootMinionID]
	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
