package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/deepshell/deepshell/pkg/llmerr"
	"github.com/deepshell/deepshell/pkg/models"
)

// Temp is the session id whose messages live only as long as the process.
// It is what an ad-hoc REPL uses, so scratch conversations never show up
// in the stored session list.
const Temp = "temp"

// Memory is a process-local conversation log with the same ordering
// guarantees as Store.
type Memory struct {
	mu   sync.Mutex
	logs map[string][]models.Message
	last time.Time
	now  func() time.Time
}

// NewMemory returns an empty Memory.
func NewMemory() *Memory {
	return &Memory{logs: make(map[string][]models.Message), now: time.Now}
}

// Append adds msgs to the end of session id. Either all of them are
// added or none are.
func (m *Memory) Append(_ context.Context, id string, msgs ...models.Message) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	for _, msg := range msgs {
		if msg.Role != models.RoleUser && msg.Role != models.RoleAssistant {
			return llmerr.Errorf(llmerr.KindSessionWrite, "session append", "invalid role %q", msg.Role)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.logs[id]
	for _, msg := range msgs {
		t := m.now().UTC()
		if !t.After(m.last) {
			t = m.last.Add(time.Nanosecond)
		}
		m.last = t
		msg.Seq = int64(len(log) + 1)
		msg.Timestamp = t
		log = append(log, msg)
	}
	m.logs[id] = log
	return nil
}

// Read returns a copy of session id in submission order.
func (m *Memory) Read(_ context.Context, id string) ([]models.Message, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.logs[id]), nil
}
