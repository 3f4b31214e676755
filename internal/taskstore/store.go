package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcasteel/bookmark-orchestration-substrate/internal/orcherr"
)

// MaxMessagesPerTask bounds the in-memory/DB message ring per task,
// the same "bounded so memory doesn't grow unbounded" idea as the
// teacher's buffered subscription channels.
const MaxMessagesPerTask = 2000

// EventRecorder is implemented by the event mesh; the store publishes
// one event per mutation so every observer shares one source of truth,
// matching spec §4.2. Accepting the narrow interface here (rather than
// importing the events package) keeps taskstore leaf-level.
type EventRecorder interface {
	RecordTaskEvent(ctx context.Context, kind string, task *Task, extra map[string]interface{})
}

// Store is the authoritative SQLite-backed home for tasks, artifacts
// and messages. A single mutex serializes all CAS transitions and
// idempotent appends, the same coarse-but-simple locking the teacher
// uses for its in-memory Queue — correct because every write also goes
// through the same lock before hitting SQLite, so there is never a
// window where two goroutines race the same row.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	recorder EventRecorder
}

// New creates a Store and initializes its schema.
func New(db *sql.DB, recorder EventRecorder) (*Store, error) {
	s := &Store{db: db, recorder: recorder}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("taskstore: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		user TEXT NOT NULL,
		workflow TEXT NOT NULL,
		current_step INTEGER NOT NULL,
		current_agent TEXT,
		total_steps INTEGER NOT NULL,
		context TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		attempt INTEGER NOT NULL DEFAULT 0,
		last_error_kind TEXT,
		last_error_detail TEXT,
		correlation_id TEXT,
		causation_id TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		step INTEGER NOT NULL,
		type_tag TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(task_id, agent_type, step)
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_task ON artifacts(task_id, step);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		agent_type TEXT NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		seq INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_task ON messages(task_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreateTask persists a new task at step 0, status pending, and emits
// a TaskCreated event.
func (s *Store) CreateTask(ctx context.Context, taskType string, taskContext map[string]interface{}, user string, workflow []string, priority int) (*Task, error) {
	if len(workflow) == 0 {
		return nil, orcherr.New(orcherr.InvalidInput, "workflow must have at least one step")
	}
	if taskContext == nil {
		taskContext = map[string]interface{}{}
	}

	now := time.Now()
	task := &Task{
		ID:           uuid.New().String(),
		Type:         taskType,
		Status:       StatusPending,
		User:         user,
		Workflow:     workflow,
		CurrentStep:  0,
		CurrentAgent: workflow[0],
		TotalSteps:   len(workflow),
		Context:      taskContext,
		Priority:     priority,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistTask(task); err != nil {
		return nil, fmt.Errorf("taskstore: create task: %w", err)
	}

	s.emit(ctx, "task_created", task, nil)
	return task, nil
}

func (s *Store) persistTask(t *Task) error {
	workflowJSON, err := json.Marshal(t.Workflow)
	if err != nil {
		return err
	}
	contextJSON, err := json.Marshal(t.Context)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, type, status, user, workflow, current_step, current_agent, total_steps, context, priority, attempt, last_error_kind, last_error_detail, correlation_id, causation_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			current_step=excluded.current_step,
			current_agent=excluded.current_agent,
			context=excluded.context,
			attempt=excluded.attempt,
			last_error_kind=excluded.last_error_kind,
			last_error_detail=excluded.last_error_detail,
			updated_at=excluded.updated_at
	`,
		t.ID, t.Type, t.Status, t.User, string(workflowJSON), t.CurrentStep, t.CurrentAgent, t.TotalSteps,
		string(contextJSON), t.Priority, t.Attempt, t.LastErrorKind, t.LastErrorDetail,
		t.CorrelationID, t.CausationID, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

// GetTask retrieves a single task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTaskLocked(id)
}

func (s *Store) getTaskLocked(id string) (*Task, error) {
	row := s.db.QueryRow(`
		SELECT id, type, status, user, workflow, current_step, current_agent, total_steps, context, priority, attempt, last_error_kind, last_error_detail, correlation_id, causation_id, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

func scanTask(row *sql.Row) (*Task, error) {
	var t Task
	var workflowJSON, contextJSON string
	var currentAgent, lastErrKind, lastErrDetail, corrID, causeID sql.NullString

	err := row.Scan(&t.ID, &t.Type, &t.Status, &t.User, &workflowJSON, &t.CurrentStep, &currentAgent,
		&t.TotalSteps, &contextJSON, &t.Priority, &t.Attempt, &lastErrKind, &lastErrDetail,
		&corrID, &causeID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, orcherr.New(orcherr.InvalidInput, "task not found")
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(workflowJSON), &t.Workflow); err != nil {
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if err := json.Unmarshal([]byte(contextJSON), &t.Context); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	t.CurrentAgent = currentAgent.String
	t.LastErrorKind = lastErrKind.String
	t.LastErrorDetail = lastErrDetail.String
	t.CorrelationID = corrID.String
	t.CausationID = causeID.String
	return &t, nil
}

// ListTasks returns tasks matching filter, ordered by creation time.
func (s *Store) ListTasks(filter Filter) ([]*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, type, status, user, workflow, current_step, current_agent, total_steps, context, priority, attempt, last_error_kind, last_error_detail, correlation_id, causation_id, created_at, updated_at
		FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*Task
	for rows.Next() {
		var workflowJSON, contextJSON string
		var currentAgent, lastErrKind, lastErrDetail, corrID, causeID sql.NullString
		var t Task
		if err := rows.Scan(&t.ID, &t.Type, &t.Status, &t.User, &workflowJSON, &t.CurrentStep, &currentAgent,
			&t.TotalSteps, &contextJSON, &t.Priority, &t.Attempt, &lastErrKind, &lastErrDetail,
			&corrID, &causeID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(workflowJSON), &t.Workflow)
		json.Unmarshal([]byte(contextJSON), &t.Context)
		t.CurrentAgent = currentAgent.String
		t.LastErrorKind = lastErrKind.String
		t.LastErrorDetail = lastErrDetail.String
		t.CorrelationID = corrID.String
		t.CausationID = causeID.String

		if filter.matches(&t) {
			results = append(results, &t)
		}
	}
	return results, rows.Err()
}

// ListReady returns tasks currently runnable by agentType (status
// running, current step's agent matches), ordered by the tie-break
// rule from spec §4.4: (priority desc, created asc, id asc).
func (s *Store) ListReady(agentType string) ([]*Task, error) {
	tasks, err := s.ListTasks(Filter{Status: StatusRunning})
	if err != nil {
		return nil, err
	}

	var ready []*Task
	for _, t := range tasks {
		if t.CurrentAgentType() == agentType {
			ready = append(ready, t)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready, nil
}

// TransitionTask performs a CAS: it only applies mutate and persists if
// the task's current (status, current_step) equals (fromStatus,
// fromStep). Fails with orcherr.ConcurrentUpdate otherwise. mutate may
// change Status, CurrentStep, Context, etc. — the caller is
// responsible for leaving the result consistent with CanTransition.
func (s *Store) TransitionTask(ctx context.Context, id string, fromStatus Status, fromStep int, mutate func(*Task)) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, err := s.getTaskLocked(id)
	if err != nil {
		return nil, err
	}

	if task.Status != fromStatus || task.CurrentStep != fromStep {
		return nil, orcherr.New(orcherr.ConcurrentUpdate,
			fmt.Sprintf("task %s expected (status=%s,step=%d) but found (status=%s,step=%d)",
				id, fromStatus, fromStep, task.Status, task.CurrentStep))
	}

	if IsTerminal(task.Status) {
		return nil, orcherr.New(orcherr.InvalidInput, fmt.Sprintf("task %s is already terminal (%s)", id, task.Status))
	}

	prevStatus := task.Status
	mutate(task)

	if prevStatus != task.Status && !CanTransition(prevStatus, task.Status) {
		return nil, orcherr.New(orcherr.InvalidInput, fmt.Sprintf("illegal transition %s -> %s", prevStatus, task.Status))
	}

	task.UpdatedAt = time.Now()
	if err := s.persistTask(task); err != nil {
		return nil, fmt.Errorf("taskstore: persist transition: %w", err)
	}

	s.emit(ctx, "task_transitioned", task, map[string]interface{}{"from": string(prevStatus)})
	return task, nil
}

// AppendArtifact inserts an artifact under the (task_id, agent_type,
// step) idempotency key. If an artifact already exists for that key,
// it is returned unchanged with inserted=false so retried workers
// converge (P1).
func (s *Store) AppendArtifact(ctx context.Context, taskID, agentType string, step int, typeTag, mimeType string, data map[string]interface{}) (artifact *Artifact, inserted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getArtifactLocked(taskID, agentType, step)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		return nil, false, fmt.Errorf("marshal artifact data: %w", err)
	}

	art := &Artifact{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		AgentType: agentType,
		Step:      step,
		TypeTag:   typeTag,
		MimeType:  mimeType,
		Data:      data,
		CreatedAt: time.Now(),
		Immutable: true,
	}

	_, err = s.db.Exec(`
		INSERT INTO artifacts (id, task_id, agent_type, step, type_tag, mime_type, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		art.ID, art.TaskID, art.AgentType, art.Step, art.TypeTag, art.MimeType, string(dataJSON), art.CreatedAt,
	)
	if err != nil {
		// A concurrent writer may have won the UNIQUE(task_id,agent_type,step)
		// race between our SELECT and INSERT; re-read and converge.
		if existing, _ := s.getArtifactLocked(taskID, agentType, step); existing != nil {
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("insert artifact: %w", err)
	}

	if task, terr := s.getTaskLocked(taskID); terr == nil {
		s.emit(ctx, "artifact_appended", task, map[string]interface{}{"agent_type": agentType, "step": step})
	}

	return art, true, nil
}

func (s *Store) getArtifactLocked(taskID, agentType string, step int) (*Artifact, error) {
	row := s.db.QueryRow(`
		SELECT id, task_id, agent_type, step, type_tag, mime_type, data, created_at
		FROM artifacts WHERE task_id = ? AND agent_type = ? AND step = ?`, taskID, agentType, step)

	var a Artifact
	var dataJSON string
	err := row.Scan(&a.ID, &a.TaskID, &a.AgentType, &a.Step, &a.TypeTag, &a.MimeType, &dataJSON, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dataJSON), &a.Data); err != nil {
		return nil, err
	}
	a.Immutable = true
	return &a, nil
}

// GetArtifacts returns every artifact for a task, ordered by step.
func (s *Store) GetArtifacts(taskID string) ([]*Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, task_id, agent_type, step, type_tag, mime_type, data, created_at
		FROM artifacts WHERE task_id = ? ORDER BY step ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []*Artifact
	for rows.Next() {
		var a Artifact
		var dataJSON string
		if err := rows.Scan(&a.ID, &a.TaskID, &a.AgentType, &a.Step, &a.TypeTag, &a.MimeType, &dataJSON, &a.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(dataJSON), &a.Data); err != nil {
			return nil, err
		}
		a.Immutable = true
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

// AppendMessage unconditionally appends a message, trimming the oldest
// entries beyond MaxMessagesPerTask — the same "bounded ring so memory
// doesn't grow unbounded" idea as the teacher's buffered channels.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	metaJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal message metadata: %w", err)
	}

	var seq int
	row := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE task_id = ?`, msg.TaskID)
	if err := row.Scan(&seq); err != nil {
		return fmt.Errorf("compute message seq: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO messages (id, task_id, agent_type, type, content, metadata, timestamp, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.TaskID, msg.AgentType, msg.Type, msg.Content, string(metaJSON), msg.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if seq > MaxMessagesPerTask {
		cutoff := seq - MaxMessagesPerTask
		if _, err := s.db.Exec(`DELETE FROM messages WHERE task_id = ? AND seq <= ?`, msg.TaskID, cutoff); err != nil {
			log.Printf("[TASKSTORE] WARNING: failed to trim message ring for task %s: %v", msg.TaskID, err)
		}
	}

	return nil
}

// GetMessages returns every retained message for a task, in order.
func (s *Store) GetMessages(taskID string) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, task_id, agent_type, type, content, metadata, timestamp
		FROM messages WHERE task_id = ? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var m Message
		var metaJSON string
		if err := rows.Scan(&m.ID, &m.TaskID, &m.AgentType, &m.Type, &m.Content, &metaJSON, &m.Timestamp); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metaJSON), &m.Metadata); err != nil {
			return nil, err
		}
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

// ArchiveTerminal deletes tasks (and their artifacts/messages) that
// have been terminal for longer than retention, per the configurable
// retention window spec leaves unspecified (see DESIGN.md).
func (s *Store) ArchiveTerminal(retention time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-retention)
	rows, err := s.db.Query(`SELECT id FROM tasks WHERE status IN (?, ?, ?) AND updated_at < ?`,
		StatusCompleted, StatusFailed, StatusCancelled, cutoff)
	if err != nil {
		return 0, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	var archived int64
	for _, id := range ids {
		if _, err := s.db.Exec(`DELETE FROM messages WHERE task_id = ?`, id); err != nil {
			return archived, err
		}
		if _, err := s.db.Exec(`DELETE FROM artifacts WHERE task_id = ?`, id); err != nil {
			return archived, err
		}
		if _, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
			return archived, err
		}
		archived++
	}
	return archived, nil
}

func (s *Store) emit(ctx context.Context, kind string, task *Task, extra map[string]interface{}) {
	if s.recorder == nil {
		return
	}
	s.recorder.RecordTaskEvent(ctx, kind, task, extra)
}
