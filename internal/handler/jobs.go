package handler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

// Job states.
const (
	JobRunning  = "running"
	JobComplete = "complete"
	JobError    = "error"
)

const (
	jobRetention     = time.Hour
	sseKeepAlive     = 15 * time.Second
	subscriberBuffer = 16
)

// Job is a point-in-time view of a background index job.
type Job struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	Embedded   int        `json:"embedded"`
	Total      int        `json:"total"`
	Chunks     int        `json:"chunks,omitempty"`
	Dimension  int        `json:"dimension,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (j Job) finished() bool { return j.Status != JobRunning }

func (j Job) event() string {
	if j.finished() {
		return j.Status
	}
	return "progress"
}

type trackedJob struct {
	Job
	watchers []chan Job
}

// JobTracker keeps background jobs in memory and fans their updates out to
// watchers. Watcher channels are closed once the job finishes.
type JobTracker struct {
	mu   sync.Mutex
	jobs map[string]*trackedJob
	now  func() time.Time
}

// NewJobTracker creates an empty tracker.
func NewJobTracker() *JobTracker {
	return &JobTracker{jobs: make(map[string]*trackedJob), now: time.Now}
}

// Start registers a running job of the given kind and returns its id.
// Jobs that finished more than an hour ago are dropped.
func (t *JobTracker) Start(kind string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for id, j := range t.jobs {
		if j.FinishedAt != nil && now.Sub(*j.FinishedAt) > jobRetention {
			delete(t.jobs, id)
		}
	}

	id := uuid.New().String()
	t.jobs[id] = &trackedJob{Job: Job{ID: id, Kind: kind, Status: JobRunning, StartedAt: now}}
	return id
}

// Progress records that done of total chunks have been embedded.
func (t *JobTracker) Progress(id string, done, total int) {
	t.apply(id, func(j *Job) {
		j.Embedded, j.Total = done, total
	})
}

// Complete marks the job finished with the size of the index it produced.
func (t *JobTracker) Complete(id string, chunks, dimension int) {
	t.apply(id, func(j *Job) {
		j.Status = JobComplete
		j.Chunks, j.Dimension = chunks, dimension
	})
}

// Fail marks the job finished with err.
func (t *JobTracker) Fail(id string, err error) {
	t.apply(id, func(j *Job) {
		j.Status = JobError
		j.Error = err.Error()
	})
}

func (t *JobTracker) apply(id string, fn func(*Job)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tj, ok := t.jobs[id]
	if !ok || tj.finished() {
		return
	}
	fn(&tj.Job)
	if tj.finished() {
		at := t.now()
		tj.FinishedAt = &at
	}

	for _, ch := range tj.watchers {
		select {
		case ch <- tj.Job:
		default:
			// slow watcher; it still gets the terminal state below or on its next read
		}
		if tj.finished() {
			close(ch)
		}
	}
	if tj.finished() {
		tj.watchers = nil
	}
}

// Get returns a copy of the job.
func (t *JobTracker) Get(id string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tj, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return tj.Job, true
}

// Watch returns the job's current state and a channel of later updates. The
// channel is nil when the job has already finished. stop must be called when
// the caller loses interest before the job ends.
func (t *JobTracker) Watch(id string) (current Job, updates <-chan Job, stop func(), ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tj, ok := t.jobs[id]
	if !ok {
		return Job{}, nil, func() {}, false
	}
	if tj.finished() {
		return tj.Job, nil, func() {}, true
	}

	ch := make(chan Job, subscriberBuffer)
	tj.watchers = append(tj.watchers, ch)
	stop = func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, w := range tj.watchers {
			if w == ch {
				tj.watchers = append(tj.watchers[:i], tj.watchers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return tj.Job, ch, stop, true
}

// JobsHandler serves job status.
type JobsHandler struct {
	tracker *JobTracker
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(tracker *JobTracker) *JobsHandler {
	return &JobsHandler{tracker: tracker}
}

// Register sets up job routes.
func (h *JobsHandler) Register(router fiber.Router) {
	jobs := router.Group("/jobs")
	jobs.Get("/:id", h.GetStatus)
	jobs.Get("/:id/stream", h.StreamSSE)
}

// GetStatus returns the current job state.
func (h *JobsHandler) GetStatus(c fiber.Ctx) error {
	job, ok := h.tracker.Get(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "job not found"})
	}
	return c.JSON(job)
}

// StreamSSE streams job updates as Server-Sent Events until the job finishes
// or the client goes away.
func (h *JobsHandler) StreamSSE(c fiber.Ctx) error {
	current, updates, stop, ok := h.tracker.Watch(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "job not found"})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer stop()

		if writeEvent(w, current) != nil || updates == nil {
			return
		}

		keepAlive := time.NewTicker(sseKeepAlive)
		defer keepAlive.Stop()
		for {
			select {
			case job, open := <-updates:
				if !open {
					if final, ok := h.tracker.Get(current.ID); ok && final.finished() {
						_ = writeEvent(w, final)
					}
					return
				}
				if writeEvent(w, job) != nil || job.finished() {
					return
				}
			case <-keepAlive.C:
				if _, err := w.WriteString(": ping\n\n"); err != nil {
					return
				}
				if w.Flush() != nil {
					return
				}
			}
		}
	})
}

func writeEvent(w *bufio.Writer, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", job.event(), data); err != nil {
		return err
	}
	return w.Flush()
}
