// Package queue holds the catalog pages waiting to be scraped.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maltedev/grocery-price-scraper/internal/catalog"
)

var (
	ErrQueueEmpty   = errors.New("queue is empty")
	ErrQueueClosed  = errors.New("queue is closed")
	ErrRetriesSpent = errors.New("task retries exhausted")
)

// Task is one catalog page load.
type Task struct {
	ID        string
	URL       string
	Category  string
	Page      int
	Priority  int
	Retries   int
	LastError string
	CreatedAt time.Time
}

// NewTask wraps a catalog URL.
func NewTask(u catalog.CategorisedURL) *Task {
	return &Task{
		ID:        uuid.New().String(),
		URL:       u.URL,
		Category:  u.Category,
		Page:      u.Page,
		CreatedAt: time.Now(),
	}
}

type Queue interface {
	Push(task *Task) error
	Pop(ctx context.Context) (*Task, error)
	Size() int
	Close() error
}

// InMemoryQueue orders tasks by descending priority, FIFO within a
// priority. After Close no new tasks are accepted but queued and requeued
// tasks still drain; Pop returns ErrQueueClosed once nothing is left.
type InMemoryQueue struct {
	tasks      []*Task
	mu         sync.Mutex
	notify     chan struct{}
	closed     bool
	maxRetries int
}

func NewInMemoryQueue(maxRetries int) *InMemoryQueue {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &InMemoryQueue{
		tasks:      make([]*Task, 0),
		notify:     make(chan struct{}, 1),
		maxRetries: maxRetries,
	}
}

func (q *InMemoryQueue) Push(task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.insert(task)
	return nil
}

// PushAll queues one task per catalog URL.
func (q *InMemoryQueue) PushAll(urls []catalog.CategorisedURL) error {
	for _, u := range urls {
		if err := q.Push(NewTask(u)); err != nil {
			return err
		}
	}
	return nil
}

// Requeue puts a failed task back at the end of its priority band. It
// returns ErrRetriesSpent once the task has been retried maxRetries times.
func (q *InMemoryQueue) Requeue(task *Task, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if task.Retries >= q.maxRetries {
		return fmt.Errorf("%s after %d retries: %w", task.URL, task.Retries, ErrRetriesSpent)
	}

	task.Retries++
	if cause != nil {
		task.LastError = cause.Error()
	}
	q.insert(task)
	return nil
}

func (q *InMemoryQueue) Pop(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			return task, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *InMemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.signal()

	return nil
}

func (q *InMemoryQueue) insert(task *Task) {
	q.tasks = append(q.tasks, task)
	sort.SliceStable(q.tasks, func(i, j int) bool {
		return q.tasks[i].Priority > q.tasks[j].Priority
	})
	q.signal()
}

func (q *InMemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
