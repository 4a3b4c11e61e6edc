package metrics

import (
	"context"
	"log"
	"time"

	"github.com/aman-churiwal/admission-engine/internal/models"
	"github.com/aman-churiwal/admission-engine/internal/repository"
)

// Recorder streams admission outcomes into batched inserts so the hot path
// never waits on the database. Entries are dropped, not blocked on, when the
// buffer is full.
type Recorder struct {
	repo       *repository.AdmissionLogRepository
	ch         chan models.AdmissionLog
	batchSize  int
	flushEvery time.Duration
	stop       chan struct{}
	done       chan struct{}
}

func NewRecorder(repo *repository.AdmissionLogRepository, batchSize int, flushEvery time.Duration) *Recorder {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushEvery <= 0 {
		flushEvery = 5 * time.Second
	}
	return &Recorder{
		repo:       repo,
		ch:         make(chan models.AdmissionLog, batchSize*10),
		batchSize:  batchSize,
		flushEvery: flushEvery,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the background batch writer.
func (r *Recorder) Start() {
	go func() {
		defer close(r.done)

		batch := make([]models.AdmissionLog, 0, r.batchSize)
		ticker := time.NewTicker(r.flushEvery)
		defer ticker.Stop()

		for {
			select {
			case entry := <-r.ch:
				batch = append(batch, entry)
				if len(batch) >= r.batchSize {
					r.flush(batch)
					batch = make([]models.AdmissionLog, 0, r.batchSize)
				}
			case <-ticker.C:
				if len(batch) > 0 {
					r.flush(batch)
					batch = make([]models.AdmissionLog, 0, r.batchSize)
				}
			case <-r.stop:
				// Drain whatever is queued before exiting
				for {
					select {
					case entry := <-r.ch:
						batch = append(batch, entry)
					default:
						r.flush(batch)
						return
					}
				}
			}
		}
	}()
}

// Stop flushes pending entries and stops the writer.
func (r *Recorder) Stop() {
	close(r.stop)
	<-r.done
}

// Record queues one admission outcome. Never blocks.
func (r *Recorder) Record(entry models.AdmissionLog) {
	select {
	case r.ch <- entry:
	default:
		log.Println("admission log buffer full, dropping entry")
	}
}

func (r *Recorder) flush(batch []models.AdmissionLog) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.repo.CreateBatch(ctx, batch); err != nil {
		log.Printf("failed to insert %d admission logs: %v", len(batch), err)
	}
}
