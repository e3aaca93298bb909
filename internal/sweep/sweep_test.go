package sweep_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/TillFleisch/TrixelManagementService/internal/privatizer"
	"github.com/TillFleisch/TrixelManagementService/internal/sweep"
)

type recordingProcessor struct {
	trixelID privatizer.TrixelUpdateResult
	level    int

	mu      *sync.Mutex
	order   *[]int
	release <-chan struct{}
}

func (p *recordingProcessor) Process(ctx context.Context) privatizer.TrixelUpdateResult {
	if p.release != nil {
		<-p.release
	}
	p.mu.Lock()
	*p.order = append(*p.order, p.level)
	p.mu.Unlock()
	return p.trixelID
}

func TestRunProcessesDeepestLevelFirst(t *testing.T) {
	var mu sync.Mutex
	var order []int

	tasks := []sweep.Task{
		{Level: 0, Processor: &recordingProcessor{level: 0, mu: &mu, order: &order}},
		{Level: 2, Processor: &recordingProcessor{level: 2, mu: &mu, order: &order}},
		{Level: 1, Processor: &recordingProcessor{level: 1, mu: &mu, order: &order}},
	}

	engine := sweep.New(sweep.Config{})
	results := engine.Run(context.Background(), tasks)

	assert.Len(t, results, 3)
	assert.Equal(t, []int{2, 1, 0}, order)
}

func TestRunRespectsLevelBarrierWithBoundedWorkers(t *testing.T) {
	var mu sync.Mutex
	var order []int

	tasks := []sweep.Task{
		{Level: 1, Processor: &recordingProcessor{level: 1, mu: &mu, order: &order}},
		{Level: 1, Processor: &recordingProcessor{level: 1, mu: &mu, order: &order}},
		{Level: 0, Processor: &recordingProcessor{level: 0, mu: &mu, order: &order}},
	}

	engine := sweep.New(sweep.Config{Workers: 1})
	done := make(chan struct{})
	go func() {
		engine.Run(context.Background(), tasks)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep did not complete")
	}
	assert.Equal(t, []int{1, 1, 0}, order)
}
