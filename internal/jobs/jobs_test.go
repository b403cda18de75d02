package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"csms/internal/logging"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stations []string

func (s stations) Stations() []string { return s }

type requester struct {
	mu    sync.Mutex
	asked []string
	fail  map[string]bool
}

func (r *requester) RequestVersion(_ context.Context, id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.asked = append(r.asked, id)
	if r.fail[id] {
		return "", errors.New("not connected")
	}
	return "c-" + id, nil
}

func (r *requester) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.asked)
}

func TestLocalListAudit_AsksEveryStation(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	req := &requester{fail: map[string]bool{"CS-2": true}}
	audit := &LocalListAudit{
		Stations:  stations{"CS-1", "CS-2", "CS-3"},
		Requester: req,
		Log:       logger.WithField("component", "test"),
	}

	audit.Run()

	assert.Equal(t, []string{"CS-1", "CS-2", "CS-3"}, req.asked)
	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, "local list audit done", last.Message)
	assert.Equal(t, 3, last.Data["stations"])
	assert.Equal(t, 1, last.Data["failed"])
}

func TestScheduler_RunsJob(t *testing.T) {
	req := &requester{}
	s := NewScheduler(logging.Discard())
	require.NoError(t, s.Add("audit", "@every 1s", &LocalListAudit{
		Stations:  stations{"CS-1"},
		Requester: req,
		Log:       logging.Discard(),
	}))
	s.Start()
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return req.count() > 0 }, 3*time.Second, 50*time.Millisecond)
}

func TestScheduler_Add(t *testing.T) {
	s := NewScheduler(logging.Discard())
	assert.NoError(t, s.Add("off", "", &LocalListAudit{}))
	assert.Error(t, s.Add("bad", "not a schedule", &LocalListAudit{}))
}
