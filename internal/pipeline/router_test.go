package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"omegacamer/internal/archive"
	"omegacamer/internal/mosaic"
	"omegacamer/internal/prered"
	"omegacamer/internal/scamp"
	"omegacamer/internal/storage"
)

type stubDownloader struct {
	start, end string
}

func (s *stubDownloader) Run(ctx context.Context, start, end string) (archive.Summary, error) {
	s.start, s.end = start, end
	return archive.Summary{Records: 4, Science: 2}, nil
}

type stubPrereducer struct {
	from, to float64
}

func (s *stubPrereducer) Run(ctx context.Context, from, to float64) (prered.Summary, error) {
	s.from, s.to = from, to
	return prered.Summary{Objects: 1, Reduced: 3}, nil
}

type stubBuilder struct {
	filter mosaic.Filter
	err    error
}

func (s *stubBuilder) Build(ctx context.Context, f mosaic.Filter) (mosaic.BuildSummary, error) {
	s.filter = f
	return mosaic.BuildSummary{Groups: 1, Built: 1}, s.err
}

type stubSolver struct{}

func (stubSolver) SolveAll(ctx context.Context, files []string) []scamp.Result {
	out := make([]scamp.Result, len(files))
	for i, f := range files {
		out[i] = scamp.Result{File: f, Header: f + ".head", Cached: i == 0}
		if filepath.Base(f) == "bad.fits" {
			out[i].Err = scamp.ErrTooFewSources
		}
	}
	return out
}

func TestRouterDownload(t *testing.T) {
	dl := &stubDownloader{}
	r := NewRouter(Stages{Downloader: dl}, slog.Default())

	res := r.Process(context.Background(), NewJob(JobDownload, "2024-10", map[string]any{"start": "2024-10-01", "end": "2024-10-31"}))
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if dl.start != "2024-10-01" || dl.end != "2024-10-31" {
		t.Fatalf("dates not passed through: %q %q", dl.start, dl.end)
	}
	if res.Meta["science"] != float64(2) {
		t.Fatalf("unexpected meta %v", res.Meta)
	}

	res = r.Process(context.Background(), NewJob(JobDownload, "", nil))
	if res.Error == nil {
		t.Fatalf("expected error without dates")
	}
}

func TestRouterPreredAcceptsJSONNumbers(t *testing.T) {
	pr := &stubPrereducer{}
	r := NewRouter(Stages{Prereducer: pr}, nil)

	res := r.Process(context.Background(), NewJob(JobPrered, "", map[string]any{"from": 60600.5, "to": "60610"}))
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if pr.from != 60600.5 || pr.to != 60610 {
		t.Fatalf("unexpected bounds %v %v", pr.from, pr.to)
	}

	res = r.Process(context.Background(), NewJob(JobPrered, "", map[string]any{"from": true}))
	if res.Error == nil {
		t.Fatalf("expected error for a boolean bound")
	}
}

func TestRouterMosaicFilter(t *testing.T) {
	b := &stubBuilder{err: errors.New("one group failed")}
	r := NewRouter(Stages{Builder: b}, nil)

	res := r.Process(context.Background(), NewJob(JobMosaic, "J1433_6007", map[string]any{"target": "J1433_6007", "night": "2024-10-23"}))
	if res.Error == nil {
		t.Fatalf("expected builder error to propagate")
	}
	if b.filter.Target != "J1433_6007" || b.filter.Night != "2024-10-23" {
		t.Fatalf("unexpected filter %+v", b.filter)
	}
	if res.Meta["built"] != float64(1) {
		t.Fatalf("summary lost on error: %v", res.Meta)
	}
}

func TestRouterPlateSolve(t *testing.T) {
	r := NewRouter(Stages{Solver: stubSolver{}}, nil)

	res := r.Process(context.Background(), NewJob(JobPlateSolve, "", map[string]any{"files": []any{"/d/a.fits", "/d/bad.fits", "/d/c.fits"}}))
	if !errors.Is(res.Error, scamp.ErrTooFewSources) {
		t.Fatalf("expected the failing frame to surface, got %v", res.Error)
	}
	if res.Meta["solved"] != 2 || res.Meta["cached"] != 1 || res.Meta["failed"] != 1 {
		t.Fatalf("unexpected meta %v", res.Meta)
	}
}

func TestRouterReportAndMissingStages(t *testing.T) {
	r := NewRouter(Stages{Report: func(ctx context.Context) (string, error) { return "/www/index.html", nil }}, nil)

	res := r.Process(context.Background(), NewJob(JobReport, "", nil))
	if res.Error != nil || res.Meta["report"] != "/www/index.html" {
		t.Fatalf("unexpected report result %+v", res)
	}
	for _, jt := range []JobType{JobDownload, JobPrered, JobInventory, JobLink, JobPlateSolve, JobMosaic} {
		if res := r.Process(context.Background(), NewJob(jt, "", nil)); res.Error == nil {
			t.Fatalf("%s: expected error for a missing stage", jt)
		}
	}
	if res := r.Process(context.Background(), Job{Type: "bogus"}); res.Error == nil {
		t.Fatalf("expected error for unknown job type")
	}
}

func TestPipelinePersistsAndBroadcasts(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "book.sqlite3"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	pr := &stubPrereducer{}
	p := New(context.Background(), 2, 4, NewRouter(Stages{Prereducer: pr}, nil), store, slog.Default())
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job := NewJob(JobPrered, "all", map[string]any{"from": 1.0})
	res, err := p.SubmitAndWait(ctx, job)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if res.Job.ID != job.ID || res.Meta["reduced"] != float64(3) {
		t.Fatalf("unexpected result %+v", res)
	}

	jobs, err := store.RecentJobs(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 || jobs[0].Status != "completed" || jobs[0].Scope != "all" || jobs[0].JobType != "prered" {
		t.Fatalf("unexpected job records %+v", jobs)
	}

	_, err = p.SubmitAndWait(ctx, NewJob(JobLink, "", nil))
	if err == nil {
		t.Fatalf("expected failure for unconfigured stage")
	}
	jobs, _ = store.RecentJobs(5)
	if jobs[0].Status != "failed" || jobs[0].Error == "" {
		t.Fatalf("failed job not recorded: %+v", jobs[0])
	}
}

func TestAwaitSurvivesBusySubscribers(t *testing.T) {
	stages := Stages{Report: func(ctx context.Context) (string, error) { return "index.html", nil }}
	p := New(context.Background(), 2, 32, NewRouter(stages, nil), nil, nil)
	defer p.Stop()

	// a subscriber that never reads fills up and starts dropping results
	_, unsubscribe := p.Subscribe()
	defer unsubscribe()

	var awaited Job
	var resCh <-chan Result
	var cancelAwait func()
	for i := 0; i < 20; i++ {
		job := NewJob(JobReport, "busy", nil)
		if i == 15 {
			awaited = job
			resCh, cancelAwait = p.Await(job.ID)
		}
		if err := p.Submit(job); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	defer cancelAwait()

	select {
	case res, ok := <-resCh:
		if !ok || res.Job.ID != awaited.ID || res.Error != nil {
			t.Fatalf("unexpected result %+v (open %v)", res, ok)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("awaited result never delivered")
	}
}

func TestAwaitAfterStop(t *testing.T) {
	p := New(context.Background(), 1, 1, NewRouter(Stages{}, nil), nil, nil)
	p.Stop()
	ch, cancel := p.Await("gone")
	defer cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected a closed channel from a stopped pipeline")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(context.Background(), 1, 1, NewRouter(Stages{}, nil), nil, nil)
	p.Stop()
	if err := p.Submit(NewJob(JobReport, "", nil)); err == nil {
		t.Fatalf("expected error submitting to a stopped pipeline")
	}
}

func TestJobTypeValid(t *testing.T) {
	if !JobMosaic.Valid() || JobType("stack").Valid() {
		t.Fatalf("unexpected validity")
	}
}
