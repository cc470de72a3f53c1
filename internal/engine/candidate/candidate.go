// Package candidate joins applications to the jobs they were made for.
package candidate

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/anatolykoptev/go_roletrends/internal/engine/harvest"
	"github.com/anatolykoptev/go_roletrends/internal/engine/resume"
)

// Candidate is one application merged with its primary job.
// It serializes as the shallow union of both objects, application fields
// winning on collision, plus resume_content, job_name and resume_link.
type Candidate struct {
	Application   harvest.Application
	Job           harvest.Job
	ResumeContent *string
	ResumeLink    string
}

// ID returns the application id.
func (c Candidate) ID() int64 { return c.Application.ID }

// WithResumeContent returns a copy carrying text as its resume content.
func (c Candidate) WithResumeContent(text string) Candidate {
	c.ResumeContent = &text
	return c
}

// MarshalJSON renders the merged object.
func (c Candidate) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage)
	if err := overlay(out, c.Job); err != nil {
		return nil, err
	}
	if err := overlay(out, c.Application); err != nil {
		return nil, err
	}
	if c.ResumeContent != nil {
		if err := set(out, "resume_content", *c.ResumeContent); err != nil {
			return nil, err
		}
	}
	if err := set(out, "job_name", c.Job.Name); err != nil {
		return nil, err
	}
	if c.ResumeLink != "" {
		if err := set(out, "resume_link", c.ResumeLink); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func overlay(dst map[string]json.RawMessage, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("overlay %T: %w", v, err)
	}
	for k, raw := range m {
		dst[k] = raw
	}
	return nil
}

func set(dst map[string]json.RawMessage, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	dst[key] = b
	return nil
}

// Stats counts applications that did not make it into the merge.
type Stats struct {
	NoJobs    int // application lists no job
	Unmatched int // first job id not among fetched jobs
}

// Merge joins each application to the job named first in its jobs list.
// Output preserves application order. resumes, when non-nil, is index-aligned
// with apps.
func Merge(jobs []harvest.Job, apps []harvest.Application, resumes []resume.Resume) ([]Candidate, Stats) {
	lookup := make(map[int64]harvest.Job, len(jobs))
	for _, j := range jobs {
		if _, dup := lookup[j.ID]; !dup {
			lookup[j.ID] = j
		}
	}

	var (
		out   []Candidate
		stats Stats
	)
	for i, app := range apps {
		jobID, ok := app.PrimaryJobID()
		if !ok {
			stats.NoJobs++
			slog.Debug("merge: application has no jobs", slog.Int64("application_id", app.ID))
			continue
		}
		job, ok := lookup[jobID]
		if !ok {
			stats.Unmatched++
			slog.Debug("merge: job not found", slog.Int64("application_id", app.ID), slog.Int64("job_id", jobID))
			continue
		}
		c := Candidate{Application: app, Job: job}
		if i < len(resumes) {
			c.ResumeContent = resumes[i].Content
			c.ResumeLink = resumes[i].Link
		}
		out = append(out, c)
	}
	return out, stats
}
