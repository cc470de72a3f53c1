package candidate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_roletrends/internal/engine/harvest"
	"github.com/anatolykoptev/go_roletrends/internal/engine/resume"
)

func decodeJobs(t *testing.T, s string) []harvest.Job {
	t.Helper()
	var out []harvest.Job
	require.NoError(t, json.Unmarshal([]byte(s), &out))
	return out
}

func decodeApps(t *testing.T, s string) []harvest.Application {
	t.Helper()
	var out []harvest.Application
	require.NoError(t, json.Unmarshal([]byte(s), &out))
	return out
}

func TestMergeDropsApplicationsWithoutJobs(t *testing.T) {
	apps := decodeApps(t, `[{"id":1,"jobs":[{"id":10}]},{"id":2,"jobs":[]}]`)
	jobs := decodeJobs(t, `[{"id":10,"name":"X"}]`)

	got, stats := Merge(jobs, apps, nil)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].ID())
	assert.Equal(t, "X", got[0].Job.Name)
	assert.Equal(t, 1, stats.NoJobs)
	assert.Zero(t, stats.Unmatched)
}

func TestMergeUsesFirstJobAndPreservesOrder(t *testing.T) {
	apps := decodeApps(t, `[
		{"id":3,"jobs":[{"id":20},{"id":10}]},
		{"id":1,"jobs":[{"id":99}]},
		{"id":2,"jobs":[{"id":10}]}
	]`)
	jobs := decodeJobs(t, `[{"id":10,"name":"Eng"},{"id":20,"name":"PM"}]`)

	got, stats := Merge(jobs, apps, nil)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID())
	assert.Equal(t, "PM", got[0].Job.Name)
	assert.Equal(t, int64(2), got[1].ID())
	assert.Equal(t, 1, stats.Unmatched)
}

func TestMergeManyToOne(t *testing.T) {
	apps := decodeApps(t, `[{"id":1,"jobs":[{"id":10}]},{"id":2,"jobs":[{"id":10}]}]`)
	jobs := decodeJobs(t, `[{"id":10,"name":"Eng"}]`)
	got, _ := Merge(jobs, apps, nil)
	require.Len(t, got, 2)
	assert.Equal(t, got[0].Job.ID, got[1].Job.ID)
}

func TestMergeAttachesResumes(t *testing.T) {
	apps := decodeApps(t, `[{"id":1,"jobs":[{"id":10}]},{"id":2,"jobs":[{"id":10}]}]`)
	jobs := decodeJobs(t, `[{"id":10,"name":"Eng"}]`)
	text := "resume text"
	got, _ := Merge(jobs, apps, []resume.Resume{{Content: &text, Link: "https://l"}, {}})
	require.Len(t, got, 2)
	require.NotNil(t, got[0].ResumeContent)
	assert.Equal(t, "resume text", *got[0].ResumeContent)
	assert.Equal(t, "https://l", got[0].ResumeLink)
	assert.Nil(t, got[1].ResumeContent)
}

func TestCandidateMarshalApplicationWins(t *testing.T) {
	apps := decodeApps(t, `[{"id":1,"status":"active","jobs":[{"id":10}]}]`)
	jobs := decodeJobs(t, `[{"id":10,"name":"Eng","status":"open","departments":[{"name":"R&D"}]}]`)
	got, _ := Merge(jobs, apps, nil)
	require.Len(t, got, 1)

	b, err := json.Marshal(got[0].WithResumeContent("cv"))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, float64(1), m["id"])
	assert.Equal(t, "active", m["status"])
	assert.Equal(t, "Eng", m["job_name"])
	assert.Equal(t, "cv", m["resume_content"])
	assert.Contains(t, m, "departments")
	assert.NotContains(t, m, "resume_link")
}

func TestCandidateMarshalOmitsMissingResume(t *testing.T) {
	apps := decodeApps(t, `[{"id":1,"jobs":[{"id":10}]}]`)
	jobs := decodeJobs(t, `[{"id":10,"name":"Eng"}]`)
	got, _ := Merge(jobs, apps, nil)
	b, err := json.Marshal(got[0])
	require.NoError(t, err)
	assert.NotContains(t, string(b), "resume_content")
}
